// Package index provides transactional access to the registry's
// relational entities (owner, repository, upload session, blob,
// manifest, manifest layer) over an embedded bbolt database.
package index

import "time"

// Owner is created lazily on first push by a given username.
type Owner struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Repository is created lazily on first session for a namespace.
type Repository struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Namespace string `json:"namespace"`
}

// UploadSession is one node of a session chain. The chain's root has
// PreviousID == "". A node with Digest == "" is the chain's open
// (unfinalized) tail.
type UploadSession struct {
	ID                string    `json:"id"`
	RepositoryID      string    `json:"repositoryId"`
	PreviousID        string    `json:"previousId,omitempty"`
	Digest            string    `json:"digest,omitempty"`
	StartingByteIndex int64     `json:"startingByteIndex"`
	IsFinished        bool      `json:"isFinished"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Blob is created on finalize. Multiple blob rows (one per repository)
// may share the same Digest; the content-store file they name is shared
// and survives as long as any row references it.
type Blob struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Digest       string    `json:"digest"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Manifest is created on PUT. Tag is a pointer so "no tag" (created
// by-digest, or untagged by DELETE) is distinguishable from an empty
// string tag.
type Manifest struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Tag          *string   `json:"tag,omitempty"`
	ConfigBlobID string    `json:"configBlobId"`
	Digest       string    `json:"digest"`
	MediaType    string    `json:"mediaType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ManifestLayer associates a Manifest with a Blob it references.
type ManifestLayer struct {
	ManifestID string    `json:"manifestId"`
	BlobID     string    `json:"blobId"`
	MediaType  string    `json:"mediaType"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}
