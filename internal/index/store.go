package index

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Bucket names. Buckets whose name ends in "_by_x" hold lookup indexes
// keyed on x rather than the primary id.
var (
	bucketOwners               = []byte("owners")
	bucketOwnersByUsername     = []byte("owners_by_username")
	bucketRepositories         = []byte("repositories")
	bucketRepositoriesByNS     = []byte("repositories_by_namespace")
	bucketSessions             = []byte("upload_sessions")
	bucketSessionsByPrevious   = []byte("upload_sessions_by_previous")
	bucketBlobs                = []byte("blobs")
	bucketBlobsByRepoDigest    = []byte("blobs_by_repo_digest")
	bucketBlobsByDigest        = []byte("blobs_by_digest")
	bucketManifests            = []byte("manifests")
	bucketManifestsByRepoTag   = []byte("manifests_by_repo_tag")
	bucketManifestsByRepoDig   = []byte("manifests_by_repo_digest")
	bucketManifestLayers       = []byte("manifest_layers")
	bucketManifestLayersByManifest = []byte("manifest_layers_by_manifest")
	bucketManifestLayersByBlob = []byte("manifest_layers_by_blob")

	allBuckets = [][]byte{
		bucketOwners, bucketOwnersByUsername,
		bucketRepositories, bucketRepositoriesByNS,
		bucketSessions, bucketSessionsByPrevious,
		bucketBlobs, bucketBlobsByRepoDigest, bucketBlobsByDigest,
		bucketManifests, bucketManifestsByRepoTag, bucketManifestsByRepoDig,
		bucketManifestLayers, bucketManifestLayersByManifest, bucketManifestLayersByBlob,
	}
)

// Store is a bbolt-backed implementation of the transactional index of
// owners, repositories, upload sessions, blobs, and manifests. Each
// exported query method begins and commits (or rolls back, on error)
// exactly one transaction, except DeleteManifestLayers, which reads the
// layer rows in one transaction and deletes them in a second.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// compositeKey joins parts with a NUL separator, which cannot appear in
// any of our identifiers (uuids, digests, namespaces).
func compositeKey(parts ...string) []byte {
	out := make([]byte, 0, 64)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, p...)
	}
	return out
}
