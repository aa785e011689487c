// Package registry is the Registry Façade: pure operations over the
// index, the content store, and the upload/manifest engines. It
// contains no HTTP or auth logic; callers adapt request framing to
// these calls and map returned errors to status codes.
package registry

import (
	"context"
	"io"
	"log/slog"

	"ocireg/internal/content"
	"ocireg/internal/index"
	"ocireg/internal/manifestengine"
	"ocireg/internal/regerr"
	"ocireg/internal/upload"
)

// Registry wires the index, content store, and upload/manifest engines
// behind one set of operations.
type Registry struct {
	idx       *index.Store
	content   *content.Store
	uploads   *upload.Engine
	manifests *manifestengine.Engine
	log       *slog.Logger
}

// New constructs a Registry.
func New(idx *index.Store, content *content.Store, log *slog.Logger) *Registry {
	return &Registry{
		idx:       idx,
		content:   content,
		uploads:   upload.New(idx, content),
		manifests: manifestengine.New(idx, content),
		log:       log,
	}
}

// CreateSession starts a new upload session for (user, namespace).
func (r *Registry) CreateSession(user, namespace string) (*index.UploadSession, error) {
	if !ValidNamespace(namespace) {
		return nil, regerr.New(regerr.KindNameInvalid, "invalid repository name", namespace)
	}
	session, err := r.uploads.CreateSession(user, namespace)
	if err != nil {
		r.log.Warn("create session failed", "namespace", namespace, "error", err)
		return nil, err
	}
	r.log.Info("session created", "namespace", namespace, "session", session.ID)
	return session, nil
}

// GetSession resumes session id, returning its current resumable tail.
func (r *Registry) GetSession(id string) (*index.UploadSession, error) {
	session, err := r.uploads.GetSession(id)
	if err != nil {
		r.log.Warn("get session failed", "session", id, "error", err)
		return nil, err
	}
	return session, nil
}

// AppendChunk appends data to session id.
func (r *Registry) AppendChunk(ctx context.Context, id string, data []byte, expectedStart, declaredLength *int64) (*index.UploadSession, error) {
	succ, err := r.uploads.AppendChunk(ctx, id, data, expectedStart, declaredLength)
	if err != nil {
		r.log.Warn("append chunk failed", "session", id, "error", err)
		return nil, err
	}
	r.log.Info("chunk appended", "session", id, "successor", succ.ID, "next_start", succ.StartingByteIndex)
	return succ, nil
}

// Finalize concludes session id, verifying expectedDigest and promoting
// the concatenated chunks to a blob.
func (r *Registry) Finalize(ctx context.Context, id, expectedDigest string, finalBytes []byte) (*upload.FinalizeResult, error) {
	result, err := r.uploads.Finalize(ctx, id, expectedDigest, finalBytes)
	if err != nil {
		r.log.Warn("finalize failed", "session", id, "error", err)
		return nil, err
	}
	r.log.Info("blob finalized", "session", id, "digest", result.Digest)
	return result, nil
}

// PutBlobOneShot is the single-request upload shortcut: create a session,
// append the entire body as one chunk, and finalize in one call.
func (r *Registry) PutBlobOneShot(ctx context.Context, user, namespace, expectedDigest string, body []byte) (*upload.FinalizeResult, error) {
	session, err := r.CreateSession(user, namespace)
	if err != nil {
		return nil, err
	}
	return r.Finalize(ctx, session.ID, expectedDigest, body)
}

// GetBlob opens the blob content for (namespace, digest).
func (r *Registry) GetBlob(namespace, digest string) (io.ReadCloser, error) {
	repo, err := r.idx.FindRepositoryByNamespace(namespace)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	if repo == nil {
		return nil, regerr.New(regerr.KindBlobNotFound, "repository not known to registry", namespace)
	}
	blob, err := r.idx.FindBlobByRepoDigest(repo.ID, digest)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve blob", err.Error())
	}
	if blob == nil {
		return nil, regerr.New(regerr.KindBlobNotFound, "blob unknown", digest)
	}
	rc, err := r.content.ReadBlob(digest)
	if err != nil {
		return nil, regerr.New(regerr.KindBlobFileNotFound, "blob file missing", digest)
	}
	return rc, nil
}

// DeleteBlob removes the blob row for (namespace, digest), guarding
// against in-use blobs and deleting the shared file only once no row in
// any repository still references the digest.
func (r *Registry) DeleteBlob(namespace, digest string) error {
	repo, err := r.idx.FindRepositoryByNamespace(namespace)
	if err != nil {
		return regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	if repo == nil {
		return regerr.New(regerr.KindBlobNotFound, "repository not known to registry", namespace)
	}
	blob, err := r.idx.FindBlobByRepoDigest(repo.ID, digest)
	if err != nil {
		return regerr.New(regerr.KindIndexError, "failed to resolve blob", err.Error())
	}
	if blob == nil {
		return regerr.New(regerr.KindBlobNotFound, "blob unknown", digest)
	}

	referencing, err := r.idx.ManifestsReferencingBlob(repo.ID, blob.ID)
	if err != nil {
		return regerr.New(regerr.KindIndexError, "failed to check manifest references", err.Error())
	}
	if len(referencing) > 0 {
		return regerr.New(regerr.KindBlobManifestStillExists, "blob still referenced by a manifest", digest)
	}

	if err := r.idx.DeleteBlob(blob.ID); err != nil {
		return regerr.New(regerr.KindIndexError, "failed to delete blob row", err.Error())
	}

	remaining, err := r.idx.CountBlobsByDigest(digest)
	if err != nil {
		return regerr.New(regerr.KindIndexError, "failed to recount blob references", err.Error())
	}
	if remaining == 0 {
		if err := r.content.DeleteBlobFile(digest); err != nil {
			return regerr.New(regerr.KindIOError, "failed to delete blob file", err.Error())
		}
	}

	r.log.Info("blob deleted", "namespace", namespace, "digest", digest)
	return nil
}

// PutManifest stores a manifest for (namespace, reference).
func (r *Registry) PutManifest(user, namespace, reference, contentType string, body []byte) (*manifestengine.PutResult, error) {
	if !ValidNamespace(namespace) {
		return nil, regerr.New(regerr.KindNameInvalid, "invalid repository name", namespace)
	}
	result, err := r.manifests.PutManifest(user, namespace, reference, contentType, body)
	if err != nil {
		r.log.Warn("put manifest failed", "namespace", namespace, "reference", reference, "error", err)
		return nil, err
	}
	r.log.Info("manifest put", "namespace", namespace, "reference", reference, "digest", result.Digest)
	return result, nil
}

// GetManifest retrieves the manifest for (namespace, reference).
func (r *Registry) GetManifest(namespace, reference string) (*manifestengine.GetResult, error) {
	result, err := r.manifests.GetManifest(namespace, reference)
	if err != nil {
		r.log.Warn("get manifest failed", "namespace", namespace, "reference", reference, "error", err)
		return nil, err
	}
	return result, nil
}

// DeleteManifest deletes or untags the manifest for (namespace, reference).
func (r *Registry) DeleteManifest(namespace, reference string) error {
	if err := r.manifests.DeleteManifest(namespace, reference); err != nil {
		r.log.Warn("delete manifest failed", "namespace", namespace, "reference", reference, "error", err)
		return err
	}
	r.log.Info("manifest deleted", "namespace", namespace, "reference", reference)
	return nil
}

// ListTags lists up to n tags for namespace following last.
func (r *Registry) ListTags(namespace string, n int, last string) (*manifestengine.ListTagsResult, error) {
	return r.manifests.ListTags(namespace, n, last)
}

// ListRepositories returns every repository owned by the user named
// ownerUsername, or an empty slice if the owner has never pushed.
func (r *Registry) ListRepositories(ownerUsername string) ([]*index.Repository, error) {
	owner, err := r.idx.FindOrCreateOwner(ownerUsername)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve owner", err.Error())
	}
	repos, err := r.idx.ListRepositories(owner.ID)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to list repositories", err.Error())
	}
	return repos, nil
}

// GetRepository returns the repository for namespace, or nil if absent.
func (r *Registry) GetRepository(namespace string) (*index.Repository, error) {
	repo, err := r.idx.FindRepositoryByNamespace(namespace)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	return repo, nil
}
