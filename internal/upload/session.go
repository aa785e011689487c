// Package upload implements the upload session state machine:
// create/append/finalize/resume over a chain of UploadSession nodes.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"ocireg/internal/content"
	"ocireg/internal/index"
	"ocireg/internal/oci"
	"ocireg/internal/regerr"
)

// Engine drives the session state machine over an index.Store and a
// content.Store.
type Engine struct {
	idx     *index.Store
	content *content.Store
}

// New constructs an Engine.
func New(idx *index.Store, content *content.Store) *Engine {
	return &Engine{idx: idx, content: content}
}

// CreateSession starts a new session chain for (ownerUsername,
// namespace), creating the owner/repository lazily.
func (e *Engine) CreateSession(ownerUsername, namespace string) (*index.UploadSession, error) {
	owner, err := e.idx.FindOrCreateOwner(ownerUsername)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve owner", err.Error())
	}
	repo, err := e.idx.FindOrCreateRepository(owner.ID, namespace)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	node, err := e.idx.CreateRootSession(repo.ID)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to create session", err.Error())
	}
	return node, nil
}

// GetSession walks successors from id until it finds the terminal open
// node, for GET-session resume. Fails with session-not-found if the
// chain is already finished.
func (e *Engine) GetSession(id string) (*index.UploadSession, error) {
	node, err := e.idx.FindSession(id)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to load session", err.Error())
	}
	if node == nil {
		return nil, regerr.New(regerr.KindSessionNotFound, "session not found", id)
	}
	if node.IsFinished {
		return nil, regerr.New(regerr.KindSessionNotFound, "session already finished", id)
	}

	for node.Digest != "" {
		succ, err := e.idx.FindSuccessor(node.ID)
		if err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to resolve successor", err.Error())
		}
		if succ == nil {
			// node is chunked but no successor exists yet: treat it as
			// the resumable location.
			break
		}
		node = succ
		if node.IsFinished {
			return nil, regerr.New(regerr.KindSessionNotFound, "session already finished", id)
		}
	}
	return node, nil
}

// AppendChunk performs the append-chunk transition on the given open
// node. expectedStart and declaredLength are optional: the HTTP layer
// passes expectedStart only when the request carries a Content-Range
// header (chunked upload; a streamed PATCH omits it) and declaredLength
// whenever the request's Content-Length is known.
func (e *Engine) AppendChunk(ctx context.Context, sessionID string, data []byte, expectedStart *int64, declaredLength *int64) (*index.UploadSession, error) {
	node, err := e.idx.FindSession(sessionID)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to load session", err.Error())
	}
	if node == nil {
		return nil, regerr.New(regerr.KindSessionNotFound, "session not found", sessionID)
	}
	if node.Digest != "" {
		return nil, regerr.New(regerr.KindAlreadyUploaded, "chunk already uploaded for this session", sessionID)
	}
	if expectedStart != nil && *expectedStart != node.StartingByteIndex {
		return nil, regerr.New(regerr.KindInvalidStartIndex, "out-of-order chunk",
			fmt.Sprintf("expected %d, got %d", node.StartingByteIndex, *expectedStart))
	}
	if declaredLength != nil && *declaredLength != int64(len(data)) {
		return nil, regerr.New(regerr.KindInvalidContentLength, "declared content-length disagrees with body",
			fmt.Sprintf("declared %d, actual %d", *declaredLength, len(data)))
	}

	chunkDigest := oci.FromBytes(data).String()

	ok, err := e.idx.SetDigest(node.ID, chunkDigest)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to record chunk digest", err.Error())
	}
	if !ok {
		return nil, regerr.New(regerr.KindAlreadyUploaded, "chunk already uploaded for this session", sessionID)
	}

	if err := e.content.PutChunk(ctx, chunkDigest, bytes.NewReader(data)); err != nil {
		return nil, regerr.New(regerr.KindIOError, "failed to persist chunk", err.Error())
	}

	nextStart := node.StartingByteIndex + int64(len(data))
	succ, err := e.idx.InsertSuccessorSession(node.RepositoryID, node.ID, nextStart)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to create successor session", err.Error())
	}
	return succ, nil
}

// FinalizeResult is the outcome of a successful Finalize call.
type FinalizeResult struct {
	Blob   *index.Blob
	Digest string
}

// Finalize performs the finalize transition. If finalBytes is non-nil,
// an AppendChunk is performed first and the walk continues from its
// successor.
func (e *Engine) Finalize(ctx context.Context, sessionID, expectedDigest string, finalBytes []byte) (*FinalizeResult, error) {
	targetID := sessionID
	if finalBytes != nil {
		succ, err := e.AppendChunk(ctx, sessionID, finalBytes, nil, nil)
		if err != nil {
			return nil, err
		}
		targetID = succ.ID
	}

	target, err := e.idx.FindSession(targetID)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to load session", err.Error())
	}
	if target == nil {
		return nil, regerr.New(regerr.KindSessionNotFound, "session not found", targetID)
	}

	d, err := oci.ParseDigest(expectedDigest)
	if err != nil {
		return nil, regerr.New(regerr.KindUnsupportedDigest, "unsupported digest algorithm", expectedDigest)
	}

	digests, err := e.walkChunkDigests(target)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	for _, cd := range digests {
		r, err := e.content.ReadChunk(cd)
		if err != nil {
			return nil, regerr.New(regerr.KindIOError, "failed to read chunk", cd)
		}
		_, copyErr := io.Copy(buf, r)
		r.Close()
		if copyErr != nil {
			return nil, regerr.New(regerr.KindIOError, "failed to read chunk", cd)
		}
	}

	actual := oci.FromBytes(buf.Bytes())
	if actual.String() != d.String() {
		return nil, regerr.New(regerr.KindInvalidDigest, "digest mismatch on finalize",
			fmt.Sprintf("expected %s, got %s", d, actual))
	}

	if err := e.idx.SetFinished(target.ID); err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to mark session finished", err.Error())
	}

	blob, err := e.idx.InsertBlob(target.RepositoryID, actual.String())
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to record blob", err.Error())
	}

	if err := e.content.PromoteBlob(ctx, actual.String(), bytes.NewReader(buf.Bytes())); err != nil {
		return nil, regerr.New(regerr.KindIOError, "failed to promote blob", err.Error())
	}

	return &FinalizeResult{Blob: blob, Digest: actual.String()}, nil
}

// walkChunkDigests walks the chain backward from target itself to the
// root, collecting each node's chunk digest, then reverses the result to
// obtain upload order.
func (e *Engine) walkChunkDigests(target *index.UploadSession) ([]string, error) {
	var reversed []string

	node := target
	for node != nil {
		if node.Digest != "" {
			reversed = append(reversed, node.Digest)
		}
		if node.PreviousID == "" {
			break
		}
		prev, err := e.idx.FindSession(node.PreviousID)
		if err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to walk session chain", err.Error())
		}
		if prev == nil {
			return nil, regerr.New(regerr.KindInvalidState, "session chain broken", node.PreviousID)
		}
		node = prev
	}

	digests := make([]string, len(reversed))
	for i, d := range reversed {
		digests[len(reversed)-1-i] = d
	}
	return digests, nil
}
