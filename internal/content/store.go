// Package content implements the filesystem-backed, content-addressed
// store for blobs, in-progress upload chunks, and manifests.
package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// ErrMissing is returned when a read targets content that does not exist.
var ErrMissing = errors.New("content missing")

// Store implements this directory layout:
//
//	blobs/sha256/<hex>.tar.gz              finalized blobs
//	uploads/blobs/sha256/<hex>.tar.gz       per-chunk intermediate files
//	manifests/<manifest-id>.json           raw manifest bytes
type Store struct {
	fs      afero.Fs
	lockDir string
}

// New wraps fs (rooted at the configured storage root) as a content
// Store. lockDir is where per-digest file locks are created; it is kept
// separate from the content tree so lock files never collide with a
// digest-prefixed directory.
func New(fs afero.Fs, lockDir string) (*Store, error) {
	if err := fs.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &Store{fs: fs, lockDir: lockDir}, nil
}

func blobPath(digest string) string {
	digestHex := strings.TrimPrefix(digest, "sha256:")
	return path.Join("blobs", "sha256", digestHex+".tar.gz")
}

func chunkPath(digest string) string {
	digestHex := strings.TrimPrefix(digest, "sha256:")
	return path.Join("uploads", "blobs", "sha256", digestHex+".tar.gz")
}

func manifestPath(id string) string {
	return path.Join("manifests", id+".json")
}

// lockPath maps digest to one lock file under lockDir so that concurrent
// writers of the same digest serialize on the same lock file. Lock files
// are sharded git-style by the first two hex characters; the content
// paths themselves are not sharded.
func (s *Store) lockPath(digest string) string {
	digestHex := strings.TrimPrefix(digest, "sha256:")
	if len(digestHex) < 2 {
		return path.Join(s.lockDir, digestHex+".lock")
	}
	return path.Join(s.lockDir, digestHex[:2], digestHex[2:]+".lock")
}

// withDigestLock acquires a file lock scoped to digest for the duration
// of fn, retrying every 10ms until ctx is done.
func (s *Store) withDigestLock(ctx context.Context, digest string, fn func() error) error {
	lockPath := s.lockPath(digest)
	if err := s.fs.MkdirAll(path.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	if _, ok := s.fs.(*afero.OsFs); !ok {
		// In-memory filesystems (tests) don't need real file locking:
		// afero.MemMapFs operations are already process-local and
		// effectively serialized by the Go runtime's scheduler here.
		return fn()
	}

	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", digest, err)
	}
	if !locked {
		return fmt.Errorf("lock acquisition timeout for %s", digest)
	}
	defer fileLock.Unlock()

	return fn()
}

func (s *Store) writeFile(p string, r io.Reader) error {
	if err := s.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	f, err := s.fs.Create(p)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func (s *Store) readFile(p string) (io.ReadCloser, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, ErrMissing
	}
	return f, nil
}

// PutChunk writes the bytes of an in-progress chunk under its own
// content digest. Writes are last-writer-wins (acceptable: identical
// digest implies identical bytes).
func (s *Store) PutChunk(ctx context.Context, digest string, r io.Reader) error {
	return s.withDigestLock(ctx, digest, func() error {
		return s.writeFile(chunkPath(digest), r)
	})
}

// ReadChunk returns the bytes previously written by PutChunk.
func (s *Store) ReadChunk(digest string) (io.ReadCloser, error) {
	return s.readFile(chunkPath(digest))
}

// PromoteBlob writes data as the finalized blob for digest. It is
// idempotent: if the destination already exists, it is a no-op.
func (s *Store) PromoteBlob(ctx context.Context, digest string, r io.Reader) error {
	return s.withDigestLock(ctx, digest, func() error {
		if exists, err := afero.Exists(s.fs, blobPath(digest)); err == nil && exists {
			return nil
		}
		return s.writeFile(blobPath(digest), r)
	})
}

// ReadBlob opens the finalized blob file for digest.
func (s *Store) ReadBlob(digest string) (io.ReadCloser, error) {
	return s.readFile(blobPath(digest))
}

// DeleteBlobFile removes the finalized blob file for digest. Only
// invoked by the caller once the index confirms no remaining Blob rows
// reference the digest.
func (s *Store) DeleteBlobFile(digest string) error {
	p := blobPath(digest)
	if err := s.fs.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// PutManifest writes the raw manifest bytes under id, idempotently.
func (s *Store) PutManifest(id string, data []byte) error {
	p := manifestPath(id)
	if existing, err := afero.ReadFile(s.fs, p); err == nil && string(existing) == string(data) {
		return nil
	}
	return s.writeFile(p, bytes.NewReader(data))
}

// OpenManifest opens the raw manifest bytes stored under id.
func (s *Store) OpenManifest(id string) (io.ReadCloser, error) {
	return s.readFile(manifestPath(id))
}

// DeleteManifestFile removes the manifest file stored under id.
func (s *Store) DeleteManifestFile(id string) error {
	if err := s.fs.Remove(manifestPath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// Sha256Hex returns the lowercase hex sha256 of data, used by callers
// that need to verify content before it reaches the store.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
