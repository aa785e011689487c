package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/locks")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutAndReadChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutChunk(ctx, "sha256:abc", bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	r, err := s.ReadChunk("sha256:abc")
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "hello" {
		t.Errorf("data = %q, want hello", data)
	}
}

func TestReadChunkMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReadChunk("sha256:missing"); !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
}

func TestPromoteBlobIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PromoteBlob(ctx, "sha256:abc", bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("PromoteBlob: %v", err)
	}
	// second promote with different bytes is a no-op (idempotent)
	if err := s.PromoteBlob(ctx, "sha256:abc", bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("PromoteBlob: %v", err)
	}

	r, err := s.ReadBlob("sha256:abc")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "first" {
		t.Errorf("data = %q, want first (promote must be idempotent)", data)
	}
}

func TestDeleteBlobFileMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteBlobFile("sha256:never-existed"); err != nil {
		t.Fatalf("DeleteBlobFile on missing file: %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutManifest("manifest-1", []byte(`{"schemaVersion":2}`)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	r, err := s.OpenManifest("manifest-1")
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != `{"schemaVersion":2}` {
		t.Errorf("data = %q", data)
	}

	if err := s.DeleteManifestFile("manifest-1"); err != nil {
		t.Fatalf("DeleteManifestFile: %v", err)
	}
	if _, err := s.OpenManifest("manifest-1"); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing after delete, got %v", err)
	}
}
