package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ocireg/internal/auth"
	"ocireg/internal/content"
	"ocireg/internal/index"
	"ocireg/internal/registry"
	"ocireg/pkg/config"

	"github.com/spf13/afero"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()

	tmpDir := t.TempDir()
	configYAML := `server:
  port: 0
auth:
  realm: "https://auth.example.com/token"
  serviceName: "ocireg"
  meEndpoint: "https://auth.example.com/me"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "application.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatalf("write application.yaml: %v", err)
	}
	t.Setenv("APPLICATION_CONFIGURATION_DIR", tmpDir)
	t.Setenv("APPLICATION_PROFILES_ACTIVE", "")
	t.Setenv("APPLICATION_CONFIGURATION_PREFIX", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	idx, err := index.Open(filepath.Join(tmpDir, "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	store, err := content.New(afero.NewMemMapFs(), "/locks")
	if err != nil {
		t.Fatalf("content.New: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(idx, store, log)
	resolver := &auth.StaticResolver{Tokens: map[string]string{"tok-alice": "alice"}}

	srv := New(cfg.Server, cfg.Auth, reg, resolver, log)

	return httptest.NewServer(srv.Handler()), reg
}

func TestNewStartShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	idx, err := index.Open(filepath.Join(tmpDir, "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	store, err := content.New(afero.NewMemMapFs(), "/locks")
	if err != nil {
		t.Fatalf("content.New: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(idx, store, log)
	resolver := &auth.StaticResolver{Tokens: map[string]string{}}

	serverCfg := config.ServerConfig{Port: 0, ReadTimeout: 5, WriteTimeout: 5, IdleTimeout: 5}
	authCfg := config.AuthConfig{Realm: "https://auth.example.com/token", ServiceName: "ocireg", MeEndpoint: "https://auth.example.com/me"}

	srv := New(serverCfg, authCfg, reg, resolver, log)
	if srv.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
	if srv.Port() != 0 {
		t.Fatalf("Port() = %d, want 0", srv.Port())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		t.Fatalf("Start returned %v, want http.ErrServerClosed", err)
	}
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer tok-alice")
	return req
}

func TestVersionCheckRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v2/")
	if err != nil {
		t.Fatalf("GET /v2/: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("Www-Authenticate") == "" {
		t.Error("missing Www-Authenticate header")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v2/", nil)
	resp2, err := http.DefaultClient.Do(authed(req))
	if err != nil {
		t.Fatalf("GET /v2/ authed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
}

func TestMonolithicBlobAndManifestLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	layer := []byte("layer contents")
	layerDigest := digestOf(layer)

	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v2/myapp/blobs/uploads/?digest=%s", srv.URL, layerDigest), bytes.NewReader(layer))
	resp, err := http.DefaultClient.Do(authed(req))
	if err != nil {
		t.Fatalf("POST one-shot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("one-shot upload status = %d, want 201", resp.StatusCode)
	}

	configBlob := []byte(`{}`)
	configDigest := digestOf(configBlob)
	req2, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v2/myapp/blobs/uploads/?digest=%s", srv.URL, configDigest), bytes.NewReader(configBlob))
	resp2, err := http.DefaultClient.Do(authed(req2))
	if err != nil {
		t.Fatalf("POST config: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("config upload status = %d, want 201", resp2.StatusCode)
	}

	manifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    configDigest,
			"size":      len(configBlob),
		},
		"layers": []map[string]any{
			{
				"mediaType": "application/vnd.oci.image.layer.v1.tar",
				"digest":    layerDigest,
				"size":      len(layer),
			},
		},
	}
	body, _ := json.Marshal(manifest)

	req3, _ := http.NewRequest(http.MethodPut, srv.URL+"/v2/myapp/manifests/latest", bytes.NewReader(body))
	req3.Header.Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
	resp3, err := http.DefaultClient.Do(authed(req3))
	if err != nil {
		t.Fatalf("PUT manifest: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusCreated {
		t.Fatalf("manifest put status = %d, want 201", resp3.StatusCode)
	}
	manifestDigest := resp3.Header.Get("Docker-Content-Digest")
	if manifestDigest == "" {
		t.Fatal("missing Docker-Content-Digest on manifest put")
	}

	req4, _ := http.NewRequest(http.MethodGet, srv.URL+"/v2/myapp/manifests/latest", nil)
	resp4, err := http.DefaultClient.Do(authed(req4))
	if err != nil {
		t.Fatalf("GET manifest: %v", err)
	}
	got, _ := io.ReadAll(resp4.Body)
	resp4.Body.Close()
	if resp4.StatusCode != http.StatusOK {
		t.Fatalf("manifest get status = %d, want 200", resp4.StatusCode)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("manifest body mismatch")
	}

	req5, _ := http.NewRequest(http.MethodGet, srv.URL+"/v2/myapp/tags/list", nil)
	resp5, err := http.DefaultClient.Do(authed(req5))
	if err != nil {
		t.Fatalf("GET tags: %v", err)
	}
	var tagsResult struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp5.Body).Decode(&tagsResult); err != nil {
		t.Fatalf("decode tags: %v", err)
	}
	resp5.Body.Close()
	if len(tagsResult.Tags) != 1 || tagsResult.Tags[0] != "latest" {
		t.Errorf("tags = %v, want [latest]", tagsResult.Tags)
	}

	req6, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v2/myapp/manifests/"+manifestDigest, nil)
	resp6, err := http.DefaultClient.Do(authed(req6))
	if err != nil {
		t.Fatalf("DELETE manifest: %v", err)
	}
	resp6.Body.Close()
	if resp6.StatusCode != http.StatusAccepted {
		t.Fatalf("manifest delete status = %d, want 202", resp6.StatusCode)
	}

	req7, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v2/myapp/blobs/"+layerDigest, nil)
	resp7, err := http.DefaultClient.Do(authed(req7))
	if err != nil {
		t.Fatalf("DELETE blob: %v", err)
	}
	resp7.Body.Close()
	if resp7.StatusCode != http.StatusAccepted {
		t.Fatalf("blob delete status = %d, want 202", resp7.StatusCode)
	}
}

func TestChunkedUploadAndResume(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v2/myapp/blobs/uploads/", nil)
	resp, err := http.DefaultClient.Do(authed(req))
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("Range") != "0-0" {
		t.Errorf("Range = %q, want 0-0", resp.Header.Get("Range"))
	}
	location := resp.Header.Get("Location")
	if location == "" {
		t.Fatal("missing Location header")
	}

	chunk1 := []byte("first-chunk-")
	req2, _ := http.NewRequest(http.MethodPatch, srv.URL+location, bytes.NewReader(chunk1))
	req2.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/*", len(chunk1)-1))
	resp2, err := http.DefaultClient.Do(authed(req2))
	if err != nil {
		t.Fatalf("PATCH chunk1: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("chunk1 status = %d, want 202", resp2.StatusCode)
	}
	location2 := resp2.Header.Get("Location")

	req3, _ := http.NewRequest(http.MethodGet, srv.URL+location2, nil)
	resp3, err := http.DefaultClient.Do(authed(req3))
	if err != nil {
		t.Fatalf("GET resume: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNoContent {
		t.Fatalf("resume status = %d, want 204", resp3.StatusCode)
	}
	wantRange := fmt.Sprintf("0-%d", len(chunk1)-1)
	if resp3.Header.Get("Range") != wantRange {
		t.Errorf("resume Range = %q, want %q", resp3.Header.Get("Range"), wantRange)
	}

	chunk2 := []byte("second-chunk")
	full := append(append([]byte{}, chunk1...), chunk2...)
	digest := digestOf(full)

	req4, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("%s%s?digest=%s", srv.URL, location2, digest), bytes.NewReader(chunk2))
	resp4, err := http.DefaultClient.Do(authed(req4))
	if err != nil {
		t.Fatalf("PUT finalize: %v", err)
	}
	resp4.Body.Close()
	if resp4.StatusCode != http.StatusCreated {
		t.Fatalf("finalize status = %d, want 201", resp4.StatusCode)
	}
	if resp4.Header.Get("Docker-Content-Digest") != digest {
		t.Errorf("Docker-Content-Digest = %q, want %q", resp4.Header.Get("Docker-Content-Digest"), digest)
	}

	req5, _ := http.NewRequest(http.MethodGet, srv.URL+"/v2/myapp/blobs/"+digest, nil)
	resp5, err := http.DefaultClient.Do(authed(req5))
	if err != nil {
		t.Fatalf("GET blob: %v", err)
	}
	got, _ := io.ReadAll(resp5.Body)
	resp5.Body.Close()
	if !bytes.Equal(got, full) {
		t.Errorf("blob contents mismatch")
	}
}

func TestChunkedUploadOutOfOrderRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v2/myapp/blobs/uploads/", nil)
	resp, err := http.DefaultClient.Do(authed(req))
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	location := resp.Header.Get("Location")

	chunk := []byte("chunk")
	req2, _ := http.NewRequest(http.MethodPatch, srv.URL+location, bytes.NewReader(chunk))
	req2.Header.Set("Content-Range", "bytes 5-9/*")
	resp2, err := http.DefaultClient.Do(authed(req2))
	if err != nil {
		t.Fatalf("PATCH out-of-order: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", resp2.StatusCode)
	}
}

func TestFinalizeDigestMismatchRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	data := []byte("some bytes")
	wrongDigest := digestOf([]byte("other bytes"))
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v2/myapp/blobs/uploads/?digest=%s", srv.URL, wrongDigest), bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(authed(req))
	if err != nil {
		t.Fatalf("POST one-shot mismatch: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
