package regerr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindAlreadyUploaded, http.StatusRequestedRangeNotSatisfiable},
		{KindInvalidStartIndex, http.StatusRequestedRangeNotSatisfiable},
		{KindBlobNotFound, http.StatusNotFound},
		{KindManifestNotFound, http.StatusNotFound},
		{KindInvalidDigest, http.StatusBadRequest},
		{KindUnsupportedManifestType, http.StatusUnsupportedMediaType},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindDenied, http.StatusForbidden},
		{KindIndexError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		e := New(c.kind, "msg", "")
		if got := e.HTTPStatus(); got != c.want {
			t.Errorf("%s: got status %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestWriteOCI(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOCI(rec, New(KindBlobNotFound, "blob unknown to registry", "digest: sha256:abc"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body ociBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Errors) != 1 {
		t.Fatalf("errors len = %d, want 1", len(body.Errors))
	}
	if body.Errors[0].Code != "BLOB_UNKNOWN" {
		t.Errorf("code = %q, want BLOB_UNKNOWN", body.Errors[0].Code)
	}
}

func TestIs(t *testing.T) {
	err := New(KindSessionNotFound, "no session", "")
	if !Is(err, KindSessionNotFound) {
		t.Error("Is should match same kind")
	}
	if Is(err, KindBlobNotFound) {
		t.Error("Is should not match different kind")
	}
	if Is(nil, KindBlobNotFound) {
		t.Error("Is should not match non-Error")
	}
}
