package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ocireg/internal/regerr"
)

func TestStaticResolver(t *testing.T) {
	r := &StaticResolver{Tokens: map[string]string{"tok-alice": "alice"}}

	username, err := r.Resolve(context.Background(), "tok-alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if username != "alice" {
		t.Errorf("username = %q, want alice", username)
	}

	if _, err := r.Resolve(context.Background(), "unknown"); !regerr.Is(err, regerr.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestHTTPResolverSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-bob" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(meResponse{Username: "bob"})
	}))
	defer srv.Close()

	resolver := NewHTTPResolver(srv.URL)
	username, err := resolver.Resolve(context.Background(), "tok-bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if username != "bob" {
		t.Errorf("username = %q, want bob", username)
	}
}

func TestHTTPResolverRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	resolver := NewHTTPResolver(srv.URL)
	if _, err := resolver.Resolve(context.Background(), "bad-token"); !regerr.Is(err, regerr.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestHTTPResolverRejectsMissingToken(t *testing.T) {
	resolver := NewHTTPResolver("http://unused")
	if _, err := resolver.Resolve(context.Background(), ""); !regerr.Is(err, regerr.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}
