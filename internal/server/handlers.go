package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ocireg/internal/auth"
	"ocireg/internal/regerr"
	"ocireg/internal/registry"
)

type handlers struct {
	reg       *registry.Registry
	resolver  auth.Resolver
	challenge auth.Challenge
	logger    *slog.Logger
}

func (h *handlers) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v2/", h.handleVersionOrDispatch)
	mux.HandleFunc("HEAD /v2/{path...}", h.handleHead)
	mux.HandleFunc("POST /v2/{path...}", h.handlePost)
	mux.HandleFunc("PATCH /v2/{path...}", h.handlePatch)
	mux.HandleFunc("PUT /v2/{path...}", h.handlePut)
	mux.HandleFunc("DELETE /v2/{path...}", h.handleDelete)
}

// authenticate resolves the request's bearer token to a username, writing
// the 401 challenge response and returning ok=false on failure.
func (h *handlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == authz {
		token = ""
	}

	username, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		w.Header().Set("Www-Authenticate", h.challenge.Header())
		regerr.WriteOCI(w, err)
		return "", false
	}
	return username, true
}

// handleVersionOrDispatch serves GET /v2/ (the version check) and routes
// every other GET under /v2/ to the manifest/blob/tags handler, since the
// version-check pattern and the wildcard pattern would otherwise collide.
func (h *handlers) handleVersionOrDispatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v2/")
	if rest == "" {
		if _, ok := h.authenticate(w, r); !ok {
			return
		}
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		w.WriteHeader(http.StatusOK)
		return
	}
	h.handleGet(w, r)
}

func (h *handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v2/")

	if name, reference, ok := splitTrailing(path, "/manifests/"); ok {
		h.getManifest(w, r, name, reference)
		return
	}
	if name, ok := splitSuffix(path, "/tags/list"); ok {
		h.listTags(w, r, name)
		return
	}
	if name, session, ok := splitTrailing(path, "/blobs/uploads/"); ok {
		h.getUploadStatus(w, r, name, session)
		return
	}
	if name, digest, ok := splitTrailing(path, "/blobs/"); ok {
		h.getBlob(w, r, name, digest)
		return
	}
	regerr.WriteOCI(w, regerr.New(regerr.KindNameInvalid, "unrecognized path", path))
}

func (h *handlers) handleHead(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	path := r.PathValue("path")

	if name, reference, ok := splitTrailing(path, "/manifests/"); ok {
		h.headManifest(w, r, name, reference)
		return
	}
	if name, digest, ok := splitTrailing(path, "/blobs/"); ok {
		h.headBlob(w, r, name, digest)
		return
	}
	regerr.WriteOCI(w, regerr.New(regerr.KindNameInvalid, "unrecognized path", path))
}

func (h *handlers) handlePost(w http.ResponseWriter, r *http.Request) {
	username, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")

	name, ok := splitSuffix(path, "/blobs/uploads/")
	if !ok {
		name, ok = splitSuffix(path, "/blobs/uploads")
	}
	if !ok {
		regerr.WriteOCI(w, regerr.New(regerr.KindNameInvalid, "unrecognized path", path))
		return
	}
	h.startBlobUpload(w, r, username, name)
}

func (h *handlers) handlePatch(w http.ResponseWriter, r *http.Request) {
	_, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")
	name, session, ok := splitTrailing(path, "/blobs/uploads/")
	if !ok {
		regerr.WriteOCI(w, regerr.New(regerr.KindNameInvalid, "unrecognized path", path))
		return
	}
	h.appendChunk(w, r, name, session)
}

func (h *handlers) handlePut(w http.ResponseWriter, r *http.Request) {
	username, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")

	if name, session, ok := splitTrailing(path, "/blobs/uploads/"); ok {
		h.completeBlobUpload(w, r, name, session)
		return
	}
	if name, reference, ok := splitTrailing(path, "/manifests/"); ok {
		h.putManifest(w, r, username, name, reference)
		return
	}
	regerr.WriteOCI(w, regerr.New(regerr.KindNameInvalid, "unrecognized path", path))
}

func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	path := r.PathValue("path")

	if name, reference, ok := splitTrailing(path, "/manifests/"); ok {
		h.deleteManifest(w, r, name, reference)
		return
	}
	if name, digest, ok := splitTrailing(path, "/blobs/"); ok {
		h.deleteBlob(w, r, name, digest)
		return
	}
	regerr.WriteOCI(w, regerr.New(regerr.KindNameInvalid, "unrecognized path", path))
}

// --- manifest handlers ---

func (h *handlers) getManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	result, err := h.reg.GetManifest(name, reference)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		regerr.WriteOCI(w, regerr.New(regerr.KindIOError, "failed to read manifest", err.Error()))
		return
	}

	w.Header().Set("Content-Type", result.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Docker-Content-Digest", result.Digest)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *handlers) headManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	result, err := h.reg.GetManifest(name, reference)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	result.Body.Close()
	w.Header().Set("Content-Type", result.MediaType)
	w.Header().Set("Docker-Content-Digest", result.Digest)
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) putManifest(w http.ResponseWriter, r *http.Request, username, name, reference string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		regerr.WriteOCI(w, regerr.New(regerr.KindInvalidManifestSchema, "failed to read manifest body", err.Error()))
		return
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	result, err := h.reg.PutManifest(username, name, reference, contentType, body)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", name, reference))
	w.Header().Set("Docker-Content-Digest", result.Digest)
	if result.Subject != "" {
		w.Header().Set("OCI-Subject", result.Subject)
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) deleteManifest(w http.ResponseWriter, r *http.Request, name, reference string) {
	if err := h.reg.DeleteManifest(name, reference); err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) listTags(w http.ResponseWriter, r *http.Request, name string) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	last := r.URL.Query().Get("last")

	result, err := h.reg.ListTags(name, n, last)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- blob handlers ---

func (h *handlers) getBlob(w http.ResponseWriter, r *http.Request, name, digest string) {
	rc, err := h.reg.GetBlob(name, digest)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

func (h *handlers) headBlob(w http.ResponseWriter, r *http.Request, name, digest string) {
	rc, err := h.reg.GetBlob(name, digest)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	rc.Close()
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) deleteBlob(w http.ResponseWriter, r *http.Request, name, digest string) {
	if err := h.reg.DeleteBlob(name, digest); err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- upload handlers ---

func (h *handlers) startBlobUpload(w http.ResponseWriter, r *http.Request, username, name string) {
	if digest := r.URL.Query().Get("digest"); digest != "" {
		h.putBlobOneShot(w, r, username, name, digest)
		return
	}

	session, err := h.reg.CreateSession(username, name)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}

	location := fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, session.ID)
	w.Header().Set("Location", location)
	w.Header().Set("Range", "0-0")
	w.Header().Set("Docker-Upload-UUID", session.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) putBlobOneShot(w http.ResponseWriter, r *http.Request, username, name, digest string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		regerr.WriteOCI(w, regerr.New(regerr.KindInvalidContentLength, "failed to read blob body", err.Error()))
		return
	}
	defer r.Body.Close()

	result, err := h.reg.PutBlobOneShot(r.Context(), username, name, digest, body)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", result.Digest)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, result.Digest))
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) getUploadStatus(w http.ResponseWriter, r *http.Request, name, sessionID string) {
	session, err := h.reg.GetSession(sessionID)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}
	location := fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, session.ID)
	w.Header().Set("Location", location)
	w.Header().Set("Range", fmt.Sprintf("0-%d", session.StartingByteIndex-1))
	w.Header().Set("Docker-Upload-UUID", session.ID)
	w.WriteHeader(http.StatusNoContent)
}

// appendChunk handles PATCH, accepting either a Content-Range header
// (chunked upload, ordering enforced) or its absence (streamed upload,
// sequential only).
func (h *handlers) appendChunk(w http.ResponseWriter, r *http.Request, name, sessionID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		regerr.WriteOCI(w, regerr.New(regerr.KindInvalidContentLength, "failed to read chunk body", err.Error()))
		return
	}
	defer r.Body.Close()

	var expectedStart *int64
	if start, ok := parseContentRangeStart(r.Header.Get("Content-Range")); ok {
		expectedStart = &start
	}

	var declaredLength *int64
	if r.ContentLength >= 0 {
		length := r.ContentLength
		declaredLength = &length
	}

	succ, err := h.reg.AppendChunk(r.Context(), sessionID, body, expectedStart, declaredLength)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}

	location := fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, succ.ID)
	w.Header().Set("Location", location)
	w.Header().Set("Range", fmt.Sprintf("0-%d", succ.StartingByteIndex-1))
	w.Header().Set("Docker-Upload-UUID", succ.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) completeBlobUpload(w http.ResponseWriter, r *http.Request, name, sessionID string) {
	digest := r.URL.Query().Get("digest")
	if digest == "" {
		regerr.WriteOCI(w, regerr.New(regerr.KindInvalidDigest, "digest query parameter required", ""))
		return
	}

	var finalBytes []byte
	if r.ContentLength > 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			regerr.WriteOCI(w, regerr.New(regerr.KindInvalidContentLength, "failed to read final chunk", err.Error()))
			return
		}
		finalBytes = body
	}
	defer r.Body.Close()

	result, err := h.reg.Finalize(r.Context(), sessionID, digest, finalBytes)
	if err != nil {
		regerr.WriteOCI(w, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", result.Digest)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, result.Digest))
	w.WriteHeader(http.StatusCreated)
}
