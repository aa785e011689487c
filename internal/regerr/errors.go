// Package regerr defines the registry's error taxonomy and its rendering
// as OCI Distribution Spec error bodies.
package regerr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind identifies one of the abstract error kinds the registry façade can
// return. HTTP status mapping and OCI error codes are derived from it.
type Kind string

const (
	KindSessionNotFound         Kind = "session-not-found"
	KindInvalidSessionID        Kind = "invalid-session-id"
	KindInvalidStartIndex       Kind = "invalid-start-index"
	KindAlreadyUploaded         Kind = "blob-part-already-uploaded"
	KindInvalidContentLength    Kind = "invalid-content-length"
	KindInvalidContentRange     Kind = "invalid-content-range"
	KindUnsupportedDigest       Kind = "unsupported-digest"
	KindInvalidDigest           Kind = "invalid-digest"
	KindUnsupportedManifestType Kind = "unsupported-manifest-type"
	KindInvalidManifestSchema   Kind = "invalid-manifest-schema"
	KindBlobNotFound            Kind = "blob-not-found"
	KindBlobFileNotFound        Kind = "blob-file-not-found"
	KindBlobManifestStillExists Kind = "blob-manifest-still-exists"
	KindManifestNotFound        Kind = "manifest-not-found"
	KindManifestFileNotFound    Kind = "manifest-file-not-found"
	KindFailedToDeleteTag       Kind = "failed-to-delete-tag"
	KindInvalidState            Kind = "invalid-state"
	KindIndexError              Kind = "index-error"
	KindIOError                 Kind = "io-error"
	KindSerializationError      Kind = "serialization-error"
	KindNameInvalid             Kind = "name-invalid"
	KindUnauthorized            Kind = "unauthorized"
	KindDenied                  Kind = "denied"
)

// Error is the tagged error value the registry façade returns. The HTTP
// shell never inspects anything but Kind/Message/Detail.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an Error of the given kind with a detail string.
func New(kind Kind, message, detail string) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// Is reports whether err is a *Error of the given kind, for callers that
// branch on kind (e.g. the HTTP shell, tests).
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// HTTPStatus maps a Kind to the status code the HTTP shell should answer
// with. 416 for the two session-ordering cases, 404 for not-found kinds,
// 400 for schema/digest/content-range problems, 401/403 for auth, 415 for
// unsupported manifest types, 500 for the rest.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidStartIndex, KindAlreadyUploaded:
		return http.StatusRequestedRangeNotSatisfiable
	case KindSessionNotFound, KindBlobNotFound, KindBlobFileNotFound,
		KindManifestNotFound, KindManifestFileNotFound:
		return http.StatusNotFound
	case KindInvalidSessionID, KindInvalidContentLength, KindInvalidContentRange,
		KindUnsupportedDigest, KindInvalidDigest, KindInvalidManifestSchema,
		KindBlobManifestStillExists, KindNameInvalid:
		return http.StatusBadRequest
	case KindUnsupportedManifestType:
		return http.StatusUnsupportedMediaType
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ociCode is the OCI Distribution Spec error code for kinds that surface
// in an HTTP response body (§6 of the external interface).
func (e *Error) ociCode() string {
	switch e.Kind {
	case KindBlobNotFound, KindBlobFileNotFound:
		return "BLOB_UNKNOWN"
	case KindInvalidContentLength, KindInvalidContentRange, KindInvalidSessionID:
		return "BLOB_UPLOAD_INVALID"
	case KindSessionNotFound, KindInvalidStartIndex, KindAlreadyUploaded:
		return "BLOB_UPLOAD_UNKNOWN"
	case KindUnsupportedDigest, KindInvalidDigest:
		return "DIGEST_INVALID"
	case KindBlobManifestStillExists:
		return "MANIFEST_BLOB_UNKNOWN"
	case KindInvalidManifestSchema, KindUnsupportedManifestType:
		return "MANIFEST_INVALID"
	case KindManifestNotFound, KindManifestFileNotFound:
		return "MANIFEST_UNKNOWN"
	case KindNameInvalid:
		return "NAME_INVALID"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindDenied:
		return "DENIED"
	default:
		return "UNSUPPORTED"
	}
}

// ociError is one element of the OCI error body's "errors" array.
type ociError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type ociBody struct {
	Errors []ociError `json:"errors"`
}

// WriteOCI writes err to w in the OCI Distribution Spec error format,
// choosing the status code from HTTPStatus. Non-*Error values are
// rendered as an opaque 500.
func WriteOCI(w http.ResponseWriter, err error) {
	e, ok := err.(*Error)
	if !ok {
		e = &Error{Kind: KindIOError, Message: "internal error", Detail: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	json.NewEncoder(w).Encode(ociBody{
		Errors: []ociError{{
			Code:    e.ociCode(),
			Message: e.Message,
			Detail:  e.Detail,
		}},
	})
}
