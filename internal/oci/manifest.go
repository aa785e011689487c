// Package oci parses and validates OCI/Docker image manifests and
// descriptors, and the digest values that address their contents.
package oci

import (
	"encoding/json"
	"fmt"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest-family media types accepted by PUT.
const (
	MediaTypeDockerManifestV2 = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeOCIManifest      = "application/vnd.oci.image.manifest.v1+json"
)

// Fat-manifest ("image index") media types: parsed, not persisted.
const (
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIImageIndex      = "application/vnd.oci.image.index.v1+json"
)

// Config media types accepted for a manifest's Config descriptor.
const (
	MediaTypeDockerConfig = "application/vnd.docker.container.image.v1+json"
	MediaTypeOCIConfig    = "application/vnd.oci.image.config.v1+json"
)

// Layer media types accepted for a manifest's Layers descriptors.
const (
	MediaTypeDockerLayer              = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeOCILayer                 = "application/vnd.oci.image.layer.v1.tar"
	MediaTypeOCILayerGzip             = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeOCILayerNonDistributable = "application/vnd.oci.image.layer.nondistributable.v1.tar"
	MediaTypeOCILayerNonDistGzip      = "application/vnd.oci.image.layer.nondistributable.v1.tar+gzip"
)

var manifestMediaTypes = map[string]bool{
	MediaTypeDockerManifestV2: true,
	MediaTypeOCIManifest:      true,
}

var imageIndexMediaTypes = map[string]bool{
	MediaTypeDockerManifestList: true,
	MediaTypeOCIImageIndex:      true,
}

var configMediaTypes = map[string]bool{
	MediaTypeDockerConfig: true,
	MediaTypeOCIConfig:    true,
}

var layerMediaTypes = map[string]bool{
	MediaTypeDockerLayer:              true,
	MediaTypeOCILayer:                 true,
	MediaTypeOCILayerGzip:             true,
	MediaTypeOCILayerNonDistributable: true,
	MediaTypeOCILayerNonDistGzip:      true,
}

// IsManifestMediaType reports whether mediaType is one of the accepted
// single-platform image-manifest types.
func IsManifestMediaType(mediaType string) bool { return manifestMediaTypes[mediaType] }

// IsImageIndexMediaType reports whether mediaType is one of the accepted
// fat-manifest ("image index") types.
func IsImageIndexMediaType(mediaType string) bool { return imageIndexMediaTypes[mediaType] }

// IsConfigMediaType reports whether mediaType is an accepted config type.
func IsConfigMediaType(mediaType string) bool { return configMediaTypes[mediaType] }

// IsLayerMediaType reports whether mediaType is an accepted layer type.
func IsLayerMediaType(mediaType string) bool { return layerMediaTypes[mediaType] }

// Manifest wraps a parsed v1.Manifest together with the raw bytes it was
// parsed from, so the content store can persist exactly the bytes the
// client pushed rather than a re-marshaled approximation.
type Manifest struct {
	v1.Manifest
	Raw json.RawMessage
}

// ParseManifest parses data as a single-platform OCI/Docker image
// manifest and validates schemaVersion and media types against the
// accepted sets. httpContentType is the Content-Type header the client
// sent; if the body also declares a mediaType, the two must agree.
func ParseManifest(data []byte, httpContentType string) (*Manifest, error) {
	var m v1.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if m.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported schemaVersion %d", m.SchemaVersion)
	}

	if m.MediaType != "" && !IsManifestMediaType(m.MediaType) {
		return nil, fmt.Errorf("unsupported manifest mediaType %q", m.MediaType)
	}
	if m.MediaType != "" && httpContentType != "" && m.MediaType != httpContentType {
		return nil, fmt.Errorf("mediaType %q disagrees with Content-Type %q", m.MediaType, httpContentType)
	}
	if !IsManifestMediaType(httpContentType) {
		return nil, fmt.Errorf("unsupported Content-Type %q", httpContentType)
	}

	if !IsConfigMediaType(m.Config.MediaType) {
		return nil, fmt.Errorf("unsupported config mediaType %q", m.Config.MediaType)
	}
	for _, l := range m.Layers {
		if !IsLayerMediaType(l.MediaType) {
			return nil, fmt.Errorf("unsupported layer mediaType %q", l.MediaType)
		}
	}

	return &Manifest{Manifest: m, Raw: json.RawMessage(data)}, nil
}

// ParseImageIndex parses data as a fat manifest / image index. Nothing in
// the registry persists the result; manifestengine.PutManifest rejects
// image-index content types before any parsing.
func ParseImageIndex(data []byte) (*v1.Index, error) {
	var idx v1.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse image index: %w", err)
	}
	return &idx, nil
}

// subjectEnvelope pulls the optional `subject.digest` field some
// manifests carry (the referrers-API precursor), without requiring a
// full v1.Manifest field for it in every caller.
type subjectEnvelope struct {
	Subject *v1.Descriptor `json:"subject,omitempty"`
}

// SubjectDigest returns the digest named by the manifest body's optional
// "subject" descriptor, or "" if absent.
func SubjectDigest(raw []byte) string {
	var env subjectEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Subject == nil {
		return ""
	}
	return string(env.Subject.Digest)
}

// ParseDigest validates s as a `sha256:<hex>` digest. Any other
// algorithm prefix is rejected; sha256 is the only supported algorithm.
func ParseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported digest algorithm %q", d.Algorithm())
	}
	return d, nil
}

// FromBytes computes the sha256 digest of data in canonical
// "sha256:<hex>" form.
func FromBytes(data []byte) digest.Digest {
	return digest.FromBytes(data)
}
