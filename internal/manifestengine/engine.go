// Package manifestengine implements PUT/GET/DELETE manifest and
// list-tags operations over the index and content stores.
package manifestengine

import (
	"io"
	"strings"

	"ocireg/internal/content"
	"ocireg/internal/index"
	"ocireg/internal/oci"
	"ocireg/internal/regerr"
)

// Engine drives manifest operations over an index.Store and a
// content.Store.
type Engine struct {
	idx     *index.Store
	content *content.Store
}

// New constructs an Engine.
func New(idx *index.Store, content *content.Store) *Engine {
	return &Engine{idx: idx, content: content}
}

// PutResult is the outcome of a successful PutManifest call.
type PutResult struct {
	ManifestID string
	Digest     string
	Subject    string
}

// PutManifest resolves the owner/repository, validates the manifest's
// config and layer blobs are already present, then upserts the manifest
// row (by digest or by tag) and persists the raw bytes.
func (e *Engine) PutManifest(ownerUsername, namespace, reference, contentType string, body []byte) (*PutResult, error) {
	if oci.IsImageIndexMediaType(contentType) {
		return nil, regerr.New(regerr.KindUnsupportedManifestType,
			"fat-manifest (image index) persistence is not supported", contentType)
	}

	digest := oci.FromBytes(body).String()

	parsed, err := oci.ParseManifest(body, contentType)
	if err != nil {
		return nil, regerr.New(regerr.KindInvalidManifestSchema, "invalid manifest schema", err.Error())
	}

	owner, err := e.idx.FindOrCreateOwner(ownerUsername)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve owner", err.Error())
	}
	repo, err := e.idx.FindOrCreateRepository(owner.ID, namespace)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}

	configBlob, err := e.idx.FindBlobByRepoDigest(repo.ID, string(parsed.Config.Digest))
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve config blob", err.Error())
	}
	if configBlob == nil {
		return nil, regerr.New(regerr.KindInvalidDigest, "config blob not found in repository", string(parsed.Config.Digest))
	}

	layerBlobs := make([]*index.Blob, len(parsed.Layers))
	for i, layer := range parsed.Layers {
		layerBlob, err := e.idx.FindBlobByRepoDigest(repo.ID, string(layer.Digest))
		if err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to resolve layer blob", err.Error())
		}
		if layerBlob == nil {
			return nil, regerr.New(regerr.KindInvalidDigest, "layer blob not found in repository", string(layer.Digest))
		}
		layerBlobs[i] = layerBlob
	}

	var manifest *index.Manifest
	if strings.HasPrefix(reference, "sha256:") {
		manifest, err = e.idx.FindManifestByRepoDigest(repo.ID, digest)
		if err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to resolve manifest", err.Error())
		}
		if manifest == nil {
			manifest, err = e.idx.InsertManifest(repo.ID, nil, configBlob.ID, digest, contentType)
			if err != nil {
				return nil, regerr.New(regerr.KindIndexError, "failed to insert manifest", err.Error())
			}
		}
		// Upsert-by-digest reuses the existing row without refreshing
		// its fields.
	} else {
		tag := reference
		manifest, err = e.idx.FindManifestByRepoTag(repo.ID, tag)
		if err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to resolve manifest", err.Error())
		}
		if manifest == nil {
			manifest, err = e.idx.InsertManifest(repo.ID, &tag, configBlob.ID, digest, contentType)
			if err != nil {
				return nil, regerr.New(regerr.KindIndexError, "failed to insert manifest", err.Error())
			}
		}
		// Upsert-by-tag reuses the existing row without refreshing its
		// fields: intentional, preserved from the reference behaviour.
	}

	for i, layer := range parsed.Layers {
		if err := e.idx.InsertManifestLayer(manifest.ID, layerBlobs[i].ID, layer.MediaType, layer.Size); err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to record manifest layer", err.Error())
		}
	}

	if err := e.content.PutManifest(manifest.ID, body); err != nil {
		return nil, regerr.New(regerr.KindIOError, "failed to persist manifest file", err.Error())
	}

	return &PutResult{
		ManifestID: manifest.ID,
		Digest:     digest,
		Subject:    oci.SubjectDigest(body),
	}, nil
}

// GetResult is the outcome of a successful GetManifest call.
type GetResult struct {
	Body      io.ReadCloser
	Digest    string
	MediaType string
}

// GetManifest resolves reference (a tag or a sha256 digest) within
// namespace and returns the stored manifest bytes.
func (e *Engine) GetManifest(namespace, reference string) (*GetResult, error) {
	repo, err := e.idx.FindRepositoryByNamespace(namespace)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	if repo == nil {
		return nil, regerr.New(regerr.KindManifestNotFound, "repository not known to registry", namespace)
	}

	manifest, err := e.lookupManifest(repo.ID, reference)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, regerr.New(regerr.KindManifestNotFound, "manifest unknown", reference)
	}

	body, err := e.content.OpenManifest(manifest.ID)
	if err != nil {
		return nil, regerr.New(regerr.KindManifestFileNotFound, "manifest file missing", manifest.ID)
	}

	return &GetResult{Body: body, Digest: manifest.Digest, MediaType: manifest.MediaType}, nil
}

func (e *Engine) lookupManifest(repositoryID, reference string) (*index.Manifest, error) {
	if strings.HasPrefix(reference, "sha256:") {
		m, err := e.idx.FindManifestByRepoDigest(repositoryID, reference)
		if err != nil {
			return nil, regerr.New(regerr.KindIndexError, "failed to resolve manifest", err.Error())
		}
		return m, nil
	}
	m, err := e.idx.FindManifestByRepoTag(repositoryID, reference)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve manifest", err.Error())
	}
	return m, nil
}

// DeleteManifest deletes by digest (removing every manifest row and file
// sharing that digest in the repository) or untags by tag, leaving the
// underlying manifest row and file in place.
func (e *Engine) DeleteManifest(namespace, reference string) error {
	repo, err := e.idx.FindRepositoryByNamespace(namespace)
	if err != nil {
		return regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	if repo == nil {
		return regerr.New(regerr.KindManifestNotFound, "repository not known to registry", namespace)
	}

	if strings.HasPrefix(reference, "sha256:") {
		manifests, err := e.idx.ListManifestsByRepoDigest(repo.ID, reference)
		if err != nil {
			return regerr.New(regerr.KindIndexError, "failed to resolve manifests", err.Error())
		}
		if len(manifests) == 0 {
			return regerr.New(regerr.KindManifestNotFound, "manifest unknown", reference)
		}
		for _, m := range manifests {
			if _, err := e.idx.DeleteManifestLayers(m.ID); err != nil {
				return regerr.New(regerr.KindIndexError, "failed to delete manifest layers", err.Error())
			}
			if err := e.idx.DeleteManifest(m.ID); err != nil {
				return regerr.New(regerr.KindIndexError, "failed to delete manifest", err.Error())
			}
			if err := e.content.DeleteManifestFile(m.ID); err != nil {
				return regerr.New(regerr.KindIOError, "failed to delete manifest file", err.Error())
			}
		}
		return nil
	}

	manifest, err := e.idx.FindManifestByRepoTag(repo.ID, reference)
	if err != nil {
		return regerr.New(regerr.KindIndexError, "failed to resolve manifest", err.Error())
	}
	if manifest == nil {
		return regerr.New(regerr.KindManifestNotFound, "manifest unknown", reference)
	}
	if err := e.idx.NullifyTag(manifest.ID); err != nil {
		return regerr.New(regerr.KindFailedToDeleteTag, "failed to nullify tag", err.Error())
	}
	return nil
}

// ListTagsResult is the body of the list-tags response.
type ListTagsResult struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns up to n tags for namespace, starting after last.
func (e *Engine) ListTags(namespace string, n int, last string) (*ListTagsResult, error) {
	repo, err := e.idx.FindRepositoryByNamespace(namespace)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to resolve repository", err.Error())
	}
	if repo == nil {
		return &ListTagsResult{Name: namespace, Tags: []string{}}, nil
	}

	tags, err := e.idx.ListTags(repo.ID, n, last)
	if err != nil {
		return nil, regerr.New(regerr.KindIndexError, "failed to list tags", err.Error())
	}
	if tags == nil {
		tags = []string{}
	}
	return &ListTagsResult{Name: namespace, Tags: tags}, nil
}
