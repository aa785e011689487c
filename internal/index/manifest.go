package index

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// FindManifestByRepoTag returns the manifest tagged reference within
// repositoryID, or nil.
func (s *Store) FindManifestByRepoTag(repositoryID, tag string) (*Manifest, error) {
	var m *Manifest
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketManifestsByRepoTag).Get(compositeKey(repositoryID, tag))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketManifests).Get(id)
		if data == nil {
			return nil
		}
		var found Manifest
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		m = &found
		return nil
	})
	return m, err
}

// FindManifestByRepoDigest returns the first manifest in repositoryID
// with the given digest, or nil.
func (s *Store) FindManifestByRepoDigest(repositoryID, digest string) (*Manifest, error) {
	manifests, err := s.ListManifestsByRepoDigest(repositoryID, digest)
	if err != nil || len(manifests) == 0 {
		return nil, err
	}
	return manifests[0], nil
}

// ListManifestsByRepoDigest returns every manifest in repositoryID with
// the given digest (a by-tag row and a by-digest row may coexist).
func (s *Store) ListManifestsByRepoDigest(repositoryID, digest string) ([]*Manifest, error) {
	prefix := compositeKey(repositoryID, digest)
	var out []*Manifest

	err := s.db.View(func(tx *bbolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)
		c := tx.Bucket(bucketManifestsByRepoDig).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)+"\x00"); k, _ = c.Next() {
			id := string(k[len(prefix)+1:])
			data := manifests.Get([]byte(id))
			if data == nil {
				continue
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

// FindManifestByID returns the manifest with the given id, or nil.
func (s *Store) FindManifestByID(id string) (*Manifest, error) {
	var m *Manifest
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(id))
		if data == nil {
			return nil
		}
		var found Manifest
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		m = &found
		return nil
	})
	return m, err
}

// InsertManifest inserts a new manifest row with a generated id.
func (s *Store) InsertManifest(repositoryID string, tag *string, configBlobID, digest, mediaType string) (*Manifest, error) {
	m := &Manifest{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Tag:          tag,
		ConfigBlobID: configBlobID,
		Digest:       digest,
		MediaType:    mediaType,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketManifests).Put([]byte(m.ID), data); err != nil {
			return err
		}
		if tag != nil {
			if err := tx.Bucket(bucketManifestsByRepoTag).Put(
				compositeKey(repositoryID, *tag), []byte(m.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketManifestsByRepoDig).Put(
			compositeKey(repositoryID, digest, m.ID), nil)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NullifyTag removes the tag from manifestID without deleting the
// manifest row, for DELETE-by-tag.
func (s *Store) NullifyTag(manifestID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)
		data := manifests.Get([]byte(manifestID))
		if data == nil {
			return nil
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.Tag == nil {
			return nil
		}
		if err := tx.Bucket(bucketManifestsByRepoTag).Delete(compositeKey(m.RepositoryID, *m.Tag)); err != nil {
			return err
		}
		m.Tag = nil
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return manifests.Put([]byte(manifestID), out)
	})
}

// DeleteManifest removes the manifest row and all of its indexes.
func (s *Store) DeleteManifest(manifestID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)
		data := manifests.Get([]byte(manifestID))
		if data == nil {
			return nil
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if err := manifests.Delete([]byte(manifestID)); err != nil {
			return err
		}
		if m.Tag != nil {
			if err := tx.Bucket(bucketManifestsByRepoTag).Delete(compositeKey(m.RepositoryID, *m.Tag)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketManifestsByRepoDig).Delete(compositeKey(m.RepositoryID, m.Digest, manifestID))
	})
}

// ListTags returns the tags of repositoryID in ascending order. When
// last is non-empty, only tags strictly greater than it are returned;
// when n > 0, the result is capped at n entries.
func (s *Store) ListTags(repositoryID string, n int, last string) ([]string, error) {
	prefix := compositeKey(repositoryID)
	var tags []string

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketManifestsByRepoTag).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)+"\x00"); k, _ = c.Next() {
			tags = append(tags, string(k[len(prefix)+1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(tags)

	if last != "" {
		filtered := tags[:0]
		for _, t := range tags {
			if t > last {
				filtered = append(filtered, t)
			}
		}
		tags = filtered
	}
	if n > 0 && len(tags) > n {
		tags = tags[:n]
	}
	return tags, nil
}

// InsertManifestLayer associates manifestID with blobID, idempotently
// (re-PUTting the same manifest must not duplicate the row).
func (s *Store) InsertManifestLayer(manifestID, blobID, mediaType string, size int64) error {
	key := compositeKey(manifestID, blobID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketManifestLayers)
		if bucket.Get(key) != nil {
			return nil
		}
		layer := ManifestLayer{
			ManifestID: manifestID,
			BlobID:     blobID,
			MediaType:  mediaType,
			Size:       size,
			CreatedAt:  time.Now().UTC(),
		}
		data, err := json.Marshal(layer)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketManifestLayersByManifest).Put(
			compositeKey(manifestID, blobID), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketManifestLayersByBlob).Put(
			compositeKey(blobID, manifestID), nil)
	})
}

// ListManifestLayers returns every layer row for manifestID.
func (s *Store) ListManifestLayers(manifestID string) ([]*ManifestLayer, error) {
	prefix := compositeKey(manifestID)
	var out []*ManifestLayer

	err := s.db.View(func(tx *bbolt.Tx) error {
		layers := tx.Bucket(bucketManifestLayers)
		c := tx.Bucket(bucketManifestLayersByManifest).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)+"\x00"); k, _ = c.Next() {
			data := layers.Get(k)
			if data == nil {
				continue
			}
			var l ManifestLayer
			if err := json.Unmarshal(data, &l); err != nil {
				return err
			}
			out = append(out, &l)
		}
		return nil
	})
	return out, err
}

// DeleteManifestLayers removes every layer row for manifestID, returning
// the blob ids that were referenced so the caller can re-check their
// reference counts.
func (s *Store) DeleteManifestLayers(manifestID string) ([]string, error) {
	layers, err := s.ListManifestLayers(manifestID)
	if err != nil {
		return nil, err
	}

	blobIDs := make([]string, 0, len(layers))
	err = s.db.Update(func(tx *bbolt.Tx) error {
		for _, l := range layers {
			if err := tx.Bucket(bucketManifestLayers).Delete(compositeKey(manifestID, l.BlobID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketManifestLayersByManifest).Delete(compositeKey(manifestID, l.BlobID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketManifestLayersByBlob).Delete(compositeKey(l.BlobID, manifestID)); err != nil {
				return err
			}
			blobIDs = append(blobIDs, l.BlobID)
		}
		return nil
	})
	return blobIDs, err
}

// ManifestsReferencingBlob returns every manifest that references
// blobID, either via a manifest_layer row or as its config blob. The
// blob delete path consults this to refuse deleting a blob that is
// still referenced.
func (s *Store) ManifestsReferencingBlob(repositoryID, blobID string) ([]*Manifest, error) {
	prefix := compositeKey(blobID)
	seen := make(map[string]bool)
	var out []*Manifest

	err := s.db.View(func(tx *bbolt.Tx) error {
		manifests := tx.Bucket(bucketManifests)

		c := tx.Bucket(bucketManifestLayersByBlob).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)+"\x00"); k, _ = c.Next() {
			manifestID := string(k[len(prefix)+1:])
			if seen[manifestID] {
				continue
			}
			data := manifests.Get([]byte(manifestID))
			if data == nil {
				continue
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.RepositoryID == repositoryID {
				seen[manifestID] = true
				out = append(out, &m)
			}
		}

		return manifests.ForEach(func(k, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.RepositoryID == repositoryID && m.ConfigBlobID == blobID && !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}
