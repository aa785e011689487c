package index

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// InsertBlob records a new Blob row for (repositoryID, digest), created
// when an upload session finalizes.
func (s *Store) InsertBlob(repositoryID, digest string) (*Blob, error) {
	b := &Blob{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Digest:       digest,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlobs).Put([]byte(b.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlobsByRepoDigest).Put(
			compositeKey(repositoryID, digest, b.ID), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobsByDigest).Put(compositeKey(digest, b.ID), nil)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindBlobByRepoDigest returns the first Blob row in repositoryID whose
// digest matches, or nil.
func (s *Store) FindBlobByRepoDigest(repositoryID, digest string) (*Blob, error) {
	prefix := compositeKey(repositoryID, digest)
	var b *Blob

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobsByRepoDigest).Cursor()
		k, _ := c.Seek(prefix)
		if k == nil || !strings.HasPrefix(string(k), string(prefix)+"\x00") {
			return nil
		}
		id := string(k[len(prefix)+1:])
		data := tx.Bucket(bucketBlobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		var found Blob
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		b = &found
		return nil
	})
	return b, err
}

// FindBlobByID returns the blob with the given id, or nil.
func (s *Store) FindBlobByID(id string) (*Blob, error) {
	var b *Blob
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		var found Blob
		if err := json.Unmarshal(data, &found); err != nil {
			return err
		}
		b = &found
		return nil
	})
	return b, err
}

// CountBlobsByDigest returns the number of Blob rows (across all
// repositories) sharing digest, used to decide whether the content-store
// file for that digest may be deleted.
func (s *Store) CountBlobsByDigest(digest string) (int, error) {
	prefix := compositeKey(digest)
	count := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobsByDigest).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)+"\x00"); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DeleteBlob removes the Blob row with the given id.
func (s *Store) DeleteBlob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		data := blobs.Get([]byte(id))
		if data == nil {
			return nil
		}
		var b Blob
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		if err := blobs.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlobsByRepoDigest).Delete(compositeKey(b.RepositoryID, b.Digest, id)); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobsByDigest).Delete(compositeKey(b.Digest, id))
	})
}
