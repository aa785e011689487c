package index

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// FindOrCreateOwner returns the Owner for username, creating one lazily
// on first push if it does not yet exist.
func (s *Store) FindOrCreateOwner(username string) (*Owner, error) {
	var owner Owner

	err := s.db.Update(func(tx *bbolt.Tx) error {
		byUsername := tx.Bucket(bucketOwnersByUsername)
		owners := tx.Bucket(bucketOwners)

		if id := byUsername.Get([]byte(username)); id != nil {
			data := owners.Get(id)
			return json.Unmarshal(data, &owner)
		}

		owner = Owner{ID: uuid.NewString(), Username: username}
		data, err := json.Marshal(owner)
		if err != nil {
			return err
		}
		if err := owners.Put([]byte(owner.ID), data); err != nil {
			return err
		}
		return byUsername.Put([]byte(username), []byte(owner.ID))
	})
	if err != nil {
		return nil, err
	}
	return &owner, nil
}
