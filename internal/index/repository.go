package index

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// FindOrCreateRepository inserts a Repository(ownerID, namespace), or
// returns the existing one if namespace is already taken. bbolt
// serializes writer transactions, so the namespace check and insert
// below are atomic within one Update call: a collision on the unique
// namespace resolves by refetching the winning row within the same
// transaction, with no separate rollback-and-retry needed.
func (s *Store) FindOrCreateRepository(ownerID, namespace string) (*Repository, error) {
	var repo Repository

	err := s.db.Update(func(tx *bbolt.Tx) error {
		byNS := tx.Bucket(bucketRepositoriesByNS)
		repos := tx.Bucket(bucketRepositories)

		if id := byNS.Get([]byte(namespace)); id != nil {
			data := repos.Get(id)
			return json.Unmarshal(data, &repo)
		}

		repo = Repository{ID: uuid.NewString(), OwnerID: ownerID, Namespace: namespace}
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		if err := repos.Put([]byte(repo.ID), data); err != nil {
			return err
		}
		return byNS.Put([]byte(namespace), []byte(repo.ID))
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// FindRepositoryByNamespace returns the repository for namespace, or nil
// if none exists.
func (s *Store) FindRepositoryByNamespace(namespace string) (*Repository, error) {
	var repo *Repository

	err := s.db.View(func(tx *bbolt.Tx) error {
		byNS := tx.Bucket(bucketRepositoriesByNS)
		id := byNS.Get([]byte(namespace))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketRepositories).Get(id)
		var r Repository
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		repo = &r
		return nil
	})
	return repo, err
}

// ListRepositories returns every repository owned by ownerID.
func (s *Store) ListRepositories(ownerID string) ([]*Repository, error) {
	var out []*Repository

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRepositories).ForEach(func(_, v []byte) error {
			var r Repository
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.OwnerID == ownerID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}
