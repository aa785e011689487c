package index

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// CreateRootSession inserts a new open root session node for repoID,
// with starting_byte_index 0.
func (s *Store) CreateRootSession(repoID string) (*UploadSession, error) {
	return s.insertSession(&UploadSession{
		ID:                uuid.NewString(),
		RepositoryID:      repoID,
		StartingByteIndex: 0,
		CreatedAt:         time.Now().UTC(),
	})
}

// InsertSuccessorSession inserts a new open successor node following
// previousID, with the given starting byte index, and records the
// forward link so FindSuccessor can be used to resume a chain.
func (s *Store) InsertSuccessorSession(repoID, previousID string, startingByteIndex int64) (*UploadSession, error) {
	node := &UploadSession{
		ID:                uuid.NewString(),
		RepositoryID:      repoID,
		PreviousID:        previousID,
		StartingByteIndex: startingByteIndex,
		CreatedAt:         time.Now().UTC(),
	}
	return s.insertSessionWithPredecessor(node)
}

func (s *Store) insertSession(node *UploadSession) (*UploadSession, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putSession(tx, node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) insertSessionWithPredecessor(node *UploadSession) (*UploadSession, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putSession(tx, node); err != nil {
			return err
		}
		return tx.Bucket(bucketSessionsByPrevious).Put([]byte(node.PreviousID), []byte(node.ID))
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func putSession(tx *bbolt.Tx, node *UploadSession) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(node.ID), data)
}

// FindSession returns the session node with the given id, or nil.
func (s *Store) FindSession(id string) (*UploadSession, error) {
	var node *UploadSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return nil
		}
		var n UploadSession
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		node = &n
		return nil
	})
	return node, err
}

// FindSuccessor returns the session node created as the successor of
// previousID, or nil if none has been created yet.
func (s *Store) FindSuccessor(previousID string) (*UploadSession, error) {
	var node *UploadSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketSessionsByPrevious).Get([]byte(previousID))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketSessions).Get(id)
		var n UploadSession
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		node = &n
		return nil
	})
	return node, err
}

// SetDigest sets node.Digest transactionally, failing with ok=false
// (without error) if the node's digest is already set, so that of two
// concurrent appends to the same node exactly one wins. bbolt's
// single-writer Update already serializes this; the check-then-set
// below is what makes the loser observe the rejection instead of
// silently overwriting.
func (s *Store) SetDigest(id, digest string) (ok bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		var n UploadSession
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n.Digest != "" {
			ok = false
			return nil
		}
		n.Digest = digest
		ok = true
		out, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), out)
	})
	return ok, err
}

// SetFinished marks every node in the chain ending at tailID as
// finished, walking backward via PreviousID to the root.
func (s *Store) SetFinished(tailID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		id := tailID
		for id != "" {
			data := bucket.Get([]byte(id))
			if data == nil {
				return nil
			}
			var n UploadSession
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			n.IsFinished = true
			out, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(id), out); err != nil {
				return err
			}
			id = n.PreviousID
		}
		return nil
	})
}
