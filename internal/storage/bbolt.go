package storage

import (
	"errors"
	"fmt"
	"time"

	"diagramsync/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketDiagrams = []byte("diagrams")
	bucketIdentity = []byte("identity")

	identityKey = []byte("collab_session")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDiagrams); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketIdentity); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// GetDiagram returns the stored diagram or models.ErrNotFound.
func (s *BboltStorage) GetDiagram(id string) (models.Diagram, error) {
	var diagram models.Diagram
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDiagrams).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("diagram %s: %w", id, models.ErrNotFound)
		}
		var dbDiagram DBDiagram
		if err := dbDiagram.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal diagram %s: %w", id, err)
		}
		diagram = dbDiagram.toModel()
		return nil
	})
	return diagram, err
}

// CreateDiagram stores a new diagram. It returns models.ErrExists if the id is already taken.
func (s *BboltStorage) CreateDiagram(diagram models.Diagram) error {
	if diagram.ID == "" {
		return errors.New("diagram missing id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDiagrams)
		dbDiagram := newDBDiagram(diagram)
		if b.Get(dbDiagram.Key()) != nil {
			return fmt.Errorf("diagram %s: %w", diagram.ID, models.ErrExists)
		}
		data, err := dbDiagram.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal diagram: %w", err)
		}
		return b.Put(dbDiagram.Key(), data)
	})
}

// UpdateDiagram reads the stored diagram, passes it to apply and stores the result
// in one transaction. Returning an error from apply aborts the update.
func (s *BboltStorage) UpdateDiagram(id string, apply func(models.Diagram) (models.Diagram, error)) (models.Diagram, error) {
	var updated models.Diagram
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDiagrams)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("diagram %s: %w", id, models.ErrNotFound)
		}

		var current DBDiagram
		if err := current.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal diagram %s: %w", id, err)
		}

		next, err := apply(current.toModel())
		if err != nil {
			return err
		}
		next.ID = id

		dbDiagram := newDBDiagram(next)
		newData, err := dbDiagram.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal diagram: %w", err)
		}
		if err := b.Put(dbDiagram.Key(), newData); err != nil {
			return err
		}
		updated = next
		return nil
	})
	return updated, err
}

// ListDiagrams returns all stored diagrams.
func (s *BboltStorage) ListDiagrams() ([]models.Diagram, error) {
	var diagrams []models.Diagram
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDiagrams)
		return b.ForEach(func(k, v []byte) error {
			var dbDiagram DBDiagram
			if err := dbDiagram.UnmarshalBinary(v); err != nil {
				return err
			}
			diagrams = append(diagrams, dbDiagram.toModel())
			return nil
		})
	})
	return diagrams, err
}

// LoadIdentity returns the cached identity, models.ErrNotFound if there is none,
// or a decode error if the cached entry is corrupt.
func (s *BboltStorage) LoadIdentity() (models.Identity, error) {
	var identity models.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get(identityKey)
		if data == nil {
			return models.ErrNotFound
		}
		var dbIdentity DBIdentity
		if err := dbIdentity.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal identity: %w", err)
		}
		identity = models.Identity{
			SessionID:  dbIdentity.SessionID,
			Nickname:   dbIdentity.Nickname,
			CreatedAt:  time.UnixMilli(dbIdentity.CreatedAt).UTC(),
			DiagramIDs: dbIdentity.DiagramIDs,
		}
		return nil
	})
	return identity, err
}

func (s *BboltStorage) SaveIdentity(identity models.Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbIdentity := &DBIdentity{
			SessionID:  identity.SessionID,
			Nickname:   identity.Nickname,
			CreatedAt:  identity.CreatedAt.UnixMilli(),
			DiagramIDs: identity.DiagramIDs,
		}
		data, err := dbIdentity.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentity).Put(dbIdentity.Key(), data)
	})
}
