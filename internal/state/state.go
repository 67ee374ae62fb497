// Package state records the outcome of the last sync of every repository.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "repos"

// Outcome is the result of the most recent sync of one repository.
type Outcome struct {
	Path   string    `json:"path"`
	Time   time.Time `json:"time"`
	Commit string    `json:"commit,omitempty"`
	Parent string    `json:"parent,omitempty"`
	Ref    string    `json:"ref,omitempty"`
	Kind   string    `json:"kind,omitempty"`  // failure kind
	Error  string    `json:"error,omitempty"` // empty on success
}

// OK reports whether the sync succeeded.
func (o Outcome) OK() bool {
	return o.Error == ""
}

// Store is the history database.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path. It waits at most a second for
// another process holding the database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record replaces the stored outcome for o.Path.
func (s *Store) Record(o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(o.Path), data)
	})
}

// Get returns the outcome for path; ok is false if it was never synced.
func (s *Store) Get(path string) (o Outcome, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(path))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &o)
	})
	if err != nil {
		return Outcome{}, false, fmt.Errorf("failed to read outcome for %s: %w", path, err)
	}
	return o, ok, nil
}

// List returns every stored outcome ordered by path.
func (s *Store) List() ([]Outcome, error) {
	var outcomes []Outcome

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var o Outcome
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("failed to decode outcome for %s: %w", k, err)
			}
			outcomes = append(outcomes, o)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}
