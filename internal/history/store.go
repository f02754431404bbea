// Package history persists finished run summaries in a local bbolt database
// so past runs can be listed and compared.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/stampedeio/stampede/internal/output"
)

const bucketRuns = "runs"

// Store is a persistent run-history database.
type Store struct {
	db *bbolt.DB
}

// DefaultPath returns the standard history database location under the
// user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stampede", "history.db"), nil
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init history db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records one run summary. Run IDs are ULIDs, so bucket keys sort
// chronologically and List can walk the cursor backwards.
func (s *Store) Save(summary output.Summary) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))

		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return b.Put([]byte(summary.RunID), data)
	})
}

// List returns up to limit summaries, most recent first. A limit <= 0
// returns everything.
func (s *Store) List(limit int) ([]output.Summary, error) {
	var items []output.Summary

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(items) >= limit {
				break
			}
			var item output.Summary
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Get looks up a single run by ID.
func (s *Store) Get(runID string) (output.Summary, error) {
	var item output.Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketRuns)).Get([]byte(runID))
		if v == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		return json.Unmarshal(v, &item)
	})
	return item, err
}
