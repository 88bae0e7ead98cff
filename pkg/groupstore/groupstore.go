// Package groupstore persists agent→group assignments in a BoltDB file,
// so a restarted Reconciliation Worker does not need every agent to
// re-report a known file before it can resolve their group again.
package groupstore

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketAgentGroups = []byte("agent_groups")

// Store is a BoltDB-backed agent→group assignment table.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the group-assignment database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fleetsync.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open group store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAgentGroups)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create agent_groups bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetAgentGroup records group as the assignment for agentID, overwriting
// any previous assignment.
func (s *Store) SetAgentGroup(agentID, group string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentGroups)
		return b.Put([]byte(agentID), []byte(group))
	})
}

// GetAgentGroup returns the group assigned to agentID, if any.
func (s *Store) GetAgentGroup(agentID string) (group string, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentGroups)
		if v := b.Get([]byte(agentID)); v != nil {
			group = string(v)
			ok = true
		}
		return nil
	})
	return group, ok
}

// All returns every known agent→group assignment.
func (s *Store) All() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentGroups)
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
