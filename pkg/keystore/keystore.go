// Package keystore resolves an agent's wire-level index to its stable
// identity (ID, display name, and peer address), the way the shared-key
// store backs agent authentication in the original system. fleetsync's
// core only needs the resolution step; key material itself is out of
// scope.
package keystore

import (
	"fmt"
	"sync"

	"github.com/cuemby/fleetsync/pkg/types"
)

// Store is an in-memory, concurrency-safe index→identity resolver.
type Store struct {
	mu    sync.RWMutex
	byIdx map[int]types.Identity
}

// New returns an empty Store.
func New() *Store {
	return &Store{byIdx: make(map[int]types.Identity)}
}

// Register associates an agent index with its identity, replacing any
// previous registration for that index.
func (s *Store) Register(index int, id types.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIdx[index] = id
}

// Remove drops an agent index's registration, e.g. on key revocation.
func (s *Store) Remove(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byIdx, index)
}

// Resolve returns the identity registered for index.
func (s *Store) Resolve(index int) (types.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdx[index]
	return id, ok
}

// ErrUnknownAgent is returned by callers when Resolve reports absence.
type ErrUnknownAgent struct{ Index int }

func (e ErrUnknownAgent) Error() string {
	return fmt.Sprintf("keystore: no identity registered for agent index %d", e.Index)
}
