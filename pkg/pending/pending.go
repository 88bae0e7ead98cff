// Package pending implements the Per-Agent Pending State and the bounded
// PendingQueue: the single mutex-and-condition-variable structure that
// the Heartbeat Intake writes into and the Reconciliation Worker drains
// from. No file I/O happens while the lock in this package is held.
package pending

import (
	"sync"
	"time"

	"github.com/cuemby/fleetsync/pkg/metrics"
	"github.com/cuemby/fleetsync/pkg/types"
)

// Result reports what Ingest did so the caller can decide whether to
// derive and persist a new keep-alive file path.
type Result struct {
	// Duplicate is true when the entry already held this exact message
	// and was already enqueued; no state changed.
	Duplicate bool
	// QueueFull is true when a fresh heartbeat wanted to enqueue but the
	// queue had no room; the entry's message was still updated.
	QueueFull bool
	// KeepAlive is the entry's current keep-alive file path, possibly
	// empty if this is the agent's first-ever heartbeat.
	KeepAlive string
}

// entry augments types.PendingEntry with the bookkeeping State needs
// that the admin snapshot and the queue don't.
type entry struct {
	types.PendingEntry
	updatedAt time.Time
}

// State is the Per-Agent Pending State together with its PendingQueue.
// One mutex guards both; a condition variable on that mutex lets the
// Reconciliation Worker block until an entry is enqueued. Capacity
// bounds the circular queue to at most one pending slot per known
// agent, matching the invariant that an agent index is never queued
// twice concurrently.
type State struct {
	mu     sync.Mutex
	cond   *sync.Cond
	byID   map[string]*entry
	queue  []string
	head   int
	size   int
	closed bool
}

// New returns a State whose queue can hold up to capacity agent
// identifiers at once.
func New(capacity int) *State {
	if capacity <= 0 {
		capacity = 1
	}
	s := &State{
		byID:  make(map[string]*entry),
		queue: make([]string, capacity),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Ingest records a heartbeat for agentID. If the agent's entry is
// already enqueued (Changed) and holds byte-identical content, this is
// a no-op duplicate. Otherwise the stored message is replaced and, if
// the entry was not already enqueued, an enqueue is attempted; a full
// queue is reported via Result.QueueFull but the message is still kept.
func (s *State) Ingest(agentID, message string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[agentID]
	if ok && e.Changed && e.Message == message {
		return Result{Duplicate: true, KeepAlive: e.KeepAlive}
	}

	if !ok {
		e = &entry{}
		s.byID[agentID] = e
	}
	e.Message = message
	e.updatedAt = time.Now()

	res := Result{KeepAlive: e.KeepAlive}
	if !e.Changed {
		if s.size == len(s.queue) {
			res.QueueFull = true
			metrics.QueueFullTotal.Inc()
		} else {
			s.push(agentID)
			e.Changed = true
			s.cond.Signal()
		}
	}
	metrics.PendingQueueDepth.Set(float64(s.size))
	return res
}

// SetKeepAlive records the on-disk keep-alive file path for agentID the
// first time it's derived. Subsequent calls are no-ops once a path is
// already set.
func (s *State) SetKeepAlive(agentID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[agentID]; ok && e.KeepAlive == "" {
		e.KeepAlive = path
	}
}

// Pop blocks until an agent identifier is available in the queue (or
// Close is called), then returns that agent's identifier and current
// message with Changed cleared. ok is false only after Close, once the
// queue has drained.
func (s *State) Pop() (agentID, message string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.size == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.size == 0 {
		return "", "", false
	}

	agentID = s.pop()
	e := s.byID[agentID]
	message = e.Message
	e.Changed = false
	metrics.PendingQueueDepth.Set(float64(s.size))
	return agentID, message, true
}

// Close unblocks every Pop call once the queue is empty, for graceful
// shutdown of the Reconciliation Worker.
func (s *State) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Snapshot returns a read-only view of every known agent's pending
// state for the admin HTTP surface.
func (s *State) Snapshot() []types.AgentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AgentSnapshot, 0, len(s.byID))
	for id, e := range s.byID {
		out = append(out, types.AgentSnapshot{
			AgentID:       id,
			Changed:       e.Changed,
			KeepAlive:     e.KeepAlive,
			MessageBytes:  len(e.Message),
			LastUpdatedAt: e.updatedAt,
		})
	}
	return out
}

// push appends an agent identifier to the circular queue. Callers must
// hold s.mu and must have already checked s.size < len(s.queue).
func (s *State) push(agentID string) {
	idx := (s.head + s.size) % len(s.queue)
	s.queue[idx] = agentID
	s.size++
}

// pop removes and returns the oldest queued agent identifier. Callers
// must hold s.mu and must have already checked s.size > 0.
func (s *State) pop() string {
	agentID := s.queue[s.head]
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	return agentID
}
