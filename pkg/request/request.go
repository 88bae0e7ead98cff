// Package request implements a minimal Request Router: it accepts
// "#!-req" control frames forwarded by the Heartbeat Intake and makes
// the most recent payload for a given request counter available to
// whatever higher-level command dispatch consumes it. Correlating
// counters to the commands that issued them is out of scope here; this
// only keeps the last-write-wins association the intake hands off.
package request

import "sync"

// Router stores the most recent payload seen for each request counter.
type Router struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{entries: make(map[string]string)}
}

// Save records payload as the response for counter, overwriting any
// earlier value.
func (r *Router) Save(counter, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[counter] = payload
}

// Lookup returns the payload last saved for counter.
func (r *Router) Lookup(counter string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[counter]
	return p, ok
}

// Forget drops a counter once its response has been delivered upstream.
func (r *Router) Forget(counter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, counter)
}
