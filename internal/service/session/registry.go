package session

import (
	"sort"
	"sync"
)

// Ref is a non-owning reference to a registered session. It stays valid only
// while the registry holds the same generation under Key.
type Ref struct {
	Key        string
	Generation uint64
}

type registered struct {
	gen     uint64
	session *Session
}

// Registry holds the live sessions of the process. Provider callbacks resolve
// their Ref here on every event instead of holding the session itself.
type Registry struct {
	mu      sync.RWMutex
	nextGen uint64
	entries map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registered)}
}

// Register adds s under its key and returns its Ref. A session already
// registered under the same key is replaced and its Refs stop resolving.
func (r *Registry) Register(s *Session) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	r.entries[s.key] = registered{gen: r.nextGen, session: s}
	return Ref{Key: s.key, Generation: r.nextGen}
}

// Lookup resolves ref. It fails once the session was unregistered or replaced.
func (r *Registry) Lookup(ref Ref) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ref.Key]
	if !ok || e.gen != ref.Generation {
		return nil, false
	}
	return e.session, true
}

// Unregister removes the session ref points to. A newer session registered
// under the same key is left alone.
func (r *Registry) Unregister(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.Key]
	if !ok || e.gen != ref.Generation {
		return false
	}
	delete(r.entries, ref.Key)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the live session keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Users returns the distinct user ids with at least one live session, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		seen[e.session.user] = struct{}{}
	}
	r.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
