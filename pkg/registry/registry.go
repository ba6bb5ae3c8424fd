package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/tailkeeper/pkg/session"
	"github.com/cuemby/tailkeeper/pkg/types"
)

// Registry maps each workload to its single session. Sessions are created
// through GetOrCreate so two callers racing on the same identity always
// end up sharing one session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.WorkloadID]*session.Session
}

// New creates an empty registry
func New() *Registry {
	return &Registry{sessions: make(map[types.WorkloadID]*session.Session)}
}

// GetOrCreate returns the session for id, calling create only when none is
// registered. The boolean reports whether create was called.
func (r *Registry) GetOrCreate(id types.WorkloadID, create func() *session.Session) (*session.Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = create()
	r.sessions[id] = s
	return s, true
}

// Get returns the session for id
func (r *Registry) Get(id types.WorkloadID) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters id and returns the session that was removed
func (r *Registry) Remove(id types.WorkloadID) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// List returns all sessions ordered by workload id
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns the registered workload ids
func (r *Registry) IDs() map[types.WorkloadID]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[types.WorkloadID]struct{}, len(r.sessions))
	for id := range r.sessions {
		ids[id] = struct{}{}
	}
	return ids
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the persistable credential of every session holding one
func (r *Registry) Snapshot() map[types.WorkloadID]types.Credential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.WorkloadID]types.Credential, len(r.sessions))
	for id, s := range r.sessions {
		if cred := s.SnapshotCredential(); !cred.IsZero() {
			out[id] = cred
		}
	}
	return out
}

// CountByState tallies sessions per lifecycle state
func (r *Registry) CountByState() map[types.SessionState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.SessionState]int)
	for _, s := range r.sessions {
		out[s.State()]++
	}
	return out
}
