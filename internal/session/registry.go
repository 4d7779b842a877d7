package session

import (
	"sort"
	"sync"
)

// defaultHistorySize bounds how many finished sessions stay visible to observers.
const defaultHistorySize = 100

// Registry tracks live sessions and a bounded history of finished ones for
// progress reporting and shutdown bookkeeping. It never mutates sessions.
type Registry struct {
	mu       sync.RWMutex
	live     map[uint64]*Session
	history  []Info
	maxHist  int
	finished uint64
	failed   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[uint64]*Session),
		maxHist: defaultHistorySize,
	}
}

// Add registers a newly accepted session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.live[s.ID] = s
	r.mu.Unlock()
}

// Finish moves a terminal session from the live set into history.
func (r *Registry) Finish(s *Session) {
	info := s.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[s.ID]; !ok {
		return
	}
	delete(r.live, s.ID)

	r.finished++
	if info.State == StateFailed {
		r.failed++
	}

	r.history = append(r.history, info)
	if len(r.history) > r.maxHist {
		r.history = r.history[len(r.history)-r.maxHist:]
	}
}

// Get returns a snapshot of the session with the given id, live or recent.
func (r *Registry) Get(id uint64) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.live[id]; ok {
		return s.Snapshot(), true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i], true
		}
	}
	return Info{}, false
}

// Live returns the sessions that have not reached a terminal state, ordered by id.
func (r *Registry) Live() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// List returns snapshots of live sessions followed by recent finished ones.
func (r *Registry) List() []Info {
	live := r.Live()

	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(live)+len(r.history))
	for _, s := range live {
		infos = append(infos, s.Snapshot())
	}
	infos = append(infos, r.history...)
	return infos
}

// RegistryStats summarizes session outcomes since start.
type RegistryStats struct {
	Active    int    `json:"active"`
	Finished  uint64 `json:"finished"`
	Failed    uint64 `json:"failed"`
	Completed uint64 `json:"completed"`
}

// Stats returns outcome counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Active:    len(r.live),
		Finished:  r.finished,
		Failed:    r.failed,
		Completed: r.finished - r.failed,
	}
}
