package channel

import (
	"sort"
	"sync"
)

// Registry holds the state of every channel seen so far. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	channels   map[string]*State
	maxHistory int
}

// NewRegistry creates an empty registry.
func NewRegistry(maxHistory int) *Registry {
	return &Registry{
		channels:   make(map[string]*State),
		maxHistory: maxHistory,
	}
}

// Get returns the state for channelID, creating it if needed.
func (r *Registry) Get(channelID string) *State {
	r.mu.RLock()
	s := r.channels[channelID]
	r.mu.RUnlock()
	if s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.channels[channelID]; s != nil {
		return s
	}
	s = NewState(channelID, r.maxHistory)
	r.channels[channelID] = s
	return s
}

// Lookup returns the state without creating it.
func (r *Registry) Lookup(channelID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.channels[channelID]
	return s, ok
}

// IDs returns all known channel ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
