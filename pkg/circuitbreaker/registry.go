package circuitbreaker

import (
	"cmp"
	"slices"
	"sync"
)

// Registry holds one breaker per key, created on first use.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(key, r.cfg)
	r.breakers[key] = b
	return b
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns the current counts.
func (r *Registry) Stats() Stats {
	var stats Stats
	for _, s := range r.Statuses() {
		stats.Total++
		switch s.State {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Statuses returns the status of every breaker, ordered by key.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		statuses = append(statuses, b.Status())
	}
	r.mu.RUnlock()

	slices.SortFunc(statuses, func(a, b Status) int { return cmp.Compare(a.Key, b.Key) })
	return statuses
}

// Tripped returns the statuses of breakers that are not closed.
func (r *Registry) Tripped() []Status {
	return slices.DeleteFunc(r.Statuses(), func(s Status) bool { return s.State == Closed })
}
