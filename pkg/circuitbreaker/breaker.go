// Package circuitbreaker guards webhook destinations that keep failing.
//
// A breaker counts consecutive failures for one key. At the threshold it
// opens and rejects attempts until the cooldown passes, then lets a single
// probe through (half-open). The probe's outcome closes or reopens it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the position of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Defaults applied to zero or negative Config values.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// Config configures breakers.
type Config struct {
	Threshold int
	Cooldown  time.Duration

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(key string, from, to State)

	now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	RetryAt  time.Time `json:"retryAt,omitzero"` // when an open breaker admits a probe
}

// Breaker tracks one destination.
type Breaker struct {
	key string
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker for key.
func New(key string, cfg Config) *Breaker {
	return &Breaker{key: key, cfg: cfg.withDefaults()}
}

// Allow reports whether an attempt may proceed. An open breaker past its
// cooldown turns half-open and admits exactly one probe; callers must report
// the probe's outcome with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.cfg.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = HalfOpen
			b.probing = true
			allowed = true
		}
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure counts a failure. A failed probe reopens the breaker at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.cfg.now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{Key: b.key, State: b.state, Failures: b.failures}
	if b.state == Open {
		s.RetryAt = b.openedAt.Add(b.cfg.Cooldown)
	}
	return s
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}
