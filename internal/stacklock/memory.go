// Package stacklock provides mutual exclusion over deployment target stacks.
// A stack is held for the whole of a deploy stage so that at most one
// prepare/execute pair is in flight per stack.
package stacklock

import (
	"context"
	"sync"
)

// Memory grants locks within a single process.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	owner map[string]string
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{
		slots: make(map[string]chan struct{}),
		owner: make(map[string]string),
	}
}

func (m *Memory) slot(stackID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[stackID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[stackID] = ch
	}
	return ch
}

// Lock blocks until stackID is free or ctx is done.
func (m *Memory) Lock(ctx context.Context, stackID, owner string) (func(), error) {
	ch := m.slot(stackID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.owner[stackID] = owner
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.owner, stackID)
			m.mu.Unlock()
			<-ch
		})
	}, nil
}

// Holder returns the owner currently holding stackID, if any.
func (m *Memory) Holder(stackID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owner[stackID]
	return owner, ok
}
