// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []*AgentEvent // insertion order
	closed bool

	// FailWrites makes RecordAgentEvent return an error
	FailWrites bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordAgentEvent stores a copy of ev.
func (m *MockStore) RecordAgentEvent(ctx context.Context, ev *AgentEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errors.New("mock store: write failed")
	}
	if m.closed {
		return errors.New("mock store: closed")
	}

	e := *ev
	m.events = append(m.events, &e)
	return nil
}

// ListAgentEvents returns events for agentID, newest first.
func (m *MockStore) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	out := []*AgentEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].AgentID == agentID {
			e := *m.events[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// States returns the recorded states for agentID in the order they were written.
func (m *MockStore) States(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var states []string
	for _, e := range m.events {
		if e.AgentID == agentID {
			states = append(states, e.State)
		}
	}
	return states
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
