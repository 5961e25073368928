// ABOUTME: Store interface and data types for the agent lifecycle ledger
// ABOUTME: Mesh frames are never persisted; only agent state transitions are recorded

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEvent is returned when an event is missing required fields
var ErrInvalidEvent = errors.New("invalid agent event")

// Default and maximum page sizes for ListAgentEvents
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// AgentEvent records one lifecycle transition of a supervised agent
type AgentEvent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	PeerID    string    `json:"peerId"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists the agent lifecycle ledger
type Store interface {
	// RecordAgentEvent appends one event
	RecordAgentEvent(ctx context.Context, ev *AgentEvent) error

	// ListAgentEvents returns the newest events for agentID first.
	// limit <= 0 means DefaultListLimit; values above MaxListLimit are capped.
	ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error)

	// Close releases the underlying resources
	Close() error
}

func validateEvent(ev *AgentEvent) error {
	if ev == nil || ev.ID == "" || ev.AgentID == "" || ev.State == "" {
		return ErrInvalidEvent
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
