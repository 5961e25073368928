// ABOUTME: Authoritative map from peer id to transport, last-seen time, and metadata.
// ABOUTME: Shared by connection sessions, the reaper, and the agent supervisor.

package peer

import (
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"
)

// Kind distinguishes socket-backed peers from process-backed peers.
type Kind int

const (
	KindConnected Kind = iota
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Transport is the send side of a peer. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Peer is a registry entry. Values returned by the registry are copies.
type Peer struct {
	ID        string
	Kind      Kind
	Transport Transport
	LastSeen  time.Time
	Metadata  map[string]any
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for LastSeen.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry tracks every peer currently present in the mesh.
type Registry struct {
	peers  map[string]*Peer
	mu     sync.RWMutex
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		peers:  make(map[string]*Peer),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a peer under id, overwriting any existing entry.
// The previous entry is returned (nil if there was none) and its transport
// is left open.
func (r *Registry) Register(id string, kind Kind, t Transport, metadata map[string]any) *Peer {
	if metadata == nil {
		metadata = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.peers[id]
	r.peers[id] = &Peer{
		ID:        id,
		Kind:      kind,
		Transport: t,
		LastSeen:  r.now(),
		Metadata:  maps.Clone(metadata),
	}

	r.logger.Debug("peer registered",
		"peer_id", id,
		"kind", kind.String(),
		"replaced", existed,
		"total_peers", len(r.peers),
	)

	if !existed {
		return nil
	}
	cp := *prev
	return &cp
}

// Touch refreshes the last-seen time of id. It reports whether id exists.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return false
	}
	if now := r.now(); now.After(p.LastSeen) {
		p.LastSeen = now
	}
	return true
}

// TouchIf refreshes the last-seen time of id only while it is bound to t.
// It reports whether the entry was touched.
func (r *Registry) TouchIf(id string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || p.Transport != t {
		return false
	}
	if now := r.now(); now.After(p.LastSeen) {
		p.LastSeen = now
	}
	return true
}

// Unregister removes id and reports whether an entry was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(id)
}

// UnregisterIf removes id only while it is still bound to t.
func (r *Registry) UnregisterIf(id string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || p.Transport != t {
		return false
	}
	return r.removeLocked(id)
}

// UnregisterIfStale removes id when it has been silent for longer than
// timeout as of now. The check runs against the live entry, so a heartbeat
// that landed after the caller's snapshot spares the peer.
func (r *Registry) UnregisterIfStale(id string, now time.Time, timeout time.Duration) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || now.Sub(p.LastSeen) <= timeout {
		return Peer{}, false
	}
	cp := *p
	r.removeLocked(id)
	return cp, true
}

func (r *Registry) removeLocked(id string) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	r.logger.Debug("peer unregistered",
		"peer_id", id,
		"total_peers", len(r.peers),
	)
	return true
}

// Lookup returns the transport registered under id.
func (r *Registry) Lookup(id string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return p.Transport, true
}

// Get returns a copy of the entry registered under id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	cp := *p
	cp.Metadata = maps.Clone(p.Metadata)
	return cp, true
}

// Snapshot returns copies of all current peers ordered by id.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		cp.Metadata = maps.Clone(p.Metadata)
		out = append(out, cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
