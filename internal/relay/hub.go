// ABOUTME: Hub ties the peer registry to connection sessions, routing, reaping, and agents.
// ABOUTME: One Hub serves every connection; agents join through Announce and leave through Withdraw.

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ag-mesh-relay/internal/agent"
	"github.com/2389/ag-mesh-relay/internal/peer"
	"github.com/2389/ag-mesh-relay/internal/protocol"
)

// Default liveness settings.
const (
	DefaultReapInterval = 10 * time.Second
	DefaultStaleTimeout = 30 * time.Second
)

// Agents is the agent supervisor as seen by sessions.
type Agents interface {
	Launch(ctx context.Context, agentID string, cfg agent.LaunchConfig) (agent.Info, error)
	Relay(agentID string, command json.RawMessage) error
}

// Options configures a Hub.
type Options struct {
	ReapInterval  time.Duration
	StaleTimeout  time.Duration
	StrictSchemas bool
	Now           func() time.Time
	Metrics       Metrics
}

func (o *Options) setDefaults() {
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = DefaultStaleTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
}

// Hub owns the peer registry and serves connection sessions.
type Hub struct {
	registry *peer.Registry
	agents   Agents
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

// NewHub creates a Hub with an empty registry.
func NewHub(logger *slog.Logger, opts Options) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	opts.setDefaults()
	logger = logger.With("component", "relay")
	return &Hub{
		registry: peer.NewRegistry(logger, peer.WithClock(opts.Now)),
		opts:     opts,
		logger:   logger,
	}
}

// SetAgents installs the agent supervisor. Call before serving connections.
func (h *Hub) SetAgents(a Agents) {
	h.agents = a
}

// Registry exposes the peer registry for read-only observers.
func (h *Hub) Registry() *peer.Registry {
	return h.registry
}

// Serve runs a session on conn until the connection fails or ctx is
// cancelled. Cancellation lets the frame in progress finish, then stops
// reading and runs the close path.
func (h *Hub) Serve(ctx context.Context, conn Conn) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	stop := context.AfterFunc(ctx, conn.StopReading)
	defer stop()

	s := newSession(h, conn)
	defer s.close()

	s.logger.Debug("session opened")
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			s.logger.Debug("session read ended", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.handle(ctx, raw)
	}
}

// Drain stops admitting sessions and waits for active ones to return.
func (h *Hub) Drain() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.sessions.Wait()
}

// Announce registers a process-backed peer and broadcasts its presence to
// everyone else.
func (h *Hub) Announce(id string, t peer.Transport, metadata map[string]any) {
	h.registry.Register(id, peer.KindProcess, t, metadata)
	h.logger.Info("process peer online", "peer_id", id)
	h.Broadcast(protocol.PresenceFrame(id, metadata, h.opts.Now()), id)
}

// Withdraw removes a process-backed peer still bound to t and broadcasts its
// departure. Process exit is observed only here, so the offline notice
// always goes out.
func (h *Hub) Withdraw(id string, t peer.Transport) {
	removed := h.registry.UnregisterIf(id, t)
	h.logger.Info("process peer offline", "peer_id", id, "removed", removed)
	h.Broadcast(protocol.OfflineFrame(id, h.opts.Now()), id)
}
