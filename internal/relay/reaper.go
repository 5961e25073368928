// ABOUTME: Periodic sweep that evicts connected peers silent beyond the stale timeout.
// ABOUTME: Each eviction closes the transport and broadcasts exactly one offline presence.

package relay

import (
	"context"
	"time"

	"github.com/2389/ag-mesh-relay/internal/peer"
	"github.com/2389/ag-mesh-relay/internal/protocol"
)

// RunReaper sweeps every ReapInterval until ctx is cancelled.
func (h *Hub) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(h.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap(ctx)
		}
	}
}

// Reap performs one sweep and returns the evicted ids. Process-backed peers
// are skipped; their liveness follows the process. Cancelling ctx abandons
// the rest of the sweep.
func (h *Hub) Reap(ctx context.Context) []string {
	now := h.opts.Now()
	timeout := h.opts.StaleTimeout

	var reaped []string
	for _, p := range h.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if p.Kind == peer.KindProcess || now.Sub(p.LastSeen) <= timeout {
			continue
		}

		// Re-checked against the live entry: a heartbeat since the
		// snapshot spares the peer.
		gone, ok := h.registry.UnregisterIfStale(p.ID, now, timeout)
		if !ok {
			continue
		}
		_ = gone.Transport.Close()
		h.opts.Metrics.PeerEvicted(EvictStale)
		h.logger.Info("reaped stale peer",
			"peer_id", gone.ID,
			"silent_for", now.Sub(gone.LastSeen).String(),
		)
		h.Broadcast(protocol.OfflineFrame(gone.ID, h.opts.Now()), gone.ID)
		reaped = append(reaped, gone.ID)
	}
	return reaped
}
