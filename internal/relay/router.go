// ABOUTME: Best-effort direct and broadcast delivery over the peer registry.
// ABOUTME: Every send is fallible; socket peers whose sends fail are evicted without an offline notice.

package relay

import (
	"github.com/2389/ag-mesh-relay/internal/peer"
)

// Direct sends frame verbatim to peer to. An absent target is a silent drop.
// A failed send evicts a socket target. It reports whether the frame was
// written.
func (h *Hub) Direct(to string, frame []byte) bool {
	p, ok := h.registry.Get(to)
	if !ok {
		h.opts.Metrics.FrameDropped(DropUnknownTarget)
		return false
	}
	if err := p.Transport.Send(frame); err != nil {
		h.logger.Debug("direct send failed", "peer_id", to, "error", err)
		h.opts.Metrics.FrameDropped(DropSendFailure)
		h.evict(p)
		return false
	}
	return true
}

// Broadcast sends frame to every registered peer except exclude. Socket peers
// whose send fails are evicted once the sweep is complete; their ids are
// returned.
func (h *Hub) Broadcast(frame []byte, exclude string) []string {
	var failed []peer.Peer
	for _, p := range h.registry.Snapshot() {
		if p.ID == exclude {
			continue
		}
		if err := p.Transport.Send(frame); err != nil {
			h.logger.Debug("broadcast send failed", "peer_id", p.ID, "error", err)
			failed = append(failed, p)
		}
	}

	ids := make([]string, 0, len(failed))
	for _, p := range failed {
		h.opts.Metrics.FrameDropped(DropSendFailure)
		if h.evict(p) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// evict drops a peer whose transport failed. The entry is removed only while
// it is still bound to the failed transport, so a reconnect that raced the
// failure survives.
//
// Process peers stay registered: their transport reports the failure to the
// supervisor, which stops the agent, and the peer leaves through Withdraw
// with an offline notice once the process has exited.
func (h *Hub) evict(p peer.Peer) bool {
	if p.Kind == peer.KindProcess {
		h.logger.Debug("process peer send failed, left to its supervisor", "peer_id", p.ID)
		return false
	}
	removed := h.registry.UnregisterIf(p.ID, p.Transport)
	if removed {
		h.opts.Metrics.PeerEvicted(EvictSendFailure)
		h.logger.Info("peer evicted after send failure", "peer_id", p.ID)
	}
	_ = p.Transport.Close()
	return removed
}
