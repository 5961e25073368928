// ABOUTME: Metrics hook consumed by the hub, with a no-op default.
// ABOUTME: The telemetry package supplies the OpenTelemetry-backed implementation.

package relay

// Metrics receives relay counters.
type Metrics interface {
	FrameReceived(frameType string)
	FrameDropped(reason string)
	PeerEvicted(cause string)
}

// Drop reasons and eviction causes.
const (
	DropMalformed     = "malformed"
	DropInvalid       = "invalid"
	DropUnknownTarget = "unknown_target"
	DropSendFailure   = "send_failure"

	EvictSendFailure = "send_failure"
	EvictStale       = "stale"
)

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string) {}
func (nopMetrics) FrameDropped(string)  {}
func (nopMetrics) PeerEvicted(string)   {}
