// ABOUTME: OpenTelemetry instruments for relay traffic, evictions, and live peer/agent counts.
// ABOUTME: RelayMetrics satisfies relay.Metrics; a nil *RelayMetrics records nothing.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for relay instruments.
const MeterName = "ag-mesh-relay/relay"

// RelayMetrics records relay counters.
type RelayMetrics struct {
	received metric.Int64Counter
	dropped  metric.Int64Counter
	evicted  metric.Int64Counter
}

// NewRelayMetrics creates the relay instruments on meter. peersOnline and
// agentsRunning back observable gauges and may be nil.
func NewRelayMetrics(meter metric.Meter, peersOnline, agentsRunning func() int) (*RelayMetrics, error) {
	received, err := meter.Int64Counter("relay.frames.received",
		metric.WithDescription("Frames accepted from connected peers, by type"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: frames received counter: %w", err)
	}
	dropped, err := meter.Int64Counter("relay.frames.dropped",
		metric.WithDescription("Frames not delivered, by reason"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: frames dropped counter: %w", err)
	}
	evicted, err := meter.Int64Counter("relay.peers.evicted",
		metric.WithDescription("Peers removed by the relay, by cause"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: peers evicted counter: %w", err)
	}

	if err := gauge(meter, "relay.peers.online", "Peers currently registered", peersOnline); err != nil {
		return nil, err
	}
	if err := gauge(meter, "relay.agents.running", "Supervised agent processes running", agentsRunning); err != nil {
		return nil, err
	}

	return &RelayMetrics{received: received, dropped: dropped, evicted: evicted}, nil
}

func gauge(meter metric.Meter, name, desc string, fn func() int) error {
	if fn == nil {
		return nil
	}
	_, err := meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(fn()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("telemetry: %s gauge: %w", name, err)
	}
	return nil
}

func (m *RelayMetrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.received.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", frameType)))
}

func (m *RelayMetrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *RelayMetrics) PeerEvicted(cause string) {
	if m == nil {
		return
	}
	m.evicted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cause", cause)))
}
