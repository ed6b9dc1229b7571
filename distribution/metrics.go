package distribution

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// protocolVersion is advertised in every Hello message.
const protocolVersion = "1"

// metricSet records frame counts and track lifetime against an otel
// meter. A nil/zero-value metricSet (via noopMetrics) silently drops
// every observation, so callers that do not care about metrics never
// need to nil-check.
type metricSet struct {
	framesSent     metric.Int64Counter
	framesReceived metric.Int64Counter
	trackLifetime  metric.Float64Histogram
}

// NewMetrics builds a metricSet instrumenting the distribution protocol
// against meter.
func NewMetrics(meter metric.Meter) *metricSet {
	if meter == nil {
		return noopMetrics()
	}
	m := &metricSet{}
	m.framesSent, _ = meter.Int64Counter("melodium.distribution.frames_sent")
	m.framesReceived, _ = meter.Int64Counter("melodium.distribution.frames_received")
	m.trackLifetime, _ = meter.Float64Histogram("melodium.distribution.track_lifetime_seconds")
	return m
}

func noopMetrics() *metricSet { return &metricSet{} }

func (m *metricSet) frameSent(kind Kind) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("melodium.message_kind", string(kind))))
}

func (m *metricSet) frameReceived(kind Kind) {
	if m == nil || m.framesReceived == nil {
		return
	}
	m.framesReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("melodium.message_kind", string(kind))))
}

func (m *metricSet) trackClosed(seconds float64) {
	if m == nil || m.trackLifetime == nil {
		return
	}
	m.trackLifetime.Record(context.Background(), seconds)
}
