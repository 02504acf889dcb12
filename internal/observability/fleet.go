package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FleetMetrics holds the domain instruments. It satisfies the small metrics
// interfaces declared by the ratelimit, credential and fleet packages.
type FleetMetrics struct {
	transitions metric.Int64Counter
	running     metric.Int64UpDownCounter
	overloads   metric.Int64Counter
	backoff     metric.Float64Histogram
	permitWait  metric.Float64Histogram
	exhausted   metric.Int64Counter
}

// NewFleetMetrics creates the instruments on meter.
func NewFleetMetrics(meter metric.Meter) (*FleetMetrics, error) {
	transitions, err := meter.Int64Counter(
		"botfleet.worker.transitions",
		metric.WithDescription("Worker lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	running, err := meter.Int64UpDownCounter(
		"botfleet.workers.running",
		metric.WithDescription("Workers currently running"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	overloads, err := meter.Int64Counter(
		"botfleet.limiter.overloads",
		metric.WithDescription("Overload signals reported by the platform"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, err
	}

	backoff, err := meter.Float64Histogram(
		"botfleet.limiter.backoff",
		metric.WithDescription("Pause applied to a credential after an overload"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	permitWait, err := meter.Float64Histogram(
		"botfleet.limiter.permit_wait",
		metric.WithDescription("Time spent waiting for an outbound call permit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	exhausted, err := meter.Int64Counter(
		"botfleet.pool.exhausted",
		metric.WithDescription("Allocation attempts that found no free credential"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &FleetMetrics{
		transitions: transitions,
		running:     running,
		overloads:   overloads,
		backoff:     backoff,
		permitWait:  permitWait,
		exhausted:   exhausted,
	}, nil
}

func (m *FleetMetrics) ObserveTransition(from, to string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *FleetMetrics) ObserveRunning(delta int) {
	m.running.Add(context.Background(), int64(delta))
}

func (m *FleetMetrics) ObserveOverload(credentialID string, backoff time.Duration) {
	attrs := metric.WithAttributes(attribute.String("credential_id", credentialID))
	m.overloads.Add(context.Background(), 1, attrs)
	m.backoff.Record(context.Background(), backoff.Seconds(), attrs)
}

func (m *FleetMetrics) ObservePermitWait(credentialID string, wait time.Duration) {
	m.permitWait.Record(context.Background(), wait.Seconds(), metric.WithAttributes(
		attribute.String("credential_id", credentialID),
	))
}

func (m *FleetMetrics) ObservePoolExhausted() {
	m.exhausted.Add(context.Background(), 1)
}
