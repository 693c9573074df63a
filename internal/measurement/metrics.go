package measurement

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collection outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeBusy       = "busy"
	OutcomeTimeout    = "timeout"
	OutcomeError      = "error"
	OutcomeSkipped    = "skipped"
	OutcomeOverloaded = "overloaded"
)

// Metrics holds scheduler instruments. A nil *Metrics records nothing.
type Metrics struct {
	collections         metric.Int64Counter
	collectionDuration  metric.Float64Histogram
	availabilityChecks  metric.Int64Counter
	availabilityChanges metric.Int64Counter
	stuckResources      metric.Int64Gauge
	queuedJobs          metric.Int64Gauge
}

// NewMetrics creates scheduler metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("vahti.measurement")

	collections, err := meter.Int64Counter(
		"vahti.measurement.collections",
		metric.WithDescription("Number of measurement collection units by outcome"),
		metric.WithUnit("{collection}"),
	)
	if err != nil {
		return nil, err
	}

	collectionDuration, err := meter.Float64Histogram(
		"vahti.measurement.collection.duration",
		metric.WithDescription("Duration of measurement facet calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	availabilityChecks, err := meter.Int64Counter(
		"vahti.availability.checks",
		metric.WithDescription("Number of availability checks by outcome"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	availabilityChanges, err := meter.Int64Counter(
		"vahti.availability.changes",
		metric.WithDescription("Number of availability transitions"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	stuckResources, err := meter.Int64Gauge(
		"vahti.measurement.stuck_resources",
		metric.WithDescription("Resources whose facet lock has been held by a writer for several cycles"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	queuedJobs, err := meter.Int64Gauge(
		"vahti.measurement.queued_jobs",
		metric.WithDescription("Jobs waiting for their due time"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		collections:         collections,
		collectionDuration:  collectionDuration,
		availabilityChecks:  availabilityChecks,
		availabilityChanges: availabilityChanges,
		stuckResources:      stuckResources,
		queuedJobs:          queuedJobs,
	}, nil
}

// RecordCollection records one collection unit.
func (m *Metrics) RecordCollection(ctx context.Context, outcome, resourceType string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("resource.type", resourceType),
	)
	m.collections.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.collectionDuration.Record(ctx, seconds, attrs)
	}
}

// RecordAvailabilityCheck records one availability check.
func (m *Metrics) RecordAvailabilityCheck(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.availabilityChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAvailabilityChange records a transition to a new availability.
func (m *Metrics) RecordAvailabilityChange(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.availabilityChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("availability", to)))
}

// RecordStuck records the number of stuck resources.
func (m *Metrics) RecordStuck(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.stuckResources.Record(ctx, int64(n))
}

// RecordQueued records the number of queued jobs.
func (m *Metrics) RecordQueued(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.queuedJobs.Record(ctx, int64(n))
}
