package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vahti/internal/inventory"
)

// Metrics holds agent-level instruments using OTEL semantic conventions.
type Metrics struct {
	discoveryRuns     metric.Int64Counter
	discoveryDuration metric.Float64Histogram
	discoveryFailures metric.Int64Counter
	resources         metric.Int64Gauge
	failoverSwitches  metric.Int64Counter
	bundleRequests    metric.Int64Counter
	operations        metric.Int64Counter
}

// NewMetrics creates daemon metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter("vahti.daemon"))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	discoveryRuns, err := meter.Int64Counter(
		"vahti.discovery.runs",
		metric.WithDescription("Number of discovery passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	discoveryDuration, err := meter.Float64Histogram(
		"vahti.discovery.duration",
		metric.WithDescription("Duration of discovery passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	discoveryFailures, err := meter.Int64Counter(
		"vahti.discovery.failures",
		metric.WithDescription("Discovery component failures per resource type"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	resources, err := meter.Int64Gauge(
		"vahti.inventory.resources",
		metric.WithDescription("Resources in the inventory tree by container state"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	failoverSwitches, err := meter.Int64Counter(
		"vahti.failover.switches",
		metric.WithDescription("Number of times the agent moved to another server"),
		metric.WithUnit("{switch}"),
	)
	if err != nil {
		return nil, err
	}

	bundleRequests, err := meter.Int64Counter(
		"vahti.bundle.requests",
		metric.WithDescription("Bundle deploy and purge requests from the server"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	operations, err := meter.Int64Counter(
		"vahti.operations",
		metric.WithDescription("Resource operations invoked"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		discoveryRuns:     discoveryRuns,
		discoveryDuration: discoveryDuration,
		discoveryFailures: discoveryFailures,
		resources:         resources,
		failoverSwitches:  failoverSwitches,
		bundleRequests:    bundleRequests,
		operations:        operations,
	}, nil
}

// RecordDiscovery records a discovery pass with its outcome.
func (m *Metrics) RecordDiscovery(ctx context.Context, kind, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.discoveryRuns.Add(ctx, 1, attrs)
	m.discoveryDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDiscoveryFailure records a failed discovery call for a resource type.
func (m *Metrics) RecordDiscoveryFailure(ctx context.Context, resourceType string) {
	m.discoveryFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("resource.type", resourceType),
		),
	)
}

// RecordResources records the number of containers in each state. States
// missing from counts are recorded as zero.
func (m *Metrics) RecordResources(ctx context.Context, counts map[inventory.State]int) {
	for state := inventory.StateUninitialized; state <= inventory.StateFailed; state++ {
		m.resources.Record(ctx, int64(counts[state]),
			metric.WithAttributes(
				attribute.String("state", state.String()),
			),
		)
	}
}

// RecordFailoverSwitch records a move to another server.
func (m *Metrics) RecordFailoverSwitch(ctx context.Context, server, reason string) {
	m.failoverSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("reason", reason),
		),
	)
}

// RecordBundle records a bundle request.
func (m *Metrics) RecordBundle(ctx context.Context, request, outcome string) {
	m.bundleRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("request", request),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordOperation records an invoked resource operation.
func (m *Metrics) RecordOperation(ctx context.Context, name, outcome string) {
	m.operations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", name),
			attribute.String("outcome", outcome),
		),
	)
}
