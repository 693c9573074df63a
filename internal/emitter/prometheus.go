package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

type seriesKey struct {
	resourceID string
	metric     string
}

// PrometheusEmitter exposes the last collected values on the local metrics
// endpoint via OTEL.
type PrometheusEmitter struct {
	meter metric.Meter

	measurementValue metric.Float64ObservableGauge
	availability     metric.Int64ObservableGauge
	dataPointsTotal  metric.Int64Counter
	missesTotal      metric.Int64Counter

	// State for observable gauges
	mu     sync.RWMutex
	values map[seriesKey]float64
	avail  map[string]resource.Availability
}

// NewPrometheusEmitter creates a Prometheus emitter.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:  otel.Meter("vahti"),
		values: make(map[seriesKey]float64),
		avail:  make(map[string]resource.Availability),
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.measurementValue, err = e.meter.Float64ObservableGauge(
		"vahti_measurement_value",
		metric.WithDescription("Last collected value per resource and metric"),
		metric.WithFloat64Callback(e.observeValues),
	)
	if err != nil {
		return fmt.Errorf("create measurement_value gauge: %w", err)
	}

	e.availability, err = e.meter.Int64ObservableGauge(
		"vahti_resource_availability",
		metric.WithDescription("Resource availability (1 up, 0 down, -1 unknown)"),
		metric.WithInt64Callback(e.observeAvailability),
	)
	if err != nil {
		return fmt.Errorf("create resource_availability gauge: %w", err)
	}

	e.dataPointsTotal, err = e.meter.Int64Counter(
		"vahti_data_points_total",
		metric.WithDescription("Data points collected, by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create data_points counter: %w", err)
	}

	e.missesTotal, err = e.meter.Int64Counter(
		"vahti_measurement_misses_total",
		metric.WithDescription("Due collections that produced no data, by reason"),
	)
	if err != nil {
		return fmt.Errorf("create misses counter: %w", err)
	}

	return nil
}

// EmitMeasurements records numeric values and counts errors and misses.
// Traits are not exported.
func (e *PrometheusEmitter) EmitMeasurements(ctx context.Context, report types.MeasurementReport) error {
	ok, failed := 0, 0
	e.mu.Lock()
	for _, p := range report.DataPoints {
		if p.Error != "" {
			failed++
			continue
		}
		ok++
		if p.Trait != "" {
			continue
		}
		e.values[seriesKey{resourceID: p.ResourceID, metric: p.Metric}] = p.Value
	}
	e.mu.Unlock()

	if ok > 0 {
		e.dataPointsTotal.Add(ctx, int64(ok), metric.WithAttributes(attribute.String("outcome", "ok")))
	}
	if failed > 0 {
		e.dataPointsTotal.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "error")))
	}
	for _, m := range report.Misses {
		e.missesTotal.Add(ctx, int64(len(m.ScheduleIDs)), metric.WithAttributes(attribute.String("reason", m.Reason)))
	}
	return nil
}

// EmitAvailability records the latest availability per resource.
func (e *PrometheusEmitter) EmitAvailability(_ context.Context, report types.AvailabilityReport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range report.Entries {
		e.avail[entry.ResourceID] = entry.Availability
	}
	return nil
}

// Forget drops every series of the given resources.
func (e *PrometheusEmitter) Forget(resourceIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range resourceIDs {
		delete(e.avail, id)
		for k := range e.values {
			if k.resourceID == id {
				delete(e.values, k)
			}
		}
	}
}

// Value returns the last exported value of a series.
func (e *PrometheusEmitter) Value(resourceID, metricName string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[seriesKey{resourceID: resourceID, metric: metricName}]
	return v, ok
}

func (e *PrometheusEmitter) observeValues(_ context.Context, o metric.Float64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for k, v := range e.values {
		o.Observe(v, metric.WithAttributes(
			attribute.String("resource_id", k.resourceID),
			attribute.String("metric", k.metric),
		))
	}
	return nil
}

func availabilityValue(a resource.Availability) int64 {
	switch a {
	case resource.AvailabilityUp:
		return 1
	case resource.AvailabilityDown:
		return 0
	}
	return -1
}

func (e *PrometheusEmitter) observeAvailability(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for id, a := range e.avail {
		o.Observe(availabilityValue(a), metric.WithAttributes(attribute.String("resource_id", id)))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
