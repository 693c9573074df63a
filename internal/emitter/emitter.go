// Package emitter delivers collected measurement and availability reports
// to their outputs: the management server and the local metrics endpoint.
package emitter

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/types"
)

// Emitter outputs collected reports to a backend. Emit calls must not
// block on the network.
type Emitter interface {
	EmitMeasurements(ctx context.Context, report types.MeasurementReport) error
	EmitAvailability(ctx context.Context, report types.AvailabilityReport) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// EmitMeasurements sends to all emitters and joins their errors.
func (m *MultiEmitter) EmitMeasurements(ctx context.Context, report types.MeasurementReport) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.EmitMeasurements(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitAvailability sends to all emitters and joins their errors.
func (m *MultiEmitter) EmitAvailability(ctx context.Context, report types.AvailabilityReport) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.EmitAvailability(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReportMeasurements lets the scheduler report through the emitters.
func (m *MultiEmitter) ReportMeasurements(ctx context.Context, report types.MeasurementReport) {
	if err := m.EmitMeasurements(ctx, report); err != nil {
		log.Warn().Err(err).Msg("Measurement report not fully emitted")
	}
}

// ReportAvailability lets the scheduler report through the emitters.
func (m *MultiEmitter) ReportAvailability(ctx context.Context, report types.AvailabilityReport) {
	if err := m.EmitAvailability(ctx, report); err != nil {
		log.Warn().Err(err).Msg("Availability report not fully emitted")
	}
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
