package measurement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// ForceAvailability checks the given resources now, outside the queue, with
// at most Workers checks in parallel. It returns the availability of every
// resource it could resolve; failures are joined into the error.
func (s *Scheduler) ForceAvailability(ctx context.Context, ids []string) (map[string]resource.Availability, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]resource.Availability, len(ids))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			a, err := s.checkAvailability(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				if errors.Is(err, inventory.ErrNotFound) {
					return nil
				}
			}
			results[id] = a
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// checkAvailability checks one resource. Concurrent checks of the same
// resource share a single call, which runs detached from any one caller and
// is bounded by the lock and call timeouts.
func (s *Scheduler) checkAvailability(ctx context.Context, id string) (resource.Availability, error) {
	ch := s.avail.DoChan(id, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LockTimeout+s.cfg.CallTimeout)
		defer cancel()
		return s.runAvailability(shared, id)
	})
	select {
	case r := <-ch:
		a, _ := r.Val.(resource.Availability)
		return a, r.Err
	case <-ctx.Done():
		return resource.AvailabilityUnknown, ctx.Err()
	}
}

func (s *Scheduler) runAvailability(ctx context.Context, id string) (resource.Availability, error) {
	ctx, span := s.tracer.Start(ctx, "availability.check", trace.WithAttributes(attribute.String("resource.id", id)))
	defer span.End()

	c, err := s.containers.GetContainer(id)
	if err != nil {
		return resource.AvailabilityUnknown, err
	}

	var avail resource.Availability
	switch c.State() {
	case inventory.StateFailed:
		avail = resource.AvailabilityDown
	case inventory.StateStarted:
		a, err := s.invokeAvailability(ctx, c)
		switch {
		case errors.Is(err, facetlock.ErrTimeout):
			s.noteBusy(ctx, c)
			s.metrics.RecordAvailabilityCheck(ctx, OutcomeBusy)
			return c.Availability(), err
		case errors.Is(err, facetlock.ErrCallTimeout):
			s.metrics.RecordAvailabilityCheck(ctx, OutcomeTimeout)
			log.Warn().Str("resource_id", id).Msg("Availability check timed out")
			return c.Availability(), err
		case err != nil && ctx.Err() != nil:
			return c.Availability(), ctx.Err()
		case err != nil:
			invErr := &plugin.InvocationError{ResourceID: id, Facet: plugin.FacetAvailability, Err: err}
			log.Warn().Err(invErr).Str("resource_id", id).Msg("Availability check failed, marking down")
			span.RecordError(invErr)
			s.metrics.RecordAvailabilityCheck(ctx, OutcomeError)
			avail = resource.AvailabilityDown
		default:
			s.clearBusy(id)
			s.metrics.RecordAvailabilityCheck(ctx, OutcomeOK)
			avail = a
		}
	default:
		// Nothing to ask a component that is not running.
		return c.Availability(), nil
	}

	if avail == "" {
		avail = resource.AvailabilityUnknown
	}
	if prev, changed := c.SetAvailability(avail); changed {
		log.Info().
			Str("resource_id", id).
			Str("from", string(prev)).
			Str("to", string(avail)).
			Msg("Availability changed")
		s.metrics.RecordAvailabilityChange(ctx, string(avail))
		s.reporter.ReportAvailability(ctx, types.AvailabilityReport{
			Agent:       s.cfg.Agent,
			ChangesOnly: true,
			Entries: []types.AvailabilityEntry{{
				ResourceID:   id,
				Availability: avail,
				Timestamp:    s.now(),
			}},
		})
	}
	return avail, nil
}

func (s *Scheduler) invokeAvailability(ctx context.Context, c *inventory.Container) (resource.Availability, error) {
	facet, err := inventory.Facet[plugin.AvailabilityFacet](c)
	if errors.Is(err, inventory.ErrFacetUnsupported) {
		// A running component without an availability facet is up.
		return resource.AvailabilityUp, nil
	}
	if err != nil {
		return resource.AvailabilityUnknown, err
	}
	return facetlock.Invoke(ctx, s.locks, c.ID(), facetlock.Read, s.timeouts(), facet.GetAvailability)
}
