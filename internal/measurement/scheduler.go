// Package measurement runs scheduled metric collection and availability
// checks against started resource components.
//
// A single dispatch loop pops due jobs from a time-ordered queue and hands
// them to a fixed pool of workers. Jobs of one resource that come due
// together are coalesced into a single facet call. Every facet call goes
// through the facet lock manager with bounded lock and call timeouts, so a
// slow or hung plugin costs a miss, never a blocked scheduler.
package measurement

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/types"
)

const maxIdle = time.Minute

// Reporter receives collected data. Implementations must not block.
type Reporter interface {
	ReportMeasurements(ctx context.Context, report types.MeasurementReport)
	ReportAvailability(ctx context.Context, report types.AvailabilityReport)
}

// Containers resolves resource ids to containers.
type Containers interface {
	GetContainer(id string) (*inventory.Container, error)
}

// Config controls the scheduler.
type Config struct {
	Agent                string
	Workers              int
	QueueSize            int
	LockTimeout          time.Duration
	CallTimeout          time.Duration
	AvailabilityInterval time.Duration
	// StuckThreshold is the number of consecutive lock timeouts under a
	// held write lock after which a resource is flagged as stuck.
	StuckThreshold int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 16
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.AvailabilityInterval <= 0 {
		c.AvailabilityInterval = time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 3
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock used for due times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler dispatches measurement and availability jobs.
type Scheduler struct {
	cfg        Config
	containers Containers
	locks      *facetlock.Manager
	reporter   Reporter
	metrics    *Metrics
	tracer     trace.Tracer
	now        func() time.Time

	mu    sync.Mutex
	queue *queue

	wake    chan struct{}
	avail   singleflight.Group
	running atomic.Bool

	busyMu   sync.Mutex
	busy     map[string]int
	stuck    map[string]time.Time
	inflight map[string]uint64
	callSeq  uint64
}

type unit struct {
	kind       Kind
	resourceID string
	jobs       []dueJob
}

func (u unit) scheduleIDs() []int64 {
	ids := make([]int64, 0, len(u.jobs))
	for _, j := range u.jobs {
		ids = append(ids, j.sched.ID)
	}
	return ids
}

// New creates a scheduler. Call Run to start dispatching.
func New(cfg Config, containers Containers, locks *facetlock.Manager, reporter Reporter, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:        cfg,
		containers: containers,
		locks:      locks,
		reporter:   reporter,
		tracer:     otel.Tracer("vahti.measurement"),
		now:        time.Now,
		queue:      newQueue(),
		wake:       make(chan struct{}, 1),
		busy:       make(map[string]int),
		stuck:      make(map[string]time.Time),
		inflight:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Install replaces the measurement schedules of a resource and makes sure
// it has an availability job. A zero availabilityInterval uses the default.
func (s *Scheduler) Install(resourceID string, schedules []types.MeasurementSchedule, availabilityInterval time.Duration) {
	if availabilityInterval <= 0 {
		availabilityInterval = s.cfg.AvailabilityInterval
	}
	now := s.now()

	s.mu.Lock()
	keep := make(map[jobKey]bool, len(schedules))
	for _, sched := range schedules {
		sched.ResourceID = resourceID
		if err := sched.Validate(); err != nil {
			log.Warn().Err(err).Str("resource_id", resourceID).Msg("Ignoring invalid schedule")
			continue
		}
		key := measurementKey(sched)
		keep[key] = true
		s.queue.add(key, sched, now)
	}
	for _, key := range s.queue.measurementKeys(resourceID) {
		if !keep[key] {
			s.queue.remove(key)
		}
	}
	s.queue.add(availabilityKey(resourceID), types.MeasurementSchedule{
		ResourceID: resourceID,
		Metric:     AvailabilityMetric,
		Interval:   availabilityInterval,
		Enabled:    true,
	}, now)
	s.mu.Unlock()

	s.notify()
}

// Update changes one schedule's interval or enablement, or adds it if the
// resource has no schedule with its id. An existing schedule keeps its due
// time; the new interval applies from the next pass.
func (s *Scheduler) Update(sched types.MeasurementSchedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue.add(measurementKey(sched), sched, s.now())
	s.mu.Unlock()
	s.notify()
	return nil
}

// Unschedule drops every job of a resource.
func (s *Scheduler) Unschedule(resourceID string) {
	s.mu.Lock()
	s.queue.removeResource(resourceID)
	s.mu.Unlock()
	s.clearBusy(resourceID)
}

// Schedules returns the measurement schedules installed for a resource, by id.
func (s *Scheduler) Schedules(resourceID string) []types.MeasurementSchedule {
	s.mu.Lock()
	out := s.queue.schedules(resourceID)
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the number of jobs waiting for their due time.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// StuckResources returns the ids of resources flagged as stuck.
func (s *Scheduler) StuckResources() []string {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	ids := make([]string, 0, len(s.stuck))
	for id := range s.stuck {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches jobs until ctx is done, then waits for in-flight units.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	log.Info().Int("workers", s.cfg.Workers).Msg("Measurement scheduler started")

	work := make(chan unit, s.cfg.QueueSize)
	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range work {
				s.execute(ctx, u)
			}
		}()
	}

	timer := time.NewTimer(maxIdle)
	defer timer.Stop()
	for {
		timer.Reset(s.nextWait())
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			log.Info().Msg("Measurement scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
		s.dispatchDue(ctx, work)
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	due, ok := s.queue.peek()
	s.mu.Unlock()
	if !ok {
		return maxIdle
	}
	wait := due.Sub(s.now())
	if wait < 0 {
		return 0
	}
	return min(wait, maxIdle)
}

func (s *Scheduler) dispatchDue(ctx context.Context, work chan<- unit) {
	s.mu.Lock()
	due := s.queue.popDue(s.now())
	queued := s.queue.Len()
	s.mu.Unlock()
	s.metrics.RecordQueued(ctx, queued)

	for _, u := range coalesce(due) {
		select {
		case work <- u:
		default:
			log.Warn().
				Str("resource_id", u.resourceID).
				Str("kind", u.kind.String()).
				Msg("Worker pool saturated, skipping collection")
			if u.kind == KindMeasurement {
				s.reportMiss(ctx, u, types.MissOverloaded)
				s.metrics.RecordCollection(ctx, OutcomeOverloaded, "", 0)
			}
			s.complete(u)
		}
	}
}

// coalesce groups due jobs into one unit per (kind, resource), preserving
// the order in which resources first appear.
func coalesce(due []dueJob) []unit {
	var units []unit
	index := make(map[jobKey]int)
	for _, d := range due {
		k := jobKey{kind: d.key.kind, resourceID: d.key.resourceID}
		i, ok := index[k]
		if !ok {
			i = len(units)
			index[k] = i
			units = append(units, unit{kind: d.key.kind, resourceID: d.key.resourceID})
		}
		units[i].jobs = append(units[i].jobs, d)
	}
	return units
}

func (s *Scheduler) complete(u unit) {
	now := s.now()
	s.mu.Lock()
	for _, j := range u.jobs {
		s.queue.complete(j.key, now)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) execute(ctx context.Context, u unit) {
	defer s.complete(u)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("resource_id", u.resourceID).Msg("Collection unit panicked")
		}
	}()

	if u.kind == KindAvailability {
		if _, err := s.checkAvailability(ctx, u.resourceID); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("resource_id", u.resourceID).Msg("Availability check incomplete")
		}
		return
	}
	s.collect(ctx, u)
}

func (s *Scheduler) timeouts() facetlock.Timeouts {
	return facetlock.Timeouts{Lock: s.cfg.LockTimeout, Call: s.cfg.CallTimeout}
}

func (s *Scheduler) collect(ctx context.Context, u unit) {
	ctx, span := s.tracer.Start(ctx, "measurement.collect", trace.WithAttributes(
		attribute.String("resource.id", u.resourceID),
		attribute.Int("schedules", len(u.jobs)),
	))
	defer span.End()

	c, err := s.containers.GetContainer(u.resourceID)
	if err != nil {
		log.Debug().Str("resource_id", u.resourceID).Msg("Resource gone, dropping its schedules")
		s.Unschedule(u.resourceID)
		return
	}
	if c.State() != inventory.StateStarted {
		s.reportMiss(ctx, u, types.MissNotStarted)
		s.metrics.RecordCollection(ctx, OutcomeSkipped, c.Type(), 0)
		return
	}
	facet, err := inventory.Facet[plugin.MeasurementFacet](c)
	if err != nil {
		log.Debug().Err(err).Str("resource_id", u.resourceID).Msg("Resource does not collect measurements")
		s.metrics.RecordCollection(ctx, OutcomeSkipped, c.Type(), 0)
		return
	}

	reqs := make([]plugin.MeasurementRequest, 0, len(u.jobs))
	for _, j := range u.jobs {
		reqs = append(reqs, plugin.MeasurementRequest{
			ScheduleID: j.sched.ID,
			Metric:     j.sched.Metric,
			DataType:   j.sched.DataType,
		})
	}

	done, ok := s.beginCall(u.resourceID)
	if !ok {
		log.Warn().
			Str("resource_id", u.resourceID).
			Str("resource_type", c.Type()).
			Ints64("schedule_ids", u.scheduleIDs()).
			Msg("Previous measurement call still running, skipping collection")
		s.reportMiss(ctx, u, types.MissResourceBusy)
		s.metrics.RecordCollection(ctx, OutcomeBusy, c.Type(), 0)
		return
	}

	start := time.Now()
	points, err := facetlock.Invoke(ctx, s.locks, u.resourceID, facetlock.Read, s.timeouts(),
		func(ctx context.Context) ([]types.DataPoint, error) {
			defer done()
			return facet.GetValues(ctx, reqs)
		})
	elapsed := time.Since(start).Seconds()
	if !errors.Is(err, facetlock.ErrCallTimeout) {
		done()
	}

	outcome := OutcomeOK
	switch {
	case errors.Is(err, facetlock.ErrTimeout):
		outcome = OutcomeBusy
		s.noteBusy(ctx, c)
		log.Warn().
			Str("resource_id", u.resourceID).
			Str("resource_type", c.Type()).
			Ints64("schedule_ids", u.scheduleIDs()).
			Dur("lock_timeout", s.cfg.LockTimeout).
			Msg("Resource busy, skipping collection")
		s.reportMiss(ctx, u, types.MissResourceBusy)
	case errors.Is(err, facetlock.ErrCallTimeout):
		outcome = OutcomeTimeout
		log.Warn().
			Str("resource_id", u.resourceID).
			Str("resource_type", c.Type()).
			Ints64("schedule_ids", u.scheduleIDs()).
			Dur("call_timeout", s.cfg.CallTimeout).
			Msg("Measurement call timed out")
		s.reportMiss(ctx, u, types.MissTimeout)
	case err != nil && ctx.Err() != nil:
		return
	case err != nil:
		outcome = OutcomeError
		invErr := &plugin.InvocationError{ResourceID: u.resourceID, Facet: plugin.FacetMeasurement, Err: err}
		log.Warn().Err(invErr).
			Str("resource_id", u.resourceID).
			Str("resource_type", c.Type()).
			Ints64("schedule_ids", u.scheduleIDs()).
			Msg("Measurement collection failed")
		span.RecordError(invErr)
		s.reportErrors(ctx, u, invErr)
	default:
		s.clearBusy(u.resourceID)
		s.reportPoints(ctx, u, points)
	}
	s.metrics.RecordCollection(ctx, outcome, c.Type(), elapsed)
}

func (s *Scheduler) reportPoints(ctx context.Context, u unit, points []types.DataPoint) {
	now := s.now()
	byMetric := make(map[string]int64, len(u.jobs))
	for _, j := range u.jobs {
		byMetric[j.sched.Metric] = j.sched.ID
	}
	for i := range points {
		p := &points[i]
		p.ResourceID = u.resourceID
		if p.ScheduleID == 0 {
			p.ScheduleID = byMetric[p.Metric]
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
	}
	if len(points) == 0 {
		return
	}
	s.reporter.ReportMeasurements(ctx, types.MeasurementReport{
		Agent:       s.cfg.Agent,
		CollectedAt: now,
		DataPoints:  points,
	})
}

func (s *Scheduler) reportErrors(ctx context.Context, u unit, err error) {
	now := s.now()
	points := make([]types.DataPoint, 0, len(u.jobs))
	for _, j := range u.jobs {
		points = append(points, types.DataPoint{
			ScheduleID: j.sched.ID,
			ResourceID: u.resourceID,
			Metric:     j.sched.Metric,
			Timestamp:  now,
			Error:      err.Error(),
		})
	}
	s.reporter.ReportMeasurements(ctx, types.MeasurementReport{
		Agent:       s.cfg.Agent,
		CollectedAt: now,
		DataPoints:  points,
	})
}

func (s *Scheduler) reportMiss(ctx context.Context, u unit, reason string) {
	ids := u.scheduleIDs()
	now := s.now()
	s.reporter.ReportMeasurements(ctx, types.MeasurementReport{
		Agent:       s.cfg.Agent,
		CollectedAt: now,
		Misses: []types.Miss{{
			ResourceID:  u.resourceID,
			ScheduleIDs: ids,
			Reason:      reason,
			Timestamp:   now,
		}},
	})
}

// beginCall marks a measurement call on resourceID as running. It returns
// false while an earlier call, including one abandoned after its call
// timeout, has not returned. done is idempotent and only clears its own call.
func (s *Scheduler) beginCall(resourceID string) (done func(), ok bool) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if _, running := s.inflight[resourceID]; running {
		return nil, false
	}
	s.callSeq++
	token := s.callSeq
	s.inflight[resourceID] = token
	return func() {
		s.busyMu.Lock()
		if s.inflight[resourceID] == token {
			delete(s.inflight, resourceID)
		}
		s.busyMu.Unlock()
	}, true
}

// noteBusy counts a lock timeout. A resource whose write lock is still held
// after StuckThreshold consecutive timeouts is flagged, never interrupted.
func (s *Scheduler) noteBusy(ctx context.Context, c *inventory.Container) {
	state := c.FacetLock().State()

	s.busyMu.Lock()
	s.busy[c.ID()]++
	count := s.busy[c.ID()]
	_, already := s.stuck[c.ID()]
	flag := !already && state.Writer && count >= s.cfg.StuckThreshold
	if flag {
		s.stuck[c.ID()] = state.WriterSince
	}
	stuck := len(s.stuck)
	s.busyMu.Unlock()

	if flag {
		log.Warn().
			Str("resource_id", c.ID()).
			Str("resource_type", c.Type()).
			Int("consecutive_timeouts", count).
			Time("writer_since", state.WriterSince).
			Msg("Resource appears stuck: write lock held across collection cycles")
		s.metrics.RecordStuck(ctx, stuck)
	}
}

func (s *Scheduler) clearBusy(resourceID string) {
	s.busyMu.Lock()
	delete(s.busy, resourceID)
	_, wasStuck := s.stuck[resourceID]
	delete(s.stuck, resourceID)
	stuck := len(s.stuck)
	s.busyMu.Unlock()

	if wasStuck {
		log.Info().Str("resource_id", resourceID).Msg("Resource no longer stuck")
		s.metrics.RecordStuck(context.Background(), stuck)
	}
}
