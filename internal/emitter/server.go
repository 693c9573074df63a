package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vahti/internal/transport"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

// ErrQueueFull is returned when a report is dropped because the send queue is full.
var ErrQueueFull = errors.New("report queue full")

// Policy decides what happens to reports while no server is reachable.
type Policy string

const (
	// PolicyQueue spools reports to disk and replays them later.
	PolicyQueue Policy = "queue"
	// PolicyDrop discards them.
	PolicyDrop Policy = "drop"
)

// Sender delivers reports to the server.
type Sender interface {
	SendMeasurementReport(ctx context.Context, req *types.MeasurementReport) (*types.Ack, error)
	SendAvailabilityReport(ctx context.Context, req *types.AvailabilityReport) (*types.Ack, error)
}

// ServerConfig configures the ServerEmitter.
type ServerConfig struct {
	QueueSize     int
	Policy        Policy
	RetryInterval time.Duration
}

// ServerStats counts what happened to reports.
type ServerStats struct {
	Sent     int64
	Dropped  int64
	Spooled  int64
	Replayed int64
	Rejected int64
	Offline  bool
}

type pending struct {
	kind         wal.EntryType
	measurement  *types.MeasurementReport
	availability *types.AvailabilityReport
}

// ServerEmitter sends reports to the management server from a single
// sender loop. Emit only enqueues. While the server is unreachable,
// reports are spooled or dropped according to the policy; the spool is
// drained in order before newer reports go out.
type ServerEmitter struct {
	sender Sender
	spool  *wal.WAL
	cfg    ServerConfig
	queue  chan pending

	reports metric.Int64Counter

	sent, dropped, spooled, replayed, rejected atomic.Int64
	offline                                    atomic.Bool
}

// NewServerEmitter creates the emitter. spool may be nil, which forces PolicyDrop.
func NewServerEmitter(sender Sender, spool *wal.WAL, cfg ServerConfig) (*ServerEmitter, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyQueue
	case PolicyQueue, PolicyDrop:
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", cfg.Policy)
	}
	if spool == nil {
		cfg.Policy = PolicyDrop
	}

	reports, err := otel.Meter("vahti.emitter").Int64Counter(
		"vahti_reports_total",
		metric.WithDescription("Reports handled by the server emitter, by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reports counter: %w", err)
	}

	return &ServerEmitter{
		sender:  sender,
		spool:   spool,
		cfg:     cfg,
		queue:   make(chan pending, cfg.QueueSize),
		reports: reports,
	}, nil
}

func (e *ServerEmitter) count(kind wal.EntryType, outcome string, n *atomic.Int64) {
	n.Add(1)
	e.reports.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func (e *ServerEmitter) enqueue(p pending) error {
	select {
	case e.queue <- p:
		return nil
	default:
		e.count(p.kind, "dropped", &e.dropped)
		return ErrQueueFull
	}
}

// EmitMeasurements queues a measurement report. Empty reports are ignored.
func (e *ServerEmitter) EmitMeasurements(_ context.Context, report types.MeasurementReport) error {
	if report.Empty() {
		return nil
	}
	return e.enqueue(pending{kind: wal.EntryMeasurement, measurement: &report})
}

// EmitAvailability queues an availability report.
func (e *ServerEmitter) EmitAvailability(_ context.Context, report types.AvailabilityReport) error {
	if len(report.Entries) == 0 {
		return nil
	}
	return e.enqueue(pending{kind: wal.EntryAvailability, availability: &report})
}

// Run sends queued reports until ctx is done. Reports still queued at
// shutdown are spooled when the policy allows it.
func (e *ServerEmitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.spoolRemaining()
			return nil
		case p := <-e.queue:
			e.deliver(ctx, p)
		case <-ticker.C:
			if e.spool != nil && e.spool.Pending() {
				if err := e.replay(ctx); err != nil {
					log.Debug().Err(err).Msg("Server still unreachable, keeping spool")
				}
			}
		}
	}
}

func (e *ServerEmitter) spoolRemaining() {
	for {
		select {
		case p := <-e.queue:
			e.store(p)
		default:
			return
		}
	}
}

func (e *ServerEmitter) send(ctx context.Context, p pending) error {
	var err error
	switch p.kind {
	case wal.EntryMeasurement:
		_, err = e.sender.SendMeasurementReport(ctx, p.measurement)
	case wal.EntryAvailability:
		_, err = e.sender.SendAvailabilityReport(ctx, p.availability)
	default:
		err = fmt.Errorf("unknown report kind %q", p.kind)
	}
	return err
}

// deliver sends p. While offline under PolicyQueue the report goes straight
// to the spool; only the retry ticker talks to the server again.
func (e *ServerEmitter) deliver(ctx context.Context, p pending) {
	if e.offline.Load() && e.cfg.Policy == PolicyQueue {
		e.store(p)
		return
	}
	if e.spool != nil && e.spool.Pending() {
		if err := e.replay(ctx); err != nil {
			e.store(p)
			return
		}
	}

	err := e.send(ctx, p)
	switch {
	case err == nil:
		e.count(p.kind, "sent", &e.sent)
		if e.offline.CompareAndSwap(true, false) {
			log.Info().Msg("Server reachable again, reporting resumed")
		}
	case errors.Is(err, transport.ErrTransportUnavailable):
		if e.offline.CompareAndSwap(false, true) {
			log.Warn().Err(err).Str("policy", string(e.cfg.Policy)).Msg("Server unreachable, suspending reporting")
		}
		e.store(p)
	case ctx.Err() != nil:
		e.store(p)
	default:
		log.Warn().Err(err).Str("kind", string(p.kind)).Msg("Server rejected report")
		e.count(p.kind, "rejected", &e.rejected)
	}
}

// store spools p under PolicyQueue, otherwise drops it.
func (e *ServerEmitter) store(p pending) {
	if e.cfg.Policy != PolicyQueue {
		e.count(p.kind, "dropped", &e.dropped)
		return
	}
	var data any = p.measurement
	if p.kind == wal.EntryAvailability {
		data = p.availability
	}
	if err := e.spool.Append(p.kind, data); err != nil {
		log.Warn().Err(err).Msg("Failed to spool report, dropping it")
		e.count(p.kind, "dropped", &e.dropped)
		return
	}
	e.count(p.kind, "spooled", &e.spooled)
}

// replay drains the spool in order. Entries the server rejects are skipped.
func (e *ServerEmitter) replay(ctx context.Context) error {
	n, err := e.spool.Drain(func(entry *wal.Entry) error {
		p, err := decode(entry)
		if err != nil {
			log.Warn().Err(err).Int64("sequence", entry.Sequence).Msg("Skipping undecodable spooled report")
			return nil
		}
		err = e.send(ctx, p)
		if errors.Is(err, transport.ErrTransportUnavailable) || ctx.Err() != nil {
			return err
		}
		if err != nil {
			log.Warn().Err(err).Int64("sequence", entry.Sequence).Msg("Server rejected spooled report")
			e.count(p.kind, "rejected", &e.rejected)
			return nil
		}
		e.count(p.kind, "replayed", &e.replayed)
		return nil
	})
	if err != nil {
		e.offline.Store(true)
		return err
	}
	if n > 0 {
		log.Info().Int("reports", n).Msg("Spooled reports delivered")
	}
	e.offline.Store(false)
	return nil
}

func decode(entry *wal.Entry) (pending, error) {
	p := pending{kind: entry.Type}
	switch entry.Type {
	case wal.EntryMeasurement:
		p.measurement = new(types.MeasurementReport)
		return p, json.Unmarshal(entry.Data, p.measurement)
	case wal.EntryAvailability:
		p.availability = new(types.AvailabilityReport)
		return p, json.Unmarshal(entry.Data, p.availability)
	}
	return p, fmt.Errorf("unknown report kind %q", entry.Type)
}

// Stats returns the report counters.
func (e *ServerEmitter) Stats() ServerStats {
	return ServerStats{
		Sent:     e.sent.Load(),
		Dropped:  e.dropped.Load(),
		Spooled:  e.spooled.Load(),
		Replayed: e.replayed.Load(),
		Rejected: e.rejected.Load(),
		Offline:  e.offline.Load(),
	}
}

// Close closes the spool. Call it after Run returned.
func (e *ServerEmitter) Close() error {
	if e.spool == nil {
		return nil
	}
	return e.spool.Close()
}
