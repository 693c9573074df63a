// Package daemon wires the plugin container together and runs it: the
// inventory, facet locks, measurement scheduler, discovery driver, server
// transport and the local admin endpoints.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/discovery"
	"github.com/yairfalse/vahti/internal/emitter"
	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/failover"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/measurement"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/internal/plugin/aws"
	"github.com/yairfalse/vahti/internal/plugin/platform"
	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/internal/transport"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/wal"
)

const (
	stopTimeout   = 30 * time.Second
	serverTimeout = 5 * time.Second
)

// Option configures a Daemon.
type Option func(*Daemon)

// WithPlugins replaces the built-in plugins.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(d *Daemon) {
		d.plugins = plugins
	}
}

// Daemon is the running agent.
type Daemon struct {
	cfg     *config.Config
	plugins []plugin.Plugin

	telemetry *telemetry.Provider
	metrics   *Metrics

	registry *plugin.Registry
	locks    *facetlock.Manager
	tree     *inventory.Tree
	store    *storage.InventoryStore
	spool    *wal.WAL
	client   *transport.Client
	watcher  *failover.Watcher
	server   *emitter.ServerEmitter
	prom     *emitter.PrometheusEmitter
	reports  *emitter.MultiEmitter
	sched    *measurement.Scheduler
	driver   *discovery.Driver

	startTime time.Time
	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	adminAddr string
	agentAddr string
}

// NewDaemon wires every component from cfg. Nothing runs until Start.
func NewDaemon(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{cfg: cfg, startTime: time.Now()}
	for _, opt := range opts {
		opt(d)
	}
	if d.plugins == nil {
		d.plugins = builtinPlugins(cfg)
	}

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	d.telemetry = tp

	if err := d.wire(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func builtinPlugins(cfg *config.Config) []plugin.Plugin {
	plugins := []plugin.Plugin{platform.New(nil)}
	if len(cfg.AWS.Regions) > 0 {
		plugins = append(plugins, aws.New(nil))
	}
	return plugins
}

// pluginConfig merges the shorthand settings into the per-type overrides.
// Explicit plugin_config entries win.
func pluginConfig(cfg *config.Config) map[string]map[string]string {
	out := make(map[string]map[string]string, len(cfg.Discovery.PluginConfig)+2)
	for typ, values := range cfg.Discovery.PluginConfig {
		out[typ] = maps.Clone(values)
	}
	setDefault := func(typ, key string, values []string) {
		if len(values) == 0 {
			return
		}
		if out[typ] == nil {
			out[typ] = make(map[string]string)
		}
		if _, ok := out[typ][key]; !ok {
			out[typ][key] = strings.Join(values, ",")
		}
	}
	setDefault(platform.TypeProcess, platform.ConfigPatterns, cfg.Discovery.ProcessPatterns)
	setDefault(aws.TypeRegion, aws.ConfigRegions, cfg.AWS.Regions)
	return out
}

func (d *Daemon) wire() error {
	cfg := d.cfg
	var err error

	if d.metrics, err = NewMetrics(); err != nil {
		return fmt.Errorf("daemon metrics: %w", err)
	}

	d.registry = plugin.NewRegistry()
	for _, p := range d.plugins {
		if err := d.registry.Register(p); err != nil {
			return fmt.Errorf("register plugin %s: %w", p.Name(), err)
		}
	}

	d.locks = facetlock.NewManager()
	d.tree = inventory.NewTree(d.locks)

	if d.store, err = storage.Open(cfg.InventoryDir()); err != nil {
		return fmt.Errorf("open inventory store: %w", err)
	}

	list, err := loadFailoverList(cfg.Server)
	if err != nil {
		return err
	}
	if list.Len() > 0 {
		if err := d.wireServer(list); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("No management server configured, running standalone")
	}

	if d.prom, err = emitter.NewPrometheusEmitter(); err != nil {
		return fmt.Errorf("prometheus emitter: %w", err)
	}
	emitters := []emitter.Emitter{d.prom}
	if d.server != nil {
		emitters = append(emitters, d.server)
	}
	d.reports = emitter.NewMultiEmitter(emitters...)

	schedMetrics, err := measurement.NewMetrics()
	if err != nil {
		return fmt.Errorf("scheduler metrics: %w", err)
	}
	d.sched = measurement.New(measurement.Config{
		Agent:                cfg.Agent.Name,
		Workers:              cfg.Scheduler.Workers,
		QueueSize:            cfg.Scheduler.QueueSize,
		LockTimeout:          cfg.Scheduler.LockTimeout,
		CallTimeout:          cfg.Scheduler.CallTimeout,
		AvailabilityInterval: cfg.Scheduler.AvailabilityInterval,
		StuckThreshold:       cfg.Scheduler.StuckThreshold,
	}, d.tree, d.locks, d.reports, measurement.WithMetrics(schedMetrics))

	flt, err := cfg.Discovery.Filter()
	if err != nil {
		return err
	}

	// A nil *transport.Client must not reach the driver as a non-nil interface.
	var server discovery.Server
	if d.client != nil {
		server = d.client
	}
	d.driver = discovery.New(discovery.Config{
		Agent:            cfg.Agent.Name,
		Workers:          cfg.Discovery.Workers,
		DiscoveryTimeout: cfg.Discovery.Timeout,
		LockTimeout:      cfg.Discovery.LockTimeout,
		StartTimeout:     cfg.Discovery.StartTimeout,
		DataDir:          cfg.Agent.DataDir,
		PluginConfig:     pluginConfig(cfg),
	}, d.registry, d.tree, d.locks, server, d.sched, discovery.WithStore(d.store), discovery.WithFilter(flt))

	return nil
}

func (d *Daemon) wireServer(list *failover.List) error {
	cfg := d.cfg
	client, err := transport.NewClient(transport.Config{
		Agent:  cfg.Agent.Name,
		Secure: cfg.Server.UseTLS,
		TLS: transport.TLSConfig{
			CAFile:             cfg.Server.CAFile,
			CertFile:           cfg.Server.CertFile,
			KeyFile:            cfg.Server.KeyFile,
			ServerName:         cfg.Server.ServerName,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		},
		CallTimeout:  cfg.Server.CallTimeout,
		FailoverPath: cfg.Server.FailoverFile,
	}, list)
	if err != nil {
		return fmt.Errorf("server client: %w", err)
	}
	d.client = client
	client.OnSwitch(func(prev, next failover.ServerEntry) {
		reason := "failover"
		if prev.Address == "" {
			reason = "connect"
		}
		log.Info().Str("from", prev.String()).Str("to", next.String()).Str("reason", reason).Msg("Switched server")
		d.metrics.RecordFailoverSwitch(context.Background(), next.String(), reason)
	})
	d.watcher = failover.NewWatcher(cfg.Server.FailoverFile, list, client.SetList)

	spoolCfg := wal.Config{
		FilePrefix:    wal.DefaultConfig().FilePrefix,
		MaxFileSize:   cfg.Spool.MaxFileSize,
		MaxTotalSize:  cfg.Spool.MaxTotalSize,
		RetentionDays: cfg.Spool.RetentionDays,
	}
	if stats, err := wal.Prune(cfg.SpoolDir(), spoolCfg, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Spool prune failed")
	} else if stats.Removed() > 0 {
		log.Warn().
			Int("expired", stats.Expired).
			Int("trimmed", stats.Trimmed).
			Int("reports", stats.ReportsDropped).
			Msg("Dropped undeliverable spooled reports")
	}
	if d.spool, err = wal.OpenWithConfig(cfg.SpoolDir(), spoolCfg); err != nil {
		return fmt.Errorf("open spool: %w", err)
	}

	d.server, err = emitter.NewServerEmitter(client, d.spool, emitter.ServerConfig{
		QueueSize:     cfg.Server.QueueSize,
		Policy:        emitter.Policy(cfg.Server.Backpressure),
		RetryInterval: cfg.Server.RetryInterval,
	})
	if err != nil {
		return fmt.Errorf("server emitter: %w", err)
	}
	return nil
}

// loadFailoverList reads the persisted list, seeding it from the
// configured servers on first start.
func loadFailoverList(cfg config.ServerConfig) (*failover.List, error) {
	list, err := failover.Load(cfg.FailoverFile)
	if err != nil {
		return nil, err
	}
	if list.Len() > 0 {
		return list, nil
	}
	seed, err := failover.ParseLines(cfg.Servers)
	if err != nil {
		return nil, fmt.Errorf("seed failover list: %w", err)
	}
	if seed.Len() > 0 {
		if err := failover.Save(cfg.FailoverFile, seed); err != nil {
			return nil, err
		}
	}
	return seed, nil
}

// Start runs the agent until ctx is done or an actor fails. Components are
// stopped children first before it returns.
func (d *Daemon) Start(ctx context.Context) error {
	adminLis, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	d.mu.Lock()
	d.adminAddr = adminLis.Addr().String()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return d.sched.Run(ctx)
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return d.runDiscovery(ctx)
	}, func(error) {
		cancel()
	})

	admin := &http.Server{Handler: d.adminHandler(), ReadHeaderTimeout: serverTimeout}
	g.Add(func() error {
		if err := admin.Serve(adminLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	}, func(error) {
		sctx, scancel := context.WithTimeout(context.Background(), serverTimeout)
		defer scancel()
		_ = admin.Shutdown(sctx)
	})

	if d.client != nil {
		if err := d.addServerActors(ctx, &g, cancel); err != nil {
			_ = adminLis.Close()
			return err
		}
	}

	log.Info().Str("agent", d.cfg.Agent.Name).Str("admin", d.AdminAddr()).Msg("Agent started")
	err = g.Run()

	d.ready.Store(false)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	d.driver.StopAll(stopCtx)
	log.Info().Msg("Agent stopped")
	return err
}

func (d *Daemon) addServerActors(ctx context.Context, g *run.Group, cancel context.CancelFunc) error {
	agentLis, err := net.Listen("tcp", d.cfg.AgentService.Listen)
	if err != nil {
		return fmt.Errorf("agent service listener: %w", err)
	}
	d.mu.Lock()
	d.agentAddr = agentLis.Addr().String()
	d.mu.Unlock()

	srv := transport.NewServer()
	transport.RegisterAgentService(srv, &agentService{d: d})
	g.Add(func() error {
		return srv.Serve(agentLis)
	}, func(error) {
		gracefulStop(srv, serverTimeout)
	})

	g.Add(func() error {
		return d.server.Run(ctx)
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return d.watcher.Run(ctx)
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		d.maintainConnection(ctx)
		return nil
	}, func(error) {
		cancel()
	})
	return nil
}

func gracefulStop(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
	}
}

// runDiscovery loads the persisted inventory, starts it, then discovers the
// platform and everything below it. Later passes follow the cron schedule.
func (d *Daemon) runDiscovery(ctx context.Context) error {
	if _, err := d.driver.LoadInventory(); err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted inventory")
	}
	if stats, err := d.driver.StartCommitted(ctx); err != nil {
		log.Warn().Err(err).Int("started", stats.Started).Msg("Starting persisted resources failed")
	}

	d.discover(ctx, "platform", d.driver.DiscoverPlatform)
	d.discover(ctx, "full", d.driver.Run)
	d.ready.Store(true)

	c := cron.New()
	if _, err := c.AddFunc(d.cfg.Discovery.Schedule, func() {
		d.discover(ctx, "scheduled", d.driver.Run)
	}); err != nil {
		return fmt.Errorf("discovery schedule: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (d *Daemon) discover(ctx context.Context, kind string, pass func(context.Context) (discovery.Stats, error)) (discovery.Stats, error) {
	stats, err := pass(ctx)

	outcome := "ok"
	switch {
	case errors.Is(err, discovery.ErrPassInProgress):
		log.Debug().Str("kind", kind).Msg("Discovery pass skipped, another is running")
		return stats, err
	case err != nil:
		outcome = "error"
		log.Warn().Err(err).Str("kind", kind).Msg("Discovery pass failed")
	case len(stats.Failures) > 0:
		outcome = "partial"
	}
	for _, f := range stats.Failures {
		d.metrics.RecordDiscoveryFailure(ctx, f.ResourceType)
	}
	d.metrics.RecordDiscovery(ctx, kind, outcome, stats.Duration.Seconds())
	d.metrics.RecordResources(ctx, d.tree.CountByState())
	return stats, err
}

// maintainConnection periodically moves back to the primary server and
// refreshes the failover list from the server.
func (d *Daemon) maintainConnection(ctx context.Context) {
	primary := time.NewTicker(d.cfg.Server.PrimaryCheckInterval)
	defer primary.Stop()
	refresh := time.NewTicker(d.cfg.Server.FailoverRefreshPeriod)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-primary.C:
			switched, err := d.client.SwitchToPrimary(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("Primary server still unreachable")
			} else if switched {
				log.Info().Msg("Switched back to primary server")
			}
		case <-refresh.C:
			changed, err := d.client.RefreshFailoverList(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("Failover list refresh failed")
			}
			if changed {
				d.watcher.SetCurrent(d.client.List())
			}
		}
	}
}

// AdminAddr is the admin server's listen address once Start has begun.
func (d *Daemon) AdminAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adminAddr
}

// AgentAddr is the agent service's listen address; empty when standalone.
func (d *Daemon) AgentAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agentAddr
}

// Ready reports whether the initial discovery has completed.
func (d *Daemon) Ready() bool {
	return d.ready.Load()
}

// Close releases the store, the spool, the server connection and telemetry.
// Call it after Start returned.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.reports != nil {
			errs = append(errs, d.reports.Close())
		} else if d.spool != nil {
			errs = append(errs, d.spool.Close())
		}
		if d.client != nil {
			errs = append(errs, d.client.Close())
		}
		if d.store != nil {
			errs = append(errs, d.store.Close())
		}
		if d.telemetry != nil {
			sctx, cancel := context.WithTimeout(context.Background(), serverTimeout)
			errs = append(errs, d.telemetry.Shutdown(sctx))
			cancel()
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
