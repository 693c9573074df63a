// Package config handles TOML configuration for the vahti agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/yairfalse/vahti/internal/failover"
	"github.com/yairfalse/vahti/internal/filter"
)

// Config is the root configuration structure.
type Config struct {
	Agent        AgentConfig        `toml:"agent"`
	Server       ServerConfig       `toml:"server"`
	AgentService AgentServiceConfig `toml:"agent_service"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Discovery    DiscoveryConfig    `toml:"discovery"`
	AWS          AWSConfig          `toml:"aws"`
	Spool        SpoolConfig        `toml:"spool"`
	Metrics      AdminConfig        `toml:"metrics"`
	OTEL         OTELConfig         `toml:"otel"`
	Log          LogConfig          `toml:"log"`
}

// AgentConfig identifies the agent and where it keeps state.
type AgentConfig struct {
	Name    string `toml:"name"`
	DataDir string `toml:"data_dir"`
}

// ServerConfig holds the connection to the management servers.
type ServerConfig struct {
	// FailoverFile is the persisted failover list. Defaults to <data_dir>/failover-list.txt.
	FailoverFile string `toml:"failover_file"`
	// Servers seeds the failover list when the file does not exist yet.
	// Each entry uses the failover text format: host:port/secure_port.
	Servers            []string      `toml:"servers"`
	CallTimeout        time.Duration `toml:"call_timeout"`
	UseTLS             bool          `toml:"use_tls"`
	CAFile             string        `toml:"ca_file"`
	CertFile           string        `toml:"cert_file"`
	KeyFile            string        `toml:"key_file"`
	ServerName         string        `toml:"server_name"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify"`
	// Backpressure is "queue" to spool reports while offline or "drop".
	Backpressure          string        `toml:"backpressure"`
	QueueSize             int           `toml:"queue_size"`
	RetryInterval         time.Duration `toml:"retry_interval"`
	PrimaryCheckInterval  time.Duration `toml:"primary_check_interval"`
	FailoverRefreshPeriod time.Duration `toml:"failover_refresh_interval"`
}

// AgentServiceConfig is the endpoint the server calls back on.
type AgentServiceConfig struct {
	Listen string `toml:"listen"`
}

// SchedulerConfig tunes the measurement and availability scheduler.
type SchedulerConfig struct {
	Workers              int           `toml:"workers"`
	QueueSize            int           `toml:"queue_size"`
	LockTimeout          time.Duration `toml:"lock_timeout"`
	CallTimeout          time.Duration `toml:"call_timeout"`
	AvailabilityInterval time.Duration `toml:"availability_interval"`
	StuckThreshold       int           `toml:"stuck_threshold"`
}

// DiscoveryConfig tunes discovery passes.
type DiscoveryConfig struct {
	// Schedule is a cron spec; descriptors such as "@every 15m" are accepted.
	Schedule        string        `toml:"schedule"`
	Workers         int           `toml:"workers"`
	Timeout         time.Duration `toml:"timeout"`
	StartTimeout    time.Duration `toml:"start_timeout"`
	LockTimeout     time.Duration `toml:"lock_timeout"`
	ProcessPatterns []string      `toml:"process_patterns"`
	// ExcludeTypes are never discovered; ExcludeNames are path.Match globs on
	// resource names; ExcludePluginConfig drops resources carrying a value.
	ExcludeTypes        []string          `toml:"exclude_types"`
	ExcludeNames        []string          `toml:"exclude_names"`
	ExcludePluginConfig map[string]string `toml:"exclude_plugin_config"`
	// PluginConfig overrides descriptor plugin configuration per resource type.
	PluginConfig map[string]map[string]string `toml:"plugin_config"`
}

// AWSConfig holds AWS plugin settings. The plugin is only loaded with at least one region.
type AWSConfig struct {
	Regions []string `toml:"regions"`
}

// SpoolConfig bounds the report spool.
type SpoolConfig struct {
	MaxFileSize   int64 `toml:"max_file_size"`
	MaxTotalSize  int64 `toml:"max_total_size"`
	RetentionDays int   `toml:"retention_days"`
}

// AdminConfig is the local admin HTTP server.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics export settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name, _ = os.Hostname()
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "/var/lib/vahti"
	}

	if c.Server.FailoverFile == "" {
		c.Server.FailoverFile = filepath.Join(c.Agent.DataDir, "failover-list.txt")
	}
	if c.Server.CallTimeout == 0 {
		c.Server.CallTimeout = 30 * time.Second
	}
	if c.Server.Backpressure == "" {
		c.Server.Backpressure = "queue"
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 1024
	}
	if c.Server.RetryInterval == 0 {
		c.Server.RetryInterval = 30 * time.Second
	}
	if c.Server.PrimaryCheckInterval == 0 {
		c.Server.PrimaryCheckInterval = time.Hour
	}
	if c.Server.FailoverRefreshPeriod == 0 {
		c.Server.FailoverRefreshPeriod = time.Hour
	}

	if c.AgentService.Listen == "" {
		c.AgentService.Listen = "127.0.0.1:16163"
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = runtime.NumCPU()
	}
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = 10000
	}
	if c.Scheduler.LockTimeout == 0 {
		c.Scheduler.LockTimeout = 10 * time.Second
	}
	if c.Scheduler.CallTimeout == 0 {
		c.Scheduler.CallTimeout = 30 * time.Second
	}
	if c.Scheduler.AvailabilityInterval == 0 {
		c.Scheduler.AvailabilityInterval = 5 * time.Minute
	}
	if c.Scheduler.StuckThreshold == 0 {
		c.Scheduler.StuckThreshold = 3
	}

	if c.Discovery.Schedule == "" {
		c.Discovery.Schedule = "@every 15m"
	}
	if c.Discovery.Workers == 0 {
		c.Discovery.Workers = 4
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 2 * time.Minute
	}
	if c.Discovery.StartTimeout == 0 {
		c.Discovery.StartTimeout = time.Minute
	}
	if c.Discovery.LockTimeout == 0 {
		c.Discovery.LockTimeout = 30 * time.Second
	}

	if c.Spool.MaxFileSize == 0 {
		c.Spool.MaxFileSize = 8 * 1024 * 1024
	}
	if c.Spool.MaxTotalSize == 0 {
		c.Spool.MaxTotalSize = 128 * 1024 * 1024
	}
	if c.Spool.RetentionDays == 0 {
		c.Spool.RetentionDays = 7
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9465"
	}
	if c.OTEL.ServiceName == "" {
		c.OTEL.ServiceName = "vahti"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Filter builds the discovery exclusion filter.
func (d DiscoveryConfig) Filter() (*filter.Filter, error) {
	return filter.New(d.ExcludeTypes, d.ExcludeNames, d.ExcludePluginConfig)
}

// InventoryDir is where the inventory database lives.
func (c *Config) InventoryDir() string {
	return filepath.Join(c.Agent.DataDir, "inventory")
}

// SpoolDir is where undeliverable reports are spooled.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.Agent.DataDir, "spool")
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.Name == "" {
		errs = append(errs, errors.New("agent: name is required"))
	}
	if c.Agent.DataDir == "" {
		errs = append(errs, errors.New("agent: data_dir is required"))
	}
	for _, line := range c.Server.Servers {
		if _, err := failover.ParseLine(line); err != nil {
			errs = append(errs, fmt.Errorf("server: servers: %w", err))
		}
	}
	if c.Server.Backpressure != "queue" && c.Server.Backpressure != "drop" {
		errs = append(errs, fmt.Errorf("server: backpressure must be queue or drop (got %q)", c.Server.Backpressure))
	}
	if c.Server.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("server: queue_size must not be negative (got %d)", c.Server.QueueSize))
	}
	if c.Scheduler.Workers < 0 {
		errs = append(errs, fmt.Errorf("scheduler: workers must not be negative (got %d)", c.Scheduler.Workers))
	}
	for name, d := range map[string]time.Duration{
		"server.call_timeout":             c.Server.CallTimeout,
		"server.retry_interval":           c.Server.RetryInterval,
		"scheduler.lock_timeout":          c.Scheduler.LockTimeout,
		"scheduler.call_timeout":          c.Scheduler.CallTimeout,
		"scheduler.availability_interval": c.Scheduler.AvailabilityInterval,
		"discovery.timeout":               c.Discovery.Timeout,
		"discovery.start_timeout":         c.Discovery.StartTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %s)", name, d))
		}
	}
	if _, err := cron.ParseStandard(c.Discovery.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("discovery: schedule %q: %w", c.Discovery.Schedule, err))
	}
	if _, err := c.Discovery.Filter(); err != nil {
		errs = append(errs, fmt.Errorf("discovery: %w", err))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format))
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	return errors.Join(errs...)
}
