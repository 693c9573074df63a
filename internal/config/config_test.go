package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[agent]
name = "web-1"
data_dir = "/srv/vahti"

[server]
servers = ["rhq1.example.com:7080/7443", "rhq2.example.com:7080/7443"]
call_timeout = "10s"
use_tls = true
backpressure = "drop"
queue_size = 64

[agent_service]
listen = "0.0.0.0:16163"

[scheduler]
workers = 8
lock_timeout = "5s"
availability_interval = "1m"
stuck_threshold = 5

[discovery]
schedule = "*/10 * * * *"
workers = 2
process_patterns = ["nginx*", "postgres"]

[discovery.plugin_config.process]
patterns = "java"

[aws]
regions = ["us-east-1", "eu-west-1"]

[metrics]
addr = ":9465"

[otel]
endpoint = "localhost:4317"
insecure = true
service_name = "vahti-agent"

[otel.traces]
enabled = true
sample_rate = 1.0

[otel.metrics]
enabled = true

[log]
level = "debug"
format = "console"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "web-1", cfg.Agent.Name)
	assert.Equal(t, "/srv/vahti", cfg.Agent.DataDir)
	assert.Equal(t, []string{"rhq1.example.com:7080/7443", "rhq2.example.com:7080/7443"}, cfg.Server.Servers)
	assert.Equal(t, 10*time.Second, cfg.Server.CallTimeout)
	assert.True(t, cfg.Server.UseTLS)
	assert.Equal(t, "drop", cfg.Server.Backpressure)
	assert.Equal(t, 64, cfg.Server.QueueSize)
	assert.Equal(t, "0.0.0.0:16163", cfg.AgentService.Listen)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.LockTimeout)
	assert.Equal(t, time.Minute, cfg.Scheduler.AvailabilityInterval)
	assert.Equal(t, 5, cfg.Scheduler.StuckThreshold)
	assert.Equal(t, "*/10 * * * *", cfg.Discovery.Schedule)
	assert.Equal(t, []string{"nginx*", "postgres"}, cfg.Discovery.ProcessPatterns)
	assert.Equal(t, "java", cfg.Discovery.PluginConfig["process"]["patterns"])
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, cfg.AWS.Regions)
	assert.Equal(t, ":9465", cfg.Metrics.Addr)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "vahti-agent", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "/srv/vahti/failover-list.txt", cfg.Server.FailoverFile)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "[agent]\nname = \"a1\"\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/vahti", cfg.Agent.DataDir)
	assert.Equal(t, "queue", cfg.Server.Backpressure)
	assert.Equal(t, 30*time.Second, cfg.Server.CallTimeout)
	assert.Equal(t, runtime.NumCPU(), cfg.Scheduler.Workers)
	assert.Equal(t, "@every 15m", cfg.Discovery.Schedule)
	assert.Equal(t, 2*time.Minute, cfg.Discovery.Timeout)
	assert.Equal(t, 7, cfg.Spool.RetentionDays)
	assert.Equal(t, "vahti", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/vahti/inventory", cfg.InventoryDir())
	assert.Equal(t, "/var/lib/vahti/spool", cfg.SpoolDir())
}

func TestDefault_NamesAgentAfterHost(t *testing.T) {
	host, err := os.Hostname()
	require.NoError(t, err)

	assert.Equal(t, host, Default().Agent.Name)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	content := `
[aws
regions = "not an array"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
[scheduler]
lock_timeout = "not-a-duration"
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad server line", mutate: func(c *Config) { c.Server.Servers = []string{"rhq:7080"} }, wantErr: "missing secure port"},
		{name: "bad backpressure", mutate: func(c *Config) { c.Server.Backpressure = "block" }, wantErr: "backpressure"},
		{name: "negative workers", mutate: func(c *Config) { c.Scheduler.Workers = -1 }, wantErr: "workers"},
		{name: "negative duration", mutate: func(c *Config) { c.Scheduler.CallTimeout = -time.Second }, wantErr: "scheduler.call_timeout"},
		{name: "bad schedule", mutate: func(c *Config) { c.Discovery.Schedule = "every day" }, wantErr: "discovery: schedule"},
		{name: "bad exclude pattern", mutate: func(c *Config) { c.Discovery.ExcludeNames = []string{"["} }, wantErr: "discovery: exclude name"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log:"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "format"},
		{name: "bad sample rate", mutate: func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.Backpressure = "block"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backpressure")
	assert.Contains(t, err.Error(), "format")
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
