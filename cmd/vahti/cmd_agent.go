package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/internal/telemetry"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the monitoring agent",
	Long: `Run the agent in the foreground until SIGINT or SIGTERM.

The agent:
- restores and starts the persisted inventory
- discovers the platform and its servers and services
- measures resources and checks their availability on schedule
- reports to the management server, failing over along the server list
- serves /metrics, /health, /-/healthy and /-/ready on the admin address`,
	Example: `  vahti agent                              # Run with /etc/vahti/vahti.toml
  vahti agent -c ./vahti.toml              # Custom config
  vahti agent --log-level debug            # Verbose logging`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := telemetry.SetupLogging(cfg.Log, cfg.OTEL.ServiceName); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.NewDaemon(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Msg("Agent shutdown incomplete")
		}
	}()

	log.Info().
		Str("agent", cfg.Agent.Name).
		Str("data_dir", cfg.Agent.DataDir).
		Str("version", version).
		Msg("Starting vahti agent")

	if err := d.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent error: %w", err)
	}
	return nil
}
