package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/config"
)

const defaultConfigPath = "/etc/vahti/vahti.toml"

var (
	version = "0.1.0"

	configPath string
	logLevel   string

	rootCmd = newRootCmd()
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vahti",
		Short: "Resource monitoring agent",
		Long: `Vahti - resource monitoring agent

Vahti discovers the resources of the machine it runs on, keeps them in an
inventory tree, measures them on the schedules the management server
assigns and reports measurements and availability back to the server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("Vahti {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the agent configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. The default path may be absent, in
// which case built-in defaults apply; an explicit path must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
