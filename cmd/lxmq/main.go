package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lxmq",
	Short: "lxmq - coursework workspace provisioner",
	Long: `lxmq provisions per-user containerized coursework workspaces.

It runs the bus consumers that create and operate instances, configure
the HTTPS reverse proxy for them, and record provisioned environments,
plus operator commands for the cluster-wide port allocator.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lxmq version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(recorderCmd)
	rootCmd.AddCommand(portsCmd)
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.JSONLog,
	})
	return cfg, nil
}
