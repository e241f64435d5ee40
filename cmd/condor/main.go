// ABOUTME: Entry point for the condor bot
// ABOUTME: Cobra command tree plus config and data path resolution

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/condor/internal/config"
)

// Version is set at build time.
var version = "dev"

const banner = `
                     _
  ___ ___  _ __   __| | ___  _ __
 / __/ _ \| '_ \ / _' |/ _ \| '__|
| (_| (_) | | | | (_| | (_) | |
 \___\___/|_| |_|\__,_|\___/|_|
`

var configFlag string

// getConfigPath returns the path to the config file.
// Priority: --config > CONDOR_CONFIG > XDG_CONFIG_HOME/condor/condor.yaml > ~/.config/condor/condor.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("CONDOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "condor.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "condor", "condor.yaml")
}

// getDataPath returns the condor data directory.
// Priority: XDG_DATA_HOME/condor > ~/.local/share/condor
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "condor")
}

// loadConfig reads .env from the working directory, then the config file.
func loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "condor",
		Short:         "Chat front-end for managing a pool of gateway servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file path (default $CONDOR_CONFIG or ~/.config/condor/condor.yaml)")
	root.PersistentFlags().Bool("json", false, "output in JSON format")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newHealthCmd(),
		newServersCmd(),
		newAuditCmd(),
		newMatrixIDCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
