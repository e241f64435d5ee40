// ABOUTME: condor serve: runs the bot until interrupted
// ABOUTME: Prints the startup banner and a short summary of what is enabled

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/condor/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, configPath, err := loadConfig()
			if err != nil {
				return err
			}

			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			cyan.Print(banner)
			gray.Printf("    version: %s\n\n", version)

			line := func(label, value string) {
				green.Print("    ▶ ")
				fmt.Printf("%-10s %s\n", label+":", value)
			}
			line("Config", configPath)
			line("Storage", cfg.Storage.Driver+" "+cfg.Storage.Path)
			if cfg.Matrix.Enabled() {
				line("Matrix", cfg.Matrix.UserID+" @ "+cfg.Matrix.Homeserver)
			} else {
				yellow.Println("    ! Matrix disabled")
			}
			switch {
			case cfg.HTTP.Tailscale.Enabled:
				line("Status", "tailnet "+cfg.HTTP.Tailscale.Hostname)
			case cfg.HTTP.Addr != "":
				line("Status", cfg.HTTP.Addr)
			}
			fmt.Println()

			logger := setupLogger(cfg.Logging, os.Stdout)
			logger.Info("starting condor", "config", configPath, "version", version)

			a, err := app.New(cmd.Context(), cfg, app.Options{DataDir: getDataPath(), Logger: logger})
			if err != nil {
				return fmt.Errorf("starting condor: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
