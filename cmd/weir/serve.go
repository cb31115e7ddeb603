package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/weir/pkg/controller"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/weirconfig"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane actors",
	Long: `serve boots the uuid resolver, update actor and index actor over
the configured data directory and blocks until interrupted.

The HTTP surface is explicitly out of scope for this module (spec §1); this
command wires up and runs the actor pipeline that a transport layer would
sit in front of.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to a weir config YAML file")
	serveCmd.Flags().String("data-dir", "", "Override the configured data directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDirOverride, _ := cmd.Flags().GetString("data-dir")

	cfg := weirconfig.Default()
	if configPath != "" {
		loaded, err := weirconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if dataDirOverride != "" {
		cfg.DataDir = dataDirOverride
	}

	logger := log.WithComponent("serve")
	logger.Info().Str("data_dir", cfg.DataDir).Msg("starting weir control plane")

	ctrl, err := controller.New(controller.Config{
		DataDir:             cfg.DataDir,
		MailboxCapacity:     cfg.Actors.MailboxCapacity,
		ReadConcurrency:     cfg.Actors.ReadConcurrency,
		StrictIndexCreation: cfg.Actors.StrictIndexCreation,
		DeletionBackoff:     cfg.Actors.DeletionBackoff,
	})
	if err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	logger.Info().Msg("control plane ready, waiting for a transport layer to drive it")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := ctrl.Close(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
