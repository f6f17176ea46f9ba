package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blemq/internal/adapterfactory"
	"github.com/srg/blemq/internal/mqtt"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the BLE to MQTT hub",
	Long: `Connect to the MQTT broker, discover peripherals advertising the configured
service and bridge them to the broker until interrupted.

Notifications from device <id> are published to devices/<id>/out.
Messages published to devices/<id>/in are written to device <id>.`,
	RunE: runHub,
}

var (
	runMaxDevices int
	runBackend    string
)

func init() {
	runCmd.Flags().IntVar(&runMaxDevices, "max-devices", 0, "Override max_devices from the config file")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "Override device.backend (goble, tinygo)")
}

func runHub(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runMaxDevices > 0 {
		cfg.MaxDevices = runMaxDevices
	}
	if runBackend != "" {
		cfg.Device.Backend = runBackend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mqtt.Connect(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("MQTT close failed")
		}
	}()

	adapter, err := adapterfactory.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE adapter: %w", err)
	}

	h := newHub(cfg, adapter, client, logger)
	if err := h.start(ctx); err != nil {
		_ = h.shutdown()
		return err
	}

	logger.WithField("max_devices", cfg.MaxDevices).Info("Hub running, press Ctrl+C to stop")
	<-ctx.Done()

	logger.Info("Shutting down...")
	if err := h.shutdown(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Shutdown finished with errors")
	}
	return nil
}
