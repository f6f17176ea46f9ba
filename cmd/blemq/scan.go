package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blemq/internal/adapterfactory"
	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/scan"
)

// strongSignal is the RSSI at or above which a device is highlighted.
const strongSignal = -60

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for bridgeable BLE devices",
	Long: `Run one discovery pass for peripherals advertising the configured service
and print what was found, strongest signal first.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanService  string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to scan.timeout)")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", "", "Service UUID to filter by (defaults to scan.service)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanDuration > 0 {
		cfg.Scan.Timeout = scanDuration
	}
	if scanService != "" {
		normalized, err := device.ValidateUUID(scanService)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		cfg.Scan.Service = normalized[0]
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	adapter, err := adapterfactory.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE adapter: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := scan.NewController(adapter, scan.Options{
		Service:   cfg.Scan.Service,
		Timeout:   cfg.Scan.Timeout,
		AllowList: cfg.Scan.AllowList,
		BlockList: cfg.Scan.BlockList,
	}, logger)

	fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", cfg.Scan.Timeout)
	candidates, err := controller.Run(ctx)
	if err != nil {
		return err
	}
	return displayCandidates(cmd.OutOrStdout(), candidates)
}

// displayCandidates prints candidates as a table, highlighting strong signals.
func displayCandidates(out io.Writer, candidates []device.Candidate) error {
	if len(candidates) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	strong := color.New(color.FgGreen, color.Bold).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 64))

	for _, c := range candidates {
		name := c.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		rssi := fmt.Sprintf("%d dBm", c.RSSI)
		if c.RSSI >= strongSignal {
			rssi = strong(rssi)
		}

		lastSeen := time.Since(c.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", name, c.ID, rssi, lastSeen)
	}

	return w.Flush()
}
