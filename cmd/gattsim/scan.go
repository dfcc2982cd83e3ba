package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for simulated peripherals",
	Long: `Starts every profile as an advertising peripheral and lists what the central sees.

Examples:
  # Scan two simulated peripherals
  gattsim scan -p heart-rate.yaml -p battery.yaml

  # Only peripherals advertising the Battery Service
  gattsim scan -p heart-rate.yaml -p battery.yaml --service 180f --json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanServices []string
	scanAllow    []string
	scanBlock    []string
	scanJSON     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 500*time.Millisecond, "Scan duration")
	scanCmd.Flags().StringSliceVarP(&scanServices, "service", "s", nil, "Only list peripherals advertising these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllow, "allow", nil, "Only list these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlock, "block", nil, "Never list these addresses")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output as JSON")
}

// scanEntry is the JSON shape of one scan result.
type scanEntry struct {
	Address     string   `json:"address"`
	Name        string   `json:"name"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services"`
}

func runScan(cmd *cobra.Command, args []string) error {
	opts := &scanner.ScanOptions{
		Duration:        scanDuration,
		DuplicateFilter: true,
		AllowList:       scanAllow,
		BlockList:       scanBlock,
	}
	for _, s := range scanServices {
		u, err := ble.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		opts.ServiceUUIDs = append(opts.ServiceUUIDs, u)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sim, err := newSimulationFromFlags(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scan", "Processing results")
	defer progress.Stop()

	results, err := scanner.NewScanner(sim.central, logger).Scan(cmd.Context(), opts, progress.Callback())
	if err != nil {
		return err
	}

	entries := make([]scanEntry, 0, len(results))
	for _, r := range results {
		e := scanEntry{
			Address:     string(r.Peer),
			Name:        r.Advertisement.LocalName,
			RSSI:        r.RSSI,
			Connectable: r.Advertisement.Connectable,
			Services:    []string{},
		}
		for _, u := range r.Advertisement.Services {
			e.Services = append(e.Services, inspector.ShortUUID(u))
		}
		entries = append(entries, e)
	}

	if cfg.OutputFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	printScanTable(cmd.OutOrStdout(), entries)
	return nil
}

func printScanTable(w io.Writer, entries []scanEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No peripherals found")
		return
	}

	fmt.Fprintf(w, "%-17s  %5s  %-20s  %s\n", "ADDRESS", "RSSI", "NAME", "SERVICES")
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s  %5d  %-20s  %s\n",
			color.GreenString("%-17s", e.Address), e.RSSI, name, strings.Join(e.Services, ","))
	}
}
