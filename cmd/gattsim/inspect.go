package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/pkg/gatt"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect services, characteristics, and descriptors of a simulated peripheral",
	Long: `Connects to a simulated peripheral and discovers its services,
characteristics, and descriptors. Reads characteristic values when permitted.

Examples:
  gattsim inspect -p heart-rate.yaml
  gattsim inspect -p heart-rate.yaml -p battery.yaml --address c0:ff:ee:00:00:02 --json`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

var (
	inspectAddress   string
	inspectJSON      bool
	inspectReadLimit int
	inspectNoValues  bool
)

func init() {
	inspectCmd.Flags().StringVar(&inspectAddress, "address", "", "Peripheral address (default: first profile)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes shown per value (0 for no limit)")
	inspectCmd.Flags().BoolVar(&inspectNoValues, "no-values", false, "Skip value and descriptor reads")
}

func runInspect(cmd *cobra.Command, args []string) error {
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

	target, err := sim.target(inspectAddress)
	if err != nil {
		return err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting %s", target.peer), "Processing results", "Failed")
	defer progress.Stop()

	report, err := inspector.InspectPeripheral(cmd.Context(), sim.central, target.peer, sim.inspectOptions(), logger, progress.Callback(),
		func(conn *gatt.ClientConnection) (*inspector.Report, error) {
			return inspector.Discover(conn, inspector.ReportOptions{
				RequestTimeout:  cfg.RequestTimeout,
				ReadValues:      !inspectNoValues,
				ReadDescriptors: !inspectNoValues,
				ReadLimit:       inspectReadLimit,
			})
		})
	if err != nil {
		return err
	}

	if cfg.OutputFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(cmd.OutOrStdout(), target.profile.Name, report)
	return nil
}

func printReport(w io.Writer, name string, r *inspector.Report) {
	title := color.New(color.Bold)
	svcColor := color.New(color.FgBlue, color.Bold)
	errColor := color.New(color.FgRed)

	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "%s %s  MTU %d\n", title.Sprint(name), r.Address, r.MTU)

	for _, svc := range r.Services {
		fmt.Fprintf(w, "%s %s [0x%04X]\n", svcColor.Sprint("Service"), svc.UUID, svc.Handle)
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "  Characteristic %s [0x%04X] (%s)", c.UUID, c.Handle, strings.Join(c.Properties, ", "))
			switch {
			case c.Error != "":
				fmt.Fprintf(w, " %s", errColor.Sprint(c.Error))
			case c.Value != "":
				fmt.Fprintf(w, " = %s", color.GreenString(c.Value))
			}
			fmt.Fprintln(w)

			for _, d := range c.Descriptors {
				fmt.Fprintf(w, "    Descriptor %s [0x%04X]", d.UUID, d.Handle)
				switch {
				case d.Error != "":
					fmt.Fprintf(w, " %s", errColor.Sprint(d.Error))
				case d.Value != "":
					fmt.Fprintf(w, " = %s", color.GreenString(d.Value))
				}
				fmt.Fprintln(w)
			}
		}
	}
}
