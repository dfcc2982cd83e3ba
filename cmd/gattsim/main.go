package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Set by release builds through -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = newRootCmd()

func versionString() string {
	v := version
	if v != "" && strings.IndexAny(v[:1], "0123456789") == 0 {
		v = "v" + v
	}
	return fmt.Sprintf("%s (commit %s, built %s)", v, commit, date)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gattsim",
		Short: "Talk to simulated GATT peripherals through a real central",
		Long: `gattsim loads peripheral profiles, brings them up on an in-memory radio
and lets a central work against them with the same ATT traffic a device
would see over the air.

Profiles are YAML or JSON files listing the advertised name, services,
characteristics and their initial values. Every command needs at least
one --profile.

With several profiles, pick the peripheral with --address as listed by
"gattsim scan".`,
		Example: `  gattsim scan -p heart-rate.yaml -p battery.yaml
  gattsim inspect -p heart-rate.yaml -p battery.yaml --address c0:ff:ee:00:00:02
  gattsim subscribe -p heart-rate.yaml 2a37 --count 5`,
		Version:       versionString(),
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.StringArrayP("profile", "p", nil, "Peripheral profile (YAML or JSON); repeat for several peripherals")
	flags.Int("mtu", 0, "MTU the central proposes, 23 to 515 (default 515)")
	flags.Duration("timeout", 0, "Timeout of each ATT request (default 5s)")
	root.Flags().BoolP("version", "v", false, "Print the version")

	root.AddCommand(scanCmd, inspectCmd, readCmd, writeCmd, subscribeCmd)
	return root
}

func main() {
	err := rootCmd.Execute()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintf(os.Stderr, "gattsim: %s\n", FormatUserError(err))
	os.Exit(1)
}
