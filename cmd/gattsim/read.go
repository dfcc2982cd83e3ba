package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/pkg/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <uuid>",
	Short: "Read a characteristic or descriptor value",
	Long: `Reads a characteristic of a simulated peripheral. Long values are read
in MTU-sized pieces transparently.

Examples:
  # Read Battery Level
  gattsim read -p battery.yaml 2a19 --hex

  # Read with service disambiguation
  gattsim read -p device.yaml 2a19 --service 180f

  # Read the Client Characteristic Configuration descriptor
  gattsim read -p heart-rate.yaml 2a37 --desc 2902 --hex`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readServiceUUID string
	readDescUUID    string
	readAddress     string
	readHex         bool
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().StringVar(&readAddress, "address", "", "Peripheral address (default: first profile)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
}

func runRead(cmd *cobra.Command, args []string) error {
	charUUID := args[0]

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

	target, err := sim.target(readAddress)
	if err != nil {
		return err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading %s from %s", charUUID, target.peer), "Processing results", "Failed")
	defer progress.Stop()

	data, err := inspector.InspectPeripheral(cmd.Context(), sim.central, target.peer, sim.inspectOptions(), logger, progress.Callback(),
		func(conn *gatt.ClientConnection) ([]byte, error) {
			char, err := resolveCharacteristic(conn, charUUID, readServiceUUID, cfg.RequestTimeout)
			if err != nil {
				return nil, err
			}
			if readDescUUID == "" {
				data, err := conn.ReadValue(char, cfg.RequestTimeout)
				if err != nil {
					return nil, fmt.Errorf("failed to read characteristic: %w", err)
				}
				return data, nil
			}

			desc, err := findDescriptor(conn, char, readDescUUID, cfg.RequestTimeout)
			if err != nil {
				return nil, err
			}
			data, err := conn.ReadDescriptor(desc, cfg.RequestTimeout)
			if err != nil {
				return nil, fmt.Errorf("failed to read descriptor: %w", err)
			}
			return data, nil
		})
	if err != nil {
		return err
	}

	return outputData(cmd.OutOrStdout(), data, readHex)
}

func findDescriptor(conn *gatt.ClientConnection, char gatt.Characteristic, descUUID string, timeout time.Duration) (gatt.Descriptor, error) {
	du, err := ble.Parse(descUUID)
	if err != nil {
		return gatt.Descriptor{}, fmt.Errorf("invalid descriptor UUID %q: %w", descUUID, err)
	}
	descs, err := conn.DiscoverDescriptors(char, timeout)
	if err != nil {
		return gatt.Descriptor{}, err
	}
	for _, d := range descs {
		if d.UUID.Equal(du) {
			return d, nil
		}
	}
	return gatt.Descriptor{}, fmt.Errorf("descriptor %s not found in characteristic %s", descUUID, inspector.ShortUUID(char.UUID))
}

// outputData prints data as hex or writes the raw bytes
func outputData(w io.Writer, data []byte, asHex bool) error {
	if asHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}
