package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/pkg/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <uuid> <data>",
	Short: "Write a characteristic value",
	Long: `Writes data to a characteristic of a simulated peripheral and prints the
value the peripheral stored.

Examples:
  # Write a string
  gattsim write -p device.yaml 2a00 "Lab bench"

  # Write hex bytes without waiting for a response
  gattsim write -p device.yaml ff01 "01 02 03" --hex --without-response`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	writeServiceUUID     string
	writeAddress         string
	writeHex             bool
	writeWithoutResponse bool
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().StringVar(&writeAddress, "address", "", "Peripheral address (default: first profile)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse data as hex (separators ' ', ':', '-' and 0x prefixes allowed)")
	writeCmd.Flags().BoolVar(&writeWithoutResponse, "without-response", false, "Use Write Command instead of Write Request")
}

func runWrite(cmd *cobra.Command, args []string) error {
	charUUID := args[0]

	data, err := parseWriteData(args[1], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
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

	target, err := sim.target(writeAddress)
	if err != nil {
		return err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Writing %d bytes to %s on %s", len(data), charUUID, target.peer), "Processing results", "Failed")
	defer progress.Stop()

	char, err := inspector.InspectPeripheral(cmd.Context(), sim.central, target.peer, sim.inspectOptions(), logger, progress.Callback(),
		func(conn *gatt.ClientConnection) (gatt.Characteristic, error) {
			char, err := resolveCharacteristic(conn, charUUID, writeServiceUUID, cfg.RequestTimeout)
			if err != nil {
				return char, err
			}
			return char, writeCharacteristic(conn, char, data, cfg.RequestTimeout)
		})
	if err != nil {
		return err
	}

	// The value handle directly follows the declaration.
	stored, err := target.peripheral.Value(char.Handle + 1)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s, peripheral value: %s\n",
		len(data), inspector.ShortUUID(char.UUID), strings.ToUpper(hex.EncodeToString(stored)))
	return nil
}

// parseWriteData converts input string to bytes
func parseWriteData(dataStr string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(dataStr), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// writeCharacteristic writes with a response when supported, unless told otherwise
func writeCharacteristic(conn *gatt.ClientConnection, char gatt.Characteristic, data []byte, timeout time.Duration) error {
	canWrite := char.Properties&ble.CharWrite != 0
	canWriteNR := char.Properties&ble.CharWriteNR != 0
	if !canWrite && !canWriteNR {
		return fmt.Errorf("characteristic %s does not support write operations", inspector.ShortUUID(char.UUID))
	}

	withResponse := canWrite && !(writeWithoutResponse && canWriteNR)
	if err := conn.WriteValue(data, char, withResponse, timeout); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	if !withResponse {
		// a round trip after the command guarantees the peripheral has applied it
		if _, err := conn.DiscoverServices(nil, timeout); err != nil {
			return err
		}
	}
	return nil
}
