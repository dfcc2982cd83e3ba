package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/ringchan"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/pkg/gatt"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <uuid>",
	Short: "Subscribe to characteristic notifications",
	Long: `Subscribes to a characteristic of a simulated peripheral and prints every
value pushed to the central. The peripheral side updates the value at --rate,
incrementing its last byte, so notifications (or indications) flow on their own.

Examples:
  # Print 5 Heart Rate Measurement notifications as hex
  gattsim subscribe -p heart-rate.yaml 2a37 --count 5 --hex

  # Stream until Ctrl+C
  gattsim subscribe -p heart-rate.yaml 2a37 --rate 250ms`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeAddress     string
	subscribeHex         bool
	subscribeRate        time.Duration
	subscribeCount       int
	subscribeDuration    time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	subscribeCmd.Flags().StringVar(&subscribeAddress, "address", "", "Peripheral address (default: first profile)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", time.Second, "Interval between simulated value updates")
	subscribeCmd.Flags().IntVar(&subscribeCount, "count", 0, "Stop after this many updates (0 for no limit)")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long (0 for no limit)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	charUUID := args[0]
	if subscribeRate <= 0 {
		return fmt.Errorf("invalid rate %v: must be positive", subscribeRate)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	sim, err := newSimulationFromFlags(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	target, err := sim.target(subscribeAddress)
	if err != nil {
		return err
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Subscribing to %s on %s", charUUID, target.peer), "Processing results", "Failed")
	defer progress.Stop()

	_, err = inspector.InspectPeripheral(ctx, sim.central, target.peer, sim.inspectOptions(), logger, progress.Callback(),
		func(conn *gatt.ClientConnection) (int, error) {
			char, err := resolveCharacteristic(conn, charUUID, subscribeServiceUUID, cfg.RequestTimeout)
			if err != nil {
				return 0, err
			}

			updates := ringchan.New[[]byte](64)
			defer updates.Close()
			if err := conn.Notify(func(value []byte) {
				updates.Send(append([]byte(nil), value...))
			}, char, cfg.RequestTimeout); err != nil {
				return 0, fmt.Errorf("failed to subscribe: %w", err)
			}

			feedCtx, cancelFeed := context.WithCancel(ctx)
			defer cancelFeed()
			groutine.Go(feedCtx, groutine.Name("gattsim-feeder", target.peer, ""), feedValues(target.peripheral, char.Handle+1, subscribeRate, logger))

			return streamUpdates(ctx, cmd.OutOrStdout(), conn, updates, subscribeCount, subscribeHex)
		})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// feedValues bumps the peripheral value at every tick, which pushes it to subscribers.
func feedValues(p *gatt.Peripheral, valueHandle uint16, rate time.Duration, logger *logrus.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(rate)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				value, err := p.Value(valueHandle)
				if err != nil {
					logger.WithError(err).Warn("Simulated value unavailable")
					return
				}
				if err := p.SetValue(nextValue(value), valueHandle); err != nil {
					logger.WithError(err).Warn("Failed to update simulated value")
					return
				}
			}
		}
	}
}

// nextValue increments the last byte of v, wrapping at 0xFF. An empty value becomes {0x01}.
func nextValue(v []byte) []byte {
	if len(v) == 0 {
		return []byte{0x01}
	}
	next := append([]byte(nil), v...)
	next[len(next)-1]++
	return next
}

// streamUpdates prints received values until count is reached, ctx is done or the link drops.
func streamUpdates(ctx context.Context, w io.Writer, conn *gatt.ClientConnection, updates *ringchan.RingChannel[[]byte], count int, asHex bool) (int, error) {
	received := 0
	for count == 0 || received < count {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case <-conn.Done():
			return received, ErrConnectionLost
		case value := <-updates.C():
			received++
			if err := outputData(w, value, asHex); err != nil {
				return received, err
			}
			if !asHex {
				fmt.Fprintln(w)
			}
		}
	}
	return received, nil
}
