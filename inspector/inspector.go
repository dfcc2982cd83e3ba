package inspector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/pkg/gatt"
)

// ErrPeripheralNotFound is returned when the scan ends without seeing the target.
var ErrPeripheralNotFound = errors.New("peripheral not found")

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a peripheral
type InspectOptions struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// InspectCallback processes a connected peripheral and produces output of type R
type InspectCallback[R any] func(conn *gatt.ClientConnection) (R, error)

// InspectPeripheral scans for peer, connects to it and runs callback with the
// connection. The connection is closed after callback returns.
func InspectPeripheral[R any](ctx context.Context, central *gatt.Central, peer gatt.Peer, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &InspectOptions{ScanTimeout: 2 * time.Second, ConnectTimeout: 5 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	progressCallback("Scanning")
	if err := findPeripheral(ctx, central, peer, opts.ScanTimeout); err != nil {
		progressCallback("Failed")
		return zero, err
	}

	progressCallback("Connecting")
	if err := central.Connect(peer, opts.ConnectTimeout); err != nil {
		progressCallback("Failed")
		return zero, err
	}
	defer central.Disconnect(peer)

	conn, err := central.Connection(peer)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}

	logger.WithFields(logrus.Fields{
		"peer": peer,
		"mtu":  conn.MTU(),
	}).Debug("Peripheral connected")

	progressCallback("Processing results")
	return callback(conn)
}

func findPeripheral(ctx context.Context, central *gatt.Central, peer gatt.Peer, timeout time.Duration) error {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := false
	err := central.Scan(true, func() bool { return !found && scanCtx.Err() == nil }, func(r gatt.ScanResult) {
		if r.Peer == peer {
			found = true
		}
	})
	if err != nil {
		return err
	}
	if !found {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrPeripheralNotFound, peer)
	}
	return nil
}
