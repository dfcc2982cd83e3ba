package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/ringchan"
	"github.com/srg/gattlink/pkg/gatt"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the peripheral was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Result gatt.ScanResult
}

// Scanner runs filtered discovery sessions on top of a gatt.Central.
// Scan must not be called concurrently on the same Scanner.
type Scanner struct {
	central *gatt.Central
	devices *hashmap.Map[gatt.Peer, gatt.ScanResult]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []ble.UUID
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        2 * time.Second,
		DuplicateFilter: true,
	}
}

// NewScanner creates a scanner driving central
func NewScanner(central *gatt.Central, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		central: central,
		devices: hashmap.New[gatt.Peer, gatt.ScanResult](),
		events:  ringchan.New[DeviceEvent](100),
		logger:  logger,
	}
}

// Scan discovers peripherals for opts.Duration or until ctx is done and
// returns the ones passing the filters, sorted by address. When ctx is
// cancelled the partial results come back together with ctx.Err().
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]gatt.ScanResult, error) {
	s.devices = hashmap.New[gatt.Peer, gatt.ScanResult]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting scan...")
	progressCallback("Scanning")

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	err := s.central.ScanContext(scanCtx, opts.DuplicateFilter, func(r gatt.ScanResult) {
		s.handleResult(r, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Scan completed")
	progressCallback("Processing results")

	results := make([]gatt.ScanResult, 0, s.devices.Len())
	s.devices.Range(func(_ gatt.Peer, r gatt.ScanResult) bool {
		results = append(results, r)
		return true
	})
	sort.Slice(results, func(i, j int) bool { return results[i].Peer < results[j].Peer })

	return results, ctx.Err()
}

// handleResult records a report that passes the filters and emits an event
func (s *Scanner) handleResult(r gatt.ScanResult, opts *ScanOptions) {
	if !shouldInclude(r, opts) {
		return
	}

	_, existing := s.devices.Get(r.Peer)
	s.devices.Set(r.Peer, r)

	event := DeviceEvent{Type: EventNew, Result: r}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"name":    r.Advertisement.LocalName,
			"address": r.Peer,
			"rssi":    r.RSSI,
		}).Info("Discovered new peripheral")
	}

	s.events.Send(event)
}

// shouldInclude applies the allow, block and service filters
func shouldInclude(r gatt.ScanResult, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(string(r.Peer), blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(string(r.Peer), a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) == 0 {
		return true
	}
	for _, required := range opts.ServiceUUIDs {
		for _, advertised := range r.Advertisement.Services {
			if required.Equal(advertised) {
				return true
			}
		}
	}
	return false
}

// Events returns a read-only channel of discovery events. Slow readers lose
// the oldest events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
