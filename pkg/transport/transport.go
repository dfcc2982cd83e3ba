// Package transport declares what the GATT layer needs from the Bluetooth
// host stack: connection-oriented channels carrying ATT PDUs, an advertisement
// scanner, a dialer, a listener and advertising control.
//
// Implementations own pairing, security and controller state. The GATT layer
// only moves PDUs.
package transport

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
)

var (
	// ErrClosed is returned by channel and listener operations after Close.
	ErrClosed = errors.New("transport closed")

	// ErrUnreachable is returned by Dial when no connectable peer answers at the address.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrAdvertisingEnabled is returned when advertising is enabled twice.
	ErrAdvertisingEnabled = errors.New("advertising already enabled")

	// ErrAdvertisingDisabled is returned when advertising is disabled twice.
	ErrAdvertisingDisabled = errors.New("advertising already disabled")

	// ErrAlreadyListening is returned by Listen when a listener is open.
	ErrAlreadyListening = errors.New("already listening")
)

// Channel is one established link. Send and Receive carry whole PDUs.
//
// Receive blocks until a PDU arrives or the channel is closed. Send may be
// called concurrently with Receive, but not concurrently with itself.
type Channel interface {
	Send(pdu []byte) error
	Receive() ([]byte, error)
	Close() error
	LocalAddr() ble.Addr
	RemoteAddr() ble.Addr
}

// Advertisement is one advertising report seen while scanning.
type Advertisement struct {
	Addr             ble.Addr
	RSSI             int
	LocalName        string
	Services         []ble.UUID
	ManufacturerData []byte
	Connectable      bool
}

// AdvertisingData is what a peripheral puts on air.
type AdvertisingData struct {
	LocalName        string
	Services         []ble.UUID
	ManufacturerData []byte
}

// Dialer opens channels to peers.
type Dialer interface {
	Dial(ctx context.Context, addr ble.Addr) (Channel, error)
}

// Scanner reports advertisements until ctx is done.
// With allowDup false every peer is reported once per Scan call.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
}

// Listener accepts incoming channels.
type Listener interface {
	Accept() (Channel, error)
	Close() error
	Addr() ble.Addr
}

// Advertiser controls the local advertising state.
type Advertiser interface {
	SetAdvertisingData(data AdvertisingData) error
	EnableAdvertising() error
	DisableAdvertising() error
	IsAdvertising() bool
}

// CentralHost is the host stack as seen by the central role.
type CentralHost interface {
	Dialer
	Scanner
}

// PeripheralHost is the host stack as seen by the peripheral role.
type PeripheralHost interface {
	Advertiser
	Listen() (Listener, error)
	Addr() ble.Addr
}

// IsAdvertisingState reports whether err only says advertising already is in the requested state.
func IsAdvertisingState(err error) bool {
	return errors.Is(err, ErrAdvertisingEnabled) || errors.Is(err, ErrAdvertisingDisabled)
}
