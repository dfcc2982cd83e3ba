package gatt

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
)

// PeerState is the kind of peer bookkeeping failure.
type PeerState string

const (
	UnknownPeripheral PeerState = "unknown_peripheral"
	Disconnected      PeerState = "disconnected"
)

// PeerError reports an operation on a peer the manager has no record of.
type PeerError struct {
	State PeerState
	Peer  Peer
}

func (e *PeerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var msg string
	switch e.State {
	case UnknownPeripheral:
		msg = "unknown peripheral"
	case Disconnected:
		msg = "peripheral is disconnected"
	default:
		msg = string(e.State)
	}
	if e.Peer == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, e.Peer)
}

// Is compares PeerError values by State.
func (e *PeerError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*PeerError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrUnknownPeripheral = &PeerError{State: UnknownPeripheral}
	ErrDisconnected      = &PeerError{State: Disconnected}
)

var (
	// ErrUnknownAttribute matches every *AttributeError.
	ErrUnknownAttribute = errors.New("unknown attribute")

	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("the operation timed out")

	// ErrRequestInFlight is returned when a new request is attempted while a
	// previous, timed-out request has not been answered yet.
	ErrRequestInFlight = errors.New("previous request is still awaiting its response")

	// ErrForeignAttribute is returned when a handle of one peer is used on another peer's connection.
	ErrForeignAttribute = errors.New("attribute belongs to another peer")

	// ErrNotifyUnsupported is returned when a characteristic supports neither notify nor indicate.
	ErrNotifyUnsupported = errors.New("characteristic supports neither notifications nor indications")

	// ErrNotSubscribed is returned when a central has not enabled updates for a characteristic.
	ErrNotSubscribed = errors.New("central is not subscribed")

	// ErrNoConfigDescriptor is returned when a characteristic has no Client Characteristic Configuration descriptor.
	ErrNoConfigDescriptor = errors.New("client characteristic configuration descriptor not found")

	// ErrNotRunning is returned by operations on a stopped connection. It matches ErrDisconnected.
	ErrNotRunning = fmt.Errorf("connection is not running: %w", ErrDisconnected)
)

// AttributeError reports a handle absent from the cache or database,
// typically a stale handle kept across rediscovery.
type AttributeError struct {
	Kind   string // "service", "characteristic", "descriptor", "attribute"
	Handle uint16
	UUID   ble.UUID
}

func (e *AttributeError) Error() string {
	if e.UUID == nil {
		return fmt.Sprintf("invalid %s 0x%04X", e.Kind, e.Handle)
	}
	return fmt.Sprintf("invalid %s 0x%04X (%s)", e.Kind, e.Handle, e.UUID)
}

func (e *AttributeError) Is(target error) bool {
	return target == ErrUnknownAttribute
}

// TransportError wraps an I/O failure of the underlying channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError carries an ATT error code returned by the peer.
//
// errors.Is(err, ble.ErrReadNotPerm) matches the code, errors.Is(err, &ProtocolError{})
// matches any protocol error and errors.Is(err, &ProtocolError{Code: c}) matches code c.
type ProtocolError struct {
	Opcode uint8 // request that failed
	Handle uint16
	Code   ble.ATTError
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("att request 0x%02X on handle 0x%04X failed: %v", e.Opcode, e.Handle, e.Code)
}

func (e *ProtocolError) Unwrap() error {
	return e.Code
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// UnexpectedResponseError reports a response whose opcode does not answer the pending request.
type UnexpectedResponseError struct {
	Request  uint8
	Response uint8
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response 0x%02X to request 0x%02X", e.Response, e.Request)
}

func (e *UnexpectedResponseError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == 0
}

// IsPeerState reports whether err is a PeerError with the given state.
func IsPeerState(err error, state PeerState) bool {
	var perr *PeerError
	if errors.As(err, &perr) {
		return perr.State == state
	}
	return false
}
