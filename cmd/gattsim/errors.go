package main

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/pkg/gatt"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still using it.
	ErrConnectionLost = errors.New("connection lost")

	ErrNoProfile              = errors.New("no profile given, use --profile")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrAmbiguousUUID          = errors.New("characteristic UUID is ambiguous")
)

// FormatUserError turns library errors into one-line messages for the terminal.
func FormatUserError(err error) string {
	var perr *gatt.ProtocolError
	switch {
	case errors.As(err, &perr):
		return fmt.Sprintf("peripheral rejected the request: %s", describeATTError(perr.Code))
	case errors.Is(err, gatt.ErrTimeout), errors.Is(err, gatt.ErrRequestInFlight):
		return "peripheral did not answer in time (try a larger --timeout)"
	case errors.Is(err, inspector.ErrPeripheralNotFound):
		return err.Error() + " (check the profile address)"
	case errors.Is(err, ErrAmbiguousUUID):
		return err.Error() + " (use --service to pick one)"
	case errors.Is(err, gatt.ErrDisconnected), errors.Is(err, ErrConnectionLost):
		return "connection lost"
	default:
		return err.Error()
	}
}

func describeATTError(code ble.ATTError) string {
	switch code {
	case ble.ErrReadNotPerm:
		return "read not permitted"
	case ble.ErrWriteNotPerm:
		return "write not permitted"
	case ble.ErrInvalidHandle:
		return "invalid handle"
	case ble.ErrInvalAttrValueLen:
		return "invalid attribute value length"
	case ble.ErrAttrNotFound:
		return "attribute not found"
	default:
		return code.Error()
	}
}
