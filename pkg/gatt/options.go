package gatt

import (
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/pkg/transport"
)

// ClientOptions configures a ClientConnection.
type ClientOptions struct {
	ID        uint64
	MTU       int    `default:"515"` // proposed by ExchangeMTU
	QueueSize uint32 `default:"64"`
	Logger    *logrus.Logger

	// OnError is called once from the connection's loop when it dies on an I/O error.
	OnError func(c *ClientConnection, err error)
}

// DefaultClientOptions returns ClientOptions populated from the struct tags.
func DefaultClientOptions() ClientOptions {
	var opts ClientOptions
	defaults.SetDefaults(&opts)
	return opts
}

// CentralOptions configures a Central.
type CentralOptions struct {
	MTU        int    `default:"515"`
	QueueSize  uint32 `default:"64"`
	ScanBuffer int    `default:"32"`
	Logger     *logrus.Logger

	// SkipMTUExchange keeps the default MTU instead of negotiating on Connect.
	SkipMTUExchange bool

	// OnConnectionError is called when a connection dies on an I/O error,
	// after it has been removed from the registry.
	OnConnectionError func(peer Peer, err error)
}

// DefaultCentralOptions returns CentralOptions populated from the struct tags.
func DefaultCentralOptions() CentralOptions {
	var opts CentralOptions
	defaults.SetDefaults(&opts)
	return opts
}

// ServerOptions configures a ServerConnection.
type ServerOptions struct {
	ID        uint64
	MTU       int    `default:"515"`
	QueueSize uint32 `default:"64"`
	Logger    *logrus.Logger

	// MaxPreparedWrites bounds the Prepare Write queue of a connection.
	MaxPreparedWrites int `default:"50"`

	// IndicationTimeout is how long a Handle Value Confirmation may take
	// before the connection is failed.
	IndicationTimeout time.Duration `default:"30s"`

	Hooks Hooks

	// OnError is called once from the connection's loop when it dies on an I/O error.
	OnError func(c *ServerConnection, err error)

	afterWrite func(c *ServerConnection, handle uint16, value []byte)
}

// DefaultServerOptions returns ServerOptions populated from the struct tags.
func DefaultServerOptions() ServerOptions {
	var opts ServerOptions
	defaults.SetDefaults(&opts)
	return opts
}

// PeripheralOptions configures a Peripheral.
type PeripheralOptions struct {
	MTU       int    `default:"515"`
	QueueSize uint32 `default:"64"`

	// AcceptRetryDelay spaces out retries when Accept fails transiently.
	AcceptRetryDelay time.Duration `default:"50ms"`

	MaxPreparedWrites int           `default:"50"`
	IndicationTimeout time.Duration `default:"30s"`

	Advertising transport.AdvertisingData
	Logger      *logrus.Logger

	// OnConnectionError is called when a server connection dies on an I/O error,
	// after it has been removed from the registry.
	OnConnectionError func(central Peer, id uint64, err error)
}

// DefaultPeripheralOptions returns PeripheralOptions populated from the struct tags.
func DefaultPeripheralOptions() PeripheralOptions {
	var opts PeripheralOptions
	defaults.SetDefaults(&opts)
	return opts
}

func loggerOrDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}
