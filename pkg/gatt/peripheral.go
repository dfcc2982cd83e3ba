package gatt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/pkg/transport"
)

// ConnectionInfo describes one accepted central.
type ConnectionInfo struct {
	ID      uint64
	Central Peer
}

// Peripheral advertises, accepts centrals and serves them from one Database.
type Peripheral struct {
	host   transport.PeripheralHost
	opts   PeripheralOptions
	logger *logrus.Logger

	db    *LockedDatabase
	hooks atomic.Pointer[Hooks]

	mu         sync.Mutex
	running    atomic.Bool
	stop       chan struct{}
	listener   transport.Listener
	acceptDone <-chan struct{}

	conns  *hashmap.Map[uint64, *ServerConnection]
	lastID atomic.Uint64
}

// NewPeripheral creates a stopped peripheral with an empty database.
func NewPeripheral(host transport.PeripheralHost, opts PeripheralOptions) *Peripheral {
	defaults.SetDefaults(&opts)
	p := &Peripheral{
		host:   host,
		opts:   opts,
		logger: loggerOrDiscard(opts.Logger),
		db:     NewLockedDatabase(),
		conns:  hashmap.New[uint64, *ServerConnection](),
	}
	p.hooks.Store(&Hooks{})
	return p
}

// SetHooks replaces the authorization hooks. Live connections pick them up
// on their next request.
func (p *Peripheral) SetHooks(h Hooks) {
	p.hooks.Store(&h)
}

// connectionHooks forwards to whatever hooks are current at call time.
func (p *Peripheral) connectionHooks() Hooks {
	return Hooks{
		WillRead: func(req ReadRequest) error {
			if h := p.hooks.Load(); h.WillRead != nil {
				return h.WillRead(req)
			}
			return nil
		},
		WillWrite: func(req WriteRequest) error {
			if h := p.hooks.Load(); h.WillWrite != nil {
				return h.WillWrite(req)
			}
			return nil
		},
		DidWrite: func(conf WriteConfirmation) {
			if h := p.hooks.Load(); h.DidWrite != nil {
				h.DidWrite(conf)
			}
		},
	}
}

// ----------------------------
// Lifecycle
// ----------------------------

// Start enables advertising, opens the listener and spawns the accept loop.
// Calling Start on a running peripheral is a no-op.
func (p *Peripheral) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}

	if err := p.host.SetAdvertisingData(p.opts.Advertising); err != nil {
		return &TransportError{Op: "advertise", Err: err}
	}
	if err := p.host.EnableAdvertising(); err != nil && !transport.IsAdvertisingState(err) {
		return &TransportError{Op: "advertise", Err: err}
	}

	l, err := p.host.Listen()
	if err != nil {
		_ = p.host.DisableAdvertising()
		return &TransportError{Op: "listen", Err: err}
	}

	p.listener = l
	p.stop = make(chan struct{})
	p.running.Store(true)
	p.acceptDone = groutine.GoDone(context.Background(), groutine.Name("gatt-peripheral", p.host.Addr(), "accept"), p.acceptLoop(l, p.stop))

	p.logger.WithFields(logrus.Fields{
		"addr": p.host.Addr(),
		"name": p.opts.Advertising.LocalName,
	}).Info("Peripheral started")
	return nil
}

// Stop closes the listener, waits for the accept loop, disables advertising
// and terminates every live connection. Idempotent.
func (p *Peripheral) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.stop)
	_ = p.listener.Close()
	<-p.acceptDone

	if err := p.host.DisableAdvertising(); err != nil && !transport.IsAdvertisingState(err) {
		p.logger.WithError(err).Warn("Failed to disable advertising")
	}

	p.conns.Range(func(id uint64, c *ServerConnection) bool {
		p.conns.Del(id)
		c.Stop()
		return true
	})

	p.logger.WithField("addr", p.host.Addr()).Info("Peripheral stopped")
}

// IsRunning reports whether the accept loop is active.
func (p *Peripheral) IsRunning() bool { return p.running.Load() }

// IsAdvertising reports the host advertising state.
func (p *Peripheral) IsAdvertising() bool { return p.host.IsAdvertising() }

func (p *Peripheral) acceptLoop(l transport.Listener, stop <-chan struct{}) func(context.Context) {
	return func(ctx context.Context) {
		for {
			ch, err := l.Accept()
			if err != nil {
				select {
				case <-stop:
					return
				default:
				}
				if errors.Is(err, transport.ErrClosed) {
					return
				}
				p.logger.WithError(err).Warn("Accept failed, retrying")
				select {
				case <-stop:
					return
				case <-time.After(p.opts.AcceptRetryDelay):
				}
				continue
			}
			p.register(ch, stop)
		}
	}
}

func (p *Peripheral) register(ch transport.Channel, stop <-chan struct{}) {
	conn := NewServerConnection(ch, p.db, ServerOptions{
		ID:        p.lastID.Add(1),
		MTU:       p.opts.MTU,
		QueueSize: p.opts.QueueSize,
		Logger:    p.logger,
		Hooks:     p.connectionHooks(),
		OnError:   p.connectionFailed,

		MaxPreparedWrites: p.opts.MaxPreparedWrites,
		IndicationTimeout: p.opts.IndicationTimeout,

		afterWrite: p.propagate,
	})
	p.conns.Set(conn.ID(), conn)

	select {
	case <-stop:
		// Stop raced with this accept
		p.conns.Del(conn.ID())
		conn.Stop()
		return
	default:
	}
	if conn.State() == StateStopped {
		// died before it was registered
		p.conns.Del(conn.ID())
		return
	}

	p.logger.WithFields(logrus.Fields{
		"central": conn.Central(),
		"conn_id": conn.ID(),
	}).Info("Central connected")
}

func (p *Peripheral) connectionFailed(c *ServerConnection, err error) {
	p.conns.Del(c.ID())

	if p.running.Load() {
		if aerr := p.host.EnableAdvertising(); aerr != nil && !transport.IsAdvertisingState(aerr) {
			p.logger.WithError(aerr).Warn("Failed to re-enable advertising")
		}
	}
	if p.opts.OnConnectionError != nil {
		p.opts.OnConnectionError(c.Central(), c.ID(), err)
	}
}

// propagate forwards a value a central wrote to every other subscribed central.
func (p *Peripheral) propagate(writer *ServerConnection, handle uint16, value []byte) {
	p.conns.Range(func(id uint64, c *ServerConnection) bool {
		if c != writer {
			c.NotifyValue(handle, value)
		}
		return true
	})
}

// Connections lists the live connections ordered by id.
func (p *Peripheral) Connections() []ConnectionInfo {
	infos := make([]ConnectionInfo, 0, p.conns.Len())
	p.conns.Range(func(id uint64, c *ServerConnection) bool {
		infos = append(infos, ConnectionInfo{ID: id, Central: c.Central()})
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Disconnect drops one connection. Returns false for unknown ids.
func (p *Peripheral) Disconnect(id uint64) bool {
	conn, ok := p.conns.Get(id)
	if !ok {
		return false
	}
	p.conns.Del(id)
	conn.Stop()
	return true
}

// ----------------------------
// Database
// ----------------------------

// ReadDatabase runs fn under the database read lock.
func (p *Peripheral) ReadDatabase(fn func(db *Database)) { p.db.ReadDatabase(fn) }

// WriteDatabase runs fn under the database write lock.
func (p *Peripheral) WriteDatabase(fn func(db *Database)) { p.db.WriteDatabase(fn) }

// AddService appends def and returns the service handle together with the
// value handles of its characteristics, in definition order.
func (p *Peripheral) AddService(def ServiceDefinition) (uint16, []uint16, error) {
	var (
		handle uint16
		values []uint16
		err    error
	)
	p.db.WriteDatabase(func(db *Database) {
		handle, err = db.Add(def)
		if err == nil {
			values = db.CharacteristicValueHandles(handle)
		}
	})
	if err != nil {
		return 0, nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"uuid":   def.UUID.String(),
		"handle": handle,
		"chars":  len(values),
	}).Debug("Service added")
	return handle, values, nil
}

// RemoveService deletes the service declared at handle. Subscriptions to its
// characteristics are dropped on every connection.
func (p *Peripheral) RemoveService(handle uint16) bool {
	var (
		removed bool
		values  []uint16
	)
	p.db.WriteDatabase(func(db *Database) {
		values = db.CharacteristicValueHandles(handle)
		removed = db.Remove(handle)
	})
	if removed && len(values) > 0 {
		p.conns.Range(func(_ uint64, c *ServerConnection) bool {
			c.clearConfig(values)
			return true
		})
	}
	return removed
}

// RemoveAllServices clears the database and every subscription.
func (p *Peripheral) RemoveAllServices() {
	p.db.WriteDatabase(func(db *Database) { db.RemoveAll() })
	p.conns.Range(func(_ uint64, c *ServerConnection) bool {
		c.clearConfig(nil)
		return true
	})
}

// Characteristics returns the value handles of every characteristic with the given UUID.
func (p *Peripheral) Characteristics(uuid ble.UUID) []uint16 {
	var handles []uint16
	p.db.ReadDatabase(func(db *Database) {
		handles = db.Lookup(func(a Attribute) bool {
			return a.Kind == CharacteristicValue && a.Type.Equal(uuid)
		})
	})
	return handles
}

// Value returns the stored value of handle.
func (p *Peripheral) Value(handle uint16) ([]byte, error) {
	var (
		value []byte
		ok    bool
	)
	p.db.ReadDatabase(func(db *Database) { value, ok = db.Read(handle) })
	if !ok {
		return nil, &AttributeError{Kind: "attribute", Handle: handle}
	}
	return value, nil
}

// SetValue stores value at handle and pushes it to every subscribed central.
func (p *Peripheral) SetValue(value []byte, handle uint16) error {
	var (
		a       Attribute
		written bool
	)
	p.db.WriteDatabase(func(db *Database) {
		if written = db.Write(handle, value); written {
			a, _ = db.Attribute(handle)
		}
	})
	if !written {
		return &AttributeError{Kind: "attribute", Handle: handle}
	}

	if a.Kind == CharacteristicValue {
		p.conns.Range(func(id uint64, c *ServerConnection) bool {
			c.NotifyValue(handle, value)
			return true
		})
	}
	return nil
}

// NotifyConnection pushes value to one connection without touching the database.
func (p *Peripheral) NotifyConnection(id uint64, handle uint16, value []byte) error {
	conn, ok := p.conns.Get(id)
	if !ok {
		return fmt.Errorf("connection %d: %w", id, ErrDisconnected)
	}
	var isValue bool
	p.db.ReadDatabase(func(db *Database) {
		a, ok := db.Attribute(handle)
		isValue = ok && a.Kind == CharacteristicValue
	})
	if !isValue {
		return &AttributeError{Kind: "characteristic", Handle: handle}
	}
	if !conn.NotifyValue(handle, value) {
		return fmt.Errorf("connection %d, handle 0x%04X: %w", id, handle, ErrNotSubscribed)
	}
	return nil
}
