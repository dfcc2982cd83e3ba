package gatt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/ringchan"
	"github.com/srg/gattlink/pkg/transport"
)

// ScanResult is the last advertisement seen from a peer.
type ScanResult struct {
	Peer          Peer
	RSSI          int
	Advertisement transport.Advertisement
	SeenAt        time.Time
}

// Central scans for peripherals and keeps one ClientConnection per connected peer.
type Central struct {
	host   transport.CentralHost
	opts   CentralOptions
	logger *logrus.Logger

	scans  *hashmap.Map[Peer, ScanResult]
	lastID atomic.Uint64

	// connMu serializes registry updates; lookups read conns without it.
	connMu sync.Mutex
	conns  *hashmap.Map[Peer, *ClientConnection]
}

// NewCentral creates a central on top of host.
func NewCentral(host transport.CentralHost, opts CentralOptions) *Central {
	defaults.SetDefaults(&opts)
	return &Central{
		host:   host,
		opts:   opts,
		logger: loggerOrDiscard(opts.Logger),
		scans:  hashmap.New[Peer, ScanResult](),
		conns:  hashmap.New[Peer, *ClientConnection](),
	}
}

// ----------------------------
// Scanning
// ----------------------------

// Scan reports advertisements to onFound until shouldContinue returns false.
// shouldContinue is polled between results and at least every few milliseconds.
func (m *Central) Scan(filterDuplicates bool, shouldContinue func() bool, onFound func(ScanResult)) error {
	return m.scan(context.Background(), filterDuplicates, shouldContinue, onFound)
}

// ScanContext reports advertisements to onFound until ctx is done.
func (m *Central) ScanContext(ctx context.Context, filterDuplicates bool, onFound func(ScanResult)) error {
	return m.scan(ctx, filterDuplicates, func() bool { return ctx.Err() == nil }, onFound)
}

func (m *Central) scan(parent context.Context, filterDuplicates bool, shouldContinue func() bool, onFound func(ScanResult)) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	events := ringchan.New[transport.Advertisement](m.opts.ScanBuffer)
	var scanErr error
	done := groutine.GoDone(ctx, "gatt-central-scan", func(ctx context.Context) {
		defer events.Close()
		scanErr = m.host.Scan(ctx, !filterDuplicates, func(adv transport.Advertisement) {
			events.Send(adv)
		})
	})

	m.logger.WithField("filter_duplicates", filterDuplicates).Info("Scan started")

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

loop:
	for shouldContinue() {
		select {
		case adv, ok := <-events.C():
			if !ok {
				break loop
			}
			result := m.record(adv)
			if onFound != nil {
				onFound(result)
			}
		case <-poll.C:
		}
	}

	cancel()
	<-done

	stats := events.Stats()
	m.logger.WithFields(logrus.Fields{
		"reports":     stats.Sent,
		"overwritten": stats.Overwritten,
	}).Info("Scan stopped")

	if scanErr != nil {
		return &TransportError{Op: "scan", Err: scanErr}
	}
	return nil
}

func (m *Central) record(adv transport.Advertisement) ScanResult {
	result := ScanResult{
		Peer:          PeerOf(adv.Addr),
		RSSI:          adv.RSSI,
		Advertisement: adv,
		SeenAt:        time.Now(),
	}
	m.scans.Set(result.Peer, result)

	m.logger.WithFields(logrus.Fields{
		"peer": result.Peer,
		"rssi": result.RSSI,
		"name": adv.LocalName,
	}).Debug("Advertisement")
	return result
}

// ScanResults returns the last advertisement of every peer seen so far, sorted by peer.
func (m *Central) ScanResults() []ScanResult {
	results := make([]ScanResult, 0, m.scans.Len())
	m.scans.Range(func(_ Peer, r ScanResult) bool {
		results = append(results, r)
		return true
	})
	sort.Slice(results, func(i, j int) bool { return results[i].Peer < results[j].Peer })
	return results
}

// ----------------------------
// Connection registry
// ----------------------------

// Connect opens a channel to a previously scanned peer. An existing
// connection to the same peer is replaced without draining.
func (m *Central) Connect(peer Peer, timeout time.Duration) error {
	if _, ok := m.scans.Get(peer); !ok {
		return &PeerError{State: UnknownPeripheral, Peer: peer}
	}
	deadline := time.Now().Add(timeout)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	ch, err := WaitContext(ctx, func(complete func(transport.Channel, error)) {
		groutine.Go(ctx, groutine.Name("gatt-central-dial", peer, ""), func(ctx context.Context) {
			ch, err := m.host.Dial(ctx, peer.Addr())
			if err == nil && ctx.Err() != nil {
				// nobody is waiting for this link anymore
				_ = ch.Close()
				err = ctx.Err()
			}
			complete(ch, err)
		})
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			return ErrTimeout
		}
		return &TransportError{Op: "dial", Err: err}
	}

	conn := NewClientConnection(ch, ClientOptions{
		ID:        m.lastID.Add(1),
		MTU:       m.opts.MTU,
		QueueSize: m.opts.QueueSize,
		Logger:    m.logger,
		OnError:   m.connectionFailed,
	})

	if !m.opts.SkipMTUExchange {
		if _, err := conn.ExchangeMTU(time.Until(deadline)); err != nil {
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				conn.Stop()
				return err
			}
			m.logger.WithFields(logrus.Fields{"peer": peer, "error": err}).Warn("MTU exchange rejected, keeping default")
		}
	}

	if old, ok := m.swap(peer, conn); ok {
		old.Stop()
	}

	m.logger.WithFields(logrus.Fields{
		"peer":    peer,
		"conn_id": conn.ID(),
		"mtu":     conn.MTU(),
	}).Info("Connected")
	return nil
}

// swap registers conn and returns the connection it replaced.
func (m *Central) swap(peer Peer, conn *ClientConnection) (*ClientConnection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	old, ok := m.conns.Get(peer)
	m.conns.Set(peer, conn)
	return old, ok
}

// forget unregisters peer if conn is still its connection, or any
// connection when conn is nil.
func (m *Central) forget(peer Peer, conn *ClientConnection) (*ClientConnection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	cur, ok := m.conns.Get(peer)
	if !ok || (conn != nil && cur != conn) {
		return nil, false
	}
	m.conns.Del(peer)
	return cur, true
}

func (m *Central) connectionFailed(c *ClientConnection, err error) {
	m.forget(c.Peer(), c)
	if m.opts.OnConnectionError != nil {
		m.opts.OnConnectionError(c.Peer(), err)
	}
}

// Disconnect stops and forgets the connection to peer. Unknown peers are ignored.
func (m *Central) Disconnect(peer Peer) {
	if conn, ok := m.forget(peer, nil); ok {
		conn.Stop()
	}
}

// DisconnectAll stops every connection.
func (m *Central) DisconnectAll() {
	for _, peer := range m.Connections() {
		m.Disconnect(peer)
	}
}

// Connections returns the connected peers, sorted.
func (m *Central) Connections() []Peer {
	peers := make([]Peer, 0, m.conns.Len())
	m.conns.Range(func(p Peer, _ *ClientConnection) bool {
		peers = append(peers, p)
		return true
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// IsConnected reports whether peer has a registered connection.
func (m *Central) IsConnected(peer Peer) bool {
	_, ok := m.conns.Get(peer)
	return ok
}

// Connection returns the registered connection of peer.
func (m *Central) Connection(peer Peer) (*ClientConnection, error) {
	if _, ok := m.scans.Get(peer); !ok {
		return nil, &PeerError{State: UnknownPeripheral, Peer: peer}
	}
	conn, ok := m.conns.Get(peer)
	if !ok {
		return nil, &PeerError{State: Disconnected, Peer: peer}
	}
	return conn, nil
}

// ----------------------------
// Delegated operations
// ----------------------------

// DiscoverServices discovers the primary services of peer.
func (m *Central) DiscoverServices(uuids []ble.UUID, peer Peer, timeout time.Duration) ([]Service, error) {
	conn, err := m.Connection(peer)
	if err != nil {
		return nil, err
	}
	return conn.DiscoverServices(uuids, timeout)
}

// DiscoverCharacteristics discovers the characteristics of service.
func (m *Central) DiscoverCharacteristics(uuids []ble.UUID, service Service, timeout time.Duration) ([]Characteristic, error) {
	conn, err := m.Connection(service.Peer)
	if err != nil {
		return nil, err
	}
	return conn.DiscoverCharacteristics(uuids, service, timeout)
}

// DiscoverDescriptors discovers the descriptors of characteristic.
func (m *Central) DiscoverDescriptors(characteristic Characteristic, timeout time.Duration) ([]Descriptor, error) {
	conn, err := m.Connection(characteristic.Peer)
	if err != nil {
		return nil, err
	}
	return conn.DiscoverDescriptors(characteristic, timeout)
}

// ReadValue reads characteristic.
func (m *Central) ReadValue(characteristic Characteristic, timeout time.Duration) ([]byte, error) {
	conn, err := m.Connection(characteristic.Peer)
	if err != nil {
		return nil, err
	}
	return conn.ReadValue(characteristic, timeout)
}

// WriteValue writes characteristic.
func (m *Central) WriteValue(data []byte, characteristic Characteristic, withResponse bool, timeout time.Duration) error {
	conn, err := m.Connection(characteristic.Peer)
	if err != nil {
		return err
	}
	return conn.WriteValue(data, characteristic, withResponse, timeout)
}

// ReadDescriptor reads descriptor.
func (m *Central) ReadDescriptor(descriptor Descriptor, timeout time.Duration) ([]byte, error) {
	conn, err := m.Connection(descriptor.Peer)
	if err != nil {
		return nil, err
	}
	return conn.ReadDescriptor(descriptor, timeout)
}

// WriteDescriptor writes descriptor.
func (m *Central) WriteDescriptor(data []byte, descriptor Descriptor, timeout time.Duration) error {
	conn, err := m.Connection(descriptor.Peer)
	if err != nil {
		return err
	}
	return conn.WriteDescriptor(data, descriptor, timeout)
}

// Notify subscribes to, or with a nil handler unsubscribes from, characteristic updates.
func (m *Central) Notify(handler NotificationHandler, characteristic Characteristic, timeout time.Duration) error {
	conn, err := m.Connection(characteristic.Peer)
	if err != nil {
		return err
	}
	return conn.Notify(handler, characteristic, timeout)
}

// MaximumTransmissionUnit returns the negotiated MTU with peer.
func (m *Central) MaximumTransmissionUnit(peer Peer) (int, error) {
	conn, err := m.Connection(peer)
	if err != nil {
		return 0, err
	}
	return conn.MTU(), nil
}
