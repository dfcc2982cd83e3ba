// Package loopback is an in-memory radio: hosts created on the same Fabric
// can scan each other's advertisements, dial each other and exchange PDUs over
// framed byte pipes. It implements every contract in package transport.
package loopback

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/pkg/transport"
)

// Options tunes a Fabric.
type Options struct {
	PipeCapacity int           `default:"65536"`
	ScanInterval time.Duration `default:"5ms"`
	RSSI         int           `default:"-42"`

	// DisableAdvertisingOnConnect mimics controllers that stop advertising once a central connects.
	DisableAdvertisingOnConnect bool `default:"false"`
}

// DefaultOptions returns Options populated from the struct tags.
func DefaultOptions() Options {
	var opts Options
	defaults.SetDefaults(&opts)
	return opts
}

// Fabric is the shared medium hosts attach to.
type Fabric struct {
	opts   Options
	logger *logrus.Logger

	hosts  *hashmap.Map[string, *Host]
	links  *hashmap.Map[uint64, *endpoint]
	linkID atomic.Uint64
}

// NewFabric creates an empty medium. A nil logger discards output.
func NewFabric(opts Options, logger *logrus.Logger) *Fabric {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Fabric{
		opts:   opts,
		logger: logger,
		hosts:  hashmap.New[string, *Host](),
		links:  hashmap.New[uint64, *endpoint](),
	}
}

// NewHost attaches a host with the given address.
func (f *Fabric) NewHost(address string) (*Host, error) {
	addr := ble.NewAddr(address)
	h := &Host{fabric: f, addr: addr}
	if !f.hosts.Insert(key(addr), h) {
		return nil, fmt.Errorf("host %s already attached", addr)
	}
	f.logger.WithField("addr", addr.String()).Debug("Loopback host attached")
	return h, nil
}

// Sever closes every link between the two addresses, as if the radio link dropped.
// Returns the number of endpoints closed, two per link.
func (f *Fabric) Sever(a, b string) int {
	ka, kb := key(ble.NewAddr(a)), key(ble.NewAddr(b))

	var victims []*endpoint
	f.links.Range(func(_ uint64, ep *endpoint) bool {
		l, r := key(ep.local), key(ep.remote)
		if (l == ka && r == kb) || (l == kb && r == ka) {
			victims = append(victims, ep)
		}
		return true
	})

	for _, ep := range victims {
		_ = ep.Close()
	}
	return len(victims)
}

// LinkCount returns the number of open channel endpoints, two per link.
func (f *Fabric) LinkCount() int {
	return f.links.Len()
}

func key(addr ble.Addr) string {
	return strings.ToLower(addr.String())
}

// ----------------------------
// Host
// ----------------------------

// Host is one radio on the fabric. It can play both roles.
type Host struct {
	fabric *Fabric
	addr   ble.Addr

	mu          sync.Mutex
	advertising bool
	advData     transport.AdvertisingData
	listener    *listener
}

// Addr returns the host address.
func (h *Host) Addr() ble.Addr {
	return h.addr
}

// SetAdvertisingData replaces the advertised payload.
func (h *Host) SetAdvertisingData(data transport.AdvertisingData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advData = data
	return nil
}

// EnableAdvertising starts advertising. Fails with transport.ErrAdvertisingEnabled when already on.
func (h *Host) EnableAdvertising() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.advertising {
		return transport.ErrAdvertisingEnabled
	}
	h.advertising = true
	return nil
}

// DisableAdvertising stops advertising. Fails with transport.ErrAdvertisingDisabled when already off.
func (h *Host) DisableAdvertising() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.advertising {
		return transport.ErrAdvertisingDisabled
	}
	h.advertising = false
	return nil
}

// IsAdvertising reports the advertising state.
func (h *Host) IsAdvertising() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advertising
}

func (h *Host) advertisement() (transport.Advertisement, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.advertising {
		return transport.Advertisement{}, false
	}
	return transport.Advertisement{
		Addr:             h.addr,
		RSSI:             h.fabric.opts.RSSI,
		LocalName:        h.advData.LocalName,
		Services:         append([]ble.UUID(nil), h.advData.Services...),
		ManufacturerData: append([]byte(nil), h.advData.ManufacturerData...),
		Connectable:      h.listener != nil,
	}, true
}

// Scan reports advertising hosts until ctx is done.
func (h *Host) Scan(ctx context.Context, allowDup bool, fn func(transport.Advertisement)) error {
	seen := make(map[string]struct{})
	ticker := time.NewTicker(h.fabric.opts.ScanInterval)
	defer ticker.Stop()

	for {
		h.fabric.hosts.Range(func(k string, peer *Host) bool {
			if peer == h {
				return true
			}
			adv, ok := peer.advertisement()
			if !ok {
				return true
			}
			if !allowDup {
				if _, dup := seen[k]; dup {
					return true
				}
				seen[k] = struct{}{}
			}
			fn(adv)
			return true
		})

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Listen opens the host's only listener.
func (h *Host) Listen() (transport.Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return nil, transport.ErrAlreadyListening
	}
	h.listener = &listener{
		host:     h,
		incoming: make(chan transport.Channel),
		closed:   make(chan struct{}),
	}
	return h.listener, nil
}

func (h *Host) acceptor() *listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.advertising {
		return nil
	}
	return h.listener
}

// Dial connects to an advertising, listening host.
func (h *Host) Dial(ctx context.Context, addr ble.Addr) (transport.Channel, error) {
	peer, ok := h.fabric.hosts.Get(key(addr))
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, addr)
	}
	l := peer.acceptor()
	if l == nil {
		return nil, fmt.Errorf("%w: %s is not connectable", transport.ErrUnreachable, addr)
	}

	local, remote := h.fabric.link(h.addr, peer.addr)

	select {
	case l.incoming <- remote:
	case <-l.closed:
		_ = local.Close()
		return nil, fmt.Errorf("%w: %s stopped listening", transport.ErrUnreachable, addr)
	case <-ctx.Done():
		_ = local.Close()
		return nil, ctx.Err()
	}

	if h.fabric.opts.DisableAdvertisingOnConnect {
		_ = peer.DisableAdvertising()
	}

	h.fabric.logger.WithFields(logrus.Fields{
		"local":  h.addr.String(),
		"remote": peer.addr.String(),
	}).Debug("Loopback link established")
	return local, nil
}

// ----------------------------
// Listener
// ----------------------------

type listener struct {
	host     *Host
	incoming chan transport.Channel
	closed   chan struct{}
	once     sync.Once
}

func (l *listener) Accept() (transport.Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.host.mu.Lock()
		if l.host.listener == l {
			l.host.listener = nil
		}
		l.host.mu.Unlock()
	})
	return nil
}

func (l *listener) Addr() ble.Addr {
	return l.host.addr
}

// ----------------------------
// Channel endpoints
// ----------------------------

type endpoint struct {
	fabric *Fabric
	id     uint64
	local  ble.Addr
	remote ble.Addr
	in     *pipe
	out    *pipe
	peer   *endpoint
	once   sync.Once
}

func (f *Fabric) link(a, b ble.Addr) (*endpoint, *endpoint) {
	ab := newPipe(f.opts.PipeCapacity)
	ba := newPipe(f.opts.PipeCapacity)

	ea := &endpoint{fabric: f, id: f.linkID.Add(1), local: a, remote: b, in: ba, out: ab}
	eb := &endpoint{fabric: f, id: f.linkID.Add(1), local: b, remote: a, in: ab, out: ba}
	ea.peer, eb.peer = eb, ea
	f.links.Set(ea.id, ea)
	f.links.Set(eb.id, eb)
	return ea, eb
}

func (e *endpoint) Send(pdu []byte) error {
	return e.out.write(pdu)
}

func (e *endpoint) Receive() ([]byte, error) {
	return e.in.read()
}

// Close tears down both directions, so the remote side sees transport.ErrClosed too.
func (e *endpoint) Close() error {
	e.once.Do(func() {
		e.in.close()
		e.out.close()
		e.fabric.links.Del(e.id)
		e.fabric.links.Del(e.peer.id)
	})
	return nil
}

func (e *endpoint) LocalAddr() ble.Addr  { return e.local }
func (e *endpoint) RemoteAddr() ble.Addr { return e.remote }
