package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/att"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/pkg/transport"
)

// ConnectionState is the lifecycle state of a client or server connection.
type ConnectionState int32

const (
	StateStarting ConnectionState = iota
	StateRunning
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// ErrValueTooLong is returned when a value exceeds MaxAttributeValueLength,
// or does not fit a single Write Command.
var ErrValueTooLong = errors.New("value too long")

// ErrWriteMismatch is returned when the peer echoes a prepared part altered.
var ErrWriteMismatch = errors.New("prepared write echoed altered")

// subscriber is a notification handler bound to the characteristic it was registered for.
type subscriber struct {
	uuid    ble.UUID
	handler NotificationHandler
}

type pendingRequest struct {
	opcode    uint8
	complete  func([]byte, error)
	abandoned bool
}

// ClientConnection is the request/response engine for one peer.
//
// A receive loop and a transmit loop run in the background. Public operations
// block the caller up to their timeout and are serialized: at most one ATT
// request is outstanding at any time. The attribute cache is only touched by
// the caller holding the request slot.
type ClientConnection struct {
	id      uint64
	peer    Peer
	ch      transport.Channel
	logger  *logrus.Logger
	onError func(*ClientConnection, error)

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	rxDone   <-chan struct{}
	txDone   <-chan struct{}

	out *outbox

	// request slot, capacity one; its holder owns cache
	slot  chan struct{}
	cache *attributeCache

	pendMu  sync.Mutex
	pending *pendingRequest

	handlers    *hashmap.Map[uint16, subscriber] // value handle → subscriber
	services    atomic.Pointer[[]Service]
	mtu         atomic.Int32
	proposedMTU int
}

// NewClientConnection wraps an established channel and starts its loops.
func NewClientConnection(ch transport.Channel, opts ClientOptions) *ClientConnection {
	defaults.SetDefaults(&opts)

	c := &ClientConnection{
		id:          opts.ID,
		peer:        PeerOf(ch.RemoteAddr()),
		ch:          ch,
		logger:      loggerOrDiscard(opts.Logger),
		onError:     opts.OnError,
		stop:        make(chan struct{}),
		out:         newOutbox(opts.QueueSize),
		slot:        make(chan struct{}, 1),
		cache:       newAttributeCache(),
		handlers:    hashmap.New[uint16, subscriber](),
		proposedMTU: clampMTU(opts.MTU),
	}
	c.mtu.Store(DefaultMTU)
	c.state.Store(int32(StateStarting))

	c.state.Store(int32(StateRunning))
	c.rxDone = groutine.GoDone(context.Background(), groutine.Name("gatt-client", c.peer, "rx"), c.receiveLoop)
	c.txDone = groutine.GoDone(context.Background(), groutine.Name("gatt-client", c.peer, "tx"), c.transmitLoop)

	c.logger.WithFields(logrus.Fields{
		"peer":    c.peer,
		"conn_id": c.id,
	}).Debug("Client connection running")
	return c
}

// ID returns the locally assigned connection id.
func (c *ClientConnection) ID() uint64 { return c.id }

// Peer returns the remote peer.
func (c *ClientConnection) Peer() Peer { return c.peer }

// State returns the lifecycle state.
func (c *ClientConnection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// MTU returns the negotiated ATT MTU.
func (c *ClientConnection) MTU() int { return int(c.mtu.Load()) }

// MaximumUpdateValueLength is the longest value a single write or notification carries.
func (c *ClientConnection) MaximumUpdateValueLength() int { return c.MTU() - 3 }

// Dropped returns how many queued outgoing PDUs were overwritten.
func (c *ClientConnection) Dropped() uint64 { return c.out.dropped.Load() }

// Done is closed once both background loops have exited.
func (c *ClientConnection) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-c.rxDone
		<-c.txDone
		close(done)
	}()
	return done
}

// Stop closes the channel and stops the loops. It does not invoke OnError.
func (c *ClientConnection) Stop() {
	if c.shutdown(ErrNotRunning) {
		c.logger.WithFields(logrus.Fields{
			"peer":    c.peer,
			"conn_id": c.id,
		}).Info("Client connection stopped")
	}
}

// shutdown transitions to Stopped once. Returns false if already stopped.
func (c *ClientConnection) shutdown(cause error) bool {
	stopped := false
	c.stopOnce.Do(func() {
		stopped = true
		c.state.Store(int32(StateStopped))
		close(c.stop)
		_ = c.ch.Close()

		c.pendMu.Lock()
		p := c.pending
		c.pending = nil
		c.pendMu.Unlock()
		if p != nil && p.complete != nil {
			p.complete(nil, cause)
		}
	})
	return stopped
}

func (c *ClientConnection) fail(err error) {
	if !c.shutdown(err) {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"peer":    c.peer,
		"conn_id": c.id,
		"error":   err,
	}).Error("Client connection failed")

	if c.onError != nil {
		c.onError(c, err)
	}
}

// ----------------------------
// Background loops
// ----------------------------

func (c *ClientConnection) transmitLoop(ctx context.Context) {
	for {
		select {
		case <-c.stop:
			return
		case <-c.out.ready():
			if err := c.out.drain(c.send); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *ClientConnection) send(pdu []byte) error {
	if err := c.ch.Send(pdu); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	c.logger.WithFields(logrus.Fields{
		"peer":   c.peer,
		"opcode": fmt.Sprintf("0x%02X", pdu[0]),
	}).Debug("PDU sent")
	return nil
}

func (c *ClientConnection) receiveLoop(ctx context.Context) {
	for {
		pdu, err := c.ch.Receive()
		if err != nil {
			c.fail(&TransportError{Op: "receive", Err: err})
			return
		}
		if len(pdu) == 0 {
			continue
		}
		c.dispatch(pdu)
	}
}

func (c *ClientConnection) dispatch(pdu []byte) {
	switch pdu[0] {
	case att.HandleValueNotificationCode:
		if len(pdu) < 3 {
			c.logger.WithField("peer", c.peer).Warn("Short notification dropped")
			return
		}
		n := att.HandleValueNotification(pdu)
		c.deliver(n.AttributeHandle(), n.AttributeValue())

	case att.HandleValueIndicationCode:
		if len(pdu) < 3 {
			c.logger.WithField("peer", c.peer).Warn("Short indication dropped")
			return
		}
		ind := att.HandleValueIndication(pdu)
		c.deliver(ind.AttributeHandle(), ind.AttributeValue())

		cfm := make(att.HandleValueConfirmation, 1)
		cfm.SetAttributeOpcode()
		if err := c.out.pushReliable(cfm); err != nil {
			c.logger.WithError(err).Warn("Failed to queue indication confirmation")
		}

	default:
		c.pendMu.Lock()
		p := c.pending
		c.pending = nil
		c.pendMu.Unlock()

		switch {
		case p == nil:
			c.logger.WithFields(logrus.Fields{
				"peer":   c.peer,
				"opcode": fmt.Sprintf("0x%02X", pdu[0]),
			}).Warn("Unsolicited response dropped")
		case p.abandoned:
			c.logger.WithFields(logrus.Fields{
				"peer":    c.peer,
				"opcode":  fmt.Sprintf("0x%02X", pdu[0]),
				"request": fmt.Sprintf("0x%02X", p.opcode),
			}).Warn("Stale response to timed-out request discarded")
		default:
			p.complete(pdu, nil)
		}
	}
}

func (c *ClientConnection) deliver(handle uint16, value []byte) {
	sub, ok := c.handlers.Get(handle)
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"peer":   c.peer,
			"handle": handle,
		}).Debug("Value update without subscriber")
		return
	}
	sub.handler(append([]byte(nil), value...))
}

// ----------------------------
// Request plumbing
// ----------------------------

// acquire takes the request slot before deadline.
func (c *ClientConnection) acquire(deadline time.Time) error {
	if c.State() != StateRunning {
		return ErrNotRunning
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case c.slot <- struct{}{}:
		return nil
	case <-c.stop:
		return ErrNotRunning
	case <-timer.C:
		return ErrTimeout
	}
}

func (c *ClientConnection) release() {
	<-c.slot
}

// roundTrip sends one request and waits for its response. The caller holds the slot.
func (c *ClientConnection) roundTrip(deadline time.Time, req []byte) ([]byte, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ErrTimeout
	}

	var p *pendingRequest
	rsp, err := Wait(remaining, func(complete func([]byte, error)) {
		c.pendMu.Lock()
		if c.State() != StateRunning {
			c.pendMu.Unlock()
			complete(nil, ErrNotRunning)
			return
		}
		if c.pending != nil {
			c.pendMu.Unlock()
			complete(nil, ErrRequestInFlight)
			return
		}
		p = &pendingRequest{opcode: req[0], complete: complete}
		c.pending = p
		c.pendMu.Unlock()

		if err := c.out.pushReliable(req); err != nil {
			c.pendMu.Lock()
			if c.pending == p {
				c.pending = nil
			}
			c.pendMu.Unlock()
			complete(nil, err)
		}
	})

	if errors.Is(err, ErrTimeout) && p != nil {
		c.pendMu.Lock()
		if c.pending == p {
			p.abandoned = true
		}
		c.pendMu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peer":   c.peer,
			"opcode": fmt.Sprintf("0x%02X", req[0]),
		}).Warn("Request timed out")
	}
	if err != nil {
		return nil, err
	}

	if rsp[0] == att.ErrorResponseCode {
		if len(rsp) < 5 {
			return nil, &ProtocolError{Opcode: req[0], Code: ble.ErrInvalidPDU}
		}
		er := att.ErrorResponse(rsp)
		return nil, &ProtocolError{
			Opcode: er.RequestOpcodeInError(),
			Handle: er.AttributeInError(),
			Code:   ble.ATTError(er.ErrorCode()),
		}
	}
	if rsp[0] != req[0]+1 {
		return nil, &UnexpectedResponseError{Request: req[0], Response: rsp[0]}
	}
	return rsp, nil
}

// command queues a PDU that has no response.
func (c *ClientConnection) command(pdu []byte) error {
	if c.State() != StateRunning {
		return ErrNotRunning
	}
	return c.out.push(pdu)
}

// do runs op holding the request slot.
func (c *ClientConnection) do(timeout time.Duration, op func(deadline time.Time) error) error {
	deadline := time.Now().Add(timeout)
	if err := c.acquire(deadline); err != nil {
		return err
	}
	defer c.release()
	return op(deadline)
}

func (c *ClientConnection) own(peer Peer) error {
	if peer != c.peer {
		return fmt.Errorf("%w: %s on connection to %s", ErrForeignAttribute, peer, c.peer)
	}
	return nil
}

// ----------------------------
// Public operations
// ----------------------------

// ExchangeMTU negotiates the ATT MTU and returns the result.
func (c *ClientConnection) ExchangeMTU(timeout time.Duration) (int, error) {
	var mtu int
	err := c.do(timeout, func(deadline time.Time) error {
		req := make(att.ExchangeMTURequest, 3)
		req.SetAttributeOpcode()
		req.SetClientRxMTU(uint16(c.proposedMTU))

		rsp, err := c.roundTrip(deadline, req)
		if err != nil {
			return err
		}
		if len(rsp) < 3 {
			return &ProtocolError{Opcode: req[0], Code: ble.ErrInvalidPDU}
		}
		server := int(att.ExchangeMTUResponse(rsp).ServerRxMTU())
		mtu = clampMTU(min(c.proposedMTU, server))
		c.mtu.Store(int32(mtu))
		return nil
	})
	if err == nil {
		c.logger.WithFields(logrus.Fields{"peer": c.peer, "mtu": mtu}).Debug("MTU exchanged")
	}
	return mtu, err
}

// DiscoverServices discovers all primary services, replacing the cache.
// When uuids is non-empty only matching services are returned; the cache
// still holds all of them. Handles and subscriptions from earlier discoveries
// are dropped: subscribe again after rediscovering.
func (c *ClientConnection) DiscoverServices(uuids []ble.UUID, timeout time.Duration) ([]Service, error) {
	var services []Service
	err := c.do(timeout, func(deadline time.Time) error {
		found, err := c.discoverServices(deadline)
		if err != nil {
			return err
		}
		c.cache.replaceServices(found)
		c.pruneHandlers()

		all := make([]Service, 0, len(found))
		for _, entry := range c.cache.serviceList() {
			all = append(all, c.service(entry))
		}
		c.services.Store(&all)

		for _, svc := range all {
			if len(uuids) > 0 && !containsUUID(uuids, svc.UUID) {
				continue
			}
			services = append(services, svc)
		}
		return nil
	})
	return services, err
}

// DiscoverCharacteristics discovers the characteristics of a cached service,
// replacing that service's characteristics in the cache.
func (c *ClientConnection) DiscoverCharacteristics(uuids []ble.UUID, service Service, timeout time.Duration) ([]Characteristic, error) {
	if err := c.own(service.Peer); err != nil {
		return nil, err
	}

	var chars []Characteristic
	err := c.do(timeout, func(deadline time.Time) error {
		entry, err := c.lookupService(service)
		if err != nil {
			return err
		}

		found, err := c.discoverCharacteristics(deadline, entry.attribute)
		if err != nil {
			return err
		}
		c.cache.replaceCharacteristics(service.Handle, found)
		c.pruneHandlers()

		for _, char := range entry.characteristicList() {
			if len(uuids) > 0 && !containsUUID(uuids, char.attribute.uuid) {
				continue
			}
			chars = append(chars, c.characteristic(char))
		}
		return nil
	})
	return chars, err
}

// DiscoverDescriptors discovers the descriptors of a cached characteristic.
func (c *ClientConnection) DiscoverDescriptors(characteristic Characteristic, timeout time.Duration) ([]Descriptor, error) {
	if err := c.own(characteristic.Peer); err != nil {
		return nil, err
	}

	var descs []Descriptor
	err := c.do(timeout, func(deadline time.Time) error {
		_, entry, err := c.lookupCharacteristic(characteristic)
		if err != nil {
			return err
		}
		if err := c.refreshDescriptors(deadline, entry); err != nil {
			return err
		}
		for _, d := range entry.descriptorList() {
			descs = append(descs, Descriptor{Peer: c.peer, Handle: d.handle, UUID: d.uuid})
		}
		return nil
	})
	return descs, err
}

// ReadValue reads a characteristic value, following up with blob reads for long values.
func (c *ClientConnection) ReadValue(characteristic Characteristic, timeout time.Duration) ([]byte, error) {
	if err := c.own(characteristic.Peer); err != nil {
		return nil, err
	}

	var value []byte
	err := c.do(timeout, func(deadline time.Time) error {
		_, entry, err := c.lookupCharacteristic(characteristic)
		if err != nil {
			return err
		}
		value, err = c.readLong(deadline, entry.attribute.valueHandle)
		return err
	})
	return value, err
}

// WriteValue writes a characteristic value, acknowledged or not.
func (c *ClientConnection) WriteValue(data []byte, characteristic Characteristic, withResponse bool, timeout time.Duration) error {
	if err := c.own(characteristic.Peer); err != nil {
		return err
	}

	return c.do(timeout, func(deadline time.Time) error {
		_, entry, err := c.lookupCharacteristic(characteristic)
		if err != nil {
			return err
		}
		return c.write(deadline, entry.attribute.valueHandle, data, withResponse)
	})
}

// ReadDescriptor reads a cached descriptor's value.
func (c *ClientConnection) ReadDescriptor(descriptor Descriptor, timeout time.Duration) ([]byte, error) {
	if err := c.own(descriptor.Peer); err != nil {
		return nil, err
	}

	var value []byte
	err := c.do(timeout, func(deadline time.Time) error {
		if err := c.lookupDescriptor(descriptor); err != nil {
			return err
		}
		var err error
		value, err = c.readLong(deadline, descriptor.Handle)
		return err
	})
	return value, err
}

// WriteDescriptor writes a cached descriptor's value with response.
func (c *ClientConnection) WriteDescriptor(data []byte, descriptor Descriptor, timeout time.Duration) error {
	if err := c.own(descriptor.Peer); err != nil {
		return err
	}

	return c.do(timeout, func(deadline time.Time) error {
		if err := c.lookupDescriptor(descriptor); err != nil {
			return err
		}
		return c.write(deadline, descriptor.Handle, data, true)
	})
}

// Notify subscribes handler to value updates of characteristic, or
// unsubscribes when handler is nil. Descriptors are discovered first if the
// configuration descriptor is not cached. Notifications are preferred over
// indications when the characteristic supports both.
func (c *ClientConnection) Notify(handler NotificationHandler, characteristic Characteristic, timeout time.Duration) error {
	if err := c.own(characteristic.Peer); err != nil {
		return err
	}

	return c.do(timeout, func(deadline time.Time) error {
		_, entry, err := c.lookupCharacteristic(characteristic)
		if err != nil {
			return err
		}

		cccd, ok := entry.configDescriptor()
		if !ok {
			if err := c.refreshDescriptors(deadline, entry); err != nil {
				return err
			}
			if cccd, ok = entry.configDescriptor(); !ok {
				return fmt.Errorf("%w: characteristic %s", ErrNoConfigDescriptor, entry.attribute.uuid)
			}
		}

		valueHandle := entry.attribute.valueHandle
		if handler == nil {
			if err := c.write(deadline, cccd.handle, []byte{0x00, 0x00}, true); err != nil {
				return err
			}
			c.handlers.Del(valueHandle)
			entry.subscription = nil
			return nil
		}

		var flags uint16
		switch {
		case entry.attribute.properties&ble.CharNotify != 0:
			flags = cccNotify
		case entry.attribute.properties&ble.CharIndicate != 0:
			flags = cccIndicate
		default:
			return fmt.Errorf("%w: %s", ErrNotifyUnsupported, entry.attribute.uuid)
		}

		// registered first so a push racing the write response is not lost
		previous, hadPrevious := c.handlers.Get(valueHandle)
		c.handlers.Set(valueHandle, subscriber{uuid: entry.attribute.uuid, handler: handler})
		if err := c.write(deadline, cccd.handle, []byte{byte(flags), byte(flags >> 8)}, true); err != nil {
			if hadPrevious {
				c.handlers.Set(valueHandle, previous)
			} else {
				c.handlers.Del(valueHandle)
			}
			return err
		}
		entry.subscription = &subscription{descriptor: cccd.handle, flags: flags}

		c.logger.WithFields(logrus.Fields{
			"peer":   c.peer,
			"uuid":   entry.attribute.uuid.String(),
			"handle": valueHandle,
			"flags":  flags,
		}).Debug("Subscribed")
		return nil
	})
}

// Services returns the services of the latest DiscoverServices without any
// I/O. It never waits for the request slot, so it is safe to call from a
// NotificationHandler.
func (c *ClientConnection) Services() []Service {
	snapshot := c.services.Load()
	if snapshot == nil {
		return nil
	}
	return append([]Service(nil), (*snapshot)...)
}

// ----------------------------
// Cache helpers; the caller holds the slot
// ----------------------------

// Lookups match the handle and the UUID: a handle the peer reassigned to
// another attribute since the caller discovered it is unknown.

func (c *ClientConnection) lookupService(service Service) (*serviceEntry, error) {
	entry, ok := c.cache.findService(service.Handle)
	if !ok || !entry.attribute.uuid.Equal(service.UUID) {
		return nil, &AttributeError{Kind: "service", Handle: service.Handle, UUID: service.UUID}
	}
	return entry, nil
}

func (c *ClientConnection) lookupCharacteristic(characteristic Characteristic) (*serviceEntry, *characteristicEntry, error) {
	svc, entry, ok := c.cache.findCharacteristic(characteristic.Handle)
	if !ok || !entry.attribute.uuid.Equal(characteristic.UUID) {
		return nil, nil, &AttributeError{Kind: "characteristic", Handle: characteristic.Handle, UUID: characteristic.UUID}
	}
	return svc, entry, nil
}

func (c *ClientConnection) lookupDescriptor(descriptor Descriptor) error {
	_, _, desc, ok := c.cache.findDescriptor(descriptor.Handle)
	if !ok || !desc.uuid.Equal(descriptor.UUID) {
		return &AttributeError{Kind: "descriptor", Handle: descriptor.Handle, UUID: descriptor.UUID}
	}
	return nil
}

// pruneHandlers drops the handlers whose characteristic is no longer cached
// with the UUID it was subscribed under.
func (c *ClientConnection) pruneHandlers() {
	live := make(map[uint16]ble.UUID)
	for _, svc := range c.cache.serviceList() {
		for _, char := range svc.characteristicList() {
			live[char.attribute.valueHandle] = char.attribute.uuid
		}
	}

	var stale []uint16
	c.handlers.Range(func(handle uint16, sub subscriber) bool {
		if uuid, ok := live[handle]; !ok || !uuid.Equal(sub.uuid) {
			stale = append(stale, handle)
		}
		return true
	})
	for _, handle := range stale {
		c.handlers.Del(handle)
		c.logger.WithFields(logrus.Fields{
			"peer":   c.peer,
			"handle": handle,
		}).Debug("Subscription dropped by rediscovery")
	}
}

func (c *ClientConnection) refreshDescriptors(deadline time.Time, entry *characteristicEntry) error {
	found, err := c.discoverDescriptors(deadline, entry.attribute)
	if err != nil {
		return err
	}
	c.cache.replaceDescriptors(entry.attribute.handle, found)
	return nil
}

func (c *ClientConnection) service(entry *serviceEntry) Service {
	return Service{
		Peer:    c.peer,
		Handle:  entry.attribute.handle,
		UUID:    entry.attribute.uuid,
		Primary: entry.attribute.primary,
	}
}

func (c *ClientConnection) characteristic(entry *characteristicEntry) Characteristic {
	return Characteristic{
		Peer:       c.peer,
		Handle:     entry.attribute.handle,
		UUID:       entry.attribute.uuid,
		Properties: entry.attribute.properties,
	}
}
