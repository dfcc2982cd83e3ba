package gatt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/att"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/pkg/transport"
)

// ReadRequest is handed to Hooks.WillRead before a value is served.
type ReadRequest struct {
	Central                  Peer
	ConnectionID             uint64
	UUID                     ble.UUID
	Handle                   uint16
	Value                    []byte
	Offset                   int
	MaximumUpdateValueLength int
}

// WriteRequest is handed to Hooks.WillWrite before a value is stored.
type WriteRequest struct {
	Central                  Peer
	ConnectionID             uint64
	UUID                     ble.UUID
	Handle                   uint16
	Value                    []byte
	NewValue                 []byte
	Offset                   int
	MaximumUpdateValueLength int
}

// WriteConfirmation is handed to Hooks.DidWrite after a value was stored.
type WriteConfirmation struct {
	Central      Peer
	ConnectionID uint64
	UUID         ble.UUID
	Handle       uint16
	Value        []byte
}

// Hooks observe and authorize client access. WillRead and WillWrite veto by
// returning an error; a ble.ATTError is sent to the client as is, any other
// error as ble.ErrUnlikely. All hooks run on the connection's receive loop.
type Hooks struct {
	WillRead  func(req ReadRequest) error
	WillWrite func(req WriteRequest) error
	DidWrite  func(conf WriteConfirmation)
}

func attCode(err error) ble.ATTError {
	var code ble.ATTError
	if errors.As(err, &code) {
		return code
	}
	return ble.ErrUnlikely
}

// ServerConnection serves one central's requests against a shared database.
type ServerConnection struct {
	id      uint64
	central Peer
	ch      transport.Channel
	db      DatabaseAccess
	hooks   Hooks
	logger  *logrus.Logger
	onError func(*ServerConnection, error)

	// afterWrite lets the owning Peripheral propagate accepted writes.
	afterWrite func(c *ServerConnection, handle uint16, value []byte)

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	rxDone   <-chan struct{}
	txDone   <-chan struct{}

	out       *outbox
	mtu       atomic.Int32
	serverMTU int

	indicationTimeout time.Duration
	indicated         atomic.Uint64
	confirmed         atomic.Uint64

	// prepared is owned by the receive loop.
	prepared    []preparedWrite
	maxPrepared int

	cccMu sync.Mutex
	ccc   map[uint16]uint16 // value handle → configuration bits
}

// NewServerConnection starts serving ch against db.
func NewServerConnection(ch transport.Channel, db DatabaseAccess, opts ServerOptions) *ServerConnection {
	defaults.SetDefaults(&opts)

	c := &ServerConnection{
		id:         opts.ID,
		central:    PeerOf(ch.RemoteAddr()),
		ch:         ch,
		db:         db,
		hooks:      opts.Hooks,
		logger:     loggerOrDiscard(opts.Logger),
		onError:    opts.OnError,
		afterWrite: opts.afterWrite,
		stop:       make(chan struct{}),
		out:        newOutbox(opts.QueueSize),
		serverMTU:  clampMTU(opts.MTU),
		ccc:        make(map[uint16]uint16),

		indicationTimeout: opts.IndicationTimeout,
		maxPrepared:       opts.MaxPreparedWrites,
	}
	c.mtu.Store(DefaultMTU)
	c.state.Store(int32(StateRunning))

	c.rxDone = groutine.GoDone(context.Background(), groutine.Name("gatt-server", c.id, "rx"), c.receiveLoop)
	c.txDone = groutine.GoDone(context.Background(), groutine.Name("gatt-server", c.id, "tx"), c.transmitLoop)
	return c
}

// ID returns the locally assigned connection id.
func (c *ServerConnection) ID() uint64 { return c.id }

// Central returns the connected peer.
func (c *ServerConnection) Central() Peer { return c.central }

// State returns the lifecycle state.
func (c *ServerConnection) State() ConnectionState { return ConnectionState(c.state.Load()) }

// MTU returns the negotiated ATT MTU.
func (c *ServerConnection) MTU() int { return int(c.mtu.Load()) }

// MaximumUpdateValueLength is the longest value a notification carries.
func (c *ServerConnection) MaximumUpdateValueLength() int { return c.MTU() - 3 }

// Done is closed once both background loops have exited.
func (c *ServerConnection) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-c.rxDone
		<-c.txDone
		close(done)
	}()
	return done
}

// Stop closes the channel. It does not invoke OnError.
func (c *ServerConnection) Stop() {
	if c.shutdown() {
		c.logger.WithFields(logrus.Fields{
			"central": c.central,
			"conn_id": c.id,
		}).Info("Server connection stopped")
	}
}

func (c *ServerConnection) shutdown() bool {
	stopped := false
	c.stopOnce.Do(func() {
		stopped = true
		c.state.Store(int32(StateStopped))
		close(c.stop)
		_ = c.ch.Close()
	})
	return stopped
}

func (c *ServerConnection) fail(err error) {
	if !c.shutdown() {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"central": c.central,
		"conn_id": c.id,
		"error":   err,
	}).Info("Central disconnected")

	if c.onError != nil {
		c.onError(c, err)
	}
}

// Subscribed reports the configuration bits the central wrote for a value handle.
func (c *ServerConnection) Subscribed(valueHandle uint16) uint16 {
	c.cccMu.Lock()
	defer c.cccMu.Unlock()
	return c.ccc[valueHandle]
}

// clearConfig forgets the configuration of the given value handles, or of all when nil.
func (c *ServerConnection) clearConfig(valueHandles []uint16) {
	c.cccMu.Lock()
	defer c.cccMu.Unlock()
	if valueHandles == nil {
		clear(c.ccc)
		return
	}
	for _, h := range valueHandles {
		delete(c.ccc, h)
	}
}

// NotifyValue pushes value to the central if it enabled notifications or
// indications for valueHandle. Returns whether anything was queued.
//
// Notifications overwrite the oldest queued update when the queue is full.
// Indications are never dropped: each waits for the confirmation of the
// previous one, and a confirmation missing for IndicationTimeout fails the
// connection.
func (c *ServerConnection) NotifyValue(valueHandle uint16, value []byte) bool {
	if c.State() != StateRunning {
		return false
	}
	flags := c.Subscribed(valueHandle)
	if flags == 0 {
		return false
	}
	if limit := c.MaximumUpdateValueLength(); len(value) > limit {
		value = value[:limit]
	}

	var err error
	if flags&cccNotify != 0 {
		n := make(att.HandleValueNotification, 3+len(value))
		n.SetAttributeOpcode()
		n.SetAttributeHandle(valueHandle)
		n.SetAttributeValue(value)
		err = c.out.push(n)
	} else {
		ind := make(att.HandleValueIndication, 3+len(value))
		ind.SetAttributeOpcode()
		ind.SetAttributeHandle(valueHandle)
		ind.SetAttributeValue(value)
		err = c.out.pushIndication(ind)
	}
	if err != nil {
		c.logger.WithError(err).WithField("handle", valueHandle).Warn("Failed to queue value update")
		return false
	}
	return true
}

// awaitConfirmation arms the timeout for the indication just sent.
func (c *ServerConnection) awaitConfirmation() {
	seq := c.indicated.Add(1)
	time.AfterFunc(c.indicationTimeout, func() {
		if c.confirmed.Load() < seq {
			c.fail(fmt.Errorf("indication not confirmed within %v: %w", c.indicationTimeout, ErrTimeout))
		}
	})
}

// ----------------------------
// Background loops
// ----------------------------

func (c *ServerConnection) transmitLoop(ctx context.Context) {
	for {
		select {
		case <-c.stop:
			return
		case <-c.out.ready():
			err := c.out.drain(func(pdu []byte) error {
				if err := c.ch.Send(pdu); err != nil {
					return &TransportError{Op: "send", Err: err}
				}
				if pdu[0] == att.HandleValueIndicationCode {
					c.awaitConfirmation()
				}
				return nil
			})
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *ServerConnection) receiveLoop(ctx context.Context) {
	for {
		pdu, err := c.ch.Receive()
		if err != nil {
			c.fail(&TransportError{Op: "receive", Err: err})
			return
		}
		if len(pdu) == 0 {
			continue
		}

		c.logger.WithFields(logrus.Fields{
			"central": c.central,
			"opcode":  fmt.Sprintf("0x%02X", pdu[0]),
		}).Debug("Request")

		if rsp := c.handle(pdu); rsp != nil {
			if err := c.out.pushReliable(rsp); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// handle serves one PDU and returns the response, or nil for commands.
func (c *ServerConnection) handle(pdu []byte) []byte {
	switch op := pdu[0]; op {
	case att.ExchangeMTURequestCode:
		return c.handleMTU(pdu)
	case att.FindInformationRequestCode:
		return c.handleFindInformation(pdu)
	case att.FindByTypeValueRequestCode:
		return c.handleFindByTypeValue(pdu)
	case att.ReadByTypeRequestCode:
		return c.handleReadByType(pdu)
	case att.ReadRequestCode:
		if len(pdu) != 3 {
			return errorResponse(op, 0, ble.ErrInvalidPDU)
		}
		return c.handleRead(op, att.ReadRequest(pdu).AttributeHandle(), 0)
	case att.ReadBlobRequestCode:
		if len(pdu) != 5 {
			return errorResponse(op, 0, ble.ErrInvalidPDU)
		}
		r := att.ReadBlobRequest(pdu)
		return c.handleRead(op, r.AttributeHandle(), int(r.ValueOffset()))
	case att.ReadByGroupTypeRequestCode:
		return c.handleReadByGroupType(pdu)
	case att.WriteRequestCode:
		if len(pdu) < 3 {
			return errorResponse(op, 0, ble.ErrInvalidPDU)
		}
		r := att.WriteRequest(pdu)
		return c.handleWrite(op, r.AttributeHandle(), r.AttributeValue())
	case att.WriteCommandCode:
		if len(pdu) >= 3 {
			r := att.WriteCommand(pdu)
			c.handleWrite(op, r.AttributeHandle(), r.AttributeValue())
		}
		return nil
	case att.PrepareWriteRequestCode:
		return c.handlePrepareWrite(pdu)
	case att.ExecuteWriteRequestCode:
		return c.handleExecuteWrite(pdu)
	case att.HandleValueConfirmationCode:
		if c.out.confirm() {
			c.confirmed.Add(1)
		} else {
			c.logger.WithField("central", c.central).Warn("Confirmation without outstanding indication")
		}
		return nil
	default:
		if op&0x40 != 0 {
			// unknown commands are ignored
			return nil
		}
		return errorResponse(op, 0, ble.ErrReqNotSupp)
	}
}

func errorResponse(op uint8, handle uint16, code ble.ATTError) []byte {
	rsp := make(att.ErrorResponse, 5)
	rsp.SetAttributeOpcode()
	rsp.SetRequestOpcodeInError(op)
	rsp.SetAttributeInError(handle)
	rsp.SetErrorCode(uint8(code))
	return rsp
}

func validRange(start, end uint16) bool {
	return start != 0 && start <= end
}

func (c *ServerConnection) handleMTU(pdu []byte) []byte {
	if len(pdu) != 3 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	client := int(att.ExchangeMTURequest(pdu).ClientRxMTU())
	c.mtu.Store(int32(clampMTU(min(client, c.serverMTU))))

	rsp := make(att.ExchangeMTUResponse, 3)
	rsp.SetAttributeOpcode()
	rsp.SetServerRxMTU(uint16(c.serverMTU))
	return rsp
}

func (c *ServerConnection) handleFindInformation(pdu []byte) []byte {
	if len(pdu) != 5 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	req := att.FindInformationRequest(pdu)
	start, end := req.StartingHandle(), req.EndingHandle()
	if !validRange(start, end) {
		return errorResponse(pdu[0], start, ble.ErrInvalidHandle)
	}

	limit := c.MTU() - 2
	var (
		buf    bytes.Buffer
		format uint8
		width  int
	)
	c.db.ReadDatabase(func(db *Database) {
		db.inRange(start, end, func(a *Attribute) bool {
			if width == 0 {
				width = len(a.Type)
				format = 0x01
				if width == 16 {
					format = 0x02
				}
			}
			if len(a.Type) != width || buf.Len()+2+width > limit {
				return false
			}
			_ = binary.Write(&buf, binary.LittleEndian, a.Handle)
			buf.Write(a.Type)
			return true
		})
	})

	if buf.Len() == 0 {
		return errorResponse(pdu[0], start, ble.ErrAttrNotFound)
	}
	rsp := make(att.FindInformationResponse, 2+buf.Len())
	rsp.SetAttributeOpcode()
	rsp.SetFormat(format)
	rsp.SetInformationData(buf.Bytes())
	return rsp
}

func (c *ServerConnection) handleFindByTypeValue(pdu []byte) []byte {
	if len(pdu) < 7 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	req := att.FindByTypeValueRequest(pdu)
	start, end := req.StartingHandle(), req.EndingHandle()
	if !validRange(start, end) {
		return errorResponse(pdu[0], start, ble.ErrInvalidHandle)
	}
	typ := ble.UUID16(req.AttributeType())
	value := req.AttributeValue()

	limit := c.MTU() - 1
	var buf bytes.Buffer
	c.db.ReadDatabase(func(db *Database) {
		db.inRange(start, end, func(a *Attribute) bool {
			if !a.Type.Equal(typ) || !bytes.Equal(a.Value, value) {
				return true
			}
			if buf.Len()+4 > limit {
				return false
			}
			_ = binary.Write(&buf, binary.LittleEndian, a.Handle)
			_ = binary.Write(&buf, binary.LittleEndian, a.EndHandle)
			return true
		})
	})

	if buf.Len() == 0 {
		return errorResponse(pdu[0], start, ble.ErrAttrNotFound)
	}
	rsp := make(att.FindByTypeValueResponse, 1+buf.Len())
	rsp.SetAttributeOpcode()
	rsp.SetHandleInformationList(buf.Bytes())
	return rsp
}

func (c *ServerConnection) handleReadByGroupType(pdu []byte) []byte {
	if len(pdu) != 7 && len(pdu) != 21 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	req := att.ReadByGroupTypeRequest(pdu)
	start, end := req.StartingHandle(), req.EndingHandle()
	if !validRange(start, end) {
		return errorResponse(pdu[0], start, ble.ErrInvalidHandle)
	}
	group := ble.UUID(req.AttributeGroupType())
	if !group.Equal(primaryServiceUUID) && !group.Equal(secondaryServiceUUID) {
		return errorResponse(pdu[0], start, ble.ErrUnsuppGrpType)
	}

	limit := c.MTU() - 2
	var (
		buf    bytes.Buffer
		length int
	)
	c.db.ReadDatabase(func(db *Database) {
		db.inRange(start, end, func(a *Attribute) bool {
			if a.Kind != ServiceDeclaration || !a.Type.Equal(group) {
				return true
			}
			entry := 4 + len(a.Value)
			if length == 0 {
				length = entry
			}
			if entry != length || buf.Len()+entry > limit {
				return false
			}
			_ = binary.Write(&buf, binary.LittleEndian, a.Handle)
			_ = binary.Write(&buf, binary.LittleEndian, a.EndHandle)
			buf.Write(a.Value)
			return true
		})
	})

	if buf.Len() == 0 {
		return errorResponse(pdu[0], start, ble.ErrAttrNotFound)
	}
	rsp := make(att.ReadByGroupTypeResponse, 2+buf.Len())
	rsp.SetAttributeOpcode()
	rsp.SetLength(uint8(length))
	rsp.SetAttributeDataList(buf.Bytes())
	return rsp
}

func (c *ServerConnection) handleReadByType(pdu []byte) []byte {
	if len(pdu) != 7 && len(pdu) != 21 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	req := att.ReadByTypeRequest(pdu)
	start, end := req.StartingHandle(), req.EndingHandle()
	if !validRange(start, end) {
		return errorResponse(pdu[0], start, ble.ErrInvalidHandle)
	}
	typ := ble.UUID(req.AttributeType())

	var matches []Attribute
	c.db.ReadDatabase(func(db *Database) {
		db.inRange(start, end, func(a *Attribute) bool {
			if a.Type.Equal(typ) {
				matches = append(matches, a.copy())
			}
			return true
		})
	})
	if len(matches) == 0 {
		return errorResponse(pdu[0], start, ble.ErrAttrNotFound)
	}

	limit := c.MTU() - 2
	maxValue := min(c.MTU()-4, 253)
	var (
		buf    bytes.Buffer
		length int
	)
	for i, a := range matches {
		value, code := c.authorizeRead(a, 0)
		if code != 0 {
			if i == 0 {
				return errorResponse(pdu[0], a.Handle, code)
			}
			break
		}
		if len(value) > maxValue {
			value = value[:maxValue]
		}
		entry := 2 + len(value)
		if length == 0 {
			length = entry
		}
		if entry != length || buf.Len()+entry > limit {
			break
		}
		_ = binary.Write(&buf, binary.LittleEndian, a.Handle)
		buf.Write(value)
	}

	rsp := make(att.ReadByTypeResponse, 2+buf.Len())
	rsp.SetAttributeOpcode()
	rsp.SetLength(uint8(length))
	rsp.SetAttributeDataList(buf.Bytes())
	return rsp
}

func (c *ServerConnection) handleRead(op uint8, handle uint16, offset int) []byte {
	var (
		a  Attribute
		ok bool
	)
	c.db.ReadDatabase(func(db *Database) { a, ok = db.Attribute(handle) })
	if !ok {
		return errorResponse(op, handle, ble.ErrInvalidHandle)
	}

	value, code := c.authorizeRead(a, offset)
	if code != 0 {
		return errorResponse(op, handle, code)
	}
	if offset > len(value) {
		return errorResponse(op, handle, ble.ErrInvalidOffset)
	}
	value = value[offset:]
	if limit := c.MTU() - 1; len(value) > limit {
		value = value[:limit]
	}

	if op == att.ReadBlobRequestCode {
		rsp := make(att.ReadBlobResponse, 1+len(value))
		rsp.SetAttributeOpcode()
		rsp.SetPartAttributeValue(value)
		return rsp
	}
	rsp := make(att.ReadResponse, 1+len(value))
	rsp.SetAttributeOpcode()
	rsp.SetAttributeValue(value)
	return rsp
}

// authorizeRead checks permissions, asks WillRead and resolves the per-connection CCC value.
func (c *ServerConnection) authorizeRead(a Attribute, offset int) ([]byte, ble.ATTError) {
	switch a.Kind {
	case ServiceDeclaration, CharacteristicDeclaration:
		return a.Value, 0
	}
	if a.Permissions&PermRead == 0 {
		return nil, ble.ErrReadNotPerm
	}

	value := c.currentValue(a)

	if c.hooks.WillRead != nil {
		err := c.hooks.WillRead(ReadRequest{
			Central:                  c.central,
			ConnectionID:             c.id,
			UUID:                     a.Type,
			Handle:                   a.Handle,
			Value:                    value,
			Offset:                   offset,
			MaximumUpdateValueLength: c.MaximumUpdateValueLength(),
		})
		if err != nil {
			return nil, attCode(err)
		}
	}
	return value, 0
}

func isConfigDescriptor(a Attribute) bool {
	return a.Kind == DescriptorAttribute && a.Type.Equal(cccdUUID)
}

// currentValue is the value this central sees, with the CCC resolved per connection.
func (c *ServerConnection) currentValue(a Attribute) []byte {
	if isConfigDescriptor(a) {
		flags := c.Subscribed(a.ValueHandle)
		return []byte{byte(flags), byte(flags >> 8)}
	}
	return a.Value
}

// handleWrite serves Write Request and Write Command. The response of a
// command is dropped by the caller.
func (c *ServerConnection) handleWrite(op uint8, handle uint16, value []byte) []byte {
	value = append([]byte{}, value...)

	a, code := c.writableAttribute(handle)
	if code == 0 {
		code = c.store(a, value, 0)
	}
	if code != 0 {
		return errorResponse(op, handle, code)
	}
	if op == att.WriteCommandCode {
		return nil
	}
	rsp := make(att.WriteResponse, 1)
	rsp.SetAttributeOpcode()
	return rsp
}

// writableAttribute resolves a handle the central may write.
func (c *ServerConnection) writableAttribute(handle uint16) (Attribute, ble.ATTError) {
	var (
		a  Attribute
		ok bool
	)
	c.db.ReadDatabase(func(db *Database) { a, ok = db.Attribute(handle) })
	if !ok {
		return a, ble.ErrInvalidHandle
	}
	if a.Kind == ServiceDeclaration || a.Kind == CharacteristicDeclaration || a.Permissions&PermWrite == 0 {
		return a, ble.ErrWriteNotPerm
	}
	return a, 0
}

// store authorizes and commits one value.
func (c *ServerConnection) store(a Attribute, value []byte, offset int) ble.ATTError {
	if isConfigDescriptor(a) {
		return c.writeConfig(a, value)
	}
	if code := c.authorizeWrite(a, value, offset); code != 0 {
		return code
	}
	return c.commitWrite(a, value)
}

func (c *ServerConnection) authorizeWrite(a Attribute, value []byte, offset int) ble.ATTError {
	if c.hooks.WillWrite == nil {
		return 0
	}
	err := c.hooks.WillWrite(WriteRequest{
		Central:                  c.central,
		ConnectionID:             c.id,
		UUID:                     a.Type,
		Handle:                   a.Handle,
		Value:                    a.Value,
		NewValue:                 value,
		Offset:                   offset,
		MaximumUpdateValueLength: c.MaximumUpdateValueLength(),
	})
	if err != nil {
		return attCode(err)
	}
	return 0
}

// commitWrite stores an authorized value and runs DidWrite and propagation.
func (c *ServerConnection) commitWrite(a Attribute, value []byte) ble.ATTError {
	var written bool
	c.db.WriteDatabase(func(db *Database) { written = db.Write(a.Handle, value) })
	if !written {
		return ble.ErrInvalidHandle
	}

	c.logger.WithFields(logrus.Fields{
		"central": c.central,
		"handle":  a.Handle,
		"uuid":    a.Type.String(),
		"bytes":   len(value),
	}).Debug("Value written")

	if c.hooks.DidWrite != nil {
		c.hooks.DidWrite(WriteConfirmation{
			Central:      c.central,
			ConnectionID: c.id,
			UUID:         a.Type,
			Handle:       a.Handle,
			Value:        value,
		})
	}
	if c.afterWrite != nil && a.Kind == CharacteristicValue {
		c.afterWrite(c, a.Handle, value)
	}
	return 0
}

func (c *ServerConnection) writeConfig(a Attribute, value []byte) ble.ATTError {
	if len(value) != 2 {
		return ble.ErrInvalAttrValueLen
	}
	flags := binary.LittleEndian.Uint16(value)
	if flags&^(cccNotify|cccIndicate) != 0 {
		return ble.ErrUnlikely
	}

	c.cccMu.Lock()
	if flags == 0 {
		delete(c.ccc, a.ValueHandle)
	} else {
		c.ccc[a.ValueHandle] = flags
	}
	c.cccMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"central": c.central,
		"handle":  a.ValueHandle,
		"flags":   flags,
	}).Debug("Client configuration updated")
	return 0
}

// ----------------------------
// Long writes
// ----------------------------

type preparedWrite struct {
	handle uint16
	offset int
	value  []byte
}

const (
	executeCancel = 0x00
	executeCommit = 0x01
)

func (c *ServerConnection) handlePrepareWrite(pdu []byte) []byte {
	if len(pdu) < 5 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	req := att.PrepareWriteRequest(pdu)
	handle := req.AttributeHandle()
	if _, code := c.writableAttribute(handle); code != 0 {
		return errorResponse(pdu[0], handle, code)
	}
	if len(c.prepared) >= c.maxPrepared {
		return errorResponse(pdu[0], handle, ble.ErrPrepQueueFull)
	}
	c.prepared = append(c.prepared, preparedWrite{
		handle: handle,
		offset: int(req.ValueOffset()),
		value:  append([]byte(nil), req.PartAttributeValue()...),
	})

	rsp := make(att.PrepareWriteResponse, len(pdu))
	copy(rsp, pdu)
	rsp.SetAttributeOpcode()
	return rsp
}

func (c *ServerConnection) handleExecuteWrite(pdu []byte) []byte {
	if len(pdu) != 2 {
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}
	queue := c.prepared
	c.prepared = nil

	switch att.ExecuteWriteRequest(pdu).Flags() {
	case executeCancel:
	case executeCommit:
		if handle, code := c.executePrepared(queue); code != 0 {
			return errorResponse(pdu[0], handle, code)
		}
	default:
		return errorResponse(pdu[0], 0, ble.ErrInvalidPDU)
	}

	rsp := make(att.ExecuteWriteResponse, 1)
	rsp.SetAttributeOpcode()
	return rsp
}

type longWrite struct {
	attr   Attribute
	offset int
	value  []byte
}

// executePrepared joins the queued parts per handle in arrival order. Each
// handle's parts must be contiguous; the first may start anywhere within the
// current value. Nothing is stored unless every handle passes WillWrite.
func (c *ServerConnection) executePrepared(queue []preparedWrite) (uint16, ble.ATTError) {
	var writes []*longWrite
	byHandle := make(map[uint16]*longWrite)
	for _, part := range queue {
		w, ok := byHandle[part.handle]
		switch {
		case !ok:
			a, code := c.writableAttribute(part.handle)
			if code != 0 {
				return part.handle, code
			}
			current := c.currentValue(a)
			if part.offset > len(current) {
				return part.handle, ble.ErrInvalidOffset
			}
			w = &longWrite{attr: a, offset: part.offset, value: append([]byte(nil), current[:part.offset]...)}
			byHandle[part.handle] = w
			writes = append(writes, w)
		case part.offset != len(w.value):
			return part.handle, ble.ErrInvalidOffset
		}
		w.value = append(w.value, part.value...)
		if len(w.value) > MaxAttributeValueLength {
			return part.handle, ble.ErrInvalAttrValueLen
		}
	}

	for _, w := range writes {
		if isConfigDescriptor(w.attr) {
			continue
		}
		if code := c.authorizeWrite(w.attr, w.value, w.offset); code != 0 {
			return w.attr.Handle, code
		}
	}
	for _, w := range writes {
		var code ble.ATTError
		if isConfigDescriptor(w.attr) {
			code = c.writeConfig(w.attr, w.value)
		} else {
			code = c.commitWrite(w.attr, w.value)
		}
		if code != 0 {
			return w.attr.Handle, code
		}
	}
	return 0, 0
}

// ReadDatabase runs fn against the shared database under its read lock.
func (c *ServerConnection) ReadDatabase(fn func(db *Database)) { c.db.ReadDatabase(fn) }

// WriteDatabase runs fn against the shared database under its write lock.
func (c *ServerConnection) WriteDatabase(fn func(db *Database)) { c.db.WriteDatabase(fn) }
