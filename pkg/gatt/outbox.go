package gatt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// ErrOutboxFull is returned when a PDU that must not be lost finds its queue full.
var ErrOutboxFull = errors.New("outbox full")

// outbox queues outgoing PDUs for a connection's transmit loop.
//
// Three queues feed the loop, in priority order:
//   - reliable: requests, responses and confirmations. Never overwritten; a
//     full queue is an error for the caller.
//   - updates: notifications and write commands. Overwrites the oldest PDU when
//     full; the count is exposed through dropped.
//   - indications: sent one at a time. The next one leaves only after confirm.
type outbox struct {
	reliable    mpmc.RingBuffer[[]byte]
	updates     mpmc.RichOverlappedRingBuffer[[]byte]
	indications mpmc.RingBuffer[[]byte]

	awaiting atomic.Bool
	signal   chan struct{}
	dropped  atomic.Uint64
}

func newOutbox(size uint32) *outbox {
	return &outbox{
		reliable:    mpmc.New[[]byte](size),
		updates:     mpmc.NewOverlappedRingBuffer[[]byte](size),
		indications: mpmc.New[[]byte](size),
		signal:      make(chan struct{}, 1),
	}
}

// push queues a droppable PDU.
func (o *outbox) push(pdu []byte) error {
	overwrites, err := o.updates.EnqueueM(pdu)
	if err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	if overwrites > 0 {
		o.dropped.Add(uint64(overwrites))
	}
	o.wake()
	return nil
}

// pushReliable queues a PDU that is sent ahead of every droppable one.
func (o *outbox) pushReliable(pdu []byte) error {
	if err := o.reliable.Enqueue(pdu); err != nil {
		if errors.Is(err, mpmc.ErrQueueFull) {
			return ErrOutboxFull
		}
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	o.wake()
	return nil
}

// pushIndication queues an indication behind the unconfirmed one, if any.
func (o *outbox) pushIndication(pdu []byte) error {
	if err := o.indications.Enqueue(pdu); err != nil {
		if errors.Is(err, mpmc.ErrQueueFull) {
			return ErrOutboxFull
		}
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	o.wake()
	return nil
}

// confirm releases the next indication. Reports whether one was outstanding.
func (o *outbox) confirm() bool {
	if !o.awaiting.CompareAndSwap(true, false) {
		return false
	}
	o.wake()
	return true
}

func (o *outbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// ready fires after push. One wakeup may cover several PDUs.
func (o *outbox) ready() <-chan struct{} {
	return o.signal
}

// next picks the PDU to send. Only the transmit loop calls it.
func (o *outbox) next() ([]byte, bool, error) {
	if pdu, ok, err := dequeue(o.reliable); ok || err != nil {
		return pdu, ok, err
	}
	if pdu, ok, err := dequeue(o.updates); ok || err != nil {
		return pdu, ok, err
	}
	if o.awaiting.Load() {
		return nil, false, nil
	}
	pdu, ok, err := dequeue(o.indications)
	if ok {
		o.awaiting.Store(true)
	}
	return pdu, ok, err
}

func dequeue(q mpmc.RingBuffer[[]byte]) ([]byte, bool, error) {
	if q.IsEmpty() {
		return nil, false, nil
	}
	pdu, err := q.Dequeue()
	switch {
	case errors.Is(err, mpmc.ErrQueueEmpty):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("outbox dequeue: %w", err)
	}
	return pdu, true, nil
}

// drain sends queued PDUs by priority and stops at the first send error.
func (o *outbox) drain(send func([]byte) error) error {
	for {
		pdu, ok, err := o.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := send(pdu); err != nil {
			return err
		}
	}
}
