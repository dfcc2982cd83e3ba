package loopback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/gattlink/pkg/transport"
)

const frameHeaderSize = 2

// ErrFrameTooLarge is returned when a PDU does not fit the pipe.
var ErrFrameTooLarge = errors.New("frame too large")

// pipe is one direction of a link: a byte ring carrying length-prefixed frames.
// Frames are written and read whole under mu, so a frame is never split.
// A writer facing a full ring waits for the reader, like a radio out of
// transmit credits.
type pipe struct {
	mu     sync.Mutex
	buf    *ringbuffer.RingBuffer
	ready  chan struct{}
	space  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newPipe(capacity int) *pipe {
	return &pipe{
		buf:    ringbuffer.New(capacity),
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (p *pipe) write(frame []byte) error {
	if len(frame) > 0xFFFF || frameHeaderSize+len(frame) > p.buf.Capacity() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	for {
		select {
		case <-p.closed:
			return transport.ErrClosed
		default:
		}

		written, err := p.tryWrite(frame)
		if err != nil {
			return err
		}
		if written {
			break
		}

		select {
		case <-p.space:
		case <-p.closed:
			return transport.ErrClosed
		}
	}

	signal(p.ready)
	return nil
}

// tryWrite reports false when the frame does not fit yet.
func (p *pipe) tryWrite(frame []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := p.buf.Free()
	if free < frameHeaderSize+len(frame) {
		return false, nil
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(frame)))
	if _, err := p.buf.Write(hdr[:]); err != nil {
		return false, err
	}
	if len(frame) > 0 {
		if _, err := p.buf.Write(frame); err != nil {
			return false, err
		}
	}

	// pass the wakeup on to another waiting writer
	if free > frameHeaderSize+len(frame) {
		signal(p.space)
	}
	return true, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// read blocks for the next frame. Frames already buffered are delivered
// even after close.
func (p *pipe) read() ([]byte, error) {
	for {
		frame, err := p.tryRead()
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return nil, err
		}

		select {
		case <-p.ready:
		case <-p.closed:
			if frame, err := p.tryRead(); err == nil {
				return frame, nil
			}
			return nil, transport.ErrClosed
		}
	}
}

func (p *pipe) tryRead() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var hdr [frameHeaderSize]byte
	n, err := p.buf.TryRead(hdr[:])
	if err != nil {
		return nil, err
	}
	if n != frameHeaderSize {
		return nil, fmt.Errorf("short frame header: %d bytes", n)
	}

	size := int(binary.LittleEndian.Uint16(hdr[:]))
	frame := make([]byte, size)
	if size == 0 {
		return frame, nil
	}
	if n, err = p.buf.TryRead(frame); err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("short frame: %d of %d bytes", n, size)
	}

	signal(p.space)
	// more frames may be queued behind this one
	if !p.buf.IsEmpty() {
		signal(p.ready)
	}
	return frame, nil
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}
