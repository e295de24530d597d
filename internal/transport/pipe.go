package transport

import (
	"context"
	"sync"
)

// Pipe is an in-memory stand-in for two devices held together. A frame
// written on one end is handed directly to a ReadFrame on the other end,
// so WriteFrame returns only once the peer has taken the frame.
type Pipe struct {
	inbox  chan []byte
	peer   *Pipe
	done   chan struct{}
	closer *sync.Once
}

// NewPipe returns both ends of a connected pair.
func NewPipe() (*Pipe, *Pipe) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &Pipe{inbox: make(chan []byte), done: done, closer: once}
	b := &Pipe{inbox: make(chan []byte), done: done, closer: once}
	a.peer, b.peer = b, a
	return a, b
}

// ReadFrame waits for the peer to present a frame.
func (p *Pipe) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}
	select {
	case frame := <-p.inbox:
		return frame, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFrame presents a frame until the peer reads it.
func (p *Pipe) WriteFrame(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.inbox <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down both ends.
func (p *Pipe) Close() error {
	p.closer.Do(func() { close(p.done) })
	return nil
}
