package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnavailable reports that the short-range radio cannot be used
	// (hardware missing, disabled, or permission denied).
	ErrUnavailable = errors.New("transport unavailable")

	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("transport closed")

	// ErrBusy indicates another session already holds the transport.
	ErrBusy = errors.New("transport busy")
)

// Adapter is the device radio as seen by a handshake session.
//
// WriteFrame presents a frame to the peer and returns once the peer has
// read it. ReadFrame blocks until the peer presents a frame. Both return
// the context error when ctx is done before the operation completes.
type Adapter interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
}

// Guard grants exclusive use of a single Adapter to one session at a time.
type Guard struct {
	adapter Adapter
	slot    chan struct{}
}

// NewGuard wraps the device adapter.
func NewGuard(adapter Adapter) *Guard {
	return &Guard{adapter: adapter, slot: make(chan struct{}, 1)}
}

// Acquire blocks until the adapter is free or ctx is done. The returned
// release func is safe to call more than once.
func (g *Guard) Acquire(ctx context.Context) (Adapter, func(), error) {
	if g == nil || g.adapter == nil {
		return nil, func() {}, ErrUnavailable
	}
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, func() {}, errors.Join(ErrBusy, ctx.Err())
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-g.slot })
	}
	return g.adapter, release, nil
}

// TryAcquire is Acquire without waiting.
func (g *Guard) TryAcquire() (Adapter, func(), error) {
	if g == nil || g.adapter == nil {
		return nil, func() {}, ErrUnavailable
	}
	select {
	case g.slot <- struct{}{}:
	default:
		return nil, func() {}, ErrBusy
	}
	var once sync.Once
	return g.adapter, func() { once.Do(func() { <-g.slot }) }, nil
}

// InUse reports whether a session currently holds the adapter.
func (g *Guard) InUse() bool {
	return len(g.slot) == 1
}
