package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrClosed = errors.New("transport: channel closed")

// MemChannel is one end of an in-process frame channel.
type MemChannel struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	peer *MemChannel
	once sync.Once
}

// NewMemPair returns two connected ends. Each direction buffers depth frames.
func NewMemPair(depth int) (*MemChannel, *MemChannel) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	a := &MemChannel{in: ba, out: ab, done: make(chan struct{})}
	b := &MemChannel{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// RecvFrame returns io.EOF once the peer is closed and its queued frames
// have been drained.
func (m *MemChannel) RecvFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-m.in:
		return b, nil
	default:
	}
	select {
	case b := <-m.in:
		return b, nil
	case <-m.peer.done:
		select {
		case b := <-m.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemChannel) SendFrame(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case <-m.done:
		return ErrClosed
	case <-m.peer.done:
		return ErrClosed
	default:
	}
	select {
	case m.out <- cp:
		return nil
	case <-m.done:
		return ErrClosed
	case <-m.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemChannel) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
