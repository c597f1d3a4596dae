package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ConnHandler serves one connection until it returns. The channel is closed
// after the handler returns.
type ConnHandler func(ctx context.Context, ch *ConnChannel)

// Listener accepts frame connections and hands each to a ConnHandler on its
// own goroutine.
type Listener struct {
	cfg     Config
	handler ConnHandler

	active atomic.Int64
	wg     sync.WaitGroup

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	ready chan struct{}
}

func NewListener(cfg Config, handler ConnHandler) *Listener {
	return &Listener{
		cfg:     cfg.WithDefaults(),
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		ready:   make(chan struct{}),
	}
}

// ListenAndServe binds addr and serves until ctx ends.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	if err := l.cfg.ValidateServer(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	tlsCfg, err := l.cfg.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts on ln until ctx ends, then closes every open connection and
// waits for their handlers.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	close(l.ready)
	l.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("transport.Listener listening")

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		l.closeAll()
	})
	defer stop()
	defer l.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.track(conn)
		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

// Addr blocks until Serve has a listener.
func (l *Listener) Addr() net.Addr {
	<-l.ready
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln.Addr()
}

func (l *Listener) ActiveConns() int64 {
	return l.active.Load()
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	remote := conn.RemoteAddr().String()
	active := l.active.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("transport.Listener client connected")
	defer func() {
		remaining := l.active.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("transport.Listener client disconnected")
	}()

	ch := NewConnChannel(conn, l.cfg)
	defer ch.Close()
	l.handler(ctx, ch)
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[conn] = struct{}{}
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		_ = conn.Close()
	}
}
