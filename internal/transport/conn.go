package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/robctl/internal/protocol/frame"
)

// ErrStreamBroken is returned once a connection delivered a frame header it
// could not size; the byte stream cannot be resynchronized after that.
var ErrStreamBroken = errors.New("transport: stream broken by invalid frame")

// ConnChannel carries whole frames over one stream connection.
type ConnChannel struct {
	conn         net.Conn
	limits       frame.Limits
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	broken error
}

func NewConnChannel(conn net.Conn, cfg Config) *ConnChannel {
	cfg = cfg.WithDefaults()
	return &ConnChannel{
		conn:         conn,
		limits:       cfg.Limits,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (c *ConnChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// RecvFrame returns the next frame's raw bytes. A frame whose header is
// readable but invalid is still returned once so it can be answered, and the
// following call fails with ErrStreamBroken.
func (c *ConnChannel) RecvFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	broken := c.broken
	c.mu.Unlock()
	if broken != nil {
		return nil, broken
	}

	stop := c.watch(ctx)
	defer stop()
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	raw, err := frame.ReadRaw(c.conn, c.limits)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(raw) > 0 {
			c.mu.Lock()
			c.broken = fmt.Errorf("%w: %v", ErrStreamBroken, err)
			c.mu.Unlock()
			return raw, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return raw, nil
}

func (c *ConnChannel) SendFrame(ctx context.Context, b []byte) error {
	stop := c.watch(ctx)
	defer stop()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *ConnChannel) Close() error {
	return c.conn.Close()
}

// watch unblocks pending I/O when ctx ends.
func (c *ConnChannel) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
}
