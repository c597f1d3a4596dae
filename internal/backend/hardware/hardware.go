// Package hardware drives a robot driver process over its single-byte
// command protocol.
//
// Each command is one byte carrying the request code (Disable=1 through
// Preprocess=8). The driver answers with one state byte: the same value on
// success, 0 when the robot refused or faulted. Command 0 asks for the robot
// description; the driver answers with a big-endian uint32 length and that
// many bytes.
package hardware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/danmuck/robctl/internal/transport"
	"github.com/rs/zerolog/log"
)

const infoCommand byte = 0x00

var (
	ErrNoAddress       = errors.New("hardware: driver address is required")
	ErrDriverRejected  = errors.New("hardware: driver rejected command")
	ErrInfoTooLarge    = errors.New("hardware: info reply too large")
	ErrUnsupportedCode = errors.New("hardware: request has no driver command")
)

// aLongTimeAgo unblocks pending I/O when set as a deadline.
var aLongTimeAgo = time.Unix(1, 0)

type Config struct {
	Address   string
	Transport transport.Config
	// MaxInfoBytes caps the description blob; 0 uses the transport payload limit.
	MaxInfoBytes uint32
}

func (c Config) WithDefaults() Config {
	c.Address = strings.TrimSpace(c.Address)
	c.Transport = c.Transport.WithDefaults()
	if c.MaxInfoBytes == 0 {
		c.MaxInfoBytes = uint32(c.Transport.Limits.MaxPayloadBytes)
	}
	return c
}

// Backend implements robot.Backend against a driver connection. The
// connection is dialed on first use and redialed after any I/O error;
// commands themselves are never retried.
type Backend struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
	rng  *rand.Rand
}

func New(cfg Config) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if err := cfg.Transport.ValidateClient(); err != nil {
		return nil, err
	}
	return &Backend{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the driver now instead of on the first command.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.ensureConn(ctx)
	return err
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Backend) Info(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := b.exchange(ctx, "info", func(conn net.Conn) error {
		if _, err := conn.Write([]byte{infoCommand}); err != nil {
			return err
		}
		var size [4]byte
		if _, err := io.ReadFull(conn, size[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(size[:])
		if n > b.cfg.MaxInfoBytes {
			return fmt.Errorf("%w: %d > %d", ErrInfoTooLarge, n, b.cfg.MaxInfoBytes)
		}
		blob = make([]byte, n)
		_, err := io.ReadFull(conn, blob)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (b *Backend) Disable(ctx context.Context) error    { return b.command(ctx, control.ReqDisable) }
func (b *Backend) Enable(ctx context.Context) error     { return b.command(ctx, control.ReqEnable) }
func (b *Backend) Reset(ctx context.Context) error      { return b.command(ctx, control.ReqReset) }
func (b *Backend) Passivate(ctx context.Context) error  { return b.command(ctx, control.ReqPassivate) }
func (b *Backend) Operate(ctx context.Context) error    { return b.command(ctx, control.ReqOperate) }
func (b *Backend) Offset(ctx context.Context) error     { return b.command(ctx, control.ReqOffset) }
func (b *Backend) Calibrate(ctx context.Context) error  { return b.command(ctx, control.ReqCalibrate) }
func (b *Backend) Preprocess(ctx context.Context) error { return b.command(ctx, control.ReqPreprocess) }

func (b *Backend) command(ctx context.Context, code control.RequestCode) error {
	cmd, ok := commandByte(code)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedCode, code)
	}
	var got byte
	err := b.exchange(ctx, code.String(), func(conn net.Conn) error {
		if _, err := conn.Write([]byte{cmd}); err != nil {
			return err
		}
		var reply [1]byte
		if _, err := io.ReadFull(conn, reply[:]); err != nil {
			return err
		}
		got = reply[0]
		return nil
	})
	if err != nil {
		return err
	}
	if got != cmd {
		return fmt.Errorf("%w: %s answered state %d", ErrDriverRejected, code, got)
	}
	return nil
}

func commandByte(code control.RequestCode) (byte, bool) {
	switch code {
	case control.ReqDisable, control.ReqEnable, control.ReqReset, control.ReqPassivate,
		control.ReqOperate, control.ReqOffset, control.ReqCalibrate, control.ReqPreprocess:
		return byte(code), true
	default:
		return 0, false
	}
}

// exchange runs fn on the driver connection with ctx mapped onto the
// connection deadline. Any error drops the connection so the next call
// redials.
func (b *Backend) exchange(ctx context.Context, op string, fn func(net.Conn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.ensureConn(ctx)
	if err != nil {
		return fmt.Errorf("hardware: %s: dial %s: %w", op, b.cfg.Address, err)
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	err = fn(conn)
	stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		log.Warn().
			Err(err).
			Str("addr", b.cfg.Address).
			Str("op", op).
			Msg("hardware.Backend dropping driver connection")
		_ = conn.Close()
		b.conn = nil
		return fmt.Errorf("hardware: %s: %w", op, err)
	}
	return nil
}

func (b *Backend) ensureConn(ctx context.Context) (net.Conn, error) {
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := transport.Dial(ctx, b.cfg.Address, b.cfg.Transport, b.rng)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", b.cfg.Address).Msg("hardware.Backend connected to driver")
	b.conn = conn
	return conn, nil
}
