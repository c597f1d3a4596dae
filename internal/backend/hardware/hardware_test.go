package hardware

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/danmuck/robctl/internal/robot"
	"github.com/danmuck/robctl/internal/testutil/testlog"
	"github.com/danmuck/robctl/internal/transport"
)

var _ robot.Backend = (*Backend)(nil)

// fakeDriver answers the single-byte protocol on a loopback listener.
type fakeDriver struct {
	ln       net.Listener
	info     []byte
	accepted atomic.Int32

	mu        sync.Mutex
	override  map[byte]byte
	silent    bool
	dropAfter int
	commands  []byte
}

func startDriver(t *testing.T) *fakeDriver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDriver{ln: ln, info: []byte("arm-7dof"), override: map[byte]byte{}}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.accepted.Add(1)
			go d.serve(conn)
		}
	}()
	return d
}

func (d *fakeDriver) serve(conn net.Conn) {
	defer conn.Close()
	handled := 0
	for {
		var cmd [1]byte
		if _, err := io.ReadFull(conn, cmd[:]); err != nil {
			return
		}
		d.mu.Lock()
		d.commands = append(d.commands, cmd[0])
		reply, overridden := d.override[cmd[0]]
		silent := d.silent
		dropAfter := d.dropAfter
		d.mu.Unlock()

		if silent {
			continue
		}
		if cmd[0] == infoCommand {
			var size [4]byte
			binary.BigEndian.PutUint32(size[:], uint32(len(d.info)))
			_, _ = conn.Write(append(size[:], d.info...))
		} else {
			if !overridden {
				reply = cmd[0]
			}
			_, _ = conn.Write([]byte{reply})
		}
		handled++
		if dropAfter > 0 && handled >= dropAfter {
			return
		}
	}
}

func (d *fakeDriver) set(fn func(d *fakeDriver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func newBackend(t *testing.T, addr string) *Backend {
	t.Helper()
	b, err := New(Config{
		Address: addr,
		Transport: transport.Config{
			ConnectTimeout:     time.Second,
			MaxConnectAttempts: 1,
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestCommandsEchoState(t *testing.T) {
	testlog.Start(t)
	d := startDriver(t)
	b := newBackend(t, d.ln.Addr().String())
	ctx := context.Background()

	steps := []struct {
		name string
		fn   func(context.Context) error
		cmd  byte
	}{
		{"enable", b.Enable, byte(control.ReqEnable)},
		{"operate", b.Operate, byte(control.ReqOperate)},
		{"passivate", b.Passivate, byte(control.ReqPassivate)},
		{"offset", b.Offset, byte(control.ReqOffset)},
		{"calibrate", b.Calibrate, byte(control.ReqCalibrate)},
		{"preprocess", b.Preprocess, byte(control.ReqPreprocess)},
		{"reset", b.Reset, byte(control.ReqReset)},
		{"disable", b.Disable, byte(control.ReqDisable)},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
	}
	if d.accepted.Load() != 1 {
		t.Fatalf("expected one driver connection, got %d", d.accepted.Load())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commands) != len(steps) {
		t.Fatalf("expected %d commands, got %v", len(steps), d.commands)
	}
	for i, step := range steps {
		if d.commands[i] != step.cmd {
			t.Fatalf("%s: expected command byte %d, got %d", step.name, step.cmd, d.commands[i])
		}
	}
}

func TestDriverRejection(t *testing.T) {
	testlog.Start(t)
	d := startDriver(t)
	b := newBackend(t, d.ln.Addr().String())
	d.set(func(d *fakeDriver) {
		d.override[byte(control.ReqOffset)] = 0
		d.override[byte(control.ReqCalibrate)] = byte(control.StateError)
	})

	if err := b.Offset(context.Background()); !errors.Is(err, ErrDriverRejected) {
		t.Fatalf("expected ErrDriverRejected on zero reply, got %v", err)
	}
	if err := b.Calibrate(context.Background()); !errors.Is(err, ErrDriverRejected) {
		t.Fatalf("expected ErrDriverRejected on mismatched reply, got %v", err)
	}
	// A refused command is not an I/O error; the connection stays up.
	if err := b.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if d.accepted.Load() != 1 {
		t.Fatalf("expected connection reuse, got %d dials", d.accepted.Load())
	}
}

func TestInfoReadsLengthPrefixedBlob(t *testing.T) {
	testlog.Start(t)
	d := startDriver(t)
	b := newBackend(t, d.ln.Addr().String())

	info, err := b.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if string(info) != "arm-7dof" {
		t.Fatalf("expected arm-7dof, got %q", info)
	}
}

func TestInfoTooLarge(t *testing.T) {
	testlog.Start(t)
	d := startDriver(t)
	b, err := New(Config{
		Address:      d.ln.Addr().String(),
		Transport:    transport.Config{MaxConnectAttempts: 1},
		MaxInfoBytes: 4,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()
	if _, err := b.Info(context.Background()); !errors.Is(err, ErrInfoTooLarge) {
		t.Fatalf("expected ErrInfoTooLarge, got %v", err)
	}
}

func TestRedialAfterDrop(t *testing.T) {
	testlog.Start(t)
	d := startDriver(t)
	d.set(func(d *fakeDriver) { d.dropAfter = 1 })
	b := newBackend(t, d.ln.Addr().String())
	ctx := context.Background()

	if err := b.Enable(ctx); err != nil {
		t.Fatalf("first enable: %v", err)
	}
	if err := b.Operate(ctx); err == nil {
		t.Fatalf("expected failure on dropped connection")
	}
	if err := b.Passivate(ctx); err != nil {
		t.Fatalf("expected redial to succeed, got %v", err)
	}
	if d.accepted.Load() != 2 {
		t.Fatalf("expected 2 dials, got %d", d.accepted.Load())
	}
}

func TestContextBoundsSilentDriver(t *testing.T) {
	testlog.Start(t)
	d := startDriver(t)
	d.set(func(d *fakeDriver) { d.silent = true })
	b := newBackend(t, d.ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := b.Enable(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("silent driver held the call for %v", time.Since(start))
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel2()
	}()
	if err := b.Enable(ctx2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestNewRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{Address: "  "}); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}

func TestDialFailureSurfaces(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	b := newBackend(t, addr)
	if err := b.Enable(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
