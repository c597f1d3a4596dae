package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/robctl/internal/protocol/frame"
	"github.com/danmuck/robctl/internal/testutil/testlog"
	"github.com/danmuck/robctl/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, Jitter: true}
	got := NextBackoffDelay(cfg, 2, rand.New(rand.NewSource(7)))
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	errBoom := errors.New("boom")
	err := Retry(context.Background(), cfg, 3, nil, func(int) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) || calls != 3 {
		t.Fatalf("expected 3 failed calls, got calls=%d err=%v", calls, err)
	}

	calls = 0
	err = Retry(context.Background(), cfg, 0, nil, func(attempt int) error {
		calls++
		if attempt < 4 {
			return errBoom
		}
		return nil
	})
	if err != nil || calls != 4 {
		t.Fatalf("expected success on attempt 4, got calls=%d err=%v", calls, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, BackoffConfig{InitialDelay: time.Hour}, 0, nil, func(int) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValidateClientProductionRequiresMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateServer(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("development plaintext should be valid: %v", err)
	}
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateServer(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	cfg.SecurityMode = " Production "
	cfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: "a", KeyFile: "b"}
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
}

func TestConnChannelRoundTrip(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	server := NewConnChannel(a, DefaultConfig())
	ctx := context.Background()

	want, _ := frame.Marshal(frame.Frame{Header: frame.Header{MessageID: 9, MessageType: 2}}, frame.DefaultLimits())
	go func() { _, _ = b.Write(want) }()
	got, err := server.RecvFrame(ctx)
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("recv: err=%v", err)
	}

	go func() { _ = server.SendFrame(ctx, want) }()
	echo := make([]byte, len(want))
	if _, err := io.ReadFull(b, echo); err != nil || !bytes.Equal(echo, want) {
		t.Fatalf("send: err=%v", err)
	}

	_ = b.Close()
	if _, err := server.RecvFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after peer close, got %v", err)
	}
}

func TestConnChannelInvalidHeaderBreaksStream(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ch := NewConnChannel(a, DefaultConfig())

	bad := frame.EncodeHeader(frame.Header{Magic: 0xDEADBEEF, Version: frame.Version, HeaderLen: frame.FixedHeaderLen, MessageID: 31})
	go func() { _, _ = b.Write(bad) }()
	raw, err := ch.RecvFrame(context.Background())
	if err != nil || !bytes.Equal(raw, bad) {
		t.Fatalf("expected invalid header returned once, err=%v", err)
	}
	if _, err := ch.RecvFrame(context.Background()); !errors.Is(err, ErrStreamBroken) {
		t.Fatalf("expected ErrStreamBroken, got %v", err)
	}
}

func TestConnChannelRecvHonorsContext(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ch := NewConnChannel(a, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.RecvFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemPair(t *testing.T) {
	testlog.Start(t)
	client, server := NewMemPair(2)
	ctx := context.Background()
	if err := client.SendFrame(ctx, []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.SendFrame(ctx, []byte("two")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.Close()

	for _, want := range []string{"one", "two"} {
		got, err := server.RecvFrame(ctx)
		if err != nil || string(got) != want {
			t.Fatalf("expected %q, got %q err=%v", want, got, err)
		}
	}
	if _, err := server.RecvFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after drain, got %v", err)
	}
	if err := server.SendFrame(ctx, []byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed sending to closed peer, got %v", err)
	}
}

// echoHandler answers every frame with itself.
func echoHandler(ctx context.Context, ch *ConnChannel) {
	for {
		b, err := ch.RecvFrame(ctx)
		if err != nil {
			return
		}
		if err := ch.SendFrame(ctx, b); err != nil {
			return
		}
	}
}

func startListener(t *testing.T, cfg Config) (*Listener, context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener(cfg, echoHandler)
	done := make(chan error, 1)
	go func() { done <- l.ListenAndServe(ctx, "127.0.0.1:0") }()
	select {
	case <-l.ready:
	case err := <-done:
		cancel()
		t.Fatalf("listen: %v", err)
	}
	return l, cancel, done
}

func echoOnce(t *testing.T, conn net.Conn) {
	t.Helper()
	ch := NewConnChannel(conn, DefaultConfig())
	want, _ := frame.Marshal(frame.Frame{Header: frame.Header{MessageID: 1}}, frame.DefaultLimits())
	if err := ch.SendFrame(context.Background(), want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := ch.RecvFrame(context.Background())
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("echo mismatch: err=%v", err)
	}
}

func TestListenerServesAndShutsDown(t *testing.T) {
	testlog.Start(t)
	l, cancel, done := startListener(t, DefaultConfig())

	conn, err := Dial(context.Background(), l.Addr().String(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	echoOnce(t, conn)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
	if l.ActiveConns() != 0 {
		t.Fatalf("expected connections drained, got %d", l.ActiveConns())
	}
}

func TestListenerMutualTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "robctl-test-ca")
	server := ca.LoopbackServer(t, dir)
	client := ca.Client(t, dir, "operator-1")

	srvCfg := DefaultConfig()
	srvCfg.SecurityMode = SecurityModeProduction
	srvCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: server.Cert, KeyFile: server.Key, CAFile: ca.CAFile()}
	l, cancel, _ := startListener(t, srvCfg)
	defer cancel()

	cliCfg := DefaultConfig()
	cliCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: client.Cert, KeyFile: client.Key, CAFile: ca.CAFile()}
	conn, err := Dial(context.Background(), l.Addr().String(), cliCfg, nil)
	if err != nil {
		t.Fatalf("dial tls: %v", err)
	}
	defer conn.Close()
	echoOnce(t, conn)
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	if _, err := Dial(context.Background(), addr, cfg, nil); err == nil {
		t.Fatalf("expected dial to closed port to fail")
	}
}
