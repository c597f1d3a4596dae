package robot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/robctl/internal/protocol/control"
)

type State = control.State

var (
	ErrInvalidTransition = errors.New("robot: invalid in current state")
	ErrBackendFailure    = errors.New("robot: backend failure")
	ErrBackendTimeout    = errors.New("robot: backend timeout")
)

// Backend drives the physical or simulated robot through one lifecycle step.
// Calls may block on I/O and should honor ctx cancellation.
type Backend interface {
	Info(ctx context.Context) ([]byte, error)
	Disable(ctx context.Context) error
	Enable(ctx context.Context) error
	Reset(ctx context.Context) error
	Passivate(ctx context.Context) error
	Operate(ctx context.Context) error
	Offset(ctx context.Context) error
	Calibrate(ctx context.Context) error
	Preprocess(ctx context.Context) error
}

// Invoke runs the backend operation that backs code. Session requests have
// no backend operation and return nil.
func Invoke(ctx context.Context, b Backend, code control.RequestCode) error {
	switch code {
	case control.ReqDisable:
		return b.Disable(ctx)
	case control.ReqEnable:
		return b.Enable(ctx)
	case control.ReqReset:
		return b.Reset(ctx)
	case control.ReqPassivate:
		return b.Passivate(ctx)
	case control.ReqOperate:
		return b.Operate(ctx)
	case control.ReqOffset:
		return b.Offset(ctx)
	case control.ReqCalibrate:
		return b.Calibrate(ctx)
	case control.ReqPreprocess:
		return b.Preprocess(ctx)
	case control.ReqGetInfo:
		_, err := b.Info(ctx)
		return err
	default:
		return nil
	}
}

// WithTimeout bounds every call on b by d. A call that does not return in
// time fails with ErrBackendTimeout; it keeps running in the background and
// later calls wait for it (within their own bound) before reaching b.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{inner: b, timeout: d, busy: make(chan struct{}, 1)}
}

type timeoutBackend struct {
	inner   Backend
	timeout time.Duration
	busy    chan struct{}
}

func (t *timeoutBackend) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	select {
	case t.busy <- struct{}{}:
	case <-ctx.Done():
		return t.expired(ctx, op+" waiting for previous call")
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-t.busy }()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return t.expired(ctx, op)
	}
}

func (t *timeoutBackend) expired(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrBackendTimeout, op, t.timeout)
	}
	return fmt.Errorf("robot: %s: %w", op, ctx.Err())
}

func (t *timeoutBackend) Info(ctx context.Context) ([]byte, error) {
	var info []byte
	err := t.do(ctx, "info", func(ctx context.Context) error {
		var err error
		info, err = t.inner.Info(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (t *timeoutBackend) Disable(ctx context.Context) error {
	return t.do(ctx, "disable", t.inner.Disable)
}

func (t *timeoutBackend) Enable(ctx context.Context) error {
	return t.do(ctx, "enable", t.inner.Enable)
}

func (t *timeoutBackend) Reset(ctx context.Context) error {
	return t.do(ctx, "reset", t.inner.Reset)
}

func (t *timeoutBackend) Passivate(ctx context.Context) error {
	return t.do(ctx, "passivate", t.inner.Passivate)
}

func (t *timeoutBackend) Operate(ctx context.Context) error {
	return t.do(ctx, "operate", t.inner.Operate)
}

func (t *timeoutBackend) Offset(ctx context.Context) error {
	return t.do(ctx, "offset", t.inner.Offset)
}

func (t *timeoutBackend) Calibrate(ctx context.Context) error {
	return t.do(ctx, "calibrate", t.inner.Calibrate)
}

func (t *timeoutBackend) Preprocess(ctx context.Context) error {
	return t.do(ctx, "preprocess", t.inner.Preprocess)
}
