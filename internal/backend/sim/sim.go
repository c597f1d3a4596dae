// Package sim is an in-process robot backend for development and tests.
//
// It tracks no motion; each lifecycle call succeeds after an optional
// latency unless the operation is listed in FailOps.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrInjectedFault = errors.New("sim: injected fault")

// Operation names accepted in Config.FailOps.
var Operations = []string{
	"info", "disable", "enable", "reset", "passivate",
	"operate", "offset", "calibrate", "preprocess",
}

type Config struct {
	Description Description
	Latency     time.Duration
	FailOps     []string
}

func (c Config) Validate() error {
	if err := c.Description.Validate(); err != nil {
		return err
	}
	if c.Latency < 0 {
		return fmt.Errorf("sim: latency must be >= 0")
	}
	for _, op := range c.FailOps {
		if !knownOp(op) {
			return fmt.Errorf("sim: unknown fail op %q", op)
		}
	}
	return nil
}

func knownOp(op string) bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

// Backend implements robot.Backend without hardware.
type Backend struct {
	mu      sync.Mutex
	info    []byte
	latency time.Duration
	fail    map[string]bool
	calls   map[string]int
}

func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info, err := EncodeInfo(cfg.Description)
	if err != nil {
		return nil, fmt.Errorf("sim: encode info: %w", err)
	}
	b := &Backend{
		info:    info,
		latency: cfg.Latency,
		fail:    make(map[string]bool),
		calls:   make(map[string]int),
	}
	for _, op := range cfg.FailOps {
		b.fail[strings.TrimSpace(op)] = true
	}
	return b, nil
}

// SetFault toggles fault injection for op at runtime.
func (b *Backend) SetFault(op string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[op] = fail
}

// Calls returns how many times op has been invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) step(ctx context.Context, op string) error {
	b.mu.Lock()
	b.calls[op]++
	fail := b.fail[op]
	latency := b.latency
	b.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		log.Debug().Str("op", op).Msg("sim.Backend injected fault")
		return fmt.Errorf("%w: %s", ErrInjectedFault, op)
	}
	return nil
}

func (b *Backend) Info(ctx context.Context) ([]byte, error) {
	if err := b.step(ctx, "info"); err != nil {
		return nil, err
	}
	return append([]byte(nil), b.info...), nil
}

func (b *Backend) Disable(ctx context.Context) error    { return b.step(ctx, "disable") }
func (b *Backend) Enable(ctx context.Context) error     { return b.step(ctx, "enable") }
func (b *Backend) Reset(ctx context.Context) error      { return b.step(ctx, "reset") }
func (b *Backend) Passivate(ctx context.Context) error  { return b.step(ctx, "passivate") }
func (b *Backend) Operate(ctx context.Context) error    { return b.step(ctx, "operate") }
func (b *Backend) Offset(ctx context.Context) error     { return b.step(ctx, "offset") }
func (b *Backend) Calibrate(ctx context.Context) error  { return b.step(ctx, "calibrate") }
func (b *Backend) Preprocess(ctx context.Context) error { return b.step(ctx, "preprocess") }
