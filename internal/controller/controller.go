// Package controller runs the serialized command processor for one robot.
//
// Every Channel funnels into the same processor goroutine, which owns the
// robot.Machine and robot.Session. A channel does not read its next frame
// until the reply to the previous one has been sent.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/robctl/internal/auth"
	"github.com/danmuck/robctl/internal/observability"
	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/danmuck/robctl/internal/robot"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped        = errors.New("controller: stopped")
	ErrAlreadyRunning = errors.New("controller: already running")
	ErrNilBackend     = errors.New("controller: nil backend")
)

// Channel carries request frames in and reply frames out. RecvFrame returns
// io.EOF when the peer is gone.
type Channel interface {
	RecvFrame(ctx context.Context) ([]byte, error)
	SendFrame(ctx context.Context, b []byte) error
}

type job struct {
	frame []byte
	reply chan []byte
}

type Controller struct {
	cfg       Config
	backend   robot.Backend
	validator auth.Validator
	machine   *robot.Machine
	session   *robot.Session

	inbox   chan job
	done    chan struct{}
	running atomic.Bool
	stopped atomic.Bool

	mu     sync.RWMutex
	status Status
}

type Option func(*Controller)

// WithValidator requires every request's auth block to pass v.
func WithValidator(v auth.Validator) Option {
	return func(c *Controller) { c.validator = v }
}

func New(cfg Config, backend robot.Backend, opts ...Option) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, ErrNilBackend
	}
	c := &Controller{
		cfg:     cfg,
		backend: robot.WithTimeout(backend, cfg.BackendTimeout),
		machine: robot.NewMachine(robot.WithHistory(robot.NewHistory(cfg.HistoryLimit))),
		session: &robot.Session{},
		inbox:   make(chan job, cfg.QueueDepth),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status = Status{ID: cfg.ID, StartedAt: time.Now()}
	c.publish()
	return c, nil
}

func (c *Controller) ID() string {
	return c.cfg.ID
}

// Ready reports whether Run is processing requests.
func (c *Controller) Ready() bool {
	return c.running.Load() && !c.stopped.Load()
}

// Run processes submitted frames one at a time until ctx ends. A backend call
// in flight when ctx ends still runs to completion or timeout.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		c.stopped.Store(true)
		close(c.done)
	}()
	log.Info().
		Str("robot", c.cfg.ID).
		Str("state", c.machine.State().String()).
		Dur("backend_timeout", c.cfg.BackendTimeout).
		Msg("controller.Run started")

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("robot", c.cfg.ID).Msg("controller.Run stopped")
			return nil
		case j := <-c.inbox:
			j.reply <- c.process(work, j.frame)
		}
	}
}

// Submit queues one request frame and waits for its reply frame. Once
// queued, the request is processed even if ctx ends.
func (c *Controller) Submit(ctx context.Context, frame []byte) ([]byte, error) {
	j := job{frame: frame, reply: make(chan []byte, 1)}
	select {
	case c.inbox <- j:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-j.reply:
		return rep, nil
	case <-c.done:
		select {
		case rep := <-j.reply:
			return rep, nil
		default:
			return nil, ErrStopped
		}
	}
}

// Serve answers frames from ch until the peer goes away or ctx ends. It
// returns nil on a clean end of stream.
func (c *Controller) Serve(ctx context.Context, ch Channel) error {
	for {
		b, err := ch.RecvFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		rep, err := c.Submit(ctx, b)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				req, _ := control.DecodeRequest(b)
				out := control.EncodeReply(control.ErrorReply(req.MessageID, c.State(), control.ReasonUnavailable))
				_ = ch.SendFrame(ctx, out)
			}
			return err
		}
		if err := ch.SendFrame(ctx, rep); err != nil {
			return fmt.Errorf("controller: send reply: %w", err)
		}
	}
}

func (c *Controller) process(ctx context.Context, b []byte) []byte {
	req, err := control.DecodeRequest(b)
	if err != nil {
		log.Warn().
			Err(err).
			Str("robot", c.cfg.ID).
			Uint64("message_id", req.MessageID).
			Msg("controller malformed request")
		rep := control.ErrorReply(req.MessageID, c.machine.State(), control.ReasonMalformed)
		c.finish(req, rep, observability.OutcomeMalformed)
		return control.EncodeReply(rep)
	}

	if c.validator != nil {
		if err := c.validator.Validate(string(req.Auth)); err != nil {
			log.Warn().
				Err(err).
				Str("robot", c.cfg.ID).
				Uint64("message_id", req.MessageID).
				Str("request", req.Code.String()).
				Msg("controller unauthorized request")
			rep := control.ErrorReply(req.MessageID, c.machine.State(), control.ReasonUnauthorized)
			c.finish(req, rep, observability.OutcomeUnauthorized)
			return control.EncodeReply(rep)
		}
	}

	start := time.Now()
	rep, err := c.machine.Handle(ctx, req, c.backend, c.session)
	elapsed := time.Since(start)

	outcome := observability.OutcomeOK
	switch {
	case errors.Is(err, robot.ErrInvalidTransition):
		outcome = observability.OutcomeRejected
	case err != nil:
		outcome = observability.OutcomeFailed
	}
	if callsBackend(req.Code) && outcome != observability.OutcomeRejected {
		observability.RecordBackendCall(c.cfg.ID, req.Code.String(), elapsed, err == nil)
	}

	log.Info().
		Str("robot", c.cfg.ID).
		Uint64("message_id", req.MessageID).
		Str("request", req.Code.String()).
		Str("reply", rep.Code.String()).
		Str("state", rep.State.String()).
		Str("outcome", outcome).
		Dur("elapsed", elapsed).
		Msg("controller handled request")
	c.finish(req, rep, outcome)
	return control.EncodeReply(rep)
}

func callsBackend(code control.RequestCode) bool {
	return code != control.ReqSetUser && code != control.ReqSetConfig
}

func (c *Controller) finish(req control.Request, rep control.Reply, outcome string) {
	request := "unknown"
	if req.Code.Valid() && outcome != observability.OutcomeMalformed {
		request = req.Code.String()
	}
	observability.RecordControlRequest(c.cfg.ID, request, rep.Code.String(), outcome)

	c.mu.Lock()
	c.status.Processed++
	switch outcome {
	case observability.OutcomeRejected:
		c.status.Rejected++
	case observability.OutcomeFailed:
		c.status.Failed++
	case observability.OutcomeMalformed, observability.OutcomeUnauthorized:
		c.status.Refused++
	}
	c.status.LastRequest = request
	c.status.LastReply = rep.String()
	c.mu.Unlock()
	c.publish()
}
