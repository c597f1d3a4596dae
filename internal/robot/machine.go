package robot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/rs/zerolog/log"
)

const (
	StateUnknown       = control.StateUnknown
	StateDisabled      = control.StateDisabled
	StateIdle          = control.StateIdle
	StateError         = control.StateError
	StateOperating     = control.StateOperating
	StateOffsetting    = control.StateOffsetting
	StateCalibrating   = control.StateCalibrating
	StatePreprocessing = control.StatePreprocessing
)

type rule struct {
	from func(State) bool
	// next is the post-transition state; StateUnknown leaves it unchanged.
	next State
}

func anyState(State) bool { return true }

func only(states ...State) func(State) bool {
	return func(s State) bool {
		for _, allowed := range states {
			if s == allowed {
				return true
			}
		}
		return false
	}
}

var transitions = map[control.RequestCode]rule{
	control.ReqGetInfo:    {from: anyState},
	control.ReqDisable:    {from: func(s State) bool { return s != StateDisabled }, next: StateDisabled},
	control.ReqEnable:     {from: only(StateDisabled), next: StateIdle},
	control.ReqReset:      {from: anyState, next: StateDisabled},
	control.ReqPassivate:  {from: func(s State) bool { return s == StateIdle || s.Active() }, next: StateIdle},
	control.ReqOperate:    {from: only(StateIdle), next: StateOperating},
	control.ReqOffset:     {from: only(StateIdle), next: StateOffsetting},
	control.ReqCalibrate:  {from: only(StateIdle), next: StateCalibrating},
	control.ReqPreprocess: {from: only(StateIdle), next: StatePreprocessing},
	control.ReqSetUser:    {from: only(StateIdle, StateDisabled)},
	control.ReqSetConfig:  {from: only(StateIdle, StateDisabled)},
}

// Allowed reports whether code is accepted in state s.
func Allowed(s State, code control.RequestCode) bool {
	r, ok := transitions[code]
	return ok && r.from(s)
}

// Next returns the state a successful code moves s to. ok is false when the
// request is rejected in s.
func Next(s State, code control.RequestCode) (State, bool) {
	r, ok := transitions[code]
	if !ok || !r.from(s) {
		return s, false
	}
	if r.next == StateUnknown {
		return s, true
	}
	return r.next, true
}

// Machine holds the current robot state and applies the transition table.
type Machine struct {
	state   State
	history *History
	now     func() time.Time
}

type MachineOption func(*Machine)

func WithHistory(h *History) MachineOption {
	return func(m *Machine) { m.history = h }
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine returns a Machine in StateDisabled.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{state: StateDisabled, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) History() *History {
	return m.history
}

// Handle applies req. The returned reply is always valid and must be sent.
// err is nil when the request took effect, wraps ErrInvalidTransition when it
// was rejected with no state change, and wraps ErrBackendFailure when the
// backend failed and the machine moved to StateError.
func (m *Machine) Handle(ctx context.Context, req control.Request, backend Backend, session *Session) (control.Reply, error) {
	r, ok := transitions[req.Code]
	if !ok {
		err := fmt.Errorf("%w: unknown request %d", ErrInvalidTransition, uint32(req.Code))
		return control.ErrorReply(req.MessageID, m.state, control.ReasonMalformed), err
	}
	if !r.from(m.state) {
		log.Debug().
			Uint64("message_id", req.MessageID).
			Str("request", req.Code.String()).
			Str("state", m.state.String()).
			Msg("robot.Machine rejected request")
		err := fmt.Errorf("%w: %s in %s", ErrInvalidTransition, req.Code, m.state)
		return control.ErrorReply(req.MessageID, m.state, control.ReasonInvalidTransition), err
	}

	switch req.Code {
	case control.ReqGetInfo:
		info, err := backend.Info(ctx)
		if err != nil {
			return m.fail(req, err)
		}
		if info == nil {
			info = []byte{}
		}
		return control.Reply{MessageID: req.MessageID, Code: control.RepGotInfo, State: m.state, Info: info}, nil

	case control.ReqSetUser:
		session.SetUser(req.UserID, m.now())
		return control.Reply{MessageID: req.MessageID, Code: control.RepUserSet, State: m.state, UserID: req.UserID}, nil

	case control.ReqSetConfig:
		version := session.SetConfig(req.Config, m.now())
		return control.Reply{MessageID: req.MessageID, Code: control.RepConfigSet, State: m.state, ConfigVersion: version}, nil
	}

	if err := Invoke(ctx, backend, req.Code); err != nil {
		return m.fail(req, err)
	}
	m.move(req.Code, r.next, nil)
	if req.Code == control.ReqDisable || req.Code == control.ReqReset {
		session.Clear(m.now())
	}
	return control.Reply{MessageID: req.MessageID, Code: control.SuccessReply(req.Code), State: m.state}, nil
}

func (m *Machine) fail(req control.Request, cause error) (control.Reply, error) {
	err := cause
	if !errors.Is(cause, ErrBackendFailure) {
		err = fmt.Errorf("%w: %s: %w", ErrBackendFailure, req.Code, cause)
	}
	log.Warn().
		Err(cause).
		Uint64("message_id", req.MessageID).
		Str("request", req.Code.String()).
		Str("from", m.state.String()).
		Msg("robot.Machine backend failure")
	m.move(req.Code, StateError, cause)
	return control.ErrorReply(req.MessageID, m.state, cause.Error()), err
}

func (m *Machine) move(code control.RequestCode, to State, cause error) {
	from := m.state
	m.state = to
	tr := Transition{At: m.now(), Request: code, From: from, To: to}
	if cause != nil {
		tr.Err = cause.Error()
	}
	m.history.Record(tr)
	log.Info().
		Str("request", code.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("robot.Machine transition")
}
