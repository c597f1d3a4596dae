package controller

import (
	"time"

	"github.com/danmuck/robctl/internal/observability"
	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/danmuck/robctl/internal/robot"
)

// Status is a point-in-time view of the controller for the status endpoint.
type Status struct {
	ID          string                `json:"id"`
	State       string                `json:"state"`
	Session     robot.SessionSnapshot `json:"session"`
	History     []robot.Transition    `json:"history"`
	Processed   uint64                `json:"processed"`
	Rejected    uint64                `json:"rejected"`
	Failed      uint64                `json:"failed"`
	Refused     uint64                `json:"refused"`
	LastRequest string                `json:"last_request,omitempty"`
	LastReply   string                `json:"last_reply,omitempty"`
	StartedAt   time.Time             `json:"started_at"`

	state control.State
}

// Status returns a copy safe to use from any goroutine.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.status
	out.History = append([]robot.Transition(nil), c.status.History...)
	return out
}

func (c *Controller) State() control.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.state
}

// publish copies machine and session state into the shared snapshot. Only
// the processor goroutine (or New, before it starts) calls it.
func (c *Controller) publish() {
	state := c.machine.State()
	session := c.session.Snapshot()
	history := c.machine.History().Snapshot()

	c.mu.Lock()
	c.status.state = state
	c.status.State = state.String()
	c.status.Session = session
	c.status.History = history
	c.mu.Unlock()

	observability.SetRobotState(c.cfg.ID, state.String(), stateNames())
}

func stateNames() []string {
	all := control.AllStates()
	out := make([]string, 0, len(all))
	for _, s := range all {
		out = append(out, s.String())
	}
	return out
}
