package robot

import (
	"time"

	"github.com/danmuck/robctl/internal/protocol/control"
)

// Transition is one state change made by the Machine.
type Transition struct {
	At      time.Time           `json:"at"`
	Request control.RequestCode `json:"-"`
	Op      string              `json:"request"`
	From    State               `json:"-"`
	To      State               `json:"-"`
	FromStr string              `json:"from"`
	ToStr   string              `json:"to"`
	Err     string              `json:"error,omitempty"`
}

// History keeps the most recent transitions, oldest dropped first.
type History struct {
	limit int
	buf   []Transition
	next  int
	full  bool
}

func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit, buf: make([]Transition, limit)}
}

func (h *History) Record(tr Transition) {
	if h == nil || h.limit == 0 {
		return
	}
	tr.Op = tr.Request.String()
	tr.FromStr = tr.From.String()
	tr.ToStr = tr.To.String()
	h.buf[h.next] = tr
	h.next = (h.next + 1) % h.limit
	if h.next == 0 {
		h.full = true
	}
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	if h.full {
		return h.limit
	}
	return h.next
}

// Snapshot returns the retained transitions, oldest first.
func (h *History) Snapshot() []Transition {
	n := h.Len()
	out := make([]Transition, 0, n)
	if n == 0 {
		return out
	}
	start := 0
	if h.full {
		start = h.next
	}
	for i := 0; i < n; i++ {
		out = append(out, h.buf[(start+i)%h.limit])
	}
	return out
}
