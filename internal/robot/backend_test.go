package robot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/robctl/internal/protocol/control"
	"github.com/danmuck/robctl/internal/testutil/testlog"
)

type slowBackend struct {
	fakeBackend
	release chan struct{}
}

func (s *slowBackend) Operate(ctx context.Context) error {
	select {
	case <-s.release:
		return nil
	case <-time.After(2 * time.Second):
		return nil
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	testlog.Start(t)
	inner := &slowBackend{release: make(chan struct{})}
	defer close(inner.release)
	b := WithTimeout(inner, 20*time.Millisecond)

	start := time.Now()
	err := b.Operate(context.Background())
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("expected ErrBackendTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout did not bound the call")
	}

	// The abandoned call still holds the backend.
	if err := b.Enable(context.Background()); !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("expected busy backend to time out, got %v", err)
	}
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	testlog.Start(t)
	inner := &fakeBackend{fail: map[string]bool{"offset": true}, info: []byte("arm")}
	b := WithTimeout(inner, time.Second)
	ctx := context.Background()

	info, err := b.Info(ctx)
	if err != nil || string(info) != "arm" {
		t.Fatalf("info: %q %v", info, err)
	}
	if err := b.Offset(ctx); !errors.Is(err, errFault) {
		t.Fatalf("expected inner error, got %v", err)
	}
	if err := b.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
}

func TestWithTimeoutZeroIsIdentity(t *testing.T) {
	testlog.Start(t)
	inner := &fakeBackend{}
	if WithTimeout(inner, 0) != Backend(inner) {
		t.Fatalf("expected zero timeout to return inner backend")
	}
}

func TestTimeoutDrivesMachineToError(t *testing.T) {
	testlog.Start(t)
	inner := &slowBackend{release: make(chan struct{})}
	defer close(inner.release)
	b := WithTimeout(inner, 20*time.Millisecond)
	m := NewMachine()
	sess := &Session{}
	ctx := context.Background()

	if _, err := m.Handle(ctx, control.Request{Code: control.ReqEnable}, b, sess); err != nil {
		t.Fatalf("enable: %v", err)
	}
	rep, err := m.Handle(ctx, control.Request{MessageID: 4, Code: control.ReqOperate}, b, sess)
	if !errors.Is(err, ErrBackendFailure) || !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("expected timeout classified as backend failure, got %v", err)
	}
	if rep.Code != control.RepError || rep.MessageID != 4 || m.State() != StateError {
		t.Fatalf("expected error reply and state, got %s", rep)
	}
}

func TestHistoryRingDropsOldest(t *testing.T) {
	testlog.Start(t)
	h := NewHistory(3)
	for i, to := range []State{StateIdle, StateOperating, StateIdle, StateDisabled} {
		h.Record(Transition{Request: control.RequestCode(i), To: to})
	}
	got := h.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(got))
	}
	if got[0].To != StateOperating || got[2].To != StateDisabled {
		t.Fatalf("unexpected order %+v", got)
	}
	if NewHistory(0).Len() != 0 {
		t.Fatalf("expected disabled history to stay empty")
	}
	var nilHistory *History
	nilHistory.Record(Transition{})
	if len(nilHistory.Snapshot()) != 0 {
		t.Fatalf("expected nil history snapshot to be empty")
	}
}
