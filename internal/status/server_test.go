package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/robctl/internal/controller"
	"github.com/danmuck/robctl/internal/observability"
	"github.com/danmuck/robctl/internal/robot"
	"github.com/danmuck/robctl/internal/testutil/testlog"
)

type fakeSource struct {
	ready  atomic.Bool
	status controller.Status
}

func (f *fakeSource) ID() string { return f.status.ID }
func (f *fakeSource) Ready() bool { return f.ready.Load() }
func (f *fakeSource) Status() controller.Status { return f.status }

func newSource() *fakeSource {
	return &fakeSource{status: controller.Status{
		ID:        "arm-status",
		State:     "idle",
		Processed: 3,
		Session:   robot.SessionSnapshot{User: "alice", HasUser: true, ConfigVersion: 2},
		StartedAt: time.Now(),
	}}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	s := New(newSource(), Config{})
	rr := get(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["robot"] != "arm-status" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyFollowsController(t *testing.T) {
	testlog.Start(t)
	src := newSource()
	s := New(src, Config{})
	if rr := get(t, s, "/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before run, got %d", rr.Code)
	}
	src.ready.Store(true)
	if rr := get(t, s, "/ready"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 while running, got %d", rr.Code)
	}
}

func TestStatusSnapshot(t *testing.T) {
	testlog.Start(t)
	s := New(newSource(), Config{})
	rr := get(t, s, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got controller.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "arm-status" || got.State != "idle" || got.Processed != 3 {
		t.Fatalf("unexpected status %+v", got)
	}
	if got.Session.User != "alice" || got.Session.ConfigVersion != 2 {
		t.Fatalf("unexpected session %+v", got.Session)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	observability.RecordControlRequest("arm-status", "ROBOT_REQ_ENABLE", "ROBOT_REP_ENABLED", observability.OutcomeOK)
	s := New(newSource(), Config{})
	_ = get(t, s, "/health")
	rr := get(t, s, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"robctl_control_requests_total", "robctl_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}

func TestServeStopsOnContext(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(newSource(), Config{ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
