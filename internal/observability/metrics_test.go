package observability

import (
	"testing"
	"time"

	"github.com/danmuck/robctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("arm-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordBackendCall("arm-a", "ROBOT_REQ_ENABLE", 3*time.Millisecond, true)
	RecordControlRequest("arm-a", "ROBOT_REQ_ENABLE", "ROBOT_REP_ENABLED", OutcomeOK)

	got := testutil.ToFloat64(controlRequests.WithLabelValues("arm-a", "ROBOT_REQ_ENABLE", "ROBOT_REP_ENABLED", OutcomeOK))
	if got != 1 {
		t.Fatalf("expected 1 control request, got %v", got)
	}
}

func TestSetRobotStateIsExclusive(t *testing.T) {
	testlog.Start(t)
	states := []string{"disabled", "idle", "error"}
	SetRobotState("arm-b", "idle", states)
	SetRobotState("arm-b", "error", states)

	if v := testutil.ToFloat64(robotState.WithLabelValues("arm-b", "idle")); v != 0 {
		t.Fatalf("expected idle cleared, got %v", v)
	}
	if v := testutil.ToFloat64(robotState.WithLabelValues("arm-b", "error")); v != 1 {
		t.Fatalf("expected error set, got %v", v)
	}
}
