package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"robot", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "robctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"robot", "method", "path", "status"},
	)
	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robctl",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control requests by request code, reply code and outcome.",
		},
		[]string{"robot", "request", "reply", "outcome"},
	)
	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "robctl",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Robot backend call duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
		[]string{"robot", "op", "success"},
	)
	robotState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "robctl",
			Subsystem: "robot",
			Name:      "state",
			Help:      "1 for the robot's current state, 0 otherwise.",
		},
		[]string{"robot", "state"},
	)
)

// Request outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
	OutcomeMalformed    = "malformed"
	OutcomeUnauthorized = "unauthorized"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, controlRequests, backendDuration, robotState)
	})
}

func RecordHTTPRequest(robot, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(robot, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(robot, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordControlRequest(robot, request, reply, outcome string) {
	RegisterMetrics()
	controlRequests.WithLabelValues(robot, request, reply, outcome).Inc()
}

func RecordBackendCall(robot, op string, duration time.Duration, success bool) {
	RegisterMetrics()
	backendDuration.WithLabelValues(robot, op, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// SetRobotState marks current as the only active state among states.
func SetRobotState(robot, current string, states []string) {
	RegisterMetrics()
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		robotState.WithLabelValues(robot, s).Set(v)
	}
}
