package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mbclink",
			Subsystem: "channel",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by outcome.",
		},
		[]string{"side", "role", "result"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mbclink",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Step frames sent and received.",
		},
		[]string{"side", "direction", "kind"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mbclink",
			Subsystem: "channel",
			Name:      "payload_bytes_total",
			Help:      "Step payload bytes sent and received.",
		},
		[]string{"side", "direction"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mbclink",
			Subsystem: "channel",
			Name:      "step_duration_seconds",
			Help:      "Time from send to the matching recv on the external side, recv to send on the solver side.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		},
		[]string{"side"},
	)
	closed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mbclink",
			Subsystem: "channel",
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by reason.",
		},
		[]string{"side", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(handshakes, frames, frameBytes, stepDuration, closed)
	})
}

func RecordHandshake(side, role, result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(side, role, result).Inc()
}

func RecordFrame(side, direction, kind string, payloadBytes int) {
	RegisterMetrics()
	frames.WithLabelValues(side, direction, kind).Inc()
	frameBytes.WithLabelValues(side, direction).Add(float64(payloadBytes))
}

func RecordStep(side string, duration time.Duration) {
	RegisterMetrics()
	stepDuration.WithLabelValues(side).Observe(duration.Seconds())
}

func RecordClose(side, reason string) {
	RegisterMetrics()
	closed.WithLabelValues(side, reason).Inc()
}

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
