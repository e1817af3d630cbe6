package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	FramesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "votemesh",
			Name:      "frames_in_total",
			Help:      "Total number of frames received, by message type.",
		},
		[]string{"type"},
	)

	FramesOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "votemesh",
			Name:      "frames_out_total",
			Help:      "Total number of frames sent to peers.",
		},
	)

	ActivePeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "votemesh",
			Name:      "active_peers",
			Help:      "Current number of handshake-completed peer links.",
		},
	)

	BallotsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "votemesh",
			Name:      "ballots_received_total",
			Help:      "Total number of encrypted ballots stored.",
		},
	)

	RoundsFinished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "votemesh",
			Name:      "rounds_finished_total",
			Help:      "Total number of voting rounds that reached FINISHED.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "votemesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(FramesIn, FramesOut, ActivePeers, BallotsReceived, RoundsFinished, uptime)
}

// MetricsHandler exposes /metrics for an optional metrics listener.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
