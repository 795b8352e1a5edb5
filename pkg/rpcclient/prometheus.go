package rpcclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	requestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of outbound JSON-RPC requests by outcome",
			Name:      "outbound_requests_total",
			Namespace: "rpcnode",
		},
		[]string{"outcome"},
	)
	requestTimes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Outbound JSON-RPC request duration",
			Name:      "outbound_request_duration_seconds",
			Namespace: "rpcnode",
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestOutcomes,
		requestTimes,
	)
}

func observeRequest(res *Result, d time.Duration) {
	var outcome = "completed"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case res.Canceled:
		outcome = "canceled"
	case res.Err != nil:
		outcome = "failed"
	}
	requestOutcomes.WithLabelValues(outcome).Inc()
	requestTimes.Observe(d.Seconds())
}
