package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric used in monitoring service.
var idleConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Help:      "Number of idle outbound connections in the pool",
		Name:      "pool_idle_connections",
		Namespace: "rpcnode",
	},
)

func init() {
	prometheus.MustRegister(idleConnections)
}

func setIdleConnectionsMetric(n int) {
	idleConnections.Set(float64(n))
}
