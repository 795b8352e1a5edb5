package security

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric used in monitoring service.
var bannedPeers = prometheus.NewCounter(
	prometheus.CounterOpts{
		Help:      "Number of peer bans issued",
		Name:      "security_bans_total",
		Namespace: "rpcnode",
	},
)

func init() {
	prometheus.MustRegister(bannedPeers)
}
