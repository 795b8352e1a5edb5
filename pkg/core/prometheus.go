package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for monitoring service.
var (
	//blockCount prometheus metric.
	blockCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of blocks in the local ledger",
			Name:      "ledger_block_count",
			Namespace: "rpcnode",
		},
	)
)

func init() {
	prometheus.MustRegister(
		blockCount,
	)
}

func updateBlockCountMetric(n uint64) {
	blockCount.Set(float64(n))
}
