package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	cachedBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of blocks in the blocks cache",
			Name:      "cache_blocks",
			Namespace: "rpcnode",
		},
	)
	cachedHistories = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of address histories in the history cache",
			Name:      "cache_histories",
			Namespace: "rpcnode",
		},
	)
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of cache hits",
			Name:      "cache_hits_total",
			Namespace: "rpcnode",
		},
		[]string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of cache misses",
			Name:      "cache_misses_total",
			Namespace: "rpcnode",
		},
		[]string{"cache"},
	)
)

func init() {
	prometheus.MustRegister(
		cachedBlocks,
		cachedHistories,
		cacheHits,
		cacheMisses,
	)
}
