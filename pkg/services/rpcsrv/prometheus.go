package rpcsrv

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	rpcLock    sync.RWMutex
	rpcCounter = map[string]prometheus.Counter{}
	rpcTimes   = map[string]prometheus.Histogram{}

	acceptedConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of accepted inbound connections",
			Name:      "accepted_connections_total",
			Namespace: "rpcnode",
		},
	)
	rejectedConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of inbound connections rejected by access checks",
			Name:      "rejected_connections_total",
			Namespace: "rpcnode",
		},
	)
	workerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of worker restarts after panics",
			Name:      "worker_panics_total",
			Namespace: "rpcnode",
		},
	)
)

func init() {
	prometheus.MustRegister(
		acceptedConns,
		rejectedConns,
		workerPanics,
	)
}

func addReqTimeMetric(name string, t time.Duration) {
	rpcLock.RLock()
	defer rpcLock.RUnlock()
	hist, ok := rpcTimes[name]
	if ok {
		hist.Observe(t.Seconds())
	}
	ctr, ok := rpcCounter[name]
	if ok {
		ctr.Inc()
	}
}

// regCounter registers metrics of the method, it can be called several
// times for the same method.
func regCounter(call string) {
	rpcLock.Lock()
	defer rpcLock.Unlock()
	if _, ok := rpcCounter[call]; ok {
		return
	}
	name := strings.ReplaceAll(strings.ToLower(call), "-", "_")
	ctr := prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      fmt.Sprintf("Number of calls to %s rpc endpoint", call),
			Name:      fmt.Sprintf("%s_called", name),
			Namespace: "rpcnode",
		},
	)
	prometheus.MustRegister(ctr)
	rpcCounter[call] = ctr
	rpcTimes[call] = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "RPC " + call + " call handling time",
			Name:      "rpc_" + name + "_time",
			Namespace: "rpcnode",
		},
	)
	prometheus.MustRegister(rpcTimes[call])
}
