package metrics

import (
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewPrometheusService creates a service exposing everything registered in
// the default registry (RPC, client, pool, cache and ledger metrics) under
// /metrics.
func NewPrometheusService(cfg config.BasicService, log *zap.Logger) *Service {
	if log == nil {
		return nil
	}
	handler := promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(log.Named("prometheus")),
			ErrorHandling: promhttp.ContinueOnError,
		}))
	return NewService("Prometheus", handler, cfg, log)
}
