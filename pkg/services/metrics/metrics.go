package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"go.uber.org/zap"
)

// shutdownTimeout limits graceful shutdown of the HTTP servers.
const shutdownTimeout = 5 * time.Second

// Service serves a metrics handler on every configured address.
type Service struct {
	http        []*http.Server
	config      config.BasicService
	log         *zap.Logger
	serviceType string

	lock      sync.Mutex
	listeners []net.Listener
}

// NewService creates a new Service exposing the handler. It returns nil if
// no logger is given.
func NewService(name string, handler http.Handler, cfg config.BasicService, log *zap.Logger) *Service {
	if log == nil {
		return nil
	}
	addrs := cfg.GetAddresses()
	srvs := make([]*http.Server, len(addrs))
	for i, addr := range addrs {
		srvs[i] = &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: shutdownTimeout,
		}
	}
	return &Service{
		http:        srvs,
		config:      cfg,
		serviceType: name,
		log:         log.With(zap.String("service", name)),
	}
}

// Name returns the service name.
func (ms *Service) Name() string {
	return ms.serviceType
}

// Start runs http services with the exposed endpoints on the configured
// ports. It returns after all listeners are bound.
func (ms *Service) Start() error {
	if !ms.config.Enabled {
		ms.log.Info("service hasn't started since it's disabled")
		return nil
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, srv := range ms.http {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range ms.listeners {
				_ = l.Close()
			}
			ms.listeners = nil
			return err
		}
		ms.listeners = append(ms.listeners, ln)
		ms.log.Info("service is running", zap.String("endpoint", ln.Addr().String()))
		go func(srv *http.Server, ln net.Listener) {
			err := srv.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				ms.log.Error("failed to serve", zap.String("endpoint", ln.Addr().String()), zap.Error(err))
			}
		}(srv, ln)
	}
	return nil
}

// Addresses returns the addresses the service listens on.
func (ms *Service) Addresses() []string {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	res := make([]string, 0, len(ms.listeners))
	for _, ln := range ms.listeners {
		res = append(res, ln.Addr().String())
	}
	return res
}

// ShutDown stops the service.
func (ms *Service) ShutDown() {
	if !ms.config.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range ms.http {
		ms.log.Info("shutting down service", zap.String("endpoint", srv.Addr))
		err := srv.Shutdown(ctx)
		if err != nil {
			ms.log.Error("can't shut service down", zap.String("endpoint", srv.Addr), zap.Error(err))
		}
	}
}
