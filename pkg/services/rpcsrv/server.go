/*
Package rpcsrv implements the JSON-RPC over HTTP server of the node. The server
accepts connections, checks peer access and serves every connection with a
session reading HTTP requests and dispatching them to handlers found in the
registry. Handlers run on the event loop driven by a pool of workers.
*/
package rpcsrv

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/connmgr"
	"github.com/nspcc-dev/rpcnode/pkg/rpcclient"
	"github.com/nspcc-dev/rpcnode/pkg/security"
	"github.com/nspcc-dev/rpcnode/pkg/services/cache"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	// Subsystems are the services used by handlers, the server shuts them
	// down when it stops. Everything except Registry is optional.
	Subsystems struct {
		Registry *Registry
		// Ledger is the local chain used in ModeLocal.
		Ledger Ledger
		// Store is closed after every other subsystem.
		Store    io.Closer
		Pool     *connmgr.Manager
		Security *security.Manager
		Blocks   *cache.Blocks
		History  *cache.History
	}

	// Server is the JSON-RPC server.
	Server struct {
		cfg    config.Service
		subs   Subsystems
		mode   Mode
		log    *zap.Logger
		access []*net.IPNet
		fwd    *forwarder

		loop            *eventLoop
		started         *atomic.Bool
		stopSignal      *atomic.Bool
		sessionsCreated *atomic.Uint64
		stopPoll        time.Duration

		lock      sync.Mutex
		listeners []net.Listener
		sessions  map[*session]struct{}

		accepters sync.WaitGroup
		workers   sync.WaitGroup
		serving   sync.WaitGroup
		quit      chan struct{}
		quitOnce  sync.Once
		done      chan struct{}
		subsOnce  sync.Once
	}
)

const (
	// stopPollInterval is the period of stop signal checks.
	stopPollInterval = time.Second
	// maxAcceptDelay limits the backoff after accept errors.
	maxAcceptDelay = time.Second
)

// New creates a new Server. The registry is frozen, handlers can't be added
// after this call.
func New(cfg config.ApplicationConfiguration, subs Subsystems, log *zap.Logger) (*Server, error) {
	if log == nil {
		return nil, errors.New("empty logger")
	}
	if subs.Registry == nil {
		return nil, errors.New("no handler registry")
	}
	svc := cfg.Service
	if svc.ThreadCount <= 0 {
		svc.ThreadCount = 1
	}
	if svc.MaxRequestBodyBytes <= 0 {
		svc.MaxRequestBodyBytes = config.DefaultMaxRequestBodyBytes
	}
	if svc.MaxRequestHeaderBytes <= 0 {
		svc.MaxRequestHeaderBytes = config.DefaultMaxRequestHeaderBytes
	}
	s := &Server{
		cfg:             svc,
		subs:            subs,
		mode:            ModeFromConfig(svc.UseLocalDatabase),
		log:             log.With(zap.String("service", "rpc")),
		loop:            newEventLoop(0),
		started:         atomic.NewBool(false),
		stopSignal:      atomic.NewBool(false),
		sessionsCreated: atomic.NewUint64(0),
		stopPoll:        stopPollInterval,
		sessions:        make(map[*session]struct{}),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, a := range svc.Access {
		n, err := config.ParseNet(a)
		if err != nil {
			return nil, fmt.Errorf("bad access entry: %w", err)
		}
		s.access = append(s.access, n)
	}
	if p, ok := cfg.GetPeer(svc.Peer); ok {
		opts := rpcclient.PeerOptions(p)
		opts.UserAgent = config.Config{}.GenerateUserAgent()
		opts.Executor = s.loop
		opts.Logger = s.log
		if subs.Pool != nil {
			opts.Pool = subs.Pool
		}
		s.fwd = &forwarder{endpoint: p.Address, opts: opts}
	}
	subs.Registry.Freeze()
	for _, m := range subs.Registry.Methods() {
		regCounter(m)
	}
	return s, nil
}

// Name returns service name.
func (s *Server) Name() string {
	return "rpc"
}

// Mode returns the mode handlers are picked for.
func (s *Server) Mode() Mode {
	return s.mode
}

// Listen binds all configured addresses.
func (s *Server) Listen() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.listeners) != 0 {
		return errors.New("already listening")
	}
	for _, addr := range s.cfg.GetAddresses() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.listeners = nil
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}
	return nil
}

// Addresses returns actual addresses the server listens on.
func (s *Server) Addresses() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		res = append(res, ln.Addr().String())
	}
	return res
}

// Run starts subsystems, workers and accept loops and blocks until the
// server is stopped either by Stop or by Shutdown. All sessions are closed
// and all subsystems are shut down when it returns.
func (s *Server) Run() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("already started")
	}
	defer close(s.done)

	s.lock.Lock()
	listeners := s.listeners
	s.lock.Unlock()
	if len(listeners) == 0 {
		s.stop()
		s.shutdownSubsystems()
		return errors.New("no listeners, call Listen first")
	}
	s.startSubsystems()

	s.log.Info("starting rpc-server", zap.Strings("endpoints", s.Addresses()),
		zap.Stringer("mode", s.mode), zap.Int("threads", s.cfg.ThreadCount))
	for i := 0; i < s.cfg.ThreadCount; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	for _, ln := range listeners {
		s.accepters.Add(1)
		go s.acceptLoop(ln)
	}

	t := time.NewTicker(s.stopPoll)
	defer t.Stop()
loop:
	for {
		select {
		case <-t.C:
			if s.stopSignal.Load() {
				s.log.Info("stop signal received")
				s.stop()
			}
		case <-s.quit:
			break loop
		}
	}
	s.accepters.Wait()
	s.workers.Wait()
	s.serving.Wait()
	s.shutdownSubsystems()
	s.log.Info("rpc-server stopped")
	return nil
}

// Stop raises the stop signal, the server notices it within a second.
func (s *Server) Stop() {
	s.stopSignal.Store(true)
}

// Shutdown stops the server and waits for Run to finish. Subsystems are
// shut down even if the server wasn't run.
func (s *Server) Shutdown() {
	s.stop()
	if s.started.Load() {
		<-s.done
		return
	}
	s.shutdownSubsystems()
}

// stop ends the event loop, closes listeners and connections. In-flight
// requests are abandoned.
func (s *Server) stop() {
	s.quitOnce.Do(func() {
		s.log.Info("shutting down rpc-server")
		close(s.quit)
		s.loop.stop()
		s.lock.Lock()
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
		for sess := range s.sessions {
			_ = sess.conn.Close()
		}
		s.lock.Unlock()
	})
}

func (s *Server) startSubsystems() {
	if s.subs.Pool != nil {
		s.subs.Pool.Start()
	}
	if s.subs.Blocks != nil {
		s.subs.Blocks.Start()
	}
	if s.subs.History != nil {
		s.subs.History.Start()
	}
}

// shutdownSubsystems stops subsystems in a fixed order, the store is closed
// last.
func (s *Server) shutdownSubsystems() {
	s.subsOnce.Do(func() {
		if s.subs.Blocks != nil {
			s.subs.Blocks.Shutdown()
		}
		if s.subs.History != nil {
			s.subs.History.Shutdown()
		}
		if s.subs.Pool != nil {
			s.subs.Pool.Shutdown()
		}
		if s.subs.Security != nil {
			s.subs.Security.Shutdown()
		}
		if s.subs.Store != nil {
			if err := s.subs.Store.Close(); err != nil {
				s.log.Warn("failed to close store", zap.Error(err))
			}
		}
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.accepters.Done()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Warn("accept error", zap.Error(err), zap.Duration("retry in", delay))
			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}
			continue
		}
		delay = 0
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ip := remoteIP(conn.RemoteAddr())
	if !s.checkAccess(ip) {
		rejectedConns.Inc()
		s.log.Info("connection rejected", zap.Stringer("peer", conn.RemoteAddr()))
		_ = conn.Close()
		return
	}
	acceptedConns.Inc()
	sess := newSession(s, conn, ip)
	s.lock.Lock()
	select {
	case <-s.quit:
		s.lock.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.sessions[sess] = struct{}{}
	s.serving.Add(1)
	s.lock.Unlock()
	s.sessionsCreated.Inc()
	go sess.serve()
}

func (s *Server) dropSession(sess *session) {
	s.lock.Lock()
	delete(s.sessions, sess)
	s.lock.Unlock()
}

// checkAccess decides whether connections from the address are served.
// Addresses denied by the security manager are rejected, then any address
// is accepted with AnyConns, otherwise only loopback and Access list
// addresses are.
func (s *Server) checkAccess(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if s.cfg.AuthEnabled && s.subs.Security != nil && !s.subs.Security.Check(ip) {
		return false
	}
	if s.cfg.AnyConns || ip.IsLoopback() {
		return true
	}
	for _, n := range s.access {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr net.Addr) net.IP {
	if a, ok := addr.(*net.TCPAddr); ok {
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}
