/*
Package connmgr implements the pool of outbound connections reused by JSON-RPC
requests to the same host.
*/
package connmgr

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"go.uber.org/zap"
)

// Pool lends established connections keyed by host.
type Pool interface {
	// Get returns an idle connection for the host if there is one. The
	// connection is owned by the caller until it's released.
	Get(host string) (*Conn, bool)
	// Release returns the connection to the pool if keep is true, otherwise
	// (or if the pool can't take it) the connection is closed.
	Release(c *Conn, keep bool)
}

// Conn is a pooled connection with its buffered reader, the reader must
// survive between requests as it can hold data read ahead.
type Conn struct {
	net.Conn
	Host   string
	Reader *bufio.Reader

	idleSince time.Time
}

// NewConn wraps the connection established to the host.
func NewConn(c net.Conn, host string) *Conn {
	return &Conn{
		Conn:   c,
		Host:   host,
		Reader: bufio.NewReader(c),
	}
}

type hostConns struct {
	conns []*Conn
}

// Manager is the Pool implementation with the LRU index of hosts, connections
// of the least recently used host are closed when the host limit is reached.
type Manager struct {
	cfg config.ConnectionPool
	log *zap.Logger

	lock    sync.Mutex
	hosts   *lru.Cache
	idle    int
	closed  bool
	started bool

	quit chan struct{}
	done chan struct{}
}

var _ Pool = (*Manager)(nil)

// New creates a connection pool.
func New(cfg config.ConnectionPool, log *zap.Logger) (*Manager, error) {
	if log == nil {
		return nil, errors.New("empty logger")
	}
	m := &Manager{
		cfg:  cfg,
		log:  log.With(zap.String("service", "connmgr")),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	size := cfg.MaxHosts
	if size <= 0 {
		size = 1
	}
	var err error
	m.hosts, err = lru.NewWithEvict(size, m.onEvict)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// onEvict is called by the host index with m.lock held.
func (m *Manager) onEvict(key, value any) {
	hc := value.(*hostConns)
	for _, c := range hc.conns {
		_ = c.Close()
	}
	m.idle -= len(hc.conns)
	hc.conns = nil
	setIdleConnectionsMetric(m.idle)
}

// Start runs the janitor closing connections idle for more than the
// configured IdleTimeout.
func (m *Manager) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	if !m.cfg.Enabled || m.cfg.IdleTimeout <= 0 {
		close(m.done)
		return
	}
	m.log.Info("starting connection pool", zap.Int("hosts", m.cfg.MaxHosts),
		zap.Int("idle per host", m.cfg.MaxIdlePerHost))
	go m.janitor()
}

func (m *Manager) janitor() {
	defer close(m.done)
	t := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-t.C:
			m.dropExpired(time.Now())
		}
	}
}

func (m *Manager) dropExpired(now time.Time) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, k := range m.hosts.Keys() {
		v, ok := m.hosts.Peek(k)
		if !ok {
			continue
		}
		hc := v.(*hostConns)
		var fresh = hc.conns[:0]
		for _, c := range hc.conns {
			if m.expired(c, now) {
				_ = c.Close()
				m.idle--
				continue
			}
			fresh = append(fresh, c)
		}
		hc.conns = fresh
		if len(hc.conns) == 0 {
			m.hosts.Remove(k)
		}
	}
	setIdleConnectionsMetric(m.idle)
}

func (m *Manager) expired(c *Conn, now time.Time) bool {
	return m.cfg.IdleTimeout > 0 && now.Sub(c.idleSince) > m.cfg.IdleTimeout
}

// Get implements the Pool interface. The most recently released connection
// is returned first.
func (m *Manager) Get(host string) (*Conn, bool) {
	if !m.cfg.Enabled {
		return nil, false
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, false
	}
	v, ok := m.hosts.Get(host)
	if !ok {
		return nil, false
	}
	var (
		hc  = v.(*hostConns)
		now = time.Now()
		res *Conn
	)
	for len(hc.conns) > 0 && res == nil {
		c := hc.conns[len(hc.conns)-1]
		hc.conns = hc.conns[:len(hc.conns)-1]
		m.idle--
		if m.expired(c, now) {
			_ = c.Close()
			continue
		}
		res = c
	}
	if len(hc.conns) == 0 {
		m.hosts.Remove(host)
	}
	setIdleConnectionsMetric(m.idle)
	return res, res != nil
}

// Release implements the Pool interface.
func (m *Manager) Release(c *Conn, keep bool) {
	if c == nil {
		return
	}
	if !keep || !m.cfg.Enabled {
		_ = c.Close()
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		_ = c.Close()
		return
	}
	var hc *hostConns
	if v, ok := m.hosts.Get(c.Host); ok {
		hc = v.(*hostConns)
	} else {
		hc = new(hostConns)
		m.hosts.Add(c.Host, hc)
	}
	if len(hc.conns) >= m.cfg.MaxIdlePerHost {
		_ = c.Close()
		return
	}
	c.idleSince = time.Now()
	hc.conns = append(hc.conns, c)
	m.idle++
	setIdleConnectionsMetric(m.idle)
}

// IdleCount returns the number of idle connections in the pool.
func (m *Manager) IdleCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.idle
}

// Shutdown stops the janitor and closes all idle connections. Connections
// released after Shutdown are closed immediately.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	m.hosts.Purge()
	started := m.started
	m.lock.Unlock()

	close(m.quit)
	if started {
		<-m.done
	}
	m.log.Info("connection pool stopped")
}
