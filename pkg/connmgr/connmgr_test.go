package connmgr

import (
	"net"
	"testing"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type testConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *testConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func newTestConn(t *testing.T, host string) (*Conn, *testConn) {
	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	tc := &testConn{Conn: a}
	return NewConn(tc, host), tc
}

func newTestManager(t *testing.T, cfg config.ConnectionPool) *Manager {
	m, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

var testPoolConfig = config.ConnectionPool{
	Enabled:        true,
	MaxHosts:       2,
	MaxIdlePerHost: 2,
	IdleTimeout:    time.Minute,
}

func TestNew(t *testing.T) {
	_, err := New(testPoolConfig, nil)
	require.Error(t, err)
}

func TestGetRelease(t *testing.T) {
	m := newTestManager(t, testPoolConfig)

	_, ok := m.Get("a:80")
	require.False(t, ok)

	c, tc := newTestConn(t, "a:80")
	m.Release(c, true)
	require.Equal(t, 1, m.IdleCount())
	require.False(t, tc.closed.Load())

	_, ok = m.Get("b:80")
	require.False(t, ok)

	got, ok := m.Get("a:80")
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, 0, m.IdleCount())

	// Lent to exactly one caller.
	_, ok = m.Get("a:80")
	require.False(t, ok)

	t.Run("discard", func(t *testing.T) {
		m.Release(got, false)
		require.True(t, tc.closed.Load())
		require.Equal(t, 0, m.IdleCount())
		_, ok := m.Get("a:80")
		require.False(t, ok)
	})
	t.Run("nil", func(t *testing.T) {
		m.Release(nil, true)
	})
}

func TestLIFO(t *testing.T) {
	m := newTestManager(t, testPoolConfig)
	c1, _ := newTestConn(t, "a:80")
	c2, _ := newTestConn(t, "a:80")
	m.Release(c1, true)
	m.Release(c2, true)

	got, ok := m.Get("a:80")
	require.True(t, ok)
	require.Same(t, c2, got)
	got, ok = m.Get("a:80")
	require.True(t, ok)
	require.Same(t, c1, got)
}

func TestLimits(t *testing.T) {
	t.Run("per host", func(t *testing.T) {
		m := newTestManager(t, testPoolConfig)
		var conns []*testConn
		for i := 0; i < 3; i++ {
			c, tc := newTestConn(t, "a:80")
			m.Release(c, true)
			conns = append(conns, tc)
		}
		require.Equal(t, 2, m.IdleCount())
		require.False(t, conns[0].closed.Load())
		require.False(t, conns[1].closed.Load())
		require.True(t, conns[2].closed.Load())
	})
	t.Run("hosts", func(t *testing.T) {
		m := newTestManager(t, testPoolConfig)
		ca, tca := newTestConn(t, "a:80")
		cb, tcb := newTestConn(t, "b:80")
		cc, tcc := newTestConn(t, "c:80")
		m.Release(ca, true)
		m.Release(cb, true)
		m.Release(cc, true) // Evicts "a:80".

		require.True(t, tca.closed.Load())
		require.False(t, tcb.closed.Load())
		require.False(t, tcc.closed.Load())
		require.Equal(t, 2, m.IdleCount())
		_, ok := m.Get("a:80")
		require.False(t, ok)
	})
}

func TestIdleTimeout(t *testing.T) {
	cfg := testPoolConfig
	cfg.IdleTimeout = time.Second
	m := newTestManager(t, cfg)

	c, tc := newTestConn(t, "a:80")
	m.Release(c, true)
	c.idleSince = time.Now().Add(-2 * time.Second)

	c2, tc2 := newTestConn(t, "b:80")
	m.Release(c2, true)

	m.dropExpired(time.Now())
	require.True(t, tc.closed.Load())
	require.False(t, tc2.closed.Load())
	require.Equal(t, 1, m.IdleCount())

	t.Run("on get", func(t *testing.T) {
		c2.idleSince = time.Now().Add(-2 * time.Second)
		_, ok := m.Get("b:80")
		require.False(t, ok)
		require.True(t, tc2.closed.Load())
		require.Equal(t, 0, m.IdleCount())
	})
}

func TestDisabled(t *testing.T) {
	m := newTestManager(t, config.ConnectionPool{})
	m.Start()
	c, tc := newTestConn(t, "a:80")
	m.Release(c, true)
	require.True(t, tc.closed.Load())
	_, ok := m.Get("a:80")
	require.False(t, ok)
}

func TestShutdown(t *testing.T) {
	m, err := New(testPoolConfig, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.Start()

	c, tc := newTestConn(t, "a:80")
	m.Release(c, true)
	m.Shutdown()
	require.True(t, tc.closed.Load())
	require.Equal(t, 0, m.IdleCount())

	c2, tc2 := newTestConn(t, "a:80")
	m.Release(c2, true)
	require.True(t, tc2.closed.Load())
	_, ok := m.Get("a:80")
	require.False(t, ok)

	m.Shutdown() // Idempotent.
}
