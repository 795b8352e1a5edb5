package rpcclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/connmgr"
	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type fakeResolver func(ctx context.Context, host string) ([]string, error)

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return f(ctx, host)
}

var localResolver = fakeResolver(func(context.Context, string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
})

type fakeDialer struct {
	calls atomic.Int64
	f     func(n int64) (net.Conn, error)
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.f(d.calls.Inc())
}

type release struct {
	conn *connmgr.Conn
	keep bool
}

// recPool records releases and closes everything given back.
type recPool struct {
	lock     sync.Mutex
	idle     []*connmgr.Conn
	releases []release
}

func (p *recPool) Get(host string) (*connmgr.Conn, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.idle) == 0 {
		return nil, false
	}
	c := p.idle[0]
	p.idle = p.idle[1:]
	return c, true
}

func (p *recPool) Release(c *connmgr.Conn, keep bool) {
	p.lock.Lock()
	p.releases = append(p.releases, release{conn: c, keep: keep})
	p.lock.Unlock()
	_ = c.Close()
}

func (p *recPool) kept() []*connmgr.Conn {
	p.lock.Lock()
	defer p.lock.Unlock()
	var res []*connmgr.Conn
	for _, r := range p.releases {
		if r.keep {
			res = append(res, r.conn)
		}
	}
	return res
}

// servePeer answers a single HTTP request received on the connection.
func servePeer(t *testing.T, c net.Conn, status int, body string) {
	t.Cleanup(func() { _ = c.Close() })
	go func() {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_, _ = io.ReadAll(req.Body)
		_, _ = fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
			status, http.StatusText(status), len(body), body)
	}()
}

func newPeerConn(t *testing.T, status int, body string) net.Conn {
	client, server := net.Pipe()
	servePeer(t, server, status, body)
	return client
}

type results struct {
	calls atomic.Int64
	ch    chan *Result
}

func newResults() *results {
	return &results{ch: make(chan *Result, 16)}
}

func (r *results) cb(res *Result) {
	r.calls.Inc()
	r.ch <- res
}

func (r *results) wait(t *testing.T) *Result {
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no callback")
	}
	return nil
}

const (
	testBody   = `{"jsonrpc":"2.0","method":"get-count-blocks","id":7}`
	testResult = `{"jsonrpc":"2.0","id":7,"result":{"count_blocks":5}}`
)

func TestRequestAllAttemptsFail(t *testing.T) {
	pool := new(recPool)
	d := &fakeDialer{f: func(int64) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}}
	r, err := NewRequest("http://peer:5795/", []byte(testBody), Options{
		Attempts: 3,
		Pool:     pool,
		Resolver: localResolver,
		Dialer:   d,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)

	require.NotNil(t, res.Err)
	require.EqualValues(t, jsonrpc.InternalServerErrorCode, res.Err.Code)
	require.Contains(t, res.Err.Data, "connection refused")
	require.False(t, res.TimedOut)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"Internal error","data":"`+res.Err.Data+`"}}`, string(res.Body))
	require.EqualValues(t, 3, d.calls.Load())
	require.Empty(t, pool.kept())

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, rs.calls.Load())
}

func TestRequestConnectionTimeout(t *testing.T) {
	resolver := fakeResolver(func(ctx context.Context, _ string) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := NewRequest("http://peer:5795/", []byte(testBody), Options{
		ConnectionTimeout: 50 * time.Millisecond,
		RequestTimeout:    200 * time.Millisecond,
		Resolver:          resolver,
		Dialer:            &fakeDialer{f: func(int64) (net.Conn, error) { panic("unreachable") }},
		Logger:            zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)

	require.True(t, res.TimedOut)
	require.EqualValues(t, jsonrpc.InternalServerErrorCode, res.Err.Code)
	require.Equal(t, "connection timeout", res.Err.Data)
	require.ErrorIs(t, res.Error(), ErrTimeout)
	require.True(t, r.Canceled())

	// Request timer has passed by now and does nothing.
	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, rs.calls.Load())
	require.Same(t, res, r.Result())
}

func TestRequestRequestTimeout(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	// Server never answers.
	go func() { _, _ = io.Copy(io.Discard, server) }()

	pool := new(recPool)
	r, err := NewRequest("http://peer:5795/", []byte(testBody), Options{
		RequestTimeout: 100 * time.Millisecond,
		Pool:           pool,
		Resolver:       localResolver,
		Dialer:         &fakeDialer{f: func(int64) (net.Conn, error) { return client, nil }},
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)
	require.True(t, res.TimedOut)
	require.Equal(t, "request timeout", res.Err.Data)
	require.Empty(t, pool.kept())
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, rs.calls.Load())
}

func TestRequestRetrySucceeds(t *testing.T) {
	pool := new(recPool)
	var second net.Conn
	d := &fakeDialer{f: func(n int64) (net.Conn, error) {
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		second = newPeerConn(t, http.StatusOK, testResult)
		return second, nil
	}}
	r, err := NewRequest("peer:5795", []byte(testBody), Options{
		Attempts: 3,
		Pool:     pool,
		Resolver: localResolver,
		Dialer:   d,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)

	require.Nil(t, res.Err)
	require.NoError(t, res.Error())
	require.JSONEq(t, testResult, string(res.Body))
	require.JSONEq(t, `{"count_blocks":5}`, string(res.Response.Result))
	require.EqualValues(t, 2, d.calls.Load())

	kept := pool.kept()
	require.Len(t, kept, 1)
	require.Same(t, second, kept[0].Conn)
	require.Equal(t, "peer:5795", kept[0].Host)
	require.False(t, r.Canceled())
}

func TestRequestPooled(t *testing.T) {
	pc := connmgr.NewConn(newPeerConn(t, http.StatusOK, testResult), "peer:5795")
	pool := &recPool{idle: []*connmgr.Conn{pc}}
	r, err := NewRequest("http://peer:5795", []byte(testBody), Options{
		Pool: pool,
		Resolver: fakeResolver(func(context.Context, string) ([]string, error) {
			return nil, errors.New("must not be resolved")
		}),
		Dialer: &fakeDialer{f: func(int64) (net.Conn, error) { return nil, errors.New("must not dial") }},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)
	require.Nil(t, res.Err)
	require.Equal(t, []*connmgr.Conn{pc}, pool.kept())
}

func TestRequestProtocolErrorNotRetried(t *testing.T) {
	pool := new(recPool)
	d := &fakeDialer{f: func(int64) (net.Conn, error) {
		return newPeerConn(t, http.StatusInternalServerError, "oops"), nil
	}}
	r, err := NewRequest("http://peer:5795", []byte(testBody), Options{
		Pool:     pool,
		Resolver: localResolver,
		Dialer:   d,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)
	require.EqualValues(t, jsonrpc.InternalServerErrorCode, res.Err.Code)
	require.Contains(t, res.Err.Data, "HTTP 500")
	require.EqualValues(t, 1, d.calls.Load())
	require.Empty(t, pool.kept())
}

func TestRequestCancel(t *testing.T) {
	resolver := fakeResolver(func(ctx context.Context, _ string) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := NewRequest("http://peer", []byte(testBody), Options{
		Resolver: resolver,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rs := newResults()
	r.Send(rs.cb)
	r.Cancel()
	res := rs.wait(t)
	require.True(t, res.Canceled)
	require.False(t, res.TimedOut)
	require.ErrorIs(t, res.Error(), ErrCanceled)

	r.Cancel()
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, rs.calls.Load())
}

type postExecutor struct {
	posted atomic.Int64
}

func (e *postExecutor) Post(f func()) {
	e.posted.Inc()
	go f()
}

func TestRequestExecutor(t *testing.T) {
	e := new(postExecutor)
	r, err := NewRequest("http://peer", []byte(testBody), Options{
		Resolver: localResolver,
		Dialer:   &fakeDialer{f: func(int64) (net.Conn, error) { return newPeerConn(t, http.StatusOK, testResult), nil }},
		Executor: e,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	rs := newResults()
	r.Send(rs.cb)
	res := rs.wait(t)
	require.Nil(t, res.Err)
	require.EqualValues(t, 1, e.posted.Load())
}

func TestRequestTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, testResult)
	}))
	t.Cleanup(srv.Close)

	t.Run("good", func(t *testing.T) {
		var verified atomic.Int64
		r, err := NewRequest(srv.URL, []byte(testBody), Options{
			InsecureSkipVerify: true,
			VerifyCertificate: func(cs tls.ConnectionState) error {
				verified.Inc()
				if !cs.HandshakeComplete || len(cs.PeerCertificates) == 0 {
					return errors.New("no certificate")
				}
				return nil
			},
			Logger: zaptest.NewLogger(t),
		})
		require.NoError(t, err)

		rs := newResults()
		r.Send(rs.cb)
		res := rs.wait(t)
		require.Nil(t, res.Err)
		require.JSONEq(t, `{"count_blocks":5}`, string(res.Response.Result))
		require.EqualValues(t, 1, verified.Load())
	})
	t.Run("untrusted certificate", func(t *testing.T) {
		r, err := NewRequest(srv.URL, []byte(testBody), Options{
			Attempts: 2,
			Logger:   zaptest.NewLogger(t),
		})
		require.NoError(t, err)

		rs := newResults()
		r.Send(rs.cb)
		res := rs.wait(t)
		require.EqualValues(t, jsonrpc.InternalServerErrorCode, res.Err.Code)
		require.Contains(t, res.Err.Data, "handshake")
	})
	t.Run("certificate rejected", func(t *testing.T) {
		var verified atomic.Int64
		pool := new(recPool)
		r, err := NewRequest(srv.URL, []byte(testBody), Options{
			Attempts:           3,
			InsecureSkipVerify: true,
			VerifyCertificate: func(tls.ConnectionState) error {
				verified.Inc()
				return errors.New("bad cert")
			},
			Pool:   pool,
			Logger: zaptest.NewLogger(t),
		})
		require.NoError(t, err)

		rs := newResults()
		r.Send(rs.cb)
		res := rs.wait(t)
		require.EqualValues(t, jsonrpc.InternalServerErrorCode, res.Err.Code)
		require.Contains(t, res.Err.Data, "handshake: bad cert")
		require.EqualValues(t, 3, verified.Load())
		require.Empty(t, pool.kept())

		time.Sleep(50 * time.Millisecond)
		require.EqualValues(t, 1, rs.calls.Load())
	})
}

func TestParseEndpoint(t *testing.T) {
	for _, tc := range []struct {
		in  string
		exp endpoint
	}{
		{"http://node.example.org", endpoint{host: "node.example.org", port: "80", path: "/"}},
		{"https://node.example.org", endpoint{host: "node.example.org", port: "443", path: "/", useTLS: true}},
		{"node.example.org:5795/rpc", endpoint{host: "node.example.org", port: "5795", path: "/rpc"}},
		{"https://[::1]:8443/a?b=c", endpoint{host: "::1", port: "8443", path: "/a?b=c", useTLS: true}},
	} {
		t.Run(tc.in, func(t *testing.T) {
			e, err := parseEndpoint(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.exp, e)
		})
	}
	for _, s := range []string{"ftp://node", "http://", "http://%zz"} {
		_, err := parseEndpoint(s)
		require.Error(t, err, s)
	}
}

func TestTransition(t *testing.T) {
	for _, tc := range []struct {
		from   state
		ev     event
		useTLS bool
		to     state
	}{
		{stateIdle, evPooled, false, stateWriting},
		{stateIdle, evNoPooled, false, stateResolving},
		{stateResolving, evResolved, false, stateConnecting},
		{stateConnecting, evConnected, false, stateWriting},
		{stateConnecting, evConnected, true, stateHandshaking},
		{stateHandshaking, evHandshaken, true, stateWriting},
		{stateWriting, evWritten, false, stateReading},
		{stateReading, evRead, false, stateCompleted},
		{stateReading, evRetry, false, stateIdle},
		{stateConnecting, evError, false, stateFailed},
		{stateResolving, evTimeout, false, stateTimedOut},
		{stateWriting, evResolved, false, stateFailed},
		{stateCompleted, evTimeout, false, stateCompleted},
		{stateTimedOut, evRead, false, stateTimedOut},
		{stateFailed, evRetry, false, stateFailed},
	} {
		t.Run(fmt.Sprintf("%s/%d", tc.from, tc.ev), func(t *testing.T) {
			require.Equal(t, tc.to, transition(tc.from, tc.ev, tc.useTLS))
		})
	}
	require.Equal(t, "unknown", state(100).String())
}
