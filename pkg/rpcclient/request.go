package rpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/connmgr"
	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"go.uber.org/zap"
)

const (
	defaultAttempts          = 3
	defaultRequestTimeout    = 4 * time.Second
	defaultConnectionTimeout = 4 * time.Second
	defaultMaxResponseBytes  = 32 * 1024 * 1024
	defaultUserAgent         = "rpcnode"
)

var (
	// ErrTimeout is returned (wrapped) for requests completed by one of the
	// timers.
	ErrTimeout = errors.New("request timeout")
	// ErrCanceled is returned (wrapped) for requests canceled by the caller.
	ErrCanceled = errors.New("request canceled")
)

type (
	// Resolver resolves host names, *net.Resolver implements it.
	Resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	}

	// Dialer establishes connections, *net.Dialer implements it.
	Dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}

	// Executor runs completion callbacks, the server's event loop
	// implements it.
	Executor interface {
		Post(f func())
	}
)

// Options defines options for outbound requests. All values are optional.
// Durations and attempts that are not positive are replaced with defaults
// (4 seconds and 3 attempts).
type Options struct {
	RequestTimeout    time.Duration
	ConnectionTimeout time.Duration
	Attempts          int
	// MaxResponseBytes limits the size of the response body.
	MaxResponseBytes int64
	UserAgent        string

	// InsecureSkipVerify disables certificate chain checks for https
	// endpoints.
	InsecureSkipVerify bool
	// VerifyCertificate is an additional check of the established TLS
	// session, its error fails the connection.
	VerifyCertificate func(tls.ConnectionState) error

	// Pool is used to reuse connections, nil disables reuse.
	Pool     connmgr.Pool
	Resolver Resolver
	Dialer   Dialer
	// Executor runs callbacks, they're called from the request goroutine
	// if it's nil.
	Executor Executor
	Logger   *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = defaultConnectionTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = defaultMaxResponseBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}
	if o.Dialer == nil {
		o.Dialer = new(net.Dialer)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Result is the outcome of the request.
type Result struct {
	// Body is the raw JSON-RPC response, either received from the peer or
	// synthesized for local failures.
	Body []byte
	// Response is the parsed Body.
	Response *jsonrpc.Response
	// Err is set for local failures (transport, protocol, timeouts), it's
	// also present in the Body.
	Err *jsonrpc.Error
	// TimedOut is true for requests completed by one of the timers.
	TimedOut bool
	// Canceled is true for requests completed by Cancel.
	Canceled bool
}

// Error returns the local failure as an error that can be matched with
// ErrTimeout and ErrCanceled.
func (r *Result) Error() error {
	switch {
	case r.Err == nil:
		return nil
	case r.TimedOut:
		return fmt.Errorf("%w: %w", ErrTimeout, r.Err)
	case r.Canceled:
		return fmt.Errorf("%w: %w", ErrCanceled, r.Err)
	default:
		return r.Err
	}
}

type endpoint struct {
	host   string
	port   string
	path   string
	useTLS bool
}

func (e endpoint) address() string {
	return net.JoinHostPort(e.host, e.port)
}

// parseEndpoint splits http(s)://host[:port][/path] (scheme is optional and
// defaults to http) into parts.
func parseEndpoint(s string) (endpoint, error) {
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return endpoint{}, err
	}
	var e endpoint
	switch u.Scheme {
	case "http":
		e.port = "80"
	case "https":
		e.port = "443"
		e.useTLS = true
	default:
		return endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	e.host = u.Hostname()
	if e.host == "" {
		return endpoint{}, fmt.Errorf("no host in %q", s)
	}
	if p := u.Port(); p != "" {
		e.port = p
	}
	e.path = u.RequestURI()
	return e, nil
}

// stepOut is the outcome of a single state side effect.
type stepOut struct {
	ev       event
	conn     *connmgr.Conn
	err      error
	protocol bool
	res      *Result
	keep     bool
}

// Request is a single outbound JSON-RPC call. It resolves the host, takes a
// pooled or establishes a new connection (with TLS for https endpoints),
// writes the request, reads the response and retries transport failures.
// Two timers limit it: the connection one covers resolving, connecting and
// handshaking of every attempt, the request one covers the whole call.
// The completion callback is called exactly once.
type Request struct {
	ep     endpoint
	body   []byte
	id     json.RawMessage
	method string
	opts   Options
	log    *zap.Logger

	// addrs is only accessed by the request goroutine.
	addrs []string

	lock      sync.Mutex
	state     state
	attempt   int
	remaining int
	canceled  bool
	done      bool
	result    *Result
	conn      *connmgr.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	connTimer *time.Timer
	connGen   uint64
	reqTimer  *time.Timer
	cb        func(*Result)
	start     time.Time
}

// NewRequest creates a request of the JSON-RPC body to the endpoint. The
// request identifier (if the body has one) is used for synthesized error
// responses.
func NewRequest(endpoint string, body []byte, opts Options) (*Request, error) {
	ep, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad endpoint: %w", err)
	}
	opts.applyDefaults()
	r := &Request{
		ep:        ep,
		body:      body,
		opts:      opts,
		remaining: opts.Attempts,
	}
	var reader jsonrpc.Reader
	if reader.Parse(body) {
		r.id = reader.ID()
		r.method = reader.Method()
	}
	r.log = opts.Logger.With(zap.String("peer", ep.address()), zap.String("method", r.method))
	return r, nil
}

// Send starts the request, cb is called once it's completed. Subsequent
// calls do nothing.
func (r *Request) Send(cb func(*Result)) {
	r.lock.Lock()
	if r.ctx != nil {
		r.lock.Unlock()
		return
	}
	r.cb = cb
	r.start = time.Now()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.reqTimer = time.AfterFunc(r.opts.RequestTimeout, func() {
		r.abort(stateTimedOut, "request timeout")
	})
	r.lock.Unlock()
	go r.run()
}

// Cancel completes the request with an error if it's not completed yet.
func (r *Request) Cancel() {
	r.abort(stateFailed, "canceled")
}

// Canceled returns true if the request was completed by a timer or Cancel.
func (r *Request) Canceled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.canceled
}

// Result returns the result of the completed request, nil if it's still
// running.
func (r *Request) Result() *Result {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.result
}

func (r *Request) run() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in outbound request", zap.Any("panic", rec), zap.Stack("stack"))
			r.abort(stateFailed, fmt.Sprintf("panic: %v", rec))
		}
	}()
	for {
		r.lock.Lock()
		if r.done {
			r.lock.Unlock()
			return
		}
		st, conn, ctx := r.state, r.conn, r.ctx
		r.lock.Unlock()

		out := r.step(ctx, st, conn)
		if !r.advance(out) {
			return
		}
	}
}

// step performs the side effect of the state.
func (r *Request) step(ctx context.Context, st state, conn *connmgr.Conn) stepOut {
	switch st {
	case stateIdle:
		first := r.beginAttempt()
		if first && r.opts.Pool != nil {
			if c, ok := r.opts.Pool.Get(r.ep.address()); ok {
				return stepOut{ev: evPooled, conn: c}
			}
		}
		return stepOut{ev: evNoPooled}

	case stateResolving:
		addrs, err := r.opts.Resolver.LookupHost(ctx, r.ep.host)
		if err == nil && len(addrs) == 0 {
			err = fmt.Errorf("no addresses for %s", r.ep.host)
		}
		if err != nil {
			return stepOut{err: fmt.Errorf("resolve: %w", err)}
		}
		r.addrs = addrs
		return stepOut{ev: evResolved}

	case stateConnecting:
		var lastErr error
		for _, a := range r.addrs {
			c, err := r.opts.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(a, r.ep.port))
			if err == nil {
				return stepOut{ev: evConnected, conn: connmgr.NewConn(c, r.ep.address())}
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		return stepOut{err: fmt.Errorf("connect: %w", lastErr)}

	case stateHandshaking:
		tc := tls.Client(conn.Conn, &tls.Config{
			ServerName:         r.ep.host,
			InsecureSkipVerify: r.opts.InsecureSkipVerify, //nolint:gosec // Explicitly requested by configuration.
		})
		err := tc.HandshakeContext(ctx)
		if err == nil && r.opts.VerifyCertificate != nil {
			err = r.opts.VerifyCertificate(tc.ConnectionState())
		}
		if err != nil {
			_ = tc.Close()
			return stepOut{err: fmt.Errorf("handshake: %w", err)}
		}
		return stepOut{ev: evHandshaken, conn: connmgr.NewConn(tc, r.ep.address())}

	case stateWriting:
		req, err := http.NewRequest(http.MethodPost, "http://"+r.ep.address()+r.ep.path, bytes.NewReader(r.body))
		if err != nil {
			return stepOut{err: err, protocol: true}
		}
		req.Host = r.ep.host
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", r.opts.UserAgent)
		r.log.Debug("sending request", zap.ByteString("body", r.body))
		if err := req.Write(conn); err != nil {
			return stepOut{err: fmt.Errorf("write: %w", err)}
		}
		return stepOut{ev: evWritten}

	case stateReading:
		return r.read(conn)
	}
	return stepOut{err: fmt.Errorf("unexpected state %s", st), protocol: true}
}

func (r *Request) read(conn *connmgr.Conn) stepOut {
	resp, err := http.ReadResponse(conn.Reader, nil)
	if err != nil {
		return stepOut{err: fmt.Errorf("read: %w", err)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxResponseBytes+1))
	_ = resp.Body.Close()
	if err != nil {
		return stepOut{err: fmt.Errorf("read body: %w", err)}
	}
	r.log.Debug("received response", zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
	if int64(len(body)) > r.opts.MaxResponseBytes {
		return stepOut{err: errors.New("response is too big"), protocol: true}
	}
	var jr = new(jsonrpc.Response)
	err = json.Unmarshal(body, jr)
	if err == nil && len(jr.Result) == 0 && jr.Error == nil {
		err = errors.New("neither result nor error")
	}
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("HTTP %d/%s", resp.StatusCode, http.StatusText(resp.StatusCode))
		} else {
			err = fmt.Errorf("malformed JSON-RPC response: %w", err)
		}
		return stepOut{err: err, protocol: true}
	}
	return stepOut{
		ev:   evRead,
		res:  &Result{Body: body, Response: jr},
		keep: !resp.Close,
	}
}

// beginAttempt arms the connection timer and returns true for the first
// attempt.
func (r *Request) beginAttempt() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.attempt++
	r.stopConnTimer()
	r.connGen++
	gen := r.connGen
	r.connTimer = time.AfterFunc(r.opts.ConnectionTimeout, func() {
		r.lock.Lock()
		stale := gen != r.connGen
		r.lock.Unlock()
		if !stale {
			r.abort(stateTimedOut, "connection timeout")
		}
	})
	return r.attempt == 1
}

// stopConnTimer must be called with the lock held.
func (r *Request) stopConnTimer() {
	if r.connTimer != nil {
		r.connTimer.Stop()
		r.connTimer = nil
	}
	r.connGen++
}

// advance applies the step outcome, it returns false when the request is
// finished.
func (r *Request) advance(out stepOut) bool {
	r.lock.Lock()
	if r.done {
		r.lock.Unlock()
		// Completed by a timer, everything acquired since is dropped.
		if out.conn != nil {
			_ = out.conn.Close()
		}
		return false
	}

	ev := out.ev
	if out.err != nil {
		r.remaining--
		if !out.protocol && r.remaining > 0 {
			ev = evRetry
		} else {
			ev = evError
		}
	}
	if out.conn != nil {
		r.conn = out.conn
	}
	next := transition(r.state, ev, r.ep.useTLS)
	switch {
	case ev == evRetry:
		old := r.conn
		r.conn = nil
		r.state = next
		r.stopConnTimer()
		left := r.remaining
		r.lock.Unlock()
		r.log.Debug("retrying request", zap.Error(out.err), zap.Int("attempts left", left))
		r.discard(old)
		return true

	case next == stateFailed:
		err := out.err
		if err == nil {
			err = fmt.Errorf("unexpected event %d in state %s", ev, r.state)
		}
		res := r.errorResult(jsonrpc.WrapErrorWithData(jsonrpc.NewInternalServerError("Internal error"), err.Error()), false, false)
		conn := r.complete(next, res)
		r.lock.Unlock()
		r.log.Debug("request failed", zap.Error(err), zap.Int("attempts", r.opts.Attempts))
		r.discard(conn)
		r.deliver(res)
		return false

	case next == stateCompleted:
		conn := r.complete(next, out.res)
		r.lock.Unlock()
		r.release(conn, out.keep)
		r.deliver(out.res)
		return false

	default:
		if next == stateWriting {
			r.stopConnTimer()
		}
		r.state = next
		r.lock.Unlock()
		return true
	}
}

// abort completes the request that is still running with an error.
func (r *Request) abort(st state, reason string) {
	r.lock.Lock()
	if r.done || r.ctx == nil {
		r.lock.Unlock()
		return
	}
	var (
		timedOut = st == stateTimedOut
		e        *jsonrpc.Error
	)
	if timedOut {
		e = jsonrpc.WrapErrorWithData(jsonrpc.NewInternalServerError("Timeout"), reason)
	} else {
		e = jsonrpc.WrapErrorWithData(jsonrpc.NewInternalServerError("Internal error"), reason)
	}
	res := r.errorResult(e, timedOut, !timedOut)
	r.canceled = true
	conn := r.complete(st, res)
	r.lock.Unlock()
	r.log.Debug("request aborted", zap.String("reason", reason))
	// Closing the connection interrupts the I/O in progress.
	r.discard(conn)
	r.deliver(res)
}

// complete must be called with the lock held, it returns the connection
// the request owned.
func (r *Request) complete(st state, res *Result) *connmgr.Conn {
	r.done = true
	r.state = st
	r.result = res
	if r.reqTimer != nil {
		r.reqTimer.Stop()
	}
	r.stopConnTimer()
	r.cancel()
	conn := r.conn
	r.conn = nil
	return conn
}

func (r *Request) errorResult(e *jsonrpc.Error, timedOut, canceled bool) *Result {
	var w jsonrpc.Writer
	w.SetID(r.id)
	w.SetErrorObject(e)
	return &Result{
		Body: w.Stringify(),
		Response: &jsonrpc.Response{
			HeaderAndError: jsonrpc.HeaderAndError{
				Header: jsonrpc.Header{ID: r.id, JSONRPC: jsonrpc.JSONRPCVersion},
				Error:  e,
			},
		},
		Err:      e,
		TimedOut: timedOut,
		Canceled: canceled,
	}
}

func (r *Request) discard(c *connmgr.Conn) {
	r.release(c, false)
}

func (r *Request) release(c *connmgr.Conn, keep bool) {
	if c == nil {
		return
	}
	if r.opts.Pool != nil {
		r.opts.Pool.Release(c, keep)
		return
	}
	_ = c.Close()
}

func (r *Request) deliver(res *Result) {
	observeRequest(res, time.Since(r.start))
	if r.cb == nil {
		return
	}
	if r.opts.Executor != nil {
		r.opts.Executor.Post(func() { r.cb(res) })
		return
	}
	r.cb(res)
}
