package rpcsrv

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	orderedjson "github.com/nspcc-dev/go-ordered-json"
	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const serverName = "rpcnode.service"

// Plain text errors sent with HTTP 400.
const (
	errIncorrectPath   = "Incorrect path"
	errIncorrectMethod = "Incorrect http method"
	errTooLarge        = "Request is too large"
)

var errLimitExceeded = errors.New("request size limit exceeded")

// limitReader allows reading up to n bytes, n is reset before every request.
type limitReader struct {
	r io.Reader
	n int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errLimitExceeded
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

// session serves one accepted connection. It reads requests one by one,
// posts their processing to the event loop and writes responses as they
// become ready.
type session struct {
	id     uuid.UUID
	srv    *Server
	conn   net.Conn
	remote net.IP
	limit  *limitReader
	reader *bufio.Reader
	log    *zap.Logger

	writeLock sync.Mutex
	inflight  sync.WaitGroup
}

// responder writes a single response of the session.
type responder struct {
	s       *session
	written atomic.Bool
}

func (r *responder) json(body []byte) {
	r.write(http.StatusOK, "application/json", body)
}

func (r *responder) badRequest(msg string) {
	r.write(http.StatusBadRequest, "text/plain", []byte(msg))
}

func (r *responder) write(status int, contentType string, body []byte) {
	if !r.written.CompareAndSwap(false, true) {
		r.s.log.Warn("response is already written, dropping", zap.ByteString("body", body))
		return
	}
	defer r.s.inflight.Done()
	r.s.writeResponse(status, contentType, body)
}

func newSession(srv *Server, conn net.Conn, remote net.IP) *session {
	s := &session{
		id:     uuid.New(),
		srv:    srv,
		conn:   conn,
		remote: remote,
		limit:  &limitReader{r: conn},
	}
	s.reader = bufio.NewReader(s.limit)
	s.log = srv.log.With(zap.Stringer("session", s.id), zap.String("peer", conn.RemoteAddr().String()))
	return s
}

// serve runs the read loop, the connection is closed after it ends and all
// responses are written (or the server is stopped).
func (s *session) serve() {
	defer s.close()
	for {
		s.limit.n = int64(s.srv.cfg.MaxRequestHeaderBytes + s.srv.cfg.MaxRequestBodyBytes)
		req, err := http.ReadRequest(s.reader)
		if err != nil {
			s.readFailed(err)
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, int64(s.srv.cfg.MaxRequestBodyBytes)+1))
		_ = req.Body.Close()
		if err == nil && len(body) > s.srv.cfg.MaxRequestBodyBytes {
			err = errLimitExceeded
		}
		if err != nil {
			s.readFailed(err)
			return
		}
		s.log.Debug("received request", zap.String("method", req.Method),
			zap.String("target", req.RequestURI), zap.ByteString("body", body))

		resp := s.newResponder()
		if !s.srv.loop.post(func() { s.process(req, body, resp) }) {
			s.inflight.Done()
			return
		}
	}
}

func (s *session) newResponder() *responder {
	s.inflight.Add(1)
	return &responder{s: s}
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, errLimitExceeded):
		s.log.Info("request is too large")
		s.report("too large request")
		s.newResponder().badRequest(errTooLarge)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.log.Debug("failed to read request", zap.Error(err))
	}
}

func (s *session) close() {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.srv.quit:
	}
	_ = s.conn.Close()
	s.srv.dropSession(s)
	s.log.Debug("session closed")
	s.srv.serving.Done()
}

func (s *session) writeResponse(status int, contentType string, body []byte) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.log.Debug("sending response", zap.Int("status", status), zap.ByteString("body", body))
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    0,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Close:         true,
	}
	resp.Header.Set("Server", serverName)
	resp.Header.Set("Content-Type", contentType)
	if err := resp.Write(s.conn); err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
	}
}

func (s *session) report(reason string) {
	if s.srv.cfg.AuthEnabled && s.srv.subs.Security != nil {
		s.srv.subs.Security.Report(s.remote, reason)
	}
}

// process dispatches the request, it runs on the event loop.
func (s *session) process(req *http.Request, body []byte, resp *responder) {
	switch req.Method {
	case http.MethodPost:
		if req.RequestURI != "/" {
			s.report("incorrect path")
			resp.badRequest(errIncorrectPath)
			return
		}
		s.processPost(body, resp)
	case http.MethodGet:
		if len(req.RequestURI) <= 1 {
			s.report("incorrect path")
			resp.badRequest(errIncorrectPath)
			return
		}
		s.processGet(req.RequestURI, resp)
	default:
		s.report("incorrect http method")
		resp.badRequest(errIncorrectMethod)
	}
}

func (s *session) processPost(body []byte, resp *responder) {
	var (
		r = new(jsonrpc.Reader)
		w jsonrpc.Writer
	)
	if !r.Parse(body) {
		pe := r.ParseError()
		s.log.Info("incorrect json", zap.Int64("code", pe.Code), zap.String("cause", pe.Data))
		s.report("parse error")
		w.SetError(pe.Code, "Parse error")
		resp.json(w.Stringify())
		return
	}
	f, ok := s.srv.subs.Registry.Lookup(r.Method(), s.srv.mode)
	if !ok {
		s.log.Info("incorrect service method", zap.String("method", r.Method()))
		w.SetID(r.ID())
		w.SetErrorObject(jsonrpc.NewMethodNotFoundError(r.Method()))
		resp.json(w.Stringify())
		return
	}
	s.runHandler(f, r, body, resp)
}

func (s *session) processGet(target string, resp *responder) {
	method, query, _ := strings.Cut(target[1:], "?")
	var w jsonrpc.Writer
	w.SetID(jsonrpc.NewID(1))

	f, ok := s.srv.subs.Registry.Lookup(method, s.srv.mode)
	if !ok {
		s.log.Info("incorrect service method", zap.String("method", method))
		w.SetErrorObject(jsonrpc.NewError(jsonrpc.InvalidParamsCode, http.StatusUnprocessableEntity,
			fmt.Sprintf("Method '%s' not found", method), ""))
		resp.json(w.Stringify())
		return
	}
	w.SetMethod(method)
	if query != "" {
		w.SetParams(queryToParams(query))
	}
	body := w.Stringify()
	r := new(jsonrpc.Reader)
	if !r.Parse(body) {
		resp.json(body) // Internal error rendered by the writer.
		return
	}
	s.runHandler(f, r, body, resp)
}

// queryToParams converts URL query into an object of strings keeping the
// order of keys.
func queryToParams(query string) orderedjson.OrderedObject {
	var res orderedjson.OrderedObject
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		res = append(res, orderedjson.Member{Key: k, Value: v})
	}
	return res
}

func (s *session) runHandler(f Factory, r *jsonrpc.Reader, body []byte, resp *responder) {
	w := new(jsonrpc.Writer)
	w.SetID(r.ID())
	b := &BaseHandler{
		Name:     r.Method(),
		Request:  r,
		Response: w,
		Body:     body,
		Log:      s.log.With(zap.String("method", r.Method())),
		Subs:     &s.srv.subs,
		Mode:     s.srv.mode,
		fwd:      s.srv.fwd,
		reply:    resp.json,
	}
	runHandler(f(b))
}
