package rpcsrv

import (
	"errors"
	"fmt"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Outcome tells whether the handler has its response ready after Execute.
type Outcome uint8

const (
	// Ready means the response is in the writer and is sent right away.
	Ready Outcome = iota
	// Deferred means the handler calls Complete later, possibly from
	// another goroutine.
	Deferred
)

// Handler serves a single call.
type Handler interface {
	// PrepareParams validates and extracts call parameters, *jsonrpc.Error
	// is returned as is, other errors become invalid params errors.
	PrepareParams() error
	// Execute runs the call. Errors are converted with jsonrpc.WrapError.
	Execute() (Outcome, error)
	// Base returns the embedded BaseHandler.
	Base() *BaseHandler
}

// BaseHandler is embedded into every handler. It holds the request, the
// response being built and the way to send it.
type BaseHandler struct {
	Name     string
	Request  *jsonrpc.Reader
	Response *jsonrpc.Writer
	// Body is the raw request, it's forwarded to the peer as is.
	Body []byte
	Log  *zap.Logger
	Subs *Subsystems
	Mode Mode

	fwd   *forwarder
	reply func([]byte)
	start time.Time

	canceled  atomic.Bool
	completed atomic.Bool
}

// Base implements the Handler interface.
func (b *BaseHandler) Base() *BaseHandler {
	return b
}

// RequireID returns an error for requests without an identifier.
func (b *BaseHandler) RequireID() error {
	if b.Request.ID() == nil {
		return jsonrpc.NewInvalidParamsError("id field not found")
	}
	return nil
}

// Canceled returns true if the handler was aborted, its Complete calls are
// ignored then.
func (b *BaseHandler) Canceled() bool {
	return b.canceled.Load()
}

// Complete sends the response built in the writer. Only the first call
// has an effect.
func (b *BaseHandler) Complete() {
	if e := b.Response.Error(); e != nil {
		logRequestError(b.Log, e)
	}
	b.CompleteWith(b.Response.Stringify())
}

// CompleteWith sends the given raw JSON-RPC response. Only the first call
// of Complete or CompleteWith has an effect.
func (b *BaseHandler) CompleteWith(body []byte) {
	if b.canceled.Load() {
		b.Log.Debug("late completion of canceled handler ignored")
		return
	}
	if !b.completed.CompareAndSwap(false, true) {
		b.Log.Warn("handler completed twice")
		return
	}
	b.finish(body)
}

// Fail completes the handler with the error.
func (b *BaseHandler) Fail(err error) {
	b.Response.SetErrorObject(jsonrpc.WrapError(err))
	b.Complete()
}

func (b *BaseHandler) finish(body []byte) {
	d := time.Since(b.start)
	addReqTimeMetric(b.Name, d)
	b.Log.Debug("rpc call completed", zap.Duration("duration", d))
	b.reply(body)
}

// abort cancels the handler and sends the error unless something was sent
// already.
func (b *BaseHandler) abort(e *jsonrpc.Error) {
	b.canceled.Store(true)
	if !b.completed.CompareAndSwap(false, true) {
		return
	}
	var w jsonrpc.Writer
	w.SetID(b.Request.ID())
	w.SetErrorObject(e)
	b.finish(w.Stringify())
}

// logRequestError is a request error logger.
func logRequestError(log *zap.Logger, jsonErr *jsonrpc.Error) {
	logFields := []zap.Field{
		zap.Int64("code", jsonErr.Code),
		zap.String("message", jsonErr.Message),
	}
	if len(jsonErr.Data) != 0 {
		logFields = append(logFields, zap.String("cause", jsonErr.Data))
	}

	logText := "Error encountered with rpc request"
	switch jsonErr.Code {
	case jsonrpc.InternalServerErrorCode:
		log.Error(logText, logFields...)
	default:
		log.Info(logText, logFields...)
	}
}

func paramsError(err error) *jsonrpc.Error {
	var e *jsonrpc.Error
	if errors.As(err, &e) {
		return e
	}
	return jsonrpc.NewInvalidParamsError(err.Error())
}

// recoverPanic must be deferred by everything running handler code.
func (b *BaseHandler) recoverPanic() {
	if r := recover(); r != nil {
		b.Log.Error("panic in rpc handler",
			zap.String("handler", b.Name),
			zap.Any("panic", r),
			zap.Stack("stack"))
		b.abort(jsonrpc.WrapErrorWithData(jsonrpc.NewInternalServerError("Internal error"),
			fmt.Sprintf("panic in %s: %v", b.Name, r)))
	}
}

// runHandler drives the handler through its lifecycle. Panics are logged and
// answered with an internal error, the handler is canceled then.
func runHandler(h Handler) {
	b := h.Base()
	b.start = time.Now()
	defer b.recoverPanic()
	b.Log.Debug("processing rpc request", zap.ByteString("params", b.Request.Params()))

	if err := h.PrepareParams(); err != nil {
		b.Response.SetErrorObject(paramsError(err))
		b.Complete()
		return
	}
	out, err := h.Execute()
	if err != nil {
		b.Fail(err)
		return
	}
	if out == Ready {
		b.Complete()
	}
}
