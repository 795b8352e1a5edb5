package rpcsrv

import (
	"errors"

	"github.com/nspcc-dev/rpcnode/pkg/rpcclient"
)

// forwarder sends calls to the peer node, completions run on the event loop.
type forwarder struct {
	endpoint string
	opts     rpcclient.Options
}

func (f *forwarder) send(body []byte, cb func(*rpcclient.Result)) error {
	r, err := rpcclient.NewRequest(f.endpoint, body, f.opts)
	if err != nil {
		return err
	}
	r.Send(cb)
	return nil
}

// Forward sends the request to the peer node and completes the handler with
// its response.
func (b *BaseHandler) Forward() (Outcome, error) {
	return b.ForwardThen(nil)
}

// ForwardThen is like Forward, but calls f with the peer result before
// completing the handler.
func (b *BaseHandler) ForwardThen(f func(*rpcclient.Result)) (Outcome, error) {
	if b.fwd == nil {
		return Ready, errors.New("no peer configured")
	}
	err := b.fwd.send(b.Body, func(res *rpcclient.Result) {
		defer b.recoverPanic()
		if b.Canceled() {
			return
		}
		if res.Err != nil {
			logRequestError(b.Log, res.Err)
		}
		if f != nil {
			f(res)
		}
		b.CompleteWith(res.Body)
	})
	if err != nil {
		return Ready, err
	}
	return Deferred, nil
}
