/*
Package rpcclient implements the outbound JSON-RPC client used to call peer
nodes. Every call is a Request driven through resolving, connecting, optional
TLS handshake, writing and reading states by its own goroutine, transport
failures are retried and two timers bound the call.
*/
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"go.uber.org/atomic"
)

// Client is a peer node endpoint with a set of options shared by all
// requests. Client is thread-safe and can be used from multiple goroutines.
type Client struct {
	endpoint string
	opts     Options

	latestReqID *atomic.Uint64
}

// CountBlocks is the result of get-count-blocks.
type CountBlocks struct {
	Count uint64 `json:"count_blocks"`
}

// New returns a new Client ready to use.
func New(endpoint string, opts Options) (*Client, error) {
	if _, err := parseEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("bad endpoint: %w", err)
	}
	opts.applyDefaults()
	return &Client{
		endpoint:    endpoint,
		opts:        opts,
		latestReqID: atomic.NewUint64(0),
	}, nil
}

// PeerOptions returns request options for the configured peer.
func PeerOptions(p config.Peer) Options {
	return Options{
		RequestTimeout:     p.RequestTimeout,
		ConnectionTimeout:  p.ConnectionTimeout,
		Attempts:           p.Attempts,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}
}

// Endpoint returns the peer address the client is bound to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send starts an asynchronous request with the raw JSON-RPC body, cb is
// called exactly once (via Executor if it's set).
func (c *Client) Send(body []byte, cb func(*Result)) (*Request, error) {
	r, err := NewRequest(c.endpoint, body, c.opts)
	if err != nil {
		return nil, err
	}
	r.Send(cb)
	return r, nil
}

// Call performs a synchronous call of the method and unmarshals its result
// into v. Peer errors are returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any, v any) error {
	var req = jsonrpc.Request{
		JSONRPC: jsonrpc.JSONRPCVersion,
		Method:  method,
		Params:  params,
		ID:      jsonrpc.NewID(c.latestReqID.Inc()),
	}
	body, err := req.Bytes()
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	opts := c.opts
	// The caller is blocked waiting for the result, it's delivered directly.
	opts.Executor = nil
	r, err := NewRequest(c.endpoint, body, opts)
	if err != nil {
		return err
	}
	ch := make(chan *Result, 1)
	r.Send(func(res *Result) { ch <- res })

	var res *Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.Cancel()
		res = <-ch
		if res.Canceled {
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
	}
	if err := res.Error(); err != nil {
		return err
	}
	if res.Response.Error != nil {
		return res.Response.Error
	}
	if len(res.Response.Result) == 0 {
		return errors.New("no result returned")
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(res.Response.Result, v)
}

// GetCountBlocks returns the number of blocks known to the peer.
func (c *Client) GetCountBlocks(ctx context.Context) (uint64, error) {
	var res CountBlocks
	if err := c.Call(ctx, "get-count-blocks", nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// GetLastBlock returns the latest signed block of the peer.
func (c *Client) GetLastBlock(ctx context.Context) (*block.Block, error) {
	var b = new(block.Block)
	if err := c.Call(ctx, "get-last-block", nil, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBlockByNumber returns the block with the given number.
func (c *Client) GetBlockByNumber(ctx context.Context, n uint64) (*block.Block, error) {
	var b = new(block.Block)
	if err := c.Call(ctx, "get-block-by-number", map[string]any{"number": n}, b); err != nil {
		return nil, err
	}
	return b, nil
}
