package rpcsrv

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/core"
	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"github.com/nspcc-dev/rpcnode/pkg/rpcclient"
	"go.uber.org/zap"
)

// Ledger is the local chain as used by the RPC server, *core.Ledger
// implements it.
type Ledger interface {
	BlockCount() uint64
	GetBlockByHash(hash string) (*block.Block, error)
	GetBlockByNumber(n uint64) (*block.Block, error)
	LastSignedBlock() (*block.Block, error)
	History(addr string, offset, limit int) ([]block.Transaction, error)
}

const (
	// defaultHistoryCount is the number of transactions returned by
	// fetch-history if countTx is not given.
	defaultHistoryCount = 100
	// maxHistoryCount is the maximum countTx of fetch-history.
	maxHistoryCount = 1000
)

var (
	errNoLedger      = errors.New("local database is not available")
	errBlockNotFound = jsonrpc.NewError(jsonrpc.InvalidParamsCode, http.StatusNotFound, "Block not found", "")
)

// RegisterHandlers adds the methods served by the node to the registry.
func RegisterHandlers(r *Registry) {
	r.Register("status", newStatusHandler, newStatusHandler)
	r.Register("get-count-blocks", newLocalCountBlocks, newDelegatedCountBlocks)
	r.Register("get-last-block", newLocalLastBlock, newDelegatedLastBlock)
	r.Register("get-block-by-hash", newLocalBlockByHash, newDelegatedBlockByHash)
	r.Register("get-block-by-number", newLocalBlockByNumber, newDelegatedBlockByNumber)
	r.Register("fetch-history", newLocalHistory, newDelegatedHistory)
}

func ledgerError(err error) error {
	if errors.Is(err, core.ErrBlockNotFound) || errors.Is(err, core.ErrNoSignedBlocks) {
		return jsonrpc.WrapErrorWithData(errBlockNotFound, err.Error())
	}
	return err
}

func (b *BaseHandler) ledger() (Ledger, error) {
	if b.Subs.Ledger == nil {
		return nil, errNoLedger
	}
	return b.Subs.Ledger, nil
}

// status.

type statusHandler struct {
	*BaseHandler
}

func newStatusHandler(b *BaseHandler) Handler { return statusHandler{b} }

func (h statusHandler) PrepareParams() error { return h.RequireID() }

func (h statusHandler) Execute() (Outcome, error) {
	h.Response.Set("version", config.Version)
	h.Response.Set("mode", h.Mode.String())
	switch {
	case h.Subs.Ledger != nil:
		h.Response.Set("count_blocks", h.Subs.Ledger.BlockCount())
	case h.Subs.Blocks != nil && h.Subs.Blocks.IsRunning():
		h.Response.Set("count_blocks", h.Subs.Blocks.Count())
	}
	if h.Subs.Pool != nil {
		h.Response.Set("pool_idle", h.Subs.Pool.IdleCount())
	}
	return Ready, nil
}

// get-count-blocks.

type countBlocksHandler struct {
	*BaseHandler
	local bool
}

func newLocalCountBlocks(b *BaseHandler) Handler {
	return countBlocksHandler{BaseHandler: b, local: true}
}

func newDelegatedCountBlocks(b *BaseHandler) Handler {
	return countBlocksHandler{BaseHandler: b}
}

func (h countBlocksHandler) PrepareParams() error { return h.RequireID() }

func (h countBlocksHandler) Execute() (Outcome, error) {
	if h.local {
		l, err := h.ledger()
		if err != nil {
			return Ready, err
		}
		h.Response.Set("count_blocks", l.BlockCount())
		return Ready, nil
	}
	if c := h.Subs.Blocks; c != nil && c.IsRunning() {
		if last, ok := c.LastSignedBlock(); ok {
			h.Response.Set("count_blocks", last.Number+1)
			return Ready, nil
		}
	}
	return h.Forward()
}

// get-last-block.

type lastBlockHandler struct {
	*BaseHandler
	local bool
}

func newLocalLastBlock(b *BaseHandler) Handler {
	return lastBlockHandler{BaseHandler: b, local: true}
}

func newDelegatedLastBlock(b *BaseHandler) Handler {
	return lastBlockHandler{BaseHandler: b}
}

func (h lastBlockHandler) PrepareParams() error { return h.RequireID() }

func (h lastBlockHandler) Execute() (Outcome, error) {
	if h.local {
		l, err := h.ledger()
		if err != nil {
			return Ready, err
		}
		blk, err := l.LastSignedBlock()
		if err != nil {
			return Ready, ledgerError(err)
		}
		h.Response.SetResult(blk)
		return Ready, nil
	}
	if c := h.Subs.Blocks; c != nil && c.IsRunning() {
		if last, ok := c.LastSignedBlock(); ok {
			h.Response.SetResult(last)
			return Ready, nil
		}
	}
	return h.Forward()
}

// get-block-by-hash.

type blockByHashHandler struct {
	*BaseHandler
	local bool
	hash  *string
}

func newLocalBlockByHash(b *BaseHandler) Handler {
	return blockByHashHandler{BaseHandler: b, local: true, hash: new(string)}
}

func newDelegatedBlockByHash(b *BaseHandler) Handler {
	return blockByHashHandler{BaseHandler: b, hash: new(string)}
}

func (h blockByHashHandler) PrepareParams() error {
	if err := h.RequireID(); err != nil {
		return err
	}
	hash, ok := h.Request.ParamString("hash")
	if !ok || hash == "" {
		return jsonrpc.NewInvalidParamsError("hash field not found")
	}
	*h.hash = hash
	return nil
}

func (h blockByHashHandler) Execute() (Outcome, error) {
	if h.local {
		l, err := h.ledger()
		if err != nil {
			return Ready, err
		}
		blk, err := l.GetBlockByHash(*h.hash)
		if err != nil {
			return Ready, ledgerError(err)
		}
		h.Response.SetResult(blk)
		return Ready, nil
	}
	if c := h.Subs.Blocks; c != nil {
		if blk, ok := c.Block(*h.hash); ok {
			h.Response.SetResult(blk)
			return Ready, nil
		}
	}
	return h.Forward()
}

// get-block-by-number.

type blockByNumberHandler struct {
	*BaseHandler
	local  bool
	number *uint64
}

func newLocalBlockByNumber(b *BaseHandler) Handler {
	return blockByNumberHandler{BaseHandler: b, local: true, number: new(uint64)}
}

func newDelegatedBlockByNumber(b *BaseHandler) Handler {
	return blockByNumberHandler{BaseHandler: b, number: new(uint64)}
}

func (h blockByNumberHandler) PrepareParams() error {
	if err := h.RequireID(); err != nil {
		return err
	}
	n, ok := h.Request.ParamUint("number")
	if !ok {
		return jsonrpc.NewInvalidParamsError("number field not found")
	}
	*h.number = n
	return nil
}

func (h blockByNumberHandler) Execute() (Outcome, error) {
	if !h.local {
		return h.Forward()
	}
	l, err := h.ledger()
	if err != nil {
		return Ready, err
	}
	blk, err := l.GetBlockByNumber(*h.number)
	if err != nil {
		return Ready, ledgerError(err)
	}
	h.Response.SetResult(blk)
	return Ready, nil
}

// fetch-history.

type historyParams struct {
	address string
	begin   uint64
	count   uint64
}

type historyHandler struct {
	*BaseHandler
	local bool
	p     *historyParams
}

func newLocalHistory(b *BaseHandler) Handler {
	return historyHandler{BaseHandler: b, local: true, p: new(historyParams)}
}

func newDelegatedHistory(b *BaseHandler) Handler {
	return historyHandler{BaseHandler: b, p: new(historyParams)}
}

func (h historyHandler) optionalUint(name string, def uint64) (uint64, error) {
	if _, ok := h.Request.Param(name); !ok {
		return def, nil
	}
	v, ok := h.Request.ParamUint(name)
	if !ok {
		return 0, jsonrpc.NewInvalidParamsError("invalid " + name)
	}
	return v, nil
}

func (h historyHandler) PrepareParams() error {
	if err := h.RequireID(); err != nil {
		return err
	}
	addr, ok := h.Request.ParamString("address")
	if !ok || addr == "" {
		return jsonrpc.NewInvalidParamsError("address field not found")
	}
	begin, err := h.optionalUint("beginTx", 0)
	if err != nil {
		return err
	}
	if begin > math.MaxInt {
		return jsonrpc.NewInvalidParamsError("beginTx is too big")
	}
	count, err := h.optionalUint("countTx", defaultHistoryCount)
	if err != nil {
		return err
	}
	if count == 0 || count > maxHistoryCount {
		return jsonrpc.NewInvalidParamsError("countTx must be between 1 and 1000")
	}
	*h.p = historyParams{address: addr, begin: begin, count: count}
	return nil
}

func (h historyHandler) Execute() (Outcome, error) {
	p := *h.p
	if h.local {
		l, err := h.ledger()
		if err != nil {
			return Ready, err
		}
		txs, err := l.History(p.address, int(p.begin), int(p.count))
		if err != nil {
			return Ready, err
		}
		h.Response.SetResult(txs)
		return Ready, nil
	}
	c := h.Subs.History
	if c == nil {
		return h.Forward()
	}
	if txs, ok := c.Get(p.address, p.begin, p.count); ok {
		h.Response.SetResult(txs)
		return Ready, nil
	}
	return h.ForwardThen(func(res *rpcclient.Result) {
		if res.Err != nil || res.Response.Error != nil {
			return
		}
		var txs []block.Transaction
		if err := json.Unmarshal(res.Response.Result, &txs); err != nil {
			h.Log.Debug("peer returned malformed history", zap.Error(err))
			return
		}
		c.Put(p.address, p.begin, p.count, txs)
	})
}
