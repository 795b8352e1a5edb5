/*
Package cache implements caches of the peer data used by delegated handlers:
the blocks cache polling the peer for the latest blocks and the address
history cache.
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// BlocksSource is the peer the blocks are fetched from, *rpcclient.Client
// implements it.
type BlocksSource interface {
	GetCountBlocks(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, n uint64) (*block.Block, error)
}

// Blocks keeps the latest Size blocks of the peer. It polls the peer every
// RefreshInterval and fetches the blocks it hasn't seen yet.
type Blocks struct {
	isActive atomic.Bool
	cfg      config.BlocksCache
	src      BlocksSource
	log      *zap.Logger

	lock       sync.RWMutex
	byHash     *lru.Cache // hash -> *block.Block
	byNumber   *lru.Cache // number -> *block.Block
	count      uint64
	lastSigned *block.Block

	ctx       context.Context
	ctxCancel context.CancelFunc
	quitOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewBlocks creates the blocks cache.
func NewBlocks(cfg config.BlocksCache, src BlocksSource, log *zap.Logger) (*Blocks, error) {
	if log == nil {
		return nil, errors.New("empty logger")
	}
	if src == nil {
		return nil, errors.New("no blocks source")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("invalid cache size %d", cfg.Size)
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("invalid refresh interval %s", cfg.RefreshInterval)
	}
	b := &Blocks{
		cfg:  cfg,
		src:  src,
		log:  log.With(zap.String("service", "blocks cache")),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.ctx, b.ctxCancel = context.WithCancel(context.Background())
	var err error
	if b.byHash, err = lru.New(cfg.Size); err != nil {
		return nil, err
	}
	if b.byNumber, err = lru.New(cfg.Size); err != nil {
		return nil, err
	}
	return b, nil
}

// Init fills the cache with the peer's latest blocks.
func (b *Blocks) Init() error {
	if err := b.refresh(b.ctx); err != nil {
		return fmt.Errorf("failed to init blocks cache: %w", err)
	}
	return nil
}

// Start runs the polling routine.
func (b *Blocks) Start() {
	if !b.isActive.CompareAndSwap(false, true) {
		return
	}
	b.log.Info("starting blocks cache", zap.Duration("refresh interval", b.cfg.RefreshInterval))
	go b.run()
}

// IsRunning returns true if the polling routine is running.
func (b *Blocks) IsRunning() bool {
	return b.isActive.Load()
}

func (b *Blocks) run() {
	defer close(b.done)
	t := time.NewTicker(b.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-t.C:
			if err := b.refresh(b.ctx); err != nil && b.ctx.Err() == nil {
				b.log.Warn("failed to refresh blocks", zap.Error(err))
			}
		}
	}
}

// refresh fetches the blocks added since the previous call.
func (b *Blocks) refresh(ctx context.Context) error {
	count, err := b.src.GetCountBlocks(ctx)
	if err != nil {
		return fmt.Errorf("get-count-blocks: %w", err)
	}
	b.lock.RLock()
	start := b.count
	b.lock.RUnlock()
	if count > uint64(b.cfg.Size) && start < count-uint64(b.cfg.Size) {
		start = count - uint64(b.cfg.Size)
	}
	for n := start; n < count; n++ {
		blk, err := b.src.GetBlockByNumber(ctx, n)
		if err != nil {
			return fmt.Errorf("get-block-by-number %d: %w", n, err)
		}
		if blk.Number != n {
			return fmt.Errorf("peer returned block %d instead of %d", blk.Number, n)
		}
		if err := blk.Verify(); err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
		b.add(blk)
	}
	return nil
}

func (b *Blocks) add(blk *block.Block) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.byHash.Add(blk.Hash, blk)
	b.byNumber.Add(blk.Number, blk)
	if blk.Number >= b.count {
		b.count = blk.Number + 1
	}
	if blk.Signed && (b.lastSigned == nil || blk.Number > b.lastSigned.Number) {
		b.lastSigned = blk
	}
	cachedBlocks.Set(float64(b.byHash.Len()))
}

// Count returns the number of blocks in the peer chain seen by the cache.
func (b *Blocks) Count() uint64 {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.count
}

// LastSignedBlock returns the latest signed block seen.
func (b *Blocks) LastSignedBlock() (*block.Block, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.lastSigned, b.lastSigned != nil
}

// Block returns the cached block with the given hash.
func (b *Blocks) Block(hash string) (*block.Block, bool) {
	v, ok := b.byHash.Get(hash)
	if !ok {
		cacheMisses.WithLabelValues("blocks").Inc()
		return nil, false
	}
	cacheHits.WithLabelValues("blocks").Inc()
	return v.(*block.Block), true
}

// BlockByNumber returns the cached block with the given number.
func (b *Blocks) BlockByNumber(n uint64) (*block.Block, bool) {
	v, ok := b.byNumber.Get(n)
	if !ok {
		cacheMisses.WithLabelValues("blocks").Inc()
		return nil, false
	}
	cacheHits.WithLabelValues("blocks").Inc()
	return v.(*block.Block), true
}

// Shutdown stops the polling routine and waits for it to exit.
func (b *Blocks) Shutdown() {
	b.quitOnce.Do(func() {
		b.ctxCancel()
		close(b.quit)
		if b.isActive.Load() {
			<-b.done
			b.isActive.Store(false)
		}
		b.log.Info("blocks cache stopped")
	})
}
