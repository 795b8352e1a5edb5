package cache

import (
	"errors"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type historyEntry struct {
	txs   []block.Transaction
	added time.Time
}

// History keeps address histories fetched from the peer for TTL. Entries are
// keyed by the address and the requested window.
type History struct {
	isActive atomic.Bool
	cfg      config.HistoryCache
	log      *zap.Logger
	entries  *lru.Cache

	now      func() time.Time
	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// NewHistory creates the history cache.
func NewHistory(cfg config.HistoryCache, log *zap.Logger) (*History, error) {
	if log == nil {
		return nil, errors.New("empty logger")
	}
	if cfg.Size <= 0 || cfg.TTL <= 0 {
		return nil, errors.New("size and TTL must be positive")
	}
	h := &History{
		cfg:  cfg,
		log:  log.With(zap.String("service", "history cache")),
		now:  time.Now,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	var err error
	if h.entries, err = lru.New(cfg.Size); err != nil {
		return nil, err
	}
	return h, nil
}

func historyKey(addr string, begin, count uint64) string {
	return addr + "/" + strconv.FormatUint(begin, 10) + "/" + strconv.FormatUint(count, 10)
}

// Init does nothing, the history cache is filled on demand.
func (h *History) Init() error {
	return nil
}

// Start runs the janitor dropping expired entries.
func (h *History) Start() {
	if !h.isActive.CompareAndSwap(false, true) {
		return
	}
	h.log.Info("starting history cache", zap.Int("size", h.cfg.Size), zap.Duration("ttl", h.cfg.TTL))
	go h.janitor()
}

// IsRunning returns true if the janitor is running.
func (h *History) IsRunning() bool {
	return h.isActive.Load()
}

func (h *History) janitor() {
	defer close(h.done)
	t := time.NewTicker(h.cfg.TTL)
	defer t.Stop()
	for {
		select {
		case <-h.quit:
			return
		case <-t.C:
			h.dropExpired()
		}
	}
}

func (h *History) dropExpired() {
	now := h.now()
	for _, k := range h.entries.Keys() {
		v, ok := h.entries.Peek(k)
		if ok && now.Sub(v.(*historyEntry).added) >= h.cfg.TTL {
			h.entries.Remove(k)
		}
	}
	cachedHistories.Set(float64(h.entries.Len()))
}

// Get returns the cached history window of the address.
func (h *History) Get(addr string, begin, count uint64) ([]block.Transaction, bool) {
	key := historyKey(addr, begin, count)
	v, ok := h.entries.Get(key)
	if ok && h.now().Sub(v.(*historyEntry).added) < h.cfg.TTL {
		cacheHits.WithLabelValues("history").Inc()
		return v.(*historyEntry).txs, true
	}
	if ok {
		h.entries.Remove(key)
	}
	cacheMisses.WithLabelValues("history").Inc()
	return nil, false
}

// Put stores the history window of the address.
func (h *History) Put(addr string, begin, count uint64, txs []block.Transaction) {
	h.entries.Add(historyKey(addr, begin, count), &historyEntry{txs: txs, added: h.now()})
	cachedHistories.Set(float64(h.entries.Len()))
}

// Shutdown stops the janitor and drops all entries.
func (h *History) Shutdown() {
	h.quitOnce.Do(func() {
		close(h.quit)
		if h.isActive.Load() {
			<-h.done
			h.isActive.Store(false)
		}
		h.entries.Purge()
		h.log.Info("history cache stopped")
	})
}
