package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	lock   sync.Mutex
	blocks []*block.Block
	err    error
}

func (s *fakeSource) grow(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := 0; i < n; i++ {
		var (
			num  = uint64(len(s.blocks))
			prev string
		)
		if num > 0 {
			prev = s.blocks[num-1].Hash
		}
		b := &block.Block{
			Number:    num,
			PrevHash:  prev,
			Timestamp: 1600000000 + num,
			Signed:    num%3 == 0,
			Transactions: []block.Transaction{
				{From: "alice", To: "bob", Value: num},
			},
		}
		b.Seal()
		s.blocks = append(s.blocks, b)
	}
}

func (s *fakeSource) GetCountBlocks(context.Context) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return uint64(len(s.blocks)), nil
}

func (s *fakeSource) GetBlockByNumber(_ context.Context, n uint64) (*block.Block, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if n >= uint64(len(s.blocks)) {
		return nil, errors.New("no such block")
	}
	return s.blocks[n], nil
}

func TestNewBlocks(t *testing.T) {
	cfg := config.BlocksCache{Enabled: true, RefreshInterval: time.Second, Size: 4}
	_, err := NewBlocks(cfg, new(fakeSource), nil)
	require.Error(t, err)
	_, err = NewBlocks(cfg, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	cfg.Size = 0
	_, err = NewBlocks(cfg, new(fakeSource), zaptest.NewLogger(t))
	require.Error(t, err)
	cfg.Size = 4
	cfg.RefreshInterval = 0
	_, err = NewBlocks(cfg, new(fakeSource), zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestBlocksInit(t *testing.T) {
	src := new(fakeSource)
	src.grow(10)
	b, err := NewBlocks(config.BlocksCache{Enabled: true, RefreshInterval: time.Second, Size: 4}, src, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)

	require.NoError(t, b.Init())
	require.EqualValues(t, 10, b.Count())

	last, ok := b.LastSignedBlock()
	require.True(t, ok)
	require.EqualValues(t, 9, last.Number)

	got, ok := b.Block(src.blocks[7].Hash)
	require.True(t, ok)
	require.Equal(t, src.blocks[7], got)
	got, ok = b.BlockByNumber(6)
	require.True(t, ok)
	require.Equal(t, src.blocks[6], got)

	// Only the tail is fetched.
	_, ok = b.Block(src.blocks[5].Hash)
	require.False(t, ok)
	_, ok = b.BlockByNumber(0)
	require.False(t, ok)

	t.Run("source error", func(t *testing.T) {
		src.err = errors.New("peer is down")
		require.Error(t, b.Init())
		src.err = nil
	})
}

func TestBlocksRefresh(t *testing.T) {
	src := new(fakeSource)
	src.grow(2)
	b, err := NewBlocks(config.BlocksCache{Enabled: true, RefreshInterval: 10 * time.Millisecond, Size: 8}, src, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, b.Init())
	require.False(t, b.IsRunning())

	b.Start()
	require.True(t, b.IsRunning())
	src.grow(2)
	require.Eventually(t, func() bool { return b.Count() == 4 }, time.Second, 10*time.Millisecond)
	last, ok := b.LastSignedBlock()
	require.True(t, ok)
	require.EqualValues(t, 3, last.Number)

	b.Shutdown()
	require.False(t, b.IsRunning())
	b.Shutdown()
}

func TestBlocksRejectsBadBlock(t *testing.T) {
	src := new(fakeSource)
	src.grow(3)
	src.blocks[2].Timestamp++
	b, err := NewBlocks(config.BlocksCache{Enabled: true, RefreshInterval: time.Second, Size: 8}, src, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Error(t, b.Init())
	require.EqualValues(t, 2, b.Count())
}

func TestHistory(t *testing.T) {
	_, err := NewHistory(config.HistoryCache{Size: 1}, zaptest.NewLogger(t))
	require.Error(t, err)

	h, err := NewHistory(config.HistoryCache{Enabled: true, Size: 2, TTL: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	h.now = func() time.Time { return now }
	require.NoError(t, h.Init())

	txs := []block.Transaction{{Hash: "aa", From: "alice", To: "bob", Value: 1}}
	_, ok := h.Get("alice", 0, 10)
	require.False(t, ok)

	h.Put("alice", 0, 10, txs)
	got, ok := h.Get("alice", 0, 10)
	require.True(t, ok)
	require.Equal(t, txs, got)

	// Another window is another entry.
	_, ok = h.Get("alice", 1, 10)
	require.False(t, ok)

	t.Run("ttl", func(t *testing.T) {
		now = now.Add(time.Minute)
		_, ok := h.Get("alice", 0, 10)
		require.False(t, ok)
	})
	t.Run("janitor", func(t *testing.T) {
		h.Put("bob", 0, 1, txs)
		h.Put("carol", 0, 1, txs)
		now = now.Add(30 * time.Second)
		h.Put("dave", 0, 1, txs) // Evicts bob.
		now = now.Add(40 * time.Second)
		h.dropExpired()
		_, ok := h.Get("carol", 0, 1)
		require.False(t, ok)
		_, ok = h.Get("dave", 0, 1)
		require.True(t, ok)
	})
	t.Run("shutdown", func(t *testing.T) {
		h.Start()
		require.True(t, h.IsRunning())
		h.Shutdown()
		require.False(t, h.IsRunning())
		_, ok := h.Get("dave", 0, 1)
		require.False(t, ok)
	})
}
