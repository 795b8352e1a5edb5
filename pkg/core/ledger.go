package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nspcc-dev/rpcnode/pkg/core/block"
	"github.com/nspcc-dev/rpcnode/pkg/core/storage"
	"go.uber.org/zap"
)

// version is stored in the DB and checked on startup.
const version = "0.1.0"

var (
	// ErrBlockNotFound is returned when the requested block is not in the
	// ledger.
	ErrBlockNotFound = errors.New("block not found")
	// ErrNoSignedBlocks is returned by LastSignedBlock if there are no signed
	// blocks in the ledger yet.
	ErrNoSignedBlocks = errors.New("no signed blocks")
	// ErrInvalidBlock is returned by AddBlock for blocks that can't be
	// appended to the chain.
	ErrInvalidBlock = errors.New("invalid block")
)

// Ledger is the local block and transaction database used when the node
// works in the local database mode.
type Ledger struct {
	log   *zap.Logger
	store storage.Store

	lock       sync.RWMutex
	count      uint64
	topHash    string
	lastSigned uint64
	hasSigned  bool
}

type currentBlock struct {
	Count      uint64 `json:"count"`
	TopHash    string `json:"top"`
	LastSigned uint64 `json:"lastSigned"`
	HasSigned  bool   `json:"hasSigned"`
}

// NewLedger creates a ledger over the given store, restoring its state if
// the store is not empty.
func NewLedger(s storage.Store, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		return nil, errors.New("empty logger")
	}
	l := &Ledger{
		log:   log.With(zap.String("service", "ledger")),
		store: s,
	}

	ver, err := s.Get(storage.SYSVersion.Bytes())
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		l.log.Info("no storage version found, initializing")
		if err := s.PutChangeSet(map[string][]byte{string(storage.SYSVersion.Bytes()): []byte(version)}); err != nil {
			return nil, fmt.Errorf("can't store version: %w", err)
		}
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("can't read version: %w", err)
	case string(ver) != version:
		return nil, fmt.Errorf("storage version mismatch (expected=%s, actual=%s)", version, ver)
	}

	raw, err := s.Get(storage.SYSCurrentBlock.Bytes())
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return l, nil
		}
		return nil, fmt.Errorf("can't read current block: %w", err)
	}
	var cur currentBlock
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("malformed current block record: %w", err)
	}
	l.count, l.topHash, l.lastSigned, l.hasSigned = cur.Count, cur.TopHash, cur.LastSigned, cur.HasSigned
	updateBlockCountMetric(l.count)
	l.log.Info("ledger restored", zap.Uint64("blocks", l.count), zap.String("top", l.topHash))
	return l, nil
}

func numberKey(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return storage.AppendPrefix(storage.IXBlockNumber, b[:])
}

func addressPrefix(addr string) []byte {
	return storage.AppendPrefix(storage.IXAddressTx, []byte{byte(len(addr))}, []byte(addr))
}

func addressTxKey(addr string, n uint64, pos uint32) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:], n)
	binary.BigEndian.PutUint32(b[8:], pos)
	return append(addressPrefix(addr), b[:]...)
}

// AddBlock verifies the block and appends it to the chain. Blocks must be
// added in order.
func (l *Ledger) AddBlock(b *block.Block) error {
	if err := b.Verify(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBlock, err)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if b.Number != l.count {
		return fmt.Errorf("%w: expected block %d, got %d", ErrInvalidBlock, l.count, b.Number)
	}
	if b.PrevHash != l.topHash {
		return fmt.Errorf("%w: previous hash mismatch", ErrInvalidBlock)
	}

	data, err := b.EncodeCompressed()
	if err != nil {
		return fmt.Errorf("can't encode block: %w", err)
	}
	ref := make(map[string][]byte, 3+2*len(b.Transactions))
	ref[string(storage.AppendPrefix(storage.DataBlock, []byte(b.Hash)))] = data
	ref[string(numberKey(b.Number))] = []byte(b.Hash)
	for i := range b.Transactions {
		tr, err := json.Marshal(block.TxRef{BlockHash: b.Hash, Position: uint32(i)})
		if err != nil {
			return err
		}
		for _, addr := range b.Transactions[i].Addresses() {
			if len(addr) > 255 {
				return fmt.Errorf("%w: address is too long", ErrInvalidBlock)
			}
			ref[string(addressTxKey(addr, b.Number, uint32(i)))] = tr
		}
	}

	cur := currentBlock{
		Count:      l.count + 1,
		TopHash:    b.Hash,
		LastSigned: l.lastSigned,
		HasSigned:  l.hasSigned,
	}
	if b.Signed {
		cur.LastSigned, cur.HasSigned = b.Number, true
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	ref[string(storage.SYSCurrentBlock.Bytes())] = raw
	if err := l.store.PutChangeSet(ref); err != nil {
		return fmt.Errorf("can't persist block %d: %w", b.Number, err)
	}
	l.count, l.topHash, l.lastSigned, l.hasSigned = cur.Count, cur.TopHash, cur.LastSigned, cur.HasSigned
	updateBlockCountMetric(l.count)
	l.log.Debug("block added", zap.Uint64("number", b.Number), zap.Int("txs", len(b.Transactions)))
	return nil
}

// BlockCount returns the number of blocks in the ledger.
func (l *Ledger) BlockCount() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.count
}

// GetBlockByHash returns the block with the given hash.
func (l *Ledger) GetBlockByHash(hash string) (*block.Block, error) {
	data, err := l.store.Get(storage.AppendPrefix(storage.DataBlock, []byte(hash)))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return block.DecodeCompressed(data)
}

// GetBlockByNumber returns the block with the given number.
func (l *Ledger) GetBlockByNumber(n uint64) (*block.Block, error) {
	hash, err := l.store.Get(numberKey(n))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return l.GetBlockByHash(string(hash))
}

// LastSignedBlock returns the latest signed block.
func (l *Ledger) LastSignedBlock() (*block.Block, error) {
	l.lock.RLock()
	n, ok := l.lastSigned, l.hasSigned
	l.lock.RUnlock()
	if !ok {
		return nil, ErrNoSignedBlocks
	}
	return l.GetBlockByNumber(n)
}

// History returns transactions of the given address, newest first, skipping
// offset transactions and returning no more than limit of them (limit <= 0
// means no limit).
func (l *Ledger) History(addr string, offset, limit int) ([]block.Transaction, error) {
	var (
		refs []block.TxRef
		err  error
		skip = offset
	)
	l.store.Seek(storage.SeekRange{Prefix: addressPrefix(addr), Backwards: true}, func(k, v []byte) bool {
		if skip > 0 {
			skip--
			return true
		}
		var r block.TxRef
		if err = json.Unmarshal(v, &r); err != nil {
			return false
		}
		refs = append(refs, r)
		return limit <= 0 || len(refs) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("malformed history record: %w", err)
	}

	var (
		res    = make([]block.Transaction, 0, len(refs))
		blocks = make(map[string]*block.Block)
	)
	for _, r := range refs {
		b, ok := blocks[r.BlockHash]
		if !ok {
			b, err = l.GetBlockByHash(r.BlockHash)
			if err != nil {
				return nil, fmt.Errorf("block %s: %w", r.BlockHash, err)
			}
			blocks[r.BlockHash] = b
		}
		if int(r.Position) >= len(b.Transactions) {
			return nil, fmt.Errorf("block %s has no transaction #%d", r.BlockHash, r.Position)
		}
		res = append(res, b.Transactions[r.Position])
	}
	return res, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
