/*
Package block contains the block and transaction structures stored by the
local ledger and returned by the node's RPC methods.
*/
package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Block represents one block in the chain.
type Block struct {
	// Hash is a hex-encoded block hash, see ComputeHash.
	Hash string `json:"hash"`
	// Number is the block index, genesis block is 0.
	Number uint64 `json:"number"`
	// PrevHash is the hash of the previous block, empty for genesis.
	PrevHash string `json:"prev_hash"`
	// Timestamp is a block creation time in Unix seconds.
	Timestamp uint64 `json:"timestamp"`
	// Signed is true for blocks that carry network signatures, only such
	// blocks are reported as the latest ones.
	Signed bool `json:"signed"`
	// Transactions is the list of block transactions.
	Transactions []Transaction `json:"txs,omitempty"`
}

// Header is a block without transactions.
type Header struct {
	Hash      string `json:"hash"`
	Number    uint64 `json:"number"`
	PrevHash  string `json:"prev_hash"`
	Timestamp uint64 `json:"timestamp"`
	Signed    bool   `json:"signed"`
	TxCount   int    `json:"count_txs"`
}

// ErrHashMismatch is returned from Verify when the block hash doesn't match
// its contents.
var ErrHashMismatch = errors.New("block hash mismatch")

// ComputeHash calculates block hash over the block number, previous hash,
// timestamp and transaction hashes.
func (b *Block) ComputeHash() string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Number)
	h.Write(buf[:])
	h.Write([]byte(b.PrevHash))
	binary.BigEndian.PutUint64(buf[:], b.Timestamp)
	h.Write(buf[:])
	for i := range b.Transactions {
		h.Write([]byte(b.Transactions[i].Hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Seal sets transaction hashes and block numbers (where missing) and then
// the block hash.
func (b *Block) Seal() {
	for i := range b.Transactions {
		b.Transactions[i].BlockNumber = b.Number
		if b.Transactions[i].Hash == "" {
			b.Transactions[i].Hash = b.Transactions[i].ComputeHash()
		}
	}
	b.Hash = b.ComputeHash()
}

// Verify verifies the integrity of the block.
func (b *Block) Verify() error {
	hashes := make(map[string]struct{}, len(b.Transactions))
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if _, ok := hashes[tx.Hash]; ok {
			return fmt.Errorf("transaction %s duplication is not allowed", tx.Hash)
		}
		hashes[tx.Hash] = struct{}{}
		if err := tx.Verify(); err != nil {
			return fmt.Errorf("transaction #%d: %w", i, err)
		}
	}
	if b.Hash != b.ComputeHash() {
		return ErrHashMismatch
	}
	return nil
}

// Header returns the Header of the Block.
func (b *Block) Header() Header {
	return Header{
		Hash:      b.Hash,
		Number:    b.Number,
		PrevHash:  b.PrevHash,
		Timestamp: b.Timestamp,
		Signed:    b.Signed,
		TxCount:   len(b.Transactions),
	}
}
