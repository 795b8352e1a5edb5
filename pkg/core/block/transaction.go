package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// Transaction is a value transfer between two addresses.
type Transaction struct {
	Hash        string `json:"transaction"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       uint64 `json:"value"`
	Data        string `json:"data,omitempty"`
	BlockNumber uint64 `json:"blockNumber"`
}

// TxRef points to a transaction from the address history index.
type TxRef struct {
	BlockHash string `json:"blockHash"`
	Position  uint32 `json:"position"`
}

// ComputeHash calculates transaction hash.
func (t *Transaction) ComputeHash() string {
	h := sha256.New()
	h.Write([]byte(t.From))
	h.Write([]byte{0})
	h.Write([]byte(t.To))
	h.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], t.Value)
	h.Write(buf[:])
	h.Write([]byte(t.Data))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks transaction consistency.
func (t *Transaction) Verify() error {
	if t.From == "" || t.To == "" {
		return errors.New("empty address")
	}
	if t.Hash != t.ComputeHash() {
		return errors.New("transaction hash mismatch")
	}
	return nil
}

// Addresses returns the set of addresses the transaction touches.
func (t *Transaction) Addresses() []string {
	if t.From == t.To {
		return []string{t.From}
	}
	return []string{t.From, t.To}
}
