/*
Package chaindump implements import and export of ledger blocks in the form of
a JSON stream, one block object after another.
*/
package chaindump

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nspcc-dev/rpcnode/pkg/core/block"
)

// DumperRestorer is an interface to get/add blocks from/to.
type DumperRestorer interface {
	AddBlock(block *block.Block) error
	BlockCount() uint64
	GetBlockByNumber(n uint64) (*block.Block, error)
}

// Dump writes count blocks from start to the provided writer.
func Dump(bc DumperRestorer, w io.Writer, start, count uint64) error {
	enc := json.NewEncoder(w)
	for i := start; i < start+count; i++ {
		b, err := bc.GetBlockByNumber(i)
		if err != nil {
			return fmt.Errorf("failed to get block %d: %w", i, err)
		}
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	return nil
}

// Restore restores blocks from the provided reader. Blocks that are already
// in the ledger are skipped, count limits the number of blocks read (0 means
// the whole stream). f is called after addition of every block.
func Restore(bc DumperRestorer, r io.Reader, skip, count uint64, f func(b *block.Block) error) error {
	dec := json.NewDecoder(r)
	for i := uint64(0); count == 0 || i < skip+count; i++ {
		b := new(block.Block)
		err := dec.Decode(b)
		if err != nil {
			if errors.Is(err, io.EOF) && count == 0 {
				return nil
			}
			return fmt.Errorf("failed to read block %d: %w", i, err)
		}
		if i < skip || b.Number < bc.BlockCount() {
			continue
		}
		if err := bc.AddBlock(b); err != nil {
			return fmt.Errorf("failed to add block %d: %w", i, err)
		}
		if f != nil {
			if err := f(b); err != nil {
				return err
			}
		}
	}
	return nil
}
