package block

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pierrec/lz4"
)

// MaxBlockSize is the maximum size of the serialized block.
const MaxBlockSize = 32 * 1024 * 1024

const (
	flagRaw byte = iota
	flagLZ4
)

// EncodeCompressed serializes the block into JSON and compresses it using lz4.
// Incompressible data is stored as is.
func (b *Block) EncodeCompressed() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return compress(data)
}

// DecodeCompressed restores the block from EncodeCompressed output.
func DecodeCompressed(data []byte) (*Block, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}
	b := new(Block)
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("malformed block: %w", err)
	}
	return b, nil
}

// compress compresses bytes using lz4.
func compress(source []byte) ([]byte, error) {
	if len(source) > MaxBlockSize {
		return nil, fmt.Errorf("block is too big: %d", len(source))
	}
	dest := make([]byte, 5+lz4.CompressBlockBound(len(source)))
	size, err := lz4.CompressBlock(source, dest[5:], nil)
	if err != nil {
		return nil, err
	}
	if size == 0 || size >= len(source) {
		return append([]byte{flagRaw}, source...), nil
	}
	dest[0] = flagLZ4
	binary.LittleEndian.PutUint32(dest[1:], uint32(len(source)))
	return dest[:5+size], nil
}

// decompress decompresses bytes using lz4.
func decompress(source []byte) ([]byte, error) {
	if len(source) == 0 {
		return nil, errors.New("empty data")
	}
	switch source[0] {
	case flagRaw:
		return source[1:], nil
	case flagLZ4:
		if len(source) < 5 {
			return nil, errors.New("truncated data")
		}
		size := binary.LittleEndian.Uint32(source[1:])
		if size > MaxBlockSize {
			return nil, fmt.Errorf("block is too big: %d", size)
		}
		dest := make([]byte, size)
		n, err := lz4.UncompressBlock(source[5:], dest)
		if err != nil {
			return nil, err
		}
		if n != int(size) {
			return nil, fmt.Errorf("size mismatch: %d instead of %d", n, size)
		}
		return dest, nil
	default:
		return nil, fmt.Errorf("unknown compression flag %d", source[0])
	}
}
