// Package piecebuf assembles the blocks of a single in-flight piece into a
// contiguous byte buffer, tracking which block-sized ranges have arrived.
// It performs no hash verification; that is the arbiter's job once
// IsComplete reports true.
package piecebuf

import (
	"bytes"
	"fmt"

	"github.com/willf/bitset"

	"github.com/mhollis/leechcore/core"
)

// Buffer holds the partially-received bytes of one piece.
type Buffer struct {
	length  int64
	data    []byte
	covered *bitset.BitSet
}

// New allocates a Buffer sized to exactly pieceLength bytes.
func New(pieceLength int64) *Buffer {
	numBlocks := blockCount(pieceLength)
	return &Buffer{
		length:  pieceLength,
		data:    make([]byte, pieceLength),
		covered: bitset.New(uint(numBlocks)),
	}
}

func blockCount(pieceLength int64) int64 {
	return (pieceLength + core.BlockSize - 1) / core.BlockSize
}

// blockLength returns the expected length of block i, accounting for a
// possibly-shorter final block.
func (b *Buffer) blockLength(blockIndex int64) int64 {
	start := blockIndex * core.BlockSize
	end := start + core.BlockSize
	if end > b.length {
		end = b.length
	}
	return end - start
}

// AddBlock writes block-sized data at offset. offset must be aligned to
// core.BlockSize. Re-submitting a block already received is accepted only
// if the bytes are identical, per the idempotency invariant; a mismatching
// resubmission is a protocol-level error.
func (b *Buffer) AddBlock(offset int, data []byte) error {
	if offset < 0 || int64(offset) >= b.length {
		return fmt.Errorf("block offset %d out of range [0,%d)", offset, b.length)
	}
	if int64(offset)%core.BlockSize != 0 {
		return fmt.Errorf("block offset %d is not block-aligned", offset)
	}
	blockIndex := int64(offset) / core.BlockSize
	want := b.blockLength(blockIndex)
	if int64(len(data)) != want {
		return fmt.Errorf("block %d: expected %d bytes, got %d", blockIndex, want, len(data))
	}
	end := int64(offset) + want
	if b.covered.Test(uint(blockIndex)) {
		if !bytes.Equal(b.data[offset:end], data) {
			return fmt.Errorf("block %d resubmitted with different bytes", blockIndex)
		}
		return nil
	}
	copy(b.data[offset:end], data)
	b.covered.Set(uint(blockIndex))
	return nil
}

// IsComplete reports whether every block of the piece has been received.
func (b *Buffer) IsComplete() bool {
	return b.covered.All()
}

// Bytes returns the assembled piece data. Callers should only trust its
// contents once IsComplete returns true.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// MissingBlocks returns the indices of blocks not yet received, used to
// report how much of a piece had arrived when its claim is swept.
func (b *Buffer) MissingBlocks() []int {
	var missing []int
	n := blockCount(b.length)
	for i := int64(0); i < n; i++ {
		if !b.covered.Test(uint(i)) {
			missing = append(missing, int(i))
		}
	}
	return missing
}
