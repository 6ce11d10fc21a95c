package piecebuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mhollis/leechcore/core"
)

func TestSingleBlockPieceCompletes(t *testing.T) {
	require := require.New(t)

	buf := New(core.BlockSize)
	require.False(buf.IsComplete())
	require.NoError(buf.AddBlock(0, make([]byte, core.BlockSize)))
	require.True(buf.IsComplete())
}

func TestMultiBlockPieceWithShortLastBlock(t *testing.T) {
	require := require.New(t)

	pieceLen := int64(2*core.BlockSize + 100)
	buf := New(pieceLen)

	require.NoError(buf.AddBlock(0, make([]byte, core.BlockSize)))
	require.False(buf.IsComplete())
	require.NoError(buf.AddBlock(core.BlockSize, make([]byte, core.BlockSize)))
	require.False(buf.IsComplete())
	require.Equal([]int{2}, buf.MissingBlocks())
	require.NoError(buf.AddBlock(2*core.BlockSize, make([]byte, 100)))
	require.True(buf.IsComplete())
}

func TestAddBlockIdempotent(t *testing.T) {
	require := require.New(t)

	buf := New(core.BlockSize)
	block := []byte("x")
	block = append(block, make([]byte, core.BlockSize-1)...)

	require.NoError(buf.AddBlock(0, block))
	require.NoError(buf.AddBlock(0, block))
	require.Equal(block, buf.Bytes())
}

func TestAddBlockRejectsMismatchedResubmission(t *testing.T) {
	require := require.New(t)

	buf := New(core.BlockSize)
	require.NoError(buf.AddBlock(0, make([]byte, core.BlockSize)))

	other := make([]byte, core.BlockSize)
	other[0] = 1
	require.Error(buf.AddBlock(0, other))
}

func TestAddBlockRejectsUnalignedOffset(t *testing.T) {
	buf := New(core.BlockSize)
	require.Error(t, buf.AddBlock(1, make([]byte, core.BlockSize-1)))
}

func TestAddBlockRejectsWrongLength(t *testing.T) {
	buf := New(core.BlockSize)
	require.Error(t, buf.AddBlock(0, make([]byte, core.BlockSize-1)))
}
