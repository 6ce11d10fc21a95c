package arbiter

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/errclass"
)

type fakeStorage struct {
	written map[int][]byte
	failNext bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{written: make(map[int][]byte)}
}

func (s *fakeStorage) WritePiece(index int, data []byte) error {
	if s.failNext {
		s.failNext = false
		return errWriteFailed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.written[index] = cp
	return nil
}

var errWriteFailed = fakeErr("write failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func singlePieceInfo(piece []byte) *core.Info {
	sum := sha1.Sum(piece)
	return &core.Info{
		PieceLength: int64(len(piece)),
		Pieces:      sum[:],
		Name:        "t",
		Length:      int64(len(piece)),
	}
}

func twoPieceInfo(a, b []byte) *core.Info {
	sa := sha1.Sum(a)
	sb := sha1.Sum(b)
	pieces := append(append([]byte{}, sa[:]...), sb[:]...)
	return &core.Info{
		PieceLength: int64(len(a)),
		Pieces:      pieces,
		Name:        "t",
		Length:      int64(len(a) + len(b)),
	}
}

func peerID(b byte) (id [20]byte) {
	id[0] = b
	return id
}

func TestChooseAndDeliverVerifiesPiece(t *testing.T) {
	require := require.New(t)

	data := make([]byte, core.BlockSize)
	info := singlePieceInfo(data)
	storage := newFakeStorage()
	clk := clock.NewMock()

	a := New(Config{}, info, storage, clk, nil, nil, nil)

	piece, ok := a.Choose(peerID(1), nil)
	require.True(ok)
	require.Equal(0, piece)

	result, err := a.DeliverBlock(peerID(1), piece, 0, data)
	require.NoError(err)
	require.Equal(VerifiedResult, result)
	require.True(a.IsComplete())
	require.Equal(data, storage.written[0])
}

func TestDeliverBlockHashMismatchReturnsToPool(t *testing.T) {
	require := require.New(t)

	good := make([]byte, core.BlockSize)
	info := singlePieceInfo(good)
	storage := newFakeStorage()
	clk := clock.NewMock()
	a := New(Config{}, info, storage, clk, nil, nil, nil)

	piece, ok := a.Choose(peerID(1), nil)
	require.True(ok)

	bad := make([]byte, core.BlockSize)
	bad[0] = 0xff
	result, err := a.DeliverBlock(peerID(1), piece, 0, bad)
	require.Error(err)
	require.Equal(HashFailed, result)
	require.Equal(1, a.FailedAttempts(0))

	status, err := a.PieceStatus(0)
	require.NoError(err)
	require.Equal(Missing, status)
}

func TestSweepExpiredReleasesStaleClaim(t *testing.T) {
	require := require.New(t)

	data := make([]byte, core.BlockSize)
	info := singlePieceInfo(data)
	storage := newFakeStorage()
	clk := clock.NewMock()
	a := New(Config{MaxLockAge: 120 * time.Second}, info, storage, clk, nil, nil, nil)

	_, ok := a.Choose(peerID(1), nil)
	require.True(ok)

	clk.Add(119 * time.Second)
	require.Equal(0, a.SweepExpired())

	clk.Add(2 * time.Second)
	require.Equal(1, a.SweepExpired())

	status, err := a.PieceStatus(0)
	require.NoError(err)
	require.Equal(Missing, status)
}

func TestChooseRespectsPeerBitfield(t *testing.T) {
	require := require.New(t)

	a1 := make([]byte, core.BlockSize)
	b1 := make([]byte, core.BlockSize)
	info := twoPieceInfo(a1, b1)
	storage := newFakeStorage()
	clk := clock.NewMock()
	a := New(Config{}, info, storage, clk, nil, nil, nil)

	bf := bitset.New(2).Set(1) // peer only has piece 1

	piece, ok := a.Choose(peerID(1), bf)
	require.True(ok)
	require.Equal(1, piece)
}

func TestNoCandidatesReturnsFalse(t *testing.T) {
	require := require.New(t)

	data := make([]byte, core.BlockSize)
	info := singlePieceInfo(data)
	storage := newFakeStorage()
	clk := clock.NewMock()
	a := New(Config{}, info, storage, clk, nil, nil, nil)

	_, ok := a.Choose(peerID(1), nil)
	require.True(ok)

	_, ok = a.Choose(peerID(2), nil)
	require.False(ok)
}

func TestDeliverBlockStorageFailureIsStorageClassified(t *testing.T) {
	require := require.New(t)

	data := make([]byte, core.BlockSize)
	info := singlePieceInfo(data)
	storage := newFakeStorage()
	storage.failNext = true
	clk := clock.NewMock()
	a := New(Config{}, info, storage, clk, nil, nil, nil)

	piece, ok := a.Choose(peerID(1), nil)
	require.True(ok)

	_, err := a.DeliverBlock(peerID(1), piece, 0, data)
	require.Error(err)
	require.True(errclass.Is(err, errclass.Storage))
}
