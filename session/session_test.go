package session

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/mhollis/leechcore/arbiter"
	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/storage"
	"github.com/mhollis/leechcore/wire"
)

type fakeHub struct {
	haves     []int
	discovered []core.Endpoint
	known     []core.Endpoint
	connected int
}

func (h *fakeHub) BroadcastHave(infoHash core.InfoHash, index int, from core.Endpoint) {
	h.haves = append(h.haves, index)
}
func (h *fakeHub) DiscoverPeer(ep core.Endpoint, source core.Source) {
	h.discovered = append(h.discovered, ep)
}
func (h *fakeHub) KnownPeers(exclude core.Endpoint, limit int) []core.Endpoint { return h.known }
func (h *fakeHub) ConnectedCount() int                                         { return h.connected }
func (h *fakeHub) LocalEndpoint() core.Endpoint                                { return core.NewEndpoint("127.0.0.1", 6881) }

func newTestSession(t *testing.T, numPieces int) (*Session, *arbiter.Arbiter) {
	t.Helper()

	pieceLen := int64(core.BlockSize)
	pieces := make([]byte, 0, numPieces*20)
	for i := 0; i < numPieces; i++ {
		buf := make([]byte, pieceLen)
		buf[0] = byte(i + 1)
		sum := sha1.Sum(buf)
		pieces = append(pieces, sum[:]...)
	}
	info := &core.Info{
		PieceLength: pieceLen,
		Pieces:      pieces,
		Name:        "t",
		Length:      pieceLen * int64(numPieces),
	}

	store, err := storage.New(t.TempDir(), info, nil)
	require.NoError(t, err)

	clk := clock.NewMock()
	arb := arbiter.New(arbiter.Config{}, info, store, clk, nil, nil, nil)

	hub := &fakeHub{}
	var infoHash core.InfoHash
	infoHash[0] = 1
	var localPeerID, remotePeerID core.PeerID
	localPeerID[0] = 2
	remotePeerID[0] = 3

	s := New(
		core.NewEndpoint("127.0.0.1", 1), core.Tracker, infoHash, localPeerID,
		6881, "test/1.0", Config{}, clk, arb, store, hub, numPieces, nil, nil,
	)
	s.setPeerID(remotePeerID)
	return s, arb
}

func TestDispatchHaveSetsBit(t *testing.T) {
	s, _ := newTestSession(t, 4)

	require.NoError(t, s.dispatch(wire.Message{ID: wire.Have, Index: 2}))
	bf := s.bitfieldSnapshot()
	require.NotNil(t, bf)
	require.True(t, bf.Test(2))
	require.False(t, bf.Test(0))
}

func TestDispatchHaveRejectsOutOfRange(t *testing.T) {
	s, _ := newTestSession(t, 4)

	err := s.dispatch(wire.Message{ID: wire.Have, Index: 99})
	require.Error(t, err)
}

func TestDispatchBitfieldUnpacksMSBFirst(t *testing.T) {
	s, _ := newTestSession(t, 9)

	// bit 0 and bit 8 set, MSB-first within each byte.
	err := s.dispatch(wire.Message{ID: wire.Bitfield, Bits: []byte{0x80, 0x80}})
	require.NoError(t, err)

	bf := s.bitfieldSnapshot()
	require.True(t, bf.Test(0))
	require.True(t, bf.Test(8))
	require.False(t, bf.Test(1))
}

func TestDispatchBitfieldRejectsWrongLength(t *testing.T) {
	s, _ := newTestSession(t, 9)

	err := s.dispatch(wire.Message{ID: wire.Bitfield, Bits: []byte{0x00}})
	require.Error(t, err)
}

func TestDispatchInterestedRepliesUnchoke(t *testing.T) {
	s, _ := newTestSession(t, 1)

	require.NoError(t, s.dispatch(wire.Message{ID: wire.Interested}))
	require.True(t, s.peerInterested.Load())
	require.False(t, s.amChoking.Load())

	select {
	case msg := <-s.sendCh:
		require.Equal(t, wire.Unchoke, msg.ID)
	default:
		t.Fatal("expected an Unchoke to be queued")
	}
}

func TestDispatchChokeReleasesHeldClaim(t *testing.T) {
	s, arb := newTestSession(t, 4)

	piece, ok := arb.Choose(s.peerIDRaw(), nil)
	require.True(t, ok)
	s.claimedPiece.Store(int32(piece))

	require.NoError(t, s.dispatch(wire.Message{ID: wire.Choke}))

	_, held := s.currentClaim()
	require.False(t, held, "choke must release any piece claimed from this peer")

	// The piece must be claimable again, by this peer or another. Choose
	// draws at random among all Missing pieces, so offer only this one.
	again, ok := arb.Choose(s.peerIDRaw(), bitset.New(4).Set(uint(piece)))
	require.True(t, ok)
	require.Equal(t, piece, again)
}

func TestHandleRequestServesOnlyVerifiedPieces(t *testing.T) {
	s, arb := newTestSession(t, 1)
	s.amChoking.Store(false)

	s.handleRequest(wire.Message{ID: wire.Request, Index: 0, Begin: 0, Length: core.BlockSize})
	select {
	case <-s.sendCh:
		t.Fatal("should not serve an unverified piece")
	default:
	}

	data := make([]byte, core.BlockSize)
	data[0] = 1
	piece, ok := arb.Choose(s.peerIDRaw(), nil)
	require.True(t, ok)
	require.Equal(t, 0, piece)
	result, err := arb.DeliverBlock(s.peerIDRaw(), piece, 0, data)
	require.NoError(t, err)
	require.Equal(t, arbiter.VerifiedResult, result)

	s.handleRequest(wire.Message{ID: wire.Request, Index: 0, Begin: 0, Length: core.BlockSize})
	select {
	case msg := <-s.sendCh:
		require.Equal(t, wire.Piece, msg.ID)
		require.Equal(t, data, msg.Block)
	default:
		t.Fatal("expected a Piece reply for a verified piece")
	}
}

func TestHandleRequestRefusesWhileChoking(t *testing.T) {
	s, _ := newTestSession(t, 1)
	require.True(t, s.amChoking.Load())

	s.handleRequest(wire.Message{ID: wire.Request, Index: 0, Begin: 0, Length: core.BlockSize})
	select {
	case <-s.sendCh:
		t.Fatal("must not serve a request while choking")
	default:
	}
}

func TestRunOutboundHandshakeReachesActive(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var infoHash core.InfoHash
	infoHash[0] = 7
	var remotePeerID core.PeerID
	remotePeerID[0] = 9

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		nc, err := listener.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		theirs, err := wire.Receive(nc, time.Second)
		if err != nil {
			return
		}
		if !wire.VerifyInfoHash(theirs, [20]byte(infoHash)) {
			return
		}
		ours := wire.NewHandshake([20]byte(infoHash), [20]byte(remotePeerID), false)
		wire.Send(nc, ours, time.Second)
		// Hold the connection open briefly so the session can reach Active.
		time.Sleep(50 * time.Millisecond)
	}()

	addr := listener.Addr().(*net.TCPAddr)
	pieceLen := int64(core.BlockSize)
	sum := sha1.Sum(make([]byte, pieceLen))
	info := &core.Info{PieceLength: pieceLen, Pieces: sum[:], Name: "t", Length: pieceLen}
	store, err := storage.New(t.TempDir(), info, nil)
	require.NoError(t, err)
	clk := clock.New()
	arb := arbiter.New(arbiter.Config{}, info, store, clk, nil, nil, nil)
	hub := &fakeHub{}
	var localPeerID core.PeerID
	localPeerID[0] = 1

	s := New(
		core.NewEndpoint("127.0.0.1", addr.Port), core.Tracker, infoHash, localPeerID,
		0, "test/1.0", Config{ConnectTimeout: time.Second, HandshakeTimeout: time.Second}, clk,
		arb, store, hub, 1, nil, nil,
	)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.Run()
	}()

	<-peerDone
	s.Close()
	<-runDone
	// The remote peer id is recorded only once the handshake succeeds, and
	// Run moves to Active straight after a successful handshake.
	require.Equal(t, remotePeerID, s.PeerID())
	require.Equal(t, Dead, s.State())
}
