// Package session drives one peer connection through handshake, choke
// flow, the request/piece pipeline, and BEP 11 gossip. Each Session is a
// single goroutine-group bound to one net.Conn; it never reaches across to
// another session directly, instead going through the Hub it is
// constructed with (see design note on cyclic swarm/session references).
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mhollis/leechcore/arbiter"
	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/errclass"
	"github.com/mhollis/leechcore/pex"
	"github.com/mhollis/leechcore/storage"
	"github.com/mhollis/leechcore/wire"
)

// State is a Session's coarse lifecycle stage.
type State int32

const (
	Connecting State = iota
	Handshaking
	Active
	Dying
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Dying:
		return "dying"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Hub is the subset of the swarm supervisor a Session needs: broadcasting
// Have to sibling sessions and surfacing newly discovered endpoints. A
// Session holds this interface instead of a back-pointer to the swarm, so
// the swarm -> session -> swarm reference cycle is resolved by message
// passing rather than shared mutable state.
type Hub interface {
	BroadcastHave(infoHash core.InfoHash, index int, from core.Endpoint)
	DiscoverPeer(ep core.Endpoint, source core.Source)
	KnownPeers(exclude core.Endpoint, limit int) []core.Endpoint
	ConnectedCount() int
	LocalEndpoint() core.Endpoint
}

type pendingRequest struct {
	offset  int
	length  int
	sentAt  time.Time
}

// Session is a single peer connection's state machine.
type Session struct {
	endpoint    core.Endpoint
	source      core.Source
	infoHash    core.InfoHash
	localPeerID core.PeerID
	listenPort  int
	version     string

	config  Config
	clk     clock.Clock
	arb     *arbiter.Arbiter
	store   *storage.Storage
	hub     Hub
	logger  *zap.SugaredLogger
	numPieces int

	verifiedCounter tally.Counter
	droppedCounter  tally.Counter

	conn net.Conn

	peerIDMu  sync.Mutex
	peerIDVal core.PeerID

	amChoking       *atomic.Bool
	amInterested    *atomic.Bool
	peerChoking     *atomic.Bool
	peerInterested  *atomic.Bool
	supportsExt     *atomic.Bool

	bitfieldMu sync.Mutex
	peerBitfield *bitset.BitSet

	pexMu        sync.Mutex
	utPexID      byte
	hasUtPexID   bool
	sentToPeer   map[string]struct{}

	state        *atomic.Int32
	claimedPiece *atomic.Int32 // -1 when no piece is currently claimed
	failures     *atomic.Int32 // consecutive request/verification failures

	sendCh chan wire.Message
	inbox  chan wire.Message

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Session for an as-yet-unconnected endpoint. Call Run to
// drive it; Run blocks until the connection dies.
func New(
	endpoint core.Endpoint,
	source core.Source,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	listenPort int,
	version string,
	config Config,
	clk clock.Clock,
	arb *arbiter.Arbiter,
	store *storage.Storage,
	hub Hub,
	numPieces int,
	logger *zap.SugaredLogger,
	scope tally.Scope,
) *Session {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	s := &Session{
		endpoint:    endpoint,
		source:      source,
		infoHash:    infoHash,
		localPeerID: localPeerID,
		listenPort:  listenPort,
		version:     version,
		config:      config,
		clk:         clk,
		arb:         arb,
		store:       store,
		hub:         hub,
		numPieces:   numPieces,
		logger:      logger,

		verifiedCounter: scope.Counter("session_pieces_verified"),
		droppedCounter:  scope.Counter("session_dropped"),

		amChoking:      atomic.NewBool(true),
		amInterested:   atomic.NewBool(false),
		peerChoking:    atomic.NewBool(true),
		peerInterested: atomic.NewBool(false),
		supportsExt:    atomic.NewBool(false),

		state:        atomic.NewInt32(int32(Connecting)),
		claimedPiece: atomic.NewInt32(-1),
		failures:     atomic.NewInt32(0),

		sentToPeer: make(map[string]struct{}),

		sendCh: make(chan wire.Message, config.MaxInflight+4),
		inbox:  make(chan wire.Message, config.InboxCapacity),
		done:   make(chan struct{}),
	}
	return s
}

// NewFromAccepted wraps an already-accepted incoming net.Conn whose initial
// handshake has been read by the listener; the handshake read/verify step
// is skipped since the caller already performed it.
func NewFromAccepted(
	endpoint core.Endpoint,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	supportsExtensions bool,
	listenPort int,
	version string,
	config Config,
	clk clock.Clock,
	arb *arbiter.Arbiter,
	store *storage.Storage,
	hub Hub,
	numPieces int,
	logger *zap.SugaredLogger,
	scope tally.Scope,
	conn net.Conn,
) *Session {
	s := New(endpoint, core.Incoming, infoHash, localPeerID, listenPort, version,
		config, clk, arb, store, hub, numPieces, logger, scope)
	s.conn = conn
	s.setPeerID(remotePeerID)
	s.supportsExt.Store(supportsExtensions)
	s.state.Store(int32(Handshaking))
	return s
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Endpoint returns the peer's dial key.
func (s *Session) Endpoint() core.Endpoint {
	return s.endpoint
}

// Source reports how this peer's endpoint was discovered.
func (s *Session) Source() core.Source {
	return s.source
}

// PeerID returns the remote peer id, valid once past Handshaking.
func (s *Session) PeerID() core.PeerID {
	s.peerIDMu.Lock()
	defer s.peerIDMu.Unlock()
	return s.peerIDVal
}

func (s *Session) setPeerID(id core.PeerID) {
	s.peerIDMu.Lock()
	s.peerIDVal = id
	s.peerIDMu.Unlock()
}

func (s *Session) peerIDRaw() [20]byte {
	return [20]byte(s.PeerID())
}

func (s *Session) log() *zap.SugaredLogger {
	return s.logger.With("endpoint", s.endpoint, "peer", s.PeerID())
}

// Run drives the session to completion: dial, handshake, and the Active
// read/write/download loops. It returns once the connection has died,
// releasing any held piece claim and deregistering nothing itself -- the
// caller (the swarm) is responsible for removing this session from its
// registry after Run returns.
func (s *Session) Run() {
	if s.conn == nil {
		if err := s.dial(); err != nil {
			s.log().Infow("dial failed", "error", err)
			s.finish()
			return
		}
		if err := s.handshakeOutbound(); err != nil {
			s.log().Infow("handshake failed", "error", err)
			s.conn.Close()
			s.finish()
			return
		}
	}

	s.state.Store(int32(Active))
	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.downloadLoop()
	s.wg.Wait()
	s.finish()
}

func (s *Session) finish() {
	if claim, ok := s.currentClaim(); ok {
		s.arb.Release(claim, false)
	}
	s.state.Store(int32(Dead))
}

// Close begins graceful shutdown: closes the socket, which unblocks
// readLoop/writeLoop, and signals downloadLoop to stop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Dying))
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Session) dial() error {
	conn, err := net.DialTimeout("tcp", s.endpoint.Addr(), s.config.ConnectTimeout)
	if err != nil {
		return errclass.Transientf("dial", "%s", err)
	}
	s.conn = conn
	s.state.Store(int32(Handshaking))
	return nil
}

func (s *Session) handshakeOutbound() error {
	ours := wire.NewHandshake([20]byte(s.infoHash), [20]byte(s.localPeerID), true)
	if err := wire.Send(s.conn, ours, s.config.HandshakeTimeout); err != nil {
		return errclass.Transientf("handshake", "send: %s", err)
	}
	theirs, err := wire.Receive(s.conn, s.config.HandshakeTimeout)
	if err != nil {
		return errclass.Transientf("handshake", "receive: %s", err)
	}
	if !wire.VerifyInfoHash(theirs, [20]byte(s.infoHash)) {
		return errclass.Protocolf("handshake", "info hash mismatch")
	}
	var peerID core.PeerID
	copy(peerID[:], theirs.PeerID[:])
	s.setPeerID(peerID)
	s.supportsExt.Store(theirs.SupportsExtensions())

	if s.supportsExt.Load() {
		eh := wire.NewExtendedHandshake(s.version, s.listenPort)
		payload, err := wire.EncodeExtendedHandshake(eh)
		if err != nil {
			return errclass.Protocolf("handshake", "encode extended handshake: %s", err)
		}
		msg := wire.Message{ID: wire.Extended, ExtID: wire.ExtendedHandshakeID, ExtPayload: payload}
		if err := wire.WriteWithDeadline(s.conn, msg, s.config.HandshakeTimeout); err != nil {
			return errclass.Transientf("handshake", "send extended handshake: %s", err)
		}
	}
	return nil
}

// readLoop is the single reader of the socket: it decodes one frame at a
// time and dispatches by message id. Control-plane frames mutate session
// state in place; data-plane Piece frames are pushed onto the bounded
// inbox for downloadLoop to drain. This keeps exactly one goroutine
// issuing reads against the connection.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.Close()

	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg, ok, err := wire.Decode(s.conn)
		if err != nil {
			s.log().Infow("read error, dropping peer", "error", err)
			return
		}
		if !ok {
			continue // unknown, skippable message id
		}
		if err := s.dispatch(msg); err != nil {
			s.log().Infow("protocol violation, dropping peer", "error", err)
			return
		}
	}
}

func (s *Session) dispatch(msg wire.Message) error {
	switch msg.ID {
	case 0xff: // keep-alive
		return nil
	case wire.Choke:
		s.peerChoking.Store(true)
		if piece, ok := s.currentClaim(); ok {
			s.arb.Release(piece, false)
			s.claimedPiece.Store(-1)
			if !s.registerFailure() {
				s.Close()
			}
		}
	case wire.Unchoke:
		s.peerChoking.Store(false)
	case wire.Interested:
		s.peerInterested.Store(true)
		s.amChoking.Store(false)
		s.enqueueSend(wire.Message{ID: wire.Unchoke})
	case wire.NotInterested:
		s.peerInterested.Store(false)
	case wire.Have:
		if msg.Index < 0 || msg.Index >= s.numPieces {
			return fmt.Errorf("have: piece index %d out of range [0,%d)", msg.Index, s.numPieces)
		}
		s.withBitfield(func(bf *bitset.BitSet) { bf.Set(uint(msg.Index)) })
	case wire.Bitfield:
		want := (s.numPieces + 7) / 8
		if len(msg.Bits) != want {
			return fmt.Errorf("bitfield: expected %d bytes, got %d", want, len(msg.Bits))
		}
		bf := bitset.New(uint(s.numPieces))
		for i := 0; i < s.numPieces; i++ {
			byteIdx := i / 8
			bitIdx := 7 - uint(i%8)
			if msg.Bits[byteIdx]&(1<<bitIdx) != 0 {
				bf.Set(uint(i))
			}
		}
		s.bitfieldMu.Lock()
		s.peerBitfield = bf
		s.bitfieldMu.Unlock()
	case wire.Request:
		s.handleRequest(msg)
	case wire.Cancel:
		// No retained per-request send queue to cancel against; a Cancel
		// that races a reply simply means the peer discards an extra block.
	case wire.Piece:
		select {
		case s.inbox <- msg:
		default:
			s.droppedCounter.Inc(1)
			s.log().Debugw("inbox full, dropping piece message", "piece", msg.Index)
		}
	case wire.Extended:
		return s.dispatchExtended(msg)
	}
	return nil
}

func (s *Session) dispatchExtended(msg wire.Message) error {
	switch msg.ExtID {
	case wire.ExtendedHandshakeID:
		eh, err := wire.DecodeExtendedHandshake(msg.ExtPayload)
		if err != nil {
			return fmt.Errorf("extended handshake: %w", err)
		}
		id, ok := eh.UtPexID()
		if ok {
			s.pexMu.Lock()
			s.utPexID = id
			s.hasUtPexID = true
			s.pexMu.Unlock()
		}
	default:
		s.pexMu.Lock()
		isPex := s.hasUtPexID && msg.ExtID == wire.DefaultUtPexID
		s.pexMu.Unlock()
		if isPex {
			endpoints, err := pex.Decode(msg.ExtPayload)
			if err != nil {
				return fmt.Errorf("pex payload: %w", err)
			}
			for _, e := range endpoints {
				s.hub.DiscoverPeer(core.Endpoint{IP: e.IP, Port: e.Port}, core.Pex)
			}
		}
		// Unrecognized extension ids are simply ignored.
	}
	return nil
}

// handleRequest serves the seed-side contract: reply with a Piece message
// for any validated, in-bounds Request against an already-Verified piece
// while we are not choking the requester. Everything else is silently
// ignored, matching the never-serve-unverified-data invariant.
func (s *Session) handleRequest(msg wire.Message) {
	if s.amChoking.Load() {
		return
	}
	if msg.Index < 0 || msg.Index >= s.numPieces {
		return
	}
	status, err := s.arb.PieceStatus(msg.Index)
	if err != nil || status != arbiter.Verified {
		return
	}
	block, err := s.store.ReadBlock(msg.Index, msg.Begin, msg.Length)
	if err != nil {
		s.log().Debugw("failed to serve request", "piece", msg.Index, "error", err)
		return
	}
	s.enqueueSend(wire.Message{ID: wire.Piece, Index: msg.Index, Begin: msg.Begin, Block: block})
}

func (s *Session) withBitfield(f func(*bitset.BitSet)) {
	s.bitfieldMu.Lock()
	defer s.bitfieldMu.Unlock()
	if s.peerBitfield == nil {
		s.peerBitfield = bitset.New(uint(s.numPieces))
	}
	f(s.peerBitfield)
}

func (s *Session) bitfieldSnapshot() *bitset.BitSet {
	s.bitfieldMu.Lock()
	defer s.bitfieldMu.Unlock()
	if s.peerBitfield == nil {
		return nil
	}
	return s.peerBitfield.Clone()
}

// SendHave queues a Have message for this peer, letting the swarm announce
// newly verified pieces to every sibling session without reaching into its
// internals.
func (s *Session) SendHave(index int) {
	s.enqueueSend(wire.Message{ID: wire.Have, Index: index})
}

func (s *Session) enqueueSend(msg wire.Message) {
	select {
	case s.sendCh <- msg:
	case <-s.done:
	}
}

// writeLoop is the single writer of the socket, draining sendCh so control
// and data plane sends never race each other on the wire.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.Close()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sendCh:
			if err := wire.WriteWithDeadline(s.conn, msg, s.config.BlockTimeout); err != nil {
				s.log().Infow("write error, dropping peer", "error", err)
				return
			}
		}
	}
}

func (s *Session) currentClaim() (int, bool) {
	v := s.claimedPiece.Load()
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

// downloadLoop drives the data plane: the unchoke wait, piece selection,
// the request pipeline, and periodic PEX gossip. It never reads the
// socket directly; it only writes (via sendCh) and drains the inbox that
// readLoop fills.
func (s *Session) downloadLoop() {
	defer s.wg.Done()
	defer s.Close()

	s.enqueueSend(wire.Message{ID: wire.Interested})
	s.amInterested.Store(true)
	if bf := s.packOwnBitfield(); bf != nil {
		s.enqueueSend(wire.Message{ID: wire.Bitfield, Bits: bf})
	}

	pexTicker := s.clk.Ticker(s.config.PEXInterval)
	defer pexTicker.Stop()
	pollTicker := s.clk.Ticker(250 * time.Millisecond)
	defer pollTicker.Stop()

	pending := make(map[int]*pendingRequest)

	for {
		select {
		case <-s.done:
			return

		case <-pexTicker.C:
			s.gossipPEX()

		case msg := <-s.inbox:
			s.handlePiece(msg, pending)

		case <-pollTicker.C:
			if !s.tick(pending) {
				return
			}
		}
	}
}

// tick advances the per-iteration state machine: it abandons the peer on
// sustained choke or excess failures, reaps timed-out blocks, and tops up
// the request pipeline for the currently claimed piece (claiming a new one
// if none is held). Returns false when the session should die.
func (s *Session) tick(pending map[int]*pendingRequest) bool {
	if s.arb.IsComplete() {
		return false
	}

	if s.peerChoking.Load() {
		if !s.waitForUnchoke() {
			return false
		}
	}

	now := s.clk.Now()
	for offset, pr := range pending {
		if now.Sub(pr.sentAt) > s.config.BlockTimeout {
			delete(pending, offset)
			piece, ok := s.currentClaim()
			if ok {
				s.arb.Release(piece, false)
				s.claimedPiece.Store(-1)
			}
			if !s.registerFailure() {
				return false
			}
			break
		}
	}

	piece, ok := s.currentClaim()
	if !ok {
		bf := s.effectiveBitfield()
		chosen, found := s.arb.Choose(s.peerIDRaw(), bf)
		if !found {
			return true // nothing eligible right now; poll again next tick
		}
		s.claimedPiece.Store(int32(chosen))
		piece = chosen
		for k := range pending {
			delete(pending, k)
		}
	}

	s.fillPipeline(piece, pending)
	return true
}

// waitForUnchoke resends Interested every InterestedResend while the peer
// keeps us choked, abandoning the peer once UnchokeWait has elapsed
// without an Unchoke. Any piece claim held at the moment of the Choke has
// already been released by dispatch, so this only idles -- it holds
// nothing back from other peers while it waits. Returns false when the
// peer should be dropped.
func (s *Session) waitForUnchoke() bool {
	deadline := s.clk.Now().Add(s.config.UnchokeWait)
	ticker := s.clk.Ticker(s.config.InterestedResend)
	defer ticker.Stop()
	for s.peerChoking.Load() {
		if s.clk.Now().After(deadline) {
			s.log().Infow("peer stayed choked past unchoke wait, abandoning")
			return false
		}
		select {
		case <-s.done:
			return false
		case <-ticker.C:
			s.enqueueSend(wire.Message{ID: wire.Interested})
		}
	}
	return true
}

// effectiveBitfield returns the peer's known availability, or nil (meaning
// "assume full availability") once BitfieldWait has passed with nothing
// received.
func (s *Session) effectiveBitfield() *bitset.BitSet {
	if bf := s.bitfieldSnapshot(); bf != nil {
		return bf
	}
	deadline := s.clk.Now().Add(s.config.BitfieldWait)
	for s.clk.Now().Before(deadline) {
		if bf := s.bitfieldSnapshot(); bf != nil {
			return bf
		}
		select {
		case <-s.done:
			return nil
		case <-s.clk.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (s *Session) registerFailure() bool {
	n := s.consecutiveFailuresInc()
	if n >= s.config.MaxFailures {
		s.log().Infow("peer exceeded max consecutive failures, abandoning", "failures", n)
		return false
	}
	return true
}

func (s *Session) fillPipeline(piece int, pending map[int]*pendingRequest) {
	length := s.arb.PieceLength(piece)
	numBlocks := int((length + core.BlockSize - 1) / core.BlockSize)
	for i := 0; i < numBlocks && len(pending) < s.config.MaxInflight; i++ {
		offset := i * core.BlockSize
		if _, inFlight := pending[offset]; inFlight {
			continue
		}
		blockLen := core.BlockSize
		if int64(offset+blockLen) > length {
			blockLen = int(length) - offset
		}
		pending[offset] = &pendingRequest{offset: offset, length: blockLen, sentAt: s.clk.Now()}
		s.enqueueSend(wire.Message{ID: wire.Request, Index: piece, Begin: offset, Length: blockLen})
	}
}

func (s *Session) handlePiece(msg wire.Message, pending map[int]*pendingRequest) {
	piece, ok := s.currentClaim()
	if !ok || msg.Index != piece {
		return // stale reply for an abandoned or previously released claim
	}
	if _, wasPending := pending[msg.Begin]; !wasPending {
		return
	}
	result, err := s.arb.DeliverBlock(s.peerIDRaw(), msg.Index, msg.Begin, msg.Block)
	if err != nil && errclass.Is(err, errclass.Storage) {
		// The claim and assembled buffer are left in place, so delivering
		// the same block again re-runs the hash check and the piece write.
		// The write is retried once; a second failure ends the session.
		s.log().Infow("storage write failed, retrying once", "piece", msg.Index, "error", err)
		result, err = s.arb.DeliverBlock(s.peerIDRaw(), msg.Index, msg.Begin, msg.Block)
		if err != nil && errclass.Is(err, errclass.Storage) {
			s.log().Errorw("storage write failed again, closing session", "piece", msg.Index, "error", err)
			s.Close()
			return
		}
	}
	if err != nil && result != arbiter.HashFailed {
		s.log().Debugw("deliver_block error", "error", err)
		return
	}
	delete(pending, msg.Begin)
	switch result {
	case arbiter.VerifiedResult:
		s.claimedPiece.Store(-1)
		for k := range pending {
			delete(pending, k)
		}
		s.failures.Store(0)
		s.verifiedCounter.Inc(1)
		s.hub.BroadcastHave(s.infoHash, piece, s.endpoint)
	case arbiter.HashFailed:
		s.log().Infow("peer served data failing hash verification, dropping", "piece", piece, "error", err)
		s.Close()
	case arbiter.Accepted:
		s.failures.Store(0)
		s.fillPipeline(piece, pending)
	}
}

// gossipPEX sends our known-peer set to this peer, excluding addresses
// already sent to it, the peer's own address, and our own, and throttles
// entirely once the swarm has pex.MaxConnectedForGossip or more connected
// peers.
func (s *Session) gossipPEX() {
	s.pexMu.Lock()
	id, ok := s.utPexID, s.hasUtPexID
	s.pexMu.Unlock()
	if !ok || !s.supportsExt.Load() {
		return
	}
	if s.hub.ConnectedCount() >= pex.MaxConnectedForGossip {
		return
	}

	candidates := s.hub.KnownPeers(s.endpoint, 200)
	s.pexMu.Lock()
	var fresh []pex.Endpoint
	for _, c := range candidates {
		key := c.Key()
		if _, sent := s.sentToPeer[key]; sent {
			continue
		}
		s.sentToPeer[key] = struct{}{}
		fresh = append(fresh, pex.Endpoint{IP: c.IP, Port: c.Port})
	}
	s.pexMu.Unlock()
	if len(fresh) == 0 {
		return
	}

	local := s.hub.LocalEndpoint()
	payload, err := pex.EncodeAdded(fresh, pex.Endpoint{IP: s.endpoint.IP, Port: s.endpoint.Port}, pex.Endpoint{IP: local.IP, Port: local.Port})
	if err != nil {
		s.log().Debugw("pex encode failed", "error", err)
		return
	}
	s.enqueueSend(wire.Message{ID: wire.Extended, ExtID: id, ExtPayload: payload})
}

// packOwnBitfield builds the wire form of our verified-piece availability,
// or nil if we have nothing to announce yet.
func (s *Session) packOwnBitfield() []byte {
	avail := s.arb.Availability()
	if avail.None() {
		return nil
	}
	out := make([]byte, (s.numPieces+7)/8)
	for i := 0; i < s.numPieces; i++ {
		if avail.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

func (s *Session) consecutiveFailuresInc() int {
	return int(s.failures.Add(1))
}
