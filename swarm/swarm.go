// Package swarm supervises every peer session of one torrent: it owns the
// session registry, the bounded known-peer set fed by the tracker and BEP
// 11 gossip, the listener for inbound connections, and the periodic
// housekeeping tick that reaps dead sessions and re-announces when the
// swarm runs thin. It implements session.Hub so sessions never hold a
// back-pointer to it (see the design note in package session).
package swarm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mhollis/leechcore/arbiter"
	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/session"
	"github.com/mhollis/leechcore/storage"
	"github.com/mhollis/leechcore/tracker/announceclient"
	"github.com/mhollis/leechcore/wire"
)

type knownPeer struct {
	endpoint core.Endpoint
	source   core.Source
	lastSeen time.Time
}

// Swarm is the top-level per-torrent supervisor.
type Swarm struct {
	config      Config
	sessionCfg  session.Config
	clk         clock.Clock
	arb         *arbiter.Arbiter
	store       *storage.Storage
	tracker     announceclient.Client
	infoHash    core.InfoHash
	localPeerID core.PeerID
	announceIP  net.IP
	listenPort  int
	version     string
	numPieces   int
	logger      *zap.SugaredLogger
	scope       tally.Scope

	mu             sync.Mutex
	sessions       map[string]*session.Session
	knownPeers     map[string]*knownPeer
	completeNotice bool

	listener net.Listener

	stopOnce     sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
	exitCh       chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Swarm for one torrent. Call Start to begin listening,
// announcing, and connecting to peers.
func New(
	config Config,
	sessionCfg session.Config,
	clk clock.Clock,
	arb *arbiter.Arbiter,
	store *storage.Storage,
	trackerClient announceclient.Client,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	announceIP string,
	listenPort int,
	version string,
	numPieces int,
	logger *zap.SugaredLogger,
	scope tally.Scope,
) *Swarm {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Swarm{
		config:      config,
		sessionCfg:  sessionCfg,
		clk:         clk,
		arb:         arb,
		store:       store,
		tracker:     trackerClient,
		infoHash:    infoHash,
		localPeerID: localPeerID,
		announceIP:  net.ParseIP(announceIP),
		listenPort:  listenPort,
		version:     version,
		numPieces:   numPieces,
		logger:      logger,
		scope:       scope,
		sessions:    make(map[string]*session.Session),
		knownPeers:  make(map[string]*knownPeer),
		done:        make(chan struct{}),
		exitCh:      make(chan struct{}),
	}
}

// Done returns a channel that is closed once the swarm has shut itself
// down, either because every piece verified (the natural completion path
// in tick) or because Stop was called. The output files on disk are the
// final artefact at that point; a caller blocking on Done needs no further
// coordination to know the run is over.
func (sw *Swarm) Done() <-chan struct{} {
	return sw.exitCh
}

// Start opens the listener, performs the initial "started" announce, and
// begins the accept and tick loops (the tick also reaps dead sessions). It
// does not block.
func (sw *Swarm) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", sw.listenPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	sw.listener = l
	sw.log().Infow("swarm listening", "addr", l.Addr().String())

	peers, err := sw.tracker.Announce(context.Background(), sw.infoHash, sw.localPeerID, sw.listenPort, announceclient.Started)
	if err != nil {
		sw.log().Infow("initial announce failed", "error", err)
	} else {
		for _, ep := range peers {
			sw.DiscoverPeer(ep, core.Tracker)
		}
	}

	sw.wg.Add(2)
	go sw.acceptLoop()
	go sw.tickLoop()

	sw.connectFromKnown()
	return nil
}

// Stop announces "stopped" to the tracker, then shuts down the listener and
// every session, waiting up to ShutdownTimeout for them to exit cleanly.
func (sw *Swarm) Stop() {
	sw.stopOnce.Do(func() {
		sw.log().Info("stopping swarm")
		ctx, cancel := context.WithTimeout(context.Background(), sw.config.ShutdownTimeout)
		defer cancel()
		if _, err := sw.tracker.Announce(ctx, sw.infoHash, sw.localPeerID, sw.listenPort, announceclient.Stopped); err != nil {
			sw.log().Infow("stopped announce failed", "error", err)
		}
	})
	sw.shutdown()
}

// shutdown closes the listener and every session and waits up to
// ShutdownTimeout for the supervisor's own loops to exit, then signals Done.
// It is idempotent and shared by the explicit Stop path and the natural
// completion path in tick, so both converge on exactly one teardown.
func (sw *Swarm) shutdown() {
	sw.shutdownOnce.Do(func() {
		close(sw.done)
		if sw.listener != nil {
			sw.listener.Close()
		}

		sw.mu.Lock()
		sessions := make([]*session.Session, 0, len(sw.sessions))
		for _, sess := range sw.sessions {
			sessions = append(sessions, sess)
		}
		sw.mu.Unlock()

		var g errgroup.Group
		for _, sess := range sessions {
			sess := sess
			g.Go(func() error {
				sess.Close()
				return nil
			})
		}
		g.Wait()

		done := make(chan struct{})
		go func() {
			sw.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(sw.config.ShutdownTimeout):
			sw.log().Warn("shutdown timed out waiting for loops to exit")
		}
		close(sw.exitCh)
	})
}

// acceptLoop accepts inbound connections and hands each to a goroutine that
// performs the responder-side handshake before registering a session, so a
// slow or hostile peer can never stall the accept loop itself.
func (sw *Swarm) acceptLoop() {
	defer sw.wg.Done()

	for {
		nc, err := sw.listener.Accept()
		if err != nil {
			select {
			case <-sw.done:
				return
			default:
				sw.log().Infow("accept error, exiting accept loop", "error", err)
				return
			}
		}
		go sw.acceptOne(nc)
	}
}

func (sw *Swarm) acceptOne(nc net.Conn) {
	theirs, err := wire.Receive(nc, sw.config.AcceptTimeout)
	if err != nil {
		sw.log().Infow("inbound handshake read failed", "error", err)
		nc.Close()
		return
	}
	if !wire.VerifyInfoHash(theirs, [20]byte(sw.infoHash)) {
		sw.log().Infow("inbound handshake info hash mismatch")
		nc.Close()
		return
	}
	ours := wire.NewHandshake([20]byte(sw.infoHash), [20]byte(sw.localPeerID), true)
	if err := wire.Send(nc, ours, sw.config.AcceptTimeout); err != nil {
		sw.log().Infow("inbound handshake reply failed", "error", err)
		nc.Close()
		return
	}

	var remotePeerID core.PeerID
	copy(remotePeerID[:], theirs.PeerID[:])
	supportsExt := theirs.SupportsExtensions()
	if supportsExt {
		eh := wire.NewExtendedHandshake(sw.version, sw.listenPort)
		payload, err := wire.EncodeExtendedHandshake(eh)
		if err != nil {
			nc.Close()
			return
		}
		msg := wire.Message{ID: wire.Extended, ExtID: wire.ExtendedHandshakeID, ExtPayload: payload}
		if err := wire.WriteWithDeadline(nc, msg, sw.config.AcceptTimeout); err != nil {
			nc.Close()
			return
		}
	}

	host, portStr, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		nc.Close()
		return
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	ep := core.NewEndpoint(host, port)

	if !sw.reserveSlot() {
		sw.log().Infow("rejecting inbound peer, at capacity", "peer", ep)
		nc.Close()
		return
	}

	sess := session.NewFromAccepted(
		ep, sw.infoHash, sw.localPeerID, remotePeerID, supportsExt,
		sw.listenPort, sw.version, sw.sessionCfg, sw.clk, sw.arb, sw.store,
		sw, sw.numPieces, sw.logger, sw.scope, nc,
	)
	sw.registerAndRun(ep, sess)
}

// tickLoop drives periodic housekeeping: sweeping expired piece claims,
// reaping dead sessions, refreshing from the tracker when the swarm runs
// thin, and announcing completion once every piece verifies.
func (sw *Swarm) tickLoop() {
	defer sw.wg.Done()

	ticker := sw.clk.Ticker(sw.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			sw.tick()
		}
	}
}

func (sw *Swarm) tick() {
	if n := sw.arb.SweepExpired(); n > 0 {
		sw.log().Infow("swept expired piece claims", "count", n)
	}
	sw.reapDead()

	if sw.ConnectedCount() < sw.config.MinConnected {
		sw.refreshFromTracker()
	}
	sw.connectFromKnown()

	if sw.arb.IsComplete() {
		sw.announceCompleteOnce()
		// Run asynchronously: tick executes on tickLoop's own goroutine,
		// which shutdown's wg.Wait() blocks on to exit, so calling it
		// synchronously here would deadlock against our own loop.
		go sw.shutdown()
	}
}

func (sw *Swarm) reapDead() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for key, sess := range sw.sessions {
		if sess.State() == session.Dead {
			delete(sw.sessions, key)
		}
	}
}

func (sw *Swarm) refreshFromTracker() {
	ctx, cancel := context.WithTimeout(context.Background(), sw.config.AcceptTimeout*2)
	defer cancel()
	peers, err := sw.tracker.Announce(ctx, sw.infoHash, sw.localPeerID, sw.listenPort, announceclient.Empty)
	if err != nil {
		sw.log().Infow("tracker refresh failed", "error", err)
		return
	}
	for _, ep := range peers {
		sw.DiscoverPeer(ep, core.Tracker)
	}
}

func (sw *Swarm) announceCompleteOnce() {
	sw.mu.Lock()
	if sw.completeNotice {
		sw.mu.Unlock()
		return
	}
	sw.completeNotice = true
	sw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sw.config.AcceptTimeout*2)
	defer cancel()
	if _, err := sw.tracker.Announce(ctx, sw.infoHash, sw.localPeerID, sw.listenPort, announceclient.Completed); err != nil {
		sw.log().Infow("completed announce failed", "error", err)
	}
}

// connectFromKnown dials known peers we aren't already connected to, up to
// MaxConnections.
func (sw *Swarm) connectFromKnown() {
	sw.mu.Lock()
	room := sw.config.MaxConnections - len(sw.sessions)
	if room <= 0 {
		sw.mu.Unlock()
		return
	}
	var candidates []*knownPeer
	for _, kp := range sw.knownPeers {
		if _, connected := sw.sessions[kp.endpoint.Key()]; connected {
			continue
		}
		candidates = append(candidates, kp)
		if len(candidates) >= room {
			break
		}
	}
	sw.mu.Unlock()

	for _, kp := range candidates {
		sw.dial(kp.endpoint, kp.source)
	}
}

func (sw *Swarm) dial(ep core.Endpoint, source core.Source) {
	if !sw.reserveSlot() {
		return
	}
	sess := session.New(
		ep, source, sw.infoHash, sw.localPeerID, sw.listenPort, sw.version,
		sw.sessionCfg, sw.clk, sw.arb, sw.store, sw, sw.numPieces, sw.logger, sw.scope,
	)
	sw.registerAndRun(ep, sess)
}

// reserveSlot claims a connection slot under MaxConnections, returning
// false if the swarm is already at capacity.
func (sw *Swarm) reserveSlot() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.sessions) < sw.config.MaxConnections
}

func (sw *Swarm) registerAndRun(ep core.Endpoint, sess *session.Session) {
	key := ep.Key()
	sw.mu.Lock()
	if _, exists := sw.sessions[key]; exists {
		sw.mu.Unlock()
		return
	}
	sw.sessions[key] = sess
	sw.mu.Unlock()

	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		sess.Run()
		sw.mu.Lock()
		delete(sw.sessions, key)
		sw.mu.Unlock()
	}()
}

func (sw *Swarm) log() *zap.SugaredLogger {
	return sw.logger
}

// BroadcastHave implements session.Hub: every other active session is
// notified so it can update what it offers that peer.
func (sw *Swarm) BroadcastHave(infoHash core.InfoHash, index int, from core.Endpoint) {
	sw.mu.Lock()
	sessions := make([]*session.Session, 0, len(sw.sessions))
	for key, sess := range sw.sessions {
		if key == from.Key() {
			continue
		}
		sessions = append(sessions, sess)
	}
	sw.mu.Unlock()

	for _, sess := range sessions {
		sess.SendHave(index)
	}
}

// DiscoverPeer implements session.Hub: records an endpoint learned from the
// tracker, BEP 11 gossip, or an inbound connection in the bounded
// known-peer set, evicting the least-recently-seen entry once the set
// exceeds KnownPeerCapacity.
func (sw *Swarm) DiscoverPeer(ep core.Endpoint, source core.Source) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	key := ep.Key()
	if kp, ok := sw.knownPeers[key]; ok {
		kp.lastSeen = sw.clk.Now()
		return
	}
	sw.knownPeers[key] = &knownPeer{endpoint: ep, source: source, lastSeen: sw.clk.Now()}
	sw.evictOldestLocked()
}

// evictOldestLocked drops the least-recently-seen known peers until the set
// is back within KnownPeerCapacity. Called with mu held.
func (sw *Swarm) evictOldestLocked() {
	for len(sw.knownPeers) > sw.config.KnownPeerCapacity {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for key, kp := range sw.knownPeers {
			if first || kp.lastSeen.Before(oldestTime) {
				oldestKey = key
				oldestTime = kp.lastSeen
				first = false
			}
		}
		delete(sw.knownPeers, oldestKey)
	}
}

// KnownPeers implements session.Hub: returns up to limit known endpoints
// other than exclude, for BEP 11 gossip.
func (sw *Swarm) KnownPeers(exclude core.Endpoint, limit int) []core.Endpoint {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	out := make([]core.Endpoint, 0, limit)
	excludeKey := exclude.Key()
	for key, kp := range sw.knownPeers {
		if key == excludeKey {
			continue
		}
		out = append(out, kp.endpoint)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// ConnectedCount implements session.Hub.
func (sw *Swarm) ConnectedCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.sessions)
}

// LocalEndpoint implements session.Hub. It reports the configured announce
// IP, if any, so peer sessions can filter our
// own address out of gossiped PEX candidates; it falls back to the
// unspecified address when no announce IP was configured, in which case
// the self-filter can't match and simply never trips.
func (sw *Swarm) LocalEndpoint() core.Endpoint {
	ip := sw.announceIP
	if ip == nil {
		ip = net.IPv4zero
	}
	return core.Endpoint{IP: ip, Port: sw.listenPort}
}
