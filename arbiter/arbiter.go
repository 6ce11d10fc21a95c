// Package arbiter implements the piece-selection and claim-tracking
// authority shared by every peer session of one torrent: it is the single
// serialization point for "who is downloading piece i right now."
package arbiter

import (
	"crypto/sha1"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/errclass"
	"github.com/mhollis/leechcore/piecebuf"
)

// Status is a piece's lifecycle state.
type Status int

const (
	Missing Status = iota
	Busy
	Verified
)

// Storage is the subset of the storage component the arbiter needs: handing
// off verified bytes for durable writing. Declared here, rather than
// importing the storage package directly, to keep the dependency direction
// pointing from storage -> arbiter's data types only where needed and avoid
// a cycle (storage does not need to know about claims).
type Storage interface {
	WritePiece(index int, data []byte) error
}

// DeliveryResult reports the outcome of feeding a block to the arbiter.
type DeliveryResult int

const (
	Accepted DeliveryResult = iota
	VerifiedResult
	HashFailed
)

// Config holds the arbiter's tunables.
type Config struct {
	// MaxLockAge is how long a Busy claim may sit without completing
	// before sweep_expired reclaims it.
	MaxLockAge time.Duration `yaml:"max_lock_age"`
}

func (c *Config) applyDefaults() {
	if c.MaxLockAge == 0 {
		c.MaxLockAge = 120 * time.Second
	}
}

type pieceState struct {
	status         Status
	owner          [20]byte
	since          time.Time
	failedAttempts int
	buffer         *piecebuf.Buffer
}

// Arbiter owns the per-piece claim table for one torrent.
type Arbiter struct {
	mu sync.Mutex

	config  Config
	info    *core.Info
	storage Storage
	clock   clock.Clock
	rng     *rand.Rand
	logger  *zap.SugaredLogger

	pieces       []pieceState
	availability *bitset.BitSet

	verifiedCount tally.Counter
	failedCount   tally.Counter
}

// New constructs an Arbiter for info, with a bitmap seeded from the pieces
// already verified on disk (e.g. restored from the progress sidecar).
func New(
	config Config,
	info *core.Info,
	storage Storage,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	scope tally.Scope,
	alreadyVerified *bitset.BitSet,
) *Arbiter {
	config.applyDefaults()
	if scope == nil {
		scope = tally.NoopScope
	}
	n := info.NumPieces()
	a := &Arbiter{
		config:       config,
		info:         info,
		storage:      storage,
		clock:        clk,
		rng:          rand.New(rand.NewSource(clk.Now().UnixNano())),
		logger:       logger,
		pieces:       make([]pieceState, n),
		availability: bitset.New(uint(n)),

		verifiedCount: scope.Counter("pieces_verified"),
		failedCount:   scope.Counter("pieces_failed"),
	}
	if alreadyVerified != nil {
		for i := 0; i < n; i++ {
			if alreadyVerified.Test(uint(i)) {
				a.pieces[i].status = Verified
				a.availability.Set(uint(i))
			}
		}
	}
	return a
}

// Availability returns a snapshot of the Verified bitmap.
func (a *Arbiter) Availability() *bitset.BitSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availability.Clone()
}

// Choose selects the next piece a peer with the given bitfield (nil meaning
// "unknown, assume full availability") can serve, marking it Busy. Eligible
// candidates are drawn weighted-randomly with weight 0.8^failed_attempts,
// which backs off repeatedly-corrupt pieces without ever excluding them.
func (a *Arbiter) Choose(peerID [20]byte, peerBitfield *bitset.BitSet) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	type candidate struct {
		index  int
		weight float64
	}
	var candidates []candidate
	var total float64

	for i := range a.pieces {
		if a.pieces[i].status != Missing {
			continue
		}
		if a.info.PieceLengthAt(i) <= 0 {
			continue
		}
		if peerBitfield != nil && !peerBitfield.Test(uint(i)) {
			continue
		}
		w := weight(a.pieces[i].failedAttempts)
		candidates = append(candidates, candidate{i, w})
		total += w
	}
	if len(candidates) == 0 {
		return 0, false
	}

	draw := a.rng.Float64() * total
	var cum float64
	chosen := candidates[len(candidates)-1].index
	for _, c := range candidates {
		cum += c.weight
		if draw < cum {
			chosen = c.index
			break
		}
	}

	a.pieces[chosen].status = Busy
	a.pieces[chosen].owner = peerID
	a.pieces[chosen].since = a.clock.Now()
	a.pieces[chosen].buffer = piecebuf.New(a.info.PieceLengthAt(chosen))
	return chosen, true
}

// weight implements the exponential back-off 0.8^failedAttempts from the
// original piece-selection policy, without replicating its dead fallback
// paths: every Missing, in-bitfield piece is always a candidate, just an
// increasingly unlikely one as it keeps failing.
func weight(failedAttempts int) float64 {
	w := 1.0
	for i := 0; i < failedAttempts; i++ {
		w *= 0.8
	}
	return w
}

// DeliverBlock feeds one received block to the claimed piece's buffer. On
// completion it hashes the assembled piece and either verifies or fails it.
func (a *Arbiter) DeliverBlock(peerID [20]byte, piece, offset int, data []byte) (DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if piece < 0 || piece >= len(a.pieces) {
		return Accepted, errclass.Protocolf("deliver_block", "piece index %d out of range", piece)
	}
	ps := &a.pieces[piece]
	if ps.status != Busy || ps.owner != peerID {
		return Accepted, errclass.Transientf("deliver_block", "piece %d not claimed by this peer", piece)
	}
	if err := ps.buffer.AddBlock(offset, data); err != nil {
		return Accepted, errclass.Protocolf("deliver_block", "%s", err)
	}
	if !ps.buffer.IsComplete() {
		return Accepted, nil
	}

	assembled := ps.buffer.Bytes()
	expected, err := a.info.PieceHash(piece)
	if err != nil {
		return Accepted, errclass.FatalConfigf("deliver_block", "%s", err)
	}
	sum := sha1.Sum(assembled)
	if !hashEqual(sum[:], expected) {
		ps.status = Missing
		ps.failedAttempts++
		ps.buffer = nil
		a.failedCount.Inc(1)
		return HashFailed, errclass.DataIntegrityf("deliver_block", "piece %d failed hash verification", piece)
	}

	if err := a.storage.WritePiece(piece, assembled); err != nil {
		return Accepted, errclass.Storagef("deliver_block", "write piece %d: %s", piece, err)
	}
	ps.status = Verified
	ps.buffer = nil
	a.availability.Set(uint(piece))
	a.verifiedCount.Inc(1)
	return VerifiedResult, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Release returns a Busy piece to Missing. Used on peer death, choke
// mid-piece, or block timeout.
func (a *Arbiter) Release(piece int, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if piece < 0 || piece >= len(a.pieces) {
		return
	}
	ps := &a.pieces[piece]
	if ps.status != Busy {
		return
	}
	ps.status = Missing
	ps.buffer = nil
	if !success {
		ps.failedAttempts++
	}
}

// SweepExpired releases any Busy claim older than MaxLockAge, so it can be
// reassigned to another peer. Returns the count released, for logging.
func (a *Arbiter) SweepExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	released := 0
	for i := range a.pieces {
		ps := &a.pieces[i]
		if ps.status != Busy {
			continue
		}
		if now.Sub(ps.since) > a.config.MaxLockAge {
			var missing int
			if ps.buffer != nil {
				missing = len(ps.buffer.MissingBlocks())
			}
			ps.status = Missing
			ps.buffer = nil
			ps.failedAttempts++
			released++
			if a.logger != nil {
				a.logger.Infow("released expired piece claim", "piece", i, "missing_blocks", missing)
			}
		}
	}
	return released
}

// IsComplete reports whether every piece is Verified.
func (a *Arbiter) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.pieces {
		if a.pieces[i].status != Verified {
			return false
		}
	}
	return true
}

// FailedAttempts returns the failure counter for piece i, primarily for
// tests and stats reporting.
func (a *Arbiter) FailedAttempts(piece int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if piece < 0 || piece >= len(a.pieces) {
		return 0
	}
	return a.pieces[piece].failedAttempts
}

// PieceLength returns the exact byte length of piece i, accounting for a
// possibly-shorter final piece.
func (a *Arbiter) PieceLength(i int) int64 {
	return a.info.PieceLengthAt(i)
}

// PieceStatus returns the current status of piece i.
func (a *Arbiter) PieceStatus(piece int) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if piece < 0 || piece >= len(a.pieces) {
		return Missing, fmt.Errorf("piece index %d out of range", piece)
	}
	return a.pieces[piece].status, nil
}
