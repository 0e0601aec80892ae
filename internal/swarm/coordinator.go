// Package swarm implements the piece-scheduling engine shared by every
// peer session: a single-mutex coordinator that hands out work, accepts
// results, and manages end-game duplicate assignment.
package swarm

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/mbndr/leechd/internal/bitfield"
	"github.com/mbndr/leechd/internal/torrent"
	"github.com/mbndr/leechd/pkg/availabilitybucket"
)

// Worker is the coordinator's view of a peer session: just enough to
// request cancellation when another worker wins the same piece in
// end-game. Session identity is the interface value itself (a
// *session.Session pointer in practice), compared with ==.
type Worker interface {
	Cancel()
}

// Config tunes the coordinator's scheduling policy.
type Config struct {
	// NormalCap is the maximum number of workers assigned to a single
	// piece outside end-game (P_norm).
	NormalCap int
	// EndGameCap is the maximum number of workers assigned to a single
	// piece during end-game (P_end).
	EndGameCap int
	// EndGameThreshold is the fraction of pieces that must be done
	// before duplicate assignment (end-game) begins (θ).
	EndGameThreshold float64
}

// WithDefaultConfig returns the spec's default scheduling policy:
// P_norm=5, P_end=10, θ=0.9.
func WithDefaultConfig() Config {
	return Config{
		NormalCap:        5,
		EndGameCap:       10,
		EndGameThreshold: 0.9,
	}
}

// Coordinator owns the swarm's shared piece-assignment state. All
// mutation happens under a single mutex; no I/O occurs while it is held.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	pieceCount      int
	queue           map[int]torrent.Piece
	done            map[int]struct{}
	assignedWorkers map[int][]Worker
	counts          *availabilitybucket.Bucket
}

// NewCoordinator seeds the swarm state with every piece in queue and
// nothing in done or assigned, per the spec's lifecycle.
func NewCoordinator(pieces []torrent.Piece, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	queue := make(map[int]torrent.Piece, len(pieces))
	for _, p := range pieces {
		queue[p.Index] = p
	}

	return &Coordinator{
		cfg:             cfg,
		log:             log,
		pieceCount:      len(pieces),
		queue:           queue,
		done:            make(map[int]struct{}),
		assignedWorkers: make(map[int][]Worker),
		counts:          availabilitybucket.NewBucket(len(pieces), cfg.EndGameCap),
	}
}

// GetWork selects a piece for worker to attempt, given the worker's
// current view of the remote's bitfield (a zero-size bitfield means "peer
// may have any piece"). It returns false if no piece currently qualifies.
func (c *Coordinator) GetWork(worker Worker, peerBitfield bitfield.Bitfield) (torrent.Piece, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workerCap := c.cfg.NormalCap
	if c.endGameLocked() {
		workerCap = c.cfg.EndGameCap
	}

	var candidates []int
	minAssigned := math.MaxInt
	for idx := range c.queue {
		if peerBitfield.Size() != 0 && !peerBitfield.Has(idx) {
			continue
		}
		assigned := c.counts.Availability(idx)
		if assigned >= workerCap {
			continue
		}
		candidates = append(candidates, idx)
		if assigned < minAssigned {
			minAssigned = assigned
		}
	}
	if len(candidates) == 0 {
		return torrent.Piece{}, false
	}

	tied := candidates[:0]
	for _, idx := range candidates {
		if c.counts.Availability(idx) == minAssigned {
			tied = append(tied, idx)
		}
	}
	rand.Shuffle(len(tied), func(i, j int) { tied[i], tied[j] = tied[j], tied[i] })

	chosen := tied[0]
	piece := c.queue[chosen]

	c.assignedWorkers[chosen] = append(c.assignedWorkers[chosen], worker)
	c.counts.Move(chosen, 1)
	if !c.endGameLocked() {
		delete(c.queue, chosen)
	}

	return piece, true
}

// PutWork returns a piece worker failed to complete back to the queue,
// making it assignable again.
func (c *Coordinator) PutWork(worker Worker, piece torrent.Piece) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.done[piece.Index]; ok {
		return
	}

	c.queue[piece.Index] = piece
	c.assignedWorkers[piece.Index] = removeWorker(c.assignedWorkers[piece.Index], worker)
	c.counts.Move(piece.Index, -1)
}

// PutResult records a successfully verified piece. If the piece was
// already done (an end-game duplicate), the call is an idempotent no-op.
// During end-game, every other worker still assigned to this piece is
// told to cancel.
func (c *Coordinator) PutResult(worker Worker, data torrent.PieceData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := data.Piece.Index
	if _, ok := c.done[idx]; ok {
		return
	}

	c.done[idx] = struct{}{}
	delete(c.queue, idx)

	if c.endGameLocked() {
		for _, w := range c.assignedWorkers[idx] {
			if w != worker {
				w.Cancel()
			}
		}
	}

	if assigned := c.counts.Availability(idx); assigned > 0 {
		c.counts.Move(idx, -assigned)
	}
	delete(c.assignedWorkers, idx)

	c.log.Info("piece complete", "index", idx, "done", len(c.done), "total", c.pieceCount)
}

// Finished reports whether every piece has been received and verified.
func (c *Coordinator) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.done) == c.pieceCount
}

// Progress returns the number of pieces done and the total piece count.
func (c *Coordinator) Progress() (done, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.done), c.pieceCount
}

func (c *Coordinator) endGameLocked() bool {
	threshold := int(math.Ceil(c.cfg.EndGameThreshold * float64(c.pieceCount)))
	return len(c.done) >= threshold
}

func removeWorker(workers []Worker, target Worker) []Worker {
	for i, w := range workers {
		if w == target {
			return append(workers[:i], workers[i+1:]...)
		}
	}
	return workers
}
