// Package download wires the tracker client, swarm coordinator, and peer
// sessions together into the single entry point a CLI (out of scope
// here) would call to fetch a torrent's payload.
package download

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/mbndr/leechd/internal/session"
	"github.com/mbndr/leechd/internal/swarm"
	"github.com/mbndr/leechd/internal/torrent"
	"github.com/mbndr/leechd/internal/tracker"
	"github.com/mbndr/leechd/pkg/syncmap"
)

// ErrDownloadIncomplete is the single user-visible failure this package
// surfaces: the peer pool drained before every piece was received.
var ErrDownloadIncomplete = errors.New("download: could not download file")

// Options configures a single download run.
type Options struct {
	// MaxPeerWorkers bounds how many peer sessions run concurrently.
	MaxPeerWorkers int
	TrackerConfig  *tracker.Config
	SessionConfig  session.Config
	SwarmConfig    swarm.Config
	// Sink receives each verified piece. Assembling pieces into files on
	// disk is the caller's responsibility.
	Sink session.Sink
	Log  *slog.Logger
}

// WithDefaultOptions returns the spec's default run configuration.
func WithDefaultOptions() Options {
	return Options{
		MaxPeerWorkers: 1000,
		TrackerConfig:  tracker.WithDefaultConfig(),
		SessionConfig:  session.WithDefaultConfig(),
		SwarmConfig:    swarm.WithDefaultConfig(),
	}
}

// Stats summarizes the outcome of a Run.
type Stats struct {
	PiecesDone  int
	PiecesTotal int
	Finished    bool
}

// Run announces to t's trackers, builds a swarm coordinator for its
// pieces, and spawns one session per discovered peer (bounded by
// opts.MaxPeerWorkers). It blocks until every piece has been delivered or
// the peer pool is exhausted, and returns ErrDownloadIncomplete in the
// latter case.
func Run(ctx context.Context, t *torrent.Torrent, opts Options) (Stats, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	peerID, err := generateClientID()
	if err != nil {
		return Stats{}, fmt.Errorf("download: %w", err)
	}

	trackerClient := tracker.NewClient(opts.TrackerConfig, log)
	peers, err := trackerClient.GetPeers(ctx, t.Trackers, tracker.AnnounceParams{
		InfoHash: t.InfoHash,
		PeerID:   peerID,
		Left:     uint64(t.Length),
		Event:    tracker.EventStarted,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("download: %w", err)
	}
	log.Info("discovered peers", "count", len(peers))

	maxWorkers := opts.MaxPeerWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1000
	}

	coord := swarm.NewCoordinator(t.Pieces, opts.SwarmConfig, log)
	sessions := syncmap.New[netip.AddrPort, *session.Session]()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	// Peers beyond maxWorkers are queued, not dropped: SetLimit bounds how
	// many sessions run concurrently, and g.Go blocks the loop (not the
	// peers) once that many are in flight.
	for _, addr := range peers {
		g.Go(func() error {
			sessCfg := opts.SessionConfig
			sessCfg.Log = log
			s := session.New(addr, t.InfoHash, peerID, coord, opts.Sink, sessCfg)

			sessions.Put(addr, s)
			defer sessions.Delete(addr)

			return s.Run(gctx)
		})
	}

	// If the caller's context is cancelled while sessions are still in
	// flight, broadcast cancellation to every live session via the
	// registry rather than waiting for each one's own timeouts to expire.
	broadcastDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sessions.Range(func(_ netip.AddrPort, s *session.Session) bool {
				s.Cancel()
				return true
			})
		case <-broadcastDone:
		}
	}()

	// Every session.Run is designed to never return a non-nil error (it
	// logs and terminates silently per the spec's error policy), so
	// Wait's result only joins the goroutines.
	_ = g.Wait()
	close(broadcastDone)

	done, total := coord.Progress()
	stats := Stats{PiecesDone: done, PiecesTotal: total, Finished: coord.Finished()}

	if !coord.Finished() {
		log.Warn("could not download file", "done", done, "total", total)
		return stats, ErrDownloadIncomplete
	}

	return stats, nil
}

// generateClientID derives a 20-byte peer ID: a short ASCII client tag
// followed by random bytes, in the conventional Azureus-style shape.
func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-LEECD-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}
