// Package tracker announces to BitTorrent UDP trackers and aggregates the
// peer sets they return.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoUDPTrackers is returned when a torrent carries no tracker URL with
// scheme "udp" and an explicit port.
var ErrNoUDPTrackers = errors.New("tracker: no usable udp tracker urls")

// ErrNoPeers is returned when every reachable tracker was contacted but
// none returned a usable peer.
var ErrNoPeers = errors.New("tracker: no peers returned by any tracker")

// Config controls the fan-out announce.
type Config struct {
	// MaxWorkers bounds how many trackers are contacted concurrently.
	MaxWorkers int
	// Timeout bounds a single tracker's connect+announce exchange.
	Timeout time.Duration
}

// WithDefaultConfig returns the package's default fan-out settings.
func WithDefaultConfig() *Config {
	return &Config{
		MaxWorkers: 50,
		Timeout:    3 * time.Second,
	}
}

// Client announces to a set of UDP trackers in parallel.
type Client struct {
	cfg *Config
	log *slog.Logger
}

// NewClient constructs a Client. A nil cfg uses WithDefaultConfig and a
// nil log falls back to slog.Default().
func NewClient(cfg *Config, log *slog.Logger) *Client {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}
}

// GetPeers contacts every udp:// tracker URL in rawURLs concurrently, each
// bounded by cfg.Timeout, and returns the deduplicated union of every peer
// address they report with a non-zero port. A tracker that fails to
// resolve, dial, or complete its exchange is logged and skipped; GetPeers
// only fails if none of them returned anything.
func (c *Client) GetPeers(ctx context.Context, rawURLs []string, params AnnounceParams) ([]netip.AddrPort, error) {
	udpURLs := filterUDP(rawURLs)
	if len(udpURLs) == 0 {
		return nil, ErrNoUDPTrackers
	}

	var (
		mu    sync.Mutex
		peers = make(map[netip.AddrPort]struct{})
	)

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxWorkers)

	for _, raw := range udpURLs {
		g.Go(func() error {
			log := c.log.With("tracker", raw)

			u, err := url.Parse(raw)
			if err != nil {
				log.Warn("invalid tracker url", "error", err)
				return nil
			}

			ut, err := NewUDPTracker(u, log)
			if err != nil {
				log.Warn("tracker dial failed", "error", err)
				return nil
			}
			defer ut.Close()

			tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			resp, err := ut.Announce(tctx, &params)
			if err != nil {
				log.Warn("announce failed", "error", err)
				return nil
			}

			log.Info("announce succeeded", "peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers)

			mu.Lock()
			for _, p := range resp.Peers {
				if p.Port() != 0 {
					peers[p] = struct{}{}
				}
			}
			mu.Unlock()

			return nil
		})
	}

	// Every g.Go above always returns nil: a failing tracker is logged
	// and skipped rather than aborting its siblings, so Wait's error is
	// always nil and exists only to join the goroutines.
	_ = g.Wait()

	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	out := make([]netip.AddrPort, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}

	return out, nil
}

// filterUDP keeps only the URLs this client can announce to: scheme "udp"
// with an explicit port.
func filterUDP(rawURLs []string) []string {
	out := make([]string, 0, len(rawURLs))
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if u.Scheme != "udp" || u.Port() == "" {
			continue
		}
		out = append(out, raw)
	}
	return out
}
