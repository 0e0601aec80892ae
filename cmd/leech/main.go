// Command leech is a thin demonstration wiring around the download
// package: it decodes no bencode itself (no decoder ships with this
// module) and instead expects a pre-built torrent.Metainfo to already
// exist in memory. It exists to show the pieces of this module wired
// together, not as a full client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mbndr/leechd/internal/download"
	"github.com/mbndr/leechd/internal/torrent"
	"github.com/mbndr/leechd/pkg/utils/logging"
)

func main() {
	var (
		outDir  = flag.String("out", ".", "directory to write downloaded pieces into")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	opts := logging.DefaultOptions()
	if *verbose {
		opts.SlogOpts.Level = slog.LevelDebug
	}
	log := slog.New(logging.NewPrettyHandler(os.Stderr, &opts))
	slog.SetDefault(log)

	if err := run(*outDir, log); err != nil {
		log.Error("download failed", "error", err)
		os.Exit(1)
	}
}

// run is a placeholder wiring point: a real CLI would decode a .torrent
// file into a torrent.Metainfo here. Without a bencode decoder in this
// module, it demonstrates the wiring against a single-piece stand-in.
func run(outDir string, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, err := torrent.NewTorrent(torrent.Metainfo{
		Name:        "placeholder",
		PieceLength: 16 * 1024,
		PieceHashes: [][20]byte{{}},
		Length:      16 * 1024,
	})
	if err != nil {
		return fmt.Errorf("leech: %w", err)
	}

	sink := diskSink(outDir)

	opts := download.WithDefaultOptions()
	opts.Log = log
	opts.Sink = sink

	stats, err := download.Run(ctx, t, opts)
	log.Info("download finished", "done", stats.PiecesDone, "total", stats.PiecesTotal)
	return err
}

// diskSink writes each verified piece to its own file named by index. A
// real client would instead write into the right offset of the right
// file per torrent.Torrent.Files; reassembly is out of scope here.
func diskSink(dir string) func(torrent.PieceData) error {
	return func(data torrent.PieceData) error {
		name := filepath.Join(dir, fmt.Sprintf("piece-%05d.bin", data.Piece.Index))
		if err := os.WriteFile(name, data.Bytes, 0o644); err != nil {
			return fmt.Errorf("leech: write %s: %w", name, err)
		}
		return nil
	}
}
