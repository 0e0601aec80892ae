// Package torrent holds the static, parsed view of a single torrent: its
// piece layout, file layout, and tracker list. It has no opinion on how
// that data was decoded — Metainfo is the plain shape a bencode decoder
// (out of scope here) is expected to hand over.
package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/mbndr/leechd/pkg/pieceutil"
)

// ErrInvalidMetainfo is returned by NewTorrent when the input shape is
// internally inconsistent (e.g. a non-positive piece or file length, or a
// piece hash count that doesn't match the piece count the length implies).
var ErrInvalidMetainfo = errors.New("torrent: invalid metainfo")

// FileEntry describes one file within a (possibly multi-file) torrent, as
// the decoder would hand it over: a path split into its directory
// components and its length in bytes.
type FileEntry struct {
	Path   []string
	Length int64
}

// Metainfo is the plain data shape this package expects the external
// bencode decoder to produce. A single-file torrent has Length set and
// Files empty; a multi-file torrent has Files set and Length zero.
type Metainfo struct {
	Name         string
	PieceLength  int64
	PieceHashes  [][20]byte
	Length       int64
	Files        []FileEntry
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
}

// Piece describes one piece's position in the byte stream and its
// expected content hash.
type Piece struct {
	Index int
	Size  int64
	SHA1  [sha1.Size]byte
}

// PieceData is the verified payload of one piece, produced exactly once
// per piece from the perspective of downstream consumers.
type PieceData struct {
	Piece Piece
	Bytes []byte
}

// File describes one file's byte range within the torrent's flattened
// piece stream.
type File struct {
	Index int
	Start int64
	Size  int64
	Path  []string
}

// Torrent is the fully derived, static view of a torrent: everything the
// swarm coordinator, peer sessions, and tracker client need, with no
// decoding logic left to run.
type Torrent struct {
	Name        string
	Length      int64
	PieceLength int64
	InfoHash    [20]byte
	Pieces      []Piece
	Files       []File
	Trackers    []string
}

// NewTorrent derives a Torrent from a decoded Metainfo: it computes the
// piece table (sizing the final piece to whatever remains, per the usual
// BitTorrent boundary rule), the file byte-range table, and the
// deduplicated, order-preserving tracker URL list (announce followed by
// the flattened announce-list).
func NewTorrent(m Metainfo) (*Torrent, error) {
	if m.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length %d", ErrInvalidMetainfo, m.PieceLength)
	}

	totalLength, files, err := deriveFiles(m)
	if err != nil {
		return nil, err
	}

	pieces, err := derivePieces(m, totalLength)
	if err != nil {
		return nil, err
	}

	return &Torrent{
		Name:        m.Name,
		Length:      totalLength,
		PieceLength: m.PieceLength,
		InfoHash:    m.InfoHash,
		Pieces:      pieces,
		Files:       files,
		Trackers:    dedupeTrackers(m),
	}, nil
}

func deriveFiles(m Metainfo) (int64, []File, error) {
	if len(m.Files) == 0 {
		if m.Length <= 0 {
			return 0, nil, fmt.Errorf("%w: single-file torrent with non-positive length", ErrInvalidMetainfo)
		}
		return m.Length, []File{{
			Index: 0,
			Start: 0,
			Size:  m.Length,
			Path:  []string{m.Name},
		}}, nil
	}

	files := make([]File, len(m.Files))
	var start int64
	for i, entry := range m.Files {
		if entry.Length <= 0 {
			return 0, nil, fmt.Errorf("%w: file %d has non-positive length", ErrInvalidMetainfo, i)
		}
		files[i] = File{
			Index: i,
			Start: start,
			Size:  entry.Length,
			Path:  entry.Path,
		}
		start += entry.Length
	}

	return start, files, nil
}

func derivePieces(m Metainfo, totalLength int64) ([]Piece, error) {
	wantCount := pieceutil.PieceCount(totalLength, clampInt32(m.PieceLength))
	if wantCount != len(m.PieceHashes) {
		return nil, fmt.Errorf("%w: piece hash count %d does not match expected %d",
			ErrInvalidMetainfo, len(m.PieceHashes), wantCount)
	}

	pieces := make([]Piece, wantCount)
	for i := range pieces {
		size, err := pieceutil.PieceLengthAt(i, totalLength, clampInt32(m.PieceLength))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMetainfo, err)
		}
		pieces[i] = Piece{
			Index: i,
			Size:  int64(size),
			SHA1:  m.PieceHashes[i],
		}
	}

	return pieces, nil
}

func dedupeTrackers(m Metainfo) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(url string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}

	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, url := range tier {
			add(url)
		}
	}

	return out
}

// clampInt32 saturates a piece length into pieceutil's int32 parameter
// rather than truncating silently; torrent piece lengths never approach
// this bound in practice (the wire protocol caps blocks at 16 KiB and
// pieces are a small multiple of that), but overflow is still defended
// against since it's a correctness boundary, not a performance one.
func clampInt32(v int64) int32 {
	const max = int64(1)<<31 - 1
	if v > max {
		return int32(max)
	}
	return int32(v)
}
