// Package session implements the per-peer connection state machine: TCP
// connect, handshake, and a blocking download loop that pulls pieces from
// a swarm coordinator, pipelines block requests, and verifies each piece
// before handing it back.
package session

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/mbndr/leechd/internal/bitfield"
	"github.com/mbndr/leechd/internal/protocol"
	"github.com/mbndr/leechd/internal/swarm"
	"github.com/mbndr/leechd/internal/torrent"
)

// Coordinator is the subset of *swarm.Coordinator a session needs. It is
// an interface so sessions can be driven by a fake in tests.
type Coordinator interface {
	GetWork(worker swarm.Worker, peerBitfield bitfield.Bitfield) (torrent.Piece, bool)
	PutWork(worker swarm.Worker, piece torrent.Piece)
	PutResult(worker swarm.Worker, data torrent.PieceData)
	Finished() bool
}

// Sink receives a verified piece's bytes. Assembling pieces into files on
// disk is the caller's responsibility.
type Sink func(torrent.PieceData) error

// Config tunes the session's timeouts and pipelining behavior.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration
	KeepAliveSleep   time.Duration
	NoWorkSleepMin   time.Duration
	NoWorkSleepMax   time.Duration
	BatchSize        int
	ChunkSize        int
	Log              *slog.Logger
}

// WithDefaultConfig returns the spec's default session timings: connect
// and handshake at 5s, subsequent socket ops at 30s, keep-alive idle
// sleep at 3s, a 5-30s backoff when no work is available, batches of 5
// pipelined 16 KiB block requests.
func WithDefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		IOTimeout:        30 * time.Second,
		KeepAliveSleep:   3 * time.Second,
		NoWorkSleepMin:   5 * time.Second,
		NoWorkSleepMax:   30 * time.Second,
		BatchSize:        5,
		ChunkSize:        16 * 1024,
	}
}

// Session owns one peer connection's lifecycle. All mutable state other
// than the cancel flag is private to the goroutine that calls Run.
type Session struct {
	cfg      Config
	log      *slog.Logger
	coord    Coordinator
	sink     Sink
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	addr     netip.AddrPort

	conn     net.Conn
	remoteBF bitfield.Bitfield
	choked   bool
	cancel   atomic.Bool
	dialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

var (
	ErrConnectFailed   = errors.New("session: connect failed")
	ErrHandshakeFailed = errors.New("session: handshake failed")
)

// New constructs a Session for the given peer address. A nil cfg.Log
// falls back to slog.Default().
func New(addr netip.AddrPort, infoHash, peerID [sha1.Size]byte, coord Coordinator, sink Sink, cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Session{
		cfg:      cfg,
		log:      log.With("peer", addr),
		coord:    coord,
		sink:     sink,
		infoHash: infoHash,
		peerID:   peerID,
		addr:     addr,
		choked:   true,
	}
}

// Cancel sets the session's cancel flag. It is advisory and best-effort:
// the session observes it at the next message boundary inside its
// current piece and does not tear down the TCP connection itself.
func (s *Session) Cancel() { s.cancel.Store(true) }

// Run drives the session's full lifecycle: connect, handshake, the
// work-request loop, and shutdown. It returns nil once the swarm is
// finished or the peer becomes unusable; errors from the connect and
// handshake phases are not returned, only logged, matching the spec's
// "terminate the session silently" policy.
func (s *Session) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		s.log.Debug("connect failed", "error", err)
		return nil
	}
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		s.log.Debug("handshake failed", "error", err)
		return nil
	}

	for !s.coord.Finished() {
		if ctx.Err() != nil {
			return nil
		}

		work, ok := s.coord.GetWork(s, s.remoteBF)
		if !ok {
			s.sleepNoWork()
			continue
		}

		if terminate := s.runPiece(work); terminate {
			s.log.Debug("terminating session")
			return nil
		}
	}

	return nil
}

func (s *Session) connect(ctx context.Context) error {
	dial := s.dialFunc
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := dial(cctx, "tcp", s.addr.String())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.conn = conn
	return nil
}

func (s *Session) handshake() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	local := protocol.NewHandshake(s.infoHash, s.peerID)
	if _, err := local.Exchange(s.conn, true); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	return nil
}

func (s *Session) sleepNoWork() {
	span := s.cfg.NoWorkSleepMax - s.cfg.NoWorkSleepMin
	d := s.cfg.NoWorkSleepMin
	if span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	time.Sleep(d)
}

// runPiece drives the per-piece download loop for work. It returns true
// if the session as a whole should terminate (socket error or a suspect
// peer delivering corrupt data), false if the session should continue
// requesting new work.
func (s *Session) runPiece(work torrent.Piece) (terminate bool) {
	log := s.log.With("piece", work.Index)

	buffer := make([]byte, work.Size)
	var downloaded int64
	inFlight := 0
	shouldRequest := true
	s.cancel.Store(false)

	if err := s.send(protocol.MessageUnchoke()); err != nil {
		s.coord.PutWork(s, work)
		return true
	}
	if err := s.send(protocol.MessageInterested()); err != nil {
		s.coord.PutWork(s, work)
		return true
	}

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			log.Warn("socket error mid-piece", "error", err)
			s.coord.PutWork(s, work)
			return true
		}

		if protocol.IsKeepAlive(msg) {
			time.Sleep(s.cfg.KeepAliveSleep)
			if s.cancel.Load() {
				return false
			}
			continue
		}

		switch msg.ID {
		case protocol.Choke:
			s.choked = true

		case protocol.Unchoke:
			s.choked = false

		case protocol.Have:
			if idx, ok := msg.ParseHave(); ok {
				s.remoteBF.Set(int(idx))
			}

		case protocol.Bitfield:
			s.remoteBF = bitfield.FromBytes(msg.Payload)
			if !s.remoteBF.Has(work.Index) {
				log.Debug("remote lacks piece after bitfield")
				s.coord.PutWork(s, work)
				return false
			}

		case protocol.Piece:
			idx, begin, block, ok := msg.ParsePiece()
			if !ok || int(idx) != work.Index {
				continue
			}
			end := int64(begin) + int64(len(block))
			if end > work.Size {
				continue
			}

			copy(buffer[begin:end], block)
			downloaded += int64(len(block))
			inFlight--
			if inFlight <= 0 {
				shouldRequest = true
			}

			if downloaded == work.Size {
				sum := sha1.Sum(buffer)
				if sum != work.SHA1 {
					log.Warn("piece hash mismatch")
					s.coord.PutWork(s, work)
					return true
				}

				_ = s.send(protocol.MessageHave(uint32(work.Index)))

				data := torrent.PieceData{Piece: work, Bytes: buffer}
				if s.sink != nil {
					if err := s.sink(data); err != nil {
						log.Error("sink rejected piece", "error", err)
					}
				}
				s.coord.PutResult(s, data)
				return false
			}

		case protocol.Request, protocol.Interested, protocol.NotInterested, protocol.Cancel:
			// no-op: this client never serves data.
		}

		if s.cancel.Load() {
			log.Debug("cancelled, abandoning piece without returning it")
			return false
		}

		if shouldRequest && !s.choked {
			sent := s.requestBatch(work, downloaded)
			shouldRequest = false
			inFlight = sent
		}
	}
}

// requestBatch issues up to cfg.BatchSize REQUEST messages starting at
// cursor, each bounded by the piece's remaining length, and returns how
// many were actually sent.
func (s *Session) requestBatch(work torrent.Piece, cursor int64) int {
	sent := 0
	for i := 0; i < s.cfg.BatchSize; i++ {
		begin := cursor + int64(i)*int64(s.cfg.ChunkSize)
		if begin >= work.Size {
			break
		}

		length := int64(s.cfg.ChunkSize)
		if begin+length > work.Size {
			length = work.Size - begin
		}

		req := protocol.MessageRequest(uint32(work.Index), uint32(begin), uint32(length))
		if err := s.send(req); err != nil {
			break
		}
		sent++
	}

	return sent
}

func (s *Session) send(m *protocol.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	return protocol.WriteMessage(s.conn, m)
}
