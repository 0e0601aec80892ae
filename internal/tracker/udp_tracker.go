package tracker

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/mbndr/leechd/pkg/retry"
)

// UDP tracker wire protocol, bit-exact per BEP 15.
const (
	protocolID = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3

	connectRequestSize  = 16
	connectResponseSize = 16
	announceRequestSize = 98
	maxUDPPacket        = 4096
)

// Event mirrors the announce request's numeric event field. The values are
// bit-exact on the wire: 1 is completed, 2 is started, 3 is stopped.
type Event uint32

const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

var (
	errActionMismatch        = errors.New("tracker: action mismatch")
	errTransactionIDMismatch = errors.New("tracker: transaction id mismatch")
	errPacketTooShort        = errors.New("tracker: packet too short")
)

// AnnounceParams is this client's announce request payload. Uploaded is
// always 0 since this is a leech-only client; IP, key, and port are left
// at their wire defaults and num_want is always -1.
type AnnounceParams struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
	Left     uint64
	Event    Event
}

// AnnounceResponse is the decoded announce reply.
type AnnounceResponse struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []netip.AddrPort
}

// UDPTracker performs one connect+announce exchange against a single
// tracker endpoint. Unlike a long-lived seeding client, a leech-only
// single-session download has no use for caching the connection ID across
// announces, so each UDPTracker is dialed, used once, and closed.
type UDPTracker struct {
	conn *net.UDPConn
	log  *slog.Logger
}

// NewUDPTracker dials the tracker's UDP endpoint. u.Scheme must be "udp"
// and u.Host must carry an explicit port.
func NewUDPTracker(u *url.URL, log *slog.Logger) (*UDPTracker, error) {
	if u.Scheme != "udp" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("tracker: missing port in %q", u.Host)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}

	return &UDPTracker{conn: conn, log: log.With("tracker", u.Host)}, nil
}

// Close releases the tracker's socket.
func (ut *UDPTracker) Close() error { return ut.conn.Close() }

// Announce performs the connect handshake followed by the announce
// request, both bounded by ctx's deadline.
func (ut *UDPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	connID, err := ut.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracker: connect: %w", err)
	}

	resp, err := ut.announce(ctx, connID, params)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce: %w", err)
	}

	return resp, nil
}

func (ut *UDPTracker) connect(ctx context.Context) (uint64, error) {
	var connID uint64

	err := retry.Do(ctx, func(ctx context.Context) error {
		applyDeadline(ut.conn, ctx)

		txID, err := randU32()
		if err != nil {
			return err
		}
		if err := ut.sendConnect(txID); err != nil {
			return err
		}

		id, err := ut.readConnect(txID)
		if err != nil {
			ut.log.Debug("connect attempt failed", "error", err)
			return err
		}

		connID = id
		return nil
	}, retry.WithLinearBackoff(3, 200*time.Millisecond)...)

	return connID, err
}

func (ut *UDPTracker) announce(ctx context.Context, connID uint64, params *AnnounceParams) (*AnnounceResponse, error) {
	var resp *AnnounceResponse

	err := retry.Do(ctx, func(ctx context.Context) error {
		applyDeadline(ut.conn, ctx)

		txID, err := randU32()
		if err != nil {
			return err
		}
		if err := ut.sendAnnounce(connID, txID, params); err != nil {
			return err
		}

		r, err := ut.readAnnounce(txID)
		if err != nil {
			ut.log.Debug("announce attempt failed", "error", err)
			return err
		}

		resp = r
		return nil
	}, retry.WithLinearBackoff(3, 200*time.Millisecond)...)

	return resp, err
}

func (ut *UDPTracker) sendConnect(transactionID uint32) error {
	var packet [connectRequestSize]byte

	binary.BigEndian.PutUint64(packet[0:8], protocolID)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], transactionID)

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *UDPTracker) readConnect(transactionID uint32) (uint64, error) {
	var packet [connectResponseSize]byte

	n, err := ut.conn.Read(packet[:])
	if err != nil {
		return 0, err
	}
	if n < connectResponseSize {
		return 0, errPacketTooShort
	}

	if action := binary.BigEndian.Uint32(packet[0:4]); action == actionError {
		return 0, fmt.Errorf("tracker error: %s", string(packet[8:n]))
	} else if action != actionConnect {
		return 0, errActionMismatch
	}
	if got := binary.BigEndian.Uint32(packet[4:8]); got != transactionID {
		return 0, errTransactionIDMismatch
	}

	return binary.BigEndian.Uint64(packet[8:16]), nil
}

func (ut *UDPTracker) sendAnnounce(connID uint64, transactionID uint32, params *AnnounceParams) error {
	var packet [announceRequestSize]byte

	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], transactionID)
	copy(packet[16:36], params.InfoHash[:])
	copy(packet[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], 0) // downloaded
	binary.BigEndian.PutUint64(packet[64:72], params.Left)
	binary.BigEndian.PutUint64(packet[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(packet[80:84], uint32(params.Event))
	binary.BigEndian.PutUint32(packet[84:88], 0)          // ip
	binary.BigEndian.PutUint32(packet[88:92], 0)          // key
	binary.BigEndian.PutUint32(packet[92:96], 0xFFFFFFFF) // num_want = -1
	binary.BigEndian.PutUint16(packet[96:98], 0)          // port

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *UDPTracker) readAnnounce(transactionID uint32) (*AnnounceResponse, error) {
	buf := make([]byte, maxUDPPacket)

	n, err := ut.conn.Read(buf)
	if err != nil {
		return nil, err
	}

	packet := buf[:n]
	if len(packet) < 20 {
		return nil, errPacketTooShort
	}

	if action := binary.BigEndian.Uint32(packet[0:4]); action == actionError {
		return nil, fmt.Errorf("tracker error: %s", string(packet[8:n]))
	} else if action != actionAnnounce {
		return nil, errActionMismatch
	}
	if got := binary.BigEndian.Uint32(packet[4:8]); got != transactionID {
		return nil, errTransactionIDMismatch
	}

	interval := binary.BigEndian.Uint32(packet[8:12])
	leechers := binary.BigEndian.Uint32(packet[12:16])
	seeders := binary.BigEndian.Uint32(packet[16:20])

	peers, err := decodeCompactPeers(packet[20:])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int32(leechers),
		Seeders:  int32(seeders),
		Peers:    peers,
	}, nil
}

// decodeCompactPeers parses the trailing (ip:u32, port:u16) pairs of an
// announce response. A trailer whose length is not a multiple of 6 is
// rejected wholesale rather than truncated, since a misaligned trailer
// means the packet itself is malformed.
func decodeCompactPeers(trailer []byte) ([]netip.AddrPort, error) {
	if len(trailer)%6 != 0 {
		return nil, errPacketTooShort
	}

	n := len(trailer) / 6
	peers := make([]netip.AddrPort, n)
	for i := 0; i < n; i++ {
		chunk := trailer[i*6 : i*6+6]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		peers[i] = netip.AddrPortFrom(addr, port)
	}

	return peers, nil
}

func randU32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func applyDeadline(conn *net.UDPConn, ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		return
	}
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
}
