package tracker

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"time"
)

func TestGetPeersFanOutDedupsAndDropsZeroPort(t *testing.T) {
	pA := netip.MustParseAddrPort("203.0.113.10:6881")
	pZero := netip.MustParseAddrPort("203.0.113.11:0")
	pShared := netip.MustParseAddrPort("203.0.113.12:6882")
	pB := netip.MustParseAddrPort("203.0.113.13:6883")

	uA := startFakeUDPTracker(t, &fakeUDPTracker{connID: 10, peers: []netip.AddrPort{pA, pZero, pShared}})
	uB := startFakeUDPTracker(t, &fakeUDPTracker{connID: 20, peers: []netip.AddrPort{pShared, pB}})

	c := NewClient(&Config{MaxWorkers: 10, Timeout: 2 * time.Second}, slog.Default())

	rawURLs := []string{
		uA.String(),
		uB.String(),
		"http://example.com/announce", // filtered: not udp
		"udp://example.com",           // filtered: no port
	}

	got, err := c.GetPeers(context.Background(), rawURLs, AnnounceParams{Left: 1})
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}

	want := map[netip.AddrPort]bool{pA: true, pShared: true, pB: true}
	if len(got) != len(want) {
		t.Fatalf("expected %d deduped peers, got %d: %v", len(want), len(got), got)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected peer %v in result", p)
		}
	}
}

func TestGetPeersRejectsWhenNoUDPTrackersPresent(t *testing.T) {
	c := NewClient(nil, slog.Default())

	_, err := c.GetPeers(context.Background(), []string{"http://example.com/announce"}, AnnounceParams{})
	if !errors.Is(err, ErrNoUDPTrackers) {
		t.Fatalf("expected ErrNoUDPTrackers, got %v", err)
	}
}

func TestGetPeersRejectsWhenNoPeersReturned(t *testing.T) {
	c := NewClient(&Config{MaxWorkers: 1, Timeout: 150 * time.Millisecond}, slog.Default())

	_, err := c.GetPeers(context.Background(), []string{"udp://127.0.0.1:1"}, AnnounceParams{})
	if !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
}
