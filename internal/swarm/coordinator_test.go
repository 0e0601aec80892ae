package swarm

import (
	"testing"

	"github.com/mbndr/leechd/internal/bitfield"
	"github.com/mbndr/leechd/internal/torrent"
)

type fakeWorker struct {
	name      string
	cancelled bool
}

func (w *fakeWorker) Cancel() { w.cancelled = true }

func piecesFor(n int) []torrent.Piece {
	pieces := make([]torrent.Piece, n)
	for i := range pieces {
		pieces[i] = torrent.Piece{Index: i, Size: 1024}
	}
	return pieces
}

func TestGetWorkAssignsOnlyQueuedPieces(t *testing.T) {
	c := NewCoordinator(piecesFor(3), WithDefaultConfig(), nil)
	w := &fakeWorker{name: "w1"}

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		p, ok := c.GetWork(w, nil)
		if !ok {
			t.Fatalf("expected work on attempt %d", i)
		}
		if seen[p.Index] {
			t.Fatalf("piece %d assigned twice outside end-game", p.Index)
		}
		seen[p.Index] = true
	}

	if _, ok := c.GetWork(w, nil); ok {
		t.Fatalf("expected no more work once all pieces are assigned")
	}
}

func TestGetWorkRespectsBitfield(t *testing.T) {
	c := NewCoordinator(piecesFor(2), WithDefaultConfig(), nil)
	w := &fakeWorker{}

	var bf bitfield.Bitfield
	bf.Set(1) // peer only has piece 1

	p, ok := c.GetWork(w, bf)
	if !ok || p.Index != 1 {
		t.Fatalf("expected piece 1, got %+v ok=%v", p, ok)
	}

	if _, ok := c.GetWork(w, bf); ok {
		t.Fatalf("peer should have no more pieces it claims to have")
	}
}

func TestPutWorkReturnsPieceToQueue(t *testing.T) {
	c := NewCoordinator(piecesFor(1), WithDefaultConfig(), nil)
	w := &fakeWorker{}

	p, ok := c.GetWork(w, nil)
	if !ok {
		t.Fatalf("expected work")
	}
	c.PutWork(w, p)

	if _, ok := c.GetWork(w, nil); !ok {
		t.Fatalf("piece should be assignable again after PutWork")
	}
}

func TestPutResultIsIdempotentUnderDuplicateCompletion(t *testing.T) {
	c := NewCoordinator(piecesFor(1), WithDefaultConfig(), nil)
	w1, w2 := &fakeWorker{name: "w1"}, &fakeWorker{name: "w2"}

	p, _ := c.GetWork(w1, nil)
	data := torrent.PieceData{Piece: p, Bytes: make([]byte, p.Size)}

	c.PutResult(w1, data)
	if done, _ := c.Progress(); done != 1 {
		t.Fatalf("expected 1 done piece, got %d", done)
	}

	c.PutResult(w2, data) // duplicate completion, must be a no-op
	if done, _ := c.Progress(); done != 1 {
		t.Fatalf("duplicate put_result must not double-count: got %d", done)
	}
}

func TestEndGameAllowsDuplicateAssignmentAndCancelsLosers(t *testing.T) {
	cfg := Config{NormalCap: 5, EndGameCap: 10, EndGameThreshold: 0.5}
	c := NewCoordinator(piecesFor(4), cfg, nil)

	w1, w2, w3, w4 := &fakeWorker{name: "w1"}, &fakeWorker{name: "w2"}, &fakeWorker{name: "w3"}, &fakeWorker{name: "w4"}

	p1, _ := c.GetWork(w1, nil)
	p2, _ := c.GetWork(w2, nil)
	c.PutResult(w1, torrent.PieceData{Piece: p1, Bytes: make([]byte, p1.Size)})
	c.PutResult(w2, torrent.PieceData{Piece: p2, Bytes: make([]byte, p2.Size)})

	// 2/4 done == threshold 0.5 -> end-game is now active.
	// Both remaining peers hold only one of the two pieces left, so the
	// fewest-assigned-first pick cannot steer w4 to the other piece.
	remaining := 0
	for remaining == p1.Index || remaining == p2.Index {
		remaining++
	}
	var bf bitfield.Bitfield
	bf.Set(remaining)

	p3a, ok := c.GetWork(w3, bf)
	if !ok {
		t.Fatalf("expected work for w3")
	}
	p3b, ok := c.GetWork(w4, bf)
	if !ok {
		t.Fatalf("expected work for w4")
	}
	if p3a.Index != p3b.Index {
		t.Fatalf("end-game should permit duplicate assignment of the same piece, got %d and %d", p3a.Index, p3b.Index)
	}

	c.PutResult(w3, torrent.PieceData{Piece: p3a, Bytes: make([]byte, p3a.Size)})

	if !w4.cancelled {
		t.Fatalf("losing worker should have been cancelled once the winner completed")
	}
	if w3.cancelled {
		t.Fatalf("winning worker should not be cancelled")
	}
}

func TestAssignedNeverExceedsEndGameCap(t *testing.T) {
	cfg := Config{NormalCap: 1, EndGameCap: 2, EndGameThreshold: 0.0}
	c := NewCoordinator(piecesFor(1), cfg, nil)

	w1, w2, w3 := &fakeWorker{}, &fakeWorker{}, &fakeWorker{}
	if _, ok := c.GetWork(w1, nil); !ok {
		t.Fatalf("expected work for w1")
	}
	if _, ok := c.GetWork(w2, nil); !ok {
		t.Fatalf("expected work for w2 under end-game cap of 2")
	}
	if _, ok := c.GetWork(w3, nil); ok {
		t.Fatalf("third assignment should be rejected: exceeds EndGameCap")
	}
}

func TestFinished(t *testing.T) {
	c := NewCoordinator(piecesFor(1), WithDefaultConfig(), nil)
	w := &fakeWorker{}

	if c.Finished() {
		t.Fatalf("should not be finished before any piece completes")
	}

	p, _ := c.GetWork(w, nil)
	c.PutResult(w, torrent.PieceData{Piece: p, Bytes: make([]byte, p.Size)})

	if !c.Finished() {
		t.Fatalf("should be finished once every piece is done")
	}
}
