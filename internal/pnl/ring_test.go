package pnl

import (
	"testing"
	"time"
)

func sampleAt(i int) Sample {
	return Sample{PortfolioID: "p", Time: time.Unix(int64(i), 0), NetDelta: float64(i)}
}

func TestRingTail(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 3; i++ {
		r.Push(sampleAt(i))
	}
	tail, seq := r.Tail(0)
	if len(tail) != 3 || seq != 3 {
		t.Fatalf("expected 3 samples seq 3, got %d seq %d", len(tail), seq)
	}
	if tail[0].NetDelta != 0 || tail[2].NetDelta != 2 {
		t.Fatalf("expected oldest-first ordering, got %+v", tail)
	}
	tail, seq = r.Tail(seq)
	if len(tail) != 0 || seq != 3 {
		t.Fatalf("expected empty tail after catch-up, got %d", len(tail))
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(2)
	for i := 0; i < 5; i++ {
		r.Push(sampleAt(i))
	}
	tail, seq := r.Tail(0)
	if seq != 5 {
		t.Fatalf("expected seq 5, got %d", seq)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 retained samples, got %d", len(tail))
	}
	if tail[0].NetDelta != 3 || tail[1].NetDelta != 4 {
		t.Fatalf("expected samples 3,4; got %+v", tail)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 4; i++ {
		r.Push(sampleAt(i))
	}
	snap := r.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(snap))
	}
}
