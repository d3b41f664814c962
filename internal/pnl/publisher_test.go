package pnl

import (
	"testing"
	"time"

	"github.com/tashik/dneutral-sniper/internal/bus"

	"go.uber.org/zap"
)

func TestRecorderPublishesTailOnce(t *testing.T) {
	b := bus.New(8)
	ch, cancel := b.Subscribe()
	defer cancel()

	rec := NewRecorder(b, zap.NewNop(), 16, time.Second)
	rec.Record(Sample{PortfolioID: "p1", Time: time.Now(), NetDelta: 1})
	rec.Record(Sample{PortfolioID: "p1", Time: time.Now(), NetDelta: 2})

	rec.publishPending()
	ev := <-ch
	if ev.Type != bus.PnLUpdate || ev.PortfolioID != "p1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	samples, ok := ev.Data.([]Sample)
	if !ok || len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %+v", ev.Data)
	}

	rec.publishPending()
	select {
	case ev := <-ch:
		t.Fatalf("expected no re-publish without new samples, got %+v", ev)
	default:
	}

	rec.Record(Sample{PortfolioID: "p1", Time: time.Now(), NetDelta: 3})
	rec.publishPending()
	ev = <-ch
	samples = ev.Data.([]Sample)
	if len(samples) != 1 || samples[0].NetDelta != 3 {
		t.Fatalf("expected only the new sample, got %+v", samples)
	}
}

func TestRecorderHistoryAndForget(t *testing.T) {
	rec := NewRecorder(nil, zap.NewNop(), 4, time.Second)
	rec.Record(Sample{PortfolioID: "p1", NetDelta: 1})
	if len(rec.History("p1")) != 1 {
		t.Fatalf("expected 1 sample in history")
	}
	rec.Forget("p1")
	if rec.History("p1") != nil {
		t.Fatalf("expected empty history after forget")
	}
}
