package pnl

import (
	"context"
	"sync"
	"time"

	"github.com/tashik/dneutral-sniper/internal/bus"

	"go.uber.org/zap"
)

// Recorder keeps one ring per portfolio and pushes pnl_update events to the
// bus at a bounded cadence, carrying only the samples since the last publish.
type Recorder struct {
	bus      *bus.Bus
	log      *zap.Logger
	depth    int
	interval time.Duration

	mu        sync.Mutex
	rings     map[string]*Ring
	published map[string]uint64
}

func NewRecorder(b *bus.Bus, log *zap.Logger, depth int, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	return &Recorder{
		bus:       b,
		log:       log,
		depth:     depth,
		interval:  interval,
		rings:     make(map[string]*Ring),
		published: make(map[string]uint64),
	}
}

func (r *Recorder) Record(s Sample) {
	r.ring(s.PortfolioID).Push(s)
}

func (r *Recorder) History(portfolioID string) []Sample {
	r.mu.Lock()
	ring, ok := r.rings[portfolioID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ring.Snapshot()
}

func (r *Recorder) Forget(portfolioID string) {
	r.mu.Lock()
	delete(r.rings, portfolioID)
	delete(r.published, portfolioID)
	r.mu.Unlock()
}

// Run publishes pending samples until the context is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishPending()
		}
	}
}

func (r *Recorder) publishPending() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rings))
	for id := range r.rings {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		ring, ok := r.rings[id]
		since := r.published[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		samples, seq := ring.Tail(since)
		if len(samples) == 0 {
			continue
		}
		r.mu.Lock()
		r.published[id] = seq
		r.mu.Unlock()
		if r.bus != nil {
			r.bus.Publish(bus.Event{Type: bus.PnLUpdate, PortfolioID: id, Data: samples})
		}
	}
}

func (r *Recorder) ring(portfolioID string) *Ring {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.rings[portfolioID]
	if !ok {
		ring = NewRing(r.depth)
		r.rings[portfolioID] = ring
	}
	return ring
}
