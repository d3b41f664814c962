package manager

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tashik/dneutral-sniper/internal/bus"
	"github.com/tashik/dneutral-sniper/internal/exchange"
	"github.com/tashik/dneutral-sniper/internal/hedger"
	"github.com/tashik/dneutral-sniper/internal/marketdata"
	"github.com/tashik/dneutral-sniper/internal/metrics"
	"github.com/tashik/dneutral-sniper/internal/pnl"
	"github.com/tashik/dneutral-sniper/internal/portfolio"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type fakeUpstream struct {
	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	subs     int
	unsubs   int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeUpstream) Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = handler
	f.subs++
	return nil
}

func (f *fakeUpstream) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channel)
	f.unsubs++
	return nil
}

type fakeExchange struct {
	mu          sync.Mutex
	settlements map[string]func(exchange.Settlement)
	hooks       []func()
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{settlements: make(map[string]func(exchange.Settlement))}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: "o", Label: req.Label, State: exchange.OrderFilled, FilledQty: req.Quantity, AvgPrice: 30000}, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, label string) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: "o", Label: label, State: exchange.OrderFilled}, nil
}

func (f *fakeExchange) GetPosition(ctx context.Context, instrument string) (exchange.Position, error) {
	return exchange.Position{Instrument: instrument}, nil
}

func (f *fakeExchange) GetInstrument(ctx context.Context, instrument string) (exchange.InstrumentInfo, error) {
	return exchange.InstrumentInfo{Name: instrument, Kind: "future", LotSize: 0.001, SettlementCcy: "BTC"}, nil
}

func (f *fakeExchange) SubscribeSettlements(ctx context.Context, currency string, handler func(exchange.Settlement)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements[currency] = handler
	return nil
}

func (f *fakeExchange) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeExchange) settle(currency string, s exchange.Settlement) {
	f.mu.Lock()
	handler := f.settlements[currency]
	f.mu.Unlock()
	if handler != nil {
		handler(s)
	}
}

type managerRig struct {
	store *portfolio.FileStore
	bus   *bus.Bus
	subs  *marketdata.Manager
	exch  *fakeExchange
	mgr   *Manager
}

func newManagerRig(t *testing.T) *managerRig {
	t.Helper()
	b := bus.New(64)
	store, err := portfolio.NewFileStore(t.TempDir(), b, zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	up := newFakeUpstream()
	subs := marketdata.NewManager(up, zap.NewNop(), metrics.NewNoop(), 10*time.Millisecond, 16)
	exch := newFakeExchange()
	rec := pnl.NewRecorder(b, zap.NewNop(), 64, time.Second)
	mgr := New(Options{
		Defaults: hedger.Config{
			MinTriggerDelta:    0.01,
			StepMode:           hedger.StepAbsolute,
			StepSize:           0.01,
			PriceCheckInterval: 50 * time.Millisecond,
			Cooldown:           10 * time.Millisecond,
		},
		StopTimeout: time.Second,
	}, store, exch, subs, b, rec, metrics.NewNoop(), zap.NewNop())
	return &managerRig{store: store, bus: b, subs: subs, exch: exch, mgr: mgr}
}

func (r *managerRig) createPortfolio(t *testing.T, id string) {
	t.Helper()
	if err := r.store.Create(context.Background(), portfolio.New(id, "BTC")); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestStartHedgerIdempotent(t *testing.T) {
	rig := newManagerRig(t)
	rig.createPortfolio(t, "p1")
	ctx := context.Background()

	if err := rig.mgr.StartHedger(ctx, "p1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rig.mgr.StartHedger(ctx, "p1", nil); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
	if got := rig.mgr.ListHedgers(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("expected [p1], got %v", got)
	}
	if _, ok := rig.mgr.HedgerStats("p1"); !ok {
		t.Fatalf("expected stats for running hedger")
	}
	rig.mgr.Shutdown(ctx)
}

func TestStartUnknownPortfolio(t *testing.T) {
	rig := newManagerRig(t)
	if err := rig.mgr.StartHedger(context.Background(), "ghost", nil); err == nil {
		t.Fatalf("expected error for unknown portfolio")
	}
}

func TestSharedSubscriptionAcrossHedgers(t *testing.T) {
	rig := newManagerRig(t)
	rig.createPortfolio(t, "p1")
	rig.createPortfolio(t, "p2")
	ctx := context.Background()
	channel := marketdata.TickerChannel("BTC-PERPETUAL")

	if err := rig.mgr.StartHedger(ctx, "p1", nil); err != nil {
		t.Fatalf("start p1: %v", err)
	}
	if err := rig.mgr.StartHedger(ctx, "p2", nil); err != nil {
		t.Fatalf("start p2: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rig.subs.Refs(channel) == 2 })

	if err := rig.mgr.StopHedger(ctx, "p1"); err != nil {
		t.Fatalf("stop p1: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rig.subs.Refs(channel) == 1 })
	if _, ok := rig.mgr.HedgerStats("p2"); !ok {
		t.Fatalf("stopping p1 must not affect p2")
	}

	if err := rig.mgr.StopHedger(ctx, "p2"); err != nil {
		t.Fatalf("stop p2: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rig.subs.Refs(channel) == 0 })
}

func TestStopHedgerNotRunning(t *testing.T) {
	rig := newManagerRig(t)
	if err := rig.mgr.StopHedger(context.Background(), "p1"); err == nil {
		t.Fatalf("expected not-running error")
	}
}

func TestStateChangeEventsOnBus(t *testing.T) {
	rig := newManagerRig(t)
	rig.createPortfolio(t, "p1")
	ch, cancel := rig.bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	if err := rig.mgr.StartHedger(ctx, "p1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.mgr.Shutdown(ctx)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != bus.HedgerStateChanged {
				continue
			}
			change, ok := ev.Data.(bus.StateChange)
			if !ok {
				t.Fatalf("unexpected payload %+v", ev.Data)
			}
			if change.To == string(hedger.StateWarming) {
				return
			}
		case <-deadline:
			t.Fatalf("no warming state change observed")
		}
	}
}

func TestFundingSettlementCreditsBalance(t *testing.T) {
	rig := newManagerRig(t)
	rig.createPortfolio(t, "p1")
	ctx := context.Background()
	if err := rig.mgr.StartHedger(ctx, "p1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rig.mgr.Shutdown(ctx)

	rig.exch.settle("BTC", exchange.Settlement{Type: "funding", Instrument: "BTC-PERPETUAL", Funding: 0.0005})
	waitFor(t, time.Second, func() bool {
		p, err := rig.store.Load(ctx, "p1")
		return err == nil && math.Abs(p.Balance-0.0005) < 1e-12
	})
}

func TestShutdownStopsEverything(t *testing.T) {
	rig := newManagerRig(t)
	rig.createPortfolio(t, "p1")
	rig.createPortfolio(t, "p2")
	ctx := context.Background()
	_ = rig.mgr.StartHedger(ctx, "p1", nil)
	_ = rig.mgr.StartHedger(ctx, "p2", nil)

	rig.mgr.Shutdown(ctx)
	if got := rig.mgr.ListHedgers(); len(got) != 0 {
		t.Fatalf("expected no hedgers after shutdown, got %v", got)
	}
	if err := rig.mgr.StartHedger(ctx, "p1", nil); err == nil {
		t.Fatalf("start after shutdown must fail")
	}
	if _, err := rig.subs.Acquire(ctx, "ticker.X.100ms"); err == nil {
		t.Fatalf("subscriptions must be closed after shutdown")
	}
}
