package hedger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tashik/dneutral-sniper/internal/exchange"
	"github.com/tashik/dneutral-sniper/internal/marketdata"
	"github.com/tashik/dneutral-sniper/internal/metrics"
	"github.com/tashik/dneutral-sniper/internal/portfolio"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type fakeUpstream struct {
	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeUpstream) Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = handler
	return nil
}

func (f *fakeUpstream) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channel)
	return nil
}

func (f *fakeUpstream) pushTicker(instrument string, mark, index float64, delta *float64) {
	payload := fmt.Sprintf(`{"instrument_name":%q,"mark_price":%f,"index_price":%f,"timestamp":%d`,
		instrument, mark, index, time.Now().UnixMilli())
	if delta != nil {
		payload += fmt.Sprintf(`,"greeks":{"delta":%f}`, *delta)
	}
	payload += "}"
	f.mu.Lock()
	handler := f.handlers[marketdata.TickerChannel(instrument)]
	f.mu.Unlock()
	if handler != nil {
		handler(json.RawMessage(payload))
	}
}

type scriptedResult struct {
	ack exchange.OrderAck
	err error
}

type fakeOrders struct {
	mu       sync.Mutex
	placed   []exchange.OrderRequest
	script   []scriptedResult
	info     exchange.InstrumentInfo
	position exchange.Position
	block    chan struct{}
	placedCh chan exchange.OrderRequest
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		info: exchange.InstrumentInfo{
			Name: "BTC-PERPETUAL", Kind: "future", LotSize: 0.001,
			TickSize: 0.5, SettlementCcy: "BTC",
		},
	}
}

func (f *fakeOrders) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	var s scriptedResult
	if len(f.script) > 0 {
		s = f.script[0]
		f.script = f.script[1:]
	}
	block := f.block
	ch := f.placedCh
	f.mu.Unlock()
	if ch != nil {
		ch <- req
	}
	if block != nil {
		<-block
	}
	if s.err != nil {
		return exchange.OrderAck{}, s.err
	}
	if s.ack.State == "" {
		return exchange.OrderAck{
			OrderID: "o-" + req.Label, Label: req.Label,
			State: exchange.OrderFilled, FilledQty: req.Quantity, AvgPrice: 30000,
		}, nil
	}
	return s.ack, nil
}

func (f *fakeOrders) GetOrder(ctx context.Context, label string) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: "o-" + label, Label: label, State: exchange.OrderFilled}, nil
}

func (f *fakeOrders) GetPosition(ctx context.Context, instrument string) (exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeOrders) GetInstrument(ctx context.Context, instrument string) (exchange.InstrumentInfo, error) {
	return f.info, nil
}

func (f *fakeOrders) orders() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.placed...)
}

type testRig struct {
	store    *portfolio.FileStore
	upstream *fakeUpstream
	subs     *marketdata.Manager
	orders   *fakeOrders
	hedger   *Hedger
	cancel   context.CancelFunc
	done     chan error
}

func newTestRig(t *testing.T, p *portfolio.Portfolio, cfg Config) *testRig {
	t.Helper()
	store, err := portfolio.NewFileStore(t.TempDir(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	upstream := newFakeUpstream()
	subs := marketdata.NewManager(upstream, zap.NewNop(), metrics.NewNoop(), 10*time.Millisecond, 16)
	orders := newFakeOrders()

	cfg.PortfolioID = p.ID
	if cfg.HedgeInstrument == "" {
		cfg.HedgeInstrument = "BTC-PERPETUAL"
	}
	h := New(cfg, Deps{
		Store:  store,
		Orders: orders,
		Subs:   subs,
		Log:    zap.NewNop(),
	})
	return &testRig{store: store, upstream: upstream, subs: subs, orders: orders, hedger: h}
}

func (r *testRig) start(t *testing.T, wantChannels int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- r.hedger.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return len(r.upstream.channels()) >= wantChannels })
}

func (r *testRig) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("hedger did not stop")
	}
}

func (f *fakeUpstream) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for ch := range f.handlers {
		out = append(out, ch)
	}
	return out
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

func shortCallPortfolio(t *testing.T) *portfolio.Portfolio {
	t.Helper()
	p := portfolio.New("p1", "BTC")
	err := p.AddOption(portfolio.LegPosition{
		Instrument: "BTC-27MAR26-30000-C", Kind: portfolio.KindOption,
		Quantity: -10, Strike: 30000, OptionType: portfolio.Call,
		Expiry: time.Now().Add(90 * 24 * time.Hour),
	}, 0)
	if err != nil {
		t.Fatalf("add option: %v", err)
	}
	return p
}

func baseConfig() Config {
	return Config{
		TargetDelta:        0,
		MinTriggerDelta:    0.01,
		StepMode:           StepAbsolute,
		StepSize:           0.01,
		PriceCheckInterval: 50 * time.Millisecond,
		MinHedgeUSD:        10,
		Cooldown:           10 * time.Millisecond,
	}
}

func TestShortCallGetsLongHedge(t *testing.T) {
	rig := newTestRig(t, shortCallPortfolio(t), baseConfig())
	rig.start(t, 2)
	defer rig.stop(t)

	half := 0.5
	rig.upstream.pushTicker("BTC-27MAR26-30000-C", 0.05, 30000, &half)
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)

	waitFor(t, 2*time.Second, func() bool { return len(rig.orders.orders()) == 1 })
	order := rig.orders.orders()[0]
	if order.Side != exchange.Buy {
		t.Fatalf("expected buy hedge, got %s", order.Side)
	}
	if math.Abs(order.Quantity-5) > 1e-9 {
		t.Fatalf("expected quantity 5, got %f", order.Quantity)
	}
	if order.Type != exchange.Market {
		t.Fatalf("expected market order, got %s", order.Type)
	}
	if order.Label == "" {
		t.Fatalf("expected idempotency label")
	}

	waitFor(t, time.Second, func() bool { return rig.hedger.State() == StateArmed })
	stats := rig.hedger.Stats()
	if math.Abs(stats.LastHedgedDelta) > 1e-9 {
		t.Fatalf("expected last hedged delta 0 after full fill, got %f", stats.LastHedgedDelta)
	}
	loaded, err := rig.store.Load(context.Background(), "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.HedgePosition == nil || math.Abs(loaded.HedgePosition.Quantity-5) > 1e-9 {
		t.Fatalf("expected persisted hedge of 5, got %+v", loaded.HedgePosition)
	}

	// balanced book: further ticks must not re-hedge
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)
	time.Sleep(50 * time.Millisecond)
	if len(rig.orders.orders()) != 1 {
		t.Fatalf("expected no further hedges, got %d", len(rig.orders.orders()))
	}
}

func TestStaleMarketSelfTickKeepsArmed(t *testing.T) {
	p := portfolio.New("p1", "BTC")
	rig := newTestRig(t, p, baseConfig())
	rig.start(t, 1)
	defer rig.stop(t)

	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)
	waitFor(t, time.Second, func() bool { return rig.hedger.State() == StateArmed })

	// silence for > 2x price_check_interval: the self-tick re-evaluates from
	// last known marks and produces no hedge
	time.Sleep(150 * time.Millisecond)
	if got := rig.hedger.State(); got != StateArmed {
		t.Fatalf("expected hedger to stay armed, got %s", got)
	}
	if len(rig.orders.orders()) != 0 {
		t.Fatalf("unchanged marks must not hedge, got %d orders", len(rig.orders.orders()))
	}
}

func TestRetryableRejectThenFill(t *testing.T) {
	rig := newTestRig(t, shortCallPortfolio(t), baseConfig())
	reject := &exchange.Error{Kind: exchange.KindRejected, Code: 10041, Msg: "settlement_in_progress", Retryable: true}
	rig.orders.script = []scriptedResult{{err: reject}, {err: reject}, {}}
	rig.start(t, 2)
	defer rig.stop(t)

	half := 0.5
	start := time.Now()
	rig.upstream.pushTicker("BTC-27MAR26-30000-C", 0.05, 30000, &half)
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)

	waitFor(t, 5*time.Second, func() bool { return len(rig.orders.orders()) == 3 })
	if elapsed := time.Since(start); elapsed < 750*time.Millisecond {
		t.Fatalf("expected 250ms+500ms backoff before third attempt, took %v", elapsed)
	}
	waitFor(t, time.Second, func() bool { return rig.hedger.Stats().Fills == 1 })
	stats := rig.hedger.Stats()
	if stats.ConsecutiveErrors != 0 {
		t.Fatalf("consecutive errors must reset after fill, got %d", stats.ConsecutiveErrors)
	}
	loaded, _ := rig.store.Load(context.Background(), "p1")
	if loaded.HedgePosition == nil || math.Abs(loaded.HedgePosition.Quantity-5) > 1e-9 {
		t.Fatalf("fill after retries must persist, got %+v", loaded.HedgePosition)
	}
}

func TestNonRetryableRejectFailsHedger(t *testing.T) {
	rig := newTestRig(t, shortCallPortfolio(t), baseConfig())
	rig.orders.script = []scriptedResult{{err: &exchange.Error{Kind: exchange.KindRejected, Code: 10009, Msg: "not_enough_funds"}}}
	rig.start(t, 2)
	defer rig.stop(t)

	half := 0.5
	rig.upstream.pushTicker("BTC-27MAR26-30000-C", 0.05, 30000, &half)
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)

	waitFor(t, 2*time.Second, func() bool { return rig.hedger.State() == StateFailed })
	stats := rig.hedger.Stats()
	if stats.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
}

func TestStopDuringHedgingAwaitsOutcome(t *testing.T) {
	rig := newTestRig(t, shortCallPortfolio(t), baseConfig())
	release := make(chan struct{})
	placed := make(chan exchange.OrderRequest, 1)
	rig.orders.block = release
	rig.orders.placedCh = placed
	rig.start(t, 2)

	half := 0.5
	rig.upstream.pushTicker("BTC-27MAR26-30000-C", 0.05, 30000, &half)
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)

	<-placed
	if got := rig.hedger.State(); got != StateHedging {
		t.Fatalf("expected hedging state while order in flight, got %s", got)
	}
	if rig.hedger.PendingLabel() == "" {
		t.Fatalf("expected pending order label while hedging")
	}

	rig.cancel()
	select {
	case <-rig.done:
		t.Fatalf("hedger must await the in-flight order")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-rig.done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hedger did not stop after order resolved")
	}
	if got := rig.hedger.State(); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	loaded, _ := rig.store.Load(context.Background(), "p1")
	if loaded.HedgePosition == nil || math.Abs(loaded.HedgePosition.Quantity-5) > 1e-9 {
		t.Fatalf("in-flight fill must be applied before stop, got %+v", loaded.HedgePosition)
	}
}

func TestPremiumHedgeRunsBeforeDynamic(t *testing.T) {
	p := portfolio.New("p1", "BTC")
	err := p.AddOption(portfolio.LegPosition{
		Instrument: "BTC-27MAR26-30000-C", Kind: portfolio.KindOption,
		Quantity: 0, Strike: 30000, OptionType: portfolio.Call,
		Expiry: time.Now().Add(90 * 24 * time.Hour),
	}, 1500)
	if err != nil {
		t.Fatalf("add option: %v", err)
	}
	rig := newTestRig(t, p, baseConfig())
	rig.start(t, 2)
	defer rig.stop(t)

	zero := 0.0
	rig.upstream.pushTicker("BTC-27MAR26-30000-C", 0.05, 30000, &zero)
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)

	waitFor(t, 2*time.Second, func() bool { return len(rig.orders.orders()) == 1 })
	order := rig.orders.orders()[0]
	if order.Side != exchange.Buy || math.Abs(order.Quantity-0.05) > 1e-9 {
		t.Fatalf("expected premium hedge of 0.05, got %+v", order)
	}
	waitFor(t, time.Second, func() bool {
		loaded, err := rig.store.Load(context.Background(), "p1")
		if err != nil {
			return false
		}
		ph := loaded.PremiumHedges["BTC-27MAR26-30000-C"]
		return math.Abs(ph.HedgedUSD-1500) < 1e-6
	})

	// settled premium: no second order on the next tick
	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)
	time.Sleep(50 * time.Millisecond)
	if len(rig.orders.orders()) != 1 {
		t.Fatalf("expected single premium hedge, got %d", len(rig.orders.orders()))
	}
}

func TestExpiredLegIsPersistedAndExcluded(t *testing.T) {
	p := portfolio.New("p1", "BTC")
	err := p.AddOption(portfolio.LegPosition{
		Instrument: "BTC-1AUG25-30000-C", Kind: portfolio.KindOption,
		Quantity: -10, Strike: 30000, OptionType: portfolio.Call,
		Expiry: time.Now().Add(-time.Hour),
	}, 0)
	if err != nil {
		t.Fatalf("add option: %v", err)
	}
	rig := newTestRig(t, p, baseConfig())
	rig.start(t, 2)
	defer rig.stop(t)

	rig.upstream.pushTicker("BTC-PERPETUAL", 30000, 30000, nil)
	waitFor(t, 2*time.Second, func() bool {
		loaded, err := rig.store.Load(context.Background(), "p1")
		if err != nil {
			return false
		}
		return loaded.Positions["BTC-1AUG25-30000-C"].Expired
	})
	if len(rig.orders.orders()) != 0 {
		t.Fatalf("expired leg must not be hedged, got %d orders", len(rig.orders.orders()))
	}
	waitFor(t, time.Second, func() bool { return rig.hedger.State() == StateArmed })
}

func TestSubscriptionsReleasedOnStop(t *testing.T) {
	rig := newTestRig(t, shortCallPortfolio(t), baseConfig())
	rig.start(t, 2)
	channel := marketdata.TickerChannel("BTC-PERPETUAL")
	waitFor(t, time.Second, func() bool { return rig.subs.Refs(channel) == 1 })
	rig.stop(t)
	if rig.subs.Refs(channel) != 0 {
		t.Fatalf("hedger leaked a subscription, refs=%d", rig.subs.Refs(channel))
	}
}
