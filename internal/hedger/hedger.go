package hedger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tashik/dneutral-sniper/internal/exchange"
	"github.com/tashik/dneutral-sniper/internal/marketdata"
	"github.com/tashik/dneutral-sniper/internal/metrics"
	"github.com/tashik/dneutral-sniper/internal/pnl"
	"github.com/tashik/dneutral-sniper/internal/portfolio"
	"github.com/tashik/dneutral-sniper/internal/pricing"

	"go.uber.org/zap"
)

// OrderClient is the slice of the exchange client a hedger needs.
type OrderClient interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	GetOrder(ctx context.Context, label string) (exchange.OrderAck, error)
	GetPosition(ctx context.Context, instrument string) (exchange.Position, error)
	GetInstrument(ctx context.Context, instrument string) (exchange.InstrumentInfo, error)
}

// Subscriptions hands out ref-counted market streams.
type Subscriptions interface {
	Acquire(ctx context.Context, channel string) (*marketdata.Stream, error)
	Release(s *marketdata.Stream)
}

// ManagerHandle is the narrow capability a hedger holds on its manager; it
// reports without owning the manager back.
type ManagerHandle interface {
	ReportState(portfolioID string, from, to State, reason string)
	ReportError(portfolioID string, err error)
}

type Stats struct {
	State             State
	CurrentDelta      float64
	LastHedgedDelta   float64
	PendingOrderID    string
	LastTickTime      time.Time
	OrdersSent        uint64
	Fills             uint64
	Errors            uint64
	ConsecutiveErrors int
	LastError         string
}

type Deps struct {
	Store   portfolio.Store
	Orders  OrderClient
	Subs    Subscriptions
	Pricer  pricing.Pricer
	Handle  ManagerHandle
	PnL     *pnl.Recorder
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

const (
	orderRetryBase        = 250 * time.Millisecond
	orderRetryMax         = 5
	maxConsecutiveRejects = 3
	storageRetryAttempts  = 3
	mergedQueueSize       = 128
	quantityEpsilon       = 1e-9
)

// Hedger maintains one portfolio's net delta at its target. The run loop is
// the single writer of all hedging state; tick handling, trigger evaluation,
// order submission and persistence happen strictly in sequence.
type Hedger struct {
	cfg     Config
	log     *zap.Logger
	store   portfolio.Store
	orders  OrderClient
	subs    Subscriptions
	pricer  pricing.Pricer
	handle  ManagerHandle
	pnl     *pnl.Recorder
	metrics *metrics.Metrics

	// owned by the run goroutine
	hedgeInfo exchange.InstrumentInfo
	snap      *portfolio.Portfolio
	marks     map[string]marketdata.MarketTick
	streams   []*marketdata.Stream

	reconcileCh chan struct{}

	mu            sync.Mutex
	state         State
	curDelta      float64
	lastHedged    float64
	pendingOrder  string
	lastTick      time.Time
	lastHedgeTime time.Time
	consecutive   int
	lastErr       string
	ordersSent    uint64
	fills         uint64
	errCount      uint64
	seq           uint64
}

func New(cfg Config, deps Deps) *Hedger {
	cfg.applyDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	pricer := deps.Pricer
	if pricer == nil {
		pricer = pricing.Black76{}
	}
	return &Hedger{
		cfg:         cfg,
		log:         deps.Log.With(zap.String("portfolio", cfg.PortfolioID)),
		store:       deps.Store,
		orders:      deps.Orders,
		subs:        deps.Subs,
		pricer:      pricer,
		handle:      deps.Handle,
		pnl:         deps.PnL,
		metrics:     m,
		marks:       make(map[string]marketdata.MarketTick),
		reconcileCh: make(chan struct{}, 1),
		state:       StateIdle,
		lastHedged:  cfg.TargetDelta,
	}
}

// Run drives the hedger until the context is cancelled. The loop selects
// over the merged tick stream, the cadence timer, the cooldown timer and
// reconcile requests.
func (h *Hedger) Run(ctx context.Context) error {
	h.transition(StateWarming, "started")
	if err := h.prepare(ctx); err != nil {
		h.fail(fmt.Sprintf("startup: %v", err))
		return err
	}
	defer h.releaseStreams()

	ticks := make(chan marketdata.MarketTick, mergedQueueSize)
	for _, s := range h.streams {
		go forward(ctx, s, ticks, h.log)
	}

	cadence := time.NewTicker(h.cfg.PriceCheckInterval)
	defer cadence.Stop()
	var cooldown <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			h.transition(StateStopped, "stop requested")
			return nil
		case tick := <-ticks:
			h.onTick(ctx, tick)
		case <-cadence.C:
			h.onSelfTick(ctx)
		case <-h.reconcileCh:
			h.reconcilePosition(ctx)
		case <-cooldown:
			cooldown = nil
			if h.State() == StateCooldown {
				h.transition(StateArmed, "cooldown elapsed")
				h.evaluate(ctx)
			}
		}
		if h.State() == StateCooldown && cooldown == nil {
			cooldown = time.After(h.cfg.Cooldown)
		}
	}
}

func (h *Hedger) prepare(ctx context.Context) error {
	snap, err := h.store.Load(ctx, h.cfg.PortfolioID)
	if err != nil {
		return err
	}
	h.snap = snap
	info, err := h.orders.GetInstrument(ctx, h.cfg.HedgeInstrument)
	if err != nil {
		return fmt.Errorf("resolve hedge instrument %s: %w", h.cfg.HedgeInstrument, err)
	}
	h.hedgeInfo = info
	for _, inst := range h.instrumentSet() {
		s, err := h.subs.Acquire(ctx, marketdata.TickerChannel(inst))
		if err != nil {
			h.releaseStreams()
			return fmt.Errorf("acquire %s: %w", inst, err)
		}
		h.streams = append(h.streams, s)
	}
	return nil
}

func (h *Hedger) instrumentSet() []string {
	seen := map[string]struct{}{h.cfg.HedgeInstrument: {}}
	out := []string{h.cfg.HedgeInstrument}
	for name := range h.snap.Positions {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (h *Hedger) releaseStreams() {
	for _, s := range h.streams {
		h.subs.Release(s)
	}
	h.streams = nil
}

func forward(ctx context.Context, s *marketdata.Stream, out chan<- marketdata.MarketTick, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Stale():
			log.Debug("market stream fell behind", zap.String("channel", s.Channel()))
		case tick := <-s.Ticks():
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hedger) onTick(ctx context.Context, tick marketdata.MarketTick) {
	h.marks[tick.Instrument] = tick
	h.mu.Lock()
	h.lastTick = time.Now()
	h.mu.Unlock()

	if leg, ok := h.snap.Positions[tick.Instrument]; ok {
		if tick.MarkPrice > 0 {
			leg.LastMark = tick.MarkPrice
		}
		if tick.HasGreeks {
			leg.LastDelta = tick.Delta
		}
		if tick.IV > 0 {
			leg.LastIV = tick.IV
		}
		h.snap.Positions[tick.Instrument] = leg
	}
	h.checkExpiries(ctx)

	switch h.State() {
	case StateWarming:
		if _, covered := h.computeNetDelta(time.Now()); covered {
			h.transition(StateArmed, "all legs priced")
			h.evaluate(ctx)
		}
	case StateArmed:
		h.evaluate(ctx)
	}
}

// onSelfTick re-evaluates from the last known marks when the market has gone
// quiet for a full cadence interval.
func (h *Hedger) onSelfTick(ctx context.Context) {
	h.mu.Lock()
	last := h.lastTick
	h.mu.Unlock()
	if !last.IsZero() && time.Since(last) < h.cfg.PriceCheckInterval {
		return
	}
	if h.State() != StateArmed {
		return
	}
	h.evaluate(ctx)
}

// checkExpiries zeroes the delta of legs past expiry and persists the change
// so the expiry is observable as a portfolio update.
func (h *Hedger) checkExpiries(ctx context.Context) {
	now := time.Now()
	for name, leg := range h.snap.Positions {
		if leg.Kind != portfolio.KindOption || leg.Expired || leg.Expiry.IsZero() || leg.Expiry.After(now) {
			continue
		}
		instrument := name
		saved, err := h.saveWithRetry(ctx, func(p *portfolio.Portfolio) error {
			l, ok := p.Positions[instrument]
			if !ok {
				return nil
			}
			l.Expired = true
			l.LastDelta = 0
			p.Positions[instrument] = l
			return nil
		})
		if err != nil {
			h.log.Warn("persisting leg expiry failed", zap.String("instrument", instrument), zap.Error(err))
			continue
		}
		h.snap = saved
		h.log.Info("option leg expired, excluded from delta", zap.String("instrument", instrument))
	}
}

func (h *Hedger) evaluate(ctx context.Context) {
	if h.State() != StateArmed {
		return
	}
	now := time.Now()
	net, covered := h.computeNetDelta(now)
	h.mu.Lock()
	h.curDelta = net
	lastHedged := h.lastHedged
	lastHedgeTime := h.lastHedgeTime
	h.mu.Unlock()
	h.recordSample(net)
	if !covered {
		return
	}
	if h.premiumHedge(ctx) {
		return
	}

	step := stepFor(h.cfg, h.snap.Positions, h.spotPrice())
	overdue := !lastHedgeTime.IsZero() &&
		now.Sub(lastHedgeTime) >= h.cfg.MaxHedgeInterval &&
		math.Abs(net-h.cfg.TargetDelta) >= h.cfg.MinTriggerDelta
	if !shouldHedge(h.cfg, step, net, lastHedged) && !overdue {
		return
	}
	h.hedge(ctx, net)
}

func (h *Hedger) hedge(ctx context.Context, netAtSend float64) {
	price := h.orderPrice()
	if price <= 0 {
		return
	}
	qty := hedgeQuantity(h.cfg, netAtSend, price, h.hedgeInfo.LotSize)
	if qty == 0 {
		h.log.Debug("hedge below lot or notional minimum, skipping",
			zap.Float64("net_delta", netAtSend), zap.Float64("price", price))
		return
	}
	side := exchange.Buy
	if qty < 0 {
		side = exchange.Sell
	}
	label := h.nextLabel()
	h.transition(StateHedging, fmt.Sprintf("hedging %.6f %s", qty, h.cfg.HedgeInstrument))
	h.setPending(label)
	defer h.clearPending()

	ack, err := h.submit(ctx, exchange.OrderRequest{
		Instrument: h.cfg.HedgeInstrument,
		Side:       side,
		Quantity:   math.Abs(qty),
		Type:       exchange.Market,
		Label:      label,
	})
	if err != nil {
		h.onOrderError(ctx, err)
		return
	}
	h.onOrderOutcome(ctx, netAtSend, qty, ack)
}

// submit places the order, retrying transient failures with doubling backoff
// starting at 250ms. Order calls are detached from the stop signal so an
// in-flight order is always awaited.
func (h *Hedger) submit(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	h.mu.Lock()
	h.ordersSent++
	h.mu.Unlock()
	h.metrics.OrdersPlaced.Inc()

	delay := orderRetryBase
	var lastErr error
	for attempt := 0; attempt <= orderRetryMax; attempt++ {
		orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.OrderTimeout)
		ack, err := h.orders.PlaceOrder(orderCtx, req)
		cancel()
		if err == nil {
			return ack, nil
		}
		lastErr = err
		var e *exchange.Error
		if !errors.As(err, &e) || !e.Retryable {
			return exchange.OrderAck{}, err
		}
		if e.Kind == exchange.KindRejected {
			if h.bumpConsecutive() >= maxConsecutiveRejects {
				return exchange.OrderAck{}, err
			}
		}
		if attempt == orderRetryMax {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return exchange.OrderAck{}, lastErr
		}
		delay *= 2
	}
	return exchange.OrderAck{}, lastErr
}

func (h *Hedger) onOrderOutcome(ctx context.Context, netAtSend, requested float64, ack exchange.OrderAck) {
	if ack.State == exchange.OrderRejected {
		h.onOrderError(ctx, &exchange.Error{Kind: exchange.KindRejected, Msg: "order rejected by venue"})
		return
	}
	if ack.FilledQty <= 0 {
		// IOC missed; re-arm and let the next tick re-evaluate
		h.transition(StateArmed, "order expired without fill")
		return
	}
	filled := ack.FilledQty
	if requested < 0 {
		filled = -filled
	}
	price := ack.AvgPrice
	if price <= 0 {
		price = h.orderPrice()
	}
	saved, err := h.saveWithRetry(ctx, func(p *portfolio.Portfolio) error {
		return p.ApplyHedgeFill(h.cfg.HedgeInstrument, h.hedgeKind(), filled, price, h.hedgeInfo.Linear())
	})
	if err != nil {
		h.fail(fmt.Sprintf("persisting hedge fill: %v", err))
		return
	}
	h.snap = saved

	// the delta we leave behind: at-send delta plus what the fill offset
	netAfter := netAtSend + filled
	now := time.Now()
	h.mu.Lock()
	h.lastHedged = netAfter
	h.lastHedgeTime = now
	h.consecutive = 0
	h.fills++
	h.mu.Unlock()
	h.metrics.HedgesExecuted.Inc()

	h.recordSample(netAfter)
	reason := "hedge filled"
	if math.Abs(filled-requested) > quantityEpsilon {
		reason = "partial fill applied, remainder cancelled"
	}
	h.transition(StateCooldown, reason)
	h.log.Info("hedge executed",
		zap.Float64("requested", requested),
		zap.Float64("filled", filled),
		zap.Float64("price", price),
		zap.Float64("net_delta_at_send", netAtSend))
}

func (h *Hedger) onOrderError(ctx context.Context, err error) {
	h.metrics.OrdersFailed.Inc()
	h.mu.Lock()
	h.errCount++
	h.lastErr = err.Error()
	consecutive := h.consecutive
	h.mu.Unlock()
	if h.handle != nil {
		h.handle.ReportError(h.cfg.PortfolioID, err)
	}
	var e *exchange.Error
	switch {
	case errors.As(err, &e) && (e.Kind == exchange.KindTransport || e.Kind == exchange.KindTimeout || e.Kind == exchange.KindRateLimited):
		h.reconcilePosition(ctx)
		h.transition(StateArmed, "transport error, position reconciled")
	case errors.As(err, &e) && exchange.IsExpiredInstrument(err):
		h.fail(fmt.Sprintf("hedge instrument expired: %v", err))
	case errors.As(err, &e) && e.Kind == exchange.KindRejected && e.Retryable && consecutive < maxConsecutiveRejects:
		h.transition(StateArmed, "retryable rejection")
	default:
		h.fail(fmt.Sprintf("order failed: %v", err))
	}
}

// TriggerReconcile asks the run loop to resync the hedge position with venue
// truth; safe to call from any goroutine.
func (h *Hedger) TriggerReconcile() {
	select {
	case h.reconcileCh <- struct{}{}:
	default:
	}
}

func (h *Hedger) reconcilePosition(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.OrderTimeout)
	defer cancel()
	pos, err := h.orders.GetPosition(rctx, h.cfg.HedgeInstrument)
	if err != nil {
		h.log.Warn("position reconciliation failed", zap.Error(err))
		return
	}
	venueQty := pos.SignedSize()
	localQty := 0.0
	if h.snap.HedgePosition != nil {
		localQty = h.snap.HedgePosition.Quantity
	}
	if math.Abs(venueQty-localQty) < quantityEpsilon {
		return
	}
	h.log.Warn("hedge position diverged from venue, converging",
		zap.Float64("local", localQty), zap.Float64("venue", venueQty))
	saved, err := h.saveWithRetry(ctx, func(p *portfolio.Portfolio) error {
		if p.HedgePosition == nil {
			if venueQty == 0 {
				return nil
			}
			p.HedgePosition = &portfolio.LegPosition{Instrument: h.cfg.HedgeInstrument, Kind: h.hedgeKind()}
		}
		p.HedgePosition.Quantity = venueQty
		if pos.AveragePrice > 0 {
			p.HedgePosition.AvgEntryPrice = pos.AveragePrice
		}
		return nil
	})
	if err != nil {
		h.log.Warn("persisting reconciled position failed", zap.Error(err))
		return
	}
	h.snap = saved
}

// premiumHedge executes the static hedge of option entry premiums: any
// outstanding needed-vs-hedged USD gap is rounded up to min_hedge_usd units
// and traded on the hedge instrument, then distributed back over the legs
// proportionally. Returns true when an order was attempted this cycle.
func (h *Hedger) premiumHedge(ctx context.Context) bool {
	if len(h.snap.PremiumHedges) == 0 {
		return false
	}
	required := 0.0
	for _, ph := range h.snap.PremiumHedges {
		if gap := ph.NeededUSD - ph.HedgedUSD; math.Abs(gap) > h.cfg.MinHedgeUSD {
			required += gap
		}
	}
	if math.Abs(required) < h.cfg.MinHedgeUSD {
		return false
	}
	price := h.orderPrice()
	if price <= 0 {
		return false
	}
	units := math.Ceil(math.Abs(required) / h.cfg.MinHedgeUSD)
	usd := math.Copysign(units*h.cfg.MinHedgeUSD, required)
	qty := truncateToLot(usd/price, h.hedgeInfo.LotSize)
	if qty == 0 {
		return false
	}
	side := exchange.Buy
	if qty < 0 {
		side = exchange.Sell
	}
	label := h.nextLabel()
	h.transition(StateHedging, "hedging option premium")
	h.setPending(label)
	defer h.clearPending()

	ack, err := h.submit(ctx, exchange.OrderRequest{
		Instrument: h.cfg.HedgeInstrument,
		Side:       side,
		Quantity:   math.Abs(qty),
		Type:       exchange.Market,
		Label:      label,
	})
	if err != nil {
		h.onOrderError(ctx, err)
		return true
	}
	if ack.FilledQty <= 0 {
		h.transition(StateArmed, "premium hedge expired without fill")
		return true
	}
	filled := ack.FilledQty
	if qty < 0 {
		filled = -filled
	}
	fillPrice := ack.AvgPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	filledUSD := filled * fillPrice
	saved, err := h.saveWithRetry(ctx, func(p *portfolio.Portfolio) error {
		if err := p.ApplyHedgeFill(h.cfg.HedgeInstrument, h.hedgeKind(), filled, fillPrice, h.hedgeInfo.Linear()); err != nil {
			return err
		}
		p.PremiumHedgeQty += filled
		for name, ph := range p.PremiumHedges {
			gap := ph.NeededUSD - ph.HedgedUSD
			if math.Abs(gap) <= h.cfg.MinHedgeUSD {
				continue
			}
			ph.HedgedUSD += filledUSD * (gap / required)
			p.PremiumHedges[name] = ph
		}
		return nil
	})
	if err != nil {
		h.fail(fmt.Sprintf("persisting premium hedge: %v", err))
		return true
	}
	h.snap = saved
	h.mu.Lock()
	h.fills++
	h.consecutive = 0
	h.lastHedgeTime = time.Now()
	h.mu.Unlock()
	h.metrics.HedgesExecuted.Inc()
	h.transition(StateCooldown, "premium hedge filled")
	h.log.Info("premium hedge executed", zap.Float64("usd", filledUSD), zap.Float64("qty", filled))
	return true
}

func (h *Hedger) recordSample(net float64) {
	if h.pnl == nil {
		return
	}
	h.pnl.Record(pnl.Sample{
		PortfolioID: h.cfg.PortfolioID,
		Time:        time.Now(),
		Realized:    h.snap.RealizedPnL,
		Unrealized:  h.snap.UnrealizedPnL(h.spotPrice()),
		NetDelta:    net,
	})
}

func (h *Hedger) saveWithRetry(ctx context.Context, mutate func(*portfolio.Portfolio) error) (*portfolio.Portfolio, error) {
	delay := 100 * time.Millisecond
	var saved *portfolio.Portfolio
	var err error
	for attempt := 0; attempt < storageRetryAttempts; attempt++ {
		saved, err = h.store.Save(ctx, h.cfg.PortfolioID, mutate)
		if err == nil {
			return saved, nil
		}
		if errors.Is(err, portfolio.ErrNotFound) {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, err
		}
		delay *= 2
	}
	return nil, err
}

// orderPrice is the hedge instrument's latest mark, falling back to spot.
func (h *Hedger) orderPrice() float64 {
	if tick, ok := h.marks[h.cfg.HedgeInstrument]; ok && tick.MarkPrice > 0 {
		return tick.MarkPrice
	}
	return h.spotPrice()
}

func (h *Hedger) hedgeKind() portfolio.ContractKind {
	if strings.Contains(h.cfg.HedgeInstrument, "PERPETUAL") || h.hedgeInfo.Kind == "perpetual" {
		return portfolio.KindPerpetual
	}
	return portfolio.KindFuture
}

func (h *Hedger) nextLabel() string {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()
	return fmt.Sprintf("h:%s:%d", h.cfg.PortfolioID, seq)
}

func (h *Hedger) setPending(label string) {
	h.mu.Lock()
	h.pendingOrder = label
	h.mu.Unlock()
}

func (h *Hedger) clearPending() {
	h.mu.Lock()
	h.pendingOrder = ""
	h.mu.Unlock()
}

// PendingLabel is the idempotency label of the in-flight order, if any. The
// manager uses it to reconcile orders still pending after a stop.
func (h *Hedger) PendingLabel() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingOrder
}

func (h *Hedger) bumpConsecutive() int {
	h.mu.Lock()
	h.consecutive++
	n := h.consecutive
	h.mu.Unlock()
	return n
}

func (h *Hedger) fail(reason string) {
	h.metrics.HedgersFailed.Inc()
	h.mu.Lock()
	h.lastErr = reason
	h.mu.Unlock()
	h.transition(StateFailed, reason)
}

func (h *Hedger) transition(to State, reason string) {
	h.mu.Lock()
	from := h.state
	if from == to || !canTransition(from, to) {
		h.mu.Unlock()
		return
	}
	h.state = to
	h.mu.Unlock()
	h.log.Info("hedger state changed",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	if h.handle != nil {
		h.handle.ReportState(h.cfg.PortfolioID, from, to, reason)
	}
}

func (h *Hedger) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hedger) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		State:             h.state,
		CurrentDelta:      h.curDelta,
		LastHedgedDelta:   h.lastHedged,
		PendingOrderID:    h.pendingOrder,
		LastTickTime:      h.lastTick,
		OrdersSent:        h.ordersSent,
		Fills:             h.fills,
		Errors:            h.errCount,
		ConsecutiveErrors: h.consecutive,
		LastError:         h.lastErr,
	}
}
