package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tashik/dneutral-sniper/internal/bus"
	"github.com/tashik/dneutral-sniper/internal/exchange"
	"github.com/tashik/dneutral-sniper/internal/hedger"
	"github.com/tashik/dneutral-sniper/internal/metrics"
	"github.com/tashik/dneutral-sniper/internal/pnl"
	"github.com/tashik/dneutral-sniper/internal/portfolio"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Exchange is the venue surface the manager wires into hedgers, plus the
// session-level facilities it consumes itself.
type Exchange interface {
	hedger.OrderClient
	SubscribeSettlements(ctx context.Context, currency string, handler func(exchange.Settlement)) error
	OnReconnect(fn func())
}

// Subscriptions is the ref-counted stream fabric shared by all hedgers.
type Subscriptions interface {
	hedger.Subscriptions
	Close()
}

type Options struct {
	Defaults    hedger.Config
	Resolver    hedger.InstrumentResolver
	StopTimeout time.Duration
}

const maxReconcileTasks = 16

type runner struct {
	h               *hedger.Hedger
	hedgeInstrument string
	cancel          context.CancelFunc
	done            chan error
}

// Manager owns the hedger fleet: one hedger per portfolio, started and
// stopped here and nowhere else.
type Manager struct {
	opts    Options
	log     *zap.Logger
	store   portfolio.Store
	exch    Exchange
	subs    Subscriptions
	bus     *bus.Bus
	pnl     *pnl.Recorder
	metrics *metrics.Metrics

	reconcileTasks atomic.Int32

	mu          sync.Mutex
	runners     map[string]*runner
	settlements map[string]struct{}
	closed      bool
}

func New(opts Options, store portfolio.Store, exch Exchange, subs Subscriptions, b *bus.Bus, rec *pnl.Recorder, m *metrics.Metrics, log *zap.Logger) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = hedger.DefaultInstrumentResolver
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	mgr := &Manager{
		opts:        opts,
		log:         log,
		store:       store,
		exch:        exch,
		subs:        subs,
		bus:         b,
		pnl:         rec,
		metrics:     m,
		runners:     make(map[string]*runner),
		settlements: make(map[string]struct{}),
	}
	exch.OnReconnect(mgr.reconcileAll)
	return mgr
}

var (
	ErrShuttingDown = errors.New("hedging manager is shutting down")
	ErrNotRunning   = errors.New("no hedger running for portfolio")
)

// StartHedger is idempotent: a second start for the same portfolio is a
// no-op while its hedger is alive.
func (m *Manager) StartHedger(ctx context.Context, portfolioID string, override *hedger.Config) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if r, ok := m.runners[portfolioID]; ok {
		select {
		case <-r.done:
			// previous run finished; fall through and replace it
		default:
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	p, err := m.store.Load(ctx, portfolioID)
	if err != nil {
		return err
	}
	cfg := m.opts.Defaults
	if override != nil {
		cfg = *override
	}
	cfg.PortfolioID = portfolioID
	if cfg.HedgeInstrument == "" {
		cfg.HedgeInstrument = m.opts.Resolver(p.Underlying)
	}
	h := hedger.New(cfg, hedger.Deps{
		Store:   m.store,
		Orders:  m.exch,
		Subs:    m.subs,
		Handle:  m,
		PnL:     m.pnl,
		Metrics: m.metrics,
		Log:     m.log,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	r := &runner{h: h, hedgeInstrument: cfg.HedgeInstrument, cancel: cancel, done: make(chan error, 1)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrShuttingDown
	}
	m.runners[portfolioID] = r
	m.mu.Unlock()

	go func() { r.done <- h.Run(runCtx) }()
	m.ensureSettlementFeed(ctx, p.Underlying)
	m.log.Info("hedger started",
		zap.String("portfolio", portfolioID), zap.String("hedge_instrument", cfg.HedgeInstrument))
	return nil
}

// StopHedger cancels the hedger and waits for a graceful drain. If an order
// is still pending past the stop timeout, a bounded fire-and-forget task
// reconciles its outcome so venue state converges after the stop.
func (m *Manager) StopHedger(ctx context.Context, portfolioID string) error {
	m.mu.Lock()
	r, ok := m.runners[portfolioID]
	if ok {
		delete(m.runners, portfolioID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", portfolioID, ErrNotRunning)
	}

	r.cancel()
	select {
	case <-r.done:
	case <-time.After(m.opts.StopTimeout):
		m.log.Warn("hedger did not drain in time", zap.String("portfolio", portfolioID))
		m.spawnReconcile(portfolioID, r)
	}
	m.log.Info("hedger stopped", zap.String("portfolio", portfolioID))
	return nil
}

func (m *Manager) RestartHedger(ctx context.Context, portfolioID string, override *hedger.Config) error {
	if err := m.StopHedger(ctx, portfolioID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return m.StartHedger(ctx, portfolioID, override)
}

func (m *Manager) HedgerStats(portfolioID string) (hedger.Stats, bool) {
	m.mu.Lock()
	r, ok := m.runners[portfolioID]
	m.mu.Unlock()
	if !ok {
		return hedger.Stats{}, false
	}
	return r.h.Stats(), true
}

func (m *Manager) ListHedgers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runners))
	for id := range m.runners {
		out = append(out, id)
	}
	return out
}

// AddOptionLeg persists a new option leg and restarts the portfolio's hedger
// if one is running, so it picks up the new market subscription.
func (m *Manager) AddOptionLeg(ctx context.Context, portfolioID string, leg portfolio.LegPosition, premiumUSD float64) error {
	if _, err := m.store.Save(ctx, portfolioID, func(p *portfolio.Portfolio) error {
		return p.AddOption(leg, premiumUSD)
	}); err != nil {
		return err
	}
	return m.restartIfRunning(ctx, portfolioID)
}

// RemoveOptionLeg is the inverse of AddOptionLeg.
func (m *Manager) RemoveOptionLeg(ctx context.Context, portfolioID, instrument string) error {
	if _, err := m.store.Save(ctx, portfolioID, func(p *portfolio.Portfolio) error {
		return p.RemoveOption(instrument)
	}); err != nil {
		return err
	}
	return m.restartIfRunning(ctx, portfolioID)
}

func (m *Manager) restartIfRunning(ctx context.Context, portfolioID string) error {
	m.mu.Lock()
	_, running := m.runners[portfolioID]
	m.mu.Unlock()
	if !running {
		return nil
	}
	return m.RestartHedger(ctx, portfolioID, nil)
}

// Shutdown stops every hedger in parallel, then closes the subscription
// fabric. The exchange session is closed by the host afterwards.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, id := range ids {
		id := id
		wg.Go(func() {
			if err := m.StopHedger(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				m.log.Warn("stopping hedger failed", zap.String("portfolio", id), zap.Error(err))
			}
		})
	}
	wg.Wait()
	m.subs.Close()
	m.log.Info("hedging manager shut down", zap.Int("hedgers", len(ids)))
}

// ReportState implements hedger.ManagerHandle.
func (m *Manager) ReportState(portfolioID string, from, to hedger.State, reason string) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:        bus.HedgerStateChanged,
			PortfolioID: portfolioID,
			Data:        bus.StateChange{From: string(from), To: string(to), Reason: reason},
		})
	}
}

// ReportError implements hedger.ManagerHandle. Hedger-local errors stay
// contained; they are surfaced, not propagated.
func (m *Manager) ReportError(portfolioID string, err error) {
	m.log.Warn("hedger error", zap.String("portfolio", portfolioID), zap.Error(err))
}

func (m *Manager) reconcileAll() {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.h.TriggerReconcile()
	}
}

func (m *Manager) ensureSettlementFeed(ctx context.Context, underlying string) {
	m.mu.Lock()
	if _, ok := m.settlements[underlying]; ok {
		m.mu.Unlock()
		return
	}
	m.settlements[underlying] = struct{}{}
	m.mu.Unlock()
	if err := m.exch.SubscribeSettlements(ctx, underlying, m.onSettlement); err != nil {
		m.log.Warn("settlement subscription failed", zap.String("underlying", underlying), zap.Error(err))
		m.mu.Lock()
		delete(m.settlements, underlying)
		m.mu.Unlock()
	}
}

// onSettlement credits funding payments to the balance of every portfolio
// hedged with the settling instrument.
func (m *Manager) onSettlement(s exchange.Settlement) {
	if s.Funding == 0 {
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.runners))
	for id, r := range m.runners {
		if r.hedgeInstrument == s.Instrument {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if _, err := m.store.Save(ctx, id, func(p *portfolio.Portfolio) error {
			p.Balance += s.Funding
			return nil
		}); err != nil {
			m.log.Warn("applying funding failed", zap.String("portfolio", id), zap.Error(err))
		}
	}
}

// spawnReconcile resolves an order still pending after stop and converges
// the stored hedge position to the venue's. The task count is bounded.
func (m *Manager) spawnReconcile(portfolioID string, r *runner) {
	if m.reconcileTasks.Add(1) > maxReconcileTasks {
		m.reconcileTasks.Add(-1)
		m.log.Error("reconciliation task limit reached, skipping", zap.String("portfolio", portfolioID))
		return
	}
	go func() {
		defer m.reconcileTasks.Add(-1)
		// let the hedger finish its in-flight order first
		select {
		case <-r.done:
		case <-time.After(m.opts.StopTimeout):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if label := r.h.PendingLabel(); label != "" {
			if ack, err := m.exch.GetOrder(ctx, label); err != nil {
				m.log.Warn("post-stop order reconciliation failed", zap.String("label", label), zap.Error(err))
			} else {
				m.log.Info("post-stop order resolved",
					zap.String("label", label), zap.String("state", string(ack.State)))
			}
		}
		pos, err := m.exch.GetPosition(ctx, r.hedgeInstrument)
		if err != nil {
			m.log.Warn("post-stop position reconciliation failed", zap.Error(err))
			return
		}
		if _, err := m.store.Save(ctx, portfolioID, func(p *portfolio.Portfolio) error {
			if p.HedgePosition == nil {
				if pos.SignedSize() == 0 {
					return nil
				}
				p.HedgePosition = &portfolio.LegPosition{Instrument: r.hedgeInstrument, Kind: portfolio.KindPerpetual}
			}
			p.HedgePosition.Quantity = pos.SignedSize()
			if pos.AveragePrice > 0 {
				p.HedgePosition.AvgEntryPrice = pos.AveragePrice
			}
			return nil
		}); err != nil {
			m.log.Warn("persisting post-stop reconciliation failed", zap.Error(err))
		}
	}()
}
