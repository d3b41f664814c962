package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tashik/dneutral-sniper/internal/alerts"
	"github.com/tashik/dneutral-sniper/internal/bus"
	"github.com/tashik/dneutral-sniper/internal/config"
	"github.com/tashik/dneutral-sniper/internal/exchange"
	"github.com/tashik/dneutral-sniper/internal/hedger"
	"github.com/tashik/dneutral-sniper/internal/manager"
	"github.com/tashik/dneutral-sniper/internal/marketdata"
	"github.com/tashik/dneutral-sniper/internal/metrics"
	"github.com/tashik/dneutral-sniper/internal/pnl"
	"github.com/tashik/dneutral-sniper/internal/portfolio"
	"github.com/tashik/dneutral-sniper/internal/state/sqlite"
	"github.com/tashik/dneutral-sniper/internal/timeseries"

	"go.uber.org/zap"
)

// App owns the long-lived components and their shutdown order: hedgers
// first, then the subscription fabric, then the exchange session.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	labels  *sqlite.Store
	bus     *bus.Bus
	store   *portfolio.FileStore
	exch    *exchange.Client
	subs    *marketdata.Manager
	rec     *pnl.Recorder
	ts      *timeseries.Writer
	alerter *alerts.Telegram
	manager *manager.Manager
	mtr     *metrics.Metrics
	promSrv *http.Server
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	labels, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	mtr := metrics.NewNoop()
	var promSrv *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		mtr = prom.Metrics
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		promSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}

	b := bus.New(0)
	store, err := portfolio.NewFileStore(cfg.PortfoliosDir, b, log)
	if err != nil {
		labels.Close()
		return nil, err
	}

	exch := exchange.NewClient(exchange.Options{
		URL:          cfg.Exchange.URL,
		Key:          cfg.Exchange.Key,
		Secret:       cfg.Exchange.Secret,
		CallTimeout:  cfg.Exchange.CallTimeout,
		OrderTimeout: cfg.Exchange.OrderTimeout,
		PingInterval: cfg.Exchange.PingInterval,
		MaxReconnect: cfg.Exchange.MaxReconnect,
		Labels:       labels,
		Metrics:      mtr,
	}, log)

	subs := marketdata.NewManager(exch, log, mtr, cfg.Hedging.SubscriptionLinger, marketdata.DefaultQueueSize)
	rec := pnl.NewRecorder(b, log, cfg.Hedging.PnLHistoryDepth, cfg.Hedging.PnLPublishInterval)

	ts, err := timeseries.New(cfg.Timeseries, log)
	if err != nil {
		labels.Close()
		return nil, err
	}

	mgr := manager.New(manager.Options{
		Defaults: hedger.Config{
			TargetDelta:        cfg.Hedging.TargetDelta,
			MinTriggerDelta:    cfg.Hedging.MinTriggerDelta,
			StepMode:           hedger.StepMode(cfg.Hedging.StepMode),
			StepSize:           cfg.Hedging.StepSize,
			PriceCheckInterval: cfg.Hedging.PriceCheckInterval,
			MinHedgeUSD:        cfg.Hedging.MinHedgeUSD,
			MaxHedgeInterval:   cfg.Hedging.MaxHedgeInterval,
			Cooldown:           cfg.Hedging.Cooldown,
			OrderTimeout:       cfg.Exchange.OrderTimeout,
			Volatility:         cfg.Hedging.Volatility,
			RiskFreeRate:       cfg.Hedging.RiskFreeRate,
		},
		StopTimeout: cfg.Hedging.StopTimeout,
	}, store, exch, subs, b, rec, mtr, log)

	return &App{
		cfg:     cfg,
		log:     log,
		labels:  labels,
		bus:     b,
		store:   store,
		exch:    exch,
		subs:    subs,
		rec:     rec,
		ts:      ts,
		alerter: alerts.NewTelegram(cfg.Telegram, log),
		manager: mgr,
		mtr:     mtr,
		promSrv: promSrv,
	}, nil
}

// Bus exposes the event stream for an embedding shell (HTTP/WebSocket API).
func (a *App) Bus() *bus.Bus { return a.bus }

// Manager exposes hedger lifecycle control for an embedding shell.
func (a *App) Manager() *manager.Manager { return a.manager }

// Store exposes portfolio persistence for an embedding shell.
func (a *App) Store() portfolio.Store { return a.store }

func (a *App) Run(ctx context.Context) error {
	if err := a.exch.Start(ctx); err != nil {
		return err
	}
	if a.promSrv != nil {
		go func() {
			if err := a.promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	go a.rec.Run(ctx)
	a.ts.Start(ctx)
	go alerts.Watch(ctx, a.bus, a.alerter, a.log)
	go a.forwardSamples(ctx)

	portfolios, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range portfolios {
		if err := a.manager.StartHedger(ctx, p.ID, nil); err != nil {
			a.log.Warn("starting hedger failed", zap.String("portfolio", p.ID), zap.Error(err))
		}
	}
	a.log.Info("hedging engine running", zap.Int("portfolios", len(portfolios)))

	select {
	case <-ctx.Done():
	case <-a.exch.Done():
		if err := a.exch.Err(); err != nil {
			a.shutdown()
			return err
		}
	}
	a.shutdown()
	return nil
}

// forwardSamples mirrors published PnL updates into the timeseries sink.
func (a *App) forwardSamples(ctx context.Context) {
	if a.ts == nil {
		return
	}
	events, cancel := a.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != bus.PnLUpdate {
				continue
			}
			if samples, ok := ev.Data.([]pnl.Sample); ok {
				for _, s := range samples {
					a.ts.RecordSample(s)
				}
			}
		}
	}
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.manager.Shutdown(shutdownCtx)
	_ = a.exch.Close()
	if a.promSrv != nil {
		_ = a.promSrv.Shutdown(shutdownCtx)
	}
	_ = a.ts.Close()
	_ = a.labels.Close()
	a.log.Info("shutdown complete")
}
