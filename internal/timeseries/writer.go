package timeseries

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tashik/dneutral-sniper/internal/config"
	"github.com/tashik/dneutral-sniper/internal/pnl"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Writer streams PnL samples into Postgres/Timescale through a buffered
// channel; a full buffer drops rather than blocks the hedging path. A nil
// Writer is a valid no-op sink.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	samples chan pnl.Sample
	started atomic.Bool
	dropped atomic.Uint64
	done    chan struct{}
}

// New returns nil when no DSN is configured.
func New(cfg config.TimeseriesConfig, log *zap.Logger) (*Writer, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		db:      db,
		log:     log,
		schema:  cfg.Schema,
		samples: make(chan pnl.Sample, 1024),
		done:    make(chan struct{}),
	}
	if err := w.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.pnl_samples (
		time TIMESTAMPTZ NOT NULL,
		portfolio_id TEXT NOT NULL,
		realized DOUBLE PRECISION NOT NULL,
		unrealized DOUBLE PRECISION NOT NULL,
		net_delta DOUBLE PRECISION NOT NULL
	)`, w.schema)
	_, err := w.db.ExecContext(ctx, stmt)
	return err
}

// Start launches the background flusher. Safe to call on a nil Writer.
func (w *Writer) Start(ctx context.Context) {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-w.samples:
			w.writeSample(s)
		}
	}
}

func (w *Writer) RecordSample(s pnl.Sample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- s:
	default:
		w.dropped.Add(1)
	}
}

// Dropped reports how many samples were discarded due to backpressure.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) writeSample(s pnl.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s.pnl_samples (time, portfolio_id, realized, unrealized, net_delta) VALUES ($1, $2, $3, $4, $5)`, w.schema)
	if _, err := w.db.ExecContext(ctx, query, s.Time, s.PortfolioID, s.Realized, s.Unrealized, s.NetDelta); err != nil {
		w.log.Warn("pnl sample write failed", zap.Error(err))
	}
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if w.started.Load() {
		select {
		case <-w.done:
		case <-time.After(writeTimeout):
		}
	}
	return w.db.Close()
}
