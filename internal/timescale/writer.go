package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"hl-rsi-bot/internal/config"
)

const writeTimeout = 3 * time.Second

type Candle struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Ticks    int
}

// Decision is one row of the signal journal.
type Decision struct {
	Time          time.Time
	Symbol        string
	Close         float64
	Oscillator    float64
	Warm          bool
	Band          string
	Action        string
	Reason        string
	Side          string
	Quantity      string
	Price         float64
	ClientOrderID string
	OrderID       int64
	Error         string
}

type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	decisions    chan Decision
	candles      chan Candle
	started      atomic.Bool
	dropDecision atomic.Uint64
	dropCandle   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, log, schema, cfg.QueueSize)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		decisions: make(chan Decision, queueSize),
		candles:   make(chan Candle, queueSize),
	}
}

// Run drains both queues until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-w.decisions:
			w.writeDecision(ctx, d)
		case candle := <-w.candles:
			w.writeCandle(ctx, candle)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueDecision(d Decision) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- d:
	default:
		if w.dropDecision.Add(1) == 1 {
			w.log.Warn("timescale decision queue full")
		}
	}
}

func (w *Writer) EnqueueCandle(candle Candle) {
	if w == nil {
		return
	}
	select {
	case w.candles <- candle:
	default:
		if w.dropCandle.Add(1) == 1 {
			w.log.Warn("timescale candle queue full")
		}
	}
}

// Dropped reports how many decisions and candles were discarded on a full
// queue.
func (w *Writer) Dropped() (decisions, candles uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropDecision.Load(), w.dropCandle.Load()
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		ticks INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (ts, symbol, interval)
	)`, w.table("market_ohlc"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		rsi DOUBLE PRECISION NOT NULL,
		warm BOOLEAN NOT NULL,
		band TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		cloid TEXT NOT NULL,
		oid BIGINT NOT NULL,
		error TEXT NOT NULL
	)`, w.table("rsi_decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ohlc", "rsi_decisions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeDecision(ctx context.Context, d Decision) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, close, rsi, warm, band, action, reason, side, quantity, price, cloid, oid, error
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)`, w.table("rsi_decisions"))
	if _, err := w.db.ExecContext(ctx, query,
		d.Time,
		d.Symbol,
		d.Close,
		d.Oscillator,
		d.Warm,
		d.Band,
		d.Action,
		d.Reason,
		d.Side,
		d.Quantity,
		d.Price,
		d.ClientOrderID,
		d.OrderID,
		d.Error,
	); err != nil {
		w.log.Warn("timescale decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCandle(ctx context.Context, candle Candle) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, interval, open, high, low, close, ticks
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)
	ON CONFLICT (ts, symbol, interval) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		ticks = EXCLUDED.ticks`, w.table("market_ohlc"))
	if _, err := w.db.ExecContext(ctx, query,
		candle.Start,
		candle.Symbol,
		candle.Interval,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.Ticks,
	); err != nil {
		w.log.Warn("timescale candle upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
