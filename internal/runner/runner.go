package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/exec"
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/metrics"
	"hl-rsi-bot/internal/strategy"
)

var (
	ErrAlreadyStarted = errors.New("runner already started")
	ErrStopped        = errors.New("runner stopped")
)

type TickSource interface {
	Subscribe(ctx context.Context, symbol string, onTick func(market.Tick)) (func(), error)
}

type ScaleLookup interface {
	QuantityScale(ctx context.Context, symbol string) (int, error)
}

type Submitter interface {
	Buy(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error)
	Sell(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error)
}

type Config struct {
	Symbol            string
	Interval          time.Duration
	Period            int
	Low               float64
	High              float64
	NotionalUSD       float64
	MaxOrdersPerCycle int
	CloseRetention    int
	QueueSize         int
	SlippageBps       float64
}

type Deps struct {
	Feed      TickSource
	Scales    ScaleLookup
	Submitter Submitter
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Observers []Observer
}

// Runner drives one symbol: ticks become candles, candles become RSI
// readings, readings move the position cycle and may submit an order.
// All state below the lifecycle fields is owned by the loop goroutine.
type Runner struct {
	cfg       Config
	feed      TickSource
	scales    ScaleLookup
	submitter Submitter
	metrics   *metrics.Metrics
	log       *zap.Logger
	observers []Observer

	events chan event
	done   chan struct{}

	// seams for tests
	oscillator func([]float64, int) (float64, bool)
	spawn      func(func())

	agg      *market.Aggregator
	closes   *strategy.CloseSeries
	cycle    *strategy.Cycle
	scale    int
	value    float64
	warm     bool
	stopping bool

	// Submission tracking: cloid of the order holding the inflight gate,
	// whether its response is still outstanding, and whether a terminal
	// update for it arrived before that response.
	cloid         string
	pending       bool
	resolvedEarly bool

	submitCtx context.Context

	statusMu sync.RWMutex
	status   statusSnapshot

	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	stopFeed func()
	cancel   context.CancelFunc
}

func New(cfg Config, deps Deps) (*Runner, error) {
	cfg.Symbol = strategy.NormalizeSymbol(cfg.Symbol)
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if cfg.Period < 1 {
		return nil, errors.New("period must be >= 1")
	}
	if !(cfg.Low < cfg.High) {
		return nil, fmt.Errorf("low %.2f must be below high %.2f", cfg.Low, cfg.High)
	}
	if cfg.NotionalUSD <= 0 {
		return nil, fmt.Errorf("%w: notional %.2f", strategy.ErrInvalidSizing, cfg.NotionalUSD)
	}
	if cfg.MaxOrdersPerCycle < 1 {
		cfg.MaxOrdersPerCycle = 2
	}
	if cfg.CloseRetention < cfg.Period+1 {
		cfg.CloseRetention = cfg.Period + 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	r := &Runner{
		cfg:        cfg,
		feed:       deps.Feed,
		scales:     deps.Scales,
		submitter:  deps.Submitter,
		metrics:    deps.Metrics,
		log:        deps.Log.With(zap.String("symbol", cfg.Symbol)),
		observers:  deps.Observers,
		events:     make(chan event, cfg.QueueSize),
		done:       make(chan struct{}),
		oscillator: strategy.RSI,
		spawn:      func(fn func()) { go fn() },
		closes:     strategy.NewCloseSeries(cfg.CloseRetention),
		cycle:      strategy.NewCycle(cfg.MaxOrdersPerCycle),
		submitCtx:  context.Background(),
	}
	r.agg = market.NewAggregator(cfg.Symbol, cfg.Interval, r.onCandle)
	r.publishStatus()
	return r, nil
}

func (r *Runner) Symbol() string {
	return r.cfg.Symbol
}

// Start resolves the quantity scale, starts the loop and attaches to the
// tick source.
func (r *Runner) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}
	if r.feed == nil || r.scales == nil || r.submitter == nil {
		r.abort()
		return errors.New("runner needs a tick source, scale lookup and submitter")
	}
	scale, err := r.scales.QuantityScale(ctx, r.cfg.Symbol)
	if err != nil {
		r.abort()
		return fmt.Errorf("quantity scale for %s: %w", r.cfg.Symbol, err)
	}
	r.scale = scale
	r.submitCtx = ctx

	loopCtx, cancel := context.WithCancel(ctx)
	go r.loop(loopCtx)

	stop, err := r.feed.Subscribe(ctx, r.cfg.Symbol, func(tick market.Tick) {
		r.post(tickEvent{tick: tick})
	})
	if err != nil {
		cancel()
		<-r.done
		r.stopped = true
		return fmt.Errorf("subscribe ticks: %w", err)
	}
	r.stopFeed = stop
	r.cancel = cancel
	r.started = true
	r.setRunning(true)
	r.log.Info("runner started",
		zap.Int("quantity_scale", scale),
		zap.Duration("interval", r.agg.Interval()),
		zap.Int("period", r.cfg.Period),
		zap.Float64("low", r.cfg.Low),
		zap.Float64("high", r.cfg.High),
	)
	return nil
}

// abort marks a runner whose loop never started as finished so queued
// updates are not waited on. Callers hold lifeMu.
func (r *Runner) abort() {
	r.stopped = true
	close(r.done)
}

// Stop detaches from the tick source, flushes the open candle without
// trading on it and ends the loop. An inflight order stays unresolved.
func (r *Runner) Stop() {
	r.lifeMu.Lock()
	if !r.started || r.stopped {
		r.stopped = true
		r.lifeMu.Unlock()
		return
	}
	r.stopped = true
	stopFeed, cancel := r.stopFeed, r.cancel
	r.lifeMu.Unlock()

	stopFeed()
	r.post(stopEvent{})
	<-r.done
	cancel()
	r.setRunning(false)
	r.log.Info("runner stopped")
}

// Done is closed when the loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) ApplyPosition(update strategy.PositionUpdate) {
	r.post(positionEvent{update: update})
}

func (r *Runner) ApplyOrder(update strategy.OrderUpdate) {
	r.post(orderEvent{update: update})
}

// ClearInflight releases the inflight gate on behalf of a caller that saw
// a terminal order status.
func (r *Runner) ClearInflight() {
	r.post(clearInflightEvent{})
}

// InflightOrder returns the client order id currently holding the gate.
func (r *Runner) InflightOrder() (string, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status.inflightCloid, r.status.inflightCloid != ""
}

func (r *Runner) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status.Status
}

func (r *Runner) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case ev := <-r.events:
			if _, ok := ev.(stopEvent); ok {
				r.flush()
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Runner) flush() {
	r.stopping = true
	r.agg.Flush()
	r.publishStatus()
}

func (r *Runner) handle(ev event) {
	switch e := ev.(type) {
	case tickEvent:
		r.agg.Ingest(e.tick)
	case positionEvent:
		r.applyPosition(e.update)
	case orderEvent:
		r.applyOrder(e.update)
	case submitResultEvent:
		r.applySubmitResult(e)
	case clearInflightEvent:
		r.releaseInflight()
	}
	r.publishStatus()
}

func (r *Runner) onCandle(c market.Candle) {
	if r.stopping {
		r.record(c)
		r.log.Debug("flushed candle on stop", zap.Time("start", c.Start), zap.Float64("close", c.Close))
		return
	}
	r.evaluate(c)
}

func (r *Runner) record(c market.Candle) {
	r.closes.Append(c.Close)
	r.metrics.CandlesClosed.Inc(r.cfg.Symbol)
	for _, o := range r.observers {
		o.OnCandle(c)
	}
}

func (r *Runner) evaluate(c market.Candle) {
	r.record(c)
	value, ok := r.oscillator(r.closes.Values(), r.cfg.Period)
	r.value, r.warm = value, ok
	d := Decision{Symbol: r.cfg.Symbol, Time: c.End, Close: c.Close, Oscillator: value, Warm: ok, Band: r.cycle.Band()}
	if !ok {
		r.log.Debug("oscillator warming up", zap.Int("closes", r.closes.Len()), zap.Int("needed", r.cfg.Period+1))
		d.Action = ActionWarmup
		r.emit(d)
		return
	}
	r.metrics.Oscillator.Set(r.cfg.Symbol, value)

	if value >= r.cfg.Low && value <= r.cfg.High {
		if !r.cycle.Armed() {
			r.metrics.Rearms.Inc(r.cfg.Symbol)
			r.log.Info("band re-armed from neutral", zap.Float64("rsi", value), zap.String("band", string(r.cycle.Band())))
		}
		r.cycle.RearmFromNeutral()
		d.Action = ActionNeutral
		r.emit(d)
		return
	}
	if r.cycle.Inflight() {
		d.Action, d.Reason = ActionHold, "order inflight"
		r.emit(d)
		return
	}

	band, side, flattenFrom := strategy.BandUpper, strategy.OrderSideSell, strategy.SideLong
	if value < r.cfg.Low {
		band, side, flattenFrom = strategy.BandLower, strategy.OrderSideBuy, strategy.SideShort
	}
	if r.cycle.EnterBand(band) {
		r.metrics.CyclesStarted.Inc(r.cfg.Symbol)
		r.log.Info("entered band", zap.String("band", string(band)), zap.Float64("rsi", value))
	}
	d.Band = band
	if !r.cycle.Armed() {
		d.Action, d.Reason = ActionHold, "waiting for neutral re-arm"
		r.emit(d)
		return
	}
	if r.cycle.CapReached() {
		d.Action, d.Reason = ActionHold, "cycle order cap reached"
		r.emit(d)
		return
	}

	if r.cycle.OrdersInCycle() == 0 {
		if r.cycle.Side() != flattenFrom {
			r.cycle.ConsumeAndDisarm()
			d.Action, d.Reason = ActionFlattenNoop, "no opposing position"
			r.log.Info("flatten step consumed without order", zap.String("band", string(band)), zap.String("side", string(r.cycle.Side())))
			r.emit(d)
			return
		}
		qty := strategy.FormatQuantity(r.cycle.QtyAbs(), r.scale)
		if isZero(qty) {
			r.cycle.ConsumeAndDisarm()
			d.Action, d.Reason = ActionFlattenNoop, "position below quantity precision"
			r.emit(d)
			return
		}
		r.submit(c, d, side, qty, true, "flatten")
		return
	}

	qty, err := strategy.QuantityForNotional(r.cfg.NotionalUSD, c.Close, r.scale)
	if err != nil {
		r.log.Error("sizing failed", zap.Float64("notional_usd", r.cfg.NotionalUSD), zap.Float64("price", c.Close), zap.Error(err))
		d.Action, d.Reason, d.Error = ActionSkipSize, "invalid sizing", err.Error()
		r.emit(d)
		return
	}
	if isZero(qty) {
		r.log.Warn("notional below quantity precision", zap.Float64("notional_usd", r.cfg.NotionalUSD), zap.Float64("price", c.Close))
		d.Action, d.Reason = ActionSkipSize, "quantity truncates to zero"
		r.emit(d)
		return
	}
	r.submit(c, d, side, qty, false, "open")
}

func (r *Runner) submit(c market.Candle, d Decision, side strategy.OrderSide, qty string, reduceOnly bool, reason string) {
	size, _ := strconv.ParseFloat(qty, 64)
	level, ok := strategy.MatchingLevel(c.Book, size, side)
	d.Side, d.Quantity = side, qty
	if !ok {
		r.metrics.DepthSkips.Inc(r.cfg.Symbol)
		r.log.Warn("insufficient depth, skipping",
			zap.String("side", string(side)),
			zap.String("qty", qty),
			zap.String("reason", reason),
		)
		d.Action, d.Reason = ActionSkipDepth, reason+": no single level covers size"
		r.emit(d)
		return
	}

	req := strategy.OrderRequest{
		Symbol:        r.cfg.Symbol,
		Side:          side,
		Quantity:      qty,
		Price:         strategy.LimitPrice(level, side, r.cfg.SlippageBps),
		ReduceOnly:    reduceOnly,
		Reason:        reason,
		ClientOrderID: exec.NewClientOrderID(),
	}
	r.cycle.SetInflight()
	r.cloid, r.pending, r.resolvedEarly = req.ClientOrderID, true, false
	r.metrics.Inflight.Set(r.cfg.Symbol, 1)

	d.Action, d.Reason, d.Price, d.ClientOrderID = ActionSubmit, reason, req.Price, req.ClientOrderID
	r.log.Info("submitting order",
		zap.String("side", string(side)),
		zap.String("qty", qty),
		zap.Float64("price", req.Price),
		zap.String("reason", reason),
		zap.String("cloid", req.ClientOrderID),
		zap.Float64("rsi", d.Oscillator),
	)
	r.emit(d)

	ctx := r.submitCtx
	r.spawn(func() {
		var (
			res strategy.OrderResult
			err error
		)
		if side.IsBuy() {
			res, err = r.submitter.Buy(ctx, req)
		} else {
			res, err = r.submitter.Sell(ctx, req)
		}
		r.post(submitResultEvent{req: req, result: res, err: err})
	})
}

func (r *Runner) applySubmitResult(e submitResultEvent) {
	if e.req.ClientOrderID != r.cloid || !r.pending {
		r.log.Debug("ignoring stale submission result", zap.String("cloid", e.req.ClientOrderID))
		return
	}
	r.pending = false
	d := Decision{
		Symbol:        r.cfg.Symbol,
		Time:          time.Now().UTC(),
		Oscillator:    r.value,
		Warm:          r.warm,
		Band:          r.cycle.Band(),
		Side:          e.req.Side,
		Quantity:      e.req.Quantity,
		Price:         e.req.Price,
		Reason:        e.req.Reason,
		ClientOrderID: e.req.ClientOrderID,
	}
	if e.err != nil {
		// Retried on the next eligible candle; the slot stays available.
		r.cycle.ClearInflight()
		r.cloid, r.resolvedEarly = "", false
		r.metrics.OrdersFailed.Inc(r.cfg.Symbol)
		r.metrics.Inflight.Set(r.cfg.Symbol, 0)
		r.log.Warn("order submission failed", zap.String("cloid", e.req.ClientOrderID), zap.Error(e.err))
		d.Action, d.Error = ActionSubmitFailed, e.err.Error()
		r.emit(d)
		return
	}
	r.cycle.ConsumeAndDisarm()
	r.metrics.OrdersPlaced.Inc(r.cfg.Symbol)
	d.Action, d.OrderID = ActionSubmitted, e.result.OrderID
	r.log.Info("order submitted",
		zap.String("cloid", e.req.ClientOrderID),
		zap.Int64("oid", e.result.OrderID),
		zap.String("status", string(e.result.Status)),
		zap.Int("orders_in_cycle", r.cycle.OrdersInCycle()),
	)
	r.emit(d)
	if r.resolvedEarly {
		r.releaseInflight()
	}
}

func (r *Runner) applyPosition(update strategy.PositionUpdate) {
	if !r.cycle.ApplyPosition(update.NetQty) {
		return
	}
	r.log.Info("position updated",
		zap.String("side", string(r.cycle.Side())),
		zap.Float64("qty", r.cycle.QtyAbs()),
		zap.Float64("entry_px", update.EntryPrice),
	)
}

func (r *Runner) applyOrder(update strategy.OrderUpdate) {
	if !update.Status.IsTerminal() {
		return
	}
	if r.cloid != "" && update.ClientOrderID != "" && update.ClientOrderID != r.cloid {
		r.log.Debug("ignoring terminal update for another order", zap.String("cloid", update.ClientOrderID))
		return
	}
	r.log.Info("order terminal",
		zap.String("cloid", update.ClientOrderID),
		zap.Int64("oid", update.OrderID),
		zap.String("status", string(update.Status)),
	)
	r.releaseInflight()
}

// releaseInflight clears the gate, or defers that to the submission result
// when the response is still outstanding so two orders never overlap.
func (r *Runner) releaseInflight() {
	if r.pending {
		r.resolvedEarly = true
		return
	}
	if r.cycle.ClearInflight() {
		r.metrics.Inflight.Set(r.cfg.Symbol, 0)
	}
	r.cloid, r.resolvedEarly = "", false
}

func (r *Runner) emit(d Decision) {
	for _, o := range r.observers {
		o.OnDecision(d)
	}
}

type statusSnapshot struct {
	Status
	inflightCloid string
}

func (r *Runner) publishStatus() {
	s := statusFrom(r.cfg.Symbol, r.cfg, r.closes.Total(), r.value, r.warm, r.cycle.State())
	r.statusMu.Lock()
	s.Running = r.status.Running
	r.status = statusSnapshot{Status: s, inflightCloid: r.cloid}
	r.statusMu.Unlock()
}

func (r *Runner) setRunning(running bool) {
	r.statusMu.Lock()
	r.status.Running = running
	r.statusMu.Unlock()
}

func isZero(qty string) bool {
	v, err := strconv.ParseFloat(qty, 64)
	return err != nil || v == 0
}
