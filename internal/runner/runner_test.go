package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/exec"
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/strategy"
)

type fakeFeed struct {
	mu      sync.Mutex
	onTick  map[string]func(market.Tick)
	stopped map[string]bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{onTick: make(map[string]func(market.Tick)), stopped: make(map[string]bool)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, symbol string, onTick func(market.Tick)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.onTick[symbol]; ok {
		return nil, errors.New("duplicate subscription")
	}
	f.onTick[symbol] = onTick
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onTick, symbol)
		f.stopped[symbol] = true
	}, nil
}

func (f *fakeFeed) push(symbol string, tick market.Tick) {
	f.mu.Lock()
	fn := f.onTick[symbol]
	f.mu.Unlock()
	if fn != nil {
		fn(tick)
	}
}

func (f *fakeFeed) wasStopped(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[symbol]
}

type fakeScales struct{ scale int }

func (s fakeScales) QuantityScale(context.Context, string) (int, error) { return s.scale, nil }

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []strategy.OrderRequest
	err      error
}

func (s *fakeSubmitter) Buy(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	return s.record(req)
}

func (s *fakeSubmitter) Sell(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	return s.record(req)
}

func (s *fakeSubmitter) record(req strategy.OrderRequest) (strategy.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return strategy.OrderResult{}, s.err
	}
	return strategy.OrderResult{ClientOrderID: req.ClientOrderID, OrderID: int64(len(s.requests)), Status: strategy.OrderStatusNew}, nil
}

func (s *fakeSubmitter) sent() []strategy.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]strategy.OrderRequest(nil), s.requests...)
}

type recordingObserver struct {
	mu        sync.Mutex
	candles   []market.Candle
	decisions []Decision
}

func (o *recordingObserver) OnCandle(c market.Candle) {
	o.mu.Lock()
	o.candles = append(o.candles, c)
	o.mu.Unlock()
}

func (o *recordingObserver) OnDecision(d Decision) {
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
}

func (o *recordingObserver) last() Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.decisions) == 0 {
		return Decision{}
	}
	return o.decisions[len(o.decisions)-1]
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.candles), len(o.decisions)
}

func testConfig() Config {
	return Config{
		Symbol:            "BTC",
		Interval:          time.Minute,
		Period:            14,
		Low:               30,
		High:              70,
		NotionalUSD:       100,
		MaxOrdersPerCycle: 2,
		QueueSize:         64,
	}
}

// newTestRunner returns an unstarted runner whose submissions run inline
// and whose oscillator replays script one value per candle.
func newTestRunner(t *testing.T, cfg Config, sub Submitter, script ...float64) (*Runner, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	r, err := New(cfg, Deps{
		Feed:      newFakeFeed(),
		Scales:    fakeScales{scale: 3},
		Submitter: sub,
		Log:       zap.NewNop(),
		Observers: []Observer{obs},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	r.scale = 3
	r.spawn = func(fn func()) { fn() }
	r.oscillator = func([]float64, int) (float64, bool) {
		if len(script) == 0 {
			t.Fatalf("oscillator script exhausted")
		}
		v := script[0]
		script = script[1:]
		return v, true
	}
	return r, obs
}

// drain handles every queued event on the calling goroutine.
func drain(r *Runner) {
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		default:
			return
		}
	}
}

func deepBook() market.OrderBook {
	return market.OrderBook{
		Symbol: "BTC",
		Bids:   []market.Level{{Price: 99.5, Size: 5}},
		Asks:   []market.Level{{Price: 100.5, Size: 5}},
	}
}

// closeCandle feeds one candle through the event queue: a tick at price in
// the open bucket, then a tick in the next bucket that seals it.
func closeCandle(r *Runner, price float64, book market.OrderBook) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if open, ok := r.agg.Open(); ok {
		start = open.Start
	}
	r.post(tickEvent{tick: market.Tick{Time: start, Price: price, Book: book}})
	r.post(tickEvent{tick: market.Tick{Time: start.Add(r.agg.Interval()), Price: price, Book: book}})
	drain(r)
}

func fill(r *Runner, cloid string) {
	r.ApplyOrder(strategy.OrderUpdate{ClientOrderID: cloid, Symbol: "BTC", Status: strategy.OrderStatusFilled})
	drain(r)
}

func TestRunnerFlattenThenOpenCycle(t *testing.T) {
	sub := &fakeSubmitter{}
	r, obs := newTestRunner(t, testConfig(), sub, 75, 78, 65, 72)
	r.ApplyPosition(strategy.PositionUpdate{Symbol: "BTC", NetQty: 0.5})
	drain(r)

	closeCandle(r, 100, deepBook())
	drain(r)
	reqs := sub.sent()
	if len(reqs) != 1 {
		t.Fatalf("expected flatten order, got %d", len(reqs))
	}
	if reqs[0].Side != strategy.OrderSideSell || reqs[0].Quantity != "0.500" || !reqs[0].ReduceOnly || reqs[0].Reason != "flatten" {
		t.Fatalf("unexpected flatten request %+v", reqs[0])
	}
	if reqs[0].Price != 99.5 {
		t.Fatalf("expected sell priced at the bid level, got %v", reqs[0].Price)
	}
	st := r.Status()
	if st.OrdersInCycle != 1 || st.Armed || !st.Inflight {
		t.Fatalf("expected slot consumed and inflight, got %+v", st)
	}
	fill(r, reqs[0].ClientOrderID)
	r.ApplyPosition(strategy.PositionUpdate{Symbol: "BTC", NetQty: 0})
	drain(r)
	if st := r.Status(); st.Inflight || st.Side != strategy.SideFlat {
		t.Fatalf("expected flat and idle, got %+v", st)
	}

	closeCandle(r, 100, deepBook())
	if got := obs.last(); got.Action != ActionHold || len(sub.sent()) != 1 {
		t.Fatalf("expected hold without re-arm, got %+v", got)
	}

	closeCandle(r, 100, deepBook())
	if got := obs.last(); got.Action != ActionNeutral || !r.Status().Armed {
		t.Fatalf("expected neutral re-arm, got %+v", got)
	}

	closeCandle(r, 100, deepBook())
	drain(r)
	reqs = sub.sent()
	if len(reqs) != 2 {
		t.Fatalf("expected open order, got %d", len(reqs))
	}
	if reqs[1].Side != strategy.OrderSideSell || reqs[1].Quantity != "1.000" || reqs[1].ReduceOnly || reqs[1].Reason != "open" {
		t.Fatalf("unexpected open request %+v", reqs[1])
	}
	if st := r.Status(); st.OrdersInCycle != 2 || !st.Inflight {
		t.Fatalf("expected second slot consumed and inflight, got %+v", st)
	}
	fill(r, reqs[1].ClientOrderID)
	if r.Status().Inflight {
		t.Fatalf("expected inflight cleared by FILLED")
	}
}

func TestRunnerSkipsWhenNoSingleLevelCoversSize(t *testing.T) {
	sub := &fakeSubmitter{}
	cfg := testConfig()
	cfg.NotionalUSD = 1
	r, obs := newTestRunner(t, cfg, sub, 25, 50, 25)
	thin := market.OrderBook{
		Bids: []market.Level{{Price: 99.5, Size: 1}},
		Asks: []market.Level{{Price: 100.5, Size: 0.001}, {Price: 100.6, Size: 0.005}},
	}

	closeCandle(r, 100, thin)
	if got := obs.last(); got.Action != ActionFlattenNoop {
		t.Fatalf("expected flatten no-op while flat, got %+v", got)
	}
	closeCandle(r, 100, thin)
	closeCandle(r, 100, thin)
	got := obs.last()
	if got.Action != ActionSkipDepth || got.Quantity != "0.010" || got.Side != strategy.OrderSideBuy {
		t.Fatalf("expected depth skip for 0.010 buy, got %+v", got)
	}
	if len(sub.sent()) != 0 {
		t.Fatalf("expected no submission")
	}
	if st := r.Status(); st.Inflight || st.OrdersInCycle != 1 || !st.Armed {
		t.Fatalf("depth skip must not consume a slot, got %+v", st)
	}
}

func TestRunnerWarmupDoesNothing(t *testing.T) {
	sub := &fakeSubmitter{}
	r, obs := newTestRunner(t, testConfig(), sub)
	r.oscillator = strategy.RSI
	for i := 0; i < 14; i++ {
		closeCandle(r, 100+float64(i), deepBook())
	}
	if got := obs.last(); got.Action != ActionWarmup || got.Warm {
		t.Fatalf("expected warm-up, got %+v", got)
	}
	st := r.Status()
	if st.CandleCount != 14 || st.Band != strategy.BandNone {
		t.Fatalf("unexpected status %+v", st)
	}
	if !strings.HasPrefix(st.OscillatorText(), "warming up") {
		t.Fatalf("unexpected oscillator text %q", st.OscillatorText())
	}
}

func TestRunnerHoldsWhileInflight(t *testing.T) {
	sub := &fakeSubmitter{}
	r, obs := newTestRunner(t, testConfig(), sub, 25, 50, 25, 50, 25)
	var queued []func()
	r.spawn = func(fn func()) { queued = append(queued, fn) }

	closeCandle(r, 100, deepBook()) // flatten no-op
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook()) // open buy, response outstanding
	if len(queued) != 1 || !r.Status().Inflight {
		t.Fatalf("expected one outstanding submission")
	}
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	if got := obs.last(); got.Action != ActionHold || got.Reason != "order inflight" {
		t.Fatalf("expected inflight hold, got %+v", got)
	}
	queued[0]()
	drain(r)
	if got := obs.last(); got.Action != ActionSubmitted {
		t.Fatalf("expected submitted, got %+v", got)
	}
	if len(sub.sent()) != 1 {
		t.Fatalf("expected a single order, got %d", len(sub.sent()))
	}
}

func TestRunnerTerminalUpdatesAreIdempotent(t *testing.T) {
	sub := &fakeSubmitter{}
	r, _ := newTestRunner(t, testConfig(), sub, 25, 50, 25)
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	drain(r)
	cloid := sub.sent()[0].ClientOrderID

	r.ApplyOrder(strategy.OrderUpdate{ClientOrderID: "0xother", Symbol: "BTC", Status: strategy.OrderStatusCanceled})
	r.ApplyOrder(strategy.OrderUpdate{ClientOrderID: cloid, Symbol: "BTC", Status: strategy.OrderStatusPartiallyFilled})
	drain(r)
	if !r.Status().Inflight {
		t.Fatalf("foreign and non-terminal updates must not release the gate")
	}
	fill(r, cloid)
	fill(r, cloid)
	r.ClearInflight()
	drain(r)
	st := r.Status()
	if st.Inflight || st.OrdersInCycle != 2 {
		t.Fatalf("unexpected state after repeated terminals %+v", st)
	}
	if _, ok := r.InflightOrder(); ok {
		t.Fatalf("expected no inflight order")
	}

	r.ApplyPosition(strategy.PositionUpdate{Symbol: "BTC", NetQty: 1})
	r.ApplyPosition(strategy.PositionUpdate{Symbol: "BTC", NetQty: 1})
	drain(r)
	if st := r.Status(); st.Side != strategy.SideLong || st.Qty != 1 {
		t.Fatalf("unexpected position %+v", st)
	}
}

func TestRunnerSubmitFailureKeepsSlot(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("exchange down")}
	r, obs := newTestRunner(t, testConfig(), sub, 75, 75)
	r.ApplyPosition(strategy.PositionUpdate{Symbol: "BTC", NetQty: 0.5})
	drain(r)

	closeCandle(r, 100, deepBook())
	drain(r)
	got := obs.last()
	if got.Action != ActionSubmitFailed || got.Error != "exchange down" {
		t.Fatalf("expected submit failure, got %+v", got)
	}
	if st := r.Status(); st.Inflight || st.OrdersInCycle != 0 || !st.Armed {
		t.Fatalf("failure must release the gate and keep the slot, got %+v", st)
	}

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	closeCandle(r, 100, deepBook())
	drain(r)
	if len(sub.sent()) != 2 || !sub.sent()[1].ReduceOnly {
		t.Fatalf("expected flatten retried on the next candle, got %+v", sub.sent())
	}
	if st := r.Status(); st.OrdersInCycle != 1 {
		t.Fatalf("expected slot consumed after success, got %+v", st)
	}
}

func TestRunnerCapsOrdersPerCycle(t *testing.T) {
	sub := &fakeSubmitter{}
	r, obs := newTestRunner(t, testConfig(), sub, 75, 50, 75, 50, 75, 25)
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	drain(r)
	fill(r, sub.sent()[0].ClientOrderID)
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	if got := obs.last(); got.Action != ActionHold || got.Reason != "cycle order cap reached" {
		t.Fatalf("expected cap hold, got %+v", got)
	}
	closeCandle(r, 100, deepBook())
	st := r.Status()
	if st.Band != strategy.BandLower || st.OrdersInCycle != 1 {
		t.Fatalf("switching band must restart the cycle, got %+v", st)
	}
	if len(sub.sent()) != 1 {
		t.Fatalf("expected one order, got %d", len(sub.sent()))
	}
}

func TestRunnerPaperFillBeforeResponse(t *testing.T) {
	paper := exec.NewPaper(nil, nil, zap.NewNop())
	r, obs := newTestRunner(t, testConfig(), paper, 75, 50, 75)
	paper.SetSink(r)

	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	closeCandle(r, 100, deepBook())
	drain(r)

	if got := obs.last(); got.Action != ActionSubmitted {
		t.Fatalf("expected submitted, got %+v", got)
	}
	st := r.Status()
	if st.Inflight || st.OrdersInCycle != 2 {
		t.Fatalf("expected gate released once the response landed, got %+v", st)
	}
	if st.Side != strategy.SideShort || st.Qty != 1 {
		t.Fatalf("expected short 1 from paper fill, got %+v", st)
	}
	if pos := paper.Ledger().Position("BTC"); pos.Qty != -1 {
		t.Fatalf("unexpected ledger position %+v", pos)
	}
}

func TestRunnerStopFlushesWithoutTrading(t *testing.T) {
	sub := &fakeSubmitter{}
	feed := newFakeFeed()
	obs := &recordingObserver{}
	r, err := New(testConfig(), Deps{
		Feed:      feed,
		Scales:    fakeScales{scale: 3},
		Submitter: sub,
		Observers: []Observer{obs},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	r.oscillator = func([]float64, int) (float64, bool) { return 90, true }
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.push("BTC", market.Tick{Time: base, Price: 100, Book: deepBook()})
	feed.push("BTC", market.Tick{Time: base.Add(10 * time.Second), Price: 101, Book: deepBook()})

	r.Stop()
	if !feed.wasStopped("BTC") {
		t.Fatalf("expected tick subscription released")
	}
	candles, decisions := obs.counts()
	if candles != 1 || decisions != 0 {
		t.Fatalf("expected one flushed candle and no decisions, got %d/%d", candles, decisions)
	}
	if obs.candles[0].Close != 101 {
		t.Fatalf("unexpected flushed close %v", obs.candles[0].Close)
	}
	if len(sub.sent()) != 0 {
		t.Fatalf("flush must not trade")
	}
	if st := r.Status(); st.Running || st.CandleCount != 1 {
		t.Fatalf("unexpected status after stop %+v", st)
	}
	r.ApplyOrder(strategy.OrderUpdate{Symbol: "BTC", Status: strategy.OrderStatusFilled})
	r.Stop()
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Low, cfg.High = 70, 30
	if _, err := New(cfg, Deps{}); err == nil {
		t.Fatalf("expected band validation error")
	}
	cfg = testConfig()
	cfg.NotionalUSD = 0
	if _, err := New(cfg, Deps{}); !errors.Is(err, strategy.ErrInvalidSizing) {
		t.Fatalf("expected ErrInvalidSizing, got %v", err)
	}
}
