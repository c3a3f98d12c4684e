package market

import (
	"math"
	"time"
)

type Candle struct {
	Symbol string
	Start  time.Time
	End    time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Ticks  int
	Book   OrderBook
}

// Aggregator buckets ticks into fixed-width candles. It is not safe for
// concurrent use; callers feed it from a single goroutine.
type Aggregator struct {
	symbol   string
	interval time.Duration
	onClose  func(Candle)

	current *Candle
}

func NewAggregator(symbol string, interval time.Duration, onClose func(Candle)) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{symbol: symbol, interval: interval, onClose: onClose}
}

func (a *Aggregator) Interval() time.Duration {
	return a.interval
}

// Ingest folds a tick into the open candle, sealing it first when the tick
// falls at or past the bucket end. Ticks with unusable prices are dropped.
func (a *Aggregator) Ingest(tick Tick) {
	if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) || tick.Price <= 0 {
		return
	}
	if a.current == nil || !tick.Time.Before(a.current.End) {
		a.seal()
		start := bucketStart(tick.Time, a.interval)
		a.current = &Candle{
			Symbol: a.symbol,
			Start:  start,
			End:    start.Add(a.interval),
			Open:   tick.Price,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Ticks:  1,
			Book:   tick.Book,
		}
		return
	}
	c := a.current
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Ticks++
	c.Book = tick.Book
}

// Flush seals and emits the open candle, if any, and clears state.
func (a *Aggregator) Flush() {
	a.seal()
}

// Open returns a copy of the candle currently being built.
func (a *Aggregator) Open() (Candle, bool) {
	if a.current == nil {
		return Candle{}, false
	}
	return *a.current, true
}

func (a *Aggregator) seal() {
	if a.current == nil {
		return
	}
	sealed := *a.current
	a.current = nil
	if a.onClose != nil {
		a.onClose(sealed)
	}
}

func bucketStart(ts time.Time, interval time.Duration) time.Time {
	ms := ts.UnixMilli()
	width := interval.Milliseconds()
	if width <= 0 {
		return ts
	}
	start := (ms / width) * width
	if ms < 0 && ms%width != 0 {
		start -= width
	}
	return time.UnixMilli(start).UTC()
}
