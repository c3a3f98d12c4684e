package market

import (
	"math"
	"testing"
	"time"
)

func TestAggregatorBuildsAndSealsCandles(t *testing.T) {
	var closed []Candle
	agg := NewAggregator("BTC", time.Minute, func(c Candle) { closed = append(closed, c) })
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	agg.Ingest(Tick{Time: base.Add(5 * time.Second), Price: 100})
	agg.Ingest(Tick{Time: base.Add(20 * time.Second), Price: 103})
	agg.Ingest(Tick{Time: base.Add(40 * time.Second), Price: 98})
	agg.Ingest(Tick{Time: base.Add(59 * time.Second), Price: 101, Book: OrderBook{Symbol: "BTC", Bids: []Level{{Price: 100.9, Size: 1}}}})
	if len(closed) != 0 {
		t.Fatalf("expected no sealed candles yet, got %d", len(closed))
	}

	agg.Ingest(Tick{Time: base.Add(time.Minute), Price: 102})
	if len(closed) != 1 {
		t.Fatalf("expected 1 sealed candle, got %d", len(closed))
	}
	c := closed[0]
	if !c.Start.Equal(base) || !c.End.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected bounds %v-%v", c.Start, c.End)
	}
	if c.Open != 100 || c.High != 103 || c.Low != 98 || c.Close != 101 {
		t.Fatalf("unexpected OHLC %+v", c)
	}
	if c.Ticks != 4 {
		t.Fatalf("expected 4 ticks, got %d", c.Ticks)
	}
	if len(c.Book.Bids) != 1 || c.Book.Bids[0].Price != 100.9 {
		t.Fatalf("expected last book to be carried, got %+v", c.Book)
	}

	open, ok := agg.Open()
	if !ok || open.Open != 102 || !open.Start.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected open candle %+v", open)
	}
}

func TestAggregatorSkipsEmptyBuckets(t *testing.T) {
	var closed []Candle
	agg := NewAggregator("BTC", time.Minute, func(c Candle) { closed = append(closed, c) })
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	agg.Ingest(Tick{Time: base, Price: 10})
	agg.Ingest(Tick{Time: base.Add(5*time.Minute + time.Second), Price: 11})
	if len(closed) != 1 {
		t.Fatalf("expected 1 sealed candle, got %d", len(closed))
	}
	open, _ := agg.Open()
	if !open.Start.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected bucket aligned to 5m, got %v", open.Start)
	}
}

func TestAggregatorFlush(t *testing.T) {
	var closed []Candle
	agg := NewAggregator("BTC", time.Minute, func(c Candle) { closed = append(closed, c) })

	agg.Flush()
	if len(closed) != 0 {
		t.Fatalf("flush with no open candle must not emit")
	}
	agg.Ingest(Tick{Time: time.UnixMilli(1_000), Price: 5})
	agg.Flush()
	agg.Flush()
	if len(closed) != 1 {
		t.Fatalf("expected exactly one sealed candle, got %d", len(closed))
	}
	if _, ok := agg.Open(); ok {
		t.Fatalf("expected state cleared after flush")
	}
}

func TestAggregatorDropsInvalidPrices(t *testing.T) {
	var closed []Candle
	agg := NewAggregator("BTC", time.Minute, func(c Candle) { closed = append(closed, c) })
	agg.Ingest(Tick{Time: time.UnixMilli(0), Price: math.NaN()})
	agg.Ingest(Tick{Time: time.UnixMilli(0), Price: math.Inf(1)})
	agg.Ingest(Tick{Time: time.UnixMilli(0), Price: 0})
	if _, ok := agg.Open(); ok {
		t.Fatalf("expected invalid ticks to be dropped")
	}
}

func TestAggregatorOHLCInvariant(t *testing.T) {
	var closed []Candle
	agg := NewAggregator("BTC", time.Second, func(c Candle) { closed = append(closed, c) })
	prices := []float64{5, 7, 3, 9, 4, 4, 6, 1, 8, 2, 10, 5}
	for i, p := range prices {
		agg.Ingest(Tick{Time: time.UnixMilli(int64(i) * 400), Price: p})
	}
	agg.Flush()
	if len(closed) == 0 {
		t.Fatalf("expected candles")
	}
	for _, c := range closed {
		if c.Low > c.Open || c.Open > c.High || c.Low > c.Close || c.Close > c.High {
			t.Fatalf("OHLC invariant violated: %+v", c)
		}
		if c.End.Sub(c.Start) != time.Second {
			t.Fatalf("unexpected width %v", c.End.Sub(c.Start))
		}
	}
}

func TestOrderBookMid(t *testing.T) {
	book := OrderBook{Bids: []Level{{Price: 99, Size: 1}}, Asks: []Level{{Price: 101, Size: 1}}}
	if mid, ok := book.Mid(); !ok || mid != 100 {
		t.Fatalf("unexpected mid %v %v", mid, ok)
	}
	if mid, ok := (OrderBook{Asks: []Level{{Price: 7, Size: 1}}}).Mid(); !ok || mid != 7 {
		t.Fatalf("unexpected one-sided mid %v", mid)
	}
	if _, ok := (OrderBook{}).Mid(); ok {
		t.Fatalf("expected empty book to have no mid")
	}
}
