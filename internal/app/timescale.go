package app

import (
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/runner"
	"hl-rsi-bot/internal/timescale"
)

// timescaleRecorder journals every sealed candle and runner decision.
type timescaleRecorder struct {
	writer   *timescale.Writer
	interval string
}

func newTimescaleRecorder(writer *timescale.Writer, interval string) *timescaleRecorder {
	return &timescaleRecorder{writer: writer, interval: interval}
}

func (t *timescaleRecorder) OnCandle(c market.Candle) {
	t.writer.EnqueueCandle(timescale.Candle{
		Symbol:   c.Symbol,
		Interval: t.interval,
		Start:    c.Start,
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Ticks:    c.Ticks,
	})
}

func (t *timescaleRecorder) OnDecision(d runner.Decision) {
	t.writer.EnqueueDecision(timescale.Decision{
		Time:          d.Time,
		Symbol:        d.Symbol,
		Close:         d.Close,
		Oscillator:    d.Oscillator,
		Warm:          d.Warm,
		Band:          string(d.Band),
		Action:        string(d.Action),
		Reason:        d.Reason,
		Side:          string(d.Side),
		Quantity:      d.Quantity,
		Price:         d.Price,
		ClientOrderID: d.ClientOrderID,
		OrderID:       d.OrderID,
		Error:         d.Error,
	})
}
