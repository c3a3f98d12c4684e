package runner

import (
	"fmt"

	"hl-rsi-bot/internal/strategy"
)

type Status struct {
	Symbol        string
	Running       bool
	CandleCount   int
	Oscillator    float64
	Warm          bool
	Period        int
	Low           float64
	High          float64
	Side          strategy.Side
	Qty           float64
	Band          strategy.Band
	OrdersInCycle int
	MaxOrders     int
	Armed         bool
	Inflight      bool
}

// OscillatorText renders the oscillator or the warm-up progress.
func (s Status) OscillatorText() string {
	if !s.Warm {
		return fmt.Sprintf("warming up (%d/%d)", min(s.CandleCount, s.Period+1), s.Period+1)
	}
	return fmt.Sprintf("%.2f", s.Oscillator)
}

func (s Status) String() string {
	return fmt.Sprintf("%s rsi=%s bands=%.0f/%.0f side=%s qty=%g band=%s orders=%d/%d armed=%t inflight=%t candles=%d",
		s.Symbol, s.OscillatorText(), s.Low, s.High, s.Side, s.Qty, s.Band, s.OrdersInCycle, s.MaxOrders, s.Armed, s.Inflight, s.CandleCount)
}

func statusFrom(symbol string, cfg Config, candles int, value float64, warm bool, cycle strategy.CycleState) Status {
	return Status{
		Symbol:        symbol,
		CandleCount:   candles,
		Oscillator:    value,
		Warm:          warm,
		Period:        cfg.Period,
		Low:           cfg.Low,
		High:          cfg.High,
		Side:          cycle.Side,
		Qty:           cycle.QtyAbs,
		Band:          cycle.Band,
		OrdersInCycle: cycle.OrdersInCycle,
		MaxOrders:     cycle.MaxOrders,
		Armed:         cycle.Armed,
		Inflight:      cycle.Inflight,
	}
}
