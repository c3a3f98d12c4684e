package metrics

// Counter is a per-symbol monotonic counter.
type Counter interface {
	Inc(symbol string)
}

// Gauge is a per-symbol point-in-time value.
type Gauge interface {
	Set(symbol string, v float64)
}

type Metrics struct {
	OrdersPlaced  Counter
	OrdersFailed  Counter
	DepthSkips    Counter
	CandlesClosed Counter
	Rearms        Counter
	CyclesStarted Counter
	Oscillator    Gauge
	Inflight      Gauge
}

type noop struct{}

func (noop) Inc(string)          {}
func (noop) Set(string, float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:  n,
		OrdersFailed:  n,
		DepthSkips:    n,
		CandlesClosed: n,
		Rearms:        n,
		CyclesStarted: n,
		Oscillator:    n,
		Inflight:      n,
	}
}
