package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_rsi_bot"

type promCounter struct {
	vec *prometheus.CounterVec
}

func (p promCounter) Inc(symbol string) {
	p.vec.WithLabelValues(symbol).Inc()
}

type promGauge struct {
	vec *prometheus.GaugeVec
}

func (p promGauge) Set(symbol string, v float64) {
	p.vec.WithLabelValues(symbol).Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry      *prometheus.Registry
	ordersPlaced  *prometheus.CounterVec
	ordersFailed  *prometheus.CounterVec
	depthSkips    *prometheus.CounterVec
	candlesClosed *prometheus.CounterVec
	rearms        *prometheus.CounterVec
	cyclesStarted *prometheus.CounterVec
	oscillator    *prometheus.GaugeVec
	inflight      *prometheus.GaugeVec
}

func newCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, []string{"symbol"})
}

func newGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	}, []string{"symbol"})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:      prometheus.NewRegistry(),
		ordersPlaced:  newCounter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:  newCounter("orders_failed_total", "Total number of order submission failures."),
		depthSkips:    newCounter("depth_skips_total", "Signals skipped because no single book level covered the size."),
		candlesClosed: newCounter("candles_closed_total", "Total number of sealed candles."),
		rearms:        newCounter("rearms_total", "Neutral readings that re-armed a consumed band."),
		cyclesStarted: newCounter("cycles_started_total", "Band entries that started a new order cycle."),
		oscillator:    newGauge("oscillator", "Latest RSI value per symbol."),
		inflight:      newGauge("inflight", "1 while an order is awaiting a terminal status."),
	}
	p.registry.MustRegister(
		p.ordersPlaced,
		p.ordersFailed,
		p.depthSkips,
		p.candlesClosed,
		p.rearms,
		p.cyclesStarted,
		p.oscillator,
		p.inflight,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:  promCounter{p.ordersPlaced},
		OrdersFailed:  promCounter{p.ordersFailed},
		DepthSkips:    promCounter{p.depthSkips},
		CandlesClosed: promCounter{p.candlesClosed},
		Rearms:        promCounter{p.rearms},
		CyclesStarted: promCounter{p.cyclesStarted},
		Oscillator:    promGauge{p.oscillator},
		Inflight:      promGauge{p.inflight},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
