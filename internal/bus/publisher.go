package bus

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/runner"
)

type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Event is the wire shape of one published decision.
type Event struct {
	Type          string  `json:"type"`
	Symbol        string  `json:"symbol"`
	TimeMS        int64   `json:"ts"`
	Close         float64 `json:"close,omitempty"`
	RSI           float64 `json:"rsi,omitempty"`
	Band          string  `json:"band,omitempty"`
	Action        string  `json:"action"`
	Reason        string  `json:"reason,omitempty"`
	Side          string  `json:"side,omitempty"`
	Quantity      string  `json:"qty,omitempty"`
	Price         float64 `json:"px,omitempty"`
	ClientOrderID string  `json:"cloid,omitempty"`
	OrderID       int64   `json:"oid,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Publisher forwards actionable runner decisions to a message bus. Warm-up
// and neutral readings are not published.
type Publisher struct {
	transport Transport
	channel   string
	log       *zap.Logger
	queue     chan Event
}

func NewPublisher(transport Transport, channel string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{transport: transport, channel: channel, log: log, queue: make(chan Event, 256)}
}

func (p *Publisher) OnCandle(market.Candle) {}

func (p *Publisher) OnDecision(d runner.Decision) {
	switch d.Action {
	case runner.ActionWarmup, runner.ActionNeutral:
		return
	}
	ts := d.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	ev := Event{
		Type:          "decision",
		Symbol:        d.Symbol,
		TimeMS:        ts.UnixMilli(),
		Close:         d.Close,
		RSI:           d.Oscillator,
		Band:          string(d.Band),
		Action:        string(d.Action),
		Reason:        d.Reason,
		Side:          string(d.Side),
		Quantity:      d.Quantity,
		Price:         d.Price,
		ClientOrderID: d.ClientOrderID,
		OrderID:       d.OrderID,
		Error:         d.Error,
	}
	select {
	case p.queue <- ev:
	default:
		p.log.Warn("bus queue full, dropping event", zap.String("symbol", d.Symbol), zap.String("action", ev.Action))
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	stream := p.channel + ":stream"
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("bus encode failed", zap.Error(err))
				continue
			}
			if err := p.transport.Publish(ctx, p.channel, payload); err != nil {
				p.log.Warn("bus publish failed", zap.Error(err))
			}
			if err := p.transport.StreamAppend(ctx, stream, payload); err != nil {
				p.log.Warn("bus stream append failed", zap.Error(err))
			}
		}
	}
}
