package alerts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/runner"
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// TradeNotifier turns submission decisions into chat messages. It is a
// runner observer, so OnDecision only enqueues; Run does the sending.
type TradeNotifier struct {
	sender Sender
	log    *zap.Logger
	queue  chan string
	prefix string
}

func NewTradeNotifier(sender Sender, log *zap.Logger, paper bool) *TradeNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	prefix := ""
	if paper {
		prefix = "[paper] "
	}
	return &TradeNotifier{sender: sender, log: log, queue: make(chan string, 64), prefix: prefix}
}

func (n *TradeNotifier) OnCandle(market.Candle) {}

func (n *TradeNotifier) OnDecision(d runner.Decision) {
	msg, ok := formatDecision(d)
	if !ok {
		return
	}
	select {
	case n.queue <- n.prefix + msg:
	default:
		n.log.Warn("alert queue full, dropping message", zap.String("symbol", d.Symbol))
	}
}

func (n *TradeNotifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			if err := n.sender.Send(ctx, msg); err != nil {
				n.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

func formatDecision(d runner.Decision) (string, bool) {
	switch d.Action {
	case runner.ActionSubmitted:
		return fmt.Sprintf("%s %s %s @ %g (%s) rsi=%.2f oid=%d",
			d.Symbol, d.Side, d.Quantity, d.Price, d.Reason, d.Oscillator, d.OrderID), true
	case runner.ActionSubmitFailed:
		return fmt.Sprintf("%s %s %s @ %g (%s) failed: %s",
			d.Symbol, d.Side, d.Quantity, d.Price, d.Reason, d.Error), true
	default:
		return "", false
	}
}
