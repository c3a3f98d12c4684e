package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/strategy"
)

// Paper fills every order at its limit price and reports the fill and the
// new position through the same sink the account feed uses, so the
// runner's gating sees the same update flow as in live mode.
type Paper struct {
	sink   strategy.UpdateSink
	ledger *Ledger
	log    *zap.Logger
	now    func() time.Time
	nextID atomic.Int64
}

func NewPaper(sink strategy.UpdateSink, ledger *Ledger, log *zap.Logger) *Paper {
	if ledger == nil {
		ledger = NewLedger()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Paper{sink: sink, ledger: ledger, log: log, now: time.Now}
}

// SetSink attaches the update sink after construction.
func (p *Paper) SetSink(sink strategy.UpdateSink) {
	p.sink = sink
}

func (p *Paper) Ledger() *Ledger {
	return p.ledger
}

func (p *Paper) Buy(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	req.Side = strategy.OrderSideBuy
	return p.fill(ctx, req)
}

func (p *Paper) Sell(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	req.Side = strategy.OrderSideSell
	return p.fill(ctx, req)
}

// Cancel is a no-op: paper orders never rest.
func (p *Paper) Cancel(ctx context.Context, symbol, cloid string) error {
	return nil
}

func (p *Paper) fill(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return strategy.OrderResult{}, err
	}
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil {
		return strategy.OrderResult{}, fmt.Errorf("paper quantity %q: %w", req.Quantity, err)
	}
	if qty <= 0 || req.Price <= 0 {
		return strategy.OrderResult{}, errors.New("paper order needs positive quantity and price")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	oid := p.nextID.Add(1)
	pos := p.ledger.Record(Fill{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           qty,
		Price:         req.Price,
		ClientOrderID: req.ClientOrderID,
		Reason:        req.Reason,
		Time:          p.now().UTC(),
	})
	p.log.Info("paper fill",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", qty),
		zap.Float64("price", req.Price),
		zap.String("reason", req.Reason),
		zap.Float64("position", pos.Qty),
	)
	if p.sink != nil {
		p.sink.ApplyOrder(strategy.OrderUpdate{
			ClientOrderID: req.ClientOrderID,
			OrderID:       oid,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Status:        strategy.OrderStatusFilled,
			Quantity:      qty,
			FillPrice:     req.Price,
		})
		p.sink.ApplyPosition(strategy.PositionUpdate{
			Symbol:        req.Symbol,
			NetQty:        pos.Qty,
			EntryPrice:    pos.EntryPrice,
			HasEntryPrice: pos.Qty != 0,
		})
	}
	return strategy.OrderResult{
		ClientOrderID: req.ClientOrderID,
		OrderID:       oid,
		Status:        strategy.OrderStatusFilled,
		FilledQty:     qty,
		AvgPrice:      req.Price,
	}, nil
}
