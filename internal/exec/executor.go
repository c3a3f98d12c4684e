package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/hl/exchange"
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/state"
	"hl-rsi-bot/internal/strategy"
)

// Exchange is the signed order transport.
type Exchange interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (exchange.OrderStatus, error)
	CancelByCloid(ctx context.Context, asset int, cloid string) error
}

type InstrumentLookup interface {
	Lookup(ctx context.Context, symbol string) (market.Instrument, error)
}

type Options struct {
	Tif          exchange.Tif
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Executor submits live limit orders. Placements are keyed by client order
// id so a replayed submission returns the cached order id instead of
// placing twice.
type Executor struct {
	ex          Exchange
	instruments InstrumentLookup
	store       state.Store
	log         *zap.Logger
	opts        Options

	mu    sync.Mutex
	cache map[string]int64
}

func New(ex Exchange, instruments InstrumentLookup, store state.Store, log *zap.Logger, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Tif == "" {
		opts.Tif = exchange.TifIoc
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Executor{
		ex:          ex,
		instruments: instruments,
		store:       store,
		log:         log,
		opts:        opts,
		cache:       make(map[string]int64),
	}
}

func (e *Executor) Buy(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	req.Side = strategy.OrderSideBuy
	return e.submit(ctx, req)
}

func (e *Executor) Sell(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	req.Side = strategy.OrderSideSell
	return e.submit(ctx, req)
}

func (e *Executor) Cancel(ctx context.Context, symbol, cloid string) error {
	inst, err := e.instruments.Lookup(ctx, symbol)
	if err != nil {
		return err
	}
	return e.retry(ctx, func() error {
		return e.ex.CancelByCloid(ctx, inst.AssetID, cloid)
	})
}

func (e *Executor) submit(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	cacheKey := "cloid:" + req.ClientOrderID
	if oid, ok, err := e.cached(ctx, cacheKey); err != nil {
		return strategy.OrderResult{}, err
	} else if ok {
		return strategy.OrderResult{ClientOrderID: req.ClientOrderID, OrderID: oid, Status: strategy.OrderStatusNew}, nil
	}

	inst, err := e.instruments.Lookup(ctx, req.Symbol)
	if err != nil {
		return strategy.OrderResult{}, err
	}
	price := exchange.RoundPrice(req.Price, inst.QuantityScale)
	wire, err := exchange.LimitOrderWire(inst.AssetID, req.Side.IsBuy(), req.Quantity, price, req.ReduceOnly, e.opts.Tif, req.ClientOrderID)
	if err != nil {
		return strategy.OrderResult{}, err
	}

	var status exchange.OrderStatus
	err = e.retry(ctx, func() error {
		var err error
		status, err = e.ex.PlaceOrder(ctx, wire)
		return err
	})
	if err != nil {
		return strategy.OrderResult{}, err
	}
	if status.OrderID == 0 {
		return strategy.OrderResult{}, errors.New("empty order id")
	}

	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, strconv.FormatInt(status.OrderID, 10)); err != nil {
			e.log.Warn("failed to persist order id", zap.String("cloid", req.ClientOrderID), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = status.OrderID
	e.mu.Unlock()

	result := strategy.OrderResult{
		ClientOrderID: req.ClientOrderID,
		OrderID:       status.OrderID,
		Status:        strategy.OrderStatusNew,
	}
	if status.Filled {
		result.Status = strategy.OrderStatusFilled
		result.FilledQty = status.TotalSize
		result.AvgPrice = status.AvgPrice
	}
	return result, nil
}

func (e *Executor) cached(ctx context.Context, key string) (int64, bool, error) {
	e.mu.Lock()
	oid, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return oid, true, nil
	}
	if e.store == nil {
		return 0, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	oid, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid cached order id %q: %w", raw, err)
	}
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
	return oid, true, nil
}

// retry repeats transport failures with doubling backoff. Exchange
// rejections are final.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.opts.RetryBackoff
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, exchange.ErrRejected) || attempt == e.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("exchange call failed: %w", err)
}
