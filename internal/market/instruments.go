package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"hl-rsi-bot/internal/hl/rest"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

type Instrument struct {
	Symbol        string
	AssetID       int
	QuantityScale int
	MaxLeverage   int
}

// Instruments caches perp metadata from the info endpoint. Lookups refresh
// once on a miss so newly listed coins resolve without a restart.
type Instruments struct {
	rest *rest.Client

	mu       sync.RWMutex
	bySymbol map[string]Instrument
}

func NewInstruments(restClient *rest.Client) *Instruments {
	return &Instruments{rest: restClient, bySymbol: make(map[string]Instrument)}
}

func (i *Instruments) Refresh(ctx context.Context) error {
	if i.rest == nil {
		return errors.New("rest client is required")
	}
	resp, err := i.rest.Info(ctx, rest.InfoRequest{Type: "meta"})
	if err != nil {
		return fmt.Errorf("fetch meta: %w", err)
	}
	parsed, err := parsePerpMeta(resp)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.bySymbol = parsed
	i.mu.Unlock()
	return nil
}

func (i *Instruments) Lookup(ctx context.Context, symbol string) (Instrument, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if inst, ok := i.cached(key); ok {
		return inst, nil
	}
	if err := i.Refresh(ctx); err != nil {
		return Instrument{}, err
	}
	if inst, ok := i.cached(key); ok {
		return inst, nil
	}
	return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
}

func (i *Instruments) QuantityScale(ctx context.Context, symbol string) (int, error) {
	inst, err := i.Lookup(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.QuantityScale, nil
}

func (i *Instruments) AssetID(ctx context.Context, symbol string) (int, error) {
	inst, err := i.Lookup(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.AssetID, nil
}

// Book fetches a one-off L2 snapshot over REST.
func (i *Instruments) Book(ctx context.Context, symbol string) (OrderBook, error) {
	if i.rest == nil {
		return OrderBook{}, errors.New("rest client is required")
	}
	resp, err := i.rest.Info(ctx, rest.InfoRequest{Type: "l2Book", Coin: symbol})
	if err != nil {
		return OrderBook{}, fmt.Errorf("fetch l2Book: %w", err)
	}
	book, ok := parseBook(resp)
	if !ok {
		return OrderBook{}, fmt.Errorf("l2Book response for %s is malformed", symbol)
	}
	return book, nil
}

func (i *Instruments) cached(key string) (Instrument, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	inst, ok := i.bySymbol[key]
	return inst, ok
}
