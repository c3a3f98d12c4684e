package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/strategy"
)

var (
	ErrRunnerExists   = errors.New("runner already running")
	ErrRunnerNotFound = errors.New("runner not found")
)

// Factory builds an unstarted runner for a symbol.
type Factory func(symbol string) (*Runner, error)

// PositionSource reports the last known account position for a symbol.
type PositionSource interface {
	Position(symbol string) (strategy.PositionUpdate, bool)
}

// Registry owns the set of running symbols and routes account updates to
// them. Updates for symbols without a runner are dropped.
type Registry struct {
	factory   Factory
	positions PositionSource
	log       *zap.Logger

	opsMu sync.Mutex

	mu      sync.RWMutex
	runners map[string]*Runner
}

func NewRegistry(factory Factory, positions PositionSource, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		factory:   factory,
		positions: positions,
		log:       log,
		runners:   make(map[string]*Runner),
	}
}

// SetPositionSource attaches the position source after construction.
func (g *Registry) SetPositionSource(src PositionSource) {
	g.opsMu.Lock()
	g.positions = src
	g.opsMu.Unlock()
}

func (g *Registry) Start(ctx context.Context, symbol string) (*Runner, error) {
	symbol = strategy.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	g.opsMu.Lock()
	defer g.opsMu.Unlock()
	if _, ok := g.Get(symbol); ok {
		return nil, fmt.Errorf("%w: %s", ErrRunnerExists, symbol)
	}
	r, err := g.factory(symbol)
	if err != nil {
		return nil, fmt.Errorf("build runner %s: %w", symbol, err)
	}
	// Register and seed under one lock so account updates that land while
	// the runner starts are either in the seed or queued after it.
	g.mu.Lock()
	g.runners[symbol] = r
	if g.positions != nil {
		if pos, ok := g.positions.Position(symbol); ok {
			r.ApplyPosition(pos)
		}
	}
	g.mu.Unlock()
	if err := r.Start(ctx); err != nil {
		g.mu.Lock()
		if g.runners[symbol] == r {
			delete(g.runners, symbol)
		}
		g.mu.Unlock()
		return nil, err
	}
	g.log.Info("runner registered", zap.String("symbol", symbol))
	return r, nil
}

// Stop unregisters the runner before stopping it so no further account
// updates reach it.
func (g *Registry) Stop(symbol string) error {
	symbol = strategy.NormalizeSymbol(symbol)
	g.opsMu.Lock()
	defer g.opsMu.Unlock()
	g.mu.Lock()
	r, ok := g.runners[symbol]
	delete(g.runners, symbol)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunnerNotFound, symbol)
	}
	r.Stop()
	g.log.Info("runner unregistered", zap.String("symbol", symbol))
	return nil
}

func (g *Registry) StopAll() {
	for _, symbol := range g.Symbols() {
		if err := g.Stop(symbol); err != nil && !errors.Is(err, ErrRunnerNotFound) {
			g.log.Warn("stop runner failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (g *Registry) Get(symbol string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[strategy.NormalizeSymbol(symbol)]
	return r, ok
}

func (g *Registry) Symbols() []string {
	g.mu.RLock()
	out := make([]string, 0, len(g.runners))
	for symbol := range g.runners {
		out = append(out, symbol)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (g *Registry) Statuses() []Status {
	g.mu.RLock()
	out := make([]Status, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.Status())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (g *Registry) ApplyPosition(update strategy.PositionUpdate) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if r, ok := g.runners[strategy.NormalizeSymbol(update.Symbol)]; ok {
		r.ApplyPosition(update)
	}
}

func (g *Registry) ApplyOrder(update strategy.OrderUpdate) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if r, ok := g.runners[strategy.NormalizeSymbol(update.Symbol)]; ok {
		r.ApplyOrder(update)
	}
}
