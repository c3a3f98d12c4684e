package exec

import (
	"math"
	"sync"
	"time"

	"hl-rsi-bot/internal/strategy"
)

const epsilon = 1e-9

type Fill struct {
	Symbol        string
	Side          strategy.OrderSide
	Qty           float64
	Price         float64
	ClientOrderID string
	Reason        string
	Time          time.Time
}

type Position struct {
	Qty        float64
	EntryPrice float64
}

// Ledger stores paper fills and the net position they imply.
type Ledger struct {
	mu        sync.Mutex
	fills     []Fill
	positions map[string]Position
	realized  float64
}

func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]Position)}
}

// Record applies a fill and returns the resulting position.
func (l *Ledger) Record(fill Fill) Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, fill)

	signed := fill.Qty
	if !fill.Side.IsBuy() {
		signed = -fill.Qty
	}
	pos := l.positions[fill.Symbol]
	next := pos.Qty + signed
	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, signed):
		// Opening or adding: weighted average entry.
		pos.EntryPrice = (math.Abs(pos.Qty)*pos.EntryPrice + fill.Qty*fill.Price) / math.Abs(next)
	default:
		closed := math.Min(math.Abs(pos.Qty), fill.Qty)
		if pos.Qty > 0 {
			l.realized += closed * (fill.Price - pos.EntryPrice)
		} else {
			l.realized += closed * (pos.EntryPrice - fill.Price)
		}
		if math.Abs(next) > epsilon && !sameSign(pos.Qty, next) {
			pos.EntryPrice = fill.Price
		}
	}
	if math.Abs(next) <= epsilon {
		next = 0
		pos.EntryPrice = 0
	}
	pos.Qty = next
	l.positions[fill.Symbol] = pos
	return pos
}

func (l *Ledger) Position(symbol string) Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[symbol]
}

func (l *Ledger) Fills() []Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

func (l *Ledger) RealizedPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
