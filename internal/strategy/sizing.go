package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"hl-rsi-bot/internal/market"
)

var ErrInvalidSizing = errors.New("invalid sizing")

// QuantityForNotional converts a USD notional into a quantity truncated
// toward zero at scale decimals and formatted with exactly scale digits.
func QuantityForNotional(notionalUSD, price float64, scale int) (string, error) {
	if !(notionalUSD > 0) || math.IsInf(notionalUSD, 0) {
		return "", fmt.Errorf("%w: notional %v", ErrInvalidSizing, notionalUSD)
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return "", fmt.Errorf("%w: price %v", ErrInvalidSizing, price)
	}
	raw := decimal.NewFromFloat(notionalUSD).Div(decimal.NewFromFloat(price))
	return truncate(raw, scale), nil
}

// FormatQuantity truncates an absolute quantity to scale decimals.
func FormatQuantity(qty float64, scale int) string {
	return truncate(decimal.NewFromFloat(math.Abs(qty)), scale)
}

func truncate(d decimal.Decimal, scale int) string {
	if scale < 0 {
		scale = 0
	}
	places := int32(scale)
	return d.Truncate(places).StringFixed(places)
}

// MatchingLevel returns the price of the first level on the side an order
// would take from (asks for buys, bids for sells) that alone covers qty.
// Depth is never aggregated across levels.
func MatchingLevel(book market.OrderBook, qty float64, side OrderSide) (float64, bool) {
	levels := book.Bids
	if side.IsBuy() {
		levels = book.Asks
	}
	for _, level := range levels {
		if level.Size >= qty {
			return level.Price, true
		}
	}
	return 0, false
}

// LimitPrice moves a level price against the order by slippageBps so an
// immediate-or-cancel order still crosses after a small move.
func LimitPrice(level float64, side OrderSide, slippageBps float64) float64 {
	if slippageBps <= 0 {
		return level
	}
	adj := level * slippageBps / 10000
	if side.IsBuy() {
		return level + adj
	}
	return level - adj
}
