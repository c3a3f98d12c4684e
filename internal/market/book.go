package market

import "time"

type Level struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time L2 snapshot. Bids are ordered best (highest)
// first and asks best (lowest) first, as delivered by the venue.
type OrderBook struct {
	Symbol string
	Time   time.Time
	Bids   []Level
	Asks   []Level
}

func (b OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint of the top of book, falling back to whichever
// side is present.
func (b OrderBook) Mid() (float64, bool) {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return (bid.Price + ask.Price) / 2, true
	case hasBid:
		return bid.Price, true
	case hasAsk:
		return ask.Price, true
	default:
		return 0, false
	}
}

type Tick struct {
	Time  time.Time
	Price float64
	Book  OrderBook
}
