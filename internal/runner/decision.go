package runner

import (
	"time"

	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/strategy"
)

type Action string

const (
	ActionWarmup       Action = "warmup"
	ActionNeutral      Action = "neutral"
	ActionHold         Action = "hold"
	ActionFlattenNoop  Action = "flatten_noop"
	ActionSkipDepth    Action = "skip_depth"
	ActionSkipSize     Action = "skip_size"
	ActionSubmit       Action = "submit"
	ActionSubmitted    Action = "submitted"
	ActionSubmitFailed Action = "submit_failed"
)

// Decision records what a runner did with one sealed candle or one
// submission outcome.
type Decision struct {
	Symbol        string
	Time          time.Time
	Close         float64
	Oscillator    float64
	Warm          bool
	Band          strategy.Band
	Action        Action
	Reason        string
	Side          strategy.OrderSide
	Quantity      string
	Price         float64
	ClientOrderID string
	OrderID       int64
	Error         string
}

// Observer receives candles and decisions from the runner loop. Calls are
// synchronous, so implementations must not block.
type Observer interface {
	OnCandle(market.Candle)
	OnDecision(Decision)
}
