package runner

import (
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/strategy"
)

// event is the closed set of messages a runner loop consumes. Every input
// for a symbol travels through the same queue, so they are handled one at
// a time in arrival order.
type event interface {
	isEvent()
}

type tickEvent struct {
	tick market.Tick
}

type positionEvent struct {
	update strategy.PositionUpdate
}

type orderEvent struct {
	update strategy.OrderUpdate
}

type submitResultEvent struct {
	req    strategy.OrderRequest
	result strategy.OrderResult
	err    error
}

type clearInflightEvent struct{}

type stopEvent struct{}

func (tickEvent) isEvent()          {}
func (positionEvent) isEvent()      {}
func (orderEvent) isEvent()         {}
func (submitResultEvent) isEvent()  {}
func (clearInflightEvent) isEvent() {}
func (stopEvent) isEvent()          {}
