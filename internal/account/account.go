package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/hl/rest"
	"hl-rsi-bot/internal/strategy"
)

const maxSeenOrderUpdates = 2000

// Conn is the subset of the websocket client the account feed uses.
type Conn interface {
	Subscribe(ctx context.Context, subscription any) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

// Account follows the user's positions and order lifecycle and forwards
// typed updates to a sink. Position updates are only emitted on change;
// order updates are deduplicated by (oid, status, remaining size).
type Account struct {
	rest *rest.Client
	ws   Conn
	log  *zap.Logger
	user string

	mu                   sync.Mutex
	sink                 strategy.UpdateSink
	positions            map[string]strategy.PositionUpdate
	hasPerpStateSnapshot bool
	seen                 map[string]struct{}
	seenOrder            []string
}

func New(restClient *rest.Client, wsClient Conn, log *zap.Logger, user string) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{
		rest:      restClient,
		ws:        wsClient,
		log:       log,
		user:      strings.TrimSpace(user),
		positions: make(map[string]strategy.PositionUpdate),
		seen:      make(map[string]struct{}),
	}
}

func (a *Account) SetSink(sink strategy.UpdateSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

// Reconcile seeds positions from the REST clearinghouse state and treats
// the result as a snapshot.
func (a *Account) Reconcile(ctx context.Context) error {
	if a.rest == nil {
		return errors.New("rest client is required")
	}
	if a.user == "" {
		return errors.New("account user is required")
	}
	perp, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return fmt.Errorf("fetch clearinghouse state: %w", err)
	}
	a.applyPositions(parsePositions(perp), true)
	return nil
}

// Subscribe registers the account channels on the shared connection.
func (a *Account) Subscribe(ctx context.Context) error {
	if a.ws == nil {
		return errors.New("ws client is required")
	}
	if a.user == "" {
		return errors.New("account user is required for ws subscriptions")
	}
	for _, kind := range []string{"orderUpdates", "clearinghouseState"} {
		if err := a.ws.Subscribe(ctx, map[string]any{"type": kind, "user": a.user}); err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	return nil
}

func (a *Account) Run(ctx context.Context) error {
	return a.ws.Run(ctx, a.HandleMessage)
}

// Position returns the last known position for symbol.
func (a *Account) Position(symbol string) (strategy.PositionUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[strategy.NormalizeSymbol(symbol)]
	return pos, ok
}

func (a *Account) HandleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		a.log.Debug("account ws decode failed", zap.Error(err))
		return
	}
	switch stringFromAny(payload["channel"]) {
	case "orderUpdates":
		a.applyOrderUpdates(parseOrderUpdates(payload["data"]))
	case "clearinghouseState":
		data, ok := payload["data"].(map[string]any)
		if !ok {
			return
		}
		isSnapshot, hasFlag := snapshotFlag(data)
		state := clearinghouseBody(data)
		if _, ok := state["assetPositions"]; !ok {
			return
		}
		// Without an explicit flag every message is the full state.
		a.applyPositions(parsePositions(state), isSnapshot || !hasFlag)
	}
}

func (a *Account) applyPositions(positions map[string]strategy.PositionUpdate, isSnapshot bool) {
	a.mu.Lock()
	var changed []strategy.PositionUpdate
	if isSnapshot || !a.hasPerpStateSnapshot {
		for symbol, prev := range a.positions {
			if _, ok := positions[symbol]; !ok && prev.NetQty != 0 {
				positions[symbol] = strategy.PositionUpdate{Symbol: symbol}
			}
		}
		a.hasPerpStateSnapshot = true
	}
	for symbol, next := range positions {
		prev, ok := a.positions[symbol]
		if ok && prev.NetQty == next.NetQty {
			continue
		}
		if !ok && next.NetQty == 0 {
			continue
		}
		if next.NetQty == 0 {
			delete(a.positions, symbol)
		} else {
			a.positions[symbol] = next
		}
		changed = append(changed, next)
	}
	sink := a.sink
	a.mu.Unlock()

	if sink == nil {
		return
	}
	for _, update := range changed {
		sink.ApplyPosition(update)
	}
}

func (a *Account) applyOrderUpdates(updates []orderUpdate) {
	if len(updates) == 0 {
		return
	}
	a.mu.Lock()
	fresh := make([]strategy.OrderUpdate, 0, len(updates))
	for _, update := range updates {
		key := fmt.Sprintf("%d:%s:%s:%s", update.OrderID, update.ClientOrderID, update.Status, floatKey(update.Remaining))
		if _, ok := a.seen[key]; ok {
			continue
		}
		a.seen[key] = struct{}{}
		a.seenOrder = append(a.seenOrder, key)
		fresh = append(fresh, update.OrderUpdate)
	}
	if len(a.seenOrder) > maxSeenOrderUpdates {
		evict := a.seenOrder[:len(a.seenOrder)-maxSeenOrderUpdates]
		for _, key := range evict {
			delete(a.seen, key)
		}
		a.seenOrder = append([]string(nil), a.seenOrder[len(a.seenOrder)-maxSeenOrderUpdates:]...)
	}
	sink := a.sink
	a.mu.Unlock()

	if sink == nil {
		return
	}
	for _, update := range fresh {
		sink.ApplyOrder(update)
	}
}

func clearinghouseBody(data map[string]any) map[string]any {
	if nested, ok := data["clearinghouseState"].(map[string]any); ok {
		return nested
	}
	if nested, ok := data["data"].(map[string]any); ok {
		return nested
	}
	return data
}
