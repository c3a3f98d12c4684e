package account

import (
	"encoding/json"
	"strconv"
	"strings"

	"hl-rsi-bot/internal/strategy"
)

func parsePositions(payload map[string]any) map[string]strategy.PositionUpdate {
	positions := make(map[string]strategy.PositionUpdate)
	if payload == nil {
		return positions
	}
	raw, ok := payload["assetPositions"].([]any)
	if !ok {
		return positions
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		symbol := strategy.NormalizeSymbol(stringFromAny(pos["coin"]))
		if symbol == "" {
			continue
		}
		update := strategy.PositionUpdate{Symbol: symbol}
		if val, ok := floatFromAny(pos["szi"]); ok {
			update.NetQty = val
		} else if val, ok := floatFromAny(pos["size"]); ok {
			update.NetQty = val
		}
		if px, ok := floatFromAny(pos["entryPx"]); ok && px > 0 {
			update.EntryPrice = px
			update.HasEntryPrice = true
		}
		positions[symbol] = update
	}
	return positions
}

type orderUpdate struct {
	strategy.OrderUpdate
	Remaining float64
}

// parseOrderUpdates decodes the orderUpdates channel payload: a list of
// {order:{coin,side,limitPx,sz,origSz,oid,cloid},status}.
func parseOrderUpdates(data any) []orderUpdate {
	raw, ok := data.([]any)
	if !ok {
		return nil
	}
	updates := make([]orderUpdate, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		order, ok := entry["order"].(map[string]any)
		if !ok {
			continue
		}
		remaining, _ := floatFromAny(order["sz"])
		orig, hasOrig := floatFromAny(order["origSz"])
		status, ok := mapOrderStatus(stringFromAny(entry["status"]), remaining, orig, hasOrig)
		if !ok {
			continue
		}
		update := strategy.OrderUpdate{
			ClientOrderID: stringFromAny(order["cloid"]),
			OrderID:       int64FromAny(order["oid"]),
			Symbol:        strategy.NormalizeSymbol(stringFromAny(order["coin"])),
			Side:          mapOrderSide(stringFromAny(order["side"])),
			Status:        status,
			Quantity:      orig,
		}
		if !hasOrig {
			update.Quantity = remaining
		}
		if status == strategy.OrderStatusFilled || status == strategy.OrderStatusPartiallyFilled {
			update.FillPrice, _ = floatFromAny(order["limitPx"])
		}
		if update.Symbol == "" {
			continue
		}
		updates = append(updates, orderUpdate{OrderUpdate: update, Remaining: remaining})
	}
	return updates
}

func mapOrderStatus(raw string, remaining, orig float64, hasOrig bool) (strategy.OrderStatus, bool) {
	status := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case status == "open" || status == "triggered":
		if hasOrig && remaining < orig {
			return strategy.OrderStatusPartiallyFilled, true
		}
		return strategy.OrderStatusNew, true
	case status == "filled":
		return strategy.OrderStatusFilled, true
	case strings.HasSuffix(status, "rejected"):
		return strategy.OrderStatusRejected, true
	case strings.HasSuffix(status, "canceled") || strings.HasSuffix(status, "cancelled"):
		return strategy.OrderStatusCanceled, true
	case strings.HasPrefix(status, "expire"):
		return strategy.OrderStatusExpired, true
	default:
		return "", false
	}
}

func mapOrderSide(raw string) strategy.OrderSide {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "B", "BUY", "BID":
		return strategy.OrderSideBuy
	default:
		return strategy.OrderSideSell
	}
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func boolFromAny(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(val))
		return parsed, err == nil
	case float64:
		return val != 0, true
	default:
		return false, false
	}
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case json.Number:
		i, _ := val.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return i
	default:
		return 0
	}
}

func snapshotFlag(data map[string]any) (bool, bool) {
	if raw, ok := data["isSnapshot"]; ok {
		if val, ok := boolFromAny(raw); ok {
			return val, true
		}
	}
	return false, false
}

func floatKey(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}
