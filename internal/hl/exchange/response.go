package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrRejected = errors.New("exchange rejected order")

// OrderStatus is the per-order outcome of an order action.
type OrderStatus struct {
	OrderID   int64
	Cloid     string
	Resting   bool
	Filled    bool
	TotalSize float64
	AvgPrice  float64
}

// ParseOrderResponse extracts the first order status. Top-level "err"
// responses and per-order error statuses are returned as ErrRejected.
func ParseOrderResponse(resp map[string]any) (OrderStatus, error) {
	if resp == nil {
		return OrderStatus{}, errors.New("empty exchange response")
	}
	if status, _ := resp["status"].(string); status != "" && status != "ok" {
		return OrderStatus{}, fmt.Errorf("%w: %v", ErrRejected, resp["response"])
	}
	response, _ := resp["response"].(map[string]any)
	data, _ := response["data"].(map[string]any)
	statuses, _ := data["statuses"].([]any)
	if len(statuses) == 0 {
		return OrderStatus{}, errors.New("exchange response has no order statuses")
	}
	entry, ok := statuses[0].(map[string]any)
	if !ok {
		if s, ok := statuses[0].(string); ok {
			return OrderStatus{}, fmt.Errorf("%w: %s", ErrRejected, s)
		}
		return OrderStatus{}, errors.New("unexpected order status shape")
	}
	if msg, ok := entry["error"].(string); ok {
		return OrderStatus{}, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	var out OrderStatus
	if filled, ok := entry["filled"].(map[string]any); ok {
		out.Filled = true
		out.OrderID = int64FromAny(filled["oid"])
		out.Cloid, _ = filled["cloid"].(string)
		out.TotalSize = floatFromAny(filled["totalSz"])
		out.AvgPrice = floatFromAny(filled["avgPx"])
		return out, nil
	}
	if resting, ok := entry["resting"].(map[string]any); ok {
		out.Resting = true
		out.OrderID = int64FromAny(resting["oid"])
		out.Cloid, _ = resting["cloid"].(string)
		return out, nil
	}
	return OrderStatus{}, fmt.Errorf("unrecognised order status %v", entry)
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func int64FromAny(v any) int64 {
	id, _ := strconv.ParseInt(stringFromAny(v), 10, 64)
	return id
}

func floatFromAny(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f
	default:
		return 0
	}
}
