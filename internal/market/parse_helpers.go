package market

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

func parsePerpMeta(payload any) (map[string]Instrument, error) {
	universe := extractUniverse(payload)
	if len(universe) == 0 {
		return nil, errors.New("meta missing universe")
	}
	result := make(map[string]Instrument, len(universe))
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name", "coin", "symbol")
		if name == "" {
			continue
		}
		if delisted, ok := meta["isDelisted"].(bool); ok && delisted {
			continue
		}
		result[strings.ToUpper(name)] = Instrument{
			Symbol:        name,
			AssetID:       intFromAny(meta["index"], i),
			QuantityScale: intFromAny(meta["szDecimals"], 0),
			MaxLeverage:   intFromAny(meta["maxLeverage"], 0),
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no instruments parsed")
	}
	return result, nil
}

func extractUniverse(payload any) []any {
	if arr, ok := toSlice(payload); ok && len(arr) >= 1 {
		if metaMap, ok := toMap(arr[0]); ok {
			universe, _ := toSlice(metaMap["universe"])
			return universe
		}
		if universe, ok := toSlice(arr[0]); ok {
			return universe
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		return universe
	}
	return nil
}

// parseBook decodes an l2Book payload, either the websocket envelope
// {"channel":"l2Book","data":{...}} or the bare /info response.
func parseBook(payload map[string]any) (OrderBook, bool) {
	data := payload
	if nested, ok := toMap(payload["data"]); ok {
		data = nested
	}
	symbol := stringFromMap(data, "coin", "symbol")
	levels, ok := toSlice(data["levels"])
	if symbol == "" || !ok || len(levels) < 2 {
		return OrderBook{}, false
	}
	book := OrderBook{
		Symbol: symbol,
		Bids:   parseLevels(levels[0]),
		Asks:   parseLevels(levels[1]),
	}
	if ms, ok := floatFromAny(data["time"]); ok && ms > 0 {
		book.Time = time.UnixMilli(int64(ms)).UTC()
	}
	return book, true
}

func parseLevels(raw any) []Level {
	items, ok := toSlice(raw)
	if !ok {
		return nil
	}
	levels := make([]Level, 0, len(items))
	for _, item := range items {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		px := floatFromMap(entry, "px", "price")
		sz := floatFromMap(entry, "sz", "size", "qty")
		if px <= 0 || sz <= 0 {
			continue
		}
		levels = append(levels, Level{Price: px, Size: sz})
	}
	return levels
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
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
	case int32:
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

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
