package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const perpMaxDecimals = 6

// LimitOrderWire builds a limit order. size is the already truncated
// decimal quantity; it is normalised so trailing zeros do not change the
// action hash.
func LimitOrderWire(asset int, isBuy bool, size string, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sz, err := decimal.NewFromString(strings.TrimSpace(size))
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	if !sz.IsPositive() {
		return OrderWire{}, fmt.Errorf("size must be > 0, got %s", size)
	}
	sizeWire, err := floatToWire(sz.InexactFloat64())
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// RoundPrice fits a perp price to the venue tick rules: five significant
// figures and at most 6-szDecimals decimals. Integer prices are always
// valid.
func RoundPrice(px float64, szDecimals int) float64 {
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return px
	}
	if px >= 100_000 {
		return math.Round(px)
	}
	sig, err := strconv.ParseFloat(strconv.FormatFloat(px, 'g', 5, 64), 64)
	if err != nil {
		return px
	}
	places := perpMaxDecimals - szDecimals
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(sig).Round(int32(places)).InexactFloat64()
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
