package strategy

import "strings"

type Side string

const (
	SideFlat  Side = "FLAT"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type Band string

const (
	BandNone  Band = "NONE"
	BandUpper Band = "UPPER"
	BandLower Band = "LOWER"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) IsBuy() bool {
	return s == OrderSideBuy
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// PositionUpdate is an authoritative account snapshot for one symbol.
// The sign of NetQty decides the side.
type PositionUpdate struct {
	Symbol        string
	NetQty        float64
	EntryPrice    float64
	HasEntryPrice bool
}

type OrderUpdate struct {
	ClientOrderID string
	OrderID       int64
	Symbol        string
	Side          OrderSide
	Status        OrderStatus
	Quantity      float64
	FillPrice     float64
}

type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      string
	Price         float64
	ReduceOnly    bool
	Reason        string
	ClientOrderID string
}

type OrderResult struct {
	ClientOrderID string
	OrderID       int64
	Status        OrderStatus
	FilledQty     float64
	AvgPrice      float64
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// UpdateSink receives typed account updates.
type UpdateSink interface {
	ApplyPosition(PositionUpdate)
	ApplyOrder(OrderUpdate)
}
