package models

import "time"

// OrderSide represents the order side.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side that offsets this one.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PositionSide is the hedge-mode leg a position or order belongs to.
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderRequest holds venue-facing order parameters.
// Quantity and Price are already rendered at venue precision.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      string
	PositionSide  PositionSide
	ReduceOnly    bool
	Price         string
	TimeInForce   string
	ClientOrderID string
	RecvWindow    int64
}

// OrderResult is the venue's confirmation of an order.
type OrderResult struct {
	OrderID       int64        `json:"orderId"`
	ClientOrderID string       `json:"clientOrderId"`
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	Type          OrderType    `json:"type"`
	Status        string       `json:"status"`
	Price         float64      `json:"price"`
	AvgPrice      float64      `json:"avgPrice"`
	OrigQty       float64      `json:"origQty"`
	ExecutedQty   float64      `json:"executedQty"`
	CumQuote      float64      `json:"cumQuote"`
	PositionSide  PositionSide `json:"positionSide"`
	ReduceOnly    bool         `json:"reduceOnly"`
	UpdateTime    time.Time    `json:"updateTime"`
}

// FillPrice returns the average fill price, or fallback when the venue has not reported one.
func (r *OrderResult) FillPrice(fallback float64) float64 {
	if r.AvgPrice > 0 {
		return r.AvgPrice
	}
	return fallback
}
