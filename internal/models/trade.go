package models

import (
	"strconv"
	"time"
)

// Trade is an executed order linked to the decision that produced it.
type Trade struct {
	ID            string       `json:"id"`
	Timestamp     time.Time    `json:"timestamp"`
	DecisionID    string       `json:"decisionId"`
	OrderID       string       `json:"orderId"`
	ClientOrderID string       `json:"clientOrderId"`
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	Type          OrderType    `json:"type"`
	PositionSide  PositionSide `json:"positionSide"`
	Price         float64      `json:"price"`
	Quantity      float64      `json:"quantity"`
	Status        string       `json:"status"`
	RealizedPnL   *float64     `json:"realizedPnl,omitempty"`
	IsPaper       bool         `json:"isPaper"`
}

// TradeFromOrder builds a trade record from an order confirmation.
func TradeFromOrder(decisionID string, res *OrderResult, refPrice float64, paper bool) *Trade {
	qty := res.ExecutedQty
	if qty == 0 {
		qty = res.OrigQty
	}
	return &Trade{
		DecisionID:    decisionID,
		OrderID:       formatOrderID(res.OrderID),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          res.Side,
		Type:          res.Type,
		PositionSide:  res.PositionSide,
		Price:         res.FillPrice(refPrice),
		Quantity:      qty,
		Status:        res.Status,
		IsPaper:       paper,
	}
}

func formatOrderID(id int64) string {
	return strconv.FormatInt(id, 10)
}
