// Package models defines the domain types shared across the agent.
package models

import "time"

// Ticker holds 24h rolling statistics for a symbol.
type Ticker struct {
	Symbol             string    `json:"symbol"`
	LastPrice          float64   `json:"lastPrice"`
	PriceChange        float64   `json:"priceChange"`
	PriceChangePercent float64   `json:"priceChangePercent"`
	HighPrice          float64   `json:"highPrice"`
	LowPrice           float64   `json:"lowPrice"`
	Volume             float64   `json:"volume"`
	QuoteVolume        float64   `json:"quoteVolume"`
	OpenTime           time.Time `json:"openTime"`
	CloseTime          time.Time `json:"closeTime"`
}

// Position is an open futures position.
type Position struct {
	Symbol           string       `json:"symbol"`
	PositionSide     PositionSide `json:"positionSide"`
	Amount           float64      `json:"positionAmt"`
	EntryPrice       float64      `json:"entryPrice"`
	MarkPrice        float64      `json:"markPrice"`
	UnrealizedPnL    float64      `json:"unRealizedProfit"`
	LiquidationPrice float64      `json:"liquidationPrice"`
	Leverage         int          `json:"leverage"`
	MarginType       string       `json:"marginType"`
}

// IsOpen reports whether the position carries a non-zero amount.
func (p Position) IsOpen() bool {
	return p.Amount != 0
}

// Side returns the side that opened the position.
func (p Position) Side() OrderSide {
	if p.Amount < 0 {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CountOpen returns the number of positions with a non-zero amount.
func CountOpen(positions []Position) int {
	n := 0
	for _, p := range positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// Balance is a wallet balance for one asset.
type Balance struct {
	Asset              string  `json:"asset"`
	Balance            float64 `json:"balance"`
	AvailableBalance   float64 `json:"availableBalance"`
	CrossWalletBalance float64 `json:"crossWalletBalance"`
	CrossUnPnL         float64 `json:"crossUnPnl"`
}

// Equity is the wallet balance plus unrealized P&L. Margin locked by open
// positions still counts.
func (b Balance) Equity() float64 {
	wallet := b.CrossWalletBalance
	if wallet == 0 {
		wallet = b.Balance
	}
	return wallet + b.CrossUnPnL
}

// FindBalance returns the balance for asset, if present.
func FindBalance(balances []Balance, asset string) (Balance, bool) {
	for _, b := range balances {
		if b.Asset == asset {
			return b, true
		}
	}
	return Balance{}, false
}

// SymbolRules holds the quantity constraints of a symbol.
type SymbolRules struct {
	Symbol            string  `json:"symbol"`
	QuantityPrecision int     `json:"quantityPrecision"`
	PrecisionSource   string  `json:"precisionSource"` // field, stepSize, default
	StepSize          string  `json:"stepSize,omitempty"`
	MinNotional       float64 `json:"minNotional"`
}

// PriceLevel is one side of an order book row.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// MarkPrice holds mark price and funding data.
type MarkPrice struct {
	Symbol          string    `json:"symbol"`
	MarkPrice       float64   `json:"markPrice"`
	FundingRate     float64   `json:"lastFundingRate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
}
