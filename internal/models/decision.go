package models

import (
	"strings"
	"time"
)

// Action is the instruction returned by the decision oracle.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionClose Action = "CLOSE"
)

// IsOpening reports whether the action opens or extends exposure.
func (a Action) IsOpening() bool {
	return a == ActionBuy || a == ActionSell
}

// Side maps an opening action to an order side.
func (a Action) Side() OrderSide {
	if a == ActionSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Vibe is the oracle's read of market sentiment.
type Vibe string

const (
	VibeBullish Vibe = "bullish"
	VibeBearish Vibe = "bearish"
	VibeNeutral Vibe = "neutral"
	VibeChaos   Vibe = "chaos"
)

// Timeframe is the intended holding horizon.
type Timeframe string

const (
	TimeframeScalp  Timeframe = "scalp"
	TimeframeShort  Timeframe = "short"
	TimeframeMedium Timeframe = "medium"
	TimeframeLong   Timeframe = "long"
)

// RiskLevel is the oracle's self-assessed risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TradingDecision is a validated oracle output.
type TradingDecision struct {
	Action     Action    `json:"action"`
	Symbol     string    `json:"symbol"`
	Size       *float64  `json:"size,omitempty"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Vibe       Vibe      `json:"vibe"`
	Timeframe  Timeframe `json:"timeframe"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	RiskLevel  RiskLevel `json:"riskLevel"`
}

// RiskCheck is the result of gating a decision.
type RiskCheck struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason,omitempty"`
	AdjustedSize *float64 `json:"adjustedSize,omitempty"`
}

// Decision is a persisted decision record.
type Decision struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TradingDecision
	Price       float64        `json:"price"`
	MarketData  *MarketContext `json:"marketData,omitempty"`
	Prompt      string         `json:"-"`
	RawResponse string         `json:"rawResponse,omitempty"`
	Fallback    bool           `json:"fallback"`
	RiskCheck   *RiskCheck     `json:"riskCheck,omitempty"`
	Executed    bool           `json:"executed"`
	OrderID     string         `json:"orderId,omitempty"`
	Profitable  *bool          `json:"profitable,omitempty"`
	PnL         *float64       `json:"pnl,omitempty"`
}

// Resolved reports whether the decision has a known outcome.
func (d *Decision) Resolved() bool {
	return d.Profitable != nil
}

// MarketContext is the market snapshot handed to the oracle.
type MarketContext struct {
	Price            float64  `json:"price"`
	Change24h        float64  `json:"change24h"`
	ChangePercent24h float64  `json:"changePercent24h"`
	Volume24h        float64  `json:"volume24h"`
	QuoteVolume24h   float64  `json:"quoteVolume24h"`
	High24h          float64  `json:"high24h"`
	Low24h           float64  `json:"low24h"`
	MarkPrice        *float64 `json:"markPrice,omitempty"`
	FundingRate      *float64 `json:"fundingRate,omitempty"`
}

// RiskMetrics describes the account's risk posture for the oracle.
type RiskMetrics struct {
	AccountBalance   float64 `json:"accountBalance"`
	MaxPositionSize  float64 `json:"maxPositionSize"`
	CurrentDrawdown  float64 `json:"currentDrawdown"`
	OpenPositions    int     `json:"openPositions"`
	MaxOpenPositions int     `json:"maxOpenPositions"`
}

// Performance summarizes recent resolved decisions.
type Performance struct {
	WinRate    float64 `json:"winRate"`
	TotalPnL   float64 `json:"totalPnl"`
	TradeCount int     `json:"tradeCount"`
}

// ParseAction normalizes a string into an Action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionHold, ActionClose:
		return a, true
	}
	return "", false
}
