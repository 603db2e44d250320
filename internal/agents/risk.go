package agents

import (
	"fmt"
	"math"
	"strings"

	"vibe-trader/internal/config"
	"vibe-trader/internal/models"
)

// Circuit breaker thresholds.
const (
	MaxConsecutiveLosses = 3
	MaxDrawdownPercent   = 15.0
	MaxRecentErrors      = 5

	// PerTradeBalancePercent caps any single order at this share of the balance.
	PerTradeBalancePercent = 2.0
)

const reasonDailyLoss = "Daily loss limit reached"

// RiskEngine gates decisions against fixed limits. It keeps no state.
type RiskEngine struct {
	config *config.RiskConfig
}

// NewRiskEngine creates a risk engine. A nil config uses the defaults.
func NewRiskEngine(riskConfig *config.RiskConfig) *RiskEngine {
	if riskConfig == nil {
		def := config.DefaultRiskConfig()
		riskConfig = &def
	}
	return &RiskEngine{config: riskConfig}
}

// Config returns the limits in force.
func (e *RiskEngine) Config() config.RiskConfig {
	return *e.config
}

// Evaluate applies the checks in order; the first denial wins. When both size
// caps apply, the tighter one is reported.
func (e *RiskEngine) Evaluate(action models.Action, proposedSizeUSD, confidence float64, positions []models.Position, accountBalance, dailyPnL float64) models.RiskCheck {
	cfg := e.config

	if confidence < cfg.MinConfidence {
		return deny(fmt.Sprintf("Confidence %.2f below minimum %.2f", confidence, cfg.MinConfidence))
	}

	if action == models.ActionHold {
		return models.RiskCheck{Allowed: true}
	}

	if accountBalance > 0 {
		lossPct := dailyPnL / accountBalance * 100
		if lossPct <= -cfg.MaxDailyLossPercent {
			return deny(fmt.Sprintf("%s: %.2f%% (max %.2f%%)", reasonDailyLoss, lossPct, cfg.MaxDailyLossPercent))
		}
	}

	if action.IsOpening() {
		if open := models.CountOpen(positions); open >= cfg.MaxOpenPositions {
			return deny(fmt.Sprintf("Max open positions reached: %d (max %d)", open, cfg.MaxOpenPositions))
		}
	}

	check := models.RiskCheck{Allowed: true}
	if proposedSizeUSD > cfg.MaxPositionSizeUSD {
		capped := cfg.MaxPositionSizeUSD
		check.AdjustedSize = &capped
		check.Reason = fmt.Sprintf("Size reduced from $%.2f to max position size $%.2f", proposedSizeUSD, capped)
	}
	size := proposedSizeUSD
	if check.AdjustedSize != nil {
		size = *check.AdjustedSize
	}
	perTrade := accountBalance * PerTradeBalancePercent / 100
	if size > perTrade {
		capped := perTrade
		check.AdjustedSize = &capped
		check.Reason = fmt.Sprintf("Size reduced from $%.2f to %.0f%% of balance $%.2f", proposedSizeUSD, PerTradeBalancePercent, capped)
	}
	return check
}

func deny(reason string) models.RiskCheck {
	return models.RiskCheck{Allowed: false, Reason: reason}
}

// IsDailyLossDenial reports whether check was denied by the daily loss limit.
func IsDailyLossDenial(check models.RiskCheck) bool {
	return !check.Allowed && strings.HasPrefix(check.Reason, reasonDailyLoss)
}

// CircuitBreakerResult tells the caller whether to pause trading.
type CircuitBreakerResult struct {
	Pause  bool
	Reason string
}

// CircuitBreaker reports the first tripped condition, if any.
func (e *RiskEngine) CircuitBreaker(consecutiveLosses int, drawdownPercent float64, errorCount int) CircuitBreakerResult {
	switch {
	case consecutiveLosses >= MaxConsecutiveLosses:
		return CircuitBreakerResult{Pause: true, Reason: fmt.Sprintf("%d consecutive losses", consecutiveLosses)}
	case drawdownPercent > MaxDrawdownPercent:
		return CircuitBreakerResult{Pause: true, Reason: fmt.Sprintf("Drawdown %.2f%% exceeds %.0f%%", drawdownPercent, MaxDrawdownPercent)}
	case errorCount >= MaxRecentErrors:
		return CircuitBreakerResult{Pause: true, Reason: fmt.Sprintf("%d recent errors", errorCount)}
	}
	return CircuitBreakerResult{}
}

// StopLossPrice returns the stop for a position opened at entry.
func (e *RiskEngine) StopLossPrice(entry float64, side models.OrderSide) float64 {
	pct := e.config.StopLossPercent / 100
	if side == models.OrderSideSell {
		return entry * (1 + pct)
	}
	return entry * (1 - pct)
}

// TakeProfitPrice returns the target for a position opened at entry.
func (e *RiskEngine) TakeProfitPrice(entry float64, side models.OrderSide) float64 {
	pct := e.config.TakeProfitPercent / 100
	if side == models.OrderSideSell {
		return entry * (1 - pct)
	}
	return entry * (1 + pct)
}

// QuantityForNotional converts a USD amount to base quantity.
func QuantityForNotional(usd, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return usd / price
}

// KellySize returns a half-Kelly position size in USD, capped at 5% of the
// balance. Degenerate inputs size at 1% of the balance.
func KellySize(winRatePercent, avgWin, avgLoss, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	if winRatePercent <= 0 || avgWin <= 0 || avgLoss == 0 {
		return balance * 0.01
	}
	p := winRatePercent / 100
	ratio := avgWin / math.Abs(avgLoss)
	kelly := (p - (1-p)/ratio) / 2
	kelly = math.Max(0, math.Min(kelly, 0.05))
	return kelly * balance
}
