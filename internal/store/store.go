// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"vibe-trader/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Decisions
	SaveDecision(ctx context.Context, decision *models.Decision) error
	SaveRiskCheck(ctx context.Context, decisionID string, check models.RiskCheck) error
	MarkDecisionExecuted(ctx context.Context, decisionID, orderID string) error
	UpdateDecisionOutcome(ctx context.Context, decisionID string, profitable bool, pnl float64) error
	GetDecision(ctx context.Context, id string) (*models.Decision, error)
	GetDecisions(ctx context.Context, filter DecisionFilter) ([]models.Decision, error)

	// Trades
	SaveTrade(ctx context.Context, trade *models.Trade) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)

	// Agent state (single row)
	GetAgentState(ctx context.Context) (*models.AgentState, error)
	SaveAgentState(ctx context.Context, state *models.AgentState) error
	UpdateHeartbeat(ctx context.Context, at time.Time) error
	UpdatePeakEquity(ctx context.Context, peak float64) error

	// Alerts
	SaveAlert(ctx context.Context, alert *models.Alert) error
	GetAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	CountAlerts(ctx context.Context, filter AlertFilter) (int, error)

	// Lifecycle
	Close() error
}

// DecisionFilter represents filters for querying decisions.
// Results are ordered newest first.
type DecisionFilter struct {
	Symbol   string
	Action   models.Action
	Executed *bool
	Resolved *bool
	Since    time.Time
	Until    time.Time
	Limit    int
}

// TradeFilter represents filters for querying trades.
// Results are ordered newest first.
type TradeFilter struct {
	Symbol     string
	DecisionID string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// AlertFilter represents filters for querying alerts.
type AlertFilter struct {
	Type     models.AlertType
	Severity models.Severity
	Since    time.Time
	Limit    int
}

// BoolPtr is a convenience for filter fields.
func BoolPtr(b bool) *bool {
	return &b
}
