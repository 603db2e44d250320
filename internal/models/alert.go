package models

import "time"

// AlertType classifies an alert.
type AlertType string

const (
	AlertError          AlertType = "ERROR"
	AlertCircuitBreaker AlertType = "CIRCUIT_BREAKER"
	AlertRisk           AlertType = "RISK"
	AlertSystem         AlertType = "SYSTEM"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an operator-facing event record.
type Alert struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      AlertType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AgentState is the persisted mirror of the agent's lifecycle.
type AgentState struct {
	Running       bool      `json:"isRunning"`
	Paused        bool      `json:"isPaused"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	StartedAt     time.Time `json:"startedAt"`
	PeakEquity    float64   `json:"peakEquity"`
	Config        string    `json:"config,omitempty"`
}
