package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func sampleDecision(symbol string, action models.Action, at time.Time) *models.Decision {
	return &models.Decision{
		Timestamp: at,
		TradingDecision: models.TradingDecision{
			Action:     action,
			Symbol:     symbol,
			Size:       f64(0.01),
			Confidence: 0.85,
			Reasoning:  "momentum",
			Vibe:       models.VibeBullish,
			Timeframe:  models.TimeframeShort,
			StopLoss:   f64(48500),
			RiskLevel:  models.RiskMedium,
		},
		Price: 50000,
		MarketData: &models.MarketContext{
			Price:            50000,
			ChangePercent24h: 1.5,
			FundingRate:      f64(0.0001),
		},
		RawResponse: `{"action":"BUY"}`,
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.UnixMilli(1700000000123)

	d := sampleDecision("BTCUSDT", models.ActionBuy, at)
	require.NoError(t, s.SaveDecision(ctx, d))
	require.NotEmpty(t, d.ID)

	got, err := s.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.Timestamp.UnixMilli())
	assert.Equal(t, d.TradingDecision, got.TradingDecision)
	assert.Equal(t, d.MarketData, got.MarketData)
	assert.Equal(t, 50000.0, got.Price)
	assert.Nil(t, got.RiskCheck)
	assert.False(t, got.Executed)
	assert.False(t, got.Resolved())

	require.NoError(t, s.SaveRiskCheck(ctx, d.ID, models.RiskCheck{Allowed: true, Reason: "capped", AdjustedSize: f64(20)}))
	require.NoError(t, s.MarkDecisionExecuted(ctx, d.ID, "42"))
	require.NoError(t, s.UpdateDecisionOutcome(ctx, d.ID, false, -1.25))

	got, err = s.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RiskCheck)
	assert.True(t, got.RiskCheck.Allowed)
	assert.Equal(t, "capped", got.RiskCheck.Reason)
	assert.Equal(t, 20.0, *got.RiskCheck.AdjustedSize)
	assert.True(t, got.Executed)
	assert.Equal(t, "42", got.OrderID)
	require.True(t, got.Resolved())
	assert.False(t, *got.Profitable)
	assert.Equal(t, -1.25, *got.PnL)
}

func TestUpdatesOnMissingDecision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.MarkDecisionExecuted(ctx, "missing", "1")
	assert.ErrorIs(t, err, errors.ErrDataNotFound)
	var pe *errors.PersistenceError
	assert.ErrorAs(t, err, &pe)

	_, err = s.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrDataNotFound)
}

func TestGetDecisionsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.UnixMilli(1700000000000)

	for i, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT", "BTCUSDT"} {
		d := sampleDecision(sym, models.ActionHold, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SaveDecision(ctx, d))
		if i == 1 {
			require.NoError(t, s.UpdateDecisionOutcome(ctx, d.ID, true, 3))
		}
	}

	all, err := s.GetDecisions(ctx, DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].Timestamp.After(all[3].Timestamp), "newest first")

	btc, err := s.GetDecisions(ctx, DecisionFilter{Symbol: "BTCUSDT", Limit: 2})
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, base.Add(3*time.Minute).UnixMilli(), btc[0].Timestamp.UnixMilli())

	resolved, err := s.GetDecisions(ctx, DecisionFilter{Resolved: BoolPtr(true)})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "ETHUSDT", resolved[0].Symbol)

	since, err := s.GetDecisions(ctx, DecisionFilter{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	executed, err := s.GetDecisions(ctx, DecisionFilter{Executed: BoolPtr(true)})
	require.NoError(t, err)
	assert.Empty(t, executed)
}

func TestTradesLinkedToDecision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := sampleDecision("BTCUSDT", models.ActionClose, time.Now())
	require.NoError(t, s.SaveDecision(ctx, d))

	for _, pnl := range []float64{2.5, -1} {
		require.NoError(t, s.SaveTrade(ctx, &models.Trade{
			DecisionID:   d.ID,
			OrderID:      "7",
			Symbol:       "BTCUSDT",
			Side:         models.OrderSideSell,
			Type:         models.OrderTypeMarket,
			PositionSide: models.PositionSideBoth,
			Price:        50100,
			Quantity:     0.01,
			Status:       "FILLED",
			RealizedPnL:  f64(pnl),
			IsPaper:      true,
		}))
	}
	require.NoError(t, s.SaveTrade(ctx, &models.Trade{OrderID: "8", Symbol: "ETHUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Price: 3000, Quantity: 0.01}))

	legs, err := s.GetTrades(ctx, TradeFilter{DecisionID: d.ID})
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		assert.True(t, leg.IsPaper)
		assert.NotNil(t, leg.RealizedPnL)
	}

	eth, err := s.GetTrades(ctx, TradeFilter{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, eth, 1)
	assert.Nil(t, eth[0].RealizedPnL)
	assert.Empty(t, eth[0].DecisionID)
}

func TestAgentStateSingleton(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	state, err := s.GetAgentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AgentState{}, *state)

	started := time.UnixMilli(1700000000000)
	require.NoError(t, s.SaveAgentState(ctx, &models.AgentState{Running: true, StartedAt: started, LastHeartbeat: started, Config: `{"dryRun":true}`}))
	require.NoError(t, s.UpdateHeartbeat(ctx, started.Add(time.Minute)))
	require.NoError(t, s.UpdatePeakEquity(ctx, 1234.5))

	state, err = s.GetAgentState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.False(t, state.Paused)
	assert.Equal(t, started.Add(time.Minute).UnixMilli(), state.LastHeartbeat.UnixMilli())
	assert.Equal(t, 1234.5, state.PeakEquity)
	assert.Equal(t, `{"dryRun":true}`, state.Config)

	// a full save replaces every column, including the peak
	require.NoError(t, s.SaveAgentState(ctx, &models.AgentState{Paused: true, PeakEquity: 1234.5}))
	state, err = s.GetAgentState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.True(t, state.Paused)
	assert.Equal(t, 1234.5, state.PeakEquity)
}

func TestAlertsCountWithinWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	save := func(typ models.AlertType, age time.Duration) {
		require.NoError(t, s.SaveAlert(ctx, &models.Alert{
			Timestamp: now.Add(-age),
			Type:      typ,
			Severity:  models.SeverityMedium,
			Message:   "boom",
			Metadata:  map[string]interface{}{"symbol": "BTCUSDT"},
		}))
	}
	save(models.AlertError, time.Minute)
	save(models.AlertError, 5*time.Minute)
	save(models.AlertError, time.Hour)
	save(models.AlertRisk, time.Minute)

	n, err := s.CountAlerts(ctx, AlertFilter{Type: models.AlertError, Since: now.Add(-15 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	alerts, err := s.GetAlerts(ctx, AlertFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "BTCUSDT", alerts[0].Metadata["symbol"])
}

// Property: a saved decision reads back with the same decision fields.
func TestProperty_DecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("save then get preserves decision fields", prop.ForAll(
		func(action string, confidence float64, size float64, reasoning string) bool {
			d := sampleDecision("SOLUSDT", models.Action(action), time.Now())
			d.Confidence = confidence
			d.Size = f64(size)
			d.Reasoning = reasoning
			if err := s.SaveDecision(ctx, d); err != nil {
				return false
			}
			got, err := s.GetDecision(ctx, d.ID)
			if err != nil {
				return false
			}
			return got.Action == d.Action &&
				got.Confidence == d.Confidence &&
				*got.Size == *d.Size &&
				got.Reasoning == d.Reasoning
		},
		gen.OneConstOf("BUY", "SELL", "HOLD", "CLOSE"),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 100),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
