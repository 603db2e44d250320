package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/broker"
	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/internal/store"
)

type mockBroker struct {
	broker.Broker
	mock.Mock
}

func (m *mockBroker) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	args := m.Called(ctx, symbol)
	if t, ok := args.Get(0).(*models.Ticker); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBroker) GetMarkPrice(ctx context.Context, symbol string) (*models.MarkPrice, error) {
	args := m.Called(ctx, symbol)
	if mp, ok := args.Get(0).(*models.MarkPrice); ok {
		return mp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBroker) GetSymbolRules(ctx context.Context, symbol string) models.SymbolRules {
	args := m.Called(ctx, symbol)
	return args.Get(0).(models.SymbolRules)
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*models.OrderResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBroker) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	args := m.Called(ctx, symbol)
	if p, ok := args.Get(0).([]models.Position); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBroker) GetBalance(ctx context.Context) ([]models.Balance, error) {
	args := m.Called(ctx)
	if b, ok := args.Get(0).([]models.Balance); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBroker) IsPaper() bool { return false }

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Decide(ctx context.Context, req OracleRequest) (*OracleResult, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*OracleResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func decide(symbol string, action models.Action, confidence float64) *OracleResult {
	return &OracleResult{
		Decision: models.TradingDecision{
			Action:     action,
			Symbol:     symbol,
			Confidence: confidence,
			Reasoning:  "test",
			Vibe:       models.VibeNeutral,
			Timeframe:  models.TimeframeShort,
			RiskLevel:  models.RiskLow,
		},
		Prompt:      "prompt",
		RawResponse: "{}",
	}
}

func forSymbol(symbol string) interface{} {
	return mock.MatchedBy(func(req OracleRequest) bool { return req.Symbol == symbol })
}

type harness struct {
	orch   *Orchestrator
	broker *mockBroker
	oracle *mockOracle
	store  *store.SQLiteStore
}

func newHarness(t *testing.T, symbols ...string) *harness {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := &mockBroker{}
	o := &mockOracle{}
	orch := NewOrchestrator(b, o, NewRiskEngine(nil), s, OrchestratorConfig{
		Symbols:  symbols,
		Interval: time.Hour,
		DryRun:   true,
		Snapshot: `{"test":true}`,
	}, zerolog.Nop())

	return &harness{orch: orch, broker: b, oracle: o, store: s}
}

// account stubs an account with balance USDT and the given positions.
func (h *harness) account(balance float64, positions ...models.Position) {
	if positions == nil {
		positions = []models.Position{}
	}
	h.broker.On("GetPositions", mock.Anything, "").Return(positions, nil)
	h.broker.On("GetBalance", mock.Anything).Return([]models.Balance{
		{Asset: "USDT", Balance: balance, AvailableBalance: balance},
	}, nil)
}

func (h *harness) price(symbol string, price float64) {
	h.broker.On("GetTicker", mock.Anything, symbol).Return(&models.Ticker{Symbol: symbol, LastPrice: price}, nil)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Start(context.Background()))
}

func (h *harness) decisions(t *testing.T) []models.Decision {
	t.Helper()
	ds, err := h.store.GetDecisions(context.Background(), store.DecisionFilter{})
	require.NoError(t, err)
	return ds
}

func TestBuyIsSizedToBalanceShare(t *testing.T) {
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.broker.On("GetSymbolRules", mock.Anything, "BTCUSDT").
		Return(models.SymbolRules{Symbol: "BTCUSDT", QuantityPrecision: 4, MinNotional: 5})
	h.oracle.On("Decide", mock.Anything, forSymbol("BTCUSDT")).
		Return(decide("BTCUSDT", models.ActionBuy, 0.9), nil)
	h.broker.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r *models.OrderRequest) bool {
		return r.Quantity == "0.0004" && r.Side == models.OrderSideBuy &&
			r.Type == models.OrderTypeMarket && r.PositionSide == models.PositionSideBoth && !r.ReduceOnly
	})).Return(&models.OrderResult{
		OrderID:     42,
		Symbol:      "BTCUSDT",
		Side:        models.OrderSideBuy,
		Type:        models.OrderTypeMarket,
		Status:      "FILLED",
		AvgPrice:    50000,
		ExecutedQty: 0.0004,
	}, nil).Once()

	h.start(t)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	h.broker.AssertExpectations(t)
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	d := ds[0]
	assert.True(t, d.Executed)
	assert.Equal(t, "42", d.OrderID)
	require.NotNil(t, d.RiskCheck)
	assert.True(t, d.RiskCheck.Allowed)
	require.NotNil(t, d.RiskCheck.AdjustedSize)
	assert.InDelta(t, 20, *d.RiskCheck.AdjustedSize, 1e-9)

	trades, err := h.store.GetTrades(context.Background(), store.TradeFilter{DecisionID: d.ID})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 0.0004, trades[0].Quantity, 1e-12)
	assert.InDelta(t, 50000, trades[0].Price, 1e-9)
}

func TestMinNotionalBumpAboveApprovedSizeIsFlagged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	// 20 USD is 0.0004 BTC, which rounds to 0.000 at three decimals
	h.broker.On("GetSymbolRules", mock.Anything, "BTCUSDT").
		Return(models.SymbolRules{Symbol: "BTCUSDT", QuantityPrecision: 3, MinNotional: 5})
	h.oracle.On("Decide", mock.Anything, forSymbol("BTCUSDT")).
		Return(decide("BTCUSDT", models.ActionBuy, 0.9), nil)
	h.broker.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r *models.OrderRequest) bool {
		return r.Quantity == "0.001" && r.Side == models.OrderSideBuy
	})).Return(&models.OrderResult{
		OrderID:     7,
		Symbol:      "BTCUSDT",
		Side:        models.OrderSideBuy,
		Type:        models.OrderTypeMarket,
		Status:      "FILLED",
		AvgPrice:    50000,
		ExecutedQty: 0.001,
	}, nil).Once()

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	h.broker.AssertExpectations(t)
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.True(t, ds[0].Executed)
	require.NotNil(t, ds[0].RiskCheck.AdjustedSize)
	assert.InDelta(t, 20, *ds[0].RiskCheck.AdjustedSize, 1e-9)

	alerts, err := h.store.GetAlerts(ctx, store.AlertFilter{Type: models.AlertRisk})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "BTCUSDT", alerts[0].Metadata["symbol"])
	assert.InDelta(t, 50.0, alerts[0].Metadata["orderUsd"], 1e-6)
	assert.InDelta(t, 20.0, alerts[0].Metadata["allowedUsd"], 1e-6)
}

func TestHoldPlacesNoOrder(t *testing.T) {
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionHold, 0.9), nil)

	h.start(t)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	h.broker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.Equal(t, models.ActionHold, ds[0].Action)
	assert.Nil(t, ds[0].RiskCheck)
	assert.False(t, ds[0].Executed)
}

func TestRiskDenialIsRecordedWithoutOrder(t *testing.T) {
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionBuy, 0.5), nil)

	h.start(t)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	h.broker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	require.NotNil(t, ds[0].RiskCheck)
	assert.False(t, ds[0].RiskCheck.Allowed)
	assert.Contains(t, ds[0].RiskCheck.Reason, "Confidence")

	n, err := h.store.CountAlerts(context.Background(), store.AlertFilter{Type: models.AlertRisk})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDailyLossDenialRaisesRiskAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionSell, 0.9), nil)

	loss := -300.0
	require.NoError(t, h.store.SaveTrade(ctx, &models.Trade{
		Timestamp:   time.Now(),
		OrderID:     "1",
		Symbol:      "BTCUSDT",
		Side:        models.OrderSideSell,
		Type:        models.OrderTypeMarket,
		Price:       50000,
		Quantity:    0.01,
		Status:      "FILLED",
		RealizedPnL: &loss,
	}))

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	h.broker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	alerts, err := h.store.GetAlerts(ctx, store.AlertFilter{Type: models.AlertRisk})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "Daily loss limit")
}

func TestCloseFlattensEveryLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 51000)
	h.account(1000,
		models.Position{Symbol: "BTCUSDT", PositionSide: models.PositionSideLong, Amount: 0.002, EntryPrice: 50000},
		models.Position{Symbol: "BTCUSDT", PositionSide: models.PositionSideShort, Amount: -0.001, EntryPrice: 52000},
		models.Position{Symbol: "ETHUSDT", PositionSide: models.PositionSideBoth, Amount: 1, EntryPrice: 3000},
	)
	h.broker.On("GetSymbolRules", mock.Anything, "BTCUSDT").
		Return(models.SymbolRules{Symbol: "BTCUSDT", QuantityPrecision: 3, MinNotional: 5})
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionClose, 0.9), nil)

	h.broker.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r *models.OrderRequest) bool {
		return r.Side == models.OrderSideSell && r.Quantity == "0.002" && r.PositionSide == models.PositionSideLong
	})).Return(&models.OrderResult{OrderID: 7, Symbol: "BTCUSDT", Side: models.OrderSideSell, Status: "FILLED", AvgPrice: 51000, ExecutedQty: 0.002}, nil).Once()
	h.broker.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r *models.OrderRequest) bool {
		return r.Side == models.OrderSideBuy && r.Quantity == "0.001" && r.PositionSide == models.PositionSideShort
	})).Return(&models.OrderResult{OrderID: 8, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Status: "FILLED", AvgPrice: 51000, ExecutedQty: 0.001}, nil).Once()

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	h.broker.AssertExpectations(t)
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	d := ds[0]
	assert.True(t, d.Executed)
	assert.Equal(t, "7", d.OrderID)
	require.NotNil(t, d.Profitable)
	assert.True(t, *d.Profitable)
	require.NotNil(t, d.PnL)
	assert.InDelta(t, 3, *d.PnL, 1e-9)

	trades, err := h.store.GetTrades(ctx, store.TradeFilter{DecisionID: d.ID})
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestCloseWithoutPositionIsNoop(t *testing.T) {
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionClose, 0.9), nil)

	h.start(t)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	h.broker.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.False(t, ds[0].Executed)
}

func TestConsecutiveLossesTripBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionHold, 0.9), nil)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < MaxConsecutiveLosses; i++ {
		d := &models.Decision{
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			TradingDecision: decide("BTCUSDT", models.ActionClose, 0.9).Decision,
			Price:           50000,
		}
		require.NoError(t, h.store.SaveDecision(ctx, d))
		require.NoError(t, h.store.UpdateDecisionOutcome(ctx, d.ID, false, -1))
	}

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	assert.True(t, h.orch.IsPaused())
	assert.Equal(t, StatePaused, h.orch.Status().State)
	alerts, err := h.store.GetAlerts(ctx, store.AlertFilter{Type: models.AlertCircuitBreaker})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)

	state, err := h.store.GetAgentState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.True(t, state.Paused)
}

func TestSymbolFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "BTCUSDT", "ETHUSDT")
	h.broker.On("GetTicker", mock.Anything, "BTCUSDT").Return(nil, fmt.Errorf("read: connection reset"))
	h.price("ETHUSDT", 3000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, forSymbol("ETHUSDT")).Return(decide("ETHUSDT", models.ActionHold, 0.9), nil)

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.Equal(t, "ETHUSDT", ds[0].Symbol)

	alerts, err := h.store.GetAlerts(ctx, store.AlertFilter{Type: models.AlertError})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "BTCUSDT", alerts[0].Metadata["symbol"])
	assert.False(t, h.orch.IsPaused())
}

func TestAuthFailureAbortsCycleAndPauses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "BTCUSDT", "ETHUSDT")
	h.price("BTCUSDT", 50000)
	h.broker.On("GetPositions", mock.Anything, "").Return([]models.Position{}, nil)
	h.broker.On("GetBalance", mock.Anything).
		Return(nil, errors.NewExchangeError("/fapi/v2/balance", 401, -2015, "Invalid API-key", ""))

	h.start(t)
	err := h.orch.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsAuthOrBalanceFailure(err))
	h.broker.AssertNotCalled(t, "GetTicker", mock.Anything, "ETHUSDT")

	h.orch.handleError(ctx, err)
	assert.True(t, h.orch.IsPaused())
}

func TestOracleFailureSavesNothing(t *testing.T) {
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("oracle BTCUSDT: timeout"))

	h.start(t)
	require.NoError(t, h.orch.RunCycle(context.Background()))

	assert.Empty(t, h.decisions(t))
	n, err := h.store.CountAlerts(context.Background(), store.AlertFilter{Type: models.AlertError})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestControlStateMachine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.orch

	assert.ErrorIs(t, o.Pause(ctx), errors.ErrAgentNotRunning)
	assert.ErrorIs(t, o.Resume(ctx), errors.ErrAgentNotRunning)
	assert.ErrorIs(t, o.RunCycle(ctx), errors.ErrAgentNotRunning)
	assert.NoError(t, o.Stop(ctx))

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx))
	assert.Equal(t, StateRunning, o.Status().State)

	require.NoError(t, o.Pause(ctx))
	require.NoError(t, o.Pause(ctx))
	assert.Equal(t, StatePaused, o.Status().State)

	require.NoError(t, o.Resume(ctx))
	assert.Equal(t, StateRunning, o.Status().State)

	require.NoError(t, o.Pause(ctx))
	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, StateStopped, o.Status().State)

	state, err := h.store.GetAgentState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.False(t, state.Paused)
	assert.Equal(t, `{"test":true}`, state.Config)
}

func TestPeakEquitySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionHold, 0.9), nil)

	require.NoError(t, h.store.UpdatePeakEquity(ctx, 1250))
	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	status := h.orch.Status()
	assert.InDelta(t, 1250, status.PeakEquity, 1e-9)
	// 1000 against a 1250 peak is a 20% drawdown, which trips the breaker
	assert.InDelta(t, 20, status.Drawdown, 1e-9)
	assert.True(t, h.orch.IsPaused())
}

func TestLockedMarginIsNotDrawdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.broker.On("GetPositions", mock.Anything, "").Return([]models.Position{
		{Symbol: "BTCUSDT", PositionSide: models.PositionSideBoth, Amount: 0.004, EntryPrice: 50000, MarkPrice: 50000},
	}, nil)
	h.broker.On("GetBalance", mock.Anything).Return([]models.Balance{
		{Asset: "USDT", Balance: 1000, AvailableBalance: 800, CrossWalletBalance: 1000},
	}, nil)
	h.oracle.On("Decide", mock.Anything, mock.MatchedBy(func(req OracleRequest) bool {
		return req.Risk.AccountBalance == 800
	})).Return(decide("BTCUSDT", models.ActionHold, 0.9), nil)

	require.NoError(t, h.store.UpdatePeakEquity(ctx, 1000))
	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	h.oracle.AssertExpectations(t)
	status := h.orch.Status()
	assert.InDelta(t, 0, status.Drawdown, 1e-9)
	assert.InDelta(t, 1000, status.PeakEquity, 1e-9)
	assert.False(t, h.orch.IsPaused())
}

func TestUnrealizedLossCountsTowardDrawdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.broker.On("GetPositions", mock.Anything, "").Return([]models.Position{
		{Symbol: "BTCUSDT", Amount: 0.004, EntryPrice: 50000, UnrealizedPnL: -200},
	}, nil)
	h.broker.On("GetBalance", mock.Anything).Return([]models.Balance{
		{Asset: "USDT", Balance: 1000, AvailableBalance: 600, CrossWalletBalance: 1000, CrossUnPnL: -200},
	}, nil)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionHold, 0.9), nil)

	require.NoError(t, h.store.UpdatePeakEquity(ctx, 1000))
	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	// 800 against a 1000 peak
	assert.InDelta(t, 20, h.orch.Status().Drawdown, 1e-9)
	assert.True(t, h.orch.IsPaused())
}

func TestRecentErrorsTripBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.broker.On("GetTicker", mock.Anything, "BTCUSDT").Return(nil, fmt.Errorf("read: connection reset"))
	h.account(1000)

	for i := 0; i < MaxRecentErrors-1; i++ {
		require.NoError(t, h.store.SaveAlert(ctx, &models.Alert{
			Timestamp: time.Now().Add(-time.Duration(i+1) * time.Minute),
			Type:      models.AlertError,
			Severity:  models.SeverityMedium,
			Message:   "BTCUSDT: read: connection reset",
		}))
	}
	// outside the window
	require.NoError(t, h.store.SaveAlert(ctx, &models.Alert{
		Timestamp: time.Now().Add(-2 * time.Hour),
		Type:      models.AlertError,
		Severity:  models.SeverityMedium,
		Message:   "stale",
	}))

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))

	assert.True(t, h.orch.IsPaused())
	alerts, err := h.store.GetAlerts(ctx, store.AlertFilter{Type: models.AlertCircuitBreaker})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "5 recent errors")
}

func TestFewErrorsKeepRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.broker.On("GetTicker", mock.Anything, "BTCUSDT").Return(nil, fmt.Errorf("read: connection reset"))
	h.account(1000)

	for i := 0; i < MaxRecentErrors-2; i++ {
		require.NoError(t, h.store.SaveAlert(ctx, &models.Alert{
			Timestamp: time.Now().Add(-time.Minute),
			Type:      models.AlertError,
			Severity:  models.SeverityMedium,
			Message:   "earlier failure",
		}))
	}

	h.start(t)
	require.NoError(t, h.orch.RunCycle(ctx))
	assert.False(t, h.orch.IsPaused())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.price("BTCUSDT", 50000)
	h.account(1000)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decide("BTCUSDT", models.ActionHold, 0.9), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return h.orch.Status().Cycles >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.orch.IsRunning())

	state, err := h.store.GetAgentState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Running)
}
