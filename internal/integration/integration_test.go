// Package integration runs the agent end to end against a simulated venue.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/agents"
	"vibe-trader/internal/api"
	"vibe-trader/internal/broker"
	"vibe-trader/internal/models"
	"vibe-trader/internal/resilience"
	"vibe-trader/internal/store"
)

// venue serves the public market data endpoints with a settable price.
type venue struct {
	mu    sync.Mutex
	price float64
	calls map[string]int
}

func newVenue(t *testing.T, price float64) (*venue, *httptest.Server) {
	t.Helper()
	v := &venue{price: price, calls: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(srv.Close)
	return v, srv
}

func (v *venue) setPrice(p float64) {
	v.mu.Lock()
	v.price = p
	v.mu.Unlock()
}

func (v *venue) serve(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	price := v.price
	v.calls[r.URL.Path]++
	v.mu.Unlock()

	symbol := r.URL.Query().Get("symbol")
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/fapi/v1/ticker/24hr":
		fmt.Fprintf(w, `{"symbol":%q,"lastPrice":"%.2f","priceChange":"120.5","priceChangePercent":"0.24",
			"highPrice":"%.2f","lowPrice":"%.2f","volume":"1520.3","quoteVolume":"76015000",
			"openTime":1767225600000,"closeTime":1767311999999}`, symbol, price, price*1.01, price*0.98)
	case "/fapi/v1/premiumIndex":
		fmt.Fprintf(w, `{"symbol":%q,"markPrice":"%.2f","lastFundingRate":"0.0001","nextFundingTime":1767254400000}`, symbol, price)
	case "/fapi/v1/exchangeInfo":
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","quantityPrecision":4,
			"filters":[{"filterType":"LOT_SIZE","stepSize":"0.0001"},{"filterType":"MIN_NOTIONAL","notional":"5"}]}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":-1000,"msg":"not found"}`)
	}
}

func (v *venue) count(path string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[path]
}

// scriptedLLM replies with canned completions in order.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (s *scriptedLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, userPrompt)
	if len(s.replies) == 0 {
		return "", fmt.Errorf("no scripted reply left")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func reply(action string, confidence float64, reasoning string) string {
	return fmt.Sprintf("Here is my call:\n```json\n{\"action\":%q,\"symbol\":\"BTCUSDT\",\"confidence\":%.2f,"+
		"\"reasoning\":%q,\"vibe\":\"bullish\",\"timeframe\":\"short\",\"riskLevel\":\"medium\"}\n```", action, confidence, reasoning)
}

type system struct {
	venue *venue
	llm   *scriptedLLM
	paper *broker.PaperBroker
	store *store.SQLiteStore
	orch  *agents.Orchestrator
	risk  *agents.RiskEngine
}

func newSystem(t *testing.T, replies ...string) *system {
	t.Helper()
	logger := zerolog.Nop()

	v, srv := newVenue(t, 50000)
	exchange := broker.NewAsterBroker(broker.AsterConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil, logger)
	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{DataBroker: exchange, InitialBalance: 1000})

	dataStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dataStore.Close() })

	llm := &scriptedLLM{replies: replies}
	breaker := resilience.NewCircuitBreaker("oracle", resilience.DefaultCircuitBreakerConfig(), logger)
	oracle := agents.NewLLMOracle(llm, breaker, logger)
	risk := agents.NewRiskEngine(nil)

	orch := agents.NewOrchestrator(paper, oracle, risk, dataStore, agents.OrchestratorConfig{
		Symbols:  []string{"BTCUSDT"},
		Interval: time.Hour,
		DryRun:   true,
	}, logger)

	return &system{venue: v, llm: llm, paper: paper, store: dataStore, orch: orch, risk: risk}
}

// TestOpenAndCloseRoundTrip drives one BUY cycle and one CLOSE cycle through
// the paper account and checks what the API reports afterwards.
func TestOpenAndCloseRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sys := newSystem(t,
		reply("BUY", 0.85, "breakout above range high"),
		reply("CLOSE", 0.8, "target reached"),
	)
	require.NoError(t, sys.orch.Start(ctx))

	// BUY without a size falls back to the $50 cap, then the 2% balance cap.
	require.NoError(t, sys.orch.RunCycle(ctx))

	positions, err := sys.paper.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.0004, positions[0].Amount, 1e-12)
	assert.InDelta(t, 50000.0, positions[0].EntryPrice, 1e-9)

	buys, err := sys.store.GetDecisions(ctx, store.DecisionFilter{Action: models.ActionBuy})
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.True(t, buys[0].Executed)
	require.NotNil(t, buys[0].RiskCheck)
	require.NotNil(t, buys[0].RiskCheck.AdjustedSize)
	assert.InDelta(t, 20.0, *buys[0].RiskCheck.AdjustedSize, 1e-9)
	assert.Equal(t, 0, sys.venue.count("/fapi/v1/premiumIndex"))

	sys.venue.setPrice(51000)
	require.NoError(t, sys.orch.RunCycle(ctx))

	positions, err = sys.paper.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0, models.CountOpen(positions))

	closes, err := sys.store.GetDecisions(ctx, store.DecisionFilter{Action: models.ActionClose})
	require.NoError(t, err)
	require.Len(t, closes, 1)
	require.True(t, closes[0].Resolved())
	assert.True(t, *closes[0].Profitable)
	assert.InDelta(t, 0.4, *closes[0].PnL, 1e-6)

	trades, err := sys.store.GetTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.True(t, tr.IsPaper)
		assert.Equal(t, "FILLED", tr.Status)
	}

	// the second prompt sees the open position
	require.Len(t, sys.llm.prompts, 2)
	assert.Contains(t, sys.llm.prompts[1], "0.0004")

	server, err := api.NewServer(api.ServerConfig{
		Store:   sys.store,
		Broker:  sys.paper,
		Agent:   sys.orch,
		Risk:    sys.risk,
		Symbols: []string{"BTCUSDT"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	apiSrv := httptest.NewServer(server.Handler())
	defer apiSrv.Close()

	var series []api.PnLPoint
	getJSON(t, apiSrv.URL+"/api/pnl", &series)
	require.Len(t, series, 1)
	assert.InDelta(t, 0.4, series[0].PnL, 1e-6)

	var stats api.Stats
	getJSON(t, apiSrv.URL+"/api/stats", &stats)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.Resolved)
	assert.InDelta(t, 100.0, stats.WinRate, 1e-9)
	assert.Zero(t, stats.OpenPositions)

	var status agents.AgentStatus
	getJSON(t, apiSrv.URL+"/api/status", &status)
	assert.Equal(t, agents.StateRunning, status.State)
	assert.Equal(t, int64(2), status.Cycles)

	require.NoError(t, sys.orch.Stop(ctx))
	state, err := sys.store.GetAgentState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.GreaterOrEqual(t, state.PeakEquity, 1000.0)
}

// TestUnparseableReplyHolds checks that a reply which fails validation is
// stored as a fallback HOLD and never reaches the paper account.
func TestUnparseableReplyHolds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sys := newSystem(t, `{"action":"YOLO","symbol":"BTCUSDT","confidence":2}`)
	require.NoError(t, sys.orch.Start(ctx))
	require.NoError(t, sys.orch.RunCycle(ctx))

	decisions, err := sys.store.GetDecisions(ctx, store.DecisionFilter{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, models.ActionHold, decisions[0].Action)
	assert.True(t, decisions[0].Fallback)
	assert.Equal(t, agents.FallbackReasoning, decisions[0].Reasoning)
	assert.Nil(t, decisions[0].RiskCheck)

	trades, err := sys.store.GetTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, trades)

	orders, err := sys.paper.GetAllOrders(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

// TestVenueOutageIsIsolated checks that a failing ticker is recorded as an
// ERROR alert without aborting the cycle.
func TestVenueOutageIsIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sys := newSystem(t)
	sys.orch = agents.NewOrchestrator(sys.paper, agents.NewLLMOracle(sys.llm,
		resilience.NewCircuitBreaker("oracle", resilience.DefaultCircuitBreakerConfig(), zerolog.Nop()), zerolog.Nop()),
		sys.risk, sys.store, agents.OrchestratorConfig{Symbols: []string{"NOPEUSDT"}, DryRun: true}, zerolog.Nop())
	sys.venue.setPrice(0)

	require.NoError(t, sys.orch.Start(ctx))
	require.NoError(t, sys.orch.RunCycle(ctx))

	alerts, err := sys.store.GetAlerts(ctx, store.AlertFilter{Type: models.AlertError})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "NOPEUSDT", alerts[0].Metadata["symbol"])
	assert.Empty(t, sys.llm.prompts)
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
