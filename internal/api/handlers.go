package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vibe-trader/internal/agents"
	"vibe-trader/internal/broker"
	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	queryTimeout = 5 * time.Second
)

type handlers struct {
	store   store.DataStore
	broker  broker.Broker
	agent   Controller
	risk    *agents.RiskEngine
	symbols []string
	logger  zerolog.Logger
}

func (h *handlers) register(group *gin.RouterGroup) {
	group.GET("/health", h.health)
	group.GET("/status", h.status)
	group.GET("/stats", h.stats)
	group.GET("/decisions", h.decisions)
	group.GET("/decisions/latest", h.latestDecision)
	group.GET("/latest", h.latestPerSymbol)
	group.GET("/positions", h.positions)
	group.GET("/trades", h.trades)
	group.GET("/pnl", h.pnl)
	group.GET("/alerts", h.alerts)
	group.POST("/agent/control", h.control)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (h *handlers) fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	state, err := h.store.GetAgentState(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"agent": gin.H{
			"running":       state.Running,
			"paused":        state.Paused,
			"lastHeartbeat": state.LastHeartbeat,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *handlers) status(c *gin.Context) {
	if h.agent != nil {
		c.JSON(http.StatusOK, h.agent.Status())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	state, err := h.store.GetAgentState(ctx)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Stats is the account summary served by /api/stats.
type Stats struct {
	Balance       float64 `json:"balance"`
	RealizedPnL   float64 `json:"realizedPnl"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	TotalPnL      float64 `json:"totalPnl"`
	WinRate       float64 `json:"winRate"`
	Resolved      int     `json:"resolvedDecisions"`
	TotalTrades   int     `json:"totalTrades"`
	OpenPositions int     `json:"openPositions"`
	KellySizeUSD  float64 `json:"kellySizeUsd"`
}

func (h *handlers) stats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	var out Stats
	var positions []models.Position
	if h.broker != nil {
		balances, err := h.broker.GetBalance(ctx)
		if err != nil {
			h.fail(c, http.StatusBadGateway, err)
			return
		}
		if bal, ok := models.FindBalance(balances, broker.QuoteAsset); ok {
			out.Balance = bal.AvailableBalance
		}
		if positions, err = h.broker.GetPositions(ctx, ""); err != nil {
			h.fail(c, http.StatusBadGateway, err)
			return
		}
	}
	for _, p := range positions {
		if p.IsOpen() {
			out.OpenPositions++
			out.UnrealizedPnL += p.UnrealizedPnL
		}
	}

	resolved, err := h.store.GetDecisions(ctx, store.DecisionFilter{Resolved: store.BoolPtr(true)})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	var wins, losses int
	var winSum, lossSum float64
	for _, d := range resolved {
		pnl := 0.0
		if d.PnL != nil {
			pnl = *d.PnL
		}
		out.RealizedPnL += pnl
		if *d.Profitable {
			wins++
			winSum += pnl
		} else {
			losses++
			lossSum += pnl
		}
	}
	out.Resolved = len(resolved)
	out.TotalPnL = out.RealizedPnL + out.UnrealizedPnL
	if out.Resolved > 0 {
		out.WinRate = float64(wins) / float64(out.Resolved) * 100
	}

	var avgWin, avgLoss float64
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	out.KellySizeUSD = agents.KellySize(out.WinRate, avgWin, avgLoss, out.Balance)

	trades, err := h.store.GetTrades(ctx, store.TradeFilter{})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	out.TotalTrades = len(trades)

	c.JSON(http.StatusOK, out)
}

func (h *handlers) decisions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	filter := store.DecisionFilter{
		Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Limit:  queryLimit(c),
	}
	if a := c.Query("action"); a != "" {
		action, ok := models.ParseAction(a)
		if !ok {
			h.fail(c, http.StatusBadRequest, errors.NewValidationError("action", a, "must be BUY, SELL, HOLD or CLOSE"))
			return
		}
		filter.Action = action
	}

	ds, err := h.store.GetDecisions(ctx, filter)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if ds == nil {
		ds = []models.Decision{}
	}
	c.JSON(http.StatusOK, ds)
}

// DecisionWithTrades is a decision and the orders it produced.
type DecisionWithTrades struct {
	models.Decision
	Trades []models.Trade `json:"trades"`
}

func (h *handlers) withTrades(ctx context.Context, d models.Decision) (DecisionWithTrades, error) {
	trades, err := h.store.GetTrades(ctx, store.TradeFilter{DecisionID: d.ID})
	if err != nil {
		return DecisionWithTrades{}, err
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	return DecisionWithTrades{Decision: d, Trades: trades}, nil
}

func (h *handlers) latestDecision(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	ds, err := h.store.GetDecisions(ctx, store.DecisionFilter{Limit: 1})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if len(ds) == 0 {
		c.JSON(http.StatusOK, nil)
		return
	}
	out, err := h.withTrades(ctx, ds[0])
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) latestPerSymbol(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	out := make(map[string]DecisionWithTrades, len(h.symbols))
	for _, symbol := range h.symbols {
		ds, err := h.store.GetDecisions(ctx, store.DecisionFilter{Symbol: symbol, Limit: 1})
		if err != nil {
			h.fail(c, http.StatusInternalServerError, err)
			return
		}
		if len(ds) == 0 {
			continue
		}
		d, err := h.withTrades(ctx, ds[0])
		if err != nil {
			h.fail(c, http.StatusInternalServerError, err)
			return
		}
		out[symbol] = d
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) positions(c *gin.Context) {
	if h.broker == nil {
		h.fail(c, http.StatusServiceUnavailable, errors.New("no exchange configured"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	all, err := h.broker.GetPositions(ctx, strings.ToUpper(c.Query("symbol")))
	if err != nil {
		h.fail(c, http.StatusBadGateway, err)
		return
	}
	open := make([]models.Position, 0, len(all))
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	c.JSON(http.StatusOK, open)
}

func (h *handlers) trades(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	ts, err := h.store.GetTrades(ctx, store.TradeFilter{
		Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Limit:  queryLimit(c),
	})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if ts == nil {
		ts = []models.Trade{}
	}
	c.JSON(http.StatusOK, ts)
}

// PnLPoint is one step of the cumulative realized P&L series.
type PnLPoint struct {
	Timestamp time.Time `json:"timestamp"`
	PnL       float64   `json:"pnl"`
}

func (h *handlers) pnl(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	resolved, err := h.store.GetDecisions(ctx, store.DecisionFilter{Resolved: store.BoolPtr(true)})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Timestamp.Before(resolved[j].Timestamp) })

	series := make([]PnLPoint, 0, len(resolved))
	cumulative := 0.0
	for _, d := range resolved {
		if d.PnL != nil {
			cumulative += *d.PnL
		}
		series = append(series, PnLPoint{Timestamp: d.Timestamp, PnL: cumulative})
	}
	c.JSON(http.StatusOK, series)
}

func (h *handlers) alerts(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	as, err := h.store.GetAlerts(ctx, store.AlertFilter{
		Type:  models.AlertType(strings.ToUpper(c.Query("type"))),
		Limit: queryLimit(c),
	})
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if as == nil {
		as = []models.Alert{}
	}
	c.JSON(http.StatusOK, as)
}

// ControlRequest is the body of POST /api/agent/control.
type ControlRequest struct {
	Action string `json:"action" binding:"required"`
}

func (h *handlers) control(c *gin.Context) {
	if h.agent == nil {
		h.fail(c, http.StatusServiceUnavailable, errors.ErrAgentNotRunning)
		return
	}

	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	var err error
	switch strings.ToLower(req.Action) {
	case "pause":
		err = h.agent.Pause(ctx)
	case "resume":
		err = h.agent.Resume(ctx)
	case "stop":
		err = h.agent.Stop(ctx)
	default:
		h.fail(c, http.StatusBadRequest, errors.NewValidationError("action", req.Action, "must be pause, resume or stop"))
		return
	}

	switch {
	case errors.Is(err, errors.ErrAgentNotRunning):
		h.fail(c, http.StatusConflict, err)
		return
	case err != nil:
		h.fail(c, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info().Str("action", req.Action).Msg("Agent control request applied")
	c.JSON(http.StatusOK, gin.H{"status": h.agent.Status().State})
}
