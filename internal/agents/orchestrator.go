package agents

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vibe-trader/internal/broker"
	"vibe-trader/internal/errors"
	"vibe-trader/internal/logging"
	"vibe-trader/internal/models"
	"vibe-trader/internal/security"
	"vibe-trader/internal/store"
	"vibe-trader/pkg/utils"
)

// RunState is the lifecycle state of the trading loop.
type RunState string

const (
	StateStopped RunState = "stopped"
	StateRunning RunState = "running"
	StatePaused  RunState = "paused"
)

const (
	performanceWindow = 10
	defaultInterval   = time.Minute
	defaultErrWindow  = 15 * time.Minute
)

// OrchestratorConfig holds loop settings.
type OrchestratorConfig struct {
	Symbols     []string
	Interval    time.Duration
	ErrorWindow time.Duration
	DryRun      bool
	// Snapshot is the JSON config recorded with the agent state on start.
	Snapshot string
}

// AgentStatus is a read-only snapshot of the loop.
type AgentStatus struct {
	State         RunState  `json:"state"`
	Running       bool      `json:"isRunning"`
	Paused        bool      `json:"isPaused"`
	DryRun        bool      `json:"dryRun"`
	Symbols       []string  `json:"symbols"`
	Interval      string    `json:"interval"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	LastCycleAt   time.Time `json:"lastCycleAt"`
	Cycles        int64     `json:"cycles"`
	PeakEquity    float64   `json:"peakEquity"`
	Drawdown      float64   `json:"drawdownPercent"`
}

// Orchestrator drives the decision cycle: market data, oracle, risk gate,
// execution. It owns the agent state; the persisted row mirrors it.
type Orchestrator struct {
	broker broker.Broker
	oracle DecisionOracle
	risk   *RiskEngine
	store  store.DataStore
	config OrchestratorConfig
	logger zerolog.Logger
	now    func() time.Time

	// ctrlMu serializes control operations so that state and its persisted
	// mirror change together.
	ctrlMu sync.Mutex

	mu            sync.RWMutex
	running       bool
	paused        bool
	startedAt     time.Time
	lastHeartbeat time.Time
	lastCycleAt   time.Time
	cycles        int64
	peakEquity    float64
	drawdown      float64
	stopCh        chan struct{}
}

// NewOrchestrator creates a stopped orchestrator.
func NewOrchestrator(
	b broker.Broker,
	oracle DecisionOracle,
	risk *RiskEngine,
	dataStore store.DataStore,
	cfg OrchestratorConfig,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = defaultErrWindow
	}
	return &Orchestrator{
		broker: b,
		oracle: oracle,
		risk:   risk,
		store:  dataStore,
		config: cfg,
		logger: logging.WithComponent(logger, "orchestrator"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start moves Stopped to Running. It is a no-op when already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctrlMu.Lock()
	defer o.ctrlMu.Unlock()

	if o.IsRunning() {
		return nil
	}

	peak := 0.0
	if prev, err := o.store.GetAgentState(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Could not load previous agent state")
	} else {
		peak = prev.PeakEquity
	}

	now := o.now()
	state := &models.AgentState{
		Running:       true,
		LastHeartbeat: now,
		StartedAt:     now,
		PeakEquity:    peak,
		Config:        o.config.Snapshot,
	}
	if err := o.store.SaveAgentState(ctx, state); err != nil {
		return errors.Wrap(err, "persist agent state")
	}

	o.mu.Lock()
	o.running = true
	o.paused = false
	o.startedAt = now
	o.lastHeartbeat = now
	o.peakEquity = peak
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info().
		Strs("symbols", o.config.Symbols).
		Dur("interval", o.config.Interval).
		Bool("dry_run", o.config.DryRun).
		Float64("peak_equity", peak).
		Msg("Agent started")
	return nil
}

// Stop moves any state to Stopped and wakes the loop. It is a no-op when
// already stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.ctrlMu.Lock()
	defer o.ctrlMu.Unlock()

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.paused = false
	close(o.stopCh)
	o.mu.Unlock()

	o.logger.Info().Msg("Agent stopped")
	if err := o.persistState(ctx); err != nil {
		return errors.Wrap(err, "persist agent state")
	}
	return nil
}

// Pause suspends cycles without ending the loop.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.setPaused(ctx, true)
}

// Resume continues a paused loop.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.setPaused(ctx, false)
}

func (o *Orchestrator) setPaused(ctx context.Context, paused bool) error {
	o.ctrlMu.Lock()
	defer o.ctrlMu.Unlock()

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return errors.ErrAgentNotRunning
	}
	if o.paused == paused {
		o.mu.Unlock()
		return nil
	}
	o.paused = paused
	o.mu.Unlock()

	if paused {
		o.logger.Info().Msg("Agent paused")
	} else {
		o.logger.Info().Msg("Agent resumed")
	}

	// best-effort: the in-memory state stays authoritative
	if err := o.persistState(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist agent state")
		o.recordAlert(ctx, models.AlertError, models.SeverityMedium, fmt.Sprintf("persist agent state: %v", err), nil)
	}
	return nil
}

func (o *Orchestrator) persistState(ctx context.Context) error {
	o.mu.RLock()
	state := &models.AgentState{
		Running:       o.running,
		Paused:        o.paused,
		LastHeartbeat: o.lastHeartbeat,
		StartedAt:     o.startedAt,
		PeakEquity:    o.peakEquity,
		Config:        o.config.Snapshot,
	}
	o.mu.RUnlock()
	return o.store.SaveAgentState(ctx, state)
}

// IsRunning reports whether the agent is started (paused or not).
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// IsPaused reports whether the agent is paused.
func (o *Orchestrator) IsPaused() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.paused
}

// Status returns a snapshot of the agent.
func (o *Orchestrator) Status() AgentStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	state := StateStopped
	switch {
	case o.running && o.paused:
		state = StatePaused
	case o.running:
		state = StateRunning
	}
	return AgentStatus{
		State:         state,
		Running:       o.running,
		Paused:        o.paused,
		DryRun:        o.config.DryRun,
		Symbols:       append([]string(nil), o.config.Symbols...),
		Interval:      o.config.Interval.String(),
		StartedAt:     o.startedAt,
		LastHeartbeat: o.lastHeartbeat,
		LastCycleAt:   o.lastCycleAt,
		Cycles:        o.cycles,
		PeakEquity:    o.peakEquity,
		Drawdown:      o.drawdown,
	}
}

// Run starts the agent and loops until Stop or ctx is done. Errors never end
// the loop; only a failed start does.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	o.mu.RLock()
	stopCh := o.stopCh
	o.mu.RUnlock()

	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			o.shutdown()
			return nil
		default:
		}

		if !o.IsPaused() {
			if err := o.RunCycle(ctx); err != nil && ctx.Err() == nil {
				o.handleError(ctx, err)
			}
		}

		timer := time.NewTimer(o.config.Interval)
		select {
		case <-stopCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			o.shutdown()
			return nil
		case <-timer.C:
		}

		if err := o.heartbeat(ctx); err != nil {
			o.handleError(ctx, err)
		}
	}
}

func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Stop(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Stop after cancellation failed")
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context) error {
	now := o.now()
	o.mu.Lock()
	o.lastHeartbeat = now
	o.mu.Unlock()
	return o.store.UpdateHeartbeat(ctx, now)
}

// RunCycle processes every configured symbol once, then evaluates the
// circuit breaker. A failure on one symbol does not stop the others, except
// an authentication or balance failure, which aborts the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if !o.IsRunning() {
		return errors.ErrAgentNotRunning
	}

	o.mu.Lock()
	o.cycles++
	o.lastCycleAt = o.now()
	o.mu.Unlock()

	for _, symbol := range o.config.Symbols {
		if !o.IsRunning() || o.IsPaused() {
			o.logger.Info().Str("symbol", symbol).Msg("Agent paused mid-cycle, skipping remaining symbols")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := o.processSymbol(ctx, symbol); err != nil {
			if errors.IsAuthOrBalanceFailure(err) {
				return errors.NewAgentError("orchestrator", symbol, "process", err)
			}
			o.logger.Error().Err(err).Str("symbol", symbol).Msg("Symbol processing failed")
			o.recordAlert(ctx, models.AlertError, models.SeverityMedium,
				fmt.Sprintf("%s: %v", symbol, err), map[string]interface{}{"symbol": symbol})
		}
	}

	if !o.IsRunning() || o.IsPaused() {
		return nil
	}
	return o.checkCircuitBreaker(ctx)
}

func (o *Orchestrator) checkCircuitBreaker(ctx context.Context) error {
	losses, err := o.consecutiveLosses(ctx)
	if err != nil {
		return err
	}
	errCount, err := o.store.CountAlerts(ctx, store.AlertFilter{
		Type:  models.AlertError,
		Since: o.now().Add(-o.config.ErrorWindow),
	})
	if err != nil {
		return err
	}

	o.mu.RLock()
	drawdown := o.drawdown
	o.mu.RUnlock()

	res := o.risk.CircuitBreaker(losses, drawdown, errCount)
	if !res.Pause {
		return nil
	}

	logging.LogCircuitBreaker(o.logger, res.Reason)
	if err := o.Pause(ctx); err != nil {
		return err
	}
	o.recordAlert(ctx, models.AlertCircuitBreaker, models.SeverityHigh, "Circuit breaker: "+res.Reason,
		map[string]interface{}{
			"consecutiveLosses": losses,
			"drawdownPercent":   drawdown,
			"errorCount":        errCount,
		})
	return nil
}

// handleError records a cycle-level failure and pauses on authentication or
// balance problems.
func (o *Orchestrator) handleError(ctx context.Context, err error) {
	o.logger.Error().Err(err).Msg("Cycle failed")
	o.recordAlert(ctx, models.AlertError, models.SeverityHigh, err.Error(), nil)

	if !errors.IsAuthOrBalanceFailure(err) {
		return
	}
	if perr := o.Pause(ctx); perr != nil && !errors.Is(perr, errors.ErrAgentNotRunning) {
		o.logger.Error().Err(perr).Msg("Failed to pause after auth/balance failure")
		return
	}
	o.logger.Warn().Msg("Paused: authentication or balance failure")
}

// recordAlert saves an alert. Failures are only logged.
func (o *Orchestrator) recordAlert(ctx context.Context, typ models.AlertType, severity models.Severity, msg string, metadata map[string]interface{}) {
	alert := &models.Alert{
		Timestamp: o.now(),
		Type:      typ,
		Severity:  severity,
		Message:   security.MaskSensitive(msg),
		Metadata:  metadata,
	}
	if err := o.store.SaveAlert(ctx, alert); err != nil {
		o.logger.Error().Err(err).Str("alert", msg).Msg("Failed to record alert")
	}
}

// accountSnapshot is what one symbol's processing knows about the account.
type accountSnapshot struct {
	positions []models.Position
	balance   float64
	equity    float64
}

func (o *Orchestrator) loadAccount(ctx context.Context) (*accountSnapshot, error) {
	positions, err := o.broker.GetPositions(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "get positions")
	}
	balances, err := o.broker.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrBalanceUnavailable, err)
	}
	bal, ok := models.FindBalance(balances, broker.QuoteAsset)
	if !ok {
		return nil, errors.Wrapf(errors.ErrBalanceUnavailable, "no %s balance", broker.QuoteAsset)
	}

	return &accountSnapshot{positions: positions, balance: bal.AvailableBalance, equity: bal.Equity()}, nil
}

// trackEquity raises the peak when equity exceeds it and returns the
// drawdown from that peak in percent.
func (o *Orchestrator) trackEquity(ctx context.Context, equity float64) float64 {
	o.mu.Lock()
	raised := equity > o.peakEquity
	if raised {
		o.peakEquity = equity
	}
	peak := o.peakEquity
	drawdown := 0.0
	if peak > 0 {
		drawdown = (peak - equity) / peak * 100
	}
	o.drawdown = drawdown
	o.mu.Unlock()

	if raised {
		if err := o.store.UpdatePeakEquity(ctx, peak); err != nil {
			o.logger.Warn().Err(err).Float64("peak", peak).Msg("Failed to persist peak equity")
		}
	}
	return drawdown
}

func (o *Orchestrator) performance(ctx context.Context, symbol string) (*models.Performance, error) {
	resolved, err := o.store.GetDecisions(ctx, store.DecisionFilter{
		Symbol:   symbol,
		Resolved: store.BoolPtr(true),
		Limit:    performanceWindow,
	})
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, nil
	}

	perf := &models.Performance{TradeCount: len(resolved)}
	wins := 0
	for _, d := range resolved {
		if *d.Profitable {
			wins++
		}
		if d.PnL != nil {
			perf.TotalPnL += *d.PnL
		}
	}
	perf.WinRate = float64(wins) / float64(len(resolved)) * 100
	return perf, nil
}

// consecutiveLosses counts the unbroken run of losing decisions among the
// most recent resolved ones, across all symbols.
func (o *Orchestrator) consecutiveLosses(ctx context.Context) (int, error) {
	resolved, err := o.store.GetDecisions(ctx, store.DecisionFilter{
		Resolved: store.BoolPtr(true),
		Limit:    performanceWindow,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range resolved {
		if *d.Profitable {
			break
		}
		n++
	}
	return n, nil
}

// dailyPnL sums realized P&L of trades since local midnight.
func (o *Orchestrator) dailyPnL(ctx context.Context) (float64, error) {
	trades, err := o.store.GetTrades(ctx, store.TradeFilter{Since: utils.StartOfDay(o.now())})
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, t := range trades {
		if t.RealizedPnL != nil {
			total += *t.RealizedPnL
		}
	}
	return total, nil
}

func (o *Orchestrator) processSymbol(ctx context.Context, symbol string) error {
	log := logging.WithSymbol(o.logger, symbol)

	ticker, err := o.broker.GetTicker(ctx, symbol)
	if err != nil {
		return errors.Wrap(err, "get ticker")
	}
	price := ticker.LastPrice
	if price <= 0 {
		return errors.Wrapf(errors.ErrDataNotFound, "no price for %s", symbol)
	}

	market := models.MarketContext{
		Price:            price,
		Change24h:        ticker.PriceChange,
		ChangePercent24h: ticker.PriceChangePercent,
		Volume24h:        ticker.Volume,
		QuoteVolume24h:   ticker.QuoteVolume,
		High24h:          ticker.HighPrice,
		Low24h:           ticker.LowPrice,
	}
	if !o.config.DryRun {
		if mp, err := o.broker.GetMarkPrice(ctx, symbol); err != nil {
			log.Debug().Err(err).Msg("Mark price unavailable")
		} else {
			markPrice, funding := mp.MarkPrice, mp.FundingRate
			market.MarkPrice = &markPrice
			market.FundingRate = &funding
		}
	}

	account, err := o.loadAccount(ctx)
	if err != nil {
		return err
	}

	perf, err := o.performance(ctx, symbol)
	if err != nil {
		return errors.Wrap(err, "load performance")
	}

	drawdown := o.trackEquity(ctx, account.equity)

	var position *models.Position
	for i := range account.positions {
		if p := account.positions[i]; p.Symbol == symbol && p.IsOpen() {
			position = &account.positions[i]
			break
		}
	}

	result, err := o.oracle.Decide(ctx, OracleRequest{
		Symbol:   symbol,
		Market:   market,
		Position: position,
		Risk: models.RiskMetrics{
			AccountBalance:   account.balance,
			MaxPositionSize:  o.risk.Config().MaxPositionSizeUSD,
			CurrentDrawdown:  drawdown,
			OpenPositions:    models.CountOpen(account.positions),
			MaxOpenPositions: o.risk.Config().MaxOpenPositions,
		},
		Performance: perf,
	})
	if err != nil {
		return err
	}

	decision := &models.Decision{
		Timestamp:       o.now(),
		TradingDecision: result.Decision,
		Price:           price,
		MarketData:      &market,
		Prompt:          result.Prompt,
		RawResponse:     result.RawResponse,
		Fallback:        result.Fallback,
	}
	decision.Symbol = symbol
	if err := o.store.SaveDecision(ctx, decision); err != nil {
		return err
	}
	logging.LogDecision(log, symbol, string(decision.Action), decision.Confidence, decision.Reasoning)

	if decision.Action == models.ActionHold {
		return nil
	}

	proposed := o.proposedSizeUSD(decision, account.positions, price)
	dailyPnL, err := o.dailyPnL(ctx)
	if err != nil {
		return errors.Wrap(err, "load daily pnl")
	}

	check := o.risk.Evaluate(decision.Action, proposed, decision.Confidence, account.positions, account.balance, dailyPnL)
	decision.RiskCheck = &check
	if err := o.store.SaveRiskCheck(ctx, decision.ID, check); err != nil {
		return err
	}
	logging.LogRiskCheck(log, symbol, check.Allowed, check.Reason, check.AdjustedSize)

	if !check.Allowed {
		if IsDailyLossDenial(check) {
			o.recordAlert(ctx, models.AlertRisk, models.SeverityHigh, check.Reason,
				map[string]interface{}{"symbol": symbol, "dailyPnl": dailyPnL})
		}
		return nil
	}

	if decision.Action == models.ActionClose {
		return o.closePositions(ctx, log, decision, account.positions, price)
	}

	usd := proposed
	if check.AdjustedSize != nil {
		usd = *check.AdjustedSize
	}
	if usd <= 0 {
		log.Warn().Float64("size_usd", usd).Msg("Adjusted size is zero, not trading")
		return nil
	}
	return o.openPosition(ctx, log, decision, usd, price)
}

// proposedSizeUSD is the oracle's size at price, or the configured cap when
// no size was given. For CLOSE it is the notional being closed.
func (o *Orchestrator) proposedSizeUSD(d *models.Decision, positions []models.Position, price float64) float64 {
	if d.Action == models.ActionClose {
		total := 0.0
		for _, p := range positions {
			if p.Symbol == d.Symbol && p.IsOpen() {
				total += math.Abs(p.Amount) * price
			}
		}
		return total
	}
	if d.Size != nil && *d.Size > 0 {
		return *d.Size * price
	}
	return o.risk.Config().MaxPositionSizeUSD
}

func (o *Orchestrator) openPosition(ctx context.Context, log zerolog.Logger, d *models.Decision, usd, price float64) error {
	rules := o.broker.GetSymbolRules(ctx, d.Symbol)
	qty, bumped := broker.AdjustForMinNotional(QuantityForNotional(usd, price), price, rules.QuantityPrecision, rules.MinNotional)
	if bumped {
		notional := qty.InexactFloat64() * price
		log.Info().
			Str("quantity", broker.FormatQuantity(qty, rules.QuantityPrecision)).
			Float64("min_notional", rules.MinNotional).
			Float64("notional", notional).
			Msg("Quantity raised to meet minimum notional")
		if notional > usd+1e-9 {
			log.Warn().Float64("allowed_usd", usd).Float64("order_usd", notional).Msg("Order notional exceeds risk-approved size")
			o.recordAlert(ctx, models.AlertRisk, models.SeverityMedium,
				fmt.Sprintf("%s: order notional $%.2f exceeds approved $%.2f after minimum notional adjustment", d.Symbol, notional, usd),
				map[string]interface{}{"symbol": d.Symbol, "allowedUsd": usd, "orderUsd": notional})
		}
	}
	if qty.Sign() <= 0 {
		log.Warn().Float64("size_usd", usd).Msg("Quantity rounds to zero, not trading")
		return nil
	}

	side := d.Action.Side()
	req := &models.OrderRequest{
		Symbol:       d.Symbol,
		Side:         side,
		Type:         models.OrderTypeMarket,
		Quantity:     broker.FormatQuantity(qty, rules.QuantityPrecision),
		PositionSide: models.PositionSideBoth,
	}
	res, err := o.broker.PlaceOrder(ctx, req)
	if err != nil {
		return errors.Wrap(err, "place order")
	}

	trade := models.TradeFromOrder(d.ID, res, price, o.broker.IsPaper())
	trade.Timestamp = o.now()
	if err := o.store.SaveTrade(ctx, trade); err != nil {
		return err
	}
	if err := o.store.MarkDecisionExecuted(ctx, d.ID, trade.OrderID); err != nil {
		return err
	}
	logging.LogOrder(log, trade.OrderID, d.Symbol, string(side), req.Quantity, trade.Price, res.Status)

	log.Info().
		Float64("stop_loss", o.risk.StopLossPrice(trade.Price, side)).
		Float64("take_profit", o.risk.TakeProfitPrice(trade.Price, side)).
		Msg("Advisory exit levels")
	return nil
}

// closePositions flattens every open position in the decision's symbol and
// resolves the decision with the realized P&L.
func (o *Orchestrator) closePositions(ctx context.Context, log zerolog.Logger, d *models.Decision, positions []models.Position, price float64) error {
	var open []models.Position
	for _, p := range positions {
		if p.Symbol == d.Symbol && p.IsOpen() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		log.Info().Msg("CLOSE with no open position, nothing to do")
		return nil
	}

	rules := o.broker.GetSymbolRules(ctx, d.Symbol)
	var (
		firstOrderID string
		realized     float64
		legErr       error
	)
	for _, p := range open {
		req := &models.OrderRequest{
			Symbol:       d.Symbol,
			Side:         p.Side().Opposite(),
			Type:         models.OrderTypeMarket,
			Quantity:     broker.RoundQuantity(math.Abs(p.Amount), rules.QuantityPrecision),
			PositionSide: p.PositionSide,
		}
		if p.PositionSide == "" || p.PositionSide == models.PositionSideBoth {
			req.PositionSide = models.PositionSideBoth
			req.ReduceOnly = true
		}

		res, err := o.broker.PlaceOrder(ctx, req)
		if err != nil {
			legErr = errors.Wrapf(err, "close %s leg", p.PositionSide)
			break
		}

		fill := res.AvgPrice
		if fill == 0 {
			fill = p.MarkPrice
		}
		if fill == 0 {
			fill = price
		}
		qty := res.ExecutedQty
		if qty == 0 {
			qty = math.Abs(p.Amount)
		}
		direction := 1.0
		if p.Amount < 0 {
			direction = -1
		}
		pnl := (fill - p.EntryPrice) * qty * direction

		trade := models.TradeFromOrder(d.ID, res, fill, o.broker.IsPaper())
		trade.Timestamp = o.now()
		trade.Price = fill
		trade.RealizedPnL = &pnl
		if err := o.store.SaveTrade(ctx, trade); err != nil {
			legErr = err
			break
		}
		logging.LogOrder(log, trade.OrderID, d.Symbol, string(req.Side), req.Quantity, fill, res.Status)

		if firstOrderID == "" {
			firstOrderID = trade.OrderID
		}
		realized += pnl
	}

	if firstOrderID == "" {
		return legErr
	}
	if err := o.store.MarkDecisionExecuted(ctx, d.ID, firstOrderID); err != nil {
		return err
	}
	if err := o.store.UpdateDecisionOutcome(ctx, d.ID, realized > 0, realized); err != nil {
		return err
	}
	log.Info().Float64("realized_pnl", realized).Int("legs", len(open)).Msg("Position closed")
	return legErr
}
