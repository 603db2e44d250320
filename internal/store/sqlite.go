package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/pkg/utils"
)

// SQLiteStore implements DataStore using SQLite.
// Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewPersistenceError("open", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewPersistenceError("init schema", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		size REAL,
		confidence REAL NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		vibe TEXT NOT NULL DEFAULT '',
		timeframe TEXT NOT NULL DEFAULT '',
		stop_loss REAL,
		take_profit REAL,
		risk_level TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		market_data TEXT,
		prompt TEXT,
		raw_response TEXT,
		fallback INTEGER NOT NULL DEFAULT 0,
		risk_allowed INTEGER,
		risk_reason TEXT,
		adjusted_size REAL,
		executed INTEGER NOT NULL DEFAULT 0,
		order_id TEXT,
		profitable INTEGER,
		pnl REAL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_symbol_ts ON decisions(symbol, ts);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		decision_id TEXT,
		order_id TEXT NOT NULL,
		client_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		position_side TEXT,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		status TEXT,
		realized_pnl REAL,
		is_paper INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (decision_id) REFERENCES decisions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
	CREATE INDEX IF NOT EXISTS idx_trades_decision ON trades(decision_id);

	CREATE TABLE IF NOT EXISTS agent_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		running INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		last_heartbeat INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		peak_equity REAL NOT NULL DEFAULT 0,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_type_ts ON alerts(type, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewPersistenceError("ping", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// requireRow turns a zero-row update into ErrDataNotFound.
func requireRow(op string, res sql.Result, err error) error {
	if err != nil {
		return errors.NewPersistenceError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewPersistenceError(op, err)
	}
	if n == 0 {
		return errors.NewPersistenceError(op, errors.ErrDataNotFound)
	}
	return nil
}

// SaveDecision inserts a decision, assigning an ID and timestamp when unset.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d *models.Decision) error {
	if d.ID == "" {
		d.ID = utils.NewID()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	var marketData sql.NullString
	if d.MarketData != nil {
		raw, err := json.Marshal(d.MarketData)
		if err != nil {
			return errors.NewPersistenceError("save decision", err)
		}
		marketData = sql.NullString{String: string(raw), Valid: true}
	}

	var riskAllowed sql.NullInt64
	var riskReason sql.NullString
	var adjusted sql.NullFloat64
	if rc := d.RiskCheck; rc != nil {
		riskAllowed = sql.NullInt64{Int64: int64(boolInt(rc.Allowed)), Valid: true}
		riskReason = sql.NullString{String: rc.Reason, Valid: rc.Reason != ""}
		adjusted = nullFloat(rc.AdjustedSize)
	}

	var profitable sql.NullInt64
	if d.Profitable != nil {
		profitable = sql.NullInt64{Int64: int64(boolInt(*d.Profitable)), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, ts, symbol, action, size, confidence, reasoning, vibe, timeframe,
			stop_loss, take_profit, risk_level, price, market_data, prompt, raw_response, fallback,
			risk_allowed, risk_reason, adjusted_size, executed, order_id, profitable, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, millis(d.Timestamp), d.Symbol, string(d.Action), nullFloat(d.Size), d.Confidence,
		d.Reasoning, string(d.Vibe), string(d.Timeframe), nullFloat(d.StopLoss), nullFloat(d.TakeProfit),
		string(d.RiskLevel), d.Price, marketData, d.Prompt, d.RawResponse, boolInt(d.Fallback),
		riskAllowed, riskReason, adjusted, boolInt(d.Executed), d.OrderID, profitable, nullFloat(d.PnL))
	if err != nil {
		return errors.NewPersistenceError("save decision", err)
	}
	return nil
}

// SaveRiskCheck records the risk outcome on a decision.
func (s *SQLiteStore) SaveRiskCheck(ctx context.Context, decisionID string, check models.RiskCheck) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET risk_allowed = ?, risk_reason = ?, adjusted_size = ? WHERE id = ?`,
		boolInt(check.Allowed), sql.NullString{String: check.Reason, Valid: check.Reason != ""},
		nullFloat(check.AdjustedSize), decisionID)
	return requireRow("save risk check", res, err)
}

// MarkDecisionExecuted flags a decision as executed by orderID.
func (s *SQLiteStore) MarkDecisionExecuted(ctx context.Context, decisionID, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET executed = 1, order_id = ? WHERE id = ?`, orderID, decisionID)
	return requireRow("mark decision executed", res, err)
}

// UpdateDecisionOutcome resolves a decision with its realized P&L.
func (s *SQLiteStore) UpdateDecisionOutcome(ctx context.Context, decisionID string, profitable bool, pnl float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET profitable = ?, pnl = ? WHERE id = ?`, boolInt(profitable), pnl, decisionID)
	return requireRow("update decision outcome", res, err)
}

const decisionColumns = `id, ts, symbol, action, size, confidence, reasoning, vibe, timeframe,
	stop_loss, take_profit, risk_level, price, market_data, COALESCE(prompt, ''), COALESCE(raw_response, ''),
	fallback, risk_allowed, risk_reason, adjusted_size, executed, COALESCE(order_id, ''), profitable, pnl`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*models.Decision, error) {
	var (
		d                                  models.Decision
		ts                                 int64
		action, vibe, timeframe, riskLevel string
		size, stopLoss, takeProfit         sql.NullFloat64
		adjusted, pnl                      sql.NullFloat64
		marketData, riskReason             sql.NullString
		riskAllowed, profitable            sql.NullInt64
		fallback, executed                 int
	)
	if err := row.Scan(&d.ID, &ts, &d.Symbol, &action, &size, &d.Confidence, &d.Reasoning, &vibe, &timeframe,
		&stopLoss, &takeProfit, &riskLevel, &d.Price, &marketData, &d.Prompt, &d.RawResponse,
		&fallback, &riskAllowed, &riskReason, &adjusted, &executed, &d.OrderID, &profitable, &pnl); err != nil {
		return nil, err
	}

	d.Timestamp = fromMillis(ts)
	d.Action = models.Action(action)
	d.Vibe = models.Vibe(vibe)
	d.Timeframe = models.Timeframe(timeframe)
	d.RiskLevel = models.RiskLevel(riskLevel)
	d.Size = floatPtr(size)
	d.StopLoss = floatPtr(stopLoss)
	d.TakeProfit = floatPtr(takeProfit)
	d.PnL = floatPtr(pnl)
	d.Fallback = fallback == 1
	d.Executed = executed == 1

	if marketData.Valid && marketData.String != "" {
		var mc models.MarketContext
		if err := json.Unmarshal([]byte(marketData.String), &mc); err == nil {
			d.MarketData = &mc
		}
	}
	if riskAllowed.Valid {
		d.RiskCheck = &models.RiskCheck{
			Allowed:      riskAllowed.Int64 == 1,
			Reason:       riskReason.String,
			AdjustedSize: floatPtr(adjusted),
		}
	}
	if profitable.Valid {
		p := profitable.Int64 == 1
		d.Profitable = &p
	}
	return &d, nil
}

// GetDecision returns one decision by ID.
func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*models.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewPersistenceError("get decision", errors.ErrDataNotFound)
	}
	if err != nil {
		return nil, errors.NewPersistenceError("get decision", err)
	}
	return d, nil
}

// GetDecisions retrieves decisions, newest first.
func (s *SQLiteStore) GetDecisions(ctx context.Context, filter DecisionFilter) ([]models.Decision, error) {
	var where []string
	var args []any

	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Executed != nil {
		where = append(where, "executed = ?")
		args = append(args, boolInt(*filter.Executed))
	}
	if filter.Resolved != nil {
		if *filter.Resolved {
			where = append(where, "profitable IS NOT NULL")
		} else {
			where = append(where, "profitable IS NULL")
		}
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, millis(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, millis(filter.Until))
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions` + whereClause(where) + ` ORDER BY ts DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("query decisions", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, errors.NewPersistenceError("scan decision", err)
		}
		decisions = append(decisions, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("query decisions", err)
	}
	return decisions, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// SaveTrade inserts a trade, assigning an ID and timestamp when unset.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *models.Trade) error {
	if t.ID == "" {
		t.ID = utils.NewID()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	var decisionID sql.NullString
	if t.DecisionID != "" {
		decisionID = sql.NullString{String: t.DecisionID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, ts, decision_id, order_id, client_order_id, symbol, side, type,
			position_side, price, quantity, status, realized_pnl, is_paper)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, millis(t.Timestamp), decisionID, t.OrderID, t.ClientOrderID, t.Symbol, string(t.Side),
		string(t.Type), string(t.PositionSide), t.Price, t.Quantity, t.Status, nullFloat(t.RealizedPnL),
		boolInt(t.IsPaper))
	if err != nil {
		return errors.NewPersistenceError("save trade", err)
	}
	return nil
}

// GetTrades retrieves trades, newest first.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	var where []string
	var args []any

	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.DecisionID != "" {
		where = append(where, "decision_id = ?")
		args = append(args, filter.DecisionID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, millis(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, millis(filter.Until))
	}

	query := `SELECT id, ts, COALESCE(decision_id, ''), order_id, COALESCE(client_order_id, ''), symbol, side, type,
		COALESCE(position_side, ''), price, quantity, COALESCE(status, ''), realized_pnl, is_paper
		FROM trades` + whereClause(where) + ` ORDER BY ts DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("query trades", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t                       models.Trade
			ts                      int64
			side, typ, positionSide string
			realized                sql.NullFloat64
			paper                   int
		)
		if err := rows.Scan(&t.ID, &ts, &t.DecisionID, &t.OrderID, &t.ClientOrderID, &t.Symbol, &side, &typ,
			&positionSide, &t.Price, &t.Quantity, &t.Status, &realized, &paper); err != nil {
			return nil, errors.NewPersistenceError("scan trade", err)
		}
		t.Timestamp = fromMillis(ts)
		t.Side = models.OrderSide(side)
		t.Type = models.OrderType(typ)
		t.PositionSide = models.PositionSide(positionSide)
		t.RealizedPnL = floatPtr(realized)
		t.IsPaper = paper == 1
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("query trades", err)
	}
	return trades, nil
}

// GetAgentState returns the persisted agent state. A missing row yields the
// zero state.
func (s *SQLiteStore) GetAgentState(ctx context.Context) (*models.AgentState, error) {
	var (
		running, paused      int
		heartbeat, startedAt int64
		state                models.AgentState
		cfg                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT running, paused, last_heartbeat, started_at, peak_equity, config
		FROM agent_state WHERE id = 1`).Scan(&running, &paused, &heartbeat, &startedAt, &state.PeakEquity, &cfg)
	if err == sql.ErrNoRows {
		return &models.AgentState{}, nil
	}
	if err != nil {
		return nil, errors.NewPersistenceError("get agent state", err)
	}
	state.Running = running == 1
	state.Paused = paused == 1
	state.LastHeartbeat = fromMillis(heartbeat)
	state.StartedAt = fromMillis(startedAt)
	state.Config = cfg.String
	return &state, nil
}

// SaveAgentState upserts the agent state row.
func (s *SQLiteStore) SaveAgentState(ctx context.Context, state *models.AgentState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state (id, running, paused, last_heartbeat, started_at, peak_equity, config)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			running = excluded.running,
			paused = excluded.paused,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at,
			peak_equity = excluded.peak_equity,
			config = excluded.config`,
		boolInt(state.Running), boolInt(state.Paused), millis(state.LastHeartbeat), millis(state.StartedAt),
		state.PeakEquity, sql.NullString{String: state.Config, Valid: state.Config != ""})
	if err != nil {
		return errors.NewPersistenceError("save agent state", err)
	}
	return nil
}

// UpdateHeartbeat sets the last heartbeat time.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state (id, last_heartbeat) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat`, millis(at))
	if err != nil {
		return errors.NewPersistenceError("update heartbeat", err)
	}
	return nil
}

// UpdatePeakEquity records a new equity high-water mark.
func (s *SQLiteStore) UpdatePeakEquity(ctx context.Context, peak float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state (id, peak_equity) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET peak_equity = excluded.peak_equity`, peak)
	if err != nil {
		return errors.NewPersistenceError("update peak equity", err)
	}
	return nil
}

// SaveAlert inserts an alert, assigning an ID and timestamp when unset.
func (s *SQLiteStore) SaveAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = utils.NewID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	var metadata sql.NullString
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return errors.NewPersistenceError("save alert", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, type, severity, message, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, millis(a.Timestamp), string(a.Type), string(a.Severity), a.Message, metadata)
	if err != nil {
		return errors.NewPersistenceError("save alert", err)
	}
	return nil
}

func alertWhere(filter AlertFilter) (string, []any) {
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, millis(filter.Since))
	}
	return whereClause(where), args
}

// GetAlerts retrieves alerts, newest first.
func (s *SQLiteStore) GetAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	where, args := alertWhere(filter)
	query := `SELECT id, ts, type, severity, message, metadata FROM alerts` + where + ` ORDER BY ts DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("query alerts", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a             models.Alert
			ts            int64
			typ, severity string
			metadata      sql.NullString
		)
		if err := rows.Scan(&a.ID, &ts, &typ, &severity, &a.Message, &metadata); err != nil {
			return nil, errors.NewPersistenceError("scan alert", err)
		}
		a.Timestamp = fromMillis(ts)
		a.Type = models.AlertType(typ)
		a.Severity = models.Severity(severity)
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &a.Metadata)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("query alerts", err)
	}
	return alerts, nil
}

// CountAlerts counts alerts matching filter. Limit is ignored.
func (s *SQLiteStore) CountAlerts(ctx context.Context, filter AlertFilter) (int, error) {
	where, args := alertWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&n); err != nil {
		return 0, errors.NewPersistenceError("count alerts", err)
	}
	return n, nil
}
