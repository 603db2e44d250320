package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
)

// Rejection codes mirrored from the venue so callers treat paper and live alike.
const (
	codeMarginInsufficient = -2019
	codeReduceOnlyRejected = -2022
	codeUnknownOrder       = -2011
)

const defaultPaperLeverage = 20

type paperPosition struct {
	symbol   string
	side     models.PositionSide
	amount   decimal.Decimal // signed
	entry    decimal.Decimal
	lastFill decimal.Decimal
}

// PaperBroker simulates an account in memory. Market data comes from the
// wrapped data broker; orders, positions and balances never leave the process.
type PaperBroker struct {
	Broker // market data

	mu        sync.RWMutex
	wallet    decimal.Decimal
	positions map[string]*paperPosition
	orders    map[int64]*models.OrderResult
	leverage  map[string]int
	margin    map[string]string
	nextID    int64
	now       func() time.Time
}

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	DataBroker     Broker
	InitialBalance float64
}

// NewPaperBroker creates a paper account.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	initial := cfg.InitialBalance
	if initial <= 0 {
		initial = 1000
	}
	return &PaperBroker{
		Broker:    cfg.DataBroker,
		wallet:    decimal.NewFromFloat(initial),
		positions: make(map[string]*paperPosition),
		orders:    make(map[int64]*models.OrderResult),
		leverage:  make(map[string]int),
		margin:    make(map[string]string),
		now:       time.Now,
	}
}

// IsPaper reports true.
func (p *PaperBroker) IsPaper() bool {
	return true
}

func positionKey(symbol string, side models.PositionSide) string {
	if side == "" {
		side = models.PositionSideBoth
	}
	return symbol + ":" + string(side)
}

func paperReject(code int64, msg string) error {
	return errors.NewExchangeError("paper", 400, code, msg, "")
}

// PlaceOrder fills market orders at the last traded price. Limit orders fill
// immediately when marketable and otherwise rest until cancelled.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidOrder, "quantity %q", req.Quantity)
	}

	ticker, err := p.Broker.GetTicker(ctx, req.Symbol)
	if err != nil {
		return nil, errors.Wrap(err, "paper fill price")
	}
	last := decimal.NewFromFloat(ticker.LastPrice)

	fillable := true
	fillPrice := last
	var limit decimal.Decimal
	if req.Type == models.OrderTypeLimit {
		limit, err = decimal.NewFromString(req.Price)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidOrder, "price %q", req.Price)
		}
		fillPrice = limit
		if req.Side == models.OrderSideBuy {
			fillable = last.LessThanOrEqual(limit)
		} else {
			fillable = last.GreaterThanOrEqual(limit)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	positionSide := req.PositionSide
	if positionSide == "" {
		positionSide = models.PositionSideBoth
	}

	res := &models.OrderResult{
		OrderID:       p.nextID,
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "NEW",
		Price:         limit.InexactFloat64(),
		OrigQty:       qty.InexactFloat64(),
		PositionSide:  positionSide,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    p.now(),
	}

	if fillable {
		filled, err := p.fill(req.Symbol, positionSide, req.Side, qty, fillPrice, req.ReduceOnly)
		if err != nil {
			p.nextID--
			return nil, err
		}
		res.Status = "FILLED"
		res.AvgPrice = fillPrice.InexactFloat64()
		res.ExecutedQty = filled.InexactFloat64()
		res.CumQuote = filled.Mul(fillPrice).InexactFloat64()
	}

	p.orders[res.OrderID] = res
	out := *res
	return &out, nil
}

// fill applies an execution to the position book and returns the filled quantity.
// Caller holds p.mu.
func (p *PaperBroker) fill(symbol string, side models.PositionSide, orderSide models.OrderSide, qty, price decimal.Decimal, reduceOnly bool) (decimal.Decimal, error) {
	key := positionKey(symbol, side)
	pos, ok := p.positions[key]
	if !ok {
		pos = &paperPosition{symbol: symbol, side: side}
	}

	delta := qty
	if orderSide == models.OrderSideSell {
		delta = qty.Neg()
	}

	opposing := !pos.amount.IsZero() && pos.amount.Sign() != delta.Sign()
	if reduceOnly {
		if !opposing {
			return decimal.Zero, paperReject(codeReduceOnlyRejected, "ReduceOnly Order is rejected.")
		}
		if qty.GreaterThan(pos.amount.Abs()) {
			qty = pos.amount.Abs()
			delta = qty.Mul(decimal.NewFromInt(int64(delta.Sign())))
		}
	}

	// Margin required for whatever part of the order adds exposure.
	opening := qty
	if opposing {
		opening = decimal.Max(qty.Sub(pos.amount.Abs()), decimal.Zero)
	}
	if opening.IsPositive() {
		required := opening.Mul(price).Div(decimal.NewFromInt(int64(p.leverageFor(symbol))))
		if required.GreaterThan(p.available()) {
			return decimal.Zero, paperReject(codeMarginInsufficient, "Margin is insufficient.")
		}
	}

	if opposing {
		closing := decimal.Min(qty, pos.amount.Abs())
		direction := decimal.NewFromInt(int64(pos.amount.Sign()))
		realized := price.Sub(pos.entry).Mul(closing).Mul(direction)
		p.wallet = p.wallet.Add(realized)

		pos.amount = pos.amount.Add(delta)
		if !pos.amount.IsZero() && pos.amount.Sign() != direction.Sign() {
			// flipped through zero: the remainder opens at the fill price
			pos.entry = price
		}
	} else {
		total := pos.amount.Abs().Add(qty)
		pos.entry = pos.entry.Mul(pos.amount.Abs()).Add(price.Mul(qty)).Div(total)
		pos.amount = pos.amount.Add(delta)
	}
	pos.lastFill = price

	if pos.amount.IsZero() {
		delete(p.positions, key)
	} else {
		p.positions[key] = pos
	}
	return qty, nil
}

func (p *PaperBroker) leverageFor(symbol string) int {
	if l, ok := p.leverage[symbol]; ok && l > 0 {
		return l
	}
	return defaultPaperLeverage
}

// available returns wallet balance less margin held by open positions.
// Caller holds p.mu.
func (p *PaperBroker) available() decimal.Decimal {
	used := decimal.Zero
	for _, pos := range p.positions {
		lev := decimal.NewFromInt(int64(p.leverageFor(pos.symbol)))
		used = used.Add(pos.amount.Abs().Mul(pos.entry).Div(lev))
	}
	return p.wallet.Sub(used)
}

// CancelOrder cancels a resting limit order.
func (p *PaperBroker) CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol || o.Status != "NEW" {
		return nil, paperReject(codeUnknownOrder, "Unknown order sent.")
	}
	o.Status = "CANCELED"
	o.UpdateTime = p.now()
	out := *o
	return &out, nil
}

// GetOrder returns a simulated order.
func (p *PaperBroker) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, paperReject(codeUnknownOrder, "Order does not exist.")
	}
	out := *o
	return &out, nil
}

// GetOpenOrders returns resting simulated orders.
func (p *PaperBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	return p.listOrders(symbol, 0, func(o *models.OrderResult) bool { return o.Status == "NEW" }), nil
}

// GetAllOrders returns the most recent simulated orders for symbol.
func (p *PaperBroker) GetAllOrders(ctx context.Context, symbol string, limit int) ([]models.OrderResult, error) {
	return p.listOrders(symbol, limit, func(*models.OrderResult) bool { return true }), nil
}

func (p *PaperBroker) listOrders(symbol string, limit int, keep func(*models.OrderResult) bool) []models.OrderResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.OrderResult
	for _, o := range p.orders {
		if (symbol == "" || o.Symbol == symbol) && keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetPositions returns open simulated positions marked at the current price.
// The last fill price is used when market data is unavailable.
func (p *PaperBroker) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	p.mu.RLock()
	snapshot := make([]paperPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol == "" || pos.symbol == symbol {
			snapshot = append(snapshot, *pos)
		}
	}
	p.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].symbol < snapshot[j].symbol })

	out := make([]models.Position, 0, len(snapshot))
	for _, pos := range snapshot {
		mark := pos.lastFill
		if t, err := p.Broker.GetTicker(ctx, pos.symbol); err == nil && t.LastPrice > 0 {
			mark = decimal.NewFromFloat(t.LastPrice)
		}

		p.mu.RLock()
		lev := p.leverageFor(pos.symbol)
		marginType := p.margin[pos.symbol]
		p.mu.RUnlock()
		if marginType == "" {
			marginType = "cross"
		}

		out = append(out, models.Position{
			Symbol:        pos.symbol,
			PositionSide:  pos.side,
			Amount:        pos.amount.InexactFloat64(),
			EntryPrice:    pos.entry.InexactFloat64(),
			MarkPrice:     mark.InexactFloat64(),
			UnrealizedPnL: mark.Sub(pos.entry).Mul(pos.amount).InexactFloat64(),
			Leverage:      lev,
			MarginType:    marginType,
		})
	}
	return out, nil
}

// GetBalance returns the simulated USDT wallet.
func (p *PaperBroker) GetBalance(ctx context.Context) ([]models.Balance, error) {
	positions, err := p.GetPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	unrealized := 0.0
	for _, pos := range positions {
		unrealized += pos.UnrealizedPnL
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	wallet := p.wallet.InexactFloat64()
	return []models.Balance{{
		Asset:              QuoteAsset,
		Balance:            wallet,
		AvailableBalance:   p.available().InexactFloat64(),
		CrossWalletBalance: wallet,
		CrossUnPnL:         unrealized,
	}}, nil
}

// ChangeLeverage sets simulated leverage for symbol.
func (p *PaperBroker) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return errors.NewValidationError("leverage", leverage, "must be between 1 and 125")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// ChangeMarginType records the simulated margin type for symbol.
func (p *PaperBroker) ChangeMarginType(ctx context.Context, symbol string, marginType string) error {
	switch marginType {
	case "ISOLATED", "CROSSED":
	default:
		return errors.NewValidationError("marginType", marginType, "must be ISOLATED or CROSSED")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if marginType == "ISOLATED" {
		p.margin[symbol] = "isolated"
	} else {
		p.margin[symbol] = "cross"
	}
	return nil
}

// Reset restores the account to a fresh balance.
func (p *PaperBroker) Reset(initialBalance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wallet = decimal.NewFromFloat(initialBalance)
	p.positions = make(map[string]*paperPosition)
	p.orders = make(map[int64]*models.OrderResult)
	p.nextID = 0
}

func (p *PaperBroker) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("paper account: wallet=%s positions=%d", p.wallet.StringFixed(2), len(p.positions))
}
