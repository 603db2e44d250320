package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
)

// priceFeed serves tickers from a settable price table.
type priceFeed struct {
	Broker

	mu     sync.Mutex
	prices map[string]float64
}

func (f *priceFeed) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *priceFeed) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return &models.Ticker{Symbol: symbol, LastPrice: p}, nil
}

func newPaper(t *testing.T, balance float64) (*PaperBroker, *priceFeed) {
	t.Helper()
	feed := &priceFeed{prices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}}
	return NewPaperBroker(PaperBrokerConfig{DataBroker: feed, InitialBalance: balance}), feed
}

func market(symbol string, side models.OrderSide, qty string, reduceOnly bool) *models.OrderRequest {
	return &models.OrderRequest{Symbol: symbol, Side: side, Type: models.OrderTypeMarket, Quantity: qty, ReduceOnly: reduceOnly}
}

func usdt(t *testing.T, p *PaperBroker) models.Balance {
	t.Helper()
	balances, err := p.GetBalance(context.Background())
	require.NoError(t, err)
	bal, ok := models.FindBalance(balances, QuoteAsset)
	require.True(t, ok)
	return bal
}

func TestPaperOpenAndCloseRealizesPnL(t *testing.T) {
	ctx := context.Background()
	p, feed := newPaper(t, 1000)
	assert.True(t, p.IsPaper())

	res, err := p.PlaceOrder(ctx, market("BTCUSDT", models.OrderSideBuy, "0.100", false))
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
	assert.Equal(t, 50000.0, res.AvgPrice)
	assert.Equal(t, 0.1, res.ExecutedQty)

	bal := usdt(t, p)
	assert.Equal(t, 1000.0, bal.Balance)
	assert.InDelta(t, 750.0, bal.AvailableBalance, 1e-9, "5000 notional at 20x holds 250")

	feed.set("BTCUSDT", 51000)
	positions, err := p.GetPositions(ctx, "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.1, positions[0].Amount)
	assert.InDelta(t, 100.0, positions[0].UnrealizedPnL, 1e-9)
	assert.Equal(t, models.PositionSideBoth, positions[0].PositionSide)

	_, err = p.PlaceOrder(ctx, market("BTCUSDT", models.OrderSideSell, "0.100", true))
	require.NoError(t, err)

	positions, err = p.GetPositions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.InDelta(t, 1100.0, usdt(t, p).Balance, 1e-9)
}

func TestPaperShortLoss(t *testing.T) {
	ctx := context.Background()
	p, feed := newPaper(t, 1000)

	_, err := p.PlaceOrder(ctx, market("ETHUSDT", models.OrderSideSell, "1.000", false))
	require.NoError(t, err)

	feed.set("ETHUSDT", 3060)
	_, err = p.PlaceOrder(ctx, market("ETHUSDT", models.OrderSideBuy, "1.000", true))
	require.NoError(t, err)
	assert.InDelta(t, 940.0, usdt(t, p).Balance, 1e-9)
}

func TestPaperReduceOnlyNeverFlips(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper(t, 1000)

	_, err := p.PlaceOrder(ctx, market("BTCUSDT", models.OrderSideSell, "0.010", true))
	var exErr *errors.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, int64(codeReduceOnlyRejected), exErr.Code)

	_, err = p.PlaceOrder(ctx, market("BTCUSDT", models.OrderSideBuy, "0.010", false))
	require.NoError(t, err)

	res, err := p.PlaceOrder(ctx, market("BTCUSDT", models.OrderSideSell, "0.050", true))
	require.NoError(t, err)
	assert.Equal(t, 0.01, res.ExecutedQty)

	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperInsufficientMargin(t *testing.T) {
	p, _ := newPaper(t, 100)

	_, err := p.PlaceOrder(context.Background(), market("BTCUSDT", models.OrderSideBuy, "1.000", false))
	var exErr *errors.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, int64(codeMarginInsufficient), exErr.Code)

	orders, err := p.GetAllOrders(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPaperLimitOrderRestsUntilCancelled(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper(t, 1000)

	res, err := p.PlaceOrder(ctx, &models.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: "0.010",
		Price:    "45000",
	})
	require.NoError(t, err)
	assert.Equal(t, "NEW", res.Status)

	open, err := p.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	cancelled, err := p.CancelOrder(ctx, "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", cancelled.Status)

	_, err = p.CancelOrder(ctx, "BTCUSDT", res.OrderID)
	assert.Error(t, err)

	got, err := p.GetOrder(ctx, "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", got.Status)
}

func TestPaperLeverageAffectsMargin(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper(t, 1000)

	require.NoError(t, p.ChangeLeverage(ctx, "BTCUSDT", 5))
	require.NoError(t, p.ChangeMarginType(ctx, "BTCUSDT", "ISOLATED"))
	assert.Error(t, p.ChangeLeverage(ctx, "BTCUSDT", 0))

	_, err := p.PlaceOrder(ctx, market("BTCUSDT", models.OrderSideBuy, "0.050", false))
	require.NoError(t, err)

	assert.InDelta(t, 500.0, usdt(t, p).AvailableBalance, 1e-9)

	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 5, positions[0].Leverage)
	assert.Equal(t, "isolated", positions[0].MarginType)
}
