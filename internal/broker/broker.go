// Package broker provides venue integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"vibe-trader/internal/models"
)

// Broker defines the operations the agent needs from a perpetual-futures venue.
type Broker interface {
	// Market Data
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetMarkPrice(ctx context.Context, symbol string) (*models.MarkPrice, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error)
	// GetSymbolRules never fails; it falls back to conservative defaults.
	GetSymbolRules(ctx context.Context, symbol string) models.SymbolRules
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)

	// Orders
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderResult, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error)
	GetAllOrders(ctx context.Context, symbol string, limit int) ([]models.OrderResult, error)

	// Account
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	GetBalance(ctx context.Context) ([]models.Balance, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	ChangeMarginType(ctx context.Context, symbol string, marginType string) error

	// IsPaper reports whether orders are simulated.
	IsPaper() bool
}

// QuoteAsset is the settlement asset of every supported contract.
const QuoteAsset = "USDT"
