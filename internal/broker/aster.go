package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/logging"
	"vibe-trader/internal/models"
	"vibe-trader/internal/signer"
	"vibe-trader/pkg/utils"
)

// Venue endpoints.
const (
	pathPing         = "/fapi/v1/ping"
	pathTime         = "/fapi/v1/time"
	pathTicker       = "/fapi/v1/ticker/24hr"
	pathExchangeInfo = "/fapi/v1/exchangeInfo"
	pathDepth        = "/fapi/v1/depth"
	pathPremiumIndex = "/fapi/v1/premiumIndex"

	pathOrder        = "/fapi/v3/order"
	pathOpenOrders   = "/fapi/v3/openOrders"
	pathAllOrders    = "/fapi/v3/allOrders"
	pathPositionRisk = "/fapi/v3/positionRisk"
	pathBalance      = "/fapi/v3/balance"
	pathLeverage     = "/fapi/v3/leverage"
	pathMarginType   = "/fapi/v3/marginType"
)

// codeNoNeedToChangeMarginType is returned when the margin type is already set.
const codeNoNeedToChangeMarginType = -4046

// RequestSigner signs venue request parameters.
type RequestSigner interface {
	SignRequest(params map[string]any) (*signer.SignedRequest, error)
}

// AsterConfig holds AsterBroker settings.
type AsterConfig struct {
	BaseURL          string
	RecvWindow       int64
	Timeout          time.Duration
	DefaultPrecision int
	MinNotional      float64
	RulesTTL         time.Duration
}

// DefaultAsterConfig returns production defaults.
func DefaultAsterConfig() AsterConfig {
	return AsterConfig{
		BaseURL:          "https://fapi.asterdex.com",
		RecvWindow:       50000,
		Timeout:          15 * time.Second,
		DefaultPrecision: 3,
		MinNotional:      5,
		RulesTTL:         time.Hour,
	}
}

type cachedRules struct {
	rules   models.SymbolRules
	expires time.Time
}

// AsterBroker implements Broker against the Aster futures REST API.
type AsterBroker struct {
	client *resty.Client
	signer RequestSigner
	cfg    AsterConfig
	logger zerolog.Logger
	retry  utils.RetryConfig
	now    func() time.Time

	rulesMu sync.Mutex
	rules   map[string]cachedRules
}

// NewAsterBroker creates a venue client. A nil signer limits the broker to
// public market data; signed calls then fail with ErrNotAuthenticated.
func NewAsterBroker(cfg AsterConfig, s *signer.Signer, logger zerolog.Logger) *AsterBroker {
	defaults := DefaultAsterConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaults.RecvWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.DefaultPrecision < 0 {
		cfg.DefaultPrecision = defaults.DefaultPrecision
	}
	if cfg.MinNotional <= 0 {
		cfg.MinNotional = defaults.MinNotional
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "vibe-trader/1.0").
		SetHeader("Accept", "application/json")

	retry := utils.DefaultRetryConfig()
	retry.Retryable = isTransient

	b := &AsterBroker{
		client: client,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "aster"),
		retry:  retry,
		now:    time.Now,
		rules:  make(map[string]cachedRules),
	}
	if s != nil {
		b.signer = s
	}
	return b
}

// IsPaper reports false: orders reach the venue.
func (b *AsterBroker) IsPaper() bool {
	return false
}

// Authenticated reports whether signed calls are possible.
func (b *AsterBroker) Authenticated() bool {
	return b.signer != nil
}

// isTransient reports whether a failed call may succeed if repeated.
// Venue rejections and undecodable bodies are final.
func isTransient(err error) bool {
	var exErr *errors.ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Status == http.StatusTooManyRequests || exErr.Status >= 500
	}
	var protoErr *errors.ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// public issues an unsigned GET, retrying transient failures.
func (b *AsterBroker) public(ctx context.Context, path string, params url.Values, out any) error {
	return utils.Retry(ctx, b.retry, func() error {
		return b.do(ctx, http.MethodGet, path, params, out)
	})
}

// signed issues an authenticated call. Signed calls are never retried.
func (b *AsterBroker) signed(ctx context.Context, method, path string, params map[string]any, recvWindow int64, out any) error {
	values, err := b.signParams(params, recvWindow)
	if err != nil {
		return err
	}
	return b.do(ctx, method, path, values, out)
}

// signParams adds recvWindow and timestamp, signs, and appends the identity fields.
func (b *AsterBroker) signParams(params map[string]any, recvWindow int64) (url.Values, error) {
	if b.signer == nil {
		return nil, errors.ErrNotAuthenticated
	}

	p := make(map[string]any, len(params)+2)
	for k, v := range params {
		if v != nil {
			p[k] = v
		}
	}
	if recvWindow <= 0 {
		recvWindow = b.cfg.RecvWindow
	}
	p["recvWindow"] = recvWindow
	p["timestamp"] = b.now().UnixMilli()

	req, err := b.signer.SignRequest(p)
	if err != nil {
		return nil, err
	}

	values := url.Values{}
	for k, v := range p {
		s, err := signer.FormatValue(v)
		if err != nil {
			return nil, errors.NewSigningError("format "+k, err)
		}
		values.Set(k, s)
	}
	values.Set("user", req.User)
	values.Set("signer", req.Signer)
	values.Set("nonce", strconv.FormatUint(req.Nonce, 10))
	values.Set("signature", req.Signature)
	return values, nil
}

func (b *AsterBroker) do(ctx context.Context, method, path string, values url.Values, out any) error {
	start := time.Now()
	req := b.client.R().SetContext(ctx)

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.SetQueryParamsFromValues(values).Get(path)
	case http.MethodDelete:
		resp, err = req.SetQueryParamsFromValues(values).Delete(path)
	case http.MethodPost:
		resp, err = req.SetFormDataFromValues(values).Post(path)
	default:
		return errors.Wrapf(errors.ErrInvalidOrder, "unsupported method %s", method)
	}

	if err != nil {
		logging.LogAPICall(b.logger, method, path, 0, time.Since(start), err)
		return errors.Wrapf(err, "%s %s", method, path)
	}

	status := resp.StatusCode()
	body := resp.Body()
	if !resp.IsSuccess() {
		exErr := parseExchangeError(path, status, body)
		logging.LogAPICall(b.logger, method, path, status, time.Since(start), exErr)
		return exErr
	}

	logging.LogAPICall(b.logger, method, path, status, time.Since(start), nil)
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewProtocolError(path, truncate(string(body), 512), err)
	}
	return nil
}

func parseExchangeError(path string, status int, body []byte) *errors.ExchangeError {
	var apiErr common.APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Code != 0 || apiErr.Message != "") {
		return errors.NewExchangeError(path, status, apiErr.Code, apiErr.Message, string(body))
	}
	return errors.NewExchangeError(path, status, 0, "", truncate(string(body), 512))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ping checks connectivity.
func (b *AsterBroker) Ping(ctx context.Context) error {
	return b.public(ctx, pathPing, nil, nil)
}

// ServerTime returns the venue clock.
func (b *AsterBroker) ServerTime(ctx context.Context) (time.Time, error) {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := b.public(ctx, pathTime, nil, &res); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(res.ServerTime), nil
}

// GetTicker returns 24h statistics for symbol.
func (b *AsterBroker) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	var stats futures.PriceChangeStats
	if err := b.public(ctx, pathTicker, url.Values{"symbol": {symbol}}, &stats); err != nil {
		return nil, err
	}
	return &models.Ticker{
		Symbol:             stats.Symbol,
		LastPrice:          parseFloat(stats.LastPrice),
		PriceChange:        parseFloat(stats.PriceChange),
		PriceChangePercent: parseFloat(stats.PriceChangePercent),
		HighPrice:          parseFloat(stats.HighPrice),
		LowPrice:           parseFloat(stats.LowPrice),
		Volume:             parseFloat(stats.Volume),
		QuoteVolume:        parseFloat(stats.QuoteVolume),
		OpenTime:           time.UnixMilli(stats.OpenTime),
		CloseTime:          time.UnixMilli(stats.CloseTime),
	}, nil
}

// GetMarkPrice returns the mark price and last funding rate for symbol.
func (b *AsterBroker) GetMarkPrice(ctx context.Context, symbol string) (*models.MarkPrice, error) {
	var res struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := b.public(ctx, pathPremiumIndex, url.Values{"symbol": {symbol}}, &res); err != nil {
		return nil, err
	}
	return &models.MarkPrice{
		Symbol:          res.Symbol,
		MarkPrice:       parseFloat(res.MarkPrice),
		FundingRate:     parseFloat(res.LastFundingRate),
		NextFundingTime: time.UnixMilli(res.NextFundingTime),
	}, nil
}

// GetOrderBook returns a depth snapshot.
func (b *AsterBroker) GetOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := b.public(ctx, pathDepth, params, &res); err != nil {
		return nil, err
	}
	return &models.OrderBook{
		Symbol:       symbol,
		LastUpdateID: res.LastUpdateID,
		Bids:         toLevels(res.Bids),
		Asks:         toLevels(res.Asks),
	}, nil
}

func toLevels(rows [][2]string) []models.PriceLevel {
	levels := make([]models.PriceLevel, len(rows))
	for i, r := range rows {
		levels[i] = models.PriceLevel{Price: parseFloat(r[0]), Quantity: parseFloat(r[1])}
	}
	return levels
}

// GetSymbolRules resolves quantity precision and minimum notional for symbol.
// Any failure to reach the venue yields the configured defaults.
func (b *AsterBroker) GetSymbolRules(ctx context.Context, symbol string) models.SymbolRules {
	fallback := models.SymbolRules{
		Symbol:            symbol,
		QuantityPrecision: b.cfg.DefaultPrecision,
		PrecisionSource:   PrecisionDefault,
		MinNotional:       b.cfg.MinNotional,
	}

	b.rulesMu.Lock()
	cached, ok := b.rules[symbol]
	b.rulesMu.Unlock()
	if ok && b.now().Before(cached.expires) {
		return cached.rules
	}

	var raw json.RawMessage
	if err := b.public(ctx, pathExchangeInfo, nil, &raw); err != nil {
		b.logger.Warn().Err(err).Str("symbol", symbol).Msg("exchangeInfo unavailable, using default precision")
		return fallback
	}

	all := parseExchangeInfo(raw, b.cfg.DefaultPrecision, b.cfg.MinNotional)
	expires := b.now().Add(b.cfg.RulesTTL)

	b.rulesMu.Lock()
	for name, r := range all {
		b.rules[name] = cachedRules{rules: r, expires: expires}
	}
	b.rulesMu.Unlock()

	if r, ok := all[symbol]; ok {
		return r
	}
	b.logger.Warn().Str("symbol", symbol).Msg("symbol not listed in exchangeInfo, using default precision")
	return fallback
}

// PlaceOrder submits an order.
func (b *AsterBroker) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	params := map[string]any{
		"symbol":           req.Symbol,
		"side":             string(futures.SideType(req.Side)),
		"type":             string(futures.OrderType(req.Type)),
		"quantity":         req.Quantity,
		"newClientOrderId": clientID,
	}
	if req.PositionSide != "" {
		params["positionSide"] = string(futures.PositionSideType(req.PositionSide))
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.Price != "" {
		params["price"] = req.Price
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = req.TimeInForce
	} else if req.Type == models.OrderTypeLimit {
		params["timeInForce"] = string(futures.TimeInForceTypeGTC)
	}

	var res futures.CreateOrderResponse
	if err := b.signed(ctx, http.MethodPost, pathOrder, params, req.RecvWindow, &res); err != nil {
		return nil, err
	}
	return &models.OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          models.OrderSide(res.Side),
		Type:          models.OrderType(res.Type),
		Status:        string(res.Status),
		Price:         parseFloat(res.Price),
		AvgPrice:      parseFloat(res.AvgPrice),
		OrigQty:       parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		CumQuote:      parseFloat(res.CumQuote),
		PositionSide:  models.PositionSide(res.PositionSide),
		ReduceOnly:    res.ReduceOnly,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

func validateOrder(req *models.OrderRequest) error {
	if req == nil || req.Symbol == "" {
		return errors.Wrap(errors.ErrInvalidOrder, "symbol is required")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return errors.Wrapf(errors.ErrInvalidOrder, "side %q", req.Side)
	}
	if req.Type == "" {
		req.Type = models.OrderTypeMarket
	}
	if req.Type == models.OrderTypeLimit && req.Price == "" {
		return errors.Wrap(errors.ErrInvalidOrder, "limit order requires a price")
	}
	if parseFloat(req.Quantity) <= 0 {
		return errors.Wrapf(errors.ErrInvalidOrder, "quantity %q", req.Quantity)
	}
	return nil
}

// CancelOrder cancels an open order.
func (b *AsterBroker) CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderResult, error) {
	var res futures.Order
	params := map[string]any{"symbol": symbol, "orderId": orderID}
	if err := b.signed(ctx, http.MethodDelete, pathOrder, params, 0, &res); err != nil {
		return nil, err
	}
	return fromOrder(&res), nil
}

// GetOrder queries a single order.
func (b *AsterBroker) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderResult, error) {
	var res futures.Order
	params := map[string]any{"symbol": symbol, "orderId": orderID}
	if err := b.signed(ctx, http.MethodGet, pathOrder, params, 0, &res); err != nil {
		return nil, err
	}
	return fromOrder(&res), nil
}

// GetOpenOrders lists open orders, optionally for one symbol.
func (b *AsterBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderResult, error) {
	params := map[string]any{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var res []futures.Order
	if err := b.signed(ctx, http.MethodGet, pathOpenOrders, params, 0, &res); err != nil {
		return nil, err
	}
	return fromOrders(res), nil
}

// GetAllOrders lists recent orders for symbol.
func (b *AsterBroker) GetAllOrders(ctx context.Context, symbol string, limit int) ([]models.OrderResult, error) {
	params := map[string]any{"symbol": symbol}
	if limit > 0 {
		params["limit"] = limit
	}
	var res []futures.Order
	if err := b.signed(ctx, http.MethodGet, pathAllOrders, params, 0, &res); err != nil {
		return nil, err
	}
	return fromOrders(res), nil
}

func fromOrder(o *futures.Order) *models.OrderResult {
	return &models.OrderResult{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        string(o.Status),
		Price:         parseFloat(o.Price),
		AvgPrice:      parseFloat(o.AvgPrice),
		OrigQty:       parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		CumQuote:      parseFloat(o.CumQuote),
		PositionSide:  models.PositionSide(o.PositionSide),
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

func fromOrders(orders []futures.Order) []models.OrderResult {
	out := make([]models.OrderResult, len(orders))
	for i := range orders {
		out[i] = *fromOrder(&orders[i])
	}
	return out
}

// GetPositions returns position risk rows, optionally for one symbol.
// Rows with a zero amount are included.
func (b *AsterBroker) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	params := map[string]any{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var res []futures.PositionRisk
	if err := b.signed(ctx, http.MethodGet, pathPositionRisk, params, 0, &res); err != nil {
		return nil, err
	}

	out := make([]models.Position, 0, len(res))
	for _, p := range res {
		leverage, _ := strconv.Atoi(p.Leverage)
		out = append(out, models.Position{
			Symbol:           p.Symbol,
			PositionSide:     models.PositionSide(p.PositionSide),
			Amount:           parseFloat(p.PositionAmt),
			EntryPrice:       parseFloat(p.EntryPrice),
			MarkPrice:        parseFloat(p.MarkPrice),
			UnrealizedPnL:    parseFloat(p.UnRealizedProfit),
			LiquidationPrice: parseFloat(p.LiquidationPrice),
			Leverage:         leverage,
			MarginType:       p.MarginType,
		})
	}
	return out, nil
}

// GetBalance returns wallet balances.
func (b *AsterBroker) GetBalance(ctx context.Context) ([]models.Balance, error) {
	var res []futures.Balance
	if err := b.signed(ctx, http.MethodGet, pathBalance, nil, 0, &res); err != nil {
		return nil, err
	}

	out := make([]models.Balance, 0, len(res))
	for _, bal := range res {
		out = append(out, models.Balance{
			Asset:              bal.Asset,
			Balance:            parseFloat(bal.Balance),
			AvailableBalance:   parseFloat(bal.AvailableBalance),
			CrossWalletBalance: parseFloat(bal.CrossWalletBalance),
			CrossUnPnL:         parseFloat(bal.CrossUnPnl),
		})
	}
	return out, nil
}

// ChangeLeverage sets the initial leverage for symbol.
func (b *AsterBroker) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	var res futures.SymbolLeverage
	params := map[string]any{"symbol": symbol, "leverage": leverage}
	if err := b.signed(ctx, http.MethodPost, pathLeverage, params, 0, &res); err != nil {
		return err
	}
	b.logger.Info().Str("symbol", res.Symbol).Int("leverage", res.Leverage).Msg("Leverage changed")
	return nil
}

// ChangeMarginType switches symbol between ISOLATED and CROSSED margin.
// Requesting the type already in effect is not an error.
func (b *AsterBroker) ChangeMarginType(ctx context.Context, symbol string, marginType string) error {
	mt := futures.MarginType(strings.ToUpper(marginType))
	if mt != futures.MarginTypeIsolated && mt != futures.MarginTypeCrossed {
		return errors.NewValidationError("marginType", marginType, "must be ISOLATED or CROSSED")
	}

	params := map[string]any{"symbol": symbol, "marginType": string(mt)}
	err := b.signed(ctx, http.MethodPost, pathMarginType, params, 0, nil)
	var exErr *errors.ExchangeError
	if errors.As(err, &exErr) && exErr.Code == codeNoNeedToChangeMarginType {
		return nil
	}
	return err
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
