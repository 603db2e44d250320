package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"vibe-trader/internal/errors"
	"vibe-trader/internal/models"
	"vibe-trader/internal/resilience"
)

// DecisionOracle turns market and account context into one trading decision.
type DecisionOracle interface {
	Decide(ctx context.Context, req OracleRequest) (*OracleResult, error)
}

// OracleRequest is everything the oracle is told about one symbol.
type OracleRequest struct {
	Symbol      string
	Market      models.MarketContext
	Position    *models.Position
	Risk        models.RiskMetrics
	Performance *models.Performance
}

// OracleResult is a validated decision plus the exchange that produced it.
type OracleResult struct {
	Decision    models.TradingDecision
	Prompt      string
	RawResponse string
	Fallback    bool
}

// FallbackReasoning is the reasoning attached to every fallback decision.
const FallbackReasoning = "fallback — parse failure"

// FallbackDecision is the safe decision used whenever the oracle's reply
// cannot be trusted.
func FallbackDecision(symbol string) models.TradingDecision {
	return models.TradingDecision{
		Action:     models.ActionHold,
		Symbol:     symbol,
		Confidence: 0,
		Reasoning:  FallbackReasoning,
		Vibe:       models.VibeNeutral,
		Timeframe:  models.TimeframeShort,
		RiskLevel:  models.RiskLow,
	}
}

const decisionSchema = `{
  "type": "object",
  "required": ["action", "symbol", "confidence", "reasoning", "vibe", "timeframe", "riskLevel"],
  "properties": {
    "action":     {"enum": ["BUY", "SELL", "HOLD", "CLOSE"]},
    "symbol":     {"type": "string"},
    "size":       {"type": ["number", "null"], "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning":  {"type": "string"},
    "vibe":       {"enum": ["bullish", "bearish", "neutral", "chaos"]},
    "timeframe":  {"enum": ["scalp", "short", "medium", "long"]},
    "stopLoss":   {"type": ["number", "null"], "minimum": 0},
    "takeProfit": {"type": ["number", "null"], "minimum": 0},
    "riskLevel":  {"enum": ["low", "medium", "high"]}
  }
}`

var compiledDecisionSchema = mustCompileSchema("decision.json", decisionSchema)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// ParseDecision extracts and validates a decision from free-form oracle text.
// Every failure is an *errors.OracleValidationError.
func ParseDecision(raw string) (models.TradingDecision, error) {
	var out models.TradingDecision

	body, err := extractJSONObject(raw)
	if err != nil {
		return out, errors.NewOracleValidationError(raw, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return out, errors.NewOracleValidationError(raw, err)
	}
	if err := compiledDecisionSchema.Validate(doc); err != nil {
		return out, errors.NewOracleValidationError(raw, err)
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, errors.NewOracleValidationError(raw, err)
	}
	return out, nil
}

// extractJSONObject strips code fences and returns the outermost {...} span.
func extractJSONObject(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// drop the info string, e.g. ```json
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return s[start : end+1], nil
}

// LLMOracle asks a chat model for decisions.
type LLMOracle struct {
	llm     LLMClient
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewLLMOracle creates an oracle. breaker may be nil.
func NewLLMOracle(llm LLMClient, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *LLMOracle {
	return &LLMOracle{llm: llm, breaker: breaker, logger: logger}
}

// Decide asks the model for a decision. A reply that fails validation yields
// the fallback decision; a failed call is returned as an error.
func (o *LLMOracle) Decide(ctx context.Context, req OracleRequest) (*OracleResult, error) {
	prompt := BuildPrompt(req)

	call := func(ctx context.Context) (string, error) {
		return o.llm.CompleteWithSystem(ctx, systemPrompt, prompt)
	}
	var raw string
	var err error
	if o.breaker != nil {
		raw, err = resilience.Execute(ctx, o.breaker, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "oracle %s", req.Symbol)
	}

	res := &OracleResult{Prompt: prompt, RawResponse: raw}
	decision, err := ParseDecision(raw)
	if err != nil {
		o.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Oracle reply rejected, holding")
		res.Decision = FallbackDecision(req.Symbol)
		res.Fallback = true
		return res, nil
	}

	decision.Symbol = req.Symbol
	res.Decision = decision
	return res, nil
}

const systemPrompt = `You are a disciplined crypto perpetual-futures trader.
Given the market snapshot, position and risk metrics, choose exactly one action.
Reply with a single JSON object and nothing else:
{"action":"BUY|SELL|HOLD|CLOSE","symbol":"...","size":<base quantity or null>,
 "confidence":<0..1>,"reasoning":"...","vibe":"bullish|bearish|neutral|chaos",
 "timeframe":"scalp|short|medium|long","stopLoss":<price or null>,
 "takeProfit":<price or null>,"riskLevel":"low|medium|high"}
Prefer HOLD when the signal is weak. Never exceed the stated maximum position size.`

// BuildPrompt renders the context prompt for req.
func BuildPrompt(req OracleRequest) string {
	var b strings.Builder
	m := req.Market

	fmt.Fprintf(&b, "Symbol: %s\n\n", req.Symbol)
	b.WriteString("Market (24h):\n")
	fmt.Fprintf(&b, "  price: %.8g\n", m.Price)
	fmt.Fprintf(&b, "  change: %.8g (%.2f%%)\n", m.Change24h, m.ChangePercent24h)
	fmt.Fprintf(&b, "  high/low: %.8g / %.8g\n", m.High24h, m.Low24h)
	fmt.Fprintf(&b, "  volume: %.8g base, %.8g quote\n", m.Volume24h, m.QuoteVolume24h)
	if m.MarkPrice != nil {
		fmt.Fprintf(&b, "  mark price: %.8g\n", *m.MarkPrice)
	}
	if m.FundingRate != nil {
		fmt.Fprintf(&b, "  funding rate: %.6f%%\n", *m.FundingRate*100)
	}

	b.WriteString("\nPosition:\n")
	if p := req.Position; p != nil && p.IsOpen() {
		fmt.Fprintf(&b, "  %s %.8g @ %.8g, mark %.8g, unrealized %.4f USDT, leverage %dx\n",
			p.Side(), absf(p.Amount), p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.Leverage)
	} else {
		b.WriteString("  none\n")
	}

	r := req.Risk
	b.WriteString("\nRisk:\n")
	fmt.Fprintf(&b, "  balance: %.2f USDT\n", r.AccountBalance)
	fmt.Fprintf(&b, "  max position: %.2f USDT\n", r.MaxPositionSize)
	fmt.Fprintf(&b, "  drawdown: %.2f%%\n", r.CurrentDrawdown)
	fmt.Fprintf(&b, "  open positions: %d of %d\n", r.OpenPositions, r.MaxOpenPositions)

	if perf := req.Performance; perf != nil {
		b.WriteString("\nRecent performance:\n")
		fmt.Fprintf(&b, "  win rate: %.1f%% over %d decisions, total P&L %.4f USDT\n",
			perf.WinRate, perf.TradeCount, perf.TotalPnL)
	}
	return b.String()
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
