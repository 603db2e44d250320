package broker

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"vibe-trader/internal/models"
)

// Precision sources reported in SymbolRules.
const (
	PrecisionFromField    = "field"
	PrecisionFromStepSize = "stepSize"
	PrecisionDefault      = "default"
)

// parseExchangeInfo extracts quantity rules for every symbol in an exchangeInfo body.
func parseExchangeInfo(body []byte, defaultPrecision int, defaultMinNotional float64) map[string]models.SymbolRules {
	out := make(map[string]models.SymbolRules)
	gjson.GetBytes(body, "symbols").ForEach(func(_, sym gjson.Result) bool {
		name := sym.Get("symbol").String()
		if name != "" {
			out[name] = rulesFromSymbol(name, sym, defaultPrecision, defaultMinNotional)
		}
		return true
	})
	return out
}

func rulesFromSymbol(name string, sym gjson.Result, defaultPrecision int, defaultMinNotional float64) models.SymbolRules {
	rules := models.SymbolRules{
		Symbol:            name,
		QuantityPrecision: defaultPrecision,
		PrecisionSource:   PrecisionDefault,
		MinNotional:       defaultMinNotional,
	}

	lot := sym.Get(`filters.#(filterType=="LOT_SIZE")`)
	if lot.Exists() {
		rules.StepSize = lot.Get("stepSize").String()
	}

	if qp := sym.Get("quantityPrecision"); qp.Type == gjson.Number {
		rules.QuantityPrecision = int(qp.Int())
		rules.PrecisionSource = PrecisionFromField
	} else if rules.StepSize != "" {
		if p, ok := precisionFromStep(rules.StepSize); ok {
			rules.QuantityPrecision = p
			rules.PrecisionSource = PrecisionFromStepSize
		}
	}

	minNotional := sym.Get(`filters.#(filterType=="MIN_NOTIONAL")`)
	for _, key := range []string{"notional", "minNotional"} {
		if v := minNotional.Get(key); v.Exists() && v.Float() > 0 {
			rules.MinNotional = v.Float()
			break
		}
	}

	return rules
}

// precisionFromStep counts the significant fractional digits of a step size,
// so "0.00100000" yields 3 and "1" yields 0.
func precisionFromStep(step string) (int, bool) {
	step = strings.TrimSpace(step)
	if _, err := decimal.NewFromString(step); err != nil {
		return 0, false
	}
	_, frac, found := strings.Cut(step, ".")
	if !found {
		return 0, true
	}
	return len(strings.TrimRight(frac, "0")), true
}

// AdjustForMinNotional rounds quantity at precision and, if the resulting
// notional is below floor, replaces it with floor/price rounded up at the same
// precision. The second return value reports whether an adjustment was made.
func AdjustForMinNotional(quantity, price float64, precision int, floor float64) (decimal.Decimal, bool) {
	places := int32(precision)
	qty := decimal.NewFromFloat(quantity).Round(places)
	px := decimal.NewFromFloat(price)
	minimum := decimal.NewFromFloat(floor)

	if px.Sign() <= 0 || minimum.Sign() <= 0 {
		return qty, false
	}
	if qty.Mul(px).LessThan(minimum) {
		return minimum.Div(px).RoundCeil(places), true
	}
	return qty, false
}

// FormatQuantity renders qty with exactly precision fractional digits.
func FormatQuantity(qty decimal.Decimal, precision int) string {
	return qty.StringFixed(int32(precision))
}

// RoundQuantity rounds a float quantity at precision and renders it.
func RoundQuantity(quantity float64, precision int) string {
	return FormatQuantity(decimal.NewFromFloat(quantity).Round(int32(precision)), precision)
}
