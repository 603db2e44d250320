package signer

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CanonicalJSON renders params in the form the venue recomputes before verifying
// a signature. Nil values are dropped, every remaining value is stringified,
// and keys are emitted in byte order.
//
// Nested objects and arrays are not inlined: each is stringified by the same
// rule and embedded as a JSON-encoded string.
func CanonicalJSON(params map[string]any) (string, error) {
	flat := make(map[string]string, len(params))
	for k, v := range params {
		if isNil(v) {
			continue
		}
		s, err := FormatValue(v)
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		flat[k] = s
	}
	return encodeObject(flat, sortedKeys(flat)), nil
}

// FormatValue returns the text form of a single parameter value, as used both
// inside the canonical payload and on the wire.
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return formatNumber(float64(x), 32), nil
	case float64:
		return formatNumber(x, 64), nil
	case json.Number:
		return x.String(), nil
	case decimal.Decimal:
		return x.String(), nil
	case map[string]any:
		return stringifyObject(x)
	case map[string]string:
		return encodeObject(x, sortedKeys(x)), nil
	case []any:
		return stringifyArray(x)
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return stringifyArray(items)
	case fmt.Stringer:
		return x.String(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return stringifyObject(m)
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return stringifyArray(items)
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return "null", nil
		}
		return FormatValue(rv.Elem().Interface())
	}
	return "", fmt.Errorf("unsupported parameter type %T", v)
}

func stringifyObject(m map[string]any) (string, error) {
	flat := make(map[string]string, len(m))
	for k, v := range m {
		s, err := FormatValue(v)
		if err != nil {
			return "", fmt.Errorf("key %q: %w", k, err)
		}
		flat[k] = s
	}
	return encodeObject(flat, sortedKeys(flat)), nil
}

// stringifyArray encodes an array of strings. Object and array items are
// stringified and JSON-encoded first, so they appear double-encoded.
func stringifyArray(items []any) (string, error) {
	out := make([]string, len(items))
	for i, item := range items {
		var err error
		switch {
		case isNil(item):
			out[i] = "null"
		case isArray(item):
			// Arrays nested in arrays become index-keyed objects.
			out[i], err = stringifyIndexed(item)
		default:
			out[i], err = FormatValue(item)
		}
		if err != nil {
			return "", fmt.Errorf("index %d: %w", i, err)
		}
	}

	var b strings.Builder
	b.WriteByte('[')
	for i, s := range out {
		if i > 0 {
			b.WriteByte(',')
		}
		quote(&b, s)
	}
	b.WriteByte(']')
	return b.String(), nil
}

func stringifyIndexed(v any) (string, error) {
	rv := reflect.ValueOf(v)
	flat := make(map[string]string, rv.Len())
	keys := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		s, err := FormatValue(rv.Index(i).Interface())
		if err != nil {
			return "", err
		}
		keys[i] = strconv.Itoa(i)
		flat[keys[i]] = s
	}
	// integer keys keep ascending numeric order
	return encodeObject(flat, keys), nil
}

func encodeObject(m map[string]string, keys []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		quote(&b, k)
		b.WriteByte(':')
		quote(&b, m[k])
	}
	b.WriteByte('}')
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quote writes s as a JSON string. HTML characters and U+2028/U+2029 are left
// unescaped, unlike encoding/json.
func quote(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// formatNumber renders a float the way Number.prototype.toString does:
// shortest round-trip digits, exponent form outside [1e-6, 1e21).
func formatNumber(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}

	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, bitSize)
		mant, exp, _ := strings.Cut(s, "e")
		sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
		if digits == "" {
			digits = "0"
		}
		return mant + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, bitSize)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func isArray(v any) bool {
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
