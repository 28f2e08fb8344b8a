package conditions

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"stockpulse/internal/models"
)

// OperatorFunc compares a resolved payload field with a condition value.
// present is false when the path did not resolve.
type OperatorFunc func(field any, present bool, value any) bool

// operators is resolved once at init; lookups of unknown names fail closed.
var operators = map[models.Operator]OperatorFunc{}

func init() {
	register(opEquals, models.OpEquals, "eq", "==")
	register(opContains, models.OpContains)
	register(opGreaterThan, models.OpGreaterThan, "gt", ">")
	register(opLessThan, models.OpLessThan, "lt", "<")
	register(opExists, models.OpExists)
}

func register(fn OperatorFunc, name models.Operator, aliases ...models.Operator) {
	operators[name] = fn
	for _, a := range aliases {
		operators[a] = fn
	}
}

// Lookup returns the operator function and whether it is supported.
func Lookup(op models.Operator) (OperatorFunc, bool) {
	fn, ok := operators[models.Operator(strings.ToLower(strings.TrimSpace(string(op))))]
	return fn, ok
}

// Supported lists every registered operator name, aliases included.
func Supported() []models.Operator {
	out := make([]models.Operator, 0, len(operators))
	for op := range operators {
		out = append(out, op)
	}
	return out
}

// opEquals coerces the field to the declared type of the condition value.
func opEquals(field any, present bool, value any) bool {
	if value == nil {
		return !present || field == nil
	}
	if !present || field == nil {
		return false
	}

	switch v := value.(type) {
	case string:
		return stringify(field) == v
	case bool:
		b, ok := toBool(field)
		return ok && b == v
	}

	if want, ok := toFloat64(value); ok {
		got, ok := toFloat64(field)
		return ok && got == want
	}

	return reflect.DeepEqual(field, value)
}

func opContains(field any, present bool, value any) bool {
	if !present || field == nil || value == nil {
		return false
	}
	return strings.Contains(stringify(field), stringify(value))
}

func opGreaterThan(field any, present bool, value any) bool {
	a, b, ok := numericPair(field, present, value)
	return ok && a > b
}

func opLessThan(field any, present bool, value any) bool {
	a, b, ok := numericPair(field, present, value)
	return ok && a < b
}

func opExists(field any, present bool, _ any) bool {
	return present && field != nil
}

func numericPair(field any, present bool, value any) (float64, float64, bool) {
	if !present {
		return 0, 0, false
	}
	a, ok := toFloat64(field)
	if !ok {
		return 0, 0, false
	}
	b, ok := toFloat64(value)
	if !ok {
		return 0, 0, false
	}
	return a, b, true
}

// toFloat64 converts numbers and numeric strings. NaN never compares.
func toFloat64(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int8:
		f = float64(val)
	case int16:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint:
		f = float64(val)
	case uint8:
		f = float64(val)
	case uint16:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	}
	if f, ok := toFloat64(v); ok {
		return f != 0, true
	}
	return false, false
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	}
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return ""
}
