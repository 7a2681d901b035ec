package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/eor-quoter/internal/money"
)

// CoerceBool accepts booleans, yes/no style strings and numbers.
func CoerceBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower == "true" || lower == "yes" || lower == "y" || lower == "1" || lower == "mandatory"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}

// CoerceFloat parses numbers and numeric strings; NaN when nothing numeric is found.
func CoerceFloat(v any) float64 {
	f, ok := money.ParseAmount(v)
	if !ok {
		return math.NaN()
	}
	return f
}

// CoerceString flattens any value into trimmed text.
func CoerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		if v == nil {
			return ""
		}
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}

// Clamp01 bounds a confidence value; NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// WeakDecode decodes a loosely typed JSON value into out using json tags, tolerating
// numbers encoded as strings and similar model quirks.
func WeakDecode(input any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncType(amountHook),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// amountHook lets float fields accept "1,200.50", "EUR 300" or "100-200".
func amountHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	if to.Kind() != reflect.Float64 && to.Kind() != reflect.Float32 {
		return data, nil
	}
	if f, ok := money.ParseAmount(data); ok {
		return f, nil
	}
	return data, nil
}
