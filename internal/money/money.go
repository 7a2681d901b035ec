package money

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// WorkingDaysPerMonth converts daily rates into monthly amounts.
const WorkingDaysPerMonth = 22

// Tolerance is the rounding slack allowed per item when comparing sums.
const Tolerance = 0.01

// Frequency names how often an amount is paid.
type Frequency string

const (
	Monthly   Frequency = "monthly"
	Yearly    Frequency = "yearly"
	Quarterly Frequency = "quarterly"
	Weekly    Frequency = "weekly"
	Daily     Frequency = "daily"
	OneTime   Frequency = "one_time"
)

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Sum adds amounts in decimal space and rounds the result.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.Round(2).InexactFloat64()
}

// Mul multiplies in decimal space and rounds the result.
func Mul(a, b float64) float64 {
	return decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(2).InexactFloat64()
}

// Div divides in decimal space and rounds the result. Division by zero yields 0.
func Div(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return decimal.NewFromFloat(a).Div(decimal.NewFromFloat(b)).Round(2).InexactFloat64()
}

// Equal compares two amounts within Tolerance.
func Equal(a, b float64) bool {
	return math.Abs(a-b) <= Tolerance+1e-9
}

// ParseFrequency maps free-form frequency labels onto a Frequency. Unknown labels are monthly.
func ParseFrequency(s string) Frequency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "year", "yearly", "annual", "annually", "per_year", "per year", "yr":
		return Yearly
	case "quarter", "quarterly":
		return Quarterly
	case "week", "weekly":
		return Weekly
	case "day", "daily", "per_day", "per day":
		return Daily
	case "once", "one_time", "one-time", "onetime", "one time", "upfront", "setup":
		return OneTime
	default:
		return Monthly
	}
}

// ToMonthly normalizes an amount paid at the given frequency into a monthly figure.
// One-time amounts are returned unchanged.
func ToMonthly(amount float64, freq Frequency) float64 {
	switch freq {
	case Yearly:
		return Div(amount, 12)
	case Quarterly:
		return Div(amount, 3)
	case Weekly:
		return Div(Mul(amount, 52), 12)
	case Daily:
		return Mul(amount, WorkingDaysPerMonth)
	default:
		return Round2(amount)
	}
}

var (
	rangePattern  = regexp.MustCompile(`([0-9][0-9.,]*)\s*(?:-|–|to)\s*([0-9][0-9.,]*)`)
	numberPattern = regexp.MustCompile(`-?[0-9][0-9.,]*`)
)

// ParseAmount coerces loosely typed amounts: numbers, numeric strings with currency symbols
// or thousands separators, and ranges (midpoint).
func ParseAmount(v any) (float64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case decimal.Decimal:
		return val.InexactFloat64(), true
	case string:
		return parseAmountString(val)
	case map[string]any:
		if lo, ok := ParseAmount(val["min"]); ok {
			if hi, ok := ParseAmount(val["max"]); ok {
				return (lo + hi) / 2, true
			}
		}
		for _, key := range []string{"amount", "value", "monthly", "monthlyAmount"} {
			if amount, ok := ParseAmount(val[key]); ok {
				return amount, true
			}
		}
	}
	return 0, false
}

func finite(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseAmountString(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	if m := rangePattern.FindStringSubmatch(s); m != nil {
		lo, okLo := parseNumber(m[1])
		hi, okHi := parseNumber(m[2])
		if okLo && okHi {
			return (lo + hi) / 2, true
		}
	}

	match := numberPattern.FindString(s)
	if match == "" {
		return 0, false
	}
	return parseNumber(match)
}

// parseNumber understands "1,234.56", "1.234,56" and "1234,5".
func parseNumber(s string) (float64, bool) {
	s = strings.Trim(s, ".,")
	if s == "" || s == "-" {
		return 0, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// A single comma followed by exactly three digits is a thousands separator.
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return finite(f)
}
