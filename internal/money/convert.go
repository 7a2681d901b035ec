package money

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/spigell/eor-quoter/internal/errs"
)

// Conversion is a successful currency conversion.
type Conversion struct {
	Amount float64 `json:"targetAmount"`
	Rate   float64 `json:"rate"`
}

// Converter converts amounts between ISO currency codes.
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (Conversion, error)
}

// StaticRates converts through a fixed table of rates expressed as units of a common
// reference currency per unit of the keyed currency.
type StaticRates struct {
	rates map[string]decimal.Decimal
}

// NewStaticRates builds a converter from a code → rate table. Codes are case-insensitive.
func NewStaticRates(rates map[string]float64) (*StaticRates, error) {
	table := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		code = NormalizeCode(code)
		if code == "" {
			continue
		}
		if rate <= 0 {
			return nil, fmt.Errorf("rate for %s must be positive, got %v", code, rate)
		}
		table[code] = decimal.NewFromFloat(rate)
	}
	return &StaticRates{rates: table}, nil
}

// Convert implements Converter.
func (s *StaticRates) Convert(ctx context.Context, amount float64, from, to string) (Conversion, error) {
	if err := ctx.Err(); err != nil {
		return Conversion{}, fmt.Errorf("%w: %w", errs.ErrCurrencyConversionFailed, err)
	}

	from, to = NormalizeCode(from), NormalizeCode(to)
	if from == "" || to == "" {
		return Conversion{}, fmt.Errorf("%w: currency code is required", errs.ErrCurrencyConversionFailed)
	}
	if from == to {
		return Conversion{Amount: Round2(amount), Rate: 1}, nil
	}

	fromRate, ok := s.rates[from]
	if !ok {
		return Conversion{}, fmt.Errorf("%w: no rate for %s", errs.ErrCurrencyConversionFailed, from)
	}
	toRate, ok := s.rates[to]
	if !ok {
		return Conversion{}, fmt.Errorf("%w: no rate for %s", errs.ErrCurrencyConversionFailed, to)
	}

	rate := fromRate.Div(toRate)
	converted := decimal.NewFromFloat(amount).Mul(rate).Round(2)

	return Conversion{
		Amount: converted.InexactFloat64(),
		Rate:   rate.Round(8).InexactFloat64(),
	}, nil
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
