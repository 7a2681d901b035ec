package money

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/eor-quoter/internal/errs"
)

func TestRound2HalfUp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2.68, Round2(2.675))
	assert.Equal(t, 0.13, Round2(0.125))
	assert.Equal(t, -0.13, Round2(-0.125))
	assert.Equal(t, 10.0, Round2(9.999))
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input any
		want  float64
		ok    bool
	}{
		{name: "float", input: 12.5, want: 12.5, ok: true},
		{name: "int", input: 7, want: 7, ok: true},
		{name: "plain string", input: "300", want: 300, ok: true},
		{name: "thousands comma", input: "1,200.50", want: 1200.5, ok: true},
		{name: "european", input: "1.234,56 EUR", want: 1234.56, ok: true},
		{name: "decimal comma", input: "45,5", want: 45.5, ok: true},
		{name: "currency symbol", input: "$ 2,000", want: 2000, ok: true},
		{name: "range", input: "100-200", want: 150, ok: true},
		{name: "range words", input: "EUR 100 to 300", want: 200, ok: true},
		{name: "min max", input: map[string]any{"min": 10.0, "max": 20.0}, want: 15, ok: true},
		{name: "nested amount", input: map[string]any{"amount": "42"}, want: 42, ok: true},
		{name: "text", input: "n/a", ok: false},
		{name: "nil", input: nil, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseAmount(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestToMonthly(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100.0, ToMonthly(1200, Yearly))
	assert.Equal(t, 220.0, ToMonthly(10, Daily))
	assert.Equal(t, 50.0, ToMonthly(150, Quarterly))
	assert.Equal(t, 433.33, ToMonthly(100, Weekly))
	assert.Equal(t, 80.0, ToMonthly(80, Monthly))
	assert.Equal(t, Yearly, ParseFrequency(" Annual "))
	assert.Equal(t, OneTime, ParseFrequency("one-time"))
	assert.Equal(t, Monthly, ParseFrequency("whatever"))
}

func TestStaticRatesConvert(t *testing.T) {
	t.Parallel()

	rates, err := NewStaticRates(map[string]float64{"usd": 1, "EUR": 1.1, "BRL": 0.2})
	require.NoError(t, err)

	ctx := context.Background()

	same, err := rates.Convert(ctx, 10.005, "usd", "USD")
	require.NoError(t, err)
	assert.Equal(t, 10.01, same.Amount)
	assert.Equal(t, 1.0, same.Rate)

	eur, err := rates.Convert(ctx, 100, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, 110.0, eur.Amount)

	brl, err := rates.Convert(ctx, 1000, "BRL", "EUR")
	require.NoError(t, err)
	assert.Equal(t, 181.82, brl.Amount)

	_, err = rates.Convert(ctx, 1, "JPY", "USD")
	require.ErrorIs(t, err, errs.ErrCurrencyConversionFailed)
}

func TestStaticRatesRoundTrip(t *testing.T) {
	t.Parallel()

	rates, err := NewStaticRates(map[string]float64{"USD": 1, "EUR": 1.0873, "MXN": 0.0587})
	require.NoError(t, err)

	ctx := context.Background()
	for _, amount := range []float64{1, 99.99, 3000, 123456.78} {
		for _, pair := range [][2]string{{"USD", "EUR"}, {"USD", "MXN"}, {"EUR", "MXN"}} {
			there, err := rates.Convert(ctx, amount, pair[0], pair[1])
			require.NoError(t, err)
			back, err := rates.Convert(ctx, there.Amount, pair[1], pair[0])
			require.NoError(t, err)

			// One rounding step per leg, scaled by the rate of the return leg.
			tolerance := Tolerance + 0.005*back.Rate + 1e-9
			assert.InDelta(t, amount, back.Amount, tolerance, "%v %s→%s→%s", amount, pair[0], pair[1], pair[0])
		}
	}
}

func TestNewStaticRatesRejectsNonPositive(t *testing.T) {
	_, err := NewStaticRates(map[string]float64{"USD": 0})
	require.Error(t, err)
}
