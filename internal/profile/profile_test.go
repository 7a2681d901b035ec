package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/legal"
)

const facts = `
countries:
  BR:
    currency: BRL
    contributions:
      - {name: INSS employer, rate: 0.2, mandatory: true}
      - {name: FGTS, rate: 0.08, mandatory: true}
      - {name: Union fee, rate: 0.01}
    bonuses:
      - {name: 13th salary, months: 1, mandatory: true}
    allowances:
      - {name: Meal voucher, amount: 6000, frequency: yearly}
    termination:
      notice-days: 30
      severance-months: 1
  CL:
    currency: CLP
    contributions:
      - {name: Unemployment insurance, rate: 0.024, mandatory: true}
`

func newStore(t *testing.T) legal.Store {
	t.Helper()
	store, err := legal.Parse([]byte(facts))
	require.NoError(t, err)
	return store
}

func reply(text string) ai.Generator {
	return ai.GeneratorFunc(func(context.Context, ai.Request) (string, error) {
		return text, nil
	})
}

func params(country string) Params {
	return Params{Country: country, BaseSalaryMonthly: 3000, ContractMonths: 12}
}

func TestDeterministicProfile(t *testing.T) {
	a := NewAssembler(newStore(t), nil, true, zap.NewNop())

	prof, err := a.Assemble(context.Background(), params("br"))
	require.NoError(t, err)

	assert.False(t, prof.Generated)
	assert.Equal(t, "BRL", prof.Meta.Currency)
	assert.Equal(t, AllInclusive, prof.Meta.QuoteType)
	assert.Equal(t, 870.0, prof.Subtotals[legal.Contributions])
	assert.Equal(t, 250.0, prof.Subtotals[legal.Bonuses])
	assert.Equal(t, 500.0, prof.Subtotals[legal.Allowances])
	assert.Equal(t, 500.0, prof.Subtotals[legal.Termination])
	assert.Equal(t, 2120.0, prof.TotalMonthly)
	assert.True(t, prof.Consistent())

	term, ok := prof.Find("termination_provision")
	require.True(t, ok)
	assert.True(t, term.Mandatory)
	assert.Equal(t, legal.TerminationFormula, term.Formula)

	meal, ok := prof.Find("meal_allowance")
	require.True(t, ok)
	assert.False(t, meal.Mandatory)
}

func TestGeneratedProfileIsNormalized(t *testing.T) {
	raw := "Sure, here is the profile:\n```json\n" + `{"profile": {"items": [
		{"key": "inss_employer", "name": "INSS social contribution", "category": "social", "mandatory": "yes", "monthlyAmountLocal": "600"},
		{"key": "fgts", "name": "FGTS", "category": "contributions", "mandatory": true, "variables": {"rate": 8}},
		{"name": "13th salary", "category": "bonus", "mandatory": true, "monthlyAmountLocal": 3000, "frequency": "yearly"},
		{"name": "Severance", "category": "termination", "mandatory": true, "monthlyAmountLocal": 999},
		{"name": "Gym", "category": "allowances", "monthlyAmountLocal": 50}
	]}}` + "\n```"

	core, logs := observer.New(zapcore.WarnLevel)
	a := NewAssembler(newStore(t), reply(raw), true, zap.New(core))

	prof, err := a.Assemble(context.Background(), params("BR"))
	require.NoError(t, err)
	assert.True(t, prof.Generated)

	inss, ok := prof.Find("inss_employer")
	require.True(t, ok)
	assert.Equal(t, legal.Contributions, inss.Category)
	assert.True(t, inss.Mandatory)
	assert.Equal(t, 600.0, inss.MonthlyAmountLocal)

	fgts, ok := prof.Find("fgts")
	require.True(t, ok)
	assert.Equal(t, 240.0, fgts.MonthlyAmountLocal, "missing contribution amount is rate times salary")

	bonus, ok := prof.Find("thirteenth_salary")
	require.True(t, ok)
	assert.Equal(t, legal.Bonuses, bonus.Category)
	assert.Equal(t, 250.0, bonus.MonthlyAmountLocal)

	term, ok := prof.Find("termination_provision")
	require.True(t, ok)
	assert.Equal(t, 500.0, term.MonthlyAmountLocal)

	assert.Len(t, prof.Items, 5)
	assert.Equal(t, 1640.0, prof.TotalMonthly)
	assert.True(t, prof.Consistent())
	assert.NotEmpty(t, prof.Warnings)
	assert.Equal(t, 1, logs.FilterMessageSnippet("termination provision").Len())
}

func TestGeneratedProfileAddsOmittedMandatoryItems(t *testing.T) {
	raw := `{"items": [{"key": "inss_employer", "name": "INSS employer", "category": "contributions", "mandatory": true, "monthlyAmountLocal": 600}]}`
	a := NewAssembler(newStore(t), reply(raw), false, zap.NewNop())

	prof, err := a.Assemble(context.Background(), params("BR"))
	require.NoError(t, err)

	for _, key := range []string{"fgts", "thirteenth_salary", "termination_provision"} {
		_, ok := prof.Find(key)
		assert.True(t, ok, key)
	}
	_, ok := prof.Find("meal_allowance")
	assert.False(t, ok, "optional items are not forced in")
	assert.True(t, prof.Consistent())
}

func TestGeneratedProfileDropsUnavailableCategories(t *testing.T) {
	raw := `{"items": [
		{"name": "Unemployment insurance", "category": "contributions", "mandatory": true, "monthlyAmountLocal": 72},
		{"name": "Christmas bonus", "category": "bonuses", "mandatory": false, "monthlyAmountLocal": 250}
	]}`
	a := NewAssembler(newStore(t), reply(raw), true, zap.NewNop())

	prof, err := a.Assemble(context.Background(), params("CL"))
	require.NoError(t, err)

	assert.Empty(t, prof.ByCategory(legal.Bonuses))
	assert.Equal(t, 72.0, prof.TotalMonthly)
	require.NotEmpty(t, prof.Warnings)
	assert.Contains(t, prof.Warnings[0], "Christmas bonus")
}

func TestUnusableModelOutputIsFatal(t *testing.T) {
	calls := 0
	gen := ai.GeneratorFunc(func(_ context.Context, req ai.Request) (string, error) {
		calls++
		return "I could not find any facts.", nil
	})
	a := NewAssembler(newStore(t), gen, true, zap.NewNop())

	_, err := a.Assemble(context.Background(), params("BR"))
	require.Error(t, err)
	assert.True(t, ai.IsInvalidOutput(err))
	assert.Equal(t, 2, calls, "strict attempt plus one relaxed retry")
}

func TestModelTimeoutFallsBack(t *testing.T) {
	gen := ai.GeneratorFunc(func(context.Context, ai.Request) (string, error) {
		return "", errs.ErrModelTimeout
	})
	a := NewAssembler(newStore(t), gen, true, zap.NewNop())

	prof, err := a.Assemble(context.Background(), params("BR"))
	require.NoError(t, err)
	assert.False(t, prof.Generated)
	assert.Equal(t, 2120.0, prof.TotalMonthly)
	require.Len(t, prof.Warnings, 1)
	assert.Contains(t, prof.Warnings[0], "deterministic profile")
}

func TestMissingCountry(t *testing.T) {
	a := NewAssembler(newStore(t), reply("{}"), true, nil)
	_, err := a.Assemble(context.Background(), params("FR"))
	require.ErrorIs(t, err, errs.ErrReferenceDataMissing)
}

func TestParamsValidate(t *testing.T) {
	p := Params{Country: " de ", BaseSalaryMonthly: 1, ContractMonths: 1, Mode: "Statutory-Only"}
	require.NoError(t, p.Validate())
	assert.Equal(t, "DE", p.Country)
	assert.Equal(t, StatutoryOnly, p.Mode)

	bad := []Params{
		{BaseSalaryMonthly: 1, ContractMonths: 1},
		{Country: "DE", ContractMonths: 1},
		{Country: "DE", BaseSalaryMonthly: 1},
		{Country: "DE", BaseSalaryMonthly: 1, ContractMonths: 1, Mode: "cheap"},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate())
	}
}

func TestRemapCategory(t *testing.T) {
	cases := map[string]struct {
		raw, name string
		want      legal.Category
	}{
		"known":        {raw: "Bonuses", name: "anything", want: legal.Bonuses},
		"contribution": {raw: "social_security", name: "Pension contribution", want: legal.Contributions},
		"tax":          {raw: "", name: "Payroll tax", want: legal.Contributions},
		"bonus":        {raw: "extra", name: "14th salary", want: legal.Bonuses},
		"termination":  {raw: "liability", name: "Severance fund", want: legal.Termination},
		"default":      {raw: "perk", name: "Gym membership", want: legal.Allowances},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, RemapCategory(tc.raw, tc.name))
		})
	}
}
