package legal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/eor-quoter/internal/errs"
)

const sample = `
countries:
  br:
    currency: brl
    contributions:
      - name: INSS employer
        rate: 0.2
        mandatory: true
      - name: FGTS
        rate: 0.08
        mandatory: true
      - name: Union fee
        rate: 0.01
    bonuses:
      - name: 13th salary
        months: 1
        mandatory: true
    allowances:
      - name: Meal voucher
        amount: 6000
        frequency: yearly
    termination:
      notice-days: 30
      severance-months: 1
    reference:
      contributions: INSS 20% and FGTS 8% are paid by the employer.
      bonuses: The 13th salary is paid in December.
  XX:
    currency: USD
    reference:
      termination: "   "
`

func TestParseAndLookup(t *testing.T) {
	store, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"BR", "XX"}, store.Countries())

	facts, err := store.Lookup(context.Background(), " br ")
	require.NoError(t, err)
	assert.Equal(t, "BR", facts.Country)
	assert.Equal(t, "BRL", facts.Currency)
	require.Len(t, facts.Contributions, 3)

	facts.Contributions[0].Rate = 1
	again, err := store.Lookup(context.Background(), "BR")
	require.NoError(t, err)
	assert.Equal(t, 0.2, again.Contributions[0].Rate, "lookups must return copies")

	_, err = store.Lookup(context.Background(), "FR")
	require.ErrorIs(t, err, errs.ErrReferenceDataMissing)
}

func TestAvailabilityAndExcerpts(t *testing.T) {
	store, err := Parse([]byte(sample))
	require.NoError(t, err)

	br, err := store.Lookup(context.Background(), "BR")
	require.NoError(t, err)
	assert.Equal(t, map[Category]bool{
		Contributions: true,
		Bonuses:       true,
		Allowances:    true,
		Termination:   true,
	}, br.Availability())
	assert.Len(t, br.Excerpts(), 2)

	xx, err := store.Lookup(context.Background(), "XX")
	require.NoError(t, err)
	assert.False(t, xx.Availability()[Termination], "blank reference text is not a fact")
	assert.Empty(t, xx.Excerpts())
}

func TestBuildHints(t *testing.T) {
	store, err := Parse([]byte(sample))
	require.NoError(t, err)
	br, err := store.Lookup(context.Background(), "BR")
	require.NoError(t, err)

	h := BuildHints(br, 3000, 12)
	assert.Equal(t, 30, h.NoticeDays)
	assert.Equal(t, 1.0, h.SeveranceMonths)
	assert.True(t, h.ThirteenthMandatory)
	assert.False(t, h.FourteenthMandatory)
	assert.Equal(t, 500.0, h.TerminationMonthly)
	assert.Equal(t, 840.0, h.ContributionsTotal)
	require.Len(t, h.Contributions, 3)
	assert.Equal(t, "inss_employer", h.Contributions[0].Key)
	assert.Equal(t, 600.0, h.Contributions[0].MonthlyAmount)
	assert.False(t, h.Contributions[2].Mandatory)
}

func TestTerminationProvision(t *testing.T) {
	cases := []struct {
		name      string
		notice    int
		severance float64
		base      float64
		months    int
		want      float64
	}{
		{name: "notice and severance", notice: 30, severance: 1, base: 3000, months: 12, want: 500},
		{name: "rounded half up", notice: 10, severance: 0, base: 1000, months: 7, want: 47.62},
		{name: "no contract", notice: 30, severance: 1, base: 3000, months: 0, want: 0},
		{name: "no rules", base: 3000, months: 12, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TerminationProvision(tc.notice, tc.severance, tc.base, tc.months))
		})
	}
}

func TestMonthlyHelpers(t *testing.T) {
	assert.Equal(t, 250.0, BonusMonthly(Bonus{Months: 1}, 3000))
	assert.Equal(t, 500.0, AllowanceMonthly(Allowance{Amount: 6000, Frequency: "yearly"}))
	assert.Equal(t, 220.0, AllowanceMonthly(Allowance{Amount: 10, Frequency: "daily"}))
	assert.Equal(t, "contribution_employer_social_security", ContributionKey("Employer social security"))
}
