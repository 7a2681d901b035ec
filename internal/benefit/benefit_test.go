package benefit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  Key
		ok    bool
	}{
		{label: "13th Month Salary", want: ThirteenthSalary, ok: true},
		{label: "Thirteenth salary", want: ThirteenthSalary, ok: true},
		{label: "Aguinaldo", want: ThirteenthSalary, ok: true},
		{label: "Décimo Terceiro Salário", want: ThirteenthSalary, ok: true},
		{label: "thirteenth_salary", want: ThirteenthSalary, ok: true},
		{label: "14th salary", want: FourteenthSalary, ok: true},
		{label: "Employer contributions (INSS)", want: EmployerContributions, ok: true},
		{label: "employer_contributions_total", want: EmployerContributions, ok: true},
		{label: "Social Security Tax", want: EmployerContributions, ok: true},
		{label: "Meal vouchers", want: MealAllowance, ok: true},
		{label: "Commuting allowance", want: TransportAllowance, ok: true},
		{label: "Private healthcare", want: HealthInsurance, ok: true},
		{label: "Severance provision", want: TerminationProvision, ok: true},
		{label: "Férias + 1/3", want: VacationBonus, ok: true},
		{label: "EOR management fee", want: PlatformFee, ok: true},
		{label: "Gross salary", want: BaseSalary, ok: true},
		{label: "Laptop stipend", ok: false},
		{label: "   ", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			got, ok := Canonical(tt.label)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "employer contribution total", Normalize("Employer-Contributions_TOTAL!"))
	assert.Equal(t, "decimo terceiro", Normalize("  Décimo   terceiro "))
	assert.Equal(t, "business expense", Normalize("Business expenses"))
}

func TestKeyForAndSame(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "thirteenth_salary", KeyFor("Aguinaldo"))
	assert.Equal(t, "laptop_stipend", KeyFor("Laptop Stipend"))
	assert.True(t, Same("13th salary", "Aguinaldo"))
	assert.True(t, Same("Laptop stipend", "laptop-stipend"))
	assert.False(t, Same("Meal allowance", "Transport allowance"))
}

func TestIsContributionLike(t *testing.T) {
	t.Parallel()

	assert.True(t, IsContributionLike("FGTS contribution"))
	assert.True(t, IsContributionLike("INSS"))
	assert.True(t, IsContributionLike("Employer social charges"))
	assert.False(t, IsContributionLike("Meal allowance"))
}
