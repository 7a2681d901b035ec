package legal

import (
	"fmt"

	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/money"
)

// TerminationFormula documents how TerminationProvision is computed.
const TerminationFormula = "((noticeDays / 30) + severanceMonths) * baseSalaryMonthly / contractMonths"

// ContributionHint is a contribution rate with its precomputed monthly amount.
type ContributionHint struct {
	Name          string  `json:"name"`
	Key           string  `json:"key"`
	Rate          float64 `json:"rate"`
	Mandatory     bool    `json:"mandatory"`
	MonthlyAmount float64 `json:"monthlyAmount"`
}

// Hints are the deterministic numbers handed to the model and used as fallbacks.
type Hints struct {
	NoticeDays          int                `json:"noticeDays"`
	SeveranceMonths     float64            `json:"severanceMonths"`
	ProbationDays       int                `json:"probationDays,omitempty"`
	ThirteenthMandatory bool               `json:"thirteenthSalaryMandatory"`
	FourteenthMandatory bool               `json:"fourteenthSalaryMandatory"`
	Contributions       []ContributionHint `json:"contributions,omitempty"`
	ContributionsTotal  float64            `json:"mandatoryContributionsMonthly"`
	TerminationMonthly  float64            `json:"terminationMonthlyProvision"`
	TerminationFormula  string             `json:"terminationFormula"`
}

// BuildHints derives the numeric hints for a base salary and contract length.
func BuildHints(f Facts, baseSalaryMonthly float64, contractMonths int) Hints {
	h := Hints{TerminationFormula: TerminationFormula}

	if f.Termination != nil {
		h.NoticeDays = f.Termination.NoticeDays
		h.SeveranceMonths = f.Termination.SeveranceMonths
		h.ProbationDays = f.Termination.ProbationDays
	}
	h.TerminationMonthly = TerminationProvision(h.NoticeDays, h.SeveranceMonths, baseSalaryMonthly, contractMonths)

	for _, b := range f.Bonuses {
		key, _ := benefit.Canonical(b.Name)
		switch key {
		case benefit.ThirteenthSalary:
			h.ThirteenthMandatory = h.ThirteenthMandatory || b.Mandatory
		case benefit.FourteenthSalary:
			h.FourteenthMandatory = h.FourteenthMandatory || b.Mandatory
		}
	}

	mandatory := make([]float64, 0, len(f.Contributions))
	for _, c := range f.Contributions {
		amount := money.Mul(baseSalaryMonthly, c.Rate)
		h.Contributions = append(h.Contributions, ContributionHint{
			Name:          c.Name,
			Key:           ContributionKey(c.Name),
			Rate:          c.Rate,
			Mandatory:     c.Mandatory,
			MonthlyAmount: amount,
		})
		if c.Mandatory {
			mandatory = append(mandatory, amount)
		}
	}
	h.ContributionsTotal = money.Sum(mandatory...)

	return h
}

// ContributionKey is the item key of an individual contribution line.
func ContributionKey(name string) string {
	key := benefit.KeyFor(name)
	if key == string(benefit.EmployerContributions) {
		// Keep individual lines distinguishable from the aggregate.
		key = "contribution_" + benefit.Normalize(name)
	}
	return sanitizeKey(key)
}

// BonusMonthly is the monthly accrual of a bonus paid as a multiple of the base salary.
func BonusMonthly(b Bonus, baseSalaryMonthly float64) float64 {
	return money.Div(money.Mul(b.Months, baseSalaryMonthly), 12)
}

// AllowanceMonthly is the monthly figure of an allowance.
func AllowanceMonthly(a Allowance) float64 {
	return money.ToMonthly(a.Amount, money.ParseFrequency(a.Frequency))
}

// TerminationProvision spreads notice pay and severance over the contract. A non-positive
// contract length yields zero.
func TerminationProvision(noticeDays int, severanceMonths, baseSalaryMonthly float64, contractMonths int) float64 {
	if contractMonths <= 0 || baseSalaryMonthly <= 0 {
		return 0
	}
	salaryMonths := float64(noticeDays)/30 + severanceMonths
	if salaryMonths <= 0 {
		return 0
	}
	return money.Round2(salaryMonths * baseSalaryMonthly / float64(contractMonths))
}

// Describe renders the provision inputs for logs and explanations.
func (h Hints) Describe() string {
	return fmt.Sprintf("notice %d days, severance %.2f months", h.NoticeDays, h.SeveranceMonths)
}

func sanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			if len(out) > 0 && out[len(out)-1] != '_' {
				out = append(out, '_')
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '_' {
		out = out[:len(out)-1]
	}
	return string(out)
}
