package gap

import (
	"context"
	"fmt"
	"sort"

	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/legal"
	"github.com/spigell/eor-quoter/internal/money"
	"github.com/spigell/eor-quoter/internal/profile"
)

// BaselineItem is the legal monthly amount of one benefit key in the provider currency.
type BaselineItem struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Category  legal.Category `json:"category"`
	Mandatory bool           `json:"mandatory"`
	Amount    float64        `json:"amount"`
}

// Baseline is the legal cost profile re-keyed onto benefit keys and expressed in the
// provider currency.
type Baseline struct {
	Currency          string                  `json:"currency"`
	Rate              float64                 `json:"rate"`
	BaseSalaryMonthly float64                 `json:"baseSalaryMonthly"`
	ContractMonths    int                     `json:"contractMonths"`
	Mode              profile.Mode            `json:"quoteType"`
	Hints             legal.Hints             `json:"hints"`
	Items             map[string]BaselineItem `json:"items"`
}

// Keys returns the baseline keys, sorted.
func (b *Baseline) Keys() []string {
	keys := make([]string, 0, len(b.Items))
	for k := range b.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildBaseline converts a profile into the provider currency. Mandatory contributions
// collapse into the employer contributions aggregate; optional ones keep their own key.
func BuildBaseline(ctx context.Context, prof *profile.Profile, currency string, conv money.Converter) (*Baseline, error) {
	if prof == nil {
		return nil, fmt.Errorf("%w: no legal profile", errs.ErrReferenceDataMissing)
	}

	from := money.NormalizeCode(prof.Meta.Currency)
	to := money.NormalizeCode(currency)
	if to == "" {
		to = from
	}

	rate := 1.0
	if from != to {
		if conv == nil {
			return nil, fmt.Errorf("%w: no converter for %s to %s", errs.ErrCurrencyConversionFailed, from, to)
		}
		c, err := conv.Convert(ctx, 1, from, to)
		if err != nil {
			return nil, fmt.Errorf("convert legal baseline to %s: %w", to, err)
		}
		rate = c.Rate
	}

	b := &Baseline{
		Currency:          to,
		Rate:              rate,
		BaseSalaryMonthly: money.Mul(prof.Meta.BaseSalaryMonthly, rate),
		ContractMonths:    prof.Meta.ContractMonths,
		Mode:              prof.Meta.QuoteType,
		Hints:             prof.Hints,
		Items:             make(map[string]BaselineItem),
	}
	b.Hints.TerminationMonthly = money.Mul(prof.Hints.TerminationMonthly, rate)

	for _, item := range prof.Items {
		key := baselineKey(item)
		amount := money.Mul(item.MonthlyAmountLocal, rate)

		entry, ok := b.Items[key]
		if !ok {
			entry = BaselineItem{Key: key, Name: item.Name, Category: item.Category}
			if key == string(benefit.EmployerContributions) {
				entry.Name = "Employer contributions"
			}
		}
		entry.Amount = money.Sum(entry.Amount, amount)
		entry.Mandatory = entry.Mandatory || item.Mandatory
		b.Items[key] = entry
	}

	if term, ok := b.Items[string(benefit.TerminationProvision)]; ok {
		term.Amount = b.Hints.TerminationMonthly
		term.Mandatory = true
		b.Items[term.Key] = term
	}
	return b, nil
}

func baselineKey(item profile.Item) string {
	switch {
	case item.Category == legal.Termination:
		return string(benefit.TerminationProvision)
	case item.Category == legal.Contributions && item.Mandatory:
		return string(benefit.EmployerContributions)
	}
	if key, ok := benefit.Canonical(item.Name); ok && key != benefit.EmployerContributions {
		return string(key)
	}
	return item.Key
}
