package gap

import (
	"context"
	"errors"
	"fmt"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/extract"
	"github.com/spigell/eor-quoter/internal/legal"
	"github.com/spigell/eor-quoter/internal/money"
	"github.com/spigell/eor-quoter/internal/profile"
)

// DeterministicConfidence is the confidence of a computed delta with no coverage evidence.
const DeterministicConfidence = 0.9

// Input is everything a gap strategy needs for one provider.
type Input struct {
	Provider string
	Baseline *Baseline
	Benefits *extract.BenefitMap
}

func (in Input) validate() error {
	if in.Baseline == nil {
		return fmt.Errorf("%w: no legal baseline for %s", errs.ErrReferenceDataMissing, in.Provider)
	}
	if in.Benefits == nil {
		return errors.New("benefit map is required")
	}
	return nil
}

func (in Input) statutoryOnly() bool {
	return in.Baseline.Mode == profile.StatutoryOnly
}

// Strategy computes an enhancement set.
type Strategy interface {
	Analyze(ctx context.Context, in Input) (*Set, error)
}

// Deterministic computes per-key deltas in process. It is the system of record.
type Deterministic struct{}

var _ Strategy = Deterministic{}

func (Deterministic) Analyze(_ context.Context, in Input) (*Set, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	set := NewSet(in.Provider, in.Baseline.Currency, in.Benefits.MonthlyTotal)
	for _, key := range in.Baseline.Keys() {
		base := in.Baseline.Items[key]
		if base.Amount <= 0 {
			continue
		}
		if key == string(benefit.TerminationProvision) {
			set.Items[key] = Termination(in.Baseline)
			continue
		}
		set.Items[key] = delta(in, base)
	}

	set.Recompute()
	return set, nil
}

func delta(in Input, base BaselineItem) Item {
	coverage := in.Benefits.Coverage(base.Key)
	item := Item{
		Name:           base.Name,
		Mandatory:      base.Mandatory,
		BaselineAmount: base.Amount,
		CoverageAmount: coverage,
		Confidence:     DeterministicConfidence,
		Source:         SourceDeterministic,
	}

	if inc, ok := in.Benefits.IncludedBenefits[base.Key]; ok && coverage > 0 {
		item.Confidence = ai.Clamp01(inc.Confidence)
	}

	switch {
	case in.statutoryOnly() && !base.Mandatory:
		item.Explanation = "not mandatory, excluded in statutory-only mode"
	case coverage >= base.Amount:
		item.AlreadyIncluded = true
		item.Explanation = fmt.Sprintf("provider already bills %.2f against a legal %.2f", coverage, base.Amount)
	case coverage > 0:
		item.MonthlyAmount = money.Round2(base.Amount - coverage)
		item.Explanation = fmt.Sprintf("provider bills %.2f of a legal %.2f", coverage, base.Amount)
	default:
		item.MonthlyAmount = base.Amount
		item.Explanation = fmt.Sprintf("missing from the quote, legal amount %.2f", base.Amount)
	}

	if base.Category == legal.Bonuses {
		item.YearlyAmount = money.Mul(item.MonthlyAmount, 12)
	}
	return item
}

// Termination is the termination provision computed from the notice and severance hints.
// Provider coverage is ignored because quotes do not carry contingent termination costs.
func Termination(b *Baseline) Item {
	monthly := b.Hints.TerminationMonthly
	return Item{
		Name:           "Termination provision",
		MonthlyAmount:  monthly,
		TotalAmount:    money.Mul(monthly, float64(b.ContractMonths)),
		Explanation:    fmt.Sprintf("%s over %d months: %s", b.Hints.Describe(), b.ContractMonths, legal.TerminationFormula),
		Confidence:     1,
		Mandatory:      true,
		BaselineAmount: monthly,
		Source:         SourceDeterministic,
	}
}
