// Package gap computes what a provider quote is missing against the legal cost baseline.
package gap

import (
	"sort"

	"github.com/spigell/eor-quoter/internal/money"
)

// Item is the monthly enhancement for one benefit key.
type Item struct {
	Name            string  `json:"name,omitempty"`
	MonthlyAmount   float64 `json:"monthlyAmount"`
	YearlyAmount    float64 `json:"yearlyAmount,omitempty"`
	TotalAmount     float64 `json:"totalAmount,omitempty"`
	Explanation     string  `json:"explanation"`
	Confidence      float64 `json:"confidence"`
	AlreadyIncluded bool    `json:"alreadyIncluded"`
	Mandatory       bool    `json:"mandatory"`
	// BaselineAmount is the legal monthly amount the delta was computed from.
	BaselineAmount float64 `json:"baselineAmount,omitempty"`
	CoverageAmount float64 `json:"coverageAmount,omitempty"`
	Source         string  `json:"source"`
}

const (
	SourceDeterministic = "deterministic"
	SourceModel         = "model"
)

type Totals struct {
	BaseMonthlyTotal        float64 `json:"baseMonthlyTotal"`
	TotalMonthlyEnhancement float64 `json:"totalMonthlyEnhancement"`
	TotalYearlyEnhancement  float64 `json:"totalYearlyEnhancement"`
	FinalMonthlyTotal       float64 `json:"finalMonthlyTotal"`
}

// Set is the enhancement set of one provider. Additional is the auxiliary bag of
// office-specific contributions that the deduplication pass reconciles against Items.
type Set struct {
	Provider   string          `json:"provider"`
	Currency   string          `json:"currency"`
	Items      map[string]Item `json:"items"`
	Additional map[string]Item `json:"additionalContributions,omitempty"`
	Totals     Totals          `json:"totals"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// NewSet creates an empty set on top of the provider's monthly total.
func NewSet(provider, currency string, baseMonthlyTotal float64) *Set {
	return &Set{
		Provider: provider,
		Currency: currency,
		Items:    make(map[string]Item),
		Totals:   Totals{BaseMonthlyTotal: money.Round2(baseMonthlyTotal)},
	}
}

// Recompute enforces the already-included rule and rebuilds the totals from the items.
func (s *Set) Recompute() {
	amounts := make([]float64, 0, len(s.Items)+len(s.Additional))
	for _, bag := range []map[string]Item{s.Items, s.Additional} {
		for key, item := range bag {
			if item.AlreadyIncluded || item.MonthlyAmount < 0 {
				item.MonthlyAmount = 0
			}
			item.MonthlyAmount = money.Round2(item.MonthlyAmount)
			bag[key] = item
			if !item.AlreadyIncluded {
				amounts = append(amounts, item.MonthlyAmount)
			}
		}
	}

	s.Totals.TotalMonthlyEnhancement = money.Sum(amounts...)
	s.Totals.TotalYearlyEnhancement = money.Mul(s.Totals.TotalMonthlyEnhancement, 12)
	s.Totals.FinalMonthlyTotal = money.Sum(s.Totals.BaseMonthlyTotal, s.Totals.TotalMonthlyEnhancement)
}

// Consistent checks the total and already-included invariants.
func (s *Set) Consistent() bool {
	var sum float64
	n := 0
	for _, bag := range []map[string]Item{s.Items, s.Additional} {
		for _, item := range bag {
			if item.AlreadyIncluded && item.MonthlyAmount != 0 {
				return false
			}
			if !item.AlreadyIncluded {
				sum += item.MonthlyAmount
			}
			n++
		}
	}
	tolerance := money.Tolerance * float64(n+1)
	if abs(sum-s.Totals.TotalMonthlyEnhancement) > tolerance {
		return false
	}
	return abs(s.Totals.BaseMonthlyTotal+s.Totals.TotalMonthlyEnhancement-s.Totals.FinalMonthlyTotal) <= money.Tolerance
}

// Keys returns the primary item keys, sorted.
func (s *Set) Keys() []string {
	return sortedKeys(s.Items)
}

// AdditionalKeys returns the auxiliary keys, sorted.
func (s *Set) AdditionalKeys() []string {
	return sortedKeys(s.Additional)
}

// Warn appends a human-readable warning.
func (s *Set) Warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// Clone deep-copies the set.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = copyItems(s.Items)
	c.Additional = copyItems(s.Additional)
	c.Warnings = append([]string(nil), s.Warnings...)
	return &c
}

func copyItems(in map[string]Item) map[string]Item {
	if in == nil {
		return nil
	}
	out := make(map[string]Item, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]Item) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
