// Package profile assembles the legal cost profile of a country for one employment.
package profile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spigell/eor-quoter/internal/legal"
	"github.com/spigell/eor-quoter/internal/money"
)

// Mode selects which legal items a quote has to carry.
type Mode string

const (
	AllInclusive  Mode = "all-inclusive"
	StatutoryOnly Mode = "statutory-only"
)

// ParseMode accepts the two quote modes; empty means all-inclusive.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AllInclusive:
		return AllInclusive, nil
	case StatutoryOnly, "statutory":
		return StatutoryOnly, nil
	default:
		return "", fmt.Errorf("unknown quote mode %q", s)
	}
}

// Params are the employment parameters of a quote.
type Params struct {
	Country           string  `json:"countryCode"`
	BaseSalaryMonthly float64 `json:"baseSalaryMonthly"`
	ContractMonths    int     `json:"contractMonths"`
	Mode              Mode    `json:"quoteType"`
}

// Validate checks the parameters and fills defaults.
func (p *Params) Validate() error {
	p.Country = strings.ToUpper(strings.TrimSpace(p.Country))
	if p.Country == "" {
		return fmt.Errorf("country code is required")
	}
	if p.BaseSalaryMonthly <= 0 {
		return fmt.Errorf("base salary must be positive, got %v", p.BaseSalaryMonthly)
	}
	if p.ContractMonths <= 0 {
		return fmt.Errorf("contract months must be positive, got %d", p.ContractMonths)
	}
	mode, err := ParseMode(string(p.Mode))
	if err != nil {
		return err
	}
	p.Mode = mode
	return nil
}

type Meta struct {
	CountryCode       string  `json:"countryCode"`
	Currency          string  `json:"currency"`
	BaseSalaryMonthly float64 `json:"baseSalaryMonthly"`
	ContractMonths    int     `json:"contractMonths"`
	QuoteType         Mode    `json:"quoteType"`
}

// Item is one monthly legal cost line.
type Item struct {
	Key                string             `json:"key"`
	Name               string             `json:"name"`
	Category           legal.Category     `json:"category"`
	Mandatory          bool               `json:"mandatory"`
	MonthlyAmountLocal float64            `json:"monthlyAmountLocal"`
	Formula            string             `json:"formula,omitempty"`
	Variables          map[string]float64 `json:"variables,omitempty"`
	Source             string             `json:"source,omitempty"`
	Notes              string             `json:"notes,omitempty"`
}

// Profile is the legal cost profile of one employment.
type Profile struct {
	Meta              Meta                       `json:"meta"`
	AvailabilityFlags map[legal.Category]bool    `json:"availabilityFlags"`
	Items             []Item                     `json:"items"`
	Subtotals         map[legal.Category]float64 `json:"subtotals"`
	TotalMonthly      float64                    `json:"totalMonthly"`
	Warnings          []string                   `json:"warnings,omitempty"`
	// Hints are the deterministic numbers the profile was built from.
	Hints legal.Hints `json:"hints"`
	// Generated is false when the profile came from the deterministic path only.
	Generated bool `json:"generated"`
}

// Recompute rounds every item and rebuilds subtotals and the total from them.
func (p *Profile) Recompute() {
	p.Subtotals = make(map[legal.Category]float64, len(legal.Categories))
	for _, cat := range legal.Categories {
		p.Subtotals[cat] = 0
	}

	byCategory := make(map[legal.Category][]float64)
	for i := range p.Items {
		p.Items[i].MonthlyAmountLocal = money.Round2(p.Items[i].MonthlyAmountLocal)
		cat := p.Items[i].Category
		byCategory[cat] = append(byCategory[cat], p.Items[i].MonthlyAmountLocal)
	}

	totals := make([]float64, 0, len(byCategory))
	for cat, amounts := range byCategory {
		p.Subtotals[cat] = money.Sum(amounts...)
		totals = append(totals, p.Subtotals[cat])
	}
	p.TotalMonthly = money.Sum(totals...)
}

// Find returns the item with the given key.
func (p *Profile) Find(key string) (Item, bool) {
	for _, item := range p.Items {
		if item.Key == key {
			return item, true
		}
	}
	return Item{}, false
}

// ByCategory returns the items of one category in profile order.
func (p *Profile) ByCategory(cat legal.Category) []Item {
	var out []Item
	for _, item := range p.Items {
		if item.Category == cat {
			out = append(out, item)
		}
	}
	return out
}

// Consistent reports whether subtotals and total agree with the items.
func (p *Profile) Consistent() bool {
	tolerance := money.Tolerance * float64(len(p.Items)+1)
	sums := make(map[legal.Category]float64)
	for _, item := range p.Items {
		sums[item.Category] += item.MonthlyAmountLocal
	}

	var total float64
	for cat, subtotal := range p.Subtotals {
		if abs(sums[cat]-subtotal) > tolerance {
			return false
		}
		total += subtotal
	}
	for cat := range sums {
		if _, ok := p.Subtotals[cat]; !ok {
			return false
		}
	}
	return abs(total-p.TotalMonthly) <= tolerance
}

// RemapCategory keeps known categories and maps anything else by keywords in the item name.
func RemapCategory(raw, name string) legal.Category {
	if cat := legal.Category(strings.ToLower(strings.TrimSpace(raw))); cat.Valid() {
		return cat
	}

	lower := strings.ToLower(name)
	switch {
	case containsAny(lower, "contribution", "social", "tax"):
		return legal.Contributions
	case containsAny(lower, "13th", "14th", "salary", "bonus"):
		return legal.Bonuses
	case containsAny(lower, "termination", "severance", "notice"):
		return legal.Termination
	default:
		return legal.Allowances
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func uniqueKey(seen map[string]bool, key string) string {
	if !seen[key] {
		seen[key] = true
		return key
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", key, i)
		if !seen[candidate] {
			seen[candidate] = true
			return candidate
		}
	}
}

func sortedCategories(flags map[legal.Category]bool) []string {
	out := make([]string, 0, len(flags))
	for cat, ok := range flags {
		if ok {
			out = append(out, string(cat))
		}
	}
	sort.Strings(out)
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
