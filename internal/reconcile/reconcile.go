// Package reconcile ranks provider totals against the cheapest one and picks a
// representative price inside the variance band.
package reconcile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/spigell/eor-quoter/internal/money"
)

// DefaultThreshold is the accepted relative distance from the cheapest total.
const DefaultThreshold = 0.04

// baseSalaryDrift is how far an extracted base salary may be from the requested one.
const baseSalaryDrift = 0.01

// RiskMode decides which in-band provider wins.
type RiskMode string

const (
	// Conservative picks the highest in-band total to reduce under-quoting.
	Conservative RiskMode = "conservative"
	// Cheapest picks the lowest in-band total.
	Cheapest RiskMode = "cheapest"
)

func ParseRiskMode(s string) (RiskMode, error) {
	switch RiskMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Conservative:
		return Conservative, nil
	case Cheapest:
		return Cheapest, nil
	default:
		return "", fmt.Errorf("unknown risk mode %q", s)
	}
}

// Coverage summarizes what a provider quote includes.
type Coverage struct {
	Includes           []string `json:"includes"`
	Missing            []string `json:"missing"`
	DoubleCountingRisk bool     `json:"doubleCountingRisk"`
	// CriticalMissing keeps the provider out of band whatever its total.
	CriticalMissing bool `json:"criticalMissing"`
}

// Candidate is one provider total, already normalized to the target currency.
type Candidate struct {
	Provider               string   `json:"provider"`
	NormalizedMonthlyTotal float64  `json:"normalizedMonthlyTotal"`
	OriginalMonthlyTotal   float64  `json:"originalMonthlyTotal"`
	OriginalCurrency       string   `json:"originalCurrency"`
	Confidence             float64  `json:"confidence"`
	Coverage               Coverage `json:"coverage"`
	// Failed providers are listed in the result but never ranked.
	Failed bool   `json:"failed,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Ranked is a candidate with its distance from the cheapest total.
type Ranked struct {
	Candidate
	Delta      float64 `json:"delta"`
	Pct        float64 `json:"pct"`
	WithinBand bool    `json:"withinBand"`
	Rank       int     `json:"rank"`
}

// Summary holds statistics over the ranked totals.
type Summary struct {
	Count                  int     `json:"count"`
	Min                    float64 `json:"min"`
	Max                    float64 `json:"max"`
	Mean                   float64 `json:"mean"`
	Median                 float64 `json:"median"`
	StdDev                 float64 `json:"stdDev"`
	CoefficientOfVariation float64 `json:"coefficientOfVariation"`
}

// Options configure a reconciliation run.
type Options struct {
	Threshold float64
	RiskMode  RiskMode
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.RiskMode == "" {
		o.RiskMode = Conservative
	}
	return o
}

// Result is the outcome of ranking.
type Result struct {
	Threshold  float64    `json:"threshold"`
	RiskMode   RiskMode   `json:"riskMode"`
	Min        float64    `json:"min"`
	Candidates []Ranked   `json:"candidates"`
	Excluded   []string   `json:"excluded,omitempty"`
	Winner     string     `json:"winner,omitempty"`
	Stats      Summary    `json:"stats"`
	Narrative  *Narrative `json:"narrative,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// HasWinner reports whether any provider landed in band.
func (r *Result) HasWinner() bool {
	return r.Winner != ""
}

// Find returns the ranked entry of a provider.
func (r *Result) Find(provider string) (Ranked, bool) {
	for _, c := range r.Candidates {
		if c.Provider == provider {
			return c, true
		}
	}
	return Ranked{}, false
}

// ErrNoCandidates means every provider failed before reaching reconciliation.
var ErrNoCandidates = errors.New("no provider totals to reconcile")

// Reconcile ranks the successful candidates. When nobody is in band Winner stays empty
// and the caller decides the fallback.
func Reconcile(candidates []Candidate, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	res := &Result{Threshold: opts.Threshold, RiskMode: opts.RiskMode}

	seen := make(map[string]bool, len(candidates))
	var ok []Candidate
	for _, c := range candidates {
		if c.Provider == "" {
			return nil, errors.New("candidate without provider id")
		}
		if seen[c.Provider] {
			return nil, fmt.Errorf("duplicate provider %q", c.Provider)
		}
		seen[c.Provider] = true

		if c.Failed {
			res.Excluded = append(res.Excluded, c.Provider)
			continue
		}
		if c.NormalizedMonthlyTotal < 0 || math.IsNaN(c.NormalizedMonthlyTotal) || math.IsInf(c.NormalizedMonthlyTotal, 0) {
			return nil, fmt.Errorf("provider %q has invalid total %v", c.Provider, c.NormalizedMonthlyTotal)
		}
		ok = append(ok, c)
	}
	sort.Strings(res.Excluded)
	if len(ok) == 0 {
		return res, ErrNoCandidates
	}

	sort.SliceStable(ok, func(i, j int) bool {
		if ok[i].NormalizedMonthlyTotal != ok[j].NormalizedMonthlyTotal {
			return ok[i].NormalizedMonthlyTotal < ok[j].NormalizedMonthlyTotal
		}
		return ok[i].Provider < ok[j].Provider
	})

	low := ok[0].NormalizedMonthlyTotal
	res.Min = low
	for i, c := range ok {
		delta := c.NormalizedMonthlyTotal - low
		pct := 0.0
		if low != 0 {
			pct = delta / low
		}
		res.Candidates = append(res.Candidates, Ranked{
			Candidate:  c,
			Delta:      money.Round2(delta),
			Pct:        pct,
			WithinBand: pct <= opts.Threshold+1e-12 && !c.Coverage.CriticalMissing,
			Rank:       i + 1,
		})
	}

	res.Winner = pick(res.Candidates, opts.RiskMode)
	res.Stats = summarize(ok)
	return res, nil
}

// pick expects candidates sorted by total then provider id.
func pick(ranked []Ranked, mode RiskMode) string {
	winner := -1
	for i, c := range ranked {
		if !c.WithinBand {
			continue
		}
		switch {
		case winner < 0:
			winner = i
		case mode == Conservative && c.NormalizedMonthlyTotal > ranked[winner].NormalizedMonthlyTotal:
			winner = i
		}
	}
	if winner < 0 {
		return ""
	}
	return ranked[winner].Provider
}

func summarize(cands []Candidate) Summary {
	data := make(stats.Float64Data, 0, len(cands))
	for _, c := range cands {
		data = append(data, c.NormalizedMonthlyTotal)
	}

	s := Summary{Count: len(data)}
	if len(data) == 0 {
		return s
	}
	s.Min, _ = stats.Min(data)
	s.Max, _ = stats.Max(data)
	s.Mean, _ = stats.Mean(data)
	s.Median, _ = stats.Median(data)
	s.StdDev, _ = stats.StandardDeviation(data)
	if s.Mean != 0 {
		s.CoefficientOfVariation = s.StdDev / s.Mean
	}

	s.Min = money.Round2(s.Min)
	s.Max = money.Round2(s.Max)
	s.Mean = money.Round2(s.Mean)
	s.Median = money.Round2(s.Median)
	s.StdDev = money.Round2(s.StdDev)
	return s
}

// CriticalMissing reports whether an extracted base salary is absent or drifts more than
// 1% from the requested one. Both amounts must be in the same currency.
func CriticalMissing(extracted, requested float64) bool {
	if extracted <= 0 {
		return true
	}
	if requested <= 0 {
		return false
	}
	return math.Abs(extracted-requested) > baseSalaryDrift*requested+1e-9
}
