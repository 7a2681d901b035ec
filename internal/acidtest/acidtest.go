// Package acidtest projects the margin of an engagement built on the winning quote.
package acidtest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/money"
)

// MinProfitThreshold is the minimum total profit, in the reference currency, for an
// engagement to pass.
const MinProfitThreshold = 1000.0

const (
	SourceModel   = "model"
	SourceKeyword = "keyword"
)

// Input is the winning quote plus the commercial terms.
type Input struct {
	Provider string
	Country  string
	// Currency is shared by the cost items and the bill rate.
	Currency          string
	ReferenceCurrency string
	Items             []CostItem
	BillRate          float64
	Months            int
}

func (in Input) validate() error {
	if len(in.Items) == 0 {
		return errors.New("acid test needs at least one cost item")
	}
	if in.BillRate <= 0 {
		return fmt.Errorf("bill rate must be positive, got %v", in.BillRate)
	}
	if in.Months <= 0 {
		return fmt.Errorf("contract months must be positive, got %d", in.Months)
	}
	if strings.TrimSpace(in.Currency) == "" {
		return errors.New("currency is required")
	}

	seen := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		if it.Key == "" {
			return errors.New("cost item without key")
		}
		if seen[it.Key] {
			return fmt.Errorf("duplicate cost item %q", it.Key)
		}
		seen[it.Key] = true
	}
	return nil
}

// Projection holds the local-currency figures over the contract.
type Projection struct {
	RecurringMonthly float64 `json:"recurringMonthly"`
	RecurringTotal   float64 `json:"recurringTotal"`
	OneTimeTotal     float64 `json:"oneTimeTotal"`
	TotalCost        float64 `json:"totalCost"`
	RevenueTotal     float64 `json:"revenueTotal"`
	ProfitLocal      float64 `json:"profitLocal"`
	MarginMonthly    float64 `json:"marginMonthly"`
	MarginTotal      float64 `json:"marginTotal"`
}

// Project applies the margin formulas to bucket totals.
func Project(buckets map[Bucket]float64, billRate float64, months int) Projection {
	m := float64(months)

	var p Projection
	p.RecurringMonthly = money.Sum(buckets[BaseSalary], buckets[StatutoryMandatory], buckets[AllowancesBenefits], buckets[TerminationCosts])
	p.RecurringTotal = money.Mul(p.RecurringMonthly, m)
	p.OneTimeTotal = money.Round2(buckets[OneTimeFees])
	p.TotalCost = money.Sum(p.RecurringTotal, p.OneTimeTotal)
	p.RevenueTotal = money.Mul(billRate, m)
	p.ProfitLocal = money.Sum(p.RevenueTotal, -p.TotalCost)
	p.MarginMonthly = money.Sum(billRate, -p.RecurringMonthly)
	p.MarginTotal = money.Sum(money.Mul(p.MarginMonthly, m), -p.OneTimeTotal)
	return p
}

// Reference carries the figures converted to the reference currency.
type Reference struct {
	Currency     string  `json:"currency"`
	RevenueTotal float64 `json:"revenueTotal"`
	TotalCost    float64 `json:"totalCost"`
	Profit       float64 `json:"profit"`
}

// Result is the acid-test verdict.
type Result struct {
	Provider         string             `json:"provider"`
	Currency         string             `json:"currency"`
	BillRate         float64            `json:"billRate"`
	Months           int                `json:"months"`
	Categorizer      string             `json:"categorizer"`
	Buckets          Categorization     `json:"buckets"`
	BucketTotals     map[Bucket]float64 `json:"bucketTotals"`
	Projection       Projection         `json:"projection"`
	Reference        *Reference         `json:"reference,omitempty"`
	ConversionError  string             `json:"conversionError,omitempty"`
	MeetsPositive    bool               `json:"meetsPositive"`
	MeetsMinimum     bool               `json:"meetsMinimum"`
	MinimumEvaluated bool               `json:"minimumEvaluated"`
	MinProfit        float64            `json:"minProfitThreshold"`
	Warnings         []string           `json:"warnings,omitempty"`
}

// Calculator categorizes cost items and evaluates the margin.
type Calculator struct {
	gen    ai.Generator
	strict bool
	conv   money.Converter
	logger *zap.Logger
}

// NewCalculator creates a Calculator. A nil generator uses keyword categorization only.
func NewCalculator(gen ai.Generator, strict bool, conv money.Converter, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{gen: gen, strict: strict, conv: conv, logger: logger}
}

// Evaluate runs categorization, projection, conversion and verdict. Categorization and
// conversion failures only add warnings.
func (c *Calculator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	in.Currency = money.NormalizeCode(in.Currency)
	in.ReferenceCurrency = money.NormalizeCode(in.ReferenceCurrency)
	if in.ReferenceCurrency == "" {
		in.ReferenceCurrency = in.Currency
	}

	res := &Result{
		Provider:  in.Provider,
		Currency:  in.Currency,
		BillRate:  in.BillRate,
		Months:    in.Months,
		MinProfit: MinProfitThreshold,
	}

	buckets, source, err := c.categorize(ctx, in)
	if buckets == nil {
		return nil, err
	}
	if err != nil {
		c.warn(res, fmt.Sprintf("cost categorization fell back to keywords: %v", err))
	}
	res.Buckets = buckets
	res.Categorizer = source

	res.BucketTotals = make(map[Bucket]float64, len(Buckets))
	for _, b := range Buckets {
		res.BucketTotals[b] = money.Round2(buckets.Total(b))
	}
	res.Projection = Project(res.BucketTotals, in.BillRate, in.Months)
	res.MeetsPositive = res.Projection.ProfitLocal > 0

	c.reference(ctx, res, in)
	if res.Reference != nil {
		res.MinimumEvaluated = true
		res.MeetsMinimum = res.Reference.Profit >= MinProfitThreshold
	}

	c.logger.Info("acid test evaluated",
		zap.String("provider", in.Provider),
		zap.String("categorizer", source),
		zap.Float64("profit_local", res.Projection.ProfitLocal),
		zap.Bool("meets_positive", res.MeetsPositive),
		zap.Bool("meets_minimum", res.MeetsMinimum),
	)
	return res, nil
}

// reference converts revenue and cost separately so rounding does not compound.
func (c *Calculator) reference(ctx context.Context, res *Result, in Input) {
	p := res.Projection
	if in.Currency == in.ReferenceCurrency {
		res.Reference = &Reference{
			Currency:     in.Currency,
			RevenueTotal: p.RevenueTotal,
			TotalCost:    p.TotalCost,
			Profit:       p.ProfitLocal,
		}
		return
	}
	if c.conv == nil {
		res.ConversionError = fmt.Sprintf("no converter for %s to %s", in.Currency, in.ReferenceCurrency)
		c.warn(res, "reference profit omitted: "+res.ConversionError)
		return
	}

	revenue, err := c.conv.Convert(ctx, p.RevenueTotal, in.Currency, in.ReferenceCurrency)
	if err == nil {
		var cost money.Conversion
		cost, err = c.conv.Convert(ctx, p.TotalCost, in.Currency, in.ReferenceCurrency)
		if err == nil {
			res.Reference = &Reference{
				Currency:     in.ReferenceCurrency,
				RevenueTotal: money.Round2(revenue.Amount),
				TotalCost:    money.Round2(cost.Amount),
				Profit:       money.Sum(revenue.Amount, -cost.Amount),
			}
			return
		}
	}
	res.ConversionError = err.Error()
	c.warn(res, fmt.Sprintf("reference profit omitted: %v", err))
}

func (c *Calculator) warn(res *Result, msg string) {
	c.logger.Warn(msg, zap.String("provider", res.Provider))
	res.Warnings = append(res.Warnings, msg)
}
