// Package pipeline runs the quote pipeline: one legal profile, a fan-out of provider
// enhancement runs, then reconciliation and the acid test at the join.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/eor-quoter/internal/acidtest"
	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/dedupe"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/extract"
	"github.com/spigell/eor-quoter/internal/gap"
	"github.com/spigell/eor-quoter/internal/logger"
	"github.com/spigell/eor-quoter/internal/money"
	"github.com/spigell/eor-quoter/internal/profile"
	"github.com/spigell/eor-quoter/internal/quotesource"
	"github.com/spigell/eor-quoter/internal/reconcile"
	"github.com/spigell/eor-quoter/internal/session"
)

const defaultConcurrency = 4

// Provider is one configured quote provider.
type Provider struct {
	ID       string
	Source   quotesource.Source
	Inactive bool
	// Country and Currency are assumed when the quote document omits them.
	Country  string
	Currency string
}

// Config holds the per-request settings.
type Config struct {
	Params            profile.Params
	TargetCurrency    string
	ReferenceCurrency string
	// BillRate is the monthly client rate in TargetCurrency. Zero skips the acid test.
	BillRate    float64
	Threshold   float64
	RiskMode    reconcile.RiskMode
	Concurrency int
	StageBudget time.Duration
	SessionID   string
}

// Terminal states of a provider run.
type ProviderStatus string

const (
	StatusSucceeded         ProviderStatus = "succeeded"
	StatusEnhancementFailed ProviderStatus = "enhancement_failed"
	StatusInactive          ProviderStatus = "inactive"
)

// Outcome is the terminal state of one provider.
type Outcome struct {
	Provider string         `json:"provider"`
	Status   ProviderStatus `json:"status"`
	Stage    string         `json:"stage,omitempty"`
	Error    string         `json:"error,omitempty"`
	// DataProblem separates "no usable data" from a broken computation.
	DataProblem bool `json:"dataProblem,omitempty"`

	Benefits *extract.BenefitMap `json:"benefits,omitempty"`
	Set      *gap.Set            `json:"enhancements,omitempty"`
	Removals []dedupe.Removal    `json:"removals,omitempty"`
	// NormalizedMonthlyTotal is FinalMonthlyTotal in the target currency.
	NormalizedMonthlyTotal *float64 `json:"normalizedMonthlyTotal,omitempty"`

	baseline *gap.Baseline
}

// Report is the result of one pipeline run.
type Report struct {
	SessionID      string            `json:"sessionId"`
	Params         profile.Params    `json:"params"`
	TargetCurrency string            `json:"targetCurrency"`
	Profile        *profile.Profile  `json:"profile,omitempty"`
	Stages         []Status          `json:"stages"`
	Outcomes       []*Outcome        `json:"providers"`
	Reconciliation *reconcile.Result `json:"reconciliation,omitempty"`
	AcidTest       *acidtest.Result  `json:"acidTest,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
}

// Outcome returns the outcome of a provider.
func (r *Report) Outcome(provider string) (*Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Provider == provider {
			return o, true
		}
	}
	return nil, false
}

// Runner wires the pipeline components.
type Runner struct {
	Assembler  *profile.Assembler
	Extractor  *extract.Extractor
	Engine     *gap.Engine
	Narrator   *reconcile.Narrator
	Calculator *acidtest.Calculator
	Converter  money.Converter
	Sessions   *session.Table
	Stages     []Stage
	Logger     *zap.Logger
}

func (r *Runner) log() *zap.Logger {
	return logger.WithFields(r.Logger)
}

func (r *Runner) deps() Deps {
	return Deps{Extractor: r.Extractor, Engine: r.Engine, Converter: r.Converter, Logger: r.Logger}
}

func (cfg *Config) validate() error {
	if err := cfg.Params.Validate(); err != nil {
		return err
	}
	cfg.TargetCurrency = money.NormalizeCode(cfg.TargetCurrency)
	if cfg.TargetCurrency == "" {
		return errors.New("target currency is required")
	}
	cfg.ReferenceCurrency = money.NormalizeCode(cfg.ReferenceCurrency)
	if cfg.ReferenceCurrency == "" {
		cfg.ReferenceCurrency = cfg.TargetCurrency
	}
	if cfg.BillRate < 0 {
		return fmt.Errorf("bill rate must not be negative, got %v", cfg.BillRate)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SessionID == "" {
		cfg.SessionID = session.NewID()
	}
	return nil
}

// Run executes the pipeline. Provider failures are recorded in the report, only invalid
// configuration or cancellation is returned as an error.
func (r *Runner) Run(ctx context.Context, cfg Config, providers []Provider) (*Report, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := uniqueProviders(providers); err != nil {
		return nil, err
	}
	if r.Assembler == nil {
		return nil, errors.New("legal profile assembler is required")
	}

	stages := r.Stages
	if stages == nil {
		stages = DefaultStages()
	}

	log := logger.WithSession(r.log(), cfg.SessionID)
	report := &Report{
		SessionID:      cfg.SessionID,
		Params:         cfg.Params,
		TargetCurrency: cfg.TargetCurrency,
		Stages:         Describe(stages),
	}

	profCtx, cancel := stageContext(ctx, cfg.StageBudget)
	prof, err := r.Assembler.Assemble(profCtx, cfg.Params)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = errs.InStage("", StageProfile, err)
		log.Error("legal profile assembly failed", zap.Error(err))
		report.Warnings = append(report.Warnings, err.Error())
		for _, p := range providers {
			if p.Inactive {
				report.Outcomes = append(report.Outcomes, inactive(p))
				continue
			}
			report.Outcomes = append(report.Outcomes, failed(p, err))
		}
		return report, nil
	}
	report.Profile = prof
	report.Warnings = append(report.Warnings, prof.Warnings...)

	report.Outcomes = r.fanOut(ctx, cfg, stages, prof, providers)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := r.normalize(ctx, cfg, report)
	res, err := reconcile.Reconcile(candidates, reconcile.Options{Threshold: cfg.Threshold, RiskMode: cfg.RiskMode})
	if err != nil {
		msg := fmt.Sprintf("reconciliation skipped: %v", err)
		log.Warn(msg)
		report.Warnings = append(report.Warnings, msg)
		return report, nil
	}
	narrCtx, cancel := stageContext(ctx, cfg.StageBudget)
	r.Narrator.Annotate(narrCtx, res)
	cancel()
	report.Reconciliation = res

	log.Info("providers reconciled",
		zap.String("winner", res.Winner),
		zap.Int("ranked", len(res.Candidates)),
		zap.Strings("excluded", res.Excluded),
	)

	if !res.HasWinner() {
		report.Warnings = append(report.Warnings, fmt.Sprintf("no provider within %.1f%% of the cheapest total", res.Threshold*100))
		return report, nil
	}
	if cfg.BillRate <= 0 || r.Calculator == nil {
		return report, nil
	}

	winner, _ := report.Outcome(res.Winner)
	acidCtx, cancel := stageContext(ctx, cfg.StageBudget)
	report.AcidTest, err = r.acidTest(acidCtx, cfg, winner)
	cancel()
	if err != nil {
		err = errs.InStage(res.Winner, StageAcidTest, err)
		log.Warn("acid test failed", zap.Error(err))
		report.Warnings = append(report.Warnings, err.Error())
	}
	return report, nil
}

func (r *Runner) fanOut(ctx context.Context, cfg Config, stages []Stage, prof *profile.Profile, providers []Provider) []*Outcome {
	outcomes := make([]*Outcome, len(providers))

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, p := range providers {
		g.Go(func() error {
			outcomes[i] = r.runProvider(ctx, cfg, stages, prof, p)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (r *Runner) runProvider(ctx context.Context, cfg Config, stages []Stage, prof *profile.Profile, p Provider) *Outcome {
	log := logger.WithProvider(r.log(), p.ID, "")
	if p.Inactive {
		log.Info("provider inactive")
		return inactive(p)
	}

	runCtx := ctx
	var ticket session.Ticket
	if r.Sessions != nil {
		runCtx, ticket = r.Sessions.Begin(ctx, session.Key{Session: cfg.SessionID, Provider: p.ID})
		defer r.Sessions.Done(ticket)
	}

	st := &State{Provider: p, Profile: prof}
	if err := RunStages(runCtx, cfg.StageBudget, r.deps(), stages, st); err != nil {
		log.Warn("provider enhancement failed", zap.Error(err))
		return failed(p, err)
	}

	if r.Sessions != nil && !r.Sessions.Commit(ticket, st.Set) {
		err := errs.InStage(p.ID, StageDedupe, errors.New("superseded by a newer request"))
		log.Warn("provider result discarded", zap.Error(err))
		return failed(p, err)
	}

	return &Outcome{
		Provider: p.ID,
		Status:   StatusSucceeded,
		Benefits: st.Benefits,
		Set:      st.Set,
		Removals: st.Removals,
		baseline: st.Baseline,
	}
}

func inactive(p Provider) *Outcome {
	return &Outcome{Provider: p.ID, Status: StatusInactive, Error: errs.ErrProviderInactive.Error(), DataProblem: true}
}

func failed(p Provider, err error) *Outcome {
	o := &Outcome{
		Provider:    p.ID,
		Status:      StatusEnhancementFailed,
		Error:       err.Error(),
		DataProblem: errs.IsDataProblem(err),
	}
	var se *errs.StageError
	if errors.As(err, &se) {
		o.Stage = se.Stage
	}
	return o
}

// normalize converts every final total to the target currency and builds the candidates.
func (r *Runner) normalize(ctx context.Context, cfg Config, report *Report) []reconcile.Candidate {
	candidates := make([]reconcile.Candidate, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		if o.Status != StatusSucceeded {
			candidates = append(candidates, reconcile.Candidate{Provider: o.Provider, Failed: true, Reason: string(o.Status)})
			continue
		}

		total := o.Set.Totals.FinalMonthlyTotal
		converted, err := r.convert(ctx, total, o.Set.Currency, cfg.TargetCurrency)
		if err != nil {
			err = errs.InStage(o.Provider, StageNormalize, err)
			msg := fmt.Sprintf("total omitted from reconciliation: %v", err)
			r.log().Warn(msg)
			report.Warnings = append(report.Warnings, msg)
			candidates = append(candidates, reconcile.Candidate{Provider: o.Provider, Failed: true, Reason: err.Error()})
			continue
		}
		o.NormalizedMonthlyTotal = &converted

		candidates = append(candidates, reconcile.Candidate{
			Provider:               o.Provider,
			NormalizedMonthlyTotal: converted,
			OriginalMonthlyTotal:   total,
			OriginalCurrency:       o.Set.Currency,
			Confidence:             o.Benefits.ExtractionConfidence,
			Coverage:               coverage(o),
		})
	}
	return candidates
}

func coverage(o *Outcome) reconcile.Coverage {
	c := reconcile.Coverage{
		Includes:           o.Benefits.Keys(),
		DoubleCountingRisk: len(o.Removals) > 0 || len(o.Set.Additional) > 0,
	}
	for _, key := range o.Set.Keys() {
		item := o.Set.Items[key]
		if !item.AlreadyIncluded && item.MonthlyAmount > 0 {
			c.Missing = append(c.Missing, key)
		}
	}
	requested := 0.0
	if o.baseline != nil {
		requested = o.baseline.BaseSalaryMonthly
	}
	c.CriticalMissing = reconcile.CriticalMissing(o.Benefits.BaseSalary, requested)
	if c.CriticalMissing {
		c.Missing = append(c.Missing, string(benefit.BaseSalary))
	}
	return c
}

func (r *Runner) convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	if money.NormalizeCode(from) == money.NormalizeCode(to) {
		return money.Round2(amount), nil
	}
	if r.Converter == nil {
		return 0, fmt.Errorf("%w: no converter for %s to %s", errs.ErrCurrencyConversionFailed, from, to)
	}
	c, err := r.Converter.Convert(ctx, amount, from, to)
	if err != nil {
		return 0, err
	}
	return c.Amount, nil
}

// acidTest merges the winner's quote lines and enhancements into one item list in the
// target currency.
func (r *Runner) acidTest(ctx context.Context, cfg Config, winner *Outcome) (*acidtest.Result, error) {
	if winner == nil || winner.Set == nil {
		return nil, errors.New("winner has no enhancement set")
	}
	b := winner.Benefits

	rate := 1.0
	if b.Currency != cfg.TargetCurrency {
		if r.Converter == nil {
			return nil, fmt.Errorf("%w: no converter for %s to %s", errs.ErrCurrencyConversionFailed, b.Currency, cfg.TargetCurrency)
		}
		c, err := r.Converter.Convert(ctx, 1, b.Currency, cfg.TargetCurrency)
		if err != nil {
			return nil, err
		}
		rate = c.Rate
	}

	items := CostItems(b, winner.Set)
	for i := range items {
		items[i].MonthlyAmount = money.Mul(items[i].MonthlyAmount, rate)
	}

	return r.Calculator.Evaluate(ctx, acidtest.Input{
		Provider:          winner.Provider,
		Country:           b.Country,
		Currency:          cfg.TargetCurrency,
		ReferenceCurrency: cfg.ReferenceCurrency,
		Items:             items,
		BillRate:          cfg.BillRate,
		Months:            cfg.Params.ContractMonths,
	})
}

// CostItems lists a provider's billed lines and enhancements. The part of the monthly total
// not explained by base salary and included benefits becomes an "other_provider_costs" line.
func CostItems(b *extract.BenefitMap, set *gap.Set) []acidtest.CostItem {
	seen := make(map[string]bool)
	var items []acidtest.CostItem
	add := func(key, name string, amount float64, oneTime bool) {
		if amount <= 0 {
			return
		}
		for seen[key] {
			key += "_enhancement"
		}
		seen[key] = true
		items = append(items, acidtest.CostItem{Key: key, Name: name, MonthlyAmount: money.Round2(amount), OneTime: oneTime})
	}

	add(string(benefit.BaseSalary), "Base salary", b.BaseSalary, false)
	for _, key := range b.Keys() {
		add(key, humanize(key), b.IncludedBenefits[key].MonthlyAmount, false)
	}
	if residual := money.Sum(b.MonthlyTotal, -b.BaseSalary, -b.TotalMonthlyBenefits); residual > money.Tolerance {
		add("other_provider_costs", "Other provider costs", residual, false)
	}

	for _, bag := range []map[string]gap.Item{set.Items, set.Additional} {
		keys := make([]string, 0, len(bag))
		for k := range bag {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			item := bag[key]
			if item.AlreadyIncluded {
				continue
			}
			name := item.Name
			if name == "" {
				name = humanize(key)
			}
			add(key, name, item.MonthlyAmount, false)
		}
	}

	feeKeys := make([]string, 0, len(b.OneTimeFees))
	for k := range b.OneTimeFees {
		feeKeys = append(feeKeys, k)
	}
	sort.Strings(feeKeys)
	for _, key := range feeKeys {
		add(key, humanize(key), b.OneTimeFees[key], true)
	}
	return items
}

func humanize(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func uniqueProviders(providers []Provider) error {
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %q configured twice", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
