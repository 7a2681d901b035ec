// Package extract turns raw provider quote documents into standardized benefit maps.
package extract

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/money"
)

//go:embed prompt.md
var systemPrompt string

// DeterministicConfidence is the extraction confidence of the keyword-based path.
const DeterministicConfidence = 0.6

const maxDocumentLength = 60000

var oneTimeWords = []string{"setup", "set up", "onboarding", "background check", "deposit", "one time", "one-time", "signup"}

// Included is one benefit a provider already bills for.
type Included struct {
	Amount        float64         `json:"amount"`
	Frequency     money.Frequency `json:"frequency"`
	MonthlyAmount float64         `json:"monthlyAmount"`
	Confidence    float64         `json:"confidence"`
}

// BenefitMap is the standardized view of one provider quote.
type BenefitMap struct {
	Provider             string              `json:"provider"`
	BaseSalary           float64             `json:"baseSalary"`
	Currency             string              `json:"currency"`
	Country              string              `json:"country"`
	MonthlyTotal         float64             `json:"monthlyTotal"`
	IncludedBenefits     map[string]Included `json:"includedBenefits"`
	TotalMonthlyBenefits float64             `json:"totalMonthlyBenefits"`
	ExtractionConfidence float64             `json:"extractionConfidence"`
	OneTimeFees          map[string]float64  `json:"oneTimeFees,omitempty"`
	Warnings             []string            `json:"warnings,omitempty"`
	Generated            bool                `json:"generated"`
}

// Coverage returns the monthly amount the provider bills for key.
func (b *BenefitMap) Coverage(key string) float64 {
	if b == nil {
		return 0
	}
	return b.IncludedBenefits[key].MonthlyAmount
}

// OneTimeTotal sums the one-time fees.
func (b *BenefitMap) OneTimeTotal() float64 {
	amounts := make([]float64, 0, len(b.OneTimeFees))
	for _, v := range b.OneTimeFees {
		amounts = append(amounts, v)
	}
	return money.Sum(amounts...)
}

// Keys returns the included benefit keys, sorted.
func (b *BenefitMap) Keys() []string {
	keys := make([]string, 0, len(b.IncludedBenefits))
	for k := range b.IncludedBenefits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *BenefitMap) clone() *BenefitMap {
	c := *b
	c.IncludedBenefits = make(map[string]Included, len(b.IncludedBenefits))
	for k, v := range b.IncludedBenefits {
		c.IncludedBenefits[k] = v
	}
	if b.OneTimeFees != nil {
		c.OneTimeFees = make(map[string]float64, len(b.OneTimeFees))
		for k, v := range b.OneTimeFees {
			c.OneTimeFees[k] = v
		}
	}
	c.Warnings = append([]string(nil), b.Warnings...)
	return &c
}

// Quote is a raw provider document plus the request-side defaults for country and currency.
type Quote struct {
	Provider string
	Raw      []byte
	Country  string
	Currency string
}

// Extractor builds benefit maps, preferring the model and falling back to keyword discovery.
type Extractor struct {
	gen    ai.Generator
	strict bool
	cache  *Cache
	logger *zap.Logger
}

// NewExtractor creates an Extractor. gen and cache may be nil.
func NewExtractor(gen ai.Generator, strict bool, cache *Cache, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{gen: gen, strict: strict, cache: cache, logger: logger}
}

// Extract returns the benefit map of q. The result is cached by provider and document hash.
func (e *Extractor) Extract(ctx context.Context, q Quote) (*BenefitMap, error) {
	if strings.TrimSpace(q.Provider) == "" {
		return nil, errors.New("provider id is required")
	}

	if cached, ok := e.cache.Get(q.Provider, q.Raw); ok {
		e.logger.Debug("benefit map served from cache", zap.String("provider", q.Provider))
		return cached, nil
	}

	var doc any
	if err := json.Unmarshal(q.Raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s quote document: %w", errs.ErrSchemaValidationFailed, q.Provider, err)
	}

	fallback := Deterministic(q.Provider, doc)

	result := fallback
	if e.gen != nil {
		generated, err := e.generate(ctx, q, doc, fallback)
		switch {
		case err == nil:
			result = generated
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, err
		default:
			msg := fmt.Sprintf("inclusion extraction model failed, using keyword extraction: %v", err)
			e.logger.Warn("inclusion extraction fallback", zap.String("provider", q.Provider), zap.Error(err))
			result.Warnings = append(result.Warnings, msg)
		}
	}

	if err := e.validate(result, q); err != nil {
		return nil, err
	}

	e.cache.Put(q.Provider, q.Raw, result)
	return result.clone(), nil
}

func (e *Extractor) generate(ctx context.Context, q Quote, doc any, fallback *BenefitMap) (*BenefitMap, error) {
	document := string(q.Raw)
	if len(document) > maxDocumentLength {
		document = document[:maxDocumentLength]
	}

	canonical := []string{
		string(benefit.BaseSalary), string(benefit.EmployerContributions), string(benefit.ThirteenthSalary),
		string(benefit.FourteenthSalary), string(benefit.VacationBonus), string(benefit.MealAllowance),
		string(benefit.TransportAllowance), string(benefit.HealthInsurance), string(benefit.HomeOfficeAllowance),
		string(benefit.TerminationProvision), string(benefit.PlatformFee),
	}
	payload, err := json.MarshalIndent(map[string]any{
		"provider":      q.Provider,
		"canonicalKeys": canonical,
		"document":      document,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal extraction payload: %w", err)
	}

	out, _, err := ai.Decode(ctx, e.gen, ai.Request{
		Name:    "inclusion_extraction",
		System:  systemPrompt,
		Payload: string(payload),
		Strict:  e.strict,
	}, decodeResponse)
	if err != nil {
		return nil, err
	}

	out.Provider = q.Provider
	out.Generated = true
	e.verbatim(out, Numbers(doc), fallback)

	if out.BaseSalary <= 0 {
		out.BaseSalary = fallback.BaseSalary
	}
	if out.MonthlyTotal <= 0 {
		out.MonthlyTotal = fallback.MonthlyTotal
	}
	if out.Currency == "" {
		out.Currency = fallback.Currency
	}
	if out.Country == "" {
		out.Country = fallback.Country
	}
	if len(out.OneTimeFees) == 0 {
		out.OneTimeFees = fallback.OneTimeFees
	}
	return out, nil
}

// verbatim zeroes model amounts that cannot be traced back to the document.
func (e *Extractor) verbatim(out *BenefitMap, numbers []float64, fallback *BenefitMap) {
	for _, key := range out.Keys() {
		inc := out.IncludedBenefits[key]
		if inc.Amount < 0 || inc.MonthlyAmount < 0 {
			msg := fmt.Sprintf("negative %s amount %.2f clamped to 0", key, inc.Amount)
			e.logger.Warn(msg, zap.String("provider", out.Provider))
			out.Warnings = append(out.Warnings, msg)
		}
		if inc.Amount <= 0 || inc.MonthlyAmount <= 0 {
			delete(out.IncludedBenefits, key)
			continue
		}
		if traceable(inc.Amount, numbers) || traceable(inc.MonthlyAmount, numbers) {
			continue
		}
		if det, ok := fallback.IncludedBenefits[key]; ok && money.Equal(det.MonthlyAmount, inc.MonthlyAmount) {
			continue
		}

		msg := fmt.Sprintf("%s amount %.2f not found in the %s quote, treated as not included", key, inc.Amount, out.Provider)
		e.logger.Warn(msg)
		out.Warnings = append(out.Warnings, msg)
		delete(out.IncludedBenefits, key)
	}
	out.TotalMonthlyBenefits = totalBenefits(out.IncludedBenefits)
}

func traceable(amount float64, numbers []float64) bool {
	if amount <= 0 {
		return false
	}
	for _, n := range numbers {
		for _, candidate := range []float64{n, money.Div(n, 12), money.Mul(n, 12)} {
			if money.Equal(candidate, amount) {
				return true
			}
		}
	}
	return false
}

// validate enforces required strings, non-negative money and bounded confidences.
func (e *Extractor) validate(b *BenefitMap, q Quote) error {
	warn := func(msg string) {
		e.logger.Warn(msg, zap.String("provider", b.Provider))
		b.Warnings = append(b.Warnings, msg)
	}

	b.Currency = money.NormalizeCode(b.Currency)
	if b.Currency == "" && q.Currency != "" {
		b.Currency = money.NormalizeCode(q.Currency)
		warn(fmt.Sprintf("quote has no currency, assuming %s", b.Currency))
	}
	b.Country = strings.ToUpper(strings.TrimSpace(b.Country))
	if b.Country == "" && q.Country != "" {
		b.Country = strings.ToUpper(strings.TrimSpace(q.Country))
		warn(fmt.Sprintf("quote has no country, assuming %s", b.Country))
	}
	if b.Currency == "" {
		return fmt.Errorf("%w: %s quote has no currency", errs.ErrSchemaValidationFailed, b.Provider)
	}
	if b.Country == "" {
		return fmt.Errorf("%w: %s quote has no country", errs.ErrSchemaValidationFailed, b.Provider)
	}

	clamp := func(name string, v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		if v < 0 {
			warn(fmt.Sprintf("negative %s %.2f clamped to 0", name, v))
			return 0
		}
		return money.Round2(v)
	}

	b.BaseSalary = clamp("base salary", b.BaseSalary)
	b.MonthlyTotal = clamp("monthly total", b.MonthlyTotal)
	for _, key := range b.Keys() {
		inc := b.IncludedBenefits[key]
		inc.Amount = clamp(key, inc.Amount)
		inc.MonthlyAmount = clamp(key+" monthly amount", inc.MonthlyAmount)
		inc.Confidence = ai.Clamp01(inc.Confidence)
		b.IncludedBenefits[key] = inc
	}
	for key, v := range b.OneTimeFees {
		b.OneTimeFees[key] = clamp(key, v)
	}
	b.ExtractionConfidence = ai.Clamp01(b.ExtractionConfidence)
	b.TotalMonthlyBenefits = totalBenefits(b.IncludedBenefits)

	if b.MonthlyTotal <= 0 {
		b.MonthlyTotal = money.Sum(b.BaseSalary, b.TotalMonthlyBenefits)
		if b.MonthlyTotal > 0 {
			warn(fmt.Sprintf("quote has no monthly total, derived %.2f from its items", b.MonthlyTotal))
		}
	}
	return nil
}

// Deterministic builds a benefit map from line-item discovery and the benefit vocabulary.
func Deterministic(provider string, doc any) *BenefitMap {
	b := &BenefitMap{
		Provider:             provider,
		IncludedBenefits:     make(map[string]Included),
		ExtractionConfidence: DeterministicConfidence,
	}

	if v, ok := FindScalar(doc, "base_salary", "gross_salary", "salary", "gross_monthly_salary"); ok {
		b.BaseSalary, _ = money.ParseAmount(v)
	}
	if v, ok := FindScalar(doc, "monthly_total", "total_monthly", "total_monthly_cost", "total_employer_cost", "total_cost", "monthly_cost"); ok {
		b.MonthlyTotal, _ = money.ParseAmount(v)
	}
	if v, ok := FindScalar(doc, "currency", "currency_code"); ok {
		if s, isString := v.(string); isString {
			b.Currency = money.NormalizeCode(s)
		}
	}
	if v, ok := FindScalar(doc, "country", "country_code"); ok {
		if s, isString := v.(string); isString {
			b.Country = strings.ToUpper(strings.TrimSpace(s))
		}
	}

	monthly := make(map[string][]float64)
	for _, item := range LineItems(doc) {
		if item.Amount == 0 {
			continue
		}
		if item.Frequency == money.OneTime || isOneTime(item.Name) {
			if b.OneTimeFees == nil {
				b.OneTimeFees = make(map[string]float64)
			}
			key := benefit.KeyFor(item.Name)
			b.OneTimeFees[key] = money.Sum(b.OneTimeFees[key], item.Amount)
			continue
		}

		key := classify(item.Name)
		amount := money.ToMonthly(item.Amount, item.Frequency)
		if key == string(benefit.BaseSalary) {
			if b.BaseSalary <= 0 {
				b.BaseSalary = amount
			}
			continue
		}
		monthly[key] = append(monthly[key], amount)
	}

	for key, amounts := range monthly {
		total := money.Sum(amounts...)
		b.IncludedBenefits[key] = Included{
			Amount:        total,
			Frequency:     money.Monthly,
			MonthlyAmount: total,
			Confidence:    DeterministicConfidence,
		}
	}
	b.TotalMonthlyBenefits = totalBenefits(b.IncludedBenefits)
	return b
}

func classify(name string) string {
	if key, ok := benefit.Canonical(name); ok {
		return string(key)
	}
	if benefit.IsContributionLike(name) {
		return string(benefit.EmployerContributions)
	}
	return benefit.KeyFor(name)
}

func isOneTime(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range oneTimeWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func totalBenefits(in map[string]Included) float64 {
	amounts := make([]float64, 0, len(in))
	for key, inc := range in {
		if key == string(benefit.BaseSalary) {
			continue
		}
		amounts = append(amounts, inc.MonthlyAmount)
	}
	return money.Sum(amounts...)
}

type rawIncluded struct {
	Amount     any    `json:"amount"`
	Frequency  string `json:"frequency"`
	Confidence any    `json:"confidence"`
}

type rawResponse struct {
	BaseSalary           any            `json:"baseSalary"`
	Currency             string         `json:"currency"`
	Country              string         `json:"country"`
	MonthlyTotal         any            `json:"monthlyTotal"`
	IncludedBenefits     map[string]any `json:"includedBenefits"`
	OneTimeFees          map[string]any `json:"oneTimeFees"`
	ExtractionConfidence any            `json:"extractionConfidence"`
}

func decodeResponse(m map[string]any) (*BenefitMap, error) {
	if _, ok := m["includedBenefits"].(map[string]any); !ok {
		return nil, errors.New("includedBenefits object is required")
	}

	var raw rawResponse
	if err := ai.WeakDecode(m, &raw); err != nil {
		return nil, fmt.Errorf("decode inclusion extraction: %w", err)
	}

	out := &BenefitMap{
		BaseSalary:           amountOf(raw.BaseSalary),
		Currency:             raw.Currency,
		Country:              raw.Country,
		MonthlyTotal:         amountOf(raw.MonthlyTotal),
		IncludedBenefits:     make(map[string]Included),
		ExtractionConfidence: confidenceOf(raw.ExtractionConfidence),
	}

	for name, v := range raw.IncludedBenefits {
		var ri rawIncluded
		switch val := v.(type) {
		case map[string]any:
			if err := ai.WeakDecode(val, &ri); err != nil {
				return nil, fmt.Errorf("decode included benefit %q: %w", name, err)
			}
		default:
			ri.Amount = val
		}

		freq := money.ParseFrequency(ri.Frequency)
		amount := amountOf(ri.Amount)
		key := classify(name)
		if key == string(benefit.BaseSalary) {
			if out.BaseSalary <= 0 {
				out.BaseSalary = money.ToMonthly(amount, freq)
			}
			continue
		}
		if freq == money.OneTime {
			if out.OneTimeFees == nil {
				out.OneTimeFees = make(map[string]float64)
			}
			out.OneTimeFees[key] = money.Sum(out.OneTimeFees[key], amount)
			continue
		}

		prev := out.IncludedBenefits[key]
		monthly := money.ToMonthly(amount, freq)
		inc := Included{Amount: amount, Frequency: freq, MonthlyAmount: monthly, Confidence: confidenceOf(ri.Confidence)}
		if prev.MonthlyAmount != 0 {
			inc.Amount = money.Sum(prev.MonthlyAmount, monthly)
			inc.Frequency = money.Monthly
			inc.MonthlyAmount = inc.Amount
			inc.Confidence = math.Min(prev.Confidence, inc.Confidence)
		}
		out.IncludedBenefits[key] = inc
	}

	for name, v := range raw.OneTimeFees {
		if out.OneTimeFees == nil {
			out.OneTimeFees = make(map[string]float64)
		}
		key := benefit.KeyFor(name)
		out.OneTimeFees[key] = money.Sum(out.OneTimeFees[key], amountOf(v))
	}

	out.TotalMonthlyBenefits = totalBenefits(out.IncludedBenefits)
	return out, nil
}

func amountOf(v any) float64 {
	if f := ai.CoerceFloat(v); !math.IsNaN(f) {
		return f
	}
	return 0
}

func confidenceOf(v any) float64 {
	f := ai.CoerceFloat(v)
	if math.IsNaN(f) {
		return DeterministicConfidence
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	return ai.Clamp01(f)
}
