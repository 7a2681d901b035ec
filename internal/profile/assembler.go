package profile

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/legal"
	"github.com/spigell/eor-quoter/internal/money"
)

//go:embed prompt.md
var systemPrompt string

const sourceReference = "legal reference"

// Assembler builds legal cost profiles from the legal store, optionally refined by a model.
type Assembler struct {
	store  legal.Store
	gen    ai.Generator
	strict bool
	logger *zap.Logger
}

// NewAssembler creates an Assembler. A nil generator keeps it fully deterministic.
func NewAssembler(store legal.Store, gen ai.Generator, strict bool, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: store, gen: gen, strict: strict, logger: logger}
}

// Assemble returns the profile for p. Missing reference data and unusable model output are
// fatal; model transport failures fall back to the deterministic profile with a warning.
func (a *Assembler) Assemble(ctx context.Context, p Params) (*Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	facts, err := a.store.Lookup(ctx, p.Country)
	if err != nil {
		return nil, err
	}

	base := Deterministic(facts, p)
	if a.gen == nil {
		return base, nil
	}

	req, err := a.request(facts, base)
	if err != nil {
		return nil, err
	}

	generated, raw, err := ai.Decode(ctx, a.gen, req, decodeResponse)
	if err != nil {
		if ai.IsInvalidOutput(err) {
			a.logger.Warn("legal profile response unusable",
				zap.String("country", p.Country),
				zap.Int("response_length", len(raw)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("assemble legal profile for %s: %w", p.Country, err)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("assemble legal profile for %s: %w", p.Country, err)
		}
		msg := fmt.Sprintf("legal profile model unavailable, using deterministic profile: %v", err)
		a.logger.Warn("legal profile fallback", zap.String("country", p.Country), zap.Error(err))
		base.Warnings = append(base.Warnings, msg)
		return base, nil
	}

	return a.merge(base, generated), nil
}

func (a *Assembler) request(facts legal.Facts, base *Profile) (ai.Request, error) {
	payload := map[string]any{
		"meta":               base.Meta,
		"availabilityFlags":  base.AvailabilityFlags,
		"availableSections":  sortedCategories(base.AvailabilityFlags),
		"hints":              base.Hints,
		"referenceText":      facts.Excerpts(),
		"deterministicItems": base.Items,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ai.Request{}, fmt.Errorf("marshal legal profile payload: %w", err)
	}

	return ai.Request{
		Name:    "legal_profile",
		System:  systemPrompt,
		Payload: string(data),
		Strict:  a.strict,
	}, nil
}

// merge normalizes the model's items and pins the numbers the hints own.
func (a *Assembler) merge(base *Profile, generated response) *Profile {
	out := &Profile{
		Meta:              base.Meta,
		AvailabilityFlags: base.AvailabilityFlags,
		Hints:             base.Hints,
		Generated:         true,
		Warnings:          append([]string(nil), base.Warnings...),
	}
	out.Warnings = append(out.Warnings, generated.Warnings...)

	warn := func(msg string, fields ...zap.Field) {
		a.logger.Warn(msg, fields...)
		out.Warnings = append(out.Warnings, msg)
	}

	seen := make(map[string]bool)
	hasTermination := false
	for _, item := range generated.Items {
		if !out.AvailabilityFlags[item.Category] {
			warn(fmt.Sprintf("dropped %q: no %s facts for %s", item.Name, item.Category, out.Meta.CountryCode))
			continue
		}

		switch {
		case item.Category == legal.Termination:
			if hasTermination {
				warn(fmt.Sprintf("dropped duplicate termination item %q", item.Name))
				continue
			}
			hasTermination = true
			want := base.Hints.TerminationMonthly
			if !money.Equal(item.MonthlyAmountLocal, want) {
				warn(fmt.Sprintf("termination provision %.2f replaced by computed %.2f", item.MonthlyAmountLocal, want))
			}
			item = terminationItem(base, item.Name)
		case item.Category == legal.Contributions && item.MonthlyAmountLocal <= 0:
			if rate, ok := contributionRate(item, base.Hints); ok {
				item.MonthlyAmountLocal = money.Mul(base.Meta.BaseSalaryMonthly, rate)
				item.Formula = "rate * baseSalaryMonthly"
				item.Variables = map[string]float64{"rate": rate, "baseSalaryMonthly": base.Meta.BaseSalaryMonthly}
			}
		}

		item.Key = uniqueKey(seen, item.Key)
		out.Items = append(out.Items, item)
	}

	for _, want := range base.Items {
		if !want.Mandatory || covered(out.Items, want) {
			continue
		}
		if want.Category == legal.Termination && hasTermination {
			continue
		}
		warn(fmt.Sprintf("added mandatory %q missing from model output", want.Name))
		want.Key = uniqueKey(seen, want.Key)
		out.Items = append(out.Items, want)
	}

	out.Recompute()
	return out
}

func covered(items []Item, want Item) bool {
	for _, item := range items {
		if item.Key == want.Key || (item.Category == want.Category && benefit.Same(item.Name, want.Name)) {
			return true
		}
	}
	return false
}

func contributionRate(item Item, hints legal.Hints) (float64, bool) {
	if rate, ok := item.Variables["rate"]; ok && rate > 0 {
		if rate > 1 {
			rate /= 100
		}
		return rate, true
	}
	for _, c := range hints.Contributions {
		if c.Key == item.Key || benefit.Same(c.Name, item.Name) {
			return c.Rate, c.Rate > 0
		}
	}
	return 0, false
}

// Deterministic builds the profile from the reference facts alone.
func Deterministic(facts legal.Facts, p Params) *Profile {
	hints := legal.BuildHints(facts, p.BaseSalaryMonthly, p.ContractMonths)
	prof := &Profile{
		Meta: Meta{
			CountryCode:       p.Country,
			Currency:          facts.Currency,
			BaseSalaryMonthly: money.Round2(p.BaseSalaryMonthly),
			ContractMonths:    p.ContractMonths,
			QuoteType:         p.Mode,
		},
		AvailabilityFlags: facts.Availability(),
		Hints:             hints,
	}

	seen := make(map[string]bool)
	add := func(item Item) {
		item.Key = uniqueKey(seen, item.Key)
		if item.Source == "" {
			item.Source = sourceReference
		}
		prof.Items = append(prof.Items, item)
	}

	for _, c := range hints.Contributions {
		add(Item{
			Key:                c.Key,
			Name:               c.Name,
			Category:           legal.Contributions,
			Mandatory:          c.Mandatory,
			MonthlyAmountLocal: c.MonthlyAmount,
			Formula:            "rate * baseSalaryMonthly",
			Variables:          map[string]float64{"rate": c.Rate, "baseSalaryMonthly": p.BaseSalaryMonthly},
		})
	}

	for _, b := range facts.Bonuses {
		add(Item{
			Key:                benefit.KeyFor(b.Name),
			Name:               b.Name,
			Category:           legal.Bonuses,
			Mandatory:          b.Mandatory,
			MonthlyAmountLocal: legal.BonusMonthly(b, p.BaseSalaryMonthly),
			Formula:            "months * baseSalaryMonthly / 12",
			Variables:          map[string]float64{"months": b.Months, "baseSalaryMonthly": p.BaseSalaryMonthly},
		})
	}

	for _, al := range facts.Allowances {
		amount := legal.AllowanceMonthly(al)
		notes := ""
		if money.ParseFrequency(al.Frequency) == money.OneTime {
			amount = money.Div(al.Amount, float64(p.ContractMonths))
			notes = "one-time amount spread over the contract"
		}
		add(Item{
			Key:                benefit.KeyFor(al.Name),
			Name:               al.Name,
			Category:           legal.Allowances,
			Mandatory:          al.Mandatory,
			MonthlyAmountLocal: amount,
			Notes:              notes,
		})
	}

	if prof.AvailabilityFlags[legal.Termination] && hints.TerminationMonthly > 0 {
		add(terminationItem(prof, "Termination provision"))
	}

	prof.Recompute()
	return prof
}

func terminationItem(p *Profile, name string) Item {
	if strings.TrimSpace(name) == "" {
		name = "Termination provision"
	}
	notes := ""
	if p.Hints.ProbationDays > 0 {
		notes = fmt.Sprintf("probation %d days", p.Hints.ProbationDays)
	}
	return Item{
		Key:                string(benefit.TerminationProvision),
		Name:               name,
		Category:           legal.Termination,
		Mandatory:          true,
		MonthlyAmountLocal: p.Hints.TerminationMonthly,
		Formula:            legal.TerminationFormula,
		Variables: map[string]float64{
			"noticeDays":        float64(p.Hints.NoticeDays),
			"severanceMonths":   p.Hints.SeveranceMonths,
			"baseSalaryMonthly": p.Meta.BaseSalaryMonthly,
			"contractMonths":    float64(p.Meta.ContractMonths),
		},
		Source: sourceReference,
		Notes:  notes,
	}
}

type response struct {
	Items    []Item
	Warnings []string
}

type rawItem struct {
	Key                string         `json:"key"`
	Name               string         `json:"name"`
	Category           string         `json:"category"`
	Mandatory          any            `json:"mandatory"`
	MonthlyAmountLocal any            `json:"monthlyAmountLocal"`
	MonthlyAmount      any            `json:"monthlyAmount"`
	Amount             any            `json:"amount"`
	Frequency          string         `json:"frequency"`
	Formula            any            `json:"formula"`
	Variables          map[string]any `json:"variables"`
	Source             any            `json:"source"`
	Notes              any            `json:"notes"`
}

type rawResponse struct {
	Items    []rawItem `json:"items"`
	Warnings []any     `json:"warnings"`
}

// decodeResponse is the schema check for one candidate object.
func decodeResponse(m map[string]any) (response, error) {
	if _, ok := m["items"].([]any); !ok {
		return response{}, errors.New("items list is required")
	}

	var raw rawResponse
	if err := ai.WeakDecode(m, &raw); err != nil {
		return response{}, fmt.Errorf("decode legal profile: %w", err)
	}

	var out response
	for _, w := range raw.Warnings {
		if text := ai.CoerceString(w); text != "" {
			out.Warnings = append(out.Warnings, text)
		}
	}
	for _, ri := range raw.Items {
		name := strings.TrimSpace(ri.Name)
		key := strings.TrimSpace(ri.Key)
		if name == "" && key == "" {
			continue
		}
		if name == "" {
			name = strings.ReplaceAll(key, "_", " ")
		}
		if key == "" {
			key = benefit.KeyFor(name)
		}

		amount := firstAmount(ri.MonthlyAmountLocal, ri.MonthlyAmount, ri.Amount)
		if ri.Frequency != "" {
			amount = money.ToMonthly(amount, money.ParseFrequency(ri.Frequency))
		}
		if amount < 0 {
			amount = 0
		}

		out.Items = append(out.Items, Item{
			Key:                key,
			Name:               name,
			Category:           RemapCategory(ri.Category, name+" "+key),
			Mandatory:          ai.CoerceBool(ri.Mandatory),
			MonthlyAmountLocal: money.Round2(amount),
			Formula:            ai.CoerceString(ri.Formula),
			Variables:          floatVariables(ri.Variables),
			Source:             ai.CoerceString(ri.Source),
			Notes:              ai.CoerceString(ri.Notes),
		})
	}
	return out, nil
}

func firstAmount(values ...any) float64 {
	for _, v := range values {
		if v == nil {
			continue
		}
		if f := ai.CoerceFloat(v); !math.IsNaN(f) {
			return f
		}
	}
	return 0
}

func floatVariables(in map[string]any) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if f := ai.CoerceFloat(v); !math.IsNaN(f) {
			out[k] = f
		}
	}
	return out
}
