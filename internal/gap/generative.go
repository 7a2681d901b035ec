package gap

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/benefit"
)

//go:embed prompt.md
var systemPrompt string

// Generative asks the gap-analysis model for the deltas.
type Generative struct {
	gen    ai.Generator
	strict bool
}

var _ Strategy = (*Generative)(nil)

func NewGenerative(gen ai.Generator, strict bool) *Generative {
	return &Generative{gen: gen, strict: strict}
}

func (g *Generative) Analyze(ctx context.Context, in Input) (*Set, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	coverage := make(map[string]float64, len(in.Benefits.IncludedBenefits))
	for key, inc := range in.Benefits.IncludedBenefits {
		coverage[key] = inc.MonthlyAmount
	}

	payload, err := json.MarshalIndent(map[string]any{
		"provider":       in.Provider,
		"currency":       in.Baseline.Currency,
		"quoteType":      in.Baseline.Mode,
		"contractMonths": in.Baseline.ContractMonths,
		"baseline":       in.Baseline.Items,
		"coverage":       coverage,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal gap payload: %w", err)
	}

	resp, _, err := ai.Decode(ctx, g.gen, ai.Request{
		Name:    "gap_analysis",
		System:  systemPrompt,
		Payload: string(payload),
		Strict:  g.strict,
	}, decodeResponse)
	if err != nil {
		return nil, err
	}

	set := NewSet(in.Provider, in.Baseline.Currency, in.Benefits.MonthlyTotal)
	set.Items = resp.items
	set.Additional = resp.additional
	set.Recompute()
	return set, nil
}

type response struct {
	items      map[string]Item
	additional map[string]Item
}

type rawItem struct {
	Name            any `json:"name"`
	MonthlyAmount   any `json:"monthlyAmount"`
	Amount          any `json:"amount"`
	Explanation     any `json:"explanation"`
	Confidence      any `json:"confidence"`
	AlreadyIncluded any `json:"alreadyIncluded"`
	Mandatory       any `json:"mandatory"`
}

func decodeResponse(m map[string]any) (response, error) {
	enh, ok := m["enhancements"].(map[string]any)
	if !ok {
		return response{}, errors.New("enhancements object is required")
	}

	items, err := decodeItems(enh)
	if err != nil {
		return response{}, err
	}
	out := response{items: items}

	if extra, ok := m["additionalContributions"].(map[string]any); ok && len(extra) > 0 {
		out.additional, err = decodeItems(extra)
		if err != nil {
			return response{}, err
		}
	}
	return out, nil
}

func decodeItems(in map[string]any) (map[string]Item, error) {
	out := make(map[string]Item, len(in))
	for key, v := range in {
		var ri rawItem
		switch val := v.(type) {
		case map[string]any:
			if err := ai.WeakDecode(val, &ri); err != nil {
				return nil, fmt.Errorf("decode enhancement %q: %w", key, err)
			}
		default:
			ri.MonthlyAmount = val
		}

		amount := ai.CoerceFloat(ri.MonthlyAmount)
		if math.IsNaN(amount) {
			amount = ai.CoerceFloat(ri.Amount)
		}
		if math.IsNaN(amount) {
			return nil, fmt.Errorf("enhancement %q has no numeric monthlyAmount", key)
		}

		confidence := ai.CoerceFloat(ri.Confidence)
		if math.IsNaN(confidence) {
			confidence = 0.5
		}

		name := ai.CoerceString(ri.Name)
		if name == "" {
			name = benefit.Normalize(key)
		}

		out[key] = Item{
			Name:            name,
			MonthlyAmount:   amount,
			Explanation:     ai.CoerceString(ri.Explanation),
			Confidence:      ai.Clamp01(confidence),
			AlreadyIncluded: ai.CoerceBool(ri.AlreadyIncluded),
			Mandatory:       ai.CoerceBool(ri.Mandatory),
			Source:          SourceModel,
		}
	}
	return out, nil
}
