package reconcile

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/ai"
)

//go:embed prompt.md
var systemPrompt string

const (
	numericAbs = 0.01
	numericRel = 0.001
)

// Narrative is the prose a model adds to a ranking. Its numbers are never used.
type Narrative struct {
	Summary         string   `json:"summary,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Notes           []string `json:"notes,omitempty"`
	// Overrides lists the model figures replaced by computed ones.
	Overrides []string `json:"overrides,omitempty"`
}

// Narrator runs the optional explanation pass over a Result.
type Narrator struct {
	gen    ai.Generator
	strict bool
	logger *zap.Logger
}

func NewNarrator(gen ai.Generator, strict bool, logger *zap.Logger) *Narrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Narrator{gen: gen, strict: strict, logger: logger}
}

// Annotate attaches a narrative to res. Failures only add a warning.
func (n *Narrator) Annotate(ctx context.Context, res *Result) {
	if n == nil || n.gen == nil || res == nil || len(res.Candidates) == 0 {
		return
	}

	narrative, err := n.explain(ctx, res)
	if err != nil {
		msg := fmt.Sprintf("reconciliation narrative unavailable: %v", err)
		n.logger.Warn(msg)
		res.Warnings = append(res.Warnings, msg)
		return
	}
	for _, o := range narrative.Overrides {
		n.logger.Info("model figure overridden", zap.String("detail", o))
	}
	res.Narrative = narrative
}

func (n *Narrator) explain(ctx context.Context, res *Result) (*Narrative, error) {
	totals := make([]map[string]any, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		totals = append(totals, map[string]any{
			"provider":   c.Provider,
			"total":      c.NormalizedMonthlyTotal,
			"delta":      c.Delta,
			"pct":        c.Pct,
			"withinBand": c.WithinBand,
			"coverage":   c.Coverage,
		})
	}

	payload, err := json.MarshalIndent(map[string]any{
		"threshold": res.Threshold,
		"riskMode":  res.RiskMode,
		"winner":    res.Winner,
		"providers": totals,
		"excluded":  res.Excluded,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal reconciliation payload: %w", err)
	}

	resp, _, err := ai.Decode(ctx, n.gen, ai.Request{
		Name:    "reconcile",
		System:  systemPrompt,
		Payload: string(payload),
		Strict:  n.strict,
	}, decodeResponse)
	if err != nil {
		return nil, err
	}

	out := &Narrative{
		Summary:         resp.summary,
		Recommendations: resp.recommendations,
		Notes:           resp.notes,
	}
	out.Overrides = overrides(res, resp)
	return out, nil
}

// overrides compares every figure the model returned with the computed one.
func overrides(res *Result, resp response) []string {
	var out []string
	for _, p := range resp.providers {
		computed, ok := res.Find(p.provider)
		if !ok {
			out = append(out, fmt.Sprintf("model ranked unknown provider %q, ignored", p.provider))
			continue
		}
		out = append(out, differs(p.provider, "total", p.total, computed.NormalizedMonthlyTotal)...)
		out = append(out, differs(p.provider, "delta", p.delta, computed.Delta)...)
		out = append(out, differs(p.provider, "pct", p.pct, computed.Pct)...)
		if p.withinBand != nil && *p.withinBand != computed.WithinBand {
			out = append(out, fmt.Sprintf("%s withinBand %t replaced by computed %t", p.provider, *p.withinBand, computed.WithinBand))
		}
	}
	if resp.winner != "" && resp.winner != res.Winner {
		out = append(out, fmt.Sprintf("model winner %q replaced by computed %q", resp.winner, res.Winner))
	}
	return out
}

func differs(provider, field string, model, computed float64) []string {
	if math.IsNaN(model) || Close(model, computed) {
		return nil
	}
	return []string{fmt.Sprintf("%s %s %.4f replaced by computed %.4f", provider, field, model, computed)}
}

// Close reports whether a model figure matches a computed one within 0.01 absolute or
// 0.001 relative.
func Close(model, computed float64) bool {
	diff := math.Abs(model - computed)
	return diff <= numericAbs+1e-9 || diff <= numericRel*math.Abs(computed)+1e-12
}

type providerFigures struct {
	provider   string
	total      float64
	delta      float64
	pct        float64
	withinBand *bool
}

type response struct {
	summary         string
	recommendations []string
	notes           []string
	winner          string
	providers       []providerFigures
}

type rawProvider struct {
	Provider   any `json:"provider"`
	Total      any `json:"total"`
	Delta      any `json:"delta"`
	Pct        any `json:"pct"`
	WithinBand any `json:"withinBand"`
}

func decodeResponse(m map[string]any) (response, error) {
	var out response
	out.summary = ai.CoerceString(m["summary"])
	out.recommendations = stringList(m["recommendations"])
	out.notes = stringList(m["notes"])
	if out.summary == "" && len(out.recommendations) == 0 && len(out.notes) == 0 {
		return out, errors.New("summary, recommendations or notes are required")
	}
	out.winner = ai.CoerceString(m["winner"])

	list, _ := m["providers"].([]any)
	for i, v := range list {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		var rp rawProvider
		if err := ai.WeakDecode(obj, &rp); err != nil {
			return out, fmt.Errorf("decode provider %d: %w", i, err)
		}
		pf := providerFigures{
			provider: ai.CoerceString(rp.Provider),
			total:    ai.CoerceFloat(rp.Total),
			delta:    ai.CoerceFloat(rp.Delta),
			pct:      ai.CoerceFloat(rp.Pct),
		}
		if pf.provider == "" {
			continue
		}
		if rp.WithinBand != nil {
			b := ai.CoerceBool(rp.WithinBand)
			pf.withinBand = &b
		}
		out.providers = append(out.providers, pf)
	}
	return out, nil
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := ai.CoerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := ai.CoerceString(val); s != "" {
			return []string{s}
		}
	}
	return nil
}
