package gap

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/benefit"
)

// Agreement is how far a model delta may drift from the computed one and still be trusted.
const (
	agreementAbs = 0.01
	agreementRel = 0.01
)

// Engine runs the deterministic computation and, when a model is configured, reconciles
// the generative pass against it. Computed numbers always win on disagreement.
type Engine struct {
	model  Strategy
	logger *zap.Logger
}

// NewEngine creates an Engine. A nil generator skips the generative pass.
func NewEngine(gen ai.Generator, strict bool, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}
	if gen != nil {
		e.model = NewGenerative(gen, strict)
	}
	return e
}

// Analyze computes the enhancement set of one provider.
func (e *Engine) Analyze(ctx context.Context, in Input) (*Set, error) {
	set, err := Deterministic{}.Analyze(ctx, in)
	if err != nil {
		return nil, err
	}
	if e.model == nil {
		return set, nil
	}

	generated, err := e.model.Analyze(ctx, in)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
		e.warn(set, fmt.Sprintf("gap analysis model failed, computed deltas used: %v", err))
		return set, nil
	}

	e.reconcile(set, generated, in)
	set.Recompute()
	return set, nil
}

func (e *Engine) reconcile(set, generated *Set, in Input) {
	consumed := make(map[string]bool)

	for _, key := range set.Keys() {
		item := set.Items[key]
		modelKey, found := match(generated.Items, key)
		if !found {
			continue
		}
		consumed[modelKey] = true
		got := generated.Items[modelKey]

		if key == string(benefit.TerminationProvision) {
			continue
		}

		if !Agrees(got.MonthlyAmount, item.MonthlyAmount) || got.AlreadyIncluded != item.AlreadyIncluded {
			e.warn(set, fmt.Sprintf("model delta %.2f for %s differs from computed %.2f, computed value used",
				got.MonthlyAmount, key, item.MonthlyAmount))
			continue
		}
		if got.Explanation != "" {
			item.Explanation = got.Explanation
		}
		item.Confidence = math.Max(item.Confidence, got.Confidence)
		set.Items[key] = item
	}

	for _, key := range generated.Keys() {
		if consumed[key] {
			continue
		}
		if k, ok := benefit.Canonical(key); ok && k == benefit.TerminationProvision {
			continue
		}
		e.addAdditional(set, key, generated.Items[key], in)
	}
	for _, key := range generated.AdditionalKeys() {
		e.addAdditional(set, key, generated.Additional[key], in)
	}
}

func (e *Engine) addAdditional(set *Set, key string, item Item, in Input) {
	if set.Additional == nil {
		set.Additional = make(map[string]Item)
	}
	if in.statutoryOnly() && !item.Mandatory && item.MonthlyAmount > 0 {
		item.MonthlyAmount = 0
		item.Explanation = "not mandatory, excluded in statutory-only mode"
	}
	if item.AlreadyIncluded {
		item.MonthlyAmount = 0
	}
	item.Source = SourceModel
	set.Additional[key] = item
	if item.MonthlyAmount > 0 {
		e.warn(set, fmt.Sprintf("model-only item %s adds %.2f a month with no computed counterpart, amount unverified",
			key, item.MonthlyAmount))
	}
}

// match finds the model entry for a baseline key by exact key or canonical synonym.
func match(items map[string]Item, key string) (string, bool) {
	if _, ok := items[key]; ok {
		return key, true
	}
	for _, k := range sortedKeys(items) {
		if benefit.Same(k, key) {
			return k, true
		}
	}
	return "", false
}

// Agrees reports whether a model amount is within max(0.01, 1%) of the computed amount.
func Agrees(model, computed float64) bool {
	tolerance := math.Max(agreementAbs, agreementRel*math.Abs(computed))
	return math.Abs(model-computed) <= tolerance+1e-9
}

func (e *Engine) warn(set *Set, msg string) {
	e.logger.Warn(msg, zap.String("provider", set.Provider))
	set.Warn(msg)
}
