package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/dedupe"
	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/extract"
	"github.com/spigell/eor-quoter/internal/gap"
	"github.com/spigell/eor-quoter/internal/logger"
	"github.com/spigell/eor-quoter/internal/money"
	"github.com/spigell/eor-quoter/internal/profile"
)

// Stage names.
const (
	StageFetch     = "fetch"
	StageExtract   = "extract"
	StageBaseline  = "baseline"
	StageGap       = "gap"
	StageDedupe    = "dedupe"
	StageNormalize = "normalize"
	StageProfile   = "profile"
	StageReconcile = "reconcile"
	StageAcidTest  = "acid_test"
)

// Stage is one step of a provider run.
type Stage interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Apply(ctx context.Context, deps Deps, st *State) (Step, error)
}

// Deps aggregates the collaborators shared by all stages.
type Deps struct {
	Extractor *extract.Extractor
	Engine    *gap.Engine
	Converter money.Converter
	Logger    *zap.Logger
}

// Step summarizes what a stage did to the item count.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// State is the work in progress of one provider.
type State struct {
	Provider Provider
	Profile  *profile.Profile

	Raw      []byte
	Benefits *extract.BenefitMap
	Baseline *gap.Baseline
	Set      *gap.Set
	Removals []dedupe.Removal
}

// Status describes a stage for reports.
type Status struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

type base struct {
	name     string
	disabled bool
	reason   string
}

func (b *base) Name() string { return b.name }

func (b *base) Disable(reason string) {
	b.disabled = true
	b.reason = reason
}

func (b *base) IsEnabled() bool { return !b.disabled }

func (b *base) Status() Status {
	return Status{Name: b.name, Enabled: !b.disabled, Reason: b.reason}
}

// DefaultStages returns the provider stages in execution order.
func DefaultStages() []Stage {
	return []Stage{
		&fetchStage{base{name: StageFetch}},
		&extractStage{base{name: StageExtract}},
		&baselineStage{base{name: StageBaseline}},
		&gapStage{base{name: StageGap}},
		&dedupeStage{base{name: StageDedupe}},
	}
}

// DisableByName marks a stage as disabled while keeping it in the list.
func DisableByName(stages []Stage, name, reason string) {
	for _, stage := range stages {
		if stage.Name() == name {
			stage.Disable(reason)
		}
	}
}

// Describe returns status entries for the provided stages.
func Describe(stages []Stage) []Status {
	statuses := make([]Status, 0, len(stages))
	for _, stage := range stages {
		if reporter, ok := stage.(interface{ Status() Status }); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}
		statuses = append(statuses, Status{Name: stage.Name(), Enabled: stage.IsEnabled()})
	}
	return statuses
}

// RunStages executes the enabled stages in order, each under its own budget. The first
// failure stops the run and is returned as an errs.StageError.
func RunStages(ctx context.Context, budget time.Duration, deps Deps, stages []Stage, st *State) error {
	log := logger.WithFields(deps.Logger)

	for _, stage := range stages {
		stageLog := logger.WithProvider(log, st.Provider.ID, stage.Name())
		if !stage.IsEnabled() {
			stageLog.Info("stage disabled")
			continue
		}

		stageCtx, cancel := stageContext(ctx, budget)
		started := time.Now()
		info, err := stage.Apply(stageCtx, deps, st)
		cancel()
		if err != nil {
			return errs.InStage(st.Provider.ID, stage.Name(), err)
		}

		stageLog.Info("pipeline stage",
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
			zap.Duration("took", time.Since(started)),
		)
	}
	return nil
}

func stageContext(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

type fetchStage struct{ base }

func (s *fetchStage) Apply(ctx context.Context, _ Deps, st *State) (Step, error) {
	if st.Provider.Source == nil {
		return Step{}, errors.New("provider has no quote source")
	}
	raw, err := st.Provider.Source.Fetch(ctx)
	if err != nil {
		return Step{}, err
	}
	st.Raw = raw
	return Step{Left: 1}, nil
}

type extractStage struct{ base }

func (s *extractStage) Apply(ctx context.Context, deps Deps, st *State) (Step, error) {
	if deps.Extractor == nil {
		return Step{}, errors.New("extractor is required")
	}
	country, currency := st.Provider.Country, st.Provider.Currency
	if country == "" && st.Profile != nil {
		country = st.Profile.Meta.CountryCode
	}
	if currency == "" && st.Profile != nil {
		currency = st.Profile.Meta.Currency
	}

	b, err := deps.Extractor.Extract(ctx, extract.Quote{
		Provider: st.Provider.ID,
		Raw:      st.Raw,
		Country:  country,
		Currency: currency,
	})
	if err != nil {
		return Step{}, err
	}
	if st.Profile != nil && b.Country != st.Profile.Meta.CountryCode {
		return Step{}, fmt.Errorf("%w: quote is for %s, profile for %s", errs.ErrSchemaValidationFailed, b.Country, st.Profile.Meta.CountryCode)
	}
	st.Benefits = b
	return Step{Left: len(b.IncludedBenefits)}, nil
}

type baselineStage struct{ base }

func (s *baselineStage) Apply(ctx context.Context, deps Deps, st *State) (Step, error) {
	if st.Benefits == nil {
		return Step{}, errors.New("benefit map is required")
	}
	b, err := gap.BuildBaseline(ctx, st.Profile, st.Benefits.Currency, deps.Converter)
	if err != nil {
		return Step{}, err
	}
	st.Baseline = b
	initial := 0
	if st.Profile != nil {
		initial = len(st.Profile.Items)
	}
	return Step{Initial: initial, Dropped: initial - len(b.Items), Left: len(b.Items)}, nil
}

type gapStage struct{ base }

func (s *gapStage) Apply(ctx context.Context, deps Deps, st *State) (Step, error) {
	if deps.Engine == nil {
		return Step{}, errors.New("gap engine is required")
	}
	set, err := deps.Engine.Analyze(ctx, gap.Input{
		Provider: st.Provider.ID,
		Baseline: st.Baseline,
		Benefits: st.Benefits,
	})
	if err != nil {
		return Step{}, err
	}
	st.Set = set
	return Step{Initial: len(st.Baseline.Items), Left: len(set.Items) + len(set.Additional)}, nil
}

type dedupeStage struct{ base }

func (s *dedupeStage) Apply(_ context.Context, deps Deps, st *State) (Step, error) {
	if st.Set == nil {
		return Step{}, errors.New("enhancement set is required")
	}
	initial := len(st.Set.Items) + len(st.Set.Additional)
	set, removals := dedupe.Apply(st.Set, logger.WithProvider(deps.Logger, st.Provider.ID, StageDedupe))
	st.Set = set
	st.Removals = removals
	return Step{Initial: initial, Dropped: len(removals), Left: len(set.Items) + len(set.Additional)}, nil
}
