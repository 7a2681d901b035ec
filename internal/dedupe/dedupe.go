// Package dedupe removes auxiliary enhancement entries that restate a primary item.
package dedupe

import (
	"math"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/gap"
)

// SameFactRatio is how close the auxiliary contribution sum must be to the primary
// contributions total to be treated as the same fact reported twice.
const SameFactRatio = 0.10

// Reason names why an auxiliary entry was dropped.
type Reason string

const (
	ExactName       Reason = "exact_name"
	Synonym         Reason = "synonym"
	AuxDuplicate    Reason = "auxiliary_duplicate"
	ContributionSum Reason = "contribution_sum"
)

// Removal records one dropped auxiliary entry.
type Removal struct {
	Key    string `json:"key"`
	Kept   string `json:"kept"`
	Reason Reason `json:"reason"`
}

// Apply returns a deduplicated copy of set with recomputed totals. Applying it to its
// own output removes nothing.
func Apply(set *gap.Set, logger *zap.Logger) (*gap.Set, []Removal) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if set == nil {
		return nil, nil
	}

	out := set.Clone()
	var removed []Removal
	drop := func(key, kept string, reason Reason) {
		delete(out.Additional, key)
		removed = append(removed, Removal{Key: key, Kept: kept, Reason: reason})
		logger.Debug("dropped duplicate enhancement",
			zap.String("provider", out.Provider),
			zap.String("key", key),
			zap.String("kept", kept),
			zap.String("reason", string(reason)),
		)
	}

	// Exact copies of a primary key.
	for _, key := range out.AdditionalKeys() {
		if _, ok := out.Items[key]; ok {
			drop(key, key, ExactName)
		}
	}

	// Synonyms of a primary key.
	for _, key := range out.AdditionalKeys() {
		if primary, ok := primaryFor(out, key); ok {
			drop(key, primary, Synonym)
		}
	}

	// Auxiliary entries that denote the same benefit as each other.
	kept := make(map[string]string)
	for _, key := range out.AdditionalKeys() {
		id := identity(key, out.Additional[key])
		if first, ok := kept[id]; ok {
			drop(key, first, AuxDuplicate)
			continue
		}
		kept[id] = key
	}

	// Contribution lines that add up to the primary contributions total.
	if primary, ok := out.Items[string(benefit.EmployerContributions)]; ok {
		var keys []string
		var sum float64
		for _, key := range out.AdditionalKeys() {
			if benefit.IsContributionLike(key) || benefit.IsContributionLike(out.Additional[key].Name) {
				keys = append(keys, key)
				sum += out.Additional[key].MonthlyAmount
			}
		}
		if sum > 0 && (sameFact(sum, primary.BaselineAmount) || sameFact(sum, primary.MonthlyAmount)) {
			for _, key := range keys {
				drop(key, string(benefit.EmployerContributions), ContributionSum)
			}
		}
	}

	if len(out.Additional) == 0 {
		out.Additional = nil
	}
	out.Recompute()
	return out, removed
}

func primaryFor(set *gap.Set, key string) (string, bool) {
	aux := set.Additional[key]
	for _, primary := range set.Keys() {
		if benefit.Same(key, primary) {
			return primary, true
		}
		if aux.Name != "" && benefit.Same(aux.Name, primary) {
			return primary, true
		}
		if name := set.Items[primary].Name; name != "" && benefit.Same(key, name) {
			return primary, true
		}
	}
	return "", false
}

func identity(key string, item gap.Item) string {
	if k, ok := benefit.Canonical(key); ok {
		return string(k)
	}
	if k, ok := benefit.Canonical(item.Name); ok {
		return string(k)
	}
	return benefit.Normalize(key)
}

func sameFact(a, b float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	return math.Abs(a-b) <= SameFactRatio*math.Max(a, b)
}
