package acidtest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/benefit"
	"github.com/spigell/eor-quoter/internal/errs"
)

//go:embed prompt.md
var systemPrompt string

// Bucket is one of the five disjoint cost groups.
type Bucket string

const (
	BaseSalary         Bucket = "baseSalary"
	StatutoryMandatory Bucket = "statutoryMandatory"
	AllowancesBenefits Bucket = "allowancesBenefits"
	TerminationCosts   Bucket = "terminationCosts"
	OneTimeFees        Bucket = "oneTimeFees"
)

// Buckets lists every bucket in report order.
var Buckets = []Bucket{BaseSalary, StatutoryMandatory, AllowancesBenefits, TerminationCosts, OneTimeFees}

func (b Bucket) valid() bool {
	for _, known := range Buckets {
		if b == known {
			return true
		}
	}
	return false
}

// CostItem is one line of the winning quote. One-time items carry their full amount.
type CostItem struct {
	Key           string  `json:"key"`
	Name          string  `json:"name"`
	MonthlyAmount float64 `json:"monthlyAmount"`
	OneTime       bool    `json:"oneTime,omitempty"`
}

// Categorization maps every bucket to item key and amount.
type Categorization map[Bucket]map[string]float64

func newCategorization() Categorization {
	c := make(Categorization, len(Buckets))
	for _, b := range Buckets {
		c[b] = make(map[string]float64)
	}
	return c
}

// Total sums one bucket.
func (c Categorization) Total(b Bucket) float64 {
	var sum float64
	for _, v := range c[b] {
		sum += v
	}
	return sum
}

// Covers reports whether every item sits in exactly one bucket and nothing else does.
func (c Categorization) Covers(items []CostItem) bool {
	want := make(map[string]bool, len(items))
	for _, it := range items {
		want[it.Key] = true
	}

	seen := make(map[string]bool, len(items))
	for _, b := range Buckets {
		for key := range c[b] {
			if !want[key] || seen[key] {
				return false
			}
			seen[key] = true
		}
	}
	return len(seen) == len(want)
}

// misplacedOneTime returns the first one-time item placed outside oneTimeFees.
// One-time items carry full amounts, so a recurring bucket would multiply them by the term.
func (c Categorization) misplacedOneTime(items []CostItem) (string, bool) {
	for _, it := range items {
		if !it.OneTime {
			continue
		}
		if _, ok := c[OneTimeFees][it.Key]; !ok {
			return it.Key, true
		}
	}
	return "", false
}

// Keyword puts every item in a bucket by the words in its key and name.
func Keyword(items []CostItem) Categorization {
	out := newCategorization()
	for _, it := range items {
		out[keywordBucket(it)][it.Key] = it.MonthlyAmount
	}
	return out
}

func keywordBucket(it CostItem) Bucket {
	text := " " + benefit.Normalize(it.Key+" "+it.Name) + " "
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(text, " "+w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("termination", "severance"):
		return TerminationCosts
	case it.OneTime, has("setup", "onboarding", "background check"):
		return OneTimeFees
	case has("allowance", "meal", "transport"):
		return AllowancesBenefits
	case has("base salary"):
		return BaseSalary
	default:
		return StatutoryMandatory
	}
}

// categorize asks the model for buckets and falls back to keywords when the answer
// does not place every item exactly once.
func (c *Calculator) categorize(ctx context.Context, in Input) (Categorization, string, error) {
	if c.gen == nil {
		return Keyword(in.Items), SourceKeyword, nil
	}

	payload, err := json.MarshalIndent(map[string]any{
		"provider":  in.Provider,
		"country":   in.Country,
		"currency":  in.Currency,
		"costItems": in.Items,
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal categorization payload: %w", err)
	}

	amounts := make(map[string]float64, len(in.Items))
	for _, it := range in.Items {
		amounts[it.Key] = it.MonthlyAmount
	}
	decode := func(m map[string]any) (Categorization, error) {
		got, derr := decodeResponse(m, amounts)
		if derr != nil {
			return nil, derr
		}
		if !got.Covers(in.Items) {
			return nil, errors.New("categorization does not place every item exactly once")
		}
		if key, bad := got.misplacedOneTime(in.Items); bad {
			return nil, fmt.Errorf("one-time item %q placed in a recurring bucket", key)
		}
		return got, nil
	}

	got, _, err := ai.Decode(ctx, c.gen, ai.Request{
		Name:    "acid_test_categorization",
		System:  systemPrompt,
		Payload: string(payload),
		Strict:  c.strict,
	}, decode)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, "", err
		}
		return Keyword(in.Items), SourceKeyword, fmt.Errorf("%w: %w", errs.ErrCategorizationFailed, err)
	}
	return got, SourceModel, nil
}

// decodeResponse reads the five bucket keys. A bucket may be a key→amount map or a list of
// keys; amounts always come from the cost items.
func decodeResponse(m map[string]any, amounts map[string]float64) (Categorization, error) {
	found := 0
	for key := range m {
		if Bucket(key).valid() {
			found++
			continue
		}
		return nil, fmt.Errorf("unknown bucket %q", key)
	}
	if found == 0 {
		return nil, errors.New("no bucket keys in response")
	}

	out := newCategorization()
	for _, b := range Buckets {
		keys, err := bucketKeys(m[string(b)])
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b, err)
		}
		for _, k := range keys {
			amount, ok := amounts[k]
			if !ok {
				return nil, fmt.Errorf("bucket %s holds unknown item %q", b, k)
			}
			if _, dup := out[b][k]; dup {
				return nil, fmt.Errorf("item %q listed twice in %s", k, b)
			}
			out[b][k] = amount
		}
	}
	return out, nil
}

func bucketKeys(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	case []any:
		keys := make([]string, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case string:
				keys = append(keys, strings.TrimSpace(it))
			case map[string]any:
				k := ai.CoerceString(it["key"])
				if k == "" {
					return nil, errors.New("list entry without key")
				}
				keys = append(keys, k)
			default:
				return nil, fmt.Errorf("unexpected list entry %T", item)
			}
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("unexpected value %T", v)
	}
}
