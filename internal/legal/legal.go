// Package legal loads per-country payroll facts and turns them into the numeric hints the
// profile assembler and the gap engine rely on.
package legal

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spigell/eor-quoter/internal/errs"
)

// Category groups legal cost items.
type Category string

const (
	Contributions Category = "contributions"
	Bonuses       Category = "bonuses"
	Allowances    Category = "allowances"
	Termination   Category = "termination"
)

// Categories lists every category in reporting order.
var Categories = []Category{Contributions, Bonuses, Allowances, Termination}

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	switch c {
	case Contributions, Bonuses, Allowances, Termination:
		return true
	}
	return false
}

type Contribution struct {
	Name      string  `yaml:"name" json:"name"`
	Rate      float64 `yaml:"rate" json:"rate"`
	Base      string  `yaml:"base,omitempty" json:"base,omitempty"`
	Mandatory bool    `yaml:"mandatory" json:"mandatory"`
}

// Bonus is a salary multiple paid per year, e.g. a 13th salary is one month.
type Bonus struct {
	Name      string  `yaml:"name" json:"name"`
	Months    float64 `yaml:"months" json:"months"`
	Mandatory bool    `yaml:"mandatory" json:"mandatory"`
}

type Allowance struct {
	Name      string  `yaml:"name" json:"name"`
	Amount    float64 `yaml:"amount" json:"amount"`
	Frequency string  `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	Mandatory bool    `yaml:"mandatory" json:"mandatory"`
}

type TerminationRules struct {
	NoticeDays      int     `yaml:"notice-days" json:"noticeDays"`
	SeveranceMonths float64 `yaml:"severance-months" json:"severanceMonths"`
	ProbationDays   int     `yaml:"probation-days,omitempty" json:"probationDays,omitempty"`
	Notes           string  `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Facts are the legal and customary payroll facts of one country.
type Facts struct {
	Country       string              `yaml:"country" json:"country"`
	Currency      string              `yaml:"currency" json:"currency"`
	Contributions []Contribution      `yaml:"contributions,omitempty" json:"contributions,omitempty"`
	Bonuses       []Bonus             `yaml:"bonuses,omitempty" json:"bonuses,omitempty"`
	Allowances    []Allowance         `yaml:"allowances,omitempty" json:"allowances,omitempty"`
	Termination   *TerminationRules   `yaml:"termination,omitempty" json:"termination,omitempty"`
	Reference     map[Category]string `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// Availability reports which categories carry any fact, structured or textual.
func (f Facts) Availability() map[Category]bool {
	out := map[Category]bool{
		Contributions: len(f.Contributions) > 0,
		Bonuses:       len(f.Bonuses) > 0,
		Allowances:    len(f.Allowances) > 0,
		Termination:   f.Termination != nil && (f.Termination.NoticeDays > 0 || f.Termination.SeveranceMonths > 0),
	}
	for cat, text := range f.Reference {
		if cat.Valid() && strings.TrimSpace(text) != "" {
			out[cat] = true
		}
	}
	return out
}

// Excerpts returns the reference text of available categories only.
func (f Facts) Excerpts() map[Category]string {
	available := f.Availability()
	out := make(map[Category]string)
	for cat, text := range f.Reference {
		text = strings.TrimSpace(text)
		if text == "" || !available[cat] {
			continue
		}
		out[cat] = text
	}
	return out
}

func (f Facts) clone() Facts {
	c := f
	c.Contributions = append([]Contribution(nil), f.Contributions...)
	c.Bonuses = append([]Bonus(nil), f.Bonuses...)
	c.Allowances = append([]Allowance(nil), f.Allowances...)
	if f.Termination != nil {
		t := *f.Termination
		c.Termination = &t
	}
	if f.Reference != nil {
		c.Reference = make(map[Category]string, len(f.Reference))
		for k, v := range f.Reference {
			c.Reference[k] = v
		}
	}
	return c
}

// Store looks up facts by ISO country code.
type Store interface {
	Lookup(ctx context.Context, country string) (Facts, error)
}

// FileStore is an in-memory Store loaded from a YAML document.
type FileStore struct {
	mu        sync.RWMutex
	countries map[string]Facts
}

type document struct {
	Countries map[string]Facts `yaml:"countries"`
}

// LoadFile reads a YAML legal data file.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legal data file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document of the form `countries: {CODE: facts}`.
func Parse(data []byte) (*FileStore, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode legal data: %w", err)
	}

	store := &FileStore{countries: make(map[string]Facts, len(doc.Countries))}
	for code, facts := range doc.Countries {
		code = normalizeCountry(code)
		if code == "" {
			continue
		}
		if facts.Country == "" {
			facts.Country = code
		}
		facts.Currency = strings.ToUpper(strings.TrimSpace(facts.Currency))
		store.countries[code] = facts
	}
	return store, nil
}

// Lookup implements Store. The returned Facts are a copy.
func (s *FileStore) Lookup(ctx context.Context, country string) (Facts, error) {
	if err := ctx.Err(); err != nil {
		return Facts{}, err
	}

	code := normalizeCountry(country)
	s.mu.RLock()
	facts, ok := s.countries[code]
	s.mu.RUnlock()
	if !ok {
		return Facts{}, fmt.Errorf("%w: no legal facts for country %q", errs.ErrReferenceDataMissing, country)
	}
	return facts.clone(), nil
}

// Put adds or replaces the facts of a country.
func (s *FileStore) Put(facts Facts) {
	code := normalizeCountry(facts.Country)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countries == nil {
		s.countries = make(map[string]Facts)
	}
	s.countries[code] = facts.clone()
}

// Countries returns the known country codes, sorted.
func (s *FileStore) Countries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.countries))
	for code := range s.countries {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
