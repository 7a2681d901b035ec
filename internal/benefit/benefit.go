// Package benefit holds the canonical vocabulary of payroll cost items shared by the
// extractor, the gap engine and the deduplication pass.
package benefit

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Key is a canonical benefit identifier.
type Key string

const (
	BaseSalary            Key = "base_salary"
	EmployerContributions Key = "employer_contributions_total"
	ThirteenthSalary      Key = "thirteenth_salary"
	FourteenthSalary      Key = "fourteenth_salary"
	VacationBonus         Key = "vacation_bonus"
	MealAllowance         Key = "meal_allowance"
	TransportAllowance    Key = "transport_allowance"
	HealthInsurance       Key = "health_insurance"
	HomeOfficeAllowance   Key = "home_office_allowance"
	TerminationProvision  Key = "termination_provision"
	PlatformFee           Key = "platform_fee"
)

type synonymSet struct {
	key     Key
	phrases [][]string
}

// Order matters: the first set with a matching phrase wins.
var synonyms = buildSynonyms([]struct {
	key     Key
	phrases []string
}{
	{FourteenthSalary, []string{"14th", "fourteenth", "decimo cuarto", "14 salario", "14th month"}},
	{ThirteenthSalary, []string{"13th", "thirteenth", "aguinaldo", "decimo terceiro", "decimo tercer", "13 salario", "christmas bonus", "tredicesima"}},
	{VacationBonus, []string{"vacation bonus", "holiday allowance", "holiday bonus", "holiday pay", "prima vacacional", "vacation premium", "ferias", "urlaubsgeld"}},
	{TerminationProvision, []string{"termination", "severance", "notice period", "indemnizacion", "fgts fine"}},
	{EmployerContributions, []string{"employer contribution", "employer social", "social security", "social contribution", "payroll tax", "employer tax", "contributions total", "statutory contribution"}},
	{MealAllowance, []string{"meal", "food", "lunch", "vale refeicao", "vale alimentacao", "ticket restaurant", "despensa"}},
	{TransportAllowance, []string{"transport", "commut", "vale transporte", "travel allowance"}},
	{HealthInsurance, []string{"health", "medical", "dental", "seguro de saude"}},
	{HomeOfficeAllowance, []string{"home office", "remote work", "internet allowance", "coworking"}},
	{PlatformFee, []string{"platform fee", "management fee", "service fee", "eor fee", "provider fee"}},
	{BaseSalary, []string{"base salary", "gross salary", "basic salary", "monthly salary"}},
})

func buildSynonyms(in []struct {
	key     Key
	phrases []string
}) []synonymSet {
	out := make([]synonymSet, 0, len(in))
	for _, entry := range in {
		set := synonymSet{key: entry.key}
		set.phrases = append(set.phrases, Tokens(string(entry.key)))
		for _, phrase := range entry.phrases {
			set.phrases = append(set.phrases, Tokens(phrase))
		}
		out = append(out, set)
	}
	return out
}

// Normalize lowercases, strips diacritics and punctuation, and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(Tokens(s), " ")
}

// Tokens splits a label into normalized tokens; plural "s" is trimmed from longer words.
func Tokens(s string) []string {
	decomposed := norm.NFKD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	for i, f := range fields {
		if len(f) > 4 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			fields[i] = strings.TrimSuffix(f, "s")
		}
	}
	return fields
}

// Canonical maps a free-form label onto a canonical Key.
func Canonical(label string) (Key, bool) {
	tokens := Tokens(label)
	if len(tokens) == 0 {
		return "", false
	}

	for _, set := range synonyms {
		for _, phrase := range set.phrases {
			if containsPhrase(tokens, phrase) {
				return set.key, true
			}
		}
	}
	return "", false
}

// KeyFor returns the canonical key for a label, or its normalized snake_case form.
func KeyFor(label string) string {
	if key, ok := Canonical(label); ok {
		return string(key)
	}
	return strings.Join(Tokens(label), "_")
}

// Same reports whether two labels denote the same benefit.
func Same(a, b string) bool {
	if Normalize(a) == Normalize(b) {
		return true
	}
	ka, okA := Canonical(a)
	kb, okB := Canonical(b)
	return okA && okB && ka == kb
}

// IsContributionLike matches labels that describe employer social contributions.
func IsContributionLike(label string) bool {
	if key, ok := Canonical(label); ok && key == EmployerContributions {
		return true
	}
	for _, t := range Tokens(label) {
		if strings.HasPrefix(t, "contribution") || t == "inss" || t == "fgts" || t == "imss" || t == "infonavit" {
			return true
		}
	}
	return false
}

// containsPhrase matches phrase as a contiguous run of tokens. A phrase word matches a
// token it prefixes when the phrase word is at least four letters long.
func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}

	for start := 0; start+len(phrase) <= len(tokens); start++ {
		matched := true
		for i, word := range phrase {
			tok := tokens[start+i]
			if tok == word || (len(word) >= 4 && strings.HasPrefix(tok, word)) {
				continue
			}
			matched = false
			break
		}
		if matched {
			return true
		}
	}
	return false
}
