package extract

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/spigell/eor-quoter/internal/money"
)

// LineItem is a cost line discovered in a raw quote document.
type LineItem struct {
	Path      string          `json:"path"`
	Name      string          `json:"name"`
	Amount    float64         `json:"amount"`
	Frequency money.Frequency `json:"frequency"`
	Currency  string          `json:"currency,omitempty"`
}

var (
	containerKeys = keySet("costs", "items", "line_items", "components", "breakdown", "fees", "benefits",
		"contributions", "employer_costs", "cost_breakdown", "charges", "allowances", "taxes")
	nameKeys      = []string{"name", "title", "label", "description", "type", "key", "category"}
	amountKeys    = []string{"monthly_amount", "amount", "value", "cost", "price", "total", "monthly"}
	frequencyKeys = []string{"frequency", "period", "interval", "recurrence", "billing_frequency"}
	currencyKeys  = []string{"currency", "currency_code"}
)

func keySet(keys ...string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[normKey(k)] = true
	}
	return out
}

// normKey folds camelCase, snake_case and kebab-case keys onto one form.
func normKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// walker visits a decoded JSON tree once per map or slice.
type walker struct {
	seen  map[uintptr]bool
	items []LineItem
}

func (w *walker) first(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.Len() == 0 {
			return true
		}
		ptr := rv.Pointer()
		if w.seen[ptr] {
			return false
		}
		w.seen[ptr] = true
	}
	return true
}

// LineItems returns every cost line found under a known container key, anywhere in doc.
func LineItems(doc any) []LineItem {
	w := &walker{seen: make(map[uintptr]bool)}
	w.visit("", doc, false)
	return w.items
}

func (w *walker) visit(path string, v any, inContainer bool) {
	if !w.first(v) {
		return
	}

	switch node := v.(type) {
	case map[string]any:
		if inContainer {
			w.visitContainerMap(path, node)
			return
		}
		for _, k := range sortedKeys(node) {
			w.visit(join(path, k), node[k], containerKeys[normKey(k)])
		}
	case []any:
		for i, el := range node {
			w.visitElement(joinIndex(path, i), "", el, inContainer)
		}
	}
}

// visitContainerMap handles {"name": amount} and {"name": {...}} containers.
func (w *walker) visitContainerMap(path string, node map[string]any) {
	// A container holding a single described object is an element, not a name map.
	if _, ok := lookup(node, amountKeys); ok {
		if _, named := lookup(node, nameKeys); named {
			w.visitElement(path, "", node, true)
			return
		}
	}
	for _, k := range sortedKeys(node) {
		w.visitElement(join(path, k), k, node[k], true)
	}
}

func (w *walker) visitElement(path, fallbackName string, el any, inContainer bool) {
	switch node := el.(type) {
	case map[string]any:
		if !inContainer {
			w.visit(path, node, false)
			return
		}

		before := len(w.items)
		for _, k := range sortedKeys(node) {
			if containerKeys[normKey(k)] {
				w.visit(join(path, k), node[k], true)
			}
		}
		if len(w.items) > before {
			return
		}

		name := fallbackName
		if v, ok := lookup(node, nameKeys); ok {
			if s, isString := v.(string); isString && strings.TrimSpace(s) != "" {
				name = s
			}
		}
		raw, ok := lookup(node, amountKeys)
		if !ok || strings.TrimSpace(name) == "" {
			return
		}
		amount, ok := money.ParseAmount(raw)
		if !ok {
			return
		}

		item := LineItem{Path: path, Name: strings.TrimSpace(name), Amount: amount, Frequency: money.Monthly}
		if f, ok := lookup(node, frequencyKeys); ok {
			if s, isString := f.(string); isString {
				item.Frequency = money.ParseFrequency(s)
			}
		}
		if c, ok := lookup(node, currencyKeys); ok {
			if s, isString := c.(string); isString {
				item.Currency = money.NormalizeCode(s)
			}
		}
		w.items = append(w.items, item)
	case []any:
		w.visit(path, node, inContainer)
	default:
		if !inContainer || fallbackName == "" {
			return
		}
		if amount, ok := money.ParseAmount(node); ok {
			w.items = append(w.items, LineItem{Path: path, Name: fallbackName, Amount: amount, Frequency: money.Monthly})
		}
	}
}

// FindScalar returns the value of the first key matching one of keys in breadth-first order.
func FindScalar(doc any, keys ...string) (any, bool) {
	wanted := keySet(keys...)
	seen := make(map[uintptr]bool)
	queue := []any{doc}

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]

		rv := reflect.ValueOf(v)
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.Len() > 0 {
			if seen[rv.Pointer()] {
				continue
			}
			seen[rv.Pointer()] = true
		}

		switch node := v.(type) {
		case map[string]any:
			keys := sortedKeys(node)
			for _, k := range keys {
				if wanted[normKey(k)] && node[k] != nil {
					return node[k], true
				}
			}
			for _, k := range keys {
				if containerKeys[normKey(k)] {
					continue
				}
				queue = append(queue, node[k])
			}
		case []any:
			queue = append(queue, node...)
		}
	}
	return nil, false
}

// Numbers collects every numeric leaf of doc, rounded to cents.
func Numbers(doc any) []float64 {
	var out []float64
	seen := make(map[uintptr]bool)

	var visit func(v any)
	visit = func(v any) {
		rv := reflect.ValueOf(v)
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.Len() > 0 {
			if seen[rv.Pointer()] {
				return
			}
			seen[rv.Pointer()] = true
		}
		switch node := v.(type) {
		case map[string]any:
			for _, child := range node {
				visit(child)
			}
		case []any:
			for _, child := range node {
				visit(child)
			}
		case float64, string:
			if f, ok := money.ParseAmount(node); ok {
				out = append(out, money.Round2(f))
			}
		}
	}
	visit(doc)
	return out
}

func lookup(node map[string]any, keys []string) (any, bool) {
	index := make(map[string]string, len(node))
	for k := range node {
		index[normKey(k)] = k
	}
	for _, want := range keys {
		if k, ok := index[normKey(want)]; ok && node[k] != nil {
			return node[k], true
		}
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func joinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
