package ai

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/spigell/eor-quoter/internal/errs"
)

// MaxUnwrapDepth bounds how deep container objects like {"profile": {...}} are unwrapped.
const MaxUnwrapDepth = 5

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking|reasoning|analysis)>.*?</(think|thinking|reasoning|analysis)>`)
	danglingTag    = regexp.MustCompile(`(?i)</?(think|thinking|reasoning|analysis)>`)
	codeFence      = regexp.MustCompile("(?m)^\\s*```[a-zA-Z0-9_-]*\\s*$")
)

var wrapperKeys = []string{"profile", "legal_profile", "result", "data", "response", "output", "analysis", "enhancements", "categorization", "extraction"}

// Scrub removes reasoning blocks and code fences around model output.
func Scrub(raw string) string {
	cleaned := reasoningBlock.ReplaceAllString(raw, "")
	cleaned = danglingTag.ReplaceAllString(cleaned, "")
	cleaned = codeFence.ReplaceAllString(cleaned, "")
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

// Candidates returns every balanced JSON object found in raw, in order of appearance.
// A segment that fails to parse is rescanned from its next byte so objects nested in
// broken JSON are still found.
func Candidates(raw string) []map[string]any {
	text := Scrub(raw)

	var out []map[string]any
	for start := 0; start < len(text); {
		open := strings.IndexByte(text[start:], '{')
		if open < 0 {
			break
		}
		open += start

		end := balancedEnd(text, open)
		if end < 0 {
			start = open + 1
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(text[open:end+1]), &obj); err != nil {
			start = open + 1
			continue
		}

		out = append(out, obj)
		start = end + 1
	}
	return out
}

// balancedEnd returns the index of the brace closing the object opened at open, or -1.
func balancedEnd(text string, open int) int {
	depth := 0
	inString := false
	escaped := false

	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Unwrap yields obj followed by the objects nested in single-purpose containers,
// at most MaxUnwrapDepth levels deep.
func Unwrap(obj map[string]any) []map[string]any {
	levels := []map[string]any{obj}
	current := obj
	for depth := 0; depth < MaxUnwrapDepth; depth++ {
		next := container(current)
		if next == nil {
			break
		}
		levels = append(levels, next)
		current = next
	}
	return levels
}

func container(obj map[string]any) map[string]any {
	if len(obj) == 1 {
		for _, v := range obj {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	for _, key := range wrapperKeys {
		if m, ok := obj[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

// Nested yields every object held under a key of obj, depth-first in key order,
// at most MaxUnwrapDepth levels deep. obj itself is not included.
func Nested(obj map[string]any) []map[string]any {
	var out []map[string]any
	var walk func(m map[string]any, depth int)
	walk = func(m map[string]any, depth int) {
		if depth >= MaxUnwrapDepth {
			return
		}
		for _, key := range slices.Sorted(maps.Keys(m)) {
			child, ok := m[key].(map[string]any)
			if !ok {
				continue
			}
			out = append(out, child)
			walk(child, depth+1)
		}
	}
	walk(obj, 0)
	return out
}

// levels lists the Unwrap chain of obj followed by the remaining nested objects.
func levels(obj map[string]any) []map[string]any {
	out := Unwrap(obj)
	for _, m := range Nested(obj) {
		if !containsMap(out, m) {
			out = append(out, m)
		}
	}
	return out
}

func containsMap(list []map[string]any, m map[string]any) bool {
	ptr := reflect.ValueOf(m).UnsafePointer()
	return slices.ContainsFunc(list, func(other map[string]any) bool {
		return reflect.ValueOf(other).UnsafePointer() == ptr
	})
}

// FirstValid decodes the first candidate accepted by decode. Each candidate is tried
// itself, then its unwrapped containers, then any other object nested inside it.
func FirstValid[T any](raw string, decode func(map[string]any) (T, error)) (T, error) {
	var zero T

	candidates := Candidates(raw)
	if len(candidates) == 0 {
		return zero, fmt.Errorf("%w: no JSON object found in response", errs.ErrModelInvalidResponse)
	}

	var firstErr error
	tried := 0
	for _, candidate := range candidates {
		for _, level := range levels(candidate) {
			tried++
			value, err := decode(level)
			if err == nil {
				return value, nil
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return zero, fmt.Errorf("%w: %d candidates rejected, first: %v", errs.ErrSchemaValidationFailed, tried, firstErr)
}
