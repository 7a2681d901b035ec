package ai

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/eor-quoter/internal/errs"
)

type scripted struct {
	responses []string
	errors    []error
	requests  []Request
}

func (s *scripted) GenerateContent(_ context.Context, req Request) (string, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	var err error
	if i < len(s.errors) {
		err = s.errors[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("unexpected call")
}

type named struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func decodeNamed(m map[string]any) (named, error) {
	var n named
	if _, ok := m["name"]; !ok {
		return n, errors.New("name is required")
	}
	if err := WeakDecode(m, &n); err != nil {
		return n, err
	}
	return n, nil
}

func TestCandidatesFindsEveryBalancedObject(t *testing.T) {
	raw := "<think>first {\"draft\": true} then</think>\nHere you go:\n```json\n{\"a\": 1, \"s\": \"brace } inside\"}\n```\nand also {\"b\": {\"c\": 2}} trailing prose"

	got := Candidates(raw)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0]["a"])
	assert.Equal(t, "brace } inside", got[0]["s"])
	assert.Contains(t, got[1], "b")
}

func TestCandidatesRescansBrokenSegments(t *testing.T) {
	raw := `{"outer": {"name": "x", "value": 3}, broken,}`

	got := Candidates(raw)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0]["name"])
}

func TestCandidatesArrayOfOne(t *testing.T) {
	got := Candidates(`[{"name": "only"}]`)
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0]["name"])
}

func TestUnwrapStopsAtDepth(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": map[string]any{"e": map[string]any{"f": map[string]any{"g": map[string]any{"name": "deep"}}}}}}}}

	levels := Unwrap(obj)
	assert.Len(t, levels, MaxUnwrapDepth+1)

	_, err := FirstValid(`{"profile": {"name": "wrapped", "value": "1,200.50"}}`, decodeNamed)
	require.NoError(t, err)
}

func TestFirstValidUsesFirstSchemaValidCandidate(t *testing.T) {
	raw := `{"other": 1} {"name": "second", "value": "42"} {"name": "third"}`

	got, err := FirstValid(raw, decodeNamed)
	require.NoError(t, err)
	assert.Equal(t, named{Name: "second", Value: 42}, got)
}

func TestFirstValidSearchesNestedObjects(t *testing.T) {
	raw := `{"reasoning": "checked the law", "answer": {"notes": {"x": 1}, "result_set": {"name": "nested", "value": 7}}}`

	got, err := FirstValid(raw, decodeNamed)
	require.NoError(t, err)
	assert.Equal(t, named{Name: "nested", Value: 7}, got)

	nested := Nested(map[string]any{
		"b": map[string]any{"c": map[string]any{"name": "c"}},
		"a": map[string]any{"name": "a"},
		"s": "text",
	})
	require.Len(t, nested, 3)
	assert.Equal(t, "a", nested[0]["name"])
	assert.Contains(t, nested[1], "c")
	assert.Equal(t, "c", nested[2]["name"])
}

func TestFirstValidErrors(t *testing.T) {
	_, err := FirstValid("no json here", decodeNamed)
	require.ErrorIs(t, err, errs.ErrModelInvalidResponse)

	_, err = FirstValid(`{"other": 1}`, decodeNamed)
	require.ErrorIs(t, err, errs.ErrSchemaValidationFailed)
	assert.True(t, IsInvalidOutput(err))
}

func TestDecodeRetriesOnceWithoutStrictMode(t *testing.T) {
	gen := &scripted{responses: []string{"sorry, I cannot", `{"name": "relaxed", "value": 2}`}}

	got, raw, err := Decode(context.Background(), gen, Request{Name: "t", Strict: true}, decodeNamed)
	require.NoError(t, err)
	assert.Equal(t, "relaxed", got.Name)
	assert.Contains(t, raw, "relaxed")
	require.Len(t, gen.requests, 2)
	assert.True(t, gen.requests[0].Strict)
	assert.False(t, gen.requests[1].Strict)
}

func TestDecodeRetriesWhenStrictModeRejected(t *testing.T) {
	gen := &scripted{
		errors:    []error{errs.ErrFormatRejected, nil},
		responses: []string{"", `{"name": "ok"}`},
	}

	got, _, err := Decode(context.Background(), gen, Request{Strict: true}, decodeNamed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Name)
	assert.Len(t, gen.requests, 2)
}

func TestDecodeDoesNotRetryTransportErrors(t *testing.T) {
	gen := &scripted{errors: []error{errs.ErrModelTimeout}}

	_, _, err := Decode(context.Background(), gen, Request{Strict: true}, decodeNamed)
	require.ErrorIs(t, err, errs.ErrModelTimeout)
	assert.Len(t, gen.requests, 1)
}

func TestDecodeGivesUpAfterRelaxedAttempt(t *testing.T) {
	gen := &scripted{responses: []string{`{"x": 1}`, `{"y": 2}`}}

	_, _, err := Decode(context.Background(), gen, Request{Strict: true}, decodeNamed)
	require.ErrorIs(t, err, errs.ErrSchemaValidationFailed)
	assert.Len(t, gen.requests, 2)
}

func TestCoercion(t *testing.T) {
	assert.True(t, CoerceBool("Yes"))
	assert.True(t, CoerceBool(1.0))
	assert.False(t, CoerceBool("no"))
	assert.Equal(t, 0.8, CoerceFloat("0.8"))
	assert.True(t, math.IsNaN(CoerceFloat("unknown")))
	assert.Equal(t, "x", CoerceString(" x "))
	assert.Equal(t, `{"a":1}`, CoerceString(map[string]any{"a": 1}))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestGeneratorFunc(t *testing.T) {
	var gen Generator = GeneratorFunc(func(_ context.Context, req Request) (string, error) {
		return req.Payload, nil
	})
	out, err := gen.GenerateContent(context.Background(), Request{Payload: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", out)
}
