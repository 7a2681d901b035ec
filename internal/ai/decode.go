package ai

import (
	"context"
	"errors"

	"github.com/spigell/eor-quoter/internal/errs"
)

// Decode asks gen for a JSON document and returns the first candidate accepted by decode,
// together with the raw text it came from. When strict mode is rejected by the backend or
// the strict response holds no acceptable candidate, the call is repeated once without
// strict mode.
func Decode[T any](ctx context.Context, gen Generator, req Request, decode func(map[string]any) (T, error)) (T, string, error) {
	var zero T

	raw, err := gen.GenerateContent(ctx, req)
	if err != nil {
		if !req.Strict || !errors.Is(err, errs.ErrFormatRejected) {
			return zero, "", err
		}
	} else {
		value, derr := FirstValid(raw, decode)
		if derr == nil {
			return value, raw, nil
		}
		if !req.Strict {
			return zero, raw, derr
		}
	}

	relaxed := req
	relaxed.Strict = false

	raw, err = gen.GenerateContent(ctx, relaxed)
	if err != nil {
		return zero, "", err
	}

	value, err := FirstValid(raw, decode)
	if err != nil {
		return zero, raw, err
	}
	return value, raw, nil
}

// IsInvalidOutput reports whether err came from unusable model output rather than transport.
func IsInvalidOutput(err error) bool {
	return errors.Is(err, errs.ErrModelInvalidResponse) || errors.Is(err, errs.ErrSchemaValidationFailed)
}
