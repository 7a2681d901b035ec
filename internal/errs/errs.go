package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrReferenceDataMissing means the legal reference store has no facts for a country.
	ErrReferenceDataMissing = errors.New("reference data missing")
	// ErrModelTimeout means a generative call hit its per-call deadline.
	ErrModelTimeout = errors.New("model timeout")
	// ErrModelRateLimited means the model provider throttled the call.
	ErrModelRateLimited = errors.New("model rate limited")
	// ErrModelUnavailable covers 5xx-class failures of the model provider.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelInvalidResponse means the response text held no usable JSON document.
	ErrModelInvalidResponse = errors.New("model invalid response")
	// ErrFormatRejected means the provider refused the strict JSON response mode.
	ErrFormatRejected = errors.New("strict json mode rejected")
	// ErrSchemaValidationFailed means no candidate in a response satisfied the target schema.
	ErrSchemaValidationFailed = errors.New("schema validation failed")
	// ErrCurrencyConversionFailed means an amount could not be converted between currencies.
	ErrCurrencyConversionFailed = errors.New("currency conversion failed")
	// ErrCategorizationFailed means acid-test categorization fell back to keywords.
	ErrCategorizationFailed = errors.New("categorization failed")
	// ErrTransient is a retriable transport failure outside the model (quote fetch, 5xx).
	ErrTransient = errors.New("transient failure")
	// ErrProviderInactive marks a provider that was configured but switched off.
	ErrProviderInactive = errors.New("provider inactive")
)

// IsRetriable reports whether err is worth another attempt with backoff.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrModelTimeout) ||
		errors.Is(err, ErrModelRateLimited) ||
		errors.Is(err, ErrModelUnavailable) ||
		errors.Is(err, ErrTransient)
}

// StageError attaches the provider and pipeline stage to a failure.
type StageError struct {
	Provider string
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	parts := make([]string, 0, 2)
	if e.Provider != "" {
		parts = append(parts, "provider "+e.Provider)
	}
	if e.Stage != "" {
		parts = append(parts, "stage "+e.Stage)
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", strings.Join(parts, ", "), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// InStage wraps err with provider and stage context. A nil err stays nil.
func InStage(provider, stage string, err error) error {
	if err == nil {
		return nil
	}

	var existing *StageError
	if errors.As(err, &existing) && existing.Stage == stage && existing.Provider == provider {
		return err
	}

	return &StageError{Provider: provider, Stage: stage, Err: err}
}

// IsDataProblem distinguishes "this provider has no usable data" from pipeline breakage.
func IsDataProblem(err error) bool {
	return errors.Is(err, ErrReferenceDataMissing) ||
		errors.Is(err, ErrProviderInactive) ||
		errors.Is(err, ErrSchemaValidationFailed)
}
