package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldProvider is the structured log field key for the quote provider id.
	FieldProvider = "provider"
	// FieldStage is the structured log field key for the pipeline stage.
	FieldStage = "stage"
	// FieldSession is the structured log field key for the quote session id.
	FieldSession = "session_id"
	// FieldModel is the structured log field key for the generative model identifier.
	FieldModel = "ai_model"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields safely attaches the provided fields to the logger, defaulting to a
// no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// WithProvider scopes a logger to one provider and pipeline stage.
func WithProvider(logger *zap.Logger, provider, stage string) *zap.Logger {
	return WithFields(logger, StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldStage, Value: stage},
	)...)
}

// WithSession scopes a logger to a quote session.
func WithSession(logger *zap.Logger, session string) *zap.Logger {
	return WithFields(logger, StringFields(StringField{Key: FieldSession, Value: session})...)
}

// WithModel attaches the model identifier used by a generative component.
func WithModel(logger *zap.Logger, model string) *zap.Logger {
	return WithFields(logger, StringFields(StringField{Key: FieldModel, Value: model})...)
}
