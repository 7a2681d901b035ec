package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the encoding, level and sinks of the process logger.
type Options struct {
	JSON  bool
	Debug bool
	// Output defaults to stderr so reports written to stdout stay machine-readable.
	Output []string
}

// New builds the process logger.
func New(json bool, debug bool) (*zap.Logger, error) {
	return Build(Options{JSON: json, Debug: debug})
}

// Build builds a logger from opts.
func Build(opts Options) (*zap.Logger, error) {
	out := opts.Output
	if len(out) == 0 {
		out = []string{"stderr"}
	}

	cfg := zap.Config{
		Encoding:         encoding(opts.JSON),
		Level:            zap.NewAtomicLevelAt(level(opts.Debug)),
		OutputPaths:      out,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderConfig(),
		// Stack traces only clutter the per-provider warnings.
		DisableStacktrace: !opts.Debug,
	}
	return cfg.Build()
}

func encoding(json bool) string {
	if json {
		return "json"
	}
	return "console"
}

func level(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "step",
		LevelKey:       "level",
		TimeKey:        "time",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}
