package ai

import "context"

// Request is one generative call: system instructions plus a user payload.
type Request struct {
	// Name identifies the calling stage in logs.
	Name    string
	System  string
	Payload string
	// Strict asks the backend for a JSON-only response mode.
	Strict bool
}

// Generator is a text-completion backend.
type Generator interface {
	GenerateContent(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) GenerateContent(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
