// Package llm defines the narrow provider port the runtime consumes for
// action proposals and vision verification, plus a Gemini implementation.
package llm

import "context"

// Response is a provider completion.
type Response struct {
	Content   string
	ModelName string
}

// GenerateOptions tunes one generation call.
type GenerateOptions struct {
	Temperature     float64
	MaxOutputTokens int
}

// Provider is the LLM port. Vision support is optional and advertised via
// SupportsVision; GenerateWithImage on a non-vision provider returns an
// error.
type Provider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (Response, error)
	GenerateWithImage(ctx context.Context, systemPrompt, userPrompt, imageBase64 string, opts GenerateOptions) (Response, error)
	SupportsVision() bool
	ModelName() string
}
