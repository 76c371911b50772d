package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"google.golang.org/genai"
)

// Gemini model constants for convenience.
const (
	ModelGemini3Flash      = "gemini-3-flash-preview"
	ModelGemini25Pro       = "gemini-2.5-pro"
	ModelGemini25Flash     = "gemini-2.5-flash"
	ModelGemini25FlashLite = "gemini-2.5-flash-lite"
)

// GeminiProvider implements Provider on top of the Gemini API. All Gemini
// models in this family accept image parts, so SupportsVision is true.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini-backed provider. An empty apiKey falls
// back to GOOGLE_API_KEY; an empty model uses gemini-2.5-flash.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("gemini API key is required (set GOOGLE_API_KEY)")
	}
	if model == "" {
		model = ModelGemini25Flash
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) generate(ctx context.Context, systemPrompt string, parts []*genai.Part, opts GenerateOptions) (Response, error) {
	config := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(systemPrompt)},
		}
	}
	if opts.Temperature >= 0 {
		config.Temperature = genai.Ptr[float32](float32(opts.Temperature))
	}
	if opts.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxOutputTokens)
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return Response{}, fmt.Errorf("gemini (model: %s) request failed: %w", p.model, err)
	}
	return Response{Content: resp.Text(), ModelName: p.model}, nil
}

// Generate produces a text completion.
func (p *GeminiProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (Response, error) {
	return p.generate(ctx, systemPrompt, []*genai.Part{genai.NewPartFromText(userPrompt)}, opts)
}

// GenerateWithImage produces a completion grounded on a screenshot (PNG or
// JPEG bytes, base64-encoded).
func (p *GeminiProvider) GenerateWithImage(ctx context.Context, systemPrompt, userPrompt, imageBase64 string, opts GenerateOptions) (Response, error) {
	imageBytes, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return Response{}, fmt.Errorf("invalid image payload: %w", err)
	}
	mime := "image/jpeg"
	if len(imageBytes) > 4 && imageBytes[1] == 'P' && imageBytes[2] == 'N' && imageBytes[3] == 'G' {
		mime = "image/png"
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(imageBytes, mime),
		genai.NewPartFromText(userPrompt),
	}
	return p.generate(ctx, systemPrompt, parts, opts)
}

// SupportsVision reports vision capability.
func (p *GeminiProvider) SupportsVision() bool { return true }

// ModelName returns the configured model id.
func (p *GeminiProvider) ModelName() string { return p.model }
