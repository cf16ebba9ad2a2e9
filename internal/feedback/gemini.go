package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	// DefaultModel is used when the configuration leaves the model empty.
	DefaultModel       = "gemini-2.5-flash"
	defaultTemperature = 0.3
)

// ErrNotConfigured is returned when no API key is available.
var ErrNotConfigured = errors.New("feedback: GEMINI_API_KEY is missing")

// contentGenerator is the slice of genai.Models the generator calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator implements Generator with the Gemini API.
type GeminiGenerator struct {
	models contentGenerator
	model  string
}

// NewGeminiGenerator creates a Gemini API client.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGeminiGenerator(client.Models, model), nil
}

func newGeminiGenerator(models contentGenerator, model string) *GeminiGenerator {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &GeminiGenerator{models: models, model: model}
}

// Model returns the configured model name.
func (g *GeminiGenerator) Model() string { return g.model }

// Generate sends the system prompts as the system instruction and the essay
// plus any task pages as one user turn.
func (g *GeminiGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(p.Text)}
	for _, img := range p.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](defaultTemperature),
	}
	if len(p.System) > 0 {
		sys := make([]*genai.Part, 0, len(p.System))
		for _, s := range p.System {
			sys = append(sys, genai.NewPartFromText(s))
		}
		cfg.SystemInstruction = genai.NewContentFromParts(sys, genai.RoleUser)
	}
	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("GenAI returned no text")
	}
	return text, nil
}
