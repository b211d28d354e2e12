package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini implements the Model interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Model instance
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, receipt.ErrMissingCredential
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.4)
	model.SetTopK(32)
	model.SetTopP(1)
	model.SetMaxOutputTokens(4096)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// GeminiOpener opens a Gemini model per invocation with the caller's key
func GeminiOpener(modelName string) Opener {
	return func(ctx context.Context, apiKey string) (Model, error) {
		return NewGemini(ctx, apiKey, modelName)
	}
}

// Generate sends the prompt (and image, if any) and returns the concatenated text parts
func (g *Gemini) Generate(ctx context.Context, prompt string, img *Image) (string, error) {
	parts := []genai.Part{genai.Text(prompt)}
	if img != nil {
		// genai.ImageData expects the format suffix ("png"), not the full MIME type
		parts = append(parts, genai.ImageData(img.Format, img.Data))
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("%w: gemini: %w", receipt.ErrUpstream, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no response from gemini", receipt.ErrUpstream)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	if strings.TrimSpace(responseText.String()) == "" {
		return "", fmt.Errorf("%w: empty response from gemini", receipt.ErrUpstream)
	}

	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
