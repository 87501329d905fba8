package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/retry"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator calls the Gemini API with a JSON response type.
type GeminiGenerator struct {
	models contentGenerator
	model  config.LLMModel
}

// NewGeminiGenerator creates a generator for one configured model.
func NewGeminiGenerator(ctx context.Context, provider config.LLMProvider, model config.LLMModel) (*GeminiGenerator, error) {
	if provider.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key not configured")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  provider.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if provider.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: provider.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiGenerator{models: client.Models, model: model}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(g.model.Temperature)),
		ResponseMIMEType:  "application/json",
	}
	if g.model.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.model.MaxTokens)
	}
	resp, err := g.models.GenerateContent(ctx, g.model.APIName, []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}, cfg)
	if err != nil {
		return Generation{}, fmt.Errorf("gemini generate content: %w", classifyGemini(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Generation{}, fmt.Errorf("gemini generate content: no candidates")
	}
	out := Generation{Content: resp.Text(), Model: g.model.APIName}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &retry.StatusError{Service: "gemini", Code: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code != 0 {
		return &retry.StatusError{Service: "gemini", Code: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return err
}
