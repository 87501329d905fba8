package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/retry"
)

// OpenAIGenerator calls the chat completions API in JSON mode.
type OpenAIGenerator struct {
	client *openai.Client
	model  config.LLMModel
}

// NewOpenAIGenerator creates a generator for one configured model.
func NewOpenAIGenerator(provider config.LLMProvider, model config.LLMModel) (*OpenAIGenerator, error) {
	if provider.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	clientCfg := openai.DefaultConfig(provider.APIKey)
	if provider.BaseURL != "" {
		clientCfg.BaseURL = provider.BaseURL
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model.APIName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: float32(g.model.Temperature),
		MaxTokens:   g.model.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Generation{}, fmt.Errorf("openai chat completion: %w", classifyOpenAI(err))
	}
	if len(resp.Choices) == 0 {
		return Generation{}, fmt.Errorf("openai chat completion: no choices")
	}
	return Generation{
		Content:      resp.Choices[0].Message.Content,
		Model:        g.model.APIName,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// classifyOpenAI maps API failures to retry.StatusError so the retry policy
// sees the HTTP status.
func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &retry.StatusError{Service: "openai", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &retry.StatusError{Service: "openai", Code: reqErr.HTTPStatusCode, Body: body}
	}
	return err
}
