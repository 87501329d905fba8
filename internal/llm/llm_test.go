package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/retry"
)

func TestPricingCost(t *testing.T) {
	p := PricingFor(config.LLMModel{CostPer1K: 0.15, CostPer1KOutput: 0.6})
	got := p.Cost(2000, 500)
	assert.True(t, decimal.RequireFromString("0.6").Equal(got), got.String())
	assert.True(t, p.Cost(0, 0).IsZero())
}

func TestOpenAIGenerator(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1", "object": "chat.completion", "model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"summary\":\"ok\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
		}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(
		config.LLMProvider{APIKey: "sk-test", BaseURL: srv.URL + "/v1"},
		config.LLMModel{APIName: "gpt-4o-mini", MaxTokens: 800, Temperature: 0.2},
	)
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, out.Content)
	assert.Equal(t, int64(120), out.InputTokens)
	assert.Equal(t, int64(30), out.OutputTokens)
	assert.Equal(t, int64(150), out.TokensUsed())

	assert.Equal(t, "gpt-4o-mini", captured["model"])
	messages, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, map[string]any{"type": "json_object"}, captured["response_format"])
}

func TestOpenAIGeneratorMapsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(config.LLMProvider{APIKey: "sk", BaseURL: srv.URL + "/v1"}, config.LLMModel{APIName: "m"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "s", "u")
	require.Error(t, err)
	var status *retry.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusTooManyRequests, status.Code)
	assert.True(t, retry.IsRetryable(err))
}

func TestOpenAIGeneratorRequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator(config.LLMProvider{}, config.LLMModel{})
	require.Error(t, err)
}

type fakeModels struct {
	model    string
	config   *genai.GenerateContentConfig
	contents []*genai.Content
	resp     *genai.GenerateContentResponse
	err      error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = cfg
	return f.resp, f.err
}

func TestGeminiGenerator(t *testing.T) {
	fake := &fakeModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(`{"summary":"gemini"}`, genai.RoleModel),
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 40, CandidatesTokenCount: 10},
	}}
	g := &GeminiGenerator{models: fake, model: config.LLMModel{APIName: "gemini-2.0-flash", MaxTokens: 512, Temperature: 0.3}}

	out, err := g.Generate(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"gemini"}`, out.Content)
	assert.Equal(t, int64(50), out.TokensUsed())
	assert.Equal(t, "gemini-2.0-flash", fake.model)
	assert.Equal(t, "application/json", fake.config.ResponseMIMEType)
	assert.Equal(t, int32(512), fake.config.MaxOutputTokens)
	require.Len(t, fake.contents, 1)
	assert.Equal(t, "user", fake.contents[0].Parts[0].Text)
	assert.Equal(t, "sys", fake.config.SystemInstruction.Parts[0].Text)
}

func TestGeminiGeneratorErrors(t *testing.T) {
	g := &GeminiGenerator{models: &fakeModels{resp: &genai.GenerateContentResponse{}}, model: config.LLMModel{APIName: "m"}}
	_, err := g.Generate(context.Background(), "s", "u")
	require.Error(t, err)

	g = &GeminiGenerator{models: &fakeModels{err: genai.APIError{Code: 503, Message: "overloaded"}}, model: config.LLMModel{APIName: "m"}}
	_, err = g.Generate(context.Background(), "s", "u")
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestNewRoutesByProviderType(t *testing.T) {
	cfg := config.LLMConfig{Providers: map[string]config.LLMProvider{
		"openai": {Type: "openai", APIKey: "sk", Models: map[string]config.LLMModel{"fast": {CostPer1K: 1}}},
		"other":  {Type: "mystery", Models: map[string]config.LLMModel{"odd": {}}},
	}}
	g, pricing, err := New(context.Background(), cfg, "fast")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIGenerator{}, g)
	assert.True(t, pricing.Input.Equal(decimal.NewFromInt(1)))

	_, _, err = New(context.Background(), cfg, "odd")
	require.Error(t, err)
	_, _, err = New(context.Background(), cfg, "missing")
	require.Error(t, err)
}
