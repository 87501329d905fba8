// Package llm adapts generation services to a single Generator contract.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mohammad-safakhou/dossier/config"
)

// Generation is the output of one generation call.
type Generation struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// TokensUsed is the total token count of the call.
func (g Generation) TokensUsed() int64 { return g.InputTokens + g.OutputTokens }

// Generator produces text, expected to be JSON, from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (Generation, error)
}

var thousand = decimal.NewFromInt(1000)

// Pricing is the per-1K-token price of a model.
type Pricing struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// PricingFor reads prices from model configuration.
func PricingFor(m config.LLMModel) Pricing {
	return Pricing{
		Input:  decimal.NewFromFloat(m.CostPer1K),
		Output: decimal.NewFromFloat(m.CostPer1KOutput),
	}
}

// Cost prices a call.
func (p Pricing) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := p.Input.Mul(decimal.NewFromInt(inputTokens)).Div(thousand)
	out := p.Output.Mul(decimal.NewFromInt(outputTokens)).Div(thousand)
	return in.Add(out)
}

// New builds the generator routed to modelKey.
func New(ctx context.Context, cfg config.LLMConfig, modelKey string) (Generator, Pricing, error) {
	name, provider, model, err := cfg.ResolveModel(modelKey)
	if err != nil {
		return nil, Pricing{}, err
	}
	if model.APIName == "" {
		model.APIName = modelKey
	}
	switch strings.ToLower(provider.Type) {
	case "openai":
		g, err := NewOpenAIGenerator(provider, model)
		if err != nil {
			return nil, Pricing{}, fmt.Errorf("provider %s: %w", name, err)
		}
		return g, PricingFor(model), nil
	case "gemini":
		g, err := NewGeminiGenerator(ctx, provider, model)
		if err != nil {
			return nil, Pricing{}, fmt.Errorf("provider %s: %w", name, err)
		}
		return g, PricingFor(model), nil
	default:
		return nil, Pricing{}, fmt.Errorf("provider %s: unsupported type %q", name, provider.Type)
	}
}
