package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/llm"
	"github.com/mohammad-safakhou/dossier/internal/retrieval"
	"github.com/mohammad-safakhou/dossier/internal/retry"
	"github.com/mohammad-safakhou/dossier/internal/telemetry"
)

// StepInput is everything the executor needs to run one step.
type StepInput struct {
	Step      StepDefinition
	Primary   string
	Secondary string
	Context   []retrieval.Chunk
	// Feedback holds validation errors from the previous attempt.
	Feedback []string
}

// StepOutput is the raw outcome of the external calls of a step.
type StepOutput struct {
	Search     retrieval.Result
	Generation llm.Generation
	TokensUsed int64
	Cost       decimal.Decimal
}

// CallError identifies which external call of a step failed.
type CallError struct {
	Call string
	Err  error
}

func (e *CallError) Error() string { return e.Call + ": " + e.Err.Error() }

func (e *CallError) Unwrap() error { return e.Err }

// StepExecutor performs the retrieval and generation calls of a step, each
// with its own retry policy.
type StepExecutor struct {
	searcher     retrieval.Searcher
	generator    llm.Generator
	pricing      llm.Pricing
	searchCost   decimal.Decimal
	searchPolicy retry.Policy
	genPolicy    retry.Policy
	logger       *zap.Logger
}

// NewStepExecutor wires the external services with retry policies derived
// from cfg.
func NewStepExecutor(searcher retrieval.Searcher, generator llm.Generator, pricing llm.Pricing, cfg config.ProtocolConfig, searchCost decimal.Decimal, logger *zap.Logger) *StepExecutor {
	cfg = cfg.Normalize()
	logger = telemetry.OrNop(logger)
	policy := func(service string, timeout time.Duration) retry.Policy {
		return retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.BackoffBase,
			Ceiling:    cfg.BackoffCeiling,
			Timeout:    timeout,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				logger.Warn("retrying call",
					zap.String("service", service),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			},
		}
	}
	return &StepExecutor{
		searcher:     searcher,
		generator:    generator,
		pricing:      pricing,
		searchCost:   searchCost,
		searchPolicy: policy("retrieval", cfg.RetrievalTimeout),
		genPolicy:    policy("generation", cfg.GenerationTimeout),
		logger:       logger,
	}
}

// Pricing returns the generation model pricing.
func (e *StepExecutor) Pricing() llm.Pricing { return e.pricing }

// SearchCost is the flat price of one retrieval call.
func (e *StepExecutor) SearchCost() decimal.Decimal { return e.searchCost }

// Run searches for the step query and generates a payload from the result.
// A failed call is returned as a *CallError; the output still carries the
// usage of any call that succeeded.
func (e *StepExecutor) Run(ctx context.Context, in StepInput) (StepOutput, error) {
	var out StepOutput
	res, err := e.Search(ctx, in.Step.BuildQuery(in.Primary, in.Secondary))
	if err != nil {
		return out, &CallError{Call: "retrieval", Err: err}
	}
	out.Search = res
	out.TokensUsed = int64(res.TokensUsed)
	out.Cost = e.searchCost
	return e.Regenerate(ctx, in, out)
}

// Regenerate repeats only the generation call against a previous search.
func (e *StepExecutor) Regenerate(ctx context.Context, in StepInput, prev StepOutput) (StepOutput, error) {
	out := prev
	gen, err := e.Generate(ctx,
		in.Step.BuildSystemPrompt(in.Primary, in.Secondary),
		BuildUserPrompt(in, prev.Search.Content))
	if err != nil {
		return out, &CallError{Call: "generation", Err: err}
	}
	out.Generation = gen
	out.TokensUsed += gen.TokensUsed()
	out.Cost = out.Cost.Add(e.pricing.Cost(gen.InputTokens, gen.OutputTokens))
	return out, nil
}

// Search calls the retrieval service with retries.
func (e *StepExecutor) Search(ctx context.Context, query string) (retrieval.Result, error) {
	return retry.Do(ctx, e.searchPolicy, func(ctx context.Context) (retrieval.Result, error) {
		return e.searcher.Search(ctx, query)
	})
}

// Generate calls the generation service with retries.
func (e *StepExecutor) Generate(ctx context.Context, systemPrompt, userPrompt string) (llm.Generation, error) {
	return retry.Do(ctx, e.genPolicy, func(ctx context.Context) (llm.Generation, error) {
		return e.generator.Generate(ctx, systemPrompt, userPrompt)
	})
}

var kindInstructions = map[Kind]string{
	KindGeneral:   "",
	KindPressures: `Include "pressures": an array of {"name", "description", "severity", "evidence"}.`,
	KindLevers:    `Include "levers": an array of {"name", "description", "impact"}.`,
	KindSignals:   `Include "signals": an array of {"signal", "window", "direction"}.`,
	KindMetrics:   `Include "metrics": an array of {"name", "value" (a number), "unit", "period"}.`,
}

// BuildUserPrompt assembles the generation prompt from the step objective,
// the research content, entity context and any validation feedback.
func BuildUserPrompt(in StepInput, research string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", render(in.Step.Objective, in.Primary, in.Secondary))
	fmt.Fprintf(&b, "Primary entity: %s\n", in.Primary)
	if in.Secondary != "" {
		fmt.Fprintf(&b, "Secondary entity: %s\n", in.Secondary)
	}
	b.WriteString("\nResearch:\n")
	if strings.TrimSpace(research) == "" {
		b.WriteString("(no research content was returned)\n")
	} else {
		b.WriteString(strings.TrimSpace(research))
		b.WriteString("\n")
	}
	if len(in.Context) > 0 {
		b.WriteString("\nKnown context:\n")
		for _, c := range in.Context {
			title := c.Title
			if title == "" {
				title = c.DocumentID
			}
			fmt.Fprintf(&b, "- [%s] %s\n", title, strings.TrimSpace(c.Text))
		}
	}
	b.WriteString("\nRespond with a single JSON object with \"summary\" (string), \"key_points\" (array of strings) and \"citations\" (array of URLs or {\"url\", \"title\"} objects).")
	if extra := kindInstructions[in.Step.Kind]; extra != "" {
		b.WriteString(" ")
		b.WriteString(extra)
	}
	b.WriteString("\n")
	if len(in.Feedback) > 0 {
		b.WriteString("\nYour previous response failed validation:\n")
		for _, f := range in.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("Return a corrected JSON object.\n")
	}
	return b.String()
}
