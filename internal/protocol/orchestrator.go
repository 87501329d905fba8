package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/helpers"
	"github.com/mohammad-safakhou/dossier/internal/retrieval"
	"github.com/mohammad-safakhou/dossier/internal/schema"
	"github.com/mohammad-safakhou/dossier/internal/telemetry"
)

var protocolTracer trace.Tracer = otel.Tracer("dossier/internal/protocol")

// Estimated token split between prompt and completion.
const estimatedInputShare = 0.7

// Orchestrator drives the step executor across the step catalogue of a run.
type Orchestrator struct {
	store    Store
	executor *StepExecutor
	schemas  *schema.Registry
	steps    []StepDefinition
	cfg      config.ProtocolConfig
	index    *retrieval.ContextIndex
	policy   citations.Policy
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	now      func() time.Time
	force    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = telemetry.OrNop(l) } }

// WithTracer overrides the package tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithMetrics records step and citation counters.
func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithContextIndex sets the index entity documents are added to and step
// context is read from.
func WithContextIndex(x *retrieval.ContextIndex) Option {
	return func(o *Orchestrator) { o.index = x }
}

// WithCitationPolicy sets the domain policy applied after the run.
func WithCitationPolicy(p citations.Policy) Option { return func(o *Orchestrator) { o.policy = p } }

// WithForce re-executes runs already marked running, e.g. after a worker
// died mid-run.
func WithForce(force bool) Option { return func(o *Orchestrator) { o.force = force } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator creates an orchestrator for steps.
func NewOrchestrator(st Store, exec *StepExecutor, schemas *schema.Registry, steps []StepDefinition, cfg config.ProtocolConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		executor: exec,
		schemas:  schemas,
		steps:    steps,
		cfg:      cfg.Normalize(),
		logger:   zap.NewNop(),
		tracer:   protocolTracer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Steps returns the step catalogue the orchestrator runs.
func (o *Orchestrator) Steps() []StepDefinition { return o.steps }

type runSetup struct {
	run       Run
	primary   Entity
	secondary *Entity
}

// ExecuteProtocol runs every step for runID and persists one result per
// step. Step failures become placeholder results and never fail the run.
// It returns false with an error only when setup fails or persistence breaks,
// in which case the run is marked failed. A run owned by another worker is
// left untouched and ErrRunClaimed is returned.
func (o *Orchestrator) ExecuteProtocol(ctx context.Context, runID string) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "protocol.execute", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()
	logger := o.logger.With(zap.String("run_id", runID))

	setup, err := o.setup(ctx, runID)
	if err != nil {
		o.markFailed(ctx, logger, setup.run, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	run := setup.run
	if run.Status == RunRunning && !o.force {
		logger.Info("run already running, skipping")
		return false, fmt.Errorf("run %s: %w", runID, ErrRunClaimed)
	}
	if run.Status == RunPending {
		if err := o.store.SetRunStatus(ctx, runID, RunRunning); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// Lost the claim: the winner owns the run status.
				logger.Info("run claimed elsewhere", zap.Error(err))
				return false, fmt.Errorf("run %s: %w (%w)", runID, ErrRunClaimed, err)
			}
			err = &SetupError{RunID: runID, Op: "mark running", Err: err}
			o.markFailed(ctx, logger, run, err)
			span.RecordError(err)
			return false, err
		}
		run.Status = RunRunning
	} else if run.Status.Terminal() {
		logger.Info("re-executing steps for finished run", zap.String("status", string(run.Status)))
	}

	usage := o.estimate()
	logger.Info("protocol started",
		zap.Int("steps", len(o.steps)),
		zap.Bool("comparative", setup.secondary != nil),
		zap.Int64("estimated_tokens", usage.EstimatedTokens),
		zap.String("estimated_cost", usage.EstimatedCost.StringFixed(4)))

	placeholders := 0
	for _, step := range o.steps {
		result := o.executeStep(ctx, logger, setup, step)
		if err := o.store.UpsertStepResult(ctx, result); err != nil {
			err = fmt.Errorf("persist step %s for run %s: %w", step.Code, runID, err)
			o.markFailed(ctx, logger, run, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
		usage.ActualTokens += result.TokensUsed
		usage.ActualCost = usage.ActualCost.Add(result.Cost)
		if result.Payload.Placeholder {
			placeholders++
		}
		o.metrics.RecordStep(ctx, step.Code, string(result.Status), result.Attempts, result.Payload.Placeholder)
	}

	if err := o.store.UpdateRunUsage(ctx, runID, usage); err != nil {
		logger.Warn("failed to record run usage", zap.Error(err))
	}
	if run.Status.CanTransition(RunCompleted) {
		if err := o.store.SetRunStatus(ctx, runID, RunCompleted); err != nil {
			err = fmt.Errorf("mark run %s completed: %w", runID, err)
			o.markFailed(ctx, logger, run, err)
			span.RecordError(err)
			return false, err
		}
	}
	span.SetAttributes(attribute.Int("placeholders", placeholders))
	logger.Info("protocol completed",
		zap.Int("placeholders", placeholders),
		zap.Int64("tokens", usage.ActualTokens),
		zap.String("cost", usage.ActualCost.StringFixed(4)))

	o.normalizeCitations(ctx, logger, runID)
	return true, nil
}

func (o *Orchestrator) setup(ctx context.Context, runID string) (runSetup, error) {
	var s runSetup
	if len(o.steps) == 0 {
		return s, &SetupError{RunID: runID, Op: "load steps", Err: errors.New("no step definitions")}
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return s, &SetupError{RunID: runID, Op: "load run", Err: err}
	}
	s.run = run
	primary, err := o.store.GetEntity(ctx, run.PrimaryEntityID)
	if err != nil {
		return s, &SetupError{RunID: runID, Op: "load primary entity", Err: err}
	}
	s.primary = primary
	if run.HasSecondary() {
		secondary, err := o.store.GetEntity(ctx, run.SecondaryEntityID)
		if err != nil {
			return s, &SetupError{RunID: runID, Op: "load secondary entity", Err: err}
		}
		s.secondary = &secondary
	}
	if o.index != nil {
		for _, e := range s.entities() {
			if err := o.index.Add(e.ID, entityDocuments(e)...); err != nil {
				return s, &SetupError{RunID: runID, Op: "index entity " + e.ID, Err: err}
			}
		}
	}
	return s, nil
}

func (s runSetup) entities() []Entity {
	if s.secondary == nil {
		return []Entity{s.primary}
	}
	return []Entity{s.primary, *s.secondary}
}

func (s runSetup) secondaryName() string {
	if s.secondary == nil {
		return ""
	}
	return s.secondary.Name
}

// entityDocuments adds the entity profile as a document alongside its own.
func entityDocuments(e Entity) []retrieval.Document {
	profile := strings.TrimSpace(strings.Join([]string{e.Description, e.Industry, strings.Join(e.Tags, ", ")}, "\n"))
	docs := make([]retrieval.Document, 0, len(e.Documents)+1)
	if profile != "" {
		docs = append(docs, retrieval.Document{ID: "profile", Title: e.Name, URL: e.Website, Text: profile})
	}
	return append(docs, e.Documents...)
}

// markFailed moves the run to failed when its status allows it. It runs
// detached from ctx so a cancelled caller still records the failure.
func (o *Orchestrator) markFailed(ctx context.Context, logger *zap.Logger, run Run, cause error) {
	logger.Error("protocol failed", zap.Error(cause))
	if run.ID == "" || !run.Status.CanTransition(RunFailed) {
		return
	}
	if err := o.store.SetRunStatus(context.WithoutCancel(ctx), run.ID, RunFailed); err != nil {
		logger.Error("failed to mark run failed", zap.Error(err))
	}
}

func (o *Orchestrator) estimate() RunUsage {
	var usage RunUsage
	pricing := o.executor.Pricing()
	for _, step := range o.steps {
		usage.EstimatedTokens += step.EstimatedTokens
		in := int64(float64(step.EstimatedTokens) * estimatedInputShare)
		usage.EstimatedCost = usage.EstimatedCost.
			Add(pricing.Cost(in, step.EstimatedTokens-in)).
			Add(o.executor.SearchCost())
	}
	return usage
}

func (o *Orchestrator) contextChunks(logger *zap.Logger, setup runSetup, step StepDefinition) []retrieval.Chunk {
	if o.index == nil || o.cfg.ContextChunks <= 0 {
		return nil
	}
	query := render(step.Objective+" "+step.Query, setup.primary.Name, setup.secondaryName())
	var out []retrieval.Chunk
	for _, e := range setup.entities() {
		chunks, err := o.index.Search(e.ID, query, o.cfg.ContextChunks)
		if err != nil {
			logger.Warn("context search failed", zap.String("entity_id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, chunks...)
	}
	return out
}

func (o *Orchestrator) executeStep(ctx context.Context, logger *zap.Logger, setup runSetup, step StepDefinition) StepResult {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "protocol.step", trace.WithAttributes(attribute.String("step_code", step.Code)))
	defer span.End()
	logger = logger.With(zap.String("step_code", step.Code))

	result := StepResult{
		RunID:    setup.run.ID,
		StepCode: step.Code,
		Cost:     decimal.Zero,
	}
	finish := func() StepResult {
		result.Duration = o.now().Sub(start)
		result.UpdatedAt = o.now().UTC()
		span.SetAttributes(
			attribute.Int("attempts", result.Attempts),
			attribute.Bool("placeholder", result.Payload.Placeholder))
		return result
	}
	placeholder := func(reason string) StepResult {
		logger.Warn("step degraded to placeholder", zap.Int("attempt", result.Attempts), zap.String("reason", reason))
		span.SetStatus(codes.Error, reason)
		result.Status = StepFailed
		result.Payload = PlaceholderPayload(step.Kind, reason)
		result.Error = reason
		return finish()
	}

	in := StepInput{
		Step:      step,
		Primary:   setup.primary.Name,
		Secondary: setup.secondaryName(),
		Context:   o.contextChunks(logger, setup, step),
	}
	result.Attempts = 1
	out, err := o.executor.Run(ctx, in)
	for err == nil {
		result.Citations = out.Search.Citations
		payload, problems := o.evaluate(step, out.Generation.Content)
		if len(problems) == 0 {
			if payload.Repaired {
				logger.Info("step payload repaired", zap.Int("attempt", result.Attempts))
			}
			result.Status = StepCompleted
			result.Payload = payload
			result.Citations = mergeCitations(out.Search.Citations, payload.Citations)
			result.TokensUsed, result.Cost = out.TokensUsed, out.Cost
			logger.Debug("step completed", zap.Int("attempt", result.Attempts))
			return finish()
		}
		logger.Info("step payload invalid",
			zap.Int("attempt", result.Attempts),
			zap.Strings("problems", problems))
		if result.Attempts >= o.cfg.MaxAttempts {
			result.TokensUsed, result.Cost = out.TokensUsed, out.Cost
			return placeholder(fmt.Sprintf("validation failed after %d attempts: %s", result.Attempts, strings.Join(problems, "; ")))
		}
		result.Attempts++
		in.Feedback = problems
		out, err = o.executor.Regenerate(ctx, in, out)
	}
	result.Citations = out.Search.Citations
	result.TokensUsed, result.Cost = out.TokensUsed, out.Cost
	return placeholder(err.Error())
}

// evaluate decodes generated content and validates it against the step
// schema, repairing it when possible. Problems is empty on success.
func (o *Orchestrator) evaluate(step StepDefinition, content string) (Payload, []string) {
	doc, err := decodeJSON(content)
	if err != nil {
		return Payload{}, []string{err.Error()}
	}
	repaired := false
	if res := o.schemas.Validate(step.Code, doc); !res.Valid {
		fixed := o.schemas.Repair(step.Code, doc)
		if fixed == nil {
			return Payload{}, res.Messages()
		}
		doc, repaired = fixed, true
	}
	payload, err := DecodePayload(step.Kind, doc)
	if err != nil {
		return Payload{}, []string{err.Error()}
	}
	payload.Repaired = repaired
	return payload, nil
}

func decodeJSON(content string) (any, error) {
	content = strings.TrimSpace(content)
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err == nil {
		if _, ok := doc.(map[string]any); ok {
			return doc, nil
		}
	}
	if obj := helpers.ExtractJSONObject(content); obj != "" {
		if err := json.Unmarshal([]byte(obj), &doc); err == nil {
			return doc, nil
		}
	}
	return nil, errors.New("response is not a JSON object")
}

// mergeCitations joins search and payload citations, dropping exact repeats.
func mergeCitations(lists ...[]citations.RawCitation) []citations.RawCitation {
	seen := map[string]struct{}{}
	out := []citations.RawCitation{}
	for _, list := range lists {
		for _, c := range list {
			key, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// normalizeCitations rewrites every step's citations in canonical form and
// logs run-wide statistics. Failures are logged and never affect the run.
func (o *Orchestrator) normalizeCitations(ctx context.Context, logger *zap.Logger, runID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("citation normalization panicked", zap.Any("panic", r))
		}
	}()
	results, err := o.store.GetStepResults(ctx, runID)
	if err != nil {
		logger.Warn("citation normalization skipped", zap.Error(err))
		return
	}
	var total citations.Stats
	for _, r := range results {
		normalized, stats := citations.NormalizeAll(r.Citations, o.policy)
		total.Merge(stats)
		raws := make([]citations.RawCitation, 0, len(normalized))
		for _, c := range normalized {
			raws = append(raws, c.Raw())
		}
		r.Citations = raws
		if err := o.store.UpsertStepResult(ctx, r); err != nil {
			logger.Warn("failed to store normalized citations", zap.String("step_code", r.StepCode), zap.Error(err))
		}
	}
	o.metrics.RecordCitationDiscards(ctx, total.Malformed, total.Denied)
	logger.Info("citations normalized",
		zap.Int("total", total.Total),
		zap.Int("normalized", total.Normalized),
		zap.Int("pass_through", total.PassThrough),
		zap.Int("insufficient", total.Insufficient),
		zap.Int("malformed", total.Malformed),
		zap.Int("denied", total.Denied),
		zap.Int("unique_domains", len(total.DomainCounts)),
		zap.Float64("diversity", total.Diversity))
}
