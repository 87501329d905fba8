package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/telemetry"
)

var synthesisTracer trace.Tracer = otel.Tracer("dossier/internal/synthesis")

// Engine builds synthesis bundles. Phases run once each, in order; the
// first failing phase aborts the build.
type Engine struct {
	drafter  Drafter
	fallback Drafter
	voice    *VoiceEnforcer
	checker  *SelfChecker
	enricher *Enricher
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = telemetry.OrNop(l) } }

// WithTracer overrides the package tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithMetrics records build outcomes.
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithDrafter sets the primary section drafter. The template drafter is
// used when none is set and as the per-section fallback.
func WithDrafter(d Drafter) Option { return func(e *Engine) { e.drafter = d } }

// WithTitleResolver enables title lookup for citations without one.
func WithTitleResolver(r TitleResolver) Option { return func(e *Engine) { e.enricher.titles = r } }

// WithClock overrides time.Now for recency scoring and bundle timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine.
func NewEngine(cfg config.SynthesisConfig, citationCfg config.CitationConfig, opts ...Option) *Engine {
	cfg = cfg.Normalize()
	e := &Engine{
		fallback: TemplateDrafter{},
		voice:    NewVoiceEnforcer(),
		checker:  NewSelfChecker(cfg.MinSummaryChars),
		enricher: &Enricher{policy: citations.NewPolicy(citationCfg), titleTimeout: cfg.TitleTimeout},
		logger:   zap.NewNop(),
		tracer:   synthesisTracer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.drafter == nil {
		e.drafter = e.fallback
	}
	e.enricher.scorer = citations.NewScorer(citationCfg, e.now)
	e.enricher.logger = e.logger
	return e
}

type buildState struct {
	in       Input
	results  []protocol.StepResult
	codes    []string
	bundle   *Bundle
	reasons  map[string]string
	sections []Section
}

type phaseStep struct {
	phase  Phase
	method string
	run    func(ctx context.Context, st *buildState) error
}

// Build runs every phase over in and returns the finished bundle, or an
// *Error naming the phase that failed.
func (e *Engine) Build(ctx context.Context, in Input) (*Bundle, error) {
	ctx, span := e.tracer.Start(ctx, "synthesis.build", trace.WithAttributes(attribute.String("run_id", in.Run.ID)))
	defer span.End()
	logger := e.logger.With(zap.String("run_id", in.Run.ID))

	st := &buildState{in: in, reasons: map[string]string{}}
	steps := []phaseStep{
		{PhaseStart, "checkInput", e.start},
		{PhasePatterns, "detectPatterns", e.patterns},
		{PhaseBridge, "buildBridge", e.bridge},
		{PhaseSections, "draftSections", e.sections},
		{PhaseVoice, "enforceVoice", e.voicePhase},
		{PhaseSelfCheck, "checkSections", e.selfCheck},
		{PhaseCitations, "enrichCitations", e.enrichCitations},
		{PhaseRender, "renderBundle", e.render},
	}
	for _, step := range steps {
		if err := e.runPhase(ctx, logger, st, step); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.RecordSynthesis(ctx, string(step.phase))
			return nil, err
		}
	}
	logger.Info("synthesis completed",
		zap.String("phase", string(PhaseDone)),
		zap.Int("sections", len(st.bundle.Sections)),
		zap.Int("fallbacks", len(st.reasons)),
		zap.Int("citations", len(st.bundle.Citations)),
		zap.Bool("self_check_pass", st.bundle.SelfCheck.Pass))
	e.metrics.RecordSynthesis(ctx, "")
	return st.bundle, nil
}

func (e *Engine) runPhase(ctx context.Context, logger *zap.Logger, st *buildState, step phaseStep) (err error) {
	ctx, span := e.tracer.Start(ctx, "synthesis."+string(step.phase))
	defer span.End()
	logger.Debug("synthesis phase", zap.String("phase", string(step.phase)))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			serr := newError(st.in.Run.ID, step.phase, step.method, st.codes, err)
			logger.Error("synthesis failed",
				zap.String("phase", string(step.phase)),
				zap.String("method", step.method),
				zap.Strings("step_codes", serr.StepCodes),
				zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, serr.Message)
			err = serr
		}
	}()
	return step.run(ctx, st)
}

func (e *Engine) start(_ context.Context, st *buildState) error {
	st.results = st.in.canonical()
	if len(st.results) == 0 {
		return fmt.Errorf("run has %d step results and none is canonical: %w", len(st.in.Results), ErrNoCanonicalData)
	}
	for _, r := range st.results {
		st.codes = append(st.codes, r.StepCode)
	}
	st.bundle = &Bundle{
		RunID:         st.in.Run.ID,
		PrimaryName:   st.in.Primary.Name,
		SecondaryName: st.in.SecondaryName(),
		StepCodes:     st.codes,
		GeneratedAt:   e.now().UTC(),
	}
	return nil
}

func (e *Engine) patterns(_ context.Context, st *buildState) error {
	st.bundle.Patterns = DetectPatterns(st.results)
	if len(st.bundle.Patterns.Themes) == 0 || len(st.bundle.Patterns.Levers) == 0 {
		return errors.New("no themes or levers could be derived")
	}
	return nil
}

func (e *Engine) bridge(_ context.Context, st *buildState) error {
	st.bundle.Bridge = BuildBridge(st.in.Primary, st.in.Secondary, st.results)
	return nil
}

func (e *Engine) sections(ctx context.Context, st *buildState) error {
	in := DraftInput{Input: st.in, Results: st.results, Patterns: st.bundle.Patterns, Bridge: st.bundle.Bridge}
	for _, name := range SectionNames {
		res := e.draftSection(ctx, name, in)
		if res.FallbackReason != "" {
			st.reasons[name] = res.FallbackReason
			e.logger.Warn("section drafted by fallback",
				zap.String("run_id", st.in.Run.ID),
				zap.String("section", name),
				zap.String("reason", res.FallbackReason))
		}
		if !res.Section.Meaningful() {
			return fmt.Errorf("section %s has no content after fallback", name)
		}
		st.sections = append(st.sections, res.Section)
	}
	if len(st.reasons) > 0 {
		st.bundle.FallbackReasons = st.reasons
	}
	return nil
}

// draftSection drafts one section, replacing a failed draft with the
// template version.
func (e *Engine) draftSection(ctx context.Context, name string, in DraftInput) SectionResult {
	s, err := safeDraft(ctx, e.drafter, name, in)
	if err == nil && s.Meaningful() {
		return SectionResult{Section: s}
	}
	reason := "draft was empty"
	if err != nil {
		reason = err.Error()
	}
	fb, fbErr := safeDraft(ctx, e.fallback, name, in)
	if fbErr != nil {
		return SectionResult{Section: Section{Name: name, Title: sectionTitles[name], Fallback: true}, FallbackReason: reason + "; fallback: " + fbErr.Error()}
	}
	fb.Fallback = true
	return SectionResult{Section: fb, FallbackReason: reason}
}

func safeDraft(ctx context.Context, d Drafter, name string, in DraftInput) (s Section, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("drafter panic: %v", r)
		}
	}()
	return d.Draft(ctx, name, in)
}

func (e *Engine) voicePhase(_ context.Context, st *buildState) error {
	st.bundle.Sections, st.bundle.VoiceReport = e.voice.Apply(st.sections)
	return nil
}

func (e *Engine) selfCheck(_ context.Context, st *buildState) error {
	st.bundle.SelfCheck = e.checker.Check(st.bundle.Sections, st.in)
	return nil
}

func (e *Engine) enrichCitations(ctx context.Context, st *buildState) error {
	cs, metrics, stats := e.enricher.Enrich(ctx, st.bundle.Sections, st.results)
	st.bundle.Citations = cs
	st.bundle.Diversity = metrics
	e.metrics.RecordCitationDiscards(ctx, stats.Malformed, stats.Denied)
	return nil
}

func (e *Engine) render(_ context.Context, st *buildState) error {
	st.bundle.RenderedText = RenderMarkdown(st.bundle)
	data, err := RenderJSON(st.bundle)
	if err != nil {
		return err
	}
	st.bundle.RenderedJSON = data
	return nil
}
