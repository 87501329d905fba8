// Package worker drives runs through the protocol and synthesis stages.
package worker

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

	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
	"github.com/mohammad-safakhou/dossier/internal/telemetry"
)

// ProtocolExecutor runs the research steps of a run.
type ProtocolExecutor interface {
	ExecuteProtocol(ctx context.Context, runID string) (bool, error)
}

// BundleBuilder builds and saves the synthesis bundle of a run.
type BundleBuilder interface {
	BuildRun(ctx context.Context, st synthesis.Store, runID string) (*synthesis.Bundle, error)
}

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	synthesis.Store
	ListRunsByStatus(ctx context.Context, status protocol.RunStatus, limit int) ([]protocol.Run, error)
}

// Reporter receives synthesis failures, e.g. for error tracking.
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// Outcome summarises what happened to one run.
type Outcome struct {
	RunID     string
	Completed bool
	// Skipped is set when another worker already owns the run.
	Skipped  bool
	Bundle   *synthesis.Bundle
	Err      error
	Duration time.Duration
}

// Processor executes the protocol for a run and then synthesizes it.
type Processor struct {
	store     StoreAPI
	protocol  ProtocolExecutor
	synthesis BundleBuilder
	reporter  Reporter
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.logger = telemetry.OrNop(l) } }

func WithReporter(r Reporter) Option { return func(p *Processor) { p.reporter = r } }

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewProcessor constructs a Processor.
func NewProcessor(st StoreAPI, proto ProtocolExecutor, builder BundleBuilder, opts ...Option) *Processor {
	p := &Processor{
		store:     st,
		protocol:  proto,
		synthesis: builder,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("dossier/internal/worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs both stages for runID. A protocol setup failure skips
// synthesis. Synthesis failures are reported and returned in the outcome.
func (p *Processor) Process(ctx context.Context, runID string) Outcome {
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()
	logger := p.logger.With(zap.String("run_id", runID))
	start := time.Now()
	out := Outcome{RunID: runID}

	ok, err := p.protocol.ExecuteProtocol(ctx, runID)
	if errors.Is(err, protocol.ErrRunClaimed) {
		out.Skipped = true
		out.Duration = time.Since(start)
		logger.Info("run owned by another worker, skipped")
		return out
	}
	if err != nil {
		out.Err = fmt.Errorf("protocol: %w", err)
		out.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "protocol failed")
		logger.Error("protocol failed", zap.Error(err))
		return out
	}
	out.Completed = ok

	bundle, err := p.synthesis.BuildRun(ctx, p.store, runID)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		logger.Error("synthesis failed", zap.Error(err))
		p.report(ctx, runID, err)
		return out
	}
	out.Bundle = bundle
	logger.Info("run processed",
		zap.Int("sections", len(bundle.Sections)),
		zap.Int("citations", len(bundle.Citations)),
		zap.Duration("duration", out.Duration))
	return out
}

func (p *Processor) report(ctx context.Context, runID string, err error) {
	if p.reporter == nil {
		return
	}
	tags := map[string]string{"run_id": runID}
	var serr *synthesis.Error
	if errors.As(err, &serr) {
		tags["phase"] = string(serr.Phase)
		tags["method"] = serr.Method
	}
	p.reporter.Report(ctx, err, tags)
}

// Start polls for pending runs every interval and processes them through
// runner until ctx is cancelled.
func (p *Processor) Start(ctx context.Context, runner *Runner, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.logger.Info("worker starting", zap.Duration("interval", interval), zap.Int("batch", batch))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		runs, err := p.store.ListRunsByStatus(ctx, protocol.RunPending, batch)
		if err != nil {
			p.logger.Warn("list pending runs failed", zap.Error(err))
		} else if len(runs) > 0 {
			ids := make([]string, 0, len(runs))
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			runner.RunAll(ctx, ids)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
		}
	}
}
