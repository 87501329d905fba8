package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters recorded by the protocol and synthesis code.
// A nil *Metrics records nothing.
type Metrics struct {
	steps             otelmetric.Int64Counter
	stepAttempts      otelmetric.Int64Counter
	placeholders      otelmetric.Int64Counter
	citationsDiscard  otelmetric.Int64Counter
	synthesisBuilds   otelmetric.Int64Counter
	synthesisFailures otelmetric.Int64Counter
}

// NewMetrics registers instruments on meter, or on the global meter when nil.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("dossier")
	}
	m := &Metrics{}
	var err error
	if m.steps, err = meter.Int64Counter("protocol_steps_total",
		otelmetric.WithDescription("Protocol steps executed, by step code and status")); err != nil {
		return nil, err
	}
	if m.stepAttempts, err = meter.Int64Counter("protocol_step_attempts_total",
		otelmetric.WithDescription("Generation attempts made across protocol steps")); err != nil {
		return nil, err
	}
	if m.placeholders, err = meter.Int64Counter("protocol_placeholders_total",
		otelmetric.WithDescription("Protocol steps that degraded to a placeholder payload")); err != nil {
		return nil, err
	}
	if m.citationsDiscard, err = meter.Int64Counter("citations_discarded_total",
		otelmetric.WithDescription("Citations dropped as malformed or denied")); err != nil {
		return nil, err
	}
	if m.synthesisBuilds, err = meter.Int64Counter("synthesis_builds_total",
		otelmetric.WithDescription("Synthesis builds started")); err != nil {
		return nil, err
	}
	if m.synthesisFailures, err = meter.Int64Counter("synthesis_failures_total",
		otelmetric.WithDescription("Synthesis builds that failed, by phase")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordStep counts one finished step.
func (m *Metrics) RecordStep(ctx context.Context, code, status string, attempts int, placeholder bool) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("step", code), attribute.String("status", status))
	m.steps.Add(ctx, 1, attrs)
	m.stepAttempts.Add(ctx, int64(attempts), otelmetric.WithAttributes(attribute.String("step", code)))
	if placeholder {
		m.placeholders.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("step", code)))
	}
}

// RecordCitationDiscards counts citations dropped during normalization.
func (m *Metrics) RecordCitationDiscards(ctx context.Context, malformed, denied int) {
	if m == nil {
		return
	}
	if malformed > 0 {
		m.citationsDiscard.Add(ctx, int64(malformed), otelmetric.WithAttributes(attribute.String("reason", "malformed")))
	}
	if denied > 0 {
		m.citationsDiscard.Add(ctx, int64(denied), otelmetric.WithAttributes(attribute.String("reason", "denied")))
	}
}

// RecordSynthesis counts a synthesis build and, when failedPhase is set, its failure.
func (m *Metrics) RecordSynthesis(ctx context.Context, failedPhase string) {
	if m == nil {
		return
	}
	m.synthesisBuilds.Add(ctx, 1)
	if failedPhase != "" {
		m.synthesisFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("phase", failedPhase)))
	}
}
