// Package protocol executes the fixed research protocol for a run: one
// retrieval and generation pass per step, validated against the step schema,
// with placeholders standing in for steps that cannot produce valid data.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/retrieval"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanTransition reports whether a run may move from s to next. A run moves
// pending → running → completed|failed and never regresses; failed is also
// reachable directly from pending for setup errors.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunCompleted || next == RunFailed
	default:
		return false
	}
}

// Run is one protocol execution.
type Run struct {
	ID                string          `json:"id"`
	PrimaryEntityID   string          `json:"primary_entity_id"`
	SecondaryEntityID string          `json:"secondary_entity_id,omitempty"`
	Status            RunStatus       `json:"status"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	EstimatedTokens   int64           `json:"estimated_tokens"`
	EstimatedCost     decimal.Decimal `json:"estimated_cost"`
	ActualTokens      int64           `json:"actual_tokens"`
	ActualCost        decimal.Decimal `json:"actual_cost"`
	CreatedAt         time.Time       `json:"created_at"`
}

// HasSecondary reports whether the run compares two entities.
func (r Run) HasSecondary() bool { return r.SecondaryEntityID != "" }

// RunUsage carries the estimated and actual totals written at finalize.
type RunUsage struct {
	EstimatedTokens int64
	EstimatedCost   decimal.Decimal
	ActualTokens    int64
	ActualCost      decimal.Decimal
}

// Entity is a business entity a run researches.
type Entity struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Website     string               `json:"website,omitempty"`
	Industry    string               `json:"industry,omitempty"`
	Description string               `json:"description,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Documents   []retrieval.Document `json:"documents,omitempty"`
}

// StepStatus is the outcome of a step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult is the single record kept per (run, step code).
type StepResult struct {
	RunID      string                  `json:"run_id"`
	StepCode   string                  `json:"step_code"`
	Status     StepStatus              `json:"status"`
	Payload    Payload                 `json:"payload"`
	Citations  []citations.RawCitation `json:"citations"`
	Duration   time.Duration           `json:"duration"`
	TokensUsed int64                   `json:"tokens_used"`
	Cost       decimal.Decimal         `json:"cost"`
	Attempts   int                     `json:"attempts"`
	Error      string                  `json:"error,omitempty"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// Canonical reports whether the result carries real data for a known step.
func (r StepResult) Canonical() bool {
	return stepCodePattern.MatchString(r.StepCode) && r.Status == StepCompleted && !r.Payload.Placeholder
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (Run, error)
	GetEntity(ctx context.Context, entityID string) (Entity, error)
	SetRunStatus(ctx context.Context, runID string, status RunStatus) error
	UpsertStepResult(ctx context.Context, result StepResult) error
	GetStepResults(ctx context.Context, runID string) ([]StepResult, error)
	UpdateRunUsage(ctx context.Context, runID string, usage RunUsage) error
}

var (
	// ErrRunNotFound is returned by stores when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
	// ErrEntityNotFound is returned by stores when an entity id is unknown.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidTransition is returned by stores when a status write would
	// break the run lifecycle.
	ErrInvalidTransition = errors.New("invalid run status transition")
	// ErrRunClaimed means another worker owns the run. The run is left as is.
	ErrRunClaimed = errors.New("run claimed by another worker")
)

// SetupError reports a failure before the step loop could run. The run is
// marked failed when one is returned.
type SetupError struct {
	RunID string
	Op    string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("protocol setup for run %s: %s: %v", e.RunID, e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
