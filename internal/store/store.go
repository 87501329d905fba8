// Package store persists entities, runs, step results and synthesis bundles.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
)

// ErrNotFound is wrapped by every lookup miss alongside the domain sentinel
// (protocol.ErrRunNotFound or protocol.ErrEntityNotFound).
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status write would break the run lifecycle.
var ErrInvalidTransition = protocol.ErrInvalidTransition

var (
	_ protocol.Store  = (*Store)(nil)
	_ synthesis.Store = (*Store)(nil)
)

// Store is the Postgres-backed persistence used by the orchestrator and the
// synthesis engine.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("dossier/internal/store")
	var err error
	costCounter, err = meter.Float64Counter("run_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("run_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New connects using the storage.postgres section.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

// CreateEntity inserts e, assigning an id when empty, and returns the id.
func (s *Store) CreateEntity(ctx context.Context, e protocol.Entity) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	docs, err := json.Marshal(nonNil(e.Documents))
	if err != nil {
		return "", fmt.Errorf("encode documents: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO entities (id, name, website, industry, description, tags, documents)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.Name, e.Website, e.Industry, e.Description, pq.Array(nonNil(e.Tags)), docs)
	if err != nil {
		return "", fmt.Errorf("insert entity: %w", err)
	}
	return e.ID, nil
}

// GetEntity loads one entity by id.
func (s *Store) GetEntity(ctx context.Context, entityID string) (protocol.Entity, error) {
	var (
		e    protocol.Entity
		tags pq.StringArray
		docs []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, name, website, industry, description, tags, documents
FROM entities WHERE id=$1`, entityID).
		Scan(&e.ID, &e.Name, &e.Website, &e.Industry, &e.Description, &tags, &docs)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Entity{}, fmt.Errorf("entity %s: %w (%w)", entityID, protocol.ErrEntityNotFound, ErrNotFound)
	}
	if err != nil {
		return protocol.Entity{}, fmt.Errorf("select entity: %w", err)
	}
	e.Tags = []string(tags)
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &e.Documents); err != nil {
			return protocol.Entity{}, fmt.Errorf("decode documents of entity %s: %w", entityID, err)
		}
	}
	return e, nil
}

// CreateRun inserts a pending run and returns its id.
func (s *Store) CreateRun(ctx context.Context, primaryID, secondaryID string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO runs (id, primary_entity_id, secondary_entity_id, status, created_at)
VALUES ($1,$2,$3,$4,$5)`,
		id, primaryID, nullString(secondaryID), string(protocol.RunPending), s.clock())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

const runColumns = `id, primary_entity_id, secondary_entity_id, status, started_at, completed_at,
estimated_tokens, estimated_cost, actual_tokens, actual_cost, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (protocol.Run, error) {
	var (
		r         protocol.Run
		secondary sql.NullString
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PrimaryEntityID, &secondary, &status, &started, &completed,
		&r.EstimatedTokens, &r.EstimatedCost, &r.ActualTokens, &r.ActualCost, &r.CreatedAt)
	if err != nil {
		return protocol.Run{}, err
	}
	r.SecondaryEntityID = secondary.String
	r.Status = protocol.RunStatus(status)
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (protocol.Run, error) {
	r, err := scanRun(s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Run{}, fmt.Errorf("run %s: %w (%w)", runID, protocol.ErrRunNotFound, ErrNotFound)
	}
	if err != nil {
		return protocol.Run{}, fmt.Errorf("select run: %w", err)
	}
	return r, nil
}

// ListRunsByStatus returns up to limit runs in status, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status protocol.RunStatus, limit int) ([]protocol.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []protocol.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRunStatus moves a run to status. Entering running stamps started_at and
// entering a terminal status stamps completed_at. The update only applies when
// the current status allows the move.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status protocol.RunStatus) error {
	from := allowedFrom(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, status)
	}
	now := s.clock()
	res, err := s.DB.ExecContext(ctx, `
UPDATE runs SET
  status = $2,
  started_at = CASE WHEN $2 = 'running' THEN $3 ELSE started_at END,
  completed_at = CASE WHEN $2 IN ('completed','failed') THEN $3 ELSE completed_at END
WHERE id=$1 AND status = ANY($4)`,
		runID, string(status), now, pq.Array(from))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n == 0 {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s from %s to %s", ErrInvalidTransition, runID, run.Status, status)
	}
	return nil
}

func allowedFrom(next protocol.RunStatus) []string {
	var from []string
	for _, cur := range []protocol.RunStatus{protocol.RunPending, protocol.RunRunning, protocol.RunCompleted, protocol.RunFailed} {
		if cur.CanTransition(next) {
			from = append(from, string(cur))
		}
	}
	return from
}

// UpdateRunUsage writes estimated and actual totals of a run.
func (s *Store) UpdateRunUsage(ctx context.Context, runID string, usage protocol.RunUsage) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE runs SET estimated_tokens=$2, estimated_cost=$3, actual_tokens=$4, actual_cost=$5
WHERE id=$1`,
		runID, usage.EstimatedTokens, usage.EstimatedCost, usage.ActualTokens, usage.ActualCost)
	if err != nil {
		return fmt.Errorf("update run usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w (%w)", runID, protocol.ErrRunNotFound, ErrNotFound)
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil {
		attrs := otelmetric.WithAttributes(attribute.String("run_id", runID))
		if cost, _ := usage.ActualCost.Float64(); cost > 0 {
			costCounter.Add(ctx, cost, attrs)
		}
		if usage.ActualTokens > 0 {
			tokenCounter.Add(ctx, usage.ActualTokens, attrs)
		}
	}
	return nil
}

// UpsertStepResult keeps a single row per (run, step code); a repeated write
// replaces the earlier one.
func (s *Store) UpsertStepResult(ctx context.Context, r protocol.StepResult) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	cites, err := json.Marshal(nonNil(r.Citations))
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = s.clock()
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO step_results (run_id, step_code, status, payload, citations, duration_ms, tokens_used, cost, attempts, error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (run_id, step_code) DO UPDATE SET
  status = EXCLUDED.status,
  payload = EXCLUDED.payload,
  citations = EXCLUDED.citations,
  duration_ms = EXCLUDED.duration_ms,
  tokens_used = EXCLUDED.tokens_used,
  cost = EXCLUDED.cost,
  attempts = EXCLUDED.attempts,
  error = EXCLUDED.error,
  updated_at = EXCLUDED.updated_at`,
		r.RunID, r.StepCode, string(r.Status), payload, cites, r.Duration.Milliseconds(),
		r.TokensUsed, r.Cost, r.Attempts, r.Error, updated)
	if err != nil {
		return fmt.Errorf("upsert step result %s/%s: %w", r.RunID, r.StepCode, err)
	}
	return nil
}

// GetStepResults returns the results of a run ordered by step code.
func (s *Store) GetStepResults(ctx context.Context, runID string) ([]protocol.StepResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, step_code, status, payload, citations, duration_ms, tokens_used, cost, attempts, error, updated_at
FROM step_results WHERE run_id=$1 ORDER BY step_code`, runID)
	if err != nil {
		return nil, fmt.Errorf("select step results: %w", err)
	}
	defer rows.Close()
	var out []protocol.StepResult
	for rows.Next() {
		var (
			r        protocol.StepResult
			status   string
			payload  []byte
			cites    []byte
			duration int64
		)
		if err := rows.Scan(&r.RunID, &r.StepCode, &status, &payload, &cites, &duration,
			&r.TokensUsed, &r.Cost, &r.Attempts, &r.Error, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.Status = protocol.StepStatus(status)
		r.Duration = time.Duration(duration) * time.Millisecond
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", r.StepCode, err)
		}
		if len(cites) > 0 {
			if err := json.Unmarshal(cites, &r.Citations); err != nil {
				return nil, fmt.Errorf("decode citations of %s: %w", r.StepCode, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveSynthesisBundle replaces the bundle kept for runID.
func (s *Store) SaveSynthesisBundle(ctx context.Context, runID string, bundle *synthesis.Bundle) error {
	if bundle == nil {
		return fmt.Errorf("save bundle for run %s: nil bundle", runID)
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO synthesis_bundles (run_id, bundle, generated_at, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  bundle = EXCLUDED.bundle,
  generated_at = EXCLUDED.generated_at,
  updated_at = NOW()`, runID, body, bundle.GeneratedAt)
	if err != nil {
		return fmt.Errorf("upsert bundle for run %s: %w", runID, err)
	}
	return nil
}

// LoadSynthesisBundle returns the latest bundle of runID.
func (s *Store) LoadSynthesisBundle(ctx context.Context, runID string) (*synthesis.Bundle, error) {
	var body []byte
	err := s.DB.QueryRowContext(ctx, `SELECT bundle FROM synthesis_bundles WHERE run_id=$1`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select bundle: %w", err)
	}
	var b synthesis.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode bundle for run %s: %w", runID, err)
	}
	return &b, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
