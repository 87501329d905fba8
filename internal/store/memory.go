package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
)

var (
	_ protocol.Store  = (*Memory)(nil)
	_ synthesis.Store = (*Memory)(nil)
)

// Memory is an in-process store with the same semantics as Store. Values are
// copied in and out so callers never share state with it.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]protocol.Entity
	runs     map[string]protocol.Run
	results  map[string]map[string]protocol.StepResult
	bundles  map[string][]byte
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities: map[string]protocol.Entity{},
		runs:     map[string]protocol.Run{},
		results:  map[string]map[string]protocol.StepResult{},
		bundles:  map[string][]byte{},
		now:      time.Now,
	}
}

func (m *Memory) CreateEntity(_ context.Context, e protocol.Entity) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Tags = append([]string(nil), e.Tags...)
	e.Documents = append(e.Documents[:0:0], e.Documents...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return e.ID, nil
}

func (m *Memory) GetEntity(_ context.Context, entityID string) (protocol.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[entityID]
	if !ok {
		return protocol.Entity{}, fmt.Errorf("entity %s: %w (%w)", entityID, protocol.ErrEntityNotFound, ErrNotFound)
	}
	return e, nil
}

func (m *Memory) CreateRun(_ context.Context, primaryID, secondaryID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[primaryID]; !ok {
		return "", fmt.Errorf("insert run: primary %s: %w", primaryID, protocol.ErrEntityNotFound)
	}
	if secondaryID != "" {
		if _, ok := m.entities[secondaryID]; !ok {
			return "", fmt.Errorf("insert run: secondary %s: %w", secondaryID, protocol.ErrEntityNotFound)
		}
	}
	id := uuid.NewString()
	m.runs[id] = protocol.Run{
		ID:                id,
		PrimaryEntityID:   primaryID,
		SecondaryEntityID: secondaryID,
		Status:            protocol.RunPending,
		CreatedAt:         m.now().UTC(),
	}
	return id, nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (protocol.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return protocol.Run{}, fmt.Errorf("run %s: %w (%w)", runID, protocol.ErrRunNotFound, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) ListRunsByStatus(_ context.Context, status protocol.RunStatus, limit int) ([]protocol.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []protocol.Run
	for _, r := range m.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetRunStatus(_ context.Context, runID string, status protocol.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w (%w)", runID, protocol.ErrRunNotFound, ErrNotFound)
	}
	if !r.Status.CanTransition(status) {
		return fmt.Errorf("%w: run %s from %s to %s", ErrInvalidTransition, runID, r.Status, status)
	}
	now := m.now().UTC()
	r.Status = status
	switch {
	case status == protocol.RunRunning:
		r.StartedAt = &now
	case status.Terminal():
		r.CompletedAt = &now
	}
	m.runs[runID] = r
	return nil
}

func (m *Memory) UpdateRunUsage(_ context.Context, runID string, usage protocol.RunUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w (%w)", runID, protocol.ErrRunNotFound, ErrNotFound)
	}
	r.EstimatedTokens = usage.EstimatedTokens
	r.EstimatedCost = usage.EstimatedCost
	r.ActualTokens = usage.ActualTokens
	r.ActualCost = usage.ActualCost
	m.runs[runID] = r
	return nil
}

func (m *Memory) UpsertStepResult(_ context.Context, r protocol.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; !ok {
		return fmt.Errorf("upsert step result %s/%s: %w", r.RunID, r.StepCode, protocol.ErrRunNotFound)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now().UTC()
	}
	r.Citations = append(r.Citations[:0:0], r.Citations...)
	byCode, ok := m.results[r.RunID]
	if !ok {
		byCode = map[string]protocol.StepResult{}
		m.results[r.RunID] = byCode
	}
	byCode[r.StepCode] = r
	return nil
}

func (m *Memory) GetStepResults(_ context.Context, runID string) ([]protocol.StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byCode := m.results[runID]
	out := make([]protocol.StepResult, 0, len(byCode))
	for _, r := range byCode {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepCode < out[j].StepCode })
	return out, nil
}

// SaveSynthesisBundle keeps the bundle encoded so later mutation by the
// caller does not leak into the store.
func (m *Memory) SaveSynthesisBundle(_ context.Context, runID string, bundle *synthesis.Bundle) error {
	if bundle == nil {
		return fmt.Errorf("save bundle for run %s: nil bundle", runID)
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[runID] = body
	return nil
}

func (m *Memory) LoadSynthesisBundle(_ context.Context, runID string) (*synthesis.Bundle, error) {
	m.mu.RLock()
	body, ok := m.bundles[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bundle for run %s: %w", runID, ErrNotFound)
	}
	var b synthesis.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode bundle for run %s: %w", runID, err)
	}
	return &b, nil
}
