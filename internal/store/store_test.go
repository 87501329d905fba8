package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var runCols = []string{"id", "primary_entity_id", "secondary_entity_id", "status", "started_at", "completed_at",
	"estimated_tokens", "estimated_cost", "actual_tokens", "actual_cost", "created_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return &Store{DB: db, now: func() time.Time { return fixedNow }}, mock
}

func TestCreateEntityAssignsID(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entities")).
		WithArgs(sqlmock.AnyArg(), "Acme", "https://acme.test", "Retail", "", sqlmock.AnyArg(), []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := st.CreateEntity(context.Background(), protocol.Entity{Name: "Acme", Website: "https://acme.test", Industry: "Retail"})
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestGetEntityDecodesTagsAndDocuments(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM entities WHERE id=$1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "website", "industry", "description", "tags", "documents"}).
			AddRow("e1", "Acme", "https://acme.test", "Retail", "Parcel lockers", "{retail,logistics}",
				[]byte(`[{"id":"d1","title":"About","text":"Acme runs lockers."}]`)))

	e, err := st.GetEntity(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.Name)
	assert.Equal(t, []string{"retail", "logistics"}, e.Tags)
	require.Len(t, e.Documents, 1)
	assert.Equal(t, "About", e.Documents[0].Title)
}

func TestGetEntityNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM entities WHERE id=$1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetEntity(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrEntityNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRunScansNullableColumns(t *testing.T) {
	st, mock := newMockStore(t)
	started := fixedNow.Add(-time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE id=$1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow("run-1", "e1", nil, "running", started, nil, int64(9000), "0.0450", int64(0), "0", fixedNow))

	r, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.RunRunning, r.Status)
	assert.False(t, r.HasSecondary())
	require.NotNil(t, r.StartedAt)
	assert.True(t, started.Equal(*r.StartedAt))
	assert.Nil(t, r.CompletedAt)
	assert.True(t, decimal.RequireFromString("0.045").Equal(r.EstimatedCost))
}

func TestGetRunNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE id=$1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(runCols))

	_, err := st.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, protocol.ErrRunNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRunStatusRunning(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET")).
		WithArgs("run-1", "running", fixedNow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.SetRunStatus(context.Background(), "run-1", protocol.RunRunning))
}

func TestSetRunStatusRejectsTransition(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET")).
		WithArgs("run-1", "running", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE id=$1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow("run-1", "e1", "e2", "completed", fixedNow, fixedNow, int64(0), "0", int64(0), "0", fixedNow))

	err := st.SetRunStatus(context.Background(), "run-1", protocol.RunRunning)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "from completed to running")
}

func TestSetRunStatusPendingNeverAllowed(t *testing.T) {
	st, _ := newMockStore(t)
	err := st.SetRunStatus(context.Background(), "run-1", protocol.RunPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateRunUsage(t *testing.T) {
	st, mock := newMockStore(t)
	usage := protocol.RunUsage{
		EstimatedTokens: 1000,
		EstimatedCost:   decimal.RequireFromString("0.01"),
		ActualTokens:    800,
		ActualCost:      decimal.RequireFromString("0.008"),
	}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET estimated_tokens=$2")).
		WithArgs("run-1", int64(1000), sqlmock.AnyArg(), int64(800), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET estimated_tokens=$2")).
		WithArgs("gone", int64(1000), sqlmock.AnyArg(), int64(800), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.UpdateRunUsage(context.Background(), "run-1", usage))
	assert.ErrorIs(t, st.UpdateRunUsage(context.Background(), "gone", usage), protocol.ErrRunNotFound)
}

// jsonArg matches a JSON argument by decoded field value.
type jsonArg struct {
	field string
	want  any
}

func (a jsonArg) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return false
	}
	return doc[a.field] == a.want
}

func TestUpsertStepResult(t *testing.T) {
	st, mock := newMockStore(t)
	res := protocol.StepResult{
		RunID:      "run-1",
		StepCode:   "S02",
		Status:     protocol.StepCompleted,
		Payload:    protocol.Payload{Kind: protocol.KindPressures, Summary: "Margins are thin."},
		Citations:  citations.FromStrings("https://news.test/a"),
		Duration:   1500 * time.Millisecond,
		TokensUsed: 120,
		Cost:       decimal.RequireFromString("0.002"),
		Attempts:   2,
	}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (run_id, step_code) DO UPDATE SET")).
		WithArgs("run-1", "S02", "completed", jsonArg{field: "summary", want: "Margins are thin."}, sqlmock.AnyArg(),
			int64(1500), int64(120), sqlmock.AnyArg(), int64(2), "", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.UpsertStepResult(context.Background(), res))
}

func TestUpsertStepResultWrapsDriverError(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO step_results")).
		WillReturnError(errors.New("connection reset"))

	err := st.UpsertStepResult(context.Background(), protocol.StepResult{RunID: "run-1", StepCode: "S01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-1/S01")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetStepResultsDecodesRows(t *testing.T) {
	st, mock := newMockStore(t)
	cols := []string{"run_id", "step_code", "status", "payload", "citations", "duration_ms", "tokens_used", "cost", "attempts", "error", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM step_results WHERE run_id=$1 ORDER BY step_code")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-1", "S01", "completed", []byte(`{"kind":"general","summary":"Acme sells lockers.","key_points":[]}`),
				[]byte(`[{"url":"https://acme.test"}]`), int64(2000), int64(300), "0.003", 1, "", fixedNow).
			AddRow("run-1", "S02", "failed", []byte(`{"kind":"pressures","placeholder":true,"placeholder_reason":"timeout"}`),
				[]byte(`[]`), int64(0), int64(0), "0", 1, "timeout", fixedNow))

	got, err := st.GetStepResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2*time.Second, got[0].Duration)
	assert.Equal(t, "Acme sells lockers.", got[0].Payload.Summary)
	require.Len(t, got[0].Citations, 1)
	assert.True(t, got[0].Canonical())
	assert.False(t, got[1].Canonical())
	assert.Equal(t, "timeout", got[1].Error)
}

func TestBundleRoundTripThroughColumns(t *testing.T) {
	st, mock := newMockStore(t)
	bundle := &synthesis.Bundle{RunID: "run-1", PrimaryName: "Acme", StepCodes: []string{"S01"}, GeneratedAt: fixedNow}
	body, err := json.Marshal(bundle)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO synthesis_bundles")).
		WithArgs("run-1", body, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT bundle FROM synthesis_bundles WHERE run_id=$1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"bundle"}).AddRow(body))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT bundle FROM synthesis_bundles WHERE run_id=$1")).
		WithArgs("run-2").
		WillReturnRows(sqlmock.NewRows([]string{"bundle"}))

	ctx := context.Background()
	require.NoError(t, st.SaveSynthesisBundle(ctx, "run-1", bundle))
	loaded, err := st.LoadSynthesisBundle(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", loaded.PrimaryName)
	assert.Equal(t, []string{"S01"}, loaded.StepCodes)

	_, err = st.LoadSynthesisBundle(ctx, "run-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllowedFromFollowsLifecycle(t *testing.T) {
	assert.Equal(t, []string{"pending"}, allowedFrom(protocol.RunRunning))
	assert.Equal(t, []string{"running"}, allowedFrom(protocol.RunCompleted))
	assert.Equal(t, []string{"pending", "running"}, allowedFrom(protocol.RunFailed))
	assert.Empty(t, allowedFrom(protocol.RunPending))
}
