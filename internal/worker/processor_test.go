package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/store"
	"github.com/mohammad-safakhou/dossier/internal/synthesis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProtocol struct {
	st       *store.Memory
	fail     map[string]bool
	claimed  map[string]bool
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	after    func()
}

func (f *fakeProtocol) ExecuteProtocol(ctx context.Context, runID string) (bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.after != nil {
		defer f.after()
	}
	if f.claimed[runID] {
		return false, fmt.Errorf("run %s: %w", runID, protocol.ErrRunClaimed)
	}
	if f.fail[runID] {
		return false, &protocol.SetupError{RunID: runID, Op: "load run", Err: protocol.ErrRunNotFound}
	}
	if f.st != nil {
		if err := f.st.SetRunStatus(ctx, runID, protocol.RunRunning); err != nil {
			return false, err
		}
		if err := f.st.SetRunStatus(ctx, runID, protocol.RunCompleted); err != nil {
			return false, err
		}
	}
	return true, nil
}

type fakeBuilder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeBuilder) BuildRun(_ context.Context, _ synthesis.Store, runID string) (*synthesis.Bundle, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &synthesis.Bundle{RunID: runID}, nil
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *recordingReporter) Report(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func TestProcessRunsBothStages(t *testing.T) {
	proto := &fakeProtocol{}
	builder := &fakeBuilder{}
	p := NewProcessor(store.NewMemory(), proto, builder)

	out := p.Process(context.Background(), "run-1")
	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	require.NotNil(t, out.Bundle)
	assert.Equal(t, "run-1", out.Bundle.RunID)
	assert.EqualValues(t, 1, builder.calls.Load())
}

func TestProcessSkipsSynthesisWhenProtocolFails(t *testing.T) {
	proto := &fakeProtocol{fail: map[string]bool{"run-1": true}}
	builder := &fakeBuilder{}
	reporter := &recordingReporter{}
	p := NewProcessor(store.NewMemory(), proto, builder, WithReporter(reporter))

	out := p.Process(context.Background(), "run-1")
	require.Error(t, out.Err)
	var setupErr *protocol.SetupError
	assert.ErrorAs(t, out.Err, &setupErr)
	assert.Zero(t, builder.calls.Load())
	assert.Empty(t, reporter.errs)
}

func TestProcessReportsSynthesisFailure(t *testing.T) {
	serr := &synthesis.Error{RunID: "run-1", Phase: synthesis.PhaseVoice, Method: "enforceVoice", Message: "boom"}
	reporter := &recordingReporter{}
	p := NewProcessor(store.NewMemory(), &fakeProtocol{}, &fakeBuilder{err: serr}, WithReporter(reporter))

	out := p.Process(context.Background(), "run-1")
	assert.ErrorIs(t, out.Err, serr)
	assert.True(t, out.Completed)
	require.Len(t, reporter.tags, 1)
	assert.Equal(t, map[string]string{"run_id": "run-1", "phase": "voice", "method": "enforceVoice"}, reporter.tags[0])
}

func TestProcessSkipsRunClaimedElsewhere(t *testing.T) {
	builder := &fakeBuilder{}
	reporter := &recordingReporter{}
	p := NewProcessor(store.NewMemory(), &fakeProtocol{claimed: map[string]bool{"run-1": true}}, builder, WithReporter(reporter))

	out := p.Process(context.Background(), "run-1")
	assert.NoError(t, out.Err)
	assert.True(t, out.Skipped)
	assert.False(t, out.Completed)
	assert.Nil(t, out.Bundle)
	assert.Zero(t, builder.calls.Load())
	assert.Empty(t, reporter.errs)
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	proto := &fakeProtocol{delay: 20 * time.Millisecond}
	p := NewProcessor(store.NewMemory(), proto, &fakeBuilder{})
	runner := NewRunner(p, 2, nil)

	ids := []string{"a", "b", "c", "d", "e"}
	outcomes := runner.RunAll(context.Background(), ids)
	require.Len(t, outcomes, len(ids))
	for i, o := range outcomes {
		assert.Equal(t, ids[i], o.RunID)
		assert.NoError(t, o.Err)
	}
	assert.EqualValues(t, 5, proto.calls.Load())
	assert.LessOrEqual(t, proto.peak.Load(), int32(2))
}

func TestRunAllKeepsGoingAfterFailure(t *testing.T) {
	proto := &fakeProtocol{fail: map[string]bool{"b": true}}
	runner := NewRunner(NewProcessor(store.NewMemory(), proto, &fakeBuilder{}), 3, nil)

	outcomes := runner.RunAll(context.Background(), []string{"a", "b", "c"})
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
}

func TestRunAllWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proto := &fakeProtocol{}
	runner := NewRunner(NewProcessor(store.NewMemory(), proto, &fakeBuilder{}), 1, nil)

	outcomes := runner.RunAll(ctx, []string{"a", "b"})
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
	assert.Zero(t, proto.calls.Load())
}

func TestStartProcessesPendingRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	entity, err := mem.CreateEntity(ctx, protocol.Entity{Name: "Acme"})
	require.NoError(t, err)
	runID, err := mem.CreateRun(ctx, entity, "")
	require.NoError(t, err)

	proto := &fakeProtocol{st: mem, after: cancel}
	builder := &fakeBuilder{}
	p := NewProcessor(mem, proto, builder)

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx, NewRunner(p, 1, nil), 10*time.Millisecond, 5) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	run, err := mem.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, protocol.RunCompleted, run.Status)
	assert.EqualValues(t, 1, proto.calls.Load())
}

func TestSentryReporterTagsEvent(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	r, err := newSentryReporter(sentry.ClientOptions{
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	r.Report(context.Background(), errors.New("synthesis failed"), map[string]string{"run_id": "run-9", "phase": "render"})
	r.Flush(time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "run-9", events[0].Tags["run_id"])
	assert.Equal(t, "render", events[0].Tags["phase"])
	assert.Equal(t, sentry.LevelError, events[0].Level)
}
