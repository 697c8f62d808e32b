package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralph/internal/backlog"
	"ralph/internal/history"
	"ralph/internal/metrics"
	"ralph/internal/prompt"
	"ralph/internal/supervisor"
)

// fakeHistory records every Append call, grounded on the driver's
// History interface rather than a real SQLite store.
type fakeHistory struct {
	records []history.Record
}

func (f *fakeHistory) Append(ctx context.Context, rec history.Record) error {
	f.records = append(f.records, rec)
	return nil
}

// fakeSupervisor returns a fixed result/error for every Run call,
// grounded on the driver's Supervisor interface rather than a real
// subprocess.
type fakeSupervisor struct {
	result supervisor.Result
	err    error
}

func (f *fakeSupervisor) Run(ctx context.Context, s supervisor.Spawn, onDisplay func([]byte)) (supervisor.Result, error) {
	return f.result, f.err
}

func newTestStore(t *testing.T) *backlog.Store {
	t.Helper()
	dir := t.TempDir()
	s := backlog.New(dir)
	require.NoError(t, s.WriteIndex(&backlog.Index{StoryOrder: []string{"US-1"}, Pending: []string{"US-1"}}))
	require.NoError(t, s.WriteStory(&backlog.Story{ID: "US-1", Title: "first story"}))
	return s
}

func newTestDriver(t *testing.T, sup Supervisor) *Driver {
	t.Helper()
	store := newTestStore(t)
	composer := prompt.NewComposer("", "", nil)
	return New(Config{
		Store:      store,
		Composer:   composer,
		Supervisor: sup,
		Model:      "sonnet",
		WorkingDir: t.TempDir(),
		BacklogDir: "/prd",
	})
}

func TestRunIterationSuccessOnZeroExit(t *testing.T) {
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{ExitCode: 0, Stdout: "did the work"}})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "US-1", res.StoryID)
}

func TestRunIterationStatusCallbackReceivesPidAndError(t *testing.T) {
	var updates []StatusUpdate
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{ExitCode: 1, Pid: 4242, Stderr: "boom"}})
	d.cfg.OnStatus = func(update StatusUpdate) {
		updates = append(updates, update)
	}

	d.RunIteration(context.Background())

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, StatusError, last.State)
	assert.Equal(t, 4242, last.Pid)
	assert.Contains(t, last.Error, "subprocess exited 1")
}

func TestRunIterationCompletesStoryWhenSubprocessMarksPasses(t *testing.T) {
	store := newTestStore(t)
	story, err := store.ReadStory("US-1")
	require.NoError(t, err)
	story.Passes = true
	require.NoError(t, store.WriteStory(story))

	d := New(Config{
		Store:      store,
		Composer:   prompt.NewComposer("", "", nil),
		Supervisor: &fakeSupervisor{result: supervisor.Result{ExitCode: 0}},
		WorkingDir: t.TempDir(),
	})

	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	ix, err := store.ReadIndex()
	require.NoError(t, err)
	assert.Contains(t, ix.Completed, "US-1")
	assert.NotContains(t, ix.Pending, "US-1")
}

func TestRunIterationObservesCostWhenMetricsConfigured(t *testing.T) {
	store := newTestStore(t)
	rec := metrics.NewRecorder()
	d := New(Config{
		Store:      store,
		Composer:   prompt.NewComposer("", "", nil),
		Supervisor: &fakeSupervisor{result: supervisor.Result{ExitCode: 0, Stdout: "did the work"}},
		Model:      "sonnet",
		WorkingDir: t.TempDir(),
		Metrics:    rec,
	})

	d.RunIteration(context.Background())

	assert.Greater(t, rec.CumulativeCostUSD(), 0.0)
}

func TestBacklogCountsReflectsIndex(t *testing.T) {
	store := newTestStore(t)
	d := newTestDriver(t, &fakeSupervisor{})
	d.cfg.Store = store

	pending, blocked, completed := d.BacklogCounts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, blocked)
	assert.Equal(t, 0, completed)
}

func TestRunIterationPromiseCompleteOverridesNonZeroExit(t *testing.T) {
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{
		ExitCode: 1,
		Stdout:   "finishing up <promise>PRD_COMPLETE</promise>",
	}})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeComplete, res.Outcome)
}

func TestRunIterationPromiseAllBlockedOverridesZeroExit(t *testing.T) {
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{
		ExitCode: 0,
		Stdout:   "<promise>ALL_BLOCKED</promise>",
	}})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeAllBlocked, res.Outcome)
}

func TestRunIterationNonZeroExitWithoutPromiseIsErrorWithClass(t *testing.T) {
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{
		ExitCode: 1,
		Stderr:   "Error: rate limit exceeded, please retry",
	}})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "rate_limit", res.ErrorClass)
}

func TestRunIterationSpawnFailureIsError(t *testing.T) {
	d := newTestDriver(t, &fakeSupervisor{err: &supervisor.SpawnError{Err: assertErr("no such binary")}})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, "no such binary")
}

func TestRunIterationInterruptedSubprocess(t *testing.T) {
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{Interrupted: true}})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "interrupted", res.ErrorClass)
}

func TestRunIterationEmptyBacklogIsComplete(t *testing.T) {
	store := backlog.New(t.TempDir())
	require.NoError(t, store.WriteIndex(&backlog.Index{}))
	d := New(Config{
		Store:      store,
		Composer:   prompt.NewComposer("", "", nil),
		Supervisor: &fakeSupervisor{},
		WorkingDir: t.TempDir(),
	})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeComplete, res.Outcome)
}

func TestRunIterationAllBlockedWhenNothingPendingButSomethingBlocked(t *testing.T) {
	store := backlog.New(t.TempDir())
	require.NoError(t, store.WriteIndex(&backlog.Index{StoryOrder: []string{"US-9"}, Blocked: []string{"US-9"}}))
	require.NoError(t, store.WriteStory(&backlog.Story{ID: "US-9", BlockedBy: "US-8"}))
	d := New(Config{
		Store:      store,
		Composer:   prompt.NewComposer("", "", nil),
		Supervisor: &fakeSupervisor{},
		WorkingDir: t.TempDir(),
	})
	res := d.RunIteration(context.Background())
	assert.Equal(t, OutcomeAllBlocked, res.Outcome)
}

func TestRunIterationStatusCallbackSeesRunningThenTerminal(t *testing.T) {
	var states []StatusState
	store := newTestStore(t)
	d := New(Config{
		Store:      store,
		Composer:   prompt.NewComposer("", "", nil),
		Supervisor: &fakeSupervisor{result: supervisor.Result{ExitCode: 0}},
		WorkingDir: t.TempDir(),
		OnStatus: func(update StatusUpdate) {
			states = append(states, update.State)
		},
	})
	d.RunIteration(context.Background())
	require.NotEmpty(t, states)
	assert.Equal(t, StatusRunning, states[0])
	assert.Equal(t, StatusComplete, states[len(states)-1])
}

func TestRunIterationAppendsHistoryRecordEvenOnError(t *testing.T) {
	fh := &fakeHistory{}
	store := newTestStore(t)
	d := New(Config{
		Store:      store,
		Composer:   prompt.NewComposer("", "", nil),
		Supervisor: &fakeSupervisor{err: &supervisor.SpawnError{Err: assertErr("boom")}},
		WorkingDir: t.TempDir(),
		History:    fh,
	})

	d.RunIteration(context.Background())
	require.Len(t, fh.records, 1)
	assert.Equal(t, "US-1", fh.records[0].StoryID)
	assert.Equal(t, "ERROR", fh.records[0].Outcome)
	assert.Equal(t, 1, fh.records[0].Iteration)
}

func TestRunIterationHistoryIterationCounterAdvancesAcrossCalls(t *testing.T) {
	fh := &fakeHistory{}
	d := newTestDriver(t, &fakeSupervisor{result: supervisor.Result{ExitCode: 0}})
	d.cfg.History = fh

	d.RunIteration(context.Background())
	d.RunIteration(context.Background())

	require.Len(t, fh.records, 2)
	assert.Equal(t, 1, fh.records[0].Iteration)
	assert.Equal(t, 2, fh.records[1].Iteration)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
