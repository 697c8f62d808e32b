package runloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralph/internal/driver"
	"ralph/internal/metrics"
	"ralph/internal/notify"
)

// fakeDriver replays a fixed sequence of results, one per call, then
// repeats the last result for any further calls.
type fakeDriver struct {
	results []driver.Result
	calls   int

	pending, blocked, completed int
}

func (f *fakeDriver) RunIteration(ctx context.Context) driver.Result {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

func (f *fakeDriver) BacklogCounts() (pending, blocked, completed int) {
	return f.pending, f.blocked, f.completed
}

// recordingPort captures every notification delivered to it.
type recordingPort struct {
	topics   []notify.Topic
	payloads []notify.Payload
}

func (r *recordingPort) Notify(topic notify.Topic, payload notify.Payload) {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
}

func drain(t *testing.T, ch <-chan driver.Result, timeout time.Duration) []driver.Result {
	t.Helper()
	var got []driver.Result
	deadline := time.After(timeout)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, r)
		case <-deadline:
			t.Fatal("timed out draining run loop results")
			return got
		}
	}
}

func TestRunLoopStopsOnComplete(t *testing.T) {
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeSuccess, StoryID: "US-1"},
		{Outcome: driver.OutcomeComplete},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 10})

	results := drain(t, rl.Run(context.Background()), 2*time.Second)
	require.Len(t, results, 2)
	assert.Equal(t, driver.OutcomeComplete, results[len(results)-1].Outcome)
}

func TestRunLoopStopsOnAllBlocked(t *testing.T) {
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeAllBlocked},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 10})

	results := drain(t, rl.Run(context.Background()), 2*time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, driver.OutcomeAllBlocked, results[0].Outcome)
}

func TestRunLoopStopsAtMaxIterations(t *testing.T) {
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeSuccess},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 3})

	results := drain(t, rl.Run(context.Background()), 2*time.Second)
	assert.Len(t, results, 3)
}

func TestRunLoopNonRetryableErrorAdvancesAndContinues(t *testing.T) {
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeError, ErrorClass: "not_a_real_class"},
		{Outcome: driver.OutcomeComplete},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 10})

	results := drain(t, rl.Run(context.Background()), 2*time.Second)
	require.Len(t, results, 2)
	assert.Equal(t, driver.OutcomeError, results[0].Outcome)
	assert.Equal(t, driver.OutcomeComplete, results[1].Outcome)
}

func TestRunLoopHonorsCancellationBetweenIterations(t *testing.T) {
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeSuccess},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 1000, GapSeconds: 3600})

	ctx, cancel := context.WithCancel(context.Background())
	ch := rl.Run(ctx)

	first := <-ch
	assert.Equal(t, driver.OutcomeSuccess, first.Outcome)
	cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestNotifierReceivesTopicForCompletion(t *testing.T) {
	rp := &recordingPort{}

	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeComplete},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 10, Notifier: rp})
	drain(t, rl.Run(context.Background()), 2*time.Second)

	require.NotEmpty(t, rp.topics)
	assert.Equal(t, notify.TopicPRDComplete, rp.topics[0])
}

func TestNotifyPayloadCarriesBacklogCountsAndCost(t *testing.T) {
	rp := &recordingPort{}
	rec := metrics.NewRecorder()
	rec.ObserveCost("sonnet", 1_000_000, 0)

	fd := &fakeDriver{
		results:   []driver.Result{{Outcome: driver.OutcomeComplete}},
		pending:   2,
		blocked:   1,
		completed: 5,
	}
	rl := New(Config{Driver: fd, MaxIterations: 10, Notifier: rp, Metrics: rec})
	drain(t, rl.Run(context.Background()), 2*time.Second)

	require.NotEmpty(t, rp.payloads)
	payload := rp.payloads[0]
	assert.Equal(t, 2, payload.PendingCount)
	assert.Equal(t, 1, payload.BlockedCount)
	assert.Equal(t, 5, payload.CompletedCount)
	assert.InDelta(t, 3.0, payload.CumulativeCost, 0.001)
}

func TestNotifierReceivesTopicForMaxIterations(t *testing.T) {
	rp := &recordingPort{}

	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeSuccess},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 1, Notifier: rp})
	drain(t, rl.Run(context.Background()), 2*time.Second)

	require.NotEmpty(t, rp.topics)
	assert.Contains(t, rp.topics, notify.TopicMaxIterations)
}

// retryIfEligibleNoSleep is exercised directly, bypassing the real per-class
// backoff sleep that would otherwise make this test slow.
func TestRetryIfEligibleRespectsMaxRetries(t *testing.T) {
	rl := New(Config{})
	res := driver.Result{Outcome: driver.OutcomeError, ErrorClass: "connection_reset"}

	retryCount := 0
	ctx := context.Background()

	// connection_reset allows 5 retries before giving up; the
	// eligibility check happens before the sleep, so this needs no real
	// backoff delay.
	for i := 0; i < 5; i++ {
		_, eligible := rl.retryIfEligibleNoSleep(res, &retryCount)
		assert.True(t, eligible, "attempt %d should still be eligible", i)
	}
	_, eligible := rl.retryIfEligibleNoSleep(res, &retryCount)
	assert.False(t, eligible)
}

func TestRetryIfEligibleRejectsUnknownClass(t *testing.T) {
	rl := New(Config{})
	res := driver.Result{Outcome: driver.OutcomeError, ErrorClass: "not_a_real_class"}
	retryCount := 0
	_, eligible := rl.retryIfEligibleNoSleep(res, &retryCount)
	assert.False(t, eligible)
}

func TestStatusFileWrittenAndRemovedOnNormalCompletion(t *testing.T) {
	sf := NewStatusFile(t.TempDir() + "/status.json")
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeComplete},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 10, StatusFile: sf})
	drain(t, rl.Run(context.Background()), 2*time.Second)

	_, err := readStatusFileRaw(sf)
	assert.Error(t, err, "status file should be removed after a clean terminal stop")
}

func TestStatusFileRetainedOnInterruption(t *testing.T) {
	sf := NewStatusFile(t.TempDir() + "/status.json")
	fd := &fakeDriver{results: []driver.Result{
		{Outcome: driver.OutcomeSuccess},
	}}
	rl := New(Config{Driver: fd, MaxIterations: 1000, GapSeconds: 3600, StatusFile: sf})

	ctx, cancel := context.WithCancel(context.Background())
	ch := rl.Run(ctx)
	<-ch
	cancel()
	for range ch {
	}

	data, err := readStatusFileRaw(sf)
	require.NoError(t, err)
	assert.Contains(t, string(data), "interrupted")
}
