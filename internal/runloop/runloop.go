// Package runloop implements the outer iteration loop: retry
// accounting per error class, the inter-iteration gap, status-file
// lifecycle, and notification dispatch, per spec.md §4.G.
package runloop

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"ralph/internal/classify"
	"ralph/internal/driver"
	"ralph/internal/logx"
	"ralph/internal/metrics"
	"ralph/internal/notify"
)

// Driver is the subset of *driver.Driver the run loop depends on,
// declared as an interface so the loop can be tested against a fake
// iteration sequence without a real backlog or subprocess.
type Driver interface {
	RunIteration(ctx context.Context) driver.Result

	// BacklogCounts reports the backlog's residual pending, blocked,
	// and completed story counts, for notification payloads
	// (spec.md §6.4).
	BacklogCounts() (pending, blocked, completed int)
}

// Config parameterizes one Run Loop.
type Config struct {
	Driver Driver

	// MaxIterations caps the number of iterations; zero means
	// unlimited (bounded only by COMPLETE/ALL_BLOCKED/cancellation).
	MaxIterations int

	// GapSeconds is the inter-iteration delay.
	GapSeconds int

	Model       string
	ProjectName string

	Notifier Port
	Metrics  *metrics.Recorder

	StatusFile *StatusFile

	Quiet bool
}

// Port is the notification dependency; satisfied by *notify.Port
// implementations. Declared locally so the run loop doesn't force a
// concrete notifier choice on callers.
type Port = notify.Port

// RunLoop drives iterations against one driver until a terminal
// outcome, the iteration cap, or cancellation.
type RunLoop struct {
	cfg       Config
	logger    *logx.Logger
	startTime time.Time
}

// New creates a RunLoop.
func New(cfg Config) *RunLoop {
	return &RunLoop{cfg: cfg, logger: logx.NewLogger("runloop")}
}

// Run starts the loop and returns a channel that yields one
// driver.Result per completed iteration, in order, closing when the
// loop stops (spec.md §4.G: "emits IterationResult values ... as a
// lazy sequence").
func (rl *RunLoop) Run(ctx context.Context) <-chan driver.Result {
	out := make(chan driver.Result)
	go rl.loop(ctx, out)
	return out
}

func (rl *RunLoop) loop(ctx context.Context, out chan<- driver.Result) {
	defer close(out)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rl.startTime = time.Now().UTC()

	iteration := 0
	retryCount := 0
	finalState := driver.StatusTerminated
	var lastPid int
	var lastErr string

	defer func() {
		if rl.cfg.StatusFile == nil {
			return
		}
		_ = rl.cfg.StatusFile.Write(StatusRecord{
			State:     finalState,
			Iteration: iteration,
			Model:     rl.cfg.Model,
			StartTime: rl.startTime,
			Error:     lastErr,
			Pid:       lastPid,
		})
		if finalState != driver.StatusInterrupted {
			_ = rl.cfg.StatusFile.Remove()
		}
	}()

	for rl.cfg.MaxIterations <= 0 || iteration < rl.cfg.MaxIterations {
		if ctx.Err() != nil {
			finalState = driver.StatusInterrupted
			return
		}

		res := rl.cfg.Driver.RunIteration(ctx)
		lastPid = res.Pid
		lastErr = res.Error

		if rl.cfg.Metrics != nil {
			rl.cfg.Metrics.ObserveIteration(string(res.Outcome), res.Duration.Seconds())
		}

		if res.ErrorClass == "interrupted" {
			out <- res
			finalState = driver.StatusInterrupted
			return
		}

		switch res.Outcome {
		case driver.OutcomeComplete:
			out <- res
			rl.notify(notify.TopicPRDComplete, res, iteration)
			finalState = driver.StatusComplete
			return

		case driver.OutcomeAllBlocked:
			out <- res
			rl.notify(notify.TopicBlocked, res, iteration)
			finalState = driver.StatusComplete
			return

		case driver.OutcomeError:
			if rl.retryIfEligible(ctx, res, &retryCount) {
				continue // cooldown taken; iteration counter NOT incremented
			}
			retryCount = 0
			rl.logger.Warn("iteration error, moving on: story=%s class=%s err=%s", res.StoryID, res.ErrorClass, res.Error)
			rl.notify(notify.TopicError, res, iteration)
			out <- res

		default: // SUCCESS, NO_STORY, BLOCKED
			retryCount = 0
			if res.Outcome == driver.OutcomeSuccess {
				rl.notify(notify.TopicIterationComplete, res, iteration)
			}
			out <- res
		}

		iteration++

		if rl.cfg.MaxIterations > 0 && iteration >= rl.cfg.MaxIterations {
			rl.notify(notify.TopicMaxIterations, res, iteration)
			finalState = driver.StatusComplete
			return
		}

		if rl.cfg.GapSeconds <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			finalState = driver.StatusInterrupted
			return
		case <-time.After(time.Duration(rl.cfg.GapSeconds) * time.Second):
		}
	}
}

// retryIfEligible writes a retry status, notifies, and sleeps the
// class cooldown if res's error class permits another attempt. It
// returns true if a retry was taken (caller must not advance the
// iteration counter).
func (rl *RunLoop) retryIfEligible(ctx context.Context, res driver.Result, retryCount *int) bool {
	ec, eligible := rl.retryIfEligibleNoSleep(res, retryCount)
	if !eligible {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(ec.Backoff):
		return true
	}
}

// retryIfEligibleNoSleep applies the accounting and side effects of a
// retry decision (counter increment, metrics, status write,
// notification) without taking the backoff sleep, so the decision
// logic can be exercised directly in tests.
func (rl *RunLoop) retryIfEligibleNoSleep(res driver.Result, retryCount *int) (classify.ErrorClass, bool) {
	ec, known := classify.ErrorClassByName(res.ErrorClass)
	if !known || *retryCount >= ec.MaxRetries {
		return ec, false
	}

	*retryCount++
	if rl.cfg.Metrics != nil {
		rl.cfg.Metrics.ObserveRetry(res.ErrorClass)
	}
	if rl.cfg.StatusFile != nil {
		_ = rl.cfg.StatusFile.Write(StatusRecord{
			State:      driver.StatusRetry,
			StoryID:    res.StoryID,
			Model:      rl.cfg.Model,
			StartTime:  rl.startTime,
			Error:      res.Error,
			RetryIn:    ec.Backoff.Seconds(),
			RetryClass: res.ErrorClass,
			Pid:        res.Pid,
		})
	}
	rl.notify(notify.TopicRetry, res, 0)
	return ec, true
}

func (rl *RunLoop) notify(topic notify.Topic, res driver.Result, iteration int) {
	if rl.cfg.Notifier == nil {
		return
	}

	var pending, blocked, completed int
	if rl.cfg.Driver != nil {
		pending, blocked, completed = rl.cfg.Driver.BacklogCounts()
	}
	var cumulativeCost float64
	if rl.cfg.Metrics != nil {
		cumulativeCost = rl.cfg.Metrics.CumulativeCostUSD()
	}

	rl.cfg.Notifier.Notify(topic, notify.Payload{
		Project:        rl.cfg.ProjectName,
		Iteration:      iteration,
		StoryID:        res.StoryID,
		Model:          rl.cfg.Model,
		PendingCount:   pending,
		BlockedCount:   blocked,
		CompletedCount: completed,
		CumulativeCost: cumulativeCost,
		Message:        res.Error,
	})
}
