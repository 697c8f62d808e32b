// Package driver runs one iteration of the backlog: apply the update
// queue, choose a story, auto-(un)block it if needed, compose its
// prompt, spawn the subprocess under supervision, classify its
// output, and map the result to an Outcome, per spec.md §4.F.
package driver

import (
	"context"
	"fmt"
	"time"

	"ralph/internal/backlog"
	"ralph/internal/classify"
	"ralph/internal/history"
	"ralph/internal/logx"
	"ralph/internal/metrics"
	"ralph/internal/prompt"
	"ralph/internal/supervisor"
	"ralph/internal/tokenbudget"
)

// Outcome names the result of one iteration.
type Outcome string

const (
	OutcomeComplete   Outcome = "COMPLETE"
	OutcomeAllBlocked Outcome = "ALL_BLOCKED"
	OutcomeNoStory    Outcome = "NO_STORY"
	OutcomeBlocked    Outcome = "BLOCKED"
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeError      Outcome = "ERROR"
)

// StatusState names the status-file transitions the driver and run
// loop write at iteration boundaries (spec.md §4.F.1).
type StatusState string

const (
	StatusRunning     StatusState = "running"
	StatusRetry       StatusState = "retry"
	StatusComplete    StatusState = "complete"
	StatusError       StatusState = "error"
	StatusInterrupted StatusState = "interrupted"
	StatusTerminated  StatusState = "terminated"
)

// StatusUpdate is one status-state transition the driver reports.
// Pid is best-effort: it is zero until the subprocess for the current
// story has actually been spawned. Error is empty except on error
// transitions, including a failed spawn.
type StatusUpdate struct {
	State   StatusState
	StoryID string
	Pid     int
	Error   string
}

// StatusWriter receives every status-state transition the driver
// makes. Implementations must not block the iteration; the one
// cmd/ralph installs rewrites the run loop's status file as a whole
// document.
type StatusWriter func(update StatusUpdate)

// Supervisor is the subset of *supervisor.Supervisor the driver
// depends on, grounded on the teacher's accept-an-interface idiom
// (pkg/exec.Executor) so the driver can be tested against a fake
// subprocess runner.
type Supervisor interface {
	Run(ctx context.Context, s supervisor.Spawn, onDisplay func(chunk []byte)) (supervisor.Result, error)
}

// Result is everything the run loop needs about one completed
// iteration.
type Result struct {
	Outcome    Outcome
	StoryID    string
	ErrorClass string
	Error      string
	Duration   time.Duration

	// Pid is the spawned subprocess's process id for this iteration,
	// zero if none was spawned (e.g. NO_STORY, or COMPLETE/ALL_BLOCKED
	// reached because no story was left to choose).
	Pid int
}

// History is the subset of *history.Store the driver depends on,
// declared as an interface so history persistence stays a best-effort
// side-channel the driver can be tested without. A write failure here
// is logged and never fails the iteration (SPEC_FULL.md §4.F).
type History interface {
	Append(ctx context.Context, rec history.Record) error
}

// Config parameterizes one Driver.
type Config struct {
	Store      *backlog.Store
	Composer   *prompt.Composer
	Supervisor Supervisor
	Model      string
	WorkingDir string
	BacklogDir string
	Mode       supervisor.Mode
	OnDisplay  func(chunk []byte)
	OnStatus   StatusWriter
	History    History

	// Metrics, if set, receives a cost estimate for every spawned
	// subprocess (spec.md §6.4's notification "cumulative cost").
	Metrics *metrics.Recorder
}

// Driver runs iterations against one backlog directory. A Driver is
// expected to live for the process's whole run, so it can count its
// own iterations for the history log.
type Driver struct {
	cfg            Config
	logger         *logx.Logger
	iterationCount int
	tokens         *tokenbudget.Counter
}

// New creates a Driver.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, logger: logx.NewLogger("driver"), tokens: tokenbudget.NewCounter()}
}

// BacklogCounts reports the backlog index's residual pending, blocked,
// and completed story counts (spec.md §6.4's notification "residual
// counts").
func (d *Driver) BacklogCounts() (pending, blocked, completed int) {
	ix, err := d.cfg.Store.ReadIndex()
	if err != nil || ix == nil {
		return 0, 0, 0
	}
	return len(ix.Pending), len(ix.Blocked), len(ix.Completed)
}

func (d *Driver) writeStatus(state StatusState, storyID string) {
	d.writeStatusFull(StatusUpdate{State: state, StoryID: storyID})
}

func (d *Driver) writeStatusFull(update StatusUpdate) {
	if d.cfg.OnStatus != nil {
		d.cfg.OnStatus(update)
	}
}

// RunIteration executes one full pass of the state machine described
// in spec.md §4.F, then appends an observational history record
// (SPEC_FULL.md §4.F) — best-effort, never fails the iteration.
func (d *Driver) RunIteration(ctx context.Context) Result {
	d.iterationCount++
	res := d.runIteration(ctx)
	d.recordHistory(ctx, res)
	return res
}

func (d *Driver) recordHistory(ctx context.Context, res Result) {
	if d.cfg.History == nil {
		return
	}
	err := d.cfg.History.Append(ctx, history.Record{
		StoryID:    res.StoryID,
		Outcome:    string(res.Outcome),
		ErrorClass: res.ErrorClass,
		Iteration:  d.iterationCount,
		DurationMs: res.Duration.Milliseconds(),
	})
	if err != nil {
		d.logger.Warn("history append failed: story=%s err=%v", res.StoryID, err)
	}
}

func (d *Driver) runIteration(ctx context.Context) Result {
	start := time.Now()

	if _, err := d.cfg.Store.ApplyUpdateQueue(); err != nil {
		d.logger.Warn("apply update queue failed: err=%v", err)
		// Per spec.md §7, an update-queue parse failure is not fatal:
		// the iteration continues as if no queue existed.
	}

	story, err := d.cfg.Store.GetNextStory()
	if err != nil {
		return Result{Outcome: OutcomeError, Error: fmt.Sprintf("No story available: %v", err), Duration: time.Since(start)}
	}

	if story == nil {
		complete, cErr := d.cfg.Store.IsComplete()
		if cErr == nil && complete {
			d.writeStatus(StatusComplete, "")
			return Result{Outcome: OutcomeComplete, Duration: time.Since(start)}
		}
		allBlocked, bErr := d.cfg.Store.IsAllBlocked()
		if bErr == nil && allBlocked {
			d.writeStatus(StatusComplete, "")
			return Result{Outcome: OutcomeAllBlocked, Duration: time.Since(start)}
		}
		return Result{Outcome: OutcomeNoStory, Duration: time.Since(start)}
	}

	if story.BlockedBy != "" {
		outcome, abErr := d.cfg.Store.AutoBlockStoryIfNeeded(story.ID)
		if abErr != nil {
			return Result{Outcome: OutcomeError, StoryID: story.ID, Error: abErr.Error(), Duration: time.Since(start)}
		}
		switch outcome {
		case backlog.AutoBlockBlocked:
			d.writeStatus(StatusRunning, story.ID)
			return Result{Outcome: OutcomeBlocked, StoryID: story.ID, Duration: time.Since(start)}
		case backlog.AutoBlockUnblocked:
			refreshedID := story.ID
			story, err = d.cfg.Store.ReadStory(refreshedID)
			if err != nil || story == nil {
				return Result{Outcome: OutcomeError, StoryID: refreshedID, Error: "story vanished after unblock", Duration: time.Since(start)}
			}
		}
	}

	d.writeStatus(StatusRunning, story.ID)

	out := d.cfg.Composer.Compose(prompt.Input{
		StoryID:    story.ID,
		Model:      d.cfg.Model,
		WorkingDir: d.cfg.WorkingDir,
		BacklogDir: d.cfg.BacklogDir,
	})

	spawnResult, spawnErr := d.cfg.Supervisor.Run(ctx, supervisor.Spawn{
		Model:        d.cfg.Model,
		SystemPrompt: out.SystemContext,
		StoryPrompt:  out.StoryPrompt,
		WorkingDir:   d.cfg.WorkingDir,
		Mode:         d.cfg.Mode,
	}, d.cfg.OnDisplay)

	if spawnErr != nil {
		d.writeStatusFull(StatusUpdate{State: StatusError, StoryID: story.ID, Error: spawnErr.Error()})
		return Result{Outcome: OutcomeError, StoryID: story.ID, Error: spawnErr.Error(), Duration: time.Since(start)}
	}

	d.observeCost(out.SystemContext+out.StoryPrompt, spawnResult.Stdout+spawnResult.Stderr)

	if spawnResult.Interrupted {
		d.writeStatusFull(StatusUpdate{State: StatusInterrupted, StoryID: story.ID, Pid: spawnResult.Pid})
		return Result{Outcome: OutcomeError, StoryID: story.ID, ErrorClass: "interrupted", Duration: time.Since(start), Pid: spawnResult.Pid}
	}

	combined := spawnResult.Stdout + spawnResult.Stderr
	signal := classify.Classify(combined)

	return d.mapOutcome(story.ID, spawnResult, signal, start)
}

// mapOutcome applies spec.md §4.F.2's outcome mapping: explicit
// promise tags take precedence over the subprocess exit code.
func (d *Driver) mapOutcome(storyID string, res supervisor.Result, signal classify.Result, start time.Time) Result {
	combined := res.Stdout + res.Stderr

	if classify.HasPromiseComplete(combined) || signal.Complete {
		if err := d.cfg.Store.CompleteStory(storyID, d.cfg.Model); err != nil {
			d.logger.Warn("completeStory failed after PRD-complete signal: story=%s err=%v", storyID, err)
		}
		d.writeStatusFull(StatusUpdate{State: StatusComplete, StoryID: storyID, Pid: res.Pid})
		return Result{Outcome: OutcomeComplete, StoryID: storyID, Duration: time.Since(start), Pid: res.Pid}
	}

	if classify.HasPromiseAllBlocked(combined) || signal.Blocked {
		blockedErr := "assistant reported blocked"
		if err := d.cfg.Store.BlockStory(storyID, blockedErr); err != nil {
			d.logger.Warn("blockStory failed after ALL_BLOCKED signal: story=%s err=%v", storyID, err)
		}
		d.writeStatusFull(StatusUpdate{State: StatusError, StoryID: storyID, Pid: res.Pid, Error: blockedErr})
		return Result{Outcome: OutcomeAllBlocked, StoryID: storyID, Duration: time.Since(start), Pid: res.Pid}
	}

	if res.ExitCode != 0 {
		errMsg := fmt.Sprintf("subprocess exited %d", res.ExitCode)
		d.writeStatusFull(StatusUpdate{State: StatusError, StoryID: storyID, Pid: res.Pid, Error: errMsg})
		return Result{
			Outcome:    OutcomeError,
			StoryID:    storyID,
			ErrorClass: signal.ErrorClass,
			Error:      errMsg,
			Duration:   time.Since(start),
			Pid:        res.Pid,
		}
	}

	d.completeStoryIfPassing(storyID)
	d.writeStatusFull(StatusUpdate{State: StatusComplete, StoryID: storyID, Pid: res.Pid})
	return Result{Outcome: OutcomeSuccess, StoryID: storyID, Duration: time.Since(start), Pid: res.Pid}
}

// observeCost estimates and records the cost of one subprocess spawn
// from its prompt and output token counts, if Metrics is configured.
func (d *Driver) observeCost(promptText, output string) {
	if d.cfg.Metrics == nil {
		return
	}
	d.cfg.Metrics.ObserveCost(d.cfg.Model, d.tokens.Count(promptText), d.tokens.Count(output))
}

// completeStoryIfPassing re-reads storyID after a zero-exit iteration
// with no explicit promise/classifier signal. The assistant subprocess
// is the authoritative editor of a story's passes field (spec.md
// §4.F's "driver does not mutate story checked flags" rule); when it
// has set passes:true directly in the story's JSON, the driver must
// still call completeStory so the backlog index (pending/completed/
// nextStory) advances — otherwise getNextStory returns the same head
// story forever (spec.md §8 scenario 1, "Linear drain").
func (d *Driver) completeStoryIfPassing(storyID string) {
	story, err := d.cfg.Store.ReadStory(storyID)
	if err != nil || story == nil || !story.Passes {
		return
	}
	if err := d.cfg.Store.CompleteStory(storyID, d.cfg.Model); err != nil {
		d.logger.Warn("completeStory failed after subprocess marked passes:true: story=%s err=%v", storyID, err)
	}
}
