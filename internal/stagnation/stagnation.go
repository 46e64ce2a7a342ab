package stagnation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/uesteibar/ralphd/internal/state"
)

// Defaults for the stagnation thresholds. All fire at the exact boundary
// (>= threshold).
const (
	DefaultNoProgressThreshold = 3
	DefaultSameErrorThreshold  = 5
	DefaultMaxLoopsPerStory    = 10
)

// Reason classifies a stagnation verdict.
type Reason string

const (
	ReasonNoProgress    Reason = "no_progress"
	ReasonRepeatedError Reason = "repeated_error"
	ReasonMaxLoops      Reason = "max_loops"
)

// Signals carry external progress evidence gathered outside the lock: the
// newest of these timestamps counts as the agent's last observable progress.
type Signals struct {
	GitHeadCommit        time.Time
	ChangedFilesMaxMtime time.Time
	LogMtime             time.Time
}

// Options tune a single RecordLoopResult call. Zero values take defaults;
// a zero NoProgressTimeout means the counter threshold alone decides.
type Options struct {
	NoProgressThreshold int
	SameErrorThreshold  int
	MaxLoopsPerStory    int
	NoProgressTimeout   time.Duration
	Signals             Signals
}

func (o Options) withDefaults() Options {
	if o.NoProgressThreshold <= 0 {
		o.NoProgressThreshold = DefaultNoProgressThreshold
	}
	if o.SameErrorThreshold <= 0 {
		o.SameErrorThreshold = DefaultSameErrorThreshold
	}
	if o.MaxLoopsPerStory <= 0 {
		o.MaxLoopsPerStory = DefaultMaxLoopsPerStory
	}
	return o
}

// Result is the outcome of recording one loop.
type Result struct {
	Stagnant  bool
	Reason    Reason
	Completed bool
	Execution state.Execution
}

// Store is the slice of the state store the detector needs.
type Store interface {
	FindByID(id string) (state.Execution, error)
	UpdateExecution(id string, patch state.ExecutionPatch, opts ...state.UpdateOption) (state.Execution, error)
	ListStories(executionID string) ([]state.UserStory, error)
}

// Detector maintains per-loop progress bookkeeping and decides when an
// execution's loops have become unproductive.
type Detector struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Detector. logger may be nil.
func New(store Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// RecordLoopResult ingests one agent loop: it advances the loop counters,
// folds in external progress signals, and flips the execution to completed
// or failed when the evidence warrants it.
func (d *Detector) RecordLoopResult(executionID string, filesChanged int, loopErr string, opts Options) (Result, error) {
	opts = opts.withDefaults()

	exec, err := d.store.FindByID(executionID)
	if err != nil {
		return Result{}, fmt.Errorf("loading execution: %w", err)
	}

	now := d.now()
	signal := latestSignal(now, filesChanged, opts.Signals)
	prevProgress := exec.LastProgressAt

	patch := state.ExecutionPatch{
		LoopCount:        state.Ptr(exec.LoopCount + 1),
		LastFilesChanged: state.Ptr(filesChanged),
	}

	// Seed or advance lastProgressAt; it only moves forward.
	progressAt := prevProgress
	switch {
	case prevProgress.IsZero() && !signal.IsZero():
		progressAt = signal
	case prevProgress.IsZero():
		progressAt = now
	case signal.After(prevProgress):
		progressAt = signal
	}
	patch.LastProgressAt = state.Ptr(progressAt)

	progressed := prevProgress.IsZero() || signal.After(prevProgress)
	noProgress := exec.ConsecutiveNoProgress + 1
	if progressed {
		noProgress = 0
	}
	patch.ConsecutiveNoProgress = state.Ptr(noProgress)

	consecutiveErrors := 0
	switch {
	case loopErr == "":
		patch.LastError = state.Ptr("")
	case loopErr == exec.LastError:
		consecutiveErrors = exec.ConsecutiveErrors + 1
	default:
		consecutiveErrors = 1
		patch.LastError = state.Ptr(loopErr)
	}
	patch.ConsecutiveErrors = state.Ptr(consecutiveErrors)

	stories, err := d.store.ListStories(executionID)
	if err != nil {
		return Result{}, fmt.Errorf("loading stories: %w", err)
	}

	// Completion short-circuits every stagnation verdict.
	if state.AllStoriesPass(stories) {
		patch.Status = state.Ptr(state.StatusCompleted)
		updated, err := d.store.UpdateExecution(executionID, patch)
		if err != nil {
			return Result{}, fmt.Errorf("recording completed loop: %w", err)
		}
		return Result{Completed: true, Execution: updated}, nil
	}

	var reason Reason
	if noProgress >= opts.NoProgressThreshold {
		if opts.NoProgressTimeout == 0 || now.Sub(progressAt) >= opts.NoProgressTimeout {
			reason = ReasonNoProgress
		}
	}
	if reason == "" && consecutiveErrors >= opts.SameErrorThreshold {
		reason = ReasonRepeatedError
	}

	if reason != "" {
		patch.Status = state.Ptr(state.StatusFailed)
		d.logger.Warn("execution stagnant",
			"branch", exec.Branch, "reason", string(reason),
			"noProgress", noProgress, "errors", consecutiveErrors)
	}

	updated, err := d.store.UpdateExecution(executionID, patch)
	if err != nil {
		return Result{}, fmt.Errorf("recording loop result: %w", err)
	}
	return Result{Stagnant: reason != "", Reason: reason, Execution: updated}, nil
}

// CheckStagnation is the read-only evaluator used by status views. It never
// mutates state.
func CheckStagnation(exec state.Execution, stories []state.UserStory, opts Options) (bool, Reason) {
	opts = opts.withDefaults()

	if exec.ConsecutiveNoProgress >= opts.NoProgressThreshold {
		return true, ReasonNoProgress
	}
	if exec.ConsecutiveErrors >= opts.SameErrorThreshold {
		return true, ReasonRepeatedError
	}
	pending := state.PendingStoryCount(stories)
	if pending > 0 && exec.LoopCount >= opts.MaxLoopsPerStory*pending {
		return true, ReasonMaxLoops
	}
	return false, ""
}

// latestSignal reduces the progress evidence of one loop to a single
// timestamp. A self-reported filesChanged > 0 counts as progress now.
func latestSignal(now time.Time, filesChanged int, signals Signals) time.Time {
	var latest time.Time
	if filesChanged > 0 {
		latest = now
	}
	for _, ts := range []time.Time{signals.GitHeadCommit, signals.ChangedFilesMaxMtime, signals.LogMtime} {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}
