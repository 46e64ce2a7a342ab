package staleness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/state"
)

// TaskType is the inferred kind of work an agent session is doing. Each kind
// gets its own idle timeout: a compile can legitimately go quiet for longer
// than editing can.
type TaskType string

const (
	TaskImplementing TaskType = "implementing"
	TaskBuilding     TaskType = "building"
	TaskTesting      TaskType = "testing"
	TaskVerifying    TaskType = "verifying"
	TaskUnknown      TaskType = "unknown"
)

// Timeouts maps task types to idle timeouts.
type Timeouts map[TaskType]time.Duration

// DefaultTimeouts orders implementing < building < testing < verifying.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TaskImplementing: 5 * time.Minute,
		TaskBuilding:     10 * time.Minute,
		TaskTesting:      15 * time.Minute,
		TaskVerifying:    20 * time.Minute,
		TaskUnknown:      10 * time.Minute,
	}
}

// DefaultMaxFilesToStat bounds the changed-file mtime scan.
const DefaultMaxFilesToStat = 50

// Signals are the per-source liveness timestamps a verdict was based on.
// Zero values mean the source was unavailable.
type Signals struct {
	StateUpdatedAt       time.Time `json:"stateUpdatedAt"`
	GitHeadCommit        time.Time `json:"gitHeadCommit,omitzero"`
	ChangedFilesMaxMtime time.Time `json:"changedFilesMaxMtime,omitzero"`
	LogMtime             time.Time `json:"logMtime,omitzero"`
}

// Latest reduces the signals to the most recent observed liveness.
func (s Signals) Latest() time.Time {
	latest := s.StateUpdatedAt
	for _, ts := range []time.Time{s.GitHeadCommit, s.ChangedFilesMaxMtime, s.LogMtime} {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

// Report is the detector's verdict. The detector never mutates state; the
// reconciler consumes the decision.
type Report struct {
	IsStale  bool          `json:"isStale"`
	Idle     time.Duration `json:"idleMs"`
	Timeout  time.Duration `json:"timeoutMs"`
	TaskType TaskType      `json:"taskType"`
	Signals  Signals       `json:"signals"`
}

// Git is the read-only git capability the detector consumes.
type Git interface {
	HeadCommitTime(ctx context.Context, dir string) (time.Time, error)
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
}

// Detector checks whether a supposedly-running execution still shows
// external signs of life.
type Detector struct {
	git            Git
	timeouts       Timeouts
	maxFilesToStat int
	now            func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithTimeouts overrides the per-task-type timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(d *Detector) {
		for k, v := range t {
			d.timeouts[k] = v
		}
	}
}

// WithMaxFilesToStat bounds the changed-file scan.
func WithMaxFilesToStat(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxFilesToStat = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a Detector over the given git capability.
func New(git Git, opts ...Option) *Detector {
	d := &Detector{
		git:            git,
		timeouts:       DefaultTimeouts(),
		maxFilesToStat: DefaultMaxFilesToStat,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Timeout returns the idle timeout for a task type.
func (d *Detector) Timeout(task TaskType) time.Duration {
	if t, ok := d.timeouts[task]; ok {
		return t
	}
	return d.timeouts[TaskUnknown]
}

// Check gathers all liveness signals for an execution and decides whether
// it has gone stale. Git and filesystem probes are best-effort: a missing
// source simply contributes no signal.
func (d *Detector) Check(ctx context.Context, exec state.Execution, notes string) (Report, error) {
	signals := Signals{StateUpdatedAt: exec.UpdatedAt}

	if exec.WorktreePath != "" {
		if ts, err := d.git.HeadCommitTime(ctx, exec.WorktreePath); err == nil {
			signals.GitHeadCommit = ts
		}
		signals.ChangedFilesMaxMtime = d.changedFilesMaxMtime(ctx, exec.WorktreePath)
	}
	if exec.LogPath != "" {
		if info, err := os.Stat(exec.LogPath); err == nil {
			signals.LogMtime = info.ModTime()
		}
	}

	task := InferTaskType(exec.CurrentStep, notes, exec.LastError)
	timeout := d.Timeout(task)
	idle := d.now().Sub(signals.Latest())
	if idle < 0 {
		idle = 0
	}

	return Report{
		IsStale:  idle >= timeout,
		Idle:     idle,
		Timeout:  timeout,
		TaskType: task,
		Signals:  signals,
	}, nil
}

// changedFilesMaxMtime stats up to maxFilesToStat files git reports as
// changed in the worktree and returns the newest mtime.
func (d *Detector) changedFilesMaxMtime(ctx context.Context, worktree string) time.Time {
	files, err := d.git.ChangedFiles(ctx, worktree)
	if err != nil {
		return time.Time{}
	}
	if len(files) > d.maxFilesToStat {
		files = files[:d.maxFilesToStat]
	}
	var latest time.Time
	for _, f := range files {
		info, err := os.Stat(filepath.Join(worktree, f))
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// keyword groups checked in order; the first match wins.
var taskKeywords = []struct {
	task  TaskType
	words []string
}{
	{TaskBuilding, []string{"build", "compil", "bundl", "lint"}},
	{TaskTesting, []string{"test", "spec", "coverage"}},
	{TaskVerifying, []string{"verify", "verif", "review", "evidence", "acceptance"}},
	{TaskImplementing, []string{"implement", "writ", "refactor", "fix", "edit", "creat"}},
}

// InferTaskType classifies the current work from the step label, free-text
// notes and the last error.
func InferTaskType(step, notes, lastError string) TaskType {
	haystack := strings.ToLower(step + " " + notes + " " + lastError)
	for _, group := range taskKeywords {
		for _, w := range group.words {
			if strings.Contains(haystack, w) {
				return group.task
			}
		}
	}
	return TaskUnknown
}
