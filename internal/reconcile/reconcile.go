package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/uesteibar/ralphd/internal/prd"
	"github.com/uesteibar/ralphd/internal/staleness"
	"github.com/uesteibar/ralphd/internal/state"
)

// Action classifies what the reconciler did to an execution.
type Action string

const (
	ActionNone        Action = "none"
	ActionMerged      Action = "merged"
	ActionFailed      Action = "failed"
	ActionCompleted   Action = "completed"
	ActionInterrupted Action = "interrupted"
	ActionRequeued    Action = "requeued"
	ActionSkipped     Action = "skipped"
)

// Reconcile reasons recorded on the execution.
const (
	ReasonBranchMerged    = "branch_merged"
	ReasonBranchDeleted   = "branch_deleted"
	ReasonWorktreeMissing = "worktree_missing"
	ReasonClaimCrashed    = "claim_crashed"
)

// DefaultClaimGrace is how long a claimed execution may sit in starting
// before the claimer is presumed dead. The scheduler launches immediately
// after claiming, so a healthy claim leaves starting within seconds.
const DefaultClaimGrace = 2 * time.Minute

// DefaultMaxLaunchAttempts mirrors the scheduler's launch attempt budget.
const DefaultMaxLaunchAttempts = 3

// Result is one per-branch reconcile outcome.
type Result struct {
	Branch         string       `json:"branch"`
	PreviousStatus state.Status `json:"previousStatus"`
	Action         Action       `json:"action"`
	Reason         string       `json:"reason,omitempty"`
}

// Store is the slice of the state store the reconciler needs.
type Store interface {
	ListExecutions(filter state.Filter) ([]state.Execution, error)
	UpdateExecution(id string, patch state.ExecutionPatch, opts ...state.UpdateOption) (state.Execution, error)
	ArchiveExecution(id string) error
	ListStories(executionID string) ([]state.UserStory, error)
}

// Git is the read-only-plus-worktree git capability the reconciler consumes.
type Git interface {
	BranchExists(ctx context.Context, branch string) bool
	BranchHead(ctx context.Context, branch string) (string, error)
	MergedBranches(ctx context.Context) ([]string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	RemoveWorktree(ctx context.Context, worktreePath string) error
}

// StaleChecker decides whether a running execution has gone quiet.
type StaleChecker interface {
	Check(ctx context.Context, exec state.Execution, notes string) (staleness.Report, error)
}

// Reconciler aligns recorded execution state with git reality.
type Reconciler struct {
	store             Store
	git               Git
	stale             StaleChecker
	readFrontmatter   func(path string) (prd.Frontmatter, error)
	claimGrace        time.Duration
	maxLaunchAttempts int
	logger            *slog.Logger
	now               func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithFrontmatterReader overrides how PRD frontmatter is loaded.
func WithFrontmatterReader(read func(path string) (prd.Frontmatter, error)) Option {
	return func(r *Reconciler) { r.readFrontmatter = read }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithClaimGrace overrides how long a starting execution may go unlaunched.
func WithClaimGrace(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.claimGrace = d
		}
	}
}

// New creates a Reconciler. logger may be nil.
func New(store Store, git Git, stale StaleChecker, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:             store,
		git:               git,
		stale:             stale,
		readFrontmatter:   prd.ReadFrontmatter,
		claimGrace:        DefaultClaimGrace,
		maxLaunchAttempts: DefaultMaxLaunchAttempts,
		logger:            logger,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileAll runs one reconcile cycle over every active execution,
// optionally filtered by project. A failure on one execution never aborts
// the cycle; it is reported as a skipped action.
func (r *Reconciler) ReconcileAll(ctx context.Context, project string) ([]Result, error) {
	execs, err := r.store.ListExecutions(state.Filter{Project: project})
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	merged, err := r.git.MergedBranches(ctx)
	if err != nil {
		r.logger.Warn("listing merged branches failed", "error", err)
		merged = nil
	}
	mergedSet := make(map[string]bool, len(merged))
	for _, b := range merged {
		mergedSet[b] = true
	}

	var results []Result
	for _, exec := range execs {
		if state.Terminal(exec.Status) {
			continue
		}
		res, err := r.reconcileOne(ctx, exec, mergedSet)
		if err != nil {
			r.logger.Warn("reconcile skipped", "branch", exec.Branch, "error", err)
			res = Result{
				Branch:         exec.Branch,
				PreviousStatus: exec.Status,
				Action:         ActionSkipped,
				Reason:         err.Error(),
			}
		}
		if res.Action != ActionNone {
			r.logger.Info("reconciled execution",
				"branch", res.Branch, "from", string(res.PreviousStatus),
				"action", string(res.Action), "reason", res.Reason)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, exec state.Execution, mergedSet map[string]bool) (Result, error) {
	res := Result{Branch: exec.Branch, PreviousStatus: exec.Status, Action: ActionNone}

	// PRD frontmatter may record a merge performed outside the orchestrator.
	if done, err := r.applyFrontmatterMerge(ctx, exec); err != nil {
		return res, err
	} else if done {
		res.Action = ActionMerged
		res.Reason = ReasonBranchMerged
		return res, nil
	}

	// Branch merged into main, guarded against ghost merges: a brand-new
	// branch with no commits of its own is listed as merged too.
	if exec.BaseCommitSha != "" && mergedSet[exec.Branch] {
		head, err := r.git.BranchHead(ctx, exec.Branch)
		if err != nil {
			return res, fmt.Errorf("resolving branch head: %w", err)
		}
		if head != exec.BaseCommitSha {
			if err := r.archiveAs(ctx, exec, state.StatusMerged, ReasonBranchMerged, head); err != nil {
				return res, err
			}
			res.Action = ActionMerged
			res.Reason = ReasonBranchMerged
			return res, nil
		}
	}

	// Stopped executions stay as the user left them.
	if exec.Status == state.StatusStopped {
		return res, nil
	}

	if exec.BaseCommitSha != "" && !r.git.BranchExists(ctx, exec.Branch) {
		if err := r.archiveAs(ctx, exec, state.StatusFailed, ReasonBranchDeleted, ""); err != nil {
			return res, err
		}
		res.Action = ActionFailed
		res.Reason = ReasonBranchDeleted
		return res, nil
	}

	if exec.Status == state.StatusRunning && exec.WorktreePath != "" {
		if _, err := os.Stat(exec.WorktreePath); os.IsNotExist(err) {
			if _, err := r.store.UpdateExecution(exec.ID, state.ExecutionPatch{
				Status:          state.Ptr(state.StatusFailed),
				WorktreePath:    state.Ptr(""),
				ReconcileReason: state.Ptr(ReasonWorktreeMissing),
			}, state.SkipTransitionValidation()); err != nil {
				return res, fmt.Errorf("marking worktree missing: %w", err)
			}
			if err := r.store.ArchiveExecution(exec.ID); err != nil {
				return res, fmt.Errorf("archiving: %w", err)
			}
			res.Action = ActionFailed
			res.Reason = ReasonWorktreeMissing
			return res, nil
		}
	}

	if exec.Status == state.StatusRunning {
		return r.reconcileZombie(ctx, exec, res)
	}
	if exec.Status == state.StatusStarting {
		return r.reconcileCrashedClaim(exec, res)
	}
	return res, nil
}

// reconcileCrashedClaim frees the runner slot of a claim that never reached
// running: if the orchestrator died between claim and launch the execution
// would otherwise hold a concurrency slot forever. LaunchAttemptAt is
// stamped by the claim itself, so its age tells how long the launch has been
// pending.
func (r *Reconciler) reconcileCrashedClaim(exec state.Execution, res Result) (Result, error) {
	if exec.LaunchAttemptAt.IsZero() || r.now().Sub(exec.LaunchAttemptAt) < r.claimGrace {
		return res, nil
	}

	if exec.LaunchAttempts >= r.maxLaunchAttempts {
		if _, err := r.store.UpdateExecution(exec.ID, state.ExecutionPatch{
			Status:          state.Ptr(state.StatusFailed),
			ReconcileReason: state.Ptr(ReasonClaimCrashed),
			LastError:       state.Ptr(fmt.Sprintf("launch never completed after %d attempts", exec.LaunchAttempts)),
		}); err != nil {
			return res, fmt.Errorf("failing crashed claim: %w", err)
		}
		res.Action = ActionFailed
		res.Reason = ReasonClaimCrashed
		return res, nil
	}

	if _, err := r.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:          state.Ptr(state.StatusReady),
		ReconcileReason: state.Ptr(ReasonClaimCrashed),
	}); err != nil {
		return res, fmt.Errorf("requeueing crashed claim: %w", err)
	}
	res.Action = ActionRequeued
	res.Reason = ReasonClaimCrashed
	return res, nil
}

// applyFrontmatterMerge handles PRDs whose frontmatter declares a mergeSha:
// when the recorded base reached that sha and the sha reached main, the
// execution is archived as merged regardless of its current status.
func (r *Reconciler) applyFrontmatterMerge(ctx context.Context, exec state.Execution) (bool, error) {
	if exec.PrdPath == "" || exec.BaseCommitSha == "" {
		return false, nil
	}
	fm, err := r.readFrontmatter(exec.PrdPath)
	if err != nil || fm.MergeSha == "" {
		return false, nil
	}

	baseReached, err := r.git.IsAncestor(ctx, exec.BaseCommitSha, fm.MergeSha)
	if err != nil || !baseReached {
		return false, err
	}
	inMain, err := r.isAncestorOfMain(ctx, fm.MergeSha)
	if err != nil || !inMain {
		return false, err
	}

	if exec.WorktreePath != "" {
		if err := r.git.RemoveWorktree(ctx, exec.WorktreePath); err != nil {
			r.logger.Warn("worktree removal failed", "branch", exec.Branch, "error", err)
		}
	}

	mergedAt := fm.ExecutedAt
	if mergedAt.IsZero() {
		mergedAt = r.now()
	}
	if _, err := r.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:          state.Ptr(state.StatusMerged),
		WorktreePath:    state.Ptr(""),
		MergedAt:        state.Ptr(mergedAt),
		MergeCommitSha:  state.Ptr(fm.MergeSha),
		ReconcileReason: state.Ptr(ReasonBranchMerged),
	}, state.SkipTransitionValidation()); err != nil {
		return false, fmt.Errorf("recording frontmatter merge: %w", err)
	}
	if err := r.store.ArchiveExecution(exec.ID); err != nil {
		return false, fmt.Errorf("archiving: %w", err)
	}
	return true, nil
}

func (r *Reconciler) isAncestorOfMain(ctx context.Context, sha string) (bool, error) {
	ok, err := r.git.IsAncestor(ctx, sha, "origin/main")
	if err == nil {
		return ok, nil
	}
	return r.git.IsAncestor(ctx, sha, "main")
}

// reconcileZombie consults the stale detector for a running execution. A
// stale session with every story passing is a normal end of session; one
// with pending work becomes interrupted and the scheduler retries it.
func (r *Reconciler) reconcileZombie(ctx context.Context, exec state.Execution, res Result) (Result, error) {
	report, err := r.stale.Check(ctx, exec, "")
	if err != nil {
		return res, fmt.Errorf("staleness check: %w", err)
	}
	if !report.IsStale {
		return res, nil
	}

	stories, err := r.store.ListStories(exec.ID)
	if err != nil {
		return res, fmt.Errorf("loading stories: %w", err)
	}

	if state.AllStoriesPass(stories) {
		if _, err := r.store.UpdateExecution(exec.ID, state.ExecutionPatch{
			Status: state.Ptr(state.StatusCompleted),
		}); err != nil {
			return res, fmt.Errorf("completing stale session: %w", err)
		}
		res.Action = ActionCompleted
		res.Reason = "session ended with all stories passing"
		return res, nil
	}

	reason := fmt.Sprintf("agent idle for %s (limit %s while %s)",
		report.Idle.Round(time.Second), report.Timeout, report.TaskType)
	if _, err := r.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:          state.Ptr(state.StatusInterrupted),
		ReconcileReason: state.Ptr(reason),
	}); err != nil {
		return res, fmt.Errorf("interrupting stale session: %w", err)
	}
	res.Action = ActionInterrupted
	res.Reason = reason
	return res, nil
}

// archiveAs flips an execution to a terminal status and moves it to the
// archive in two steps. Transition validation is skipped: reconcile moves
// are driven by git reality, not the normal lifecycle.
func (r *Reconciler) archiveAs(ctx context.Context, exec state.Execution, status state.Status, reason, mergeSha string) error {
	patch := state.ExecutionPatch{
		Status:          state.Ptr(status),
		ReconcileReason: state.Ptr(reason),
	}
	if status == state.StatusMerged {
		patch.MergedAt = state.Ptr(r.now())
		if mergeSha != "" {
			patch.MergeCommitSha = state.Ptr(mergeSha)
		}
	}
	if reason == ReasonBranchDeleted && exec.WorktreePath != "" {
		if err := r.git.RemoveWorktree(ctx, exec.WorktreePath); err != nil {
			r.logger.Warn("worktree removal failed", "branch", exec.Branch, "error", err)
		}
		patch.WorktreePath = state.Ptr("")
	}
	if _, err := r.store.UpdateExecution(exec.ID, patch, state.SkipTransitionValidation()); err != nil {
		return fmt.Errorf("updating %s: %w", exec.Branch, err)
	}
	if err := r.store.ArchiveExecution(exec.ID); err != nil {
		return fmt.Errorf("archiving %s: %w", exec.Branch, err)
	}
	return nil
}
