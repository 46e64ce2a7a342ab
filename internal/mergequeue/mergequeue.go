package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/gitops"
	"github.com/uesteibar/ralphd/internal/state"
)

// Store is the slice of the state store the merge worker needs.
type Store interface {
	ListMergeQueue() ([]state.MergeQueueItem, error)
	UpdateMergeItemStatus(id int, status state.MergeStatus) (state.MergeQueueItem, error)
	FindByID(id string) (state.Execution, error)
	UpdateExecution(id string, patch state.ExecutionPatch, opts ...state.UpdateOption) (state.Execution, error)
	ArchiveExecution(id string) error
}

// Git is the git capability the merge worker consumes.
type Git interface {
	Merge(ctx context.Context, featureBranch, baseBranch, strategyOption string) (gitops.MergeResult, error)
	AbortMerge(ctx context.Context) error
	ConflictFiles(ctx context.Context) ([]string, error)
	RemoveWorktree(ctx context.Context, worktreePath string) error
}

// Notifier surfaces merge conflicts for the notify strategy. Failures are
// logged, never fatal.
type Notifier interface {
	MergeConflict(ctx context.Context, exec state.Execution, conflictFiles []string) error
}

// ItemResult reports the disposition of one queue item.
type ItemResult struct {
	ItemID    int               `json:"itemId"`
	Branch    string            `json:"branch,omitempty"`
	Status    state.MergeStatus `json:"status"`
	CommitSha string            `json:"commitSha,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Worker drains the merge queue, serializing feature branches into the base
// branch one at a time.
type Worker struct {
	store      Store
	git        Git
	notifier   Notifier
	baseBranch string
	logger     *slog.Logger
	now        func() time.Time
	kicks      chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithNotifier wires conflict notifications.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithBaseBranch overrides the merge target.
func WithBaseBranch(branch string) Option {
	return func(w *Worker) { w.baseBranch = branch }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a Worker. logger may be nil.
func New(store Store, git Git, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		store:      store,
		git:        git,
		baseBranch: "main",
		logger:     logger,
		now:        time.Now,
		kicks:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Kick requests asynchronous queue processing. It never blocks; a kick
// while one is already pending coalesces.
func (w *Worker) Kick() {
	select {
	case w.kicks <- struct{}{}:
	default:
	}
}

// Run drains the queue whenever kicked, until the context is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kicks:
			if _, err := w.ProcessAll(ctx); err != nil {
				w.logger.Error("merge queue processing failed", "error", err)
			}
		}
	}
}

// ProcessAll merges every pending queue item in (position, id) order.
func (w *Worker) ProcessAll(ctx context.Context) ([]ItemResult, error) {
	items, err := w.store.ListMergeQueue()
	if err != nil {
		return nil, fmt.Errorf("listing merge queue: %w", err)
	}

	var results []ItemResult
	for _, item := range items {
		if item.Status != state.MergePending {
			continue
		}
		res := w.processItem(ctx, item)
		results = append(results, res)
		w.logger.Info("merge queue item processed",
			"item", res.ItemID, "branch", res.Branch,
			"status", string(res.Status), "reason", res.Reason)
	}
	return results, nil
}

func (w *Worker) processItem(ctx context.Context, item state.MergeQueueItem) ItemResult {
	res := ItemResult{ItemID: item.ID}

	exec, err := w.store.FindByID(item.ExecutionID)
	if err != nil {
		return w.failItem(res, "", fmt.Sprintf("execution %s: %v", item.ExecutionID, err))
	}
	res.Branch = exec.Branch

	if exec.Status != state.StatusCompleted && exec.Status != state.StatusMerging {
		// Fail the queue entry only; the execution is still live.
		return w.failItem(res, "", fmt.Sprintf("execution is %s, expected completed", exec.Status))
	}

	if _, err := w.store.UpdateMergeItemStatus(item.ID, state.MergeMerging); err != nil {
		return w.failItem(res, "", err.Error())
	}
	if exec.Status != state.StatusMerging {
		if _, err := w.store.UpdateExecution(exec.ID, state.ExecutionPatch{
			Status: state.Ptr(state.StatusMerging),
		}); err != nil {
			return w.failItem(res, "", err.Error())
		}
	}

	merge, err := w.git.Merge(ctx, exec.Branch, w.baseBranch, strategyOption(exec.ConflictStrategy))
	if err != nil {
		return w.failItem(res, exec.ID, fmt.Sprintf("merge failed: %v", err))
	}

	if merge.HasConflicts {
		return w.handleConflict(ctx, res, exec)
	}

	if err := w.finalizeMerge(ctx, exec, merge.CommitSha); err != nil {
		return w.failItem(res, "", err.Error())
	}
	if _, err := w.store.UpdateMergeItemStatus(item.ID, state.MergeCompleted); err != nil {
		w.logger.Warn("marking merge item completed failed", "item", item.ID, "error", err)
	}
	res.Status = state.MergeCompleted
	res.CommitSha = merge.CommitSha
	return res
}

// finalizeMerge records the merged disposition and archives the execution.
func (w *Worker) finalizeMerge(ctx context.Context, exec state.Execution, commitSha string) error {
	if exec.WorktreePath != "" {
		if err := w.git.RemoveWorktree(ctx, exec.WorktreePath); err != nil {
			w.logger.Warn("worktree removal failed", "branch", exec.Branch, "error", err)
		}
	}
	if _, err := w.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:         state.Ptr(state.StatusMerged),
		WorktreePath:   state.Ptr(""),
		MergedAt:       state.Ptr(w.now()),
		MergeCommitSha: state.Ptr(commitSha),
	}, state.SkipTransitionValidation()); err != nil {
		return fmt.Errorf("recording merge of %s: %w", exec.Branch, err)
	}
	if err := w.store.ArchiveExecution(exec.ID); err != nil {
		return fmt.Errorf("archiving %s: %w", exec.Branch, err)
	}
	return nil
}

// handleConflict aborts the in-progress merge and routes the conflict per
// the execution's strategy. Both notify and agent leave the branch intact
// for a human or a follow-up agent session; the queue item fails either way.
func (w *Worker) handleConflict(ctx context.Context, res ItemResult, exec state.Execution) ItemResult {
	conflicts, err := w.git.ConflictFiles(ctx)
	if err != nil {
		w.logger.Warn("listing conflict files failed", "branch", exec.Branch, "error", err)
	}
	if err := w.git.AbortMerge(ctx); err != nil {
		w.logger.Warn("aborting merge failed", "branch", exec.Branch, "error", err)
	}

	if exec.ConflictStrategy == state.ConflictNotify && w.notifier != nil {
		if err := w.notifier.MergeConflict(ctx, exec, conflicts); err != nil {
			w.logger.Warn("conflict notification failed", "branch", exec.Branch, "error", err)
		}
	}

	reason := fmt.Sprintf("merge conflicts in %s", strings.Join(conflicts, ", "))
	return w.failItem(res, exec.ID, reason)
}

// failItem marks the queue item failed and, when an execution is given,
// records the failure on it too.
func (w *Worker) failItem(res ItemResult, executionID, reason string) ItemResult {
	if _, err := w.store.UpdateMergeItemStatus(res.ItemID, state.MergeFailed); err != nil &&
		!errors.Is(err, state.ErrNotFound) {
		w.logger.Warn("marking merge item failed", "item", res.ItemID, "error", err)
	}
	if executionID != "" {
		if _, err := w.store.UpdateExecution(executionID, state.ExecutionPatch{
			Status:    state.Ptr(state.StatusFailed),
			LastError: state.Ptr(reason),
		}, state.SkipTransitionValidation()); err != nil {
			w.logger.Warn("recording merge failure", "execution", executionID, "error", err)
		}
	}
	res.Status = state.MergeFailed
	res.Reason = reason
	return res
}

func strategyOption(s state.ConflictStrategy) string {
	switch s {
	case state.ConflictAutoTheirs:
		return "theirs"
	case state.ConflictAutoOurs:
		return "ours"
	default:
		return ""
	}
}
