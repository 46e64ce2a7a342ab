package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/deps"
	"github.com/uesteibar/ralphd/internal/gitops"
	"github.com/uesteibar/ralphd/internal/progresslog"
	"github.com/uesteibar/ralphd/internal/stagnation"
	"github.com/uesteibar/ralphd/internal/staleness"
	"github.com/uesteibar/ralphd/internal/state"
)

// Step labels used for activity tracking when the agent does not send one.
const (
	StepImplementing = "implementing"
	StepVerifying    = "verifying"
)

// UpdateRequest is the evidence-driven story update an agent submits.
type UpdateRequest struct {
	Branch                    string                      `json:"branch"`
	StoryID                   string                      `json:"storyId"`
	Passes                    bool                        `json:"passes"`
	Notes                     string                      `json:"notes,omitempty"`
	FilesChanged              int                         `json:"filesChanged,omitempty"`
	Error                     string                      `json:"error,omitempty"`
	Step                      string                      `json:"step,omitempty"`
	ACEvidence                map[string]state.ACEvidence `json:"acEvidence,omitempty"`
	HardGates                 map[string]bool             `json:"hardGates,omitempty"`
	SkipHardGates             bool                        `json:"skipHardGates,omitempty"`
	ExpectedFiles             []string                    `json:"expectedFiles,omitempty"`
	UnexpectedFileExplanation string                      `json:"unexpectedFileExplanation,omitempty"`
	ScopeExplanation          string                      `json:"scopeExplanation,omitempty"`
	SkipScopeCheck            bool                        `json:"skipScopeCheck,omitempty"`
}

// UnlockedDependent reports a pending execution whose dependencies were
// satisfied by this update.
type UnlockedDependent struct {
	Branch        string `json:"branch"`
	Prompt        string `json:"prompt,omitempty"`
	BlockedReason string `json:"blockedReason,omitempty"`
}

// UpdateResult is the structured outcome of one update.
type UpdateResult struct {
	Branch           string              `json:"branch"`
	StoryID          string              `json:"storyId"`
	EffectivePasses  bool                `json:"effectivePasses"`
	OverrideReason   string              `json:"overrideReason,omitempty"`
	Stagnant         bool                `json:"stagnant,omitempty"`
	StagnationReason stagnation.Reason   `json:"stagnationReason,omitempty"`
	AllComplete      bool                `json:"allComplete,omitempty"`
	ScopeWarning     string              `json:"scopeWarning,omitempty"`
	UnusedFiles      []string            `json:"unusedFiles,omitempty"`
	MergeEnqueued    bool                `json:"mergeEnqueued,omitempty"`
	Unlocked         []UnlockedDependent `json:"unlocked,omitempty"`
}

// Store is the slice of the state store the pipeline needs.
type Store interface {
	FindByBranch(branch string) (state.Execution, error)
	RestoreArchivedExecutionByBranch(branch string) (state.Execution, error)
	UpdateExecution(id string, patch state.ExecutionPatch, opts ...state.UpdateOption) (state.Execution, error)
	FindStory(executionID, storyID string) (state.UserStory, error)
	UpsertStory(story state.UserStory) error
	ListStories(executionID string) ([]state.UserStory, error)
	ListExecutions(filter state.Filter) ([]state.Execution, error)
	EnqueueMerge(executionID string) (state.MergeQueueItem, error)
}

// Git is the git capability the pipeline consumes.
type Git interface {
	HeadCommitTime(ctx context.Context, dir string) (time.Time, error)
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
	DiffNumStat(ctx context.Context, dir, baseRef string) ([]gitops.FileStat, error)
	SyncFromMain(ctx context.Context, worktreePath, baseBranch string) error
}

// Stagnation records one loop and may flip the execution to failed or
// completed.
type Stagnation interface {
	RecordLoopResult(executionID string, filesChanged int, loopErr string, opts stagnation.Options) (stagnation.Result, error)
}

// DepResolver re-evaluates a pending execution's dependencies.
type DepResolver interface {
	Resolve(exec state.Execution) (deps.Resolution, error)
}

// MergeKicker triggers asynchronous merge queue processing.
type MergeKicker interface {
	Kick()
}

// Notifier delivers completion notifications. Failures are logged, never
// surfaced to the agent.
type Notifier interface {
	ExecutionCompleted(ctx context.Context, exec state.Execution) error
}

// Pipeline is the evidence-driven update path: it validates scope and
// evidence, persists story progress, and advances the execution lifecycle.
type Pipeline struct {
	store      Store
	git        Git
	stagnation Stagnation
	resolver   DepResolver
	merges     MergeKicker
	notifier   Notifier
	timeouts   staleness.Timeouts
	baseBranch string
	logger     *slog.Logger
	promptFor  func(exec state.Execution) string
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMergeKicker wires asynchronous merge processing.
func WithMergeKicker(k MergeKicker) Option {
	return func(p *Pipeline) { p.merges = k }
}

// WithNotifier wires completion notifications.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithTimeouts overrides the task-type no-progress timeouts.
func WithTimeouts(t staleness.Timeouts) Option {
	return func(p *Pipeline) { p.timeouts = t }
}

// WithBaseBranch overrides the branch dependents sync from.
func WithBaseBranch(branch string) Option {
	return func(p *Pipeline) { p.baseBranch = branch }
}

// WithPromptBuilder overrides how unlock prompts are generated.
func WithPromptBuilder(build func(exec state.Execution) string) Option {
	return func(p *Pipeline) { p.promptFor = build }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline. logger may be nil.
func New(store Store, git Git, stag Stagnation, resolver DepResolver, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:      store,
		git:        git,
		stagnation: stag,
		resolver:   resolver,
		timeouts:   staleness.DefaultTimeouts(),
		baseBranch: "main",
		logger:     logger,
		promptFor:  defaultPrompt,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Update runs the full evidence-driven pipeline for one story update.
func (p *Pipeline) Update(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	result := UpdateResult{Branch: req.Branch, StoryID: req.StoryID}

	exec, err := p.findOrRestore(req.Branch)
	if err != nil {
		return result, err
	}

	exec, err = p.trackActivity(exec, req)
	if err != nil {
		return result, err
	}

	loop, err := p.recordLoop(ctx, exec, req)
	if err != nil {
		return result, err
	}
	if loop.Stagnant {
		// The story mutation stays undone; the execution already failed.
		result.Stagnant = true
		result.StagnationReason = loop.Reason
		return result, nil
	}
	exec = loop.Execution

	if exec.WorktreePath != "" {
		if !req.SkipScopeCheck {
			warning, err := p.checkWorktreeScope(ctx, exec, req)
			if err != nil {
				return result, err
			}
			result.ScopeWarning = warning
		}

		// Diff reconciliation is not a scope check; the expected-files
		// contract holds even when the scope guardrail is skipped.
		actual, err := p.git.ChangedFiles(ctx, exec.WorktreePath)
		if err != nil {
			return result, fmt.Errorf("listing changed files: %w", err)
		}
		unused, err := reconcileDiff(req.ExpectedFiles, actual, req.UnexpectedFileExplanation)
		if err != nil {
			return result, err
		}
		result.UnusedFiles = unused
	}

	story, err := p.store.FindStory(exec.ID, req.StoryID)
	if err != nil {
		return result, err
	}

	effective, override, evidence := p.validateEvidence(story, req)
	result.EffectivePasses = effective
	result.OverrideReason = override

	story.Passes = effective
	story.Notes = req.Notes
	story.Evidence = evidence
	if err := p.store.UpsertStory(story); err != nil {
		return result, fmt.Errorf("persisting story: %w", err)
	}

	if effective && exec.WorktreePath != "" {
		p.appendProgress(exec, story, req)
	}

	stories, err := p.store.ListStories(exec.ID)
	if err != nil {
		return result, err
	}
	result.AllComplete = state.AllStoriesPass(stories)

	exec, err = p.advanceStatus(exec, result.AllComplete)
	if err != nil {
		return result, err
	}

	if result.AllComplete {
		if exec.AutoMerge {
			enqueued, err := p.enqueueMerge(exec)
			if err != nil {
				p.logger.Error("merge enqueue failed", "branch", exec.Branch, "error", err)
			}
			result.MergeEnqueued = enqueued
		}
		result.Unlocked = p.unlockDependents(ctx, exec)
		p.notifyCompletion(ctx, exec)
	}
	return result, nil
}

// findOrRestore looks up the execution, reviving a failed or stopped
// archived record when the agent reports after archival.
func (p *Pipeline) findOrRestore(branch string) (state.Execution, error) {
	exec, err := p.store.FindByBranch(branch)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return state.Execution{}, err
	}
	restored, restoreErr := p.store.RestoreArchivedExecutionByBranch(branch)
	if restoreErr != nil {
		return state.Execution{}, fmt.Errorf("execution for branch %s: %w", branch, state.ErrNotFound)
	}
	p.logger.Info("restored archived execution", "branch", branch, "status", string(restored.Status))
	return restored, nil
}

// trackActivity advances currentStoryId and currentStep, bumping the step
// clock only when the label changes.
func (p *Pipeline) trackActivity(exec state.Execution, req UpdateRequest) (state.Execution, error) {
	step := req.Step
	if step == "" {
		step = StepImplementing
		if req.Passes {
			step = StepVerifying
		}
	}

	patch := state.ExecutionPatch{
		CurrentStoryID: state.Ptr(req.StoryID),
		CurrentStep:    state.Ptr(step),
	}
	if exec.CurrentStep != step {
		patch.StepStartedAt = state.Ptr(p.now())
	}
	if exec.Status != state.StatusRunning && state.ValidTransition(exec.Status, state.StatusRunning) {
		patch.Status = state.Ptr(state.StatusRunning)
	}

	updated, err := p.store.UpdateExecution(exec.ID, patch)
	if err != nil {
		return state.Execution{}, fmt.Errorf("tracking activity: %w", err)
	}
	return updated, nil
}

// recordLoop feeds the stagnation detector with real external progress
// signals and a task-type-keyed no-progress timeout.
func (p *Pipeline) recordLoop(ctx context.Context, exec state.Execution, req UpdateRequest) (stagnation.Result, error) {
	signals := p.gatherSignals(ctx, exec)
	task := staleness.InferTaskType(exec.CurrentStep, req.Notes, req.Error)
	timeout := p.timeouts[task]
	if timeout == 0 {
		timeout = p.timeouts[staleness.TaskUnknown]
	}

	loop, err := p.stagnation.RecordLoopResult(exec.ID, req.FilesChanged, req.Error, stagnation.Options{
		NoProgressTimeout: timeout,
		Signals:           signals,
	})
	if err != nil {
		return stagnation.Result{}, fmt.Errorf("recording loop: %w", err)
	}
	return loop, nil
}

func (p *Pipeline) gatherSignals(ctx context.Context, exec state.Execution) stagnation.Signals {
	var signals stagnation.Signals
	if exec.WorktreePath != "" {
		if ts, err := p.git.HeadCommitTime(ctx, exec.WorktreePath); err == nil {
			signals.GitHeadCommit = ts
		}
		if files, err := p.git.ChangedFiles(ctx, exec.WorktreePath); err == nil {
			for _, f := range files {
				if info, err := os.Stat(filepath.Join(exec.WorktreePath, f)); err == nil {
					if info.ModTime().After(signals.ChangedFilesMaxMtime) {
						signals.ChangedFilesMaxMtime = info.ModTime()
					}
				}
			}
		}
	}
	if exec.LogPath != "" {
		if info, err := os.Stat(exec.LogPath); err == nil {
			signals.LogMtime = info.ModTime()
		}
	}
	return signals
}

func (p *Pipeline) checkWorktreeScope(ctx context.Context, exec state.Execution, req UpdateRequest) (string, error) {
	baseRef := exec.BaseCommitSha
	if baseRef == "" {
		baseRef = p.baseBranch
	}
	stats, err := p.git.DiffNumStat(ctx, exec.WorktreePath, baseRef)
	if err != nil {
		return "", fmt.Errorf("computing diff: %w", err)
	}
	return checkScope(stats, req.ScopeExplanation)
}

// validateEvidence applies the hard gates and per-AC evidence rules,
// returning the effective passes value and the merged evidence map.
func (p *Pipeline) validateEvidence(story state.UserStory, req UpdateRequest) (bool, string, map[string]state.ACEvidence) {
	evidence := make(map[string]state.ACEvidence, len(story.Evidence)+len(req.ACEvidence))
	for k, v := range story.Evidence {
		evidence[k] = v
	}
	for k, v := range req.ACEvidence {
		evidence[k] = v
	}

	effective := req.Passes
	var override string

	if req.Passes && !req.SkipHardGates {
		for _, gate := range []string{"typecheck", "build"} {
			passed, declared := req.HardGates[gate]
			if !declared {
				effective = false
				override = fmt.Sprintf("hard gate %q was not declared", gate)
				break
			}
			if !passed {
				effective = false
				override = fmt.Sprintf("hard gate %q is failing", gate)
				break
			}
		}
	}

	if req.Passes && !req.SkipHardGates {
		for i := range story.AcceptanceCriteria {
			key := fmt.Sprintf("AC-%d", i+1)
			if _, ok := evidence[key]; !ok {
				evidence[key] = state.ACEvidence{BlockedReason: "No evidence provided"}
				if effective {
					effective = false
					override = fmt.Sprintf("acceptance criterion %s has no evidence", key)
				}
			}
		}
	}

	return effective, override, evidence
}

func (p *Pipeline) appendProgress(exec state.Execution, story state.UserStory, req UpdateRequest) {
	log := progresslog.New(filepath.Join(exec.WorktreePath, progresslog.DefaultFileName))
	err := log.Append(progresslog.Entry{
		StoryID: story.StoryID,
		Step:    exec.CurrentStep,
		Passes:  true,
		Notes:   req.Notes,
	})
	if err != nil {
		p.logger.Warn("progress log append failed", "branch", exec.Branch, "error", err)
	}
}

func (p *Pipeline) advanceStatus(exec state.Execution, allComplete bool) (state.Execution, error) {
	if !allComplete {
		return exec, nil
	}
	updated, err := p.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:         state.Ptr(state.StatusCompleted),
		CurrentStoryID: state.Ptr(""),
		CurrentStep:    state.Ptr(""),
	})
	if err != nil {
		return state.Execution{}, fmt.Errorf("completing execution: %w", err)
	}
	return updated, nil
}

func (p *Pipeline) enqueueMerge(exec state.Execution) (bool, error) {
	if _, err := p.store.EnqueueMerge(exec.ID); err != nil {
		return false, err
	}
	if p.merges != nil {
		p.merges.Kick()
	}
	return true, nil
}

// unlockDependents promotes pending executions whose dependencies are now
// satisfied, syncing their worktrees from the base branch first.
func (p *Pipeline) unlockDependents(ctx context.Context, exec state.Execution) []UnlockedDependent {
	pending, err := p.store.ListExecutions(state.Filter{Status: state.StatusPending})
	if err != nil {
		p.logger.Warn("listing pending executions failed", "error", err)
		return nil
	}

	var unlocked []UnlockedDependent
	for _, dep := range pending {
		if !dependsOn(dep, exec.Branch) {
			continue
		}
		resolution, err := p.resolver.Resolve(dep)
		if err != nil || !resolution.Satisfied {
			continue
		}

		if dep.WorktreePath != "" {
			if err := p.git.SyncFromMain(ctx, dep.WorktreePath, p.baseBranch); err != nil {
				unlocked = append(unlocked, UnlockedDependent{
					Branch:        dep.Branch,
					BlockedReason: fmt.Sprintf("sync from %s failed: %v", p.baseBranch, err),
				})
				continue
			}
		}

		if _, err := p.store.UpdateExecution(dep.ID, state.ExecutionPatch{
			Status: state.Ptr(state.StatusReady),
		}); err != nil {
			p.logger.Warn("promoting dependent failed", "branch", dep.Branch, "error", err)
			continue
		}
		unlocked = append(unlocked, UnlockedDependent{
			Branch: dep.Branch,
			Prompt: p.promptFor(dep),
		})
		p.logger.Info("dependent unlocked", "branch", dep.Branch, "dependency", exec.Branch)
	}
	return unlocked
}

func dependsOn(exec state.Execution, branch string) bool {
	short := filepath.Base(branch)
	for _, token := range exec.Dependencies {
		t := strings.TrimSuffix(strings.TrimSuffix(token, ".md"), ".json")
		if t == branch || filepath.Base(t) == short {
			return true
		}
	}
	return false
}

func (p *Pipeline) notifyCompletion(ctx context.Context, exec state.Execution) {
	if p.notifier == nil || !exec.NotifyOnComplete {
		return
	}
	if err := p.notifier.ExecutionCompleted(ctx, exec); err != nil {
		p.logger.Warn("completion notification failed", "branch", exec.Branch, "error", err)
	}
}

func defaultPrompt(exec state.Execution) string {
	return fmt.Sprintf(
		"Continue work on branch %s in %s. Read %s for accumulated context, then work through the remaining user stories and report each result via the update RPC.",
		exec.Branch, exec.WorktreePath, progresslog.DefaultFileName)
}
