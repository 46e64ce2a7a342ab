package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/uesteibar/ralphd/internal/state"
)

// Memory sizing defaults. Concurrency is bounded by how many agents fit in
// the memory left after the reserve.
const (
	DefaultMemoryReserve     = 2 << 30 // 2 GiB kept free for the system
	DefaultMemoryPerAgent    = 1 << 30 // 1 GiB estimated per agent
	DefaultMaxLaunchAttempts = 3
)

// Launched is what a successful agent launch reports back.
type Launched struct {
	AgentTaskID string
	LogPath     string
}

// Launcher starts the external agent process for a claimed execution.
type Launcher interface {
	Launch(ctx context.Context, exec state.Execution) (Launched, error)
}

// Store is the slice of the state store the scheduler needs.
type Store interface {
	ListExecutions(filter state.Filter) ([]state.Execution, error)
	FindByBranch(branch string) (state.Execution, error)
	ClaimReadyExecution(branch string) (state.Execution, error)
	UpdateExecution(id string, patch state.ExecutionPatch, opts ...state.UpdateOption) (state.Execution, error)
	MaxConcurrency() (int, error)
	ActiveCount() (int, error)
}

// MemoryProbe reports available system memory in bytes.
type MemoryProbe func() (uint64, error)

// Scheduler promotes ready executions into running agents, bounded by the
// configured concurrency cap and by available memory.
type Scheduler struct {
	store             Store
	launcher          Launcher
	logger            *slog.Logger
	memory            MemoryProbe
	memoryReserve     uint64
	memoryPerAgent    uint64
	maxLaunchAttempts int
	now               func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMemoryProbe overrides the available-memory source.
func WithMemoryProbe(probe MemoryProbe) Option {
	return func(s *Scheduler) { s.memory = probe }
}

// WithMemorySizing overrides the reserve and per-agent estimates.
func WithMemorySizing(reserve, perAgent uint64) Option {
	return func(s *Scheduler) {
		s.memoryReserve = reserve
		if perAgent > 0 {
			s.memoryPerAgent = perAgent
		}
	}
}

// WithMaxLaunchAttempts overrides the launch retry budget.
func WithMaxLaunchAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxLaunchAttempts = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. logger may be nil.
func New(store Store, launcher Launcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:             store,
		launcher:          launcher,
		logger:            logger,
		memory:            availableMemory,
		memoryReserve:     DefaultMemoryReserve,
		memoryPerAgent:    DefaultMemoryPerAgent,
		maxLaunchAttempts: DefaultMaxLaunchAttempts,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EffectiveConcurrency returns min(memory-derived cap, configured cap). A
// result of 0 means the scheduler is paused due to memory pressure.
func (s *Scheduler) EffectiveConcurrency() (int, error) {
	configured, err := s.store.MaxConcurrency()
	if err != nil {
		return 0, fmt.Errorf("reading concurrency config: %w", err)
	}

	free, err := s.memory()
	if err != nil {
		// Unknown memory falls back to the configured cap alone.
		s.logger.Warn("memory probe failed", "error", err)
		return configured, nil
	}

	memCap := 0
	if free > s.memoryReserve {
		memCap = int((free - s.memoryReserve) / s.memoryPerAgent)
	}
	if memCap < configured {
		return memCap, nil
	}
	return configured, nil
}

// CycleResult summarizes one scheduling pass.
type CycleResult struct {
	Promoted []string `json:"promoted,omitempty"`
	Launched []string `json:"launched,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Paused   bool     `json:"paused,omitempty"`
}

// RunOnce performs one scheduling cycle: promote interrupted executions back
// to ready, then fill free slots with claimed ready work, in priority order.
func (s *Scheduler) RunOnce(ctx context.Context, project string) (CycleResult, error) {
	var result CycleResult

	promoted, err := s.PromoteInterrupted(project)
	if err != nil {
		return result, err
	}
	result.Promoted = promoted

	effective, err := s.EffectiveConcurrency()
	if err != nil {
		return result, err
	}
	if effective == 0 {
		s.logger.Warn("scheduler paused due to memory pressure")
		result.Paused = true
		return result, nil
	}

	active, err := s.store.ActiveCount()
	if err != nil {
		return result, fmt.Errorf("counting active executions: %w", err)
	}
	slots := effective - active
	if slots <= 0 {
		return result, nil
	}

	candidates, err := s.readyCandidates(project)
	if err != nil {
		return result, err
	}

	for _, exec := range candidates {
		if slots <= 0 {
			break
		}
		launched, err := s.claimAndLaunch(ctx, exec.Branch)
		if err != nil {
			var rejected *state.ClaimRejectedError
			if errors.As(err, &rejected) {
				// Lost the race or hit the cap; move on.
				s.logger.Debug("claim rejected", "branch", exec.Branch, "reason", rejected.Reason)
				continue
			}
			result.Failed = append(result.Failed, exec.Branch)
			s.logger.Error("launch failed", "branch", exec.Branch, "error", err)
			continue
		}
		if launched {
			result.Launched = append(result.Launched, exec.Branch)
			slots--
		} else {
			result.Failed = append(result.Failed, exec.Branch)
		}
	}
	return result, nil
}

// readyCandidates lists ready executions sorted by priority weight, then
// creation time, then branch.
func (s *Scheduler) readyCandidates(project string) ([]state.Execution, error) {
	ready, err := s.store.ListExecutions(state.Filter{Project: project, Status: state.StatusReady})
	if err != nil {
		return nil, fmt.Errorf("listing ready executions: %w", err)
	}
	sort.Slice(ready, func(i, j int) bool {
		wi, wj := ready[i].EffectivePriority().Weight(), ready[j].EffectivePriority().Weight()
		if wi != wj {
			return wi < wj
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].Branch < ready[j].Branch
	})
	return ready, nil
}

// claimAndLaunch atomically claims one ready execution and hands it to the
// launcher. On launch success the execution moves to running and its
// progress mark is stamped so the stagnation clock starts from the launch.
// On failure it returns to ready until the attempt budget runs out.
func (s *Scheduler) claimAndLaunch(ctx context.Context, branch string) (bool, error) {
	claimed, err := s.store.ClaimReadyExecution(branch)
	if err != nil {
		return false, err
	}

	launched, launchErr := s.launcher.Launch(ctx, claimed)
	if launchErr == nil {
		if _, err := s.store.UpdateExecution(claimed.ID, state.ExecutionPatch{
			Status:         state.Ptr(state.StatusRunning),
			AgentTaskID:    state.Ptr(launched.AgentTaskID),
			LogPath:        state.Ptr(launched.LogPath),
			LastProgressAt: state.Ptr(s.now()),
		}); err != nil {
			return false, fmt.Errorf("recording launch of %s: %w", branch, err)
		}
		s.logger.Info("agent launched", "branch", branch, "taskId", launched.AgentTaskID)
		return true, nil
	}

	if claimed.LaunchAttempts >= s.maxLaunchAttempts {
		if _, err := s.store.UpdateExecution(claimed.ID, state.ExecutionPatch{
			Status:    state.Ptr(state.StatusFailed),
			LastError: state.Ptr(launchErr.Error()),
		}); err != nil {
			return false, fmt.Errorf("failing %s after launch attempts: %w", branch, err)
		}
		s.logger.Error("launch attempts exhausted", "branch", branch, "attempts", claimed.LaunchAttempts)
		return false, nil
	}

	if _, err := s.store.UpdateExecution(claimed.ID, state.ExecutionPatch{
		Status:    state.Ptr(state.StatusReady),
		LastError: state.Ptr(launchErr.Error()),
	}); err != nil {
		return false, fmt.Errorf("requeueing %s after failed launch: %w", branch, err)
	}
	s.logger.Warn("launch failed, requeued", "branch", branch, "attempt", claimed.LaunchAttempts, "error", launchErr)
	return false, nil
}

// PromoteInterrupted moves interrupted executions back to ready, once per
// cycle each, so the next pass can relaunch them.
func (s *Scheduler) PromoteInterrupted(project string) ([]string, error) {
	interrupted, err := s.store.ListExecutions(state.Filter{Project: project, Status: state.StatusInterrupted})
	if err != nil {
		return nil, fmt.Errorf("listing interrupted executions: %w", err)
	}
	var promoted []string
	for _, exec := range interrupted {
		if _, err := s.store.UpdateExecution(exec.ID, state.ExecutionPatch{
			Status: state.Ptr(state.StatusReady),
		}); err != nil {
			s.logger.Warn("promoting interrupted execution failed", "branch", exec.Branch, "error", err)
			continue
		}
		promoted = append(promoted, exec.Branch)
	}
	return promoted, nil
}

// Stop transitions an execution to stopped. It is idempotent and does not
// wait for the detached agent process to exit.
func (s *Scheduler) Stop(branch string) (state.Execution, error) {
	exec, err := s.store.FindByBranch(branch)
	if err != nil {
		return state.Execution{}, err
	}
	if exec.Status == state.StatusStopped {
		return exec, nil
	}
	updated, err := s.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status: state.Ptr(state.StatusStopped),
	})
	if err != nil {
		return state.Execution{}, fmt.Errorf("stopping %s: %w", branch, err)
	}
	s.logger.Info("execution stopped", "branch", branch, "from", string(exec.Status))
	return updated, nil
}

// Retry requeues a failed, stopped or interrupted execution and resets its
// stagnation bookkeeping for a fresh run.
func (s *Scheduler) Retry(branch string) (state.Execution, error) {
	exec, err := s.store.FindByBranch(branch)
	if err != nil {
		return state.Execution{}, err
	}
	switch exec.Status {
	case state.StatusFailed, state.StatusStopped, state.StatusInterrupted:
	default:
		return state.Execution{}, &state.InvalidTransitionError{
			Branch: branch, From: exec.Status, To: state.StatusReady,
		}
	}
	updated, err := s.store.UpdateExecution(exec.ID, state.ExecutionPatch{
		Status:                state.Ptr(state.StatusReady),
		ConsecutiveNoProgress: state.Ptr(0),
		ConsecutiveErrors:     state.Ptr(0),
		LastError:             state.Ptr(""),
		LaunchAttempts:        state.Ptr(0),
	})
	if err != nil {
		return state.Execution{}, fmt.Errorf("retrying %s: %w", branch, err)
	}
	s.logger.Info("execution requeued", "branch", branch, "from", string(exec.Status))
	return updated, nil
}
