package state

import (
	"fmt"
	"sort"
	"time"
)

// Filter narrows ListExecutions.
type Filter struct {
	Project string
	Status  Status
}

func (f Filter) matches(exec Execution) bool {
	if f.Project != "" && exec.Project != f.Project {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	return true
}

// ListExecutions returns active executions matching the filter, ordered by
// creation time then branch.
func (s *Store) ListExecutions(filter Filter) ([]Execution, error) {
	var result []Execution
	err := s.readDocument(func(doc *document) error {
		for _, exec := range doc.Executions {
			if filter.matches(exec) {
				result = append(result, exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Branch < result[j].Branch
	})
	return result, nil
}

// FindByBranch returns the active execution for a branch.
func (s *Store) FindByBranch(branch string) (Execution, error) {
	var found Execution
	err := s.readDocument(func(doc *document) error {
		i := execIndexByBranch(doc, branch)
		if i < 0 {
			return fmt.Errorf("execution for branch %s: %w", branch, ErrNotFound)
		}
		found = doc.Executions[i]
		return nil
	})
	return found, err
}

// FindByID returns the active execution with the given id.
func (s *Store) FindByID(id string) (Execution, error) {
	var found Execution
	err := s.readDocument(func(doc *document) error {
		i := execIndexByID(doc, id)
		if i < 0 {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		found = doc.Executions[i]
		return nil
	})
	return found, err
}

// InsertExecution adds an execution, enforcing branch uniqueness among
// active executions.
func (s *Store) InsertExecution(exec Execution) error {
	return s.withDocument(func(doc *document) error {
		return insertExecution(doc, exec, s)
	})
}

// InsertExecutionAtomic adds an execution together with all of its stories
// in a single write: no reader can observe the execution without them.
func (s *Store) InsertExecutionAtomic(exec Execution, stories []UserStory) error {
	return s.withDocument(func(doc *document) error {
		if err := insertExecution(doc, exec, s); err != nil {
			return err
		}
		for _, story := range stories {
			story.ExecutionID = exec.ID
			story.UpdatedAt = s.now()
			doc.UserStories = append(doc.UserStories, story)
		}
		return nil
	})
}

func insertExecution(doc *document, exec Execution, s *Store) error {
	if exec.ID == "" {
		return fmt.Errorf("execution id must not be empty")
	}
	if exec.Branch == "" {
		return fmt.Errorf("execution branch must not be empty")
	}
	if i := execIndexByBranch(doc, exec.Branch); i >= 0 {
		return &BranchExistsError{Project: exec.Project, Branch: exec.Branch}
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	exec.UpdatedAt = s.now()
	doc.Executions = append(doc.Executions, exec)
	return nil
}

// UpdateExecution applies a patch to an execution. A status change is
// validated against the transition table unless SkipTransitionValidation is
// passed. Returns the updated record.
func (s *Store) UpdateExecution(id string, patch ExecutionPatch, opts ...UpdateOption) (Execution, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	var updated Execution
	err := s.withDocument(func(doc *document) error {
		i := execIndexByID(doc, id)
		if i < 0 {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		exec := &doc.Executions[i]

		if patch.Status != nil && *patch.Status != exec.Status {
			if !o.skipTransitionValidation && !ValidTransition(exec.Status, *patch.Status) {
				return &InvalidTransitionError{Branch: exec.Branch, From: exec.Status, To: *patch.Status}
			}
			exec.Status = *patch.Status
		}
		patch.apply(exec)
		// An execution that left running has no step in flight; a stale
		// StepStartedAt would otherwise skew idle-time reporting.
		if settledStatus(exec.Status) && patch.StepStartedAt == nil {
			exec.StepStartedAt = time.Time{}
		}
		exec.UpdatedAt = s.now()
		updated = *exec
		return nil
	})
	return updated, err
}

func settledStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusMerged:
		return true
	}
	return false
}

// ClaimReadyExecution atomically promotes a ready execution to starting.
// The status precondition and the global concurrency gate are checked in the
// same critical section, so at most maxConcurrency executions hold a runner
// slot at any observation point. This is the only path into starting.
func (s *Store) ClaimReadyExecution(branch string) (Execution, error) {
	var claimed Execution
	err := s.withDocument(func(doc *document) error {
		i := execIndexByBranch(doc, branch)
		if i < 0 {
			return fmt.Errorf("execution for branch %s: %w", branch, ErrNotFound)
		}
		exec := &doc.Executions[i]

		if exec.Status != StatusReady {
			return &ClaimRejectedError{
				Branch: branch,
				Reason: fmt.Sprintf("status is %s, expected ready", exec.Status),
			}
		}

		limit := effectiveMaxConcurrency(doc)
		active := countStatuses(doc, ActiveStatuses...)
		if active >= limit {
			return &ClaimRejectedError{
				Branch: branch,
				Reason: fmt.Sprintf("Global concurrency limit reached %d/%d", active, limit),
			}
		}

		now := s.now()
		exec.Status = StatusStarting
		exec.LaunchAttemptAt = now
		exec.LaunchAttempts++
		exec.UpdatedAt = now
		claimed = *exec
		return nil
	})
	return claimed, err
}

// DeleteExecution removes an execution together with its stories and merge
// queue entry.
func (s *Store) DeleteExecution(id string) error {
	return s.withDocument(func(doc *document) error {
		i := execIndexByID(doc, id)
		if i < 0 {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		doc.Executions = append(doc.Executions[:i], doc.Executions[i+1:]...)
		removeStoriesFor(doc, id)
		removeMergeItemsFor(doc, id)
		return nil
	})
}

func execIndexByBranch(doc *document, branch string) int {
	for i, exec := range doc.Executions {
		if exec.Branch == branch {
			return i
		}
	}
	return -1
}

func execIndexByID(doc *document, id string) int {
	for i, exec := range doc.Executions {
		if exec.ID == id {
			return i
		}
	}
	return -1
}

func removeStoriesFor(doc *document, executionID string) {
	kept := doc.UserStories[:0]
	for _, story := range doc.UserStories {
		if story.ExecutionID != executionID {
			kept = append(kept, story)
		}
	}
	doc.UserStories = kept
}

func removeMergeItemsFor(doc *document, executionID string) {
	kept := doc.MergeQueue[:0]
	for _, item := range doc.MergeQueue {
		if item.ExecutionID != executionID {
			kept = append(kept, item)
		}
	}
	doc.MergeQueue = kept
}
