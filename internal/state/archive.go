package state

import (
	"fmt"
	"sort"
	"time"
)

// ArchiveExecution moves an execution and its stories into the archives and
// drops its merge queue entry, all in one write. The archive is trimmed to
// the retention cap, evicting the oldest entries by mergedAt (falling back
// to updatedAt) together with their story records.
func (s *Store) ArchiveExecution(id string) error {
	return s.withDocument(func(doc *document) error {
		i := execIndexByID(doc, id)
		if i < 0 {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		exec := doc.Executions[i]
		doc.Executions = append(doc.Executions[:i], doc.Executions[i+1:]...)

		var stories []UserStory
		kept := doc.UserStories[:0]
		for _, story := range doc.UserStories {
			if story.ExecutionID == id {
				stories = append(stories, story)
			} else {
				kept = append(kept, story)
			}
		}
		doc.UserStories = kept

		removeMergeItemsFor(doc, id)

		doc.ArchivedExecutions = append(doc.ArchivedExecutions, exec)
		doc.ArchivedUserStories = append(doc.ArchivedUserStories, stories...)

		s.trimArchive(doc)
		return nil
	})
}

// trimArchive enforces the retention cap.
func (s *Store) trimArchive(doc *document) {
	excess := len(doc.ArchivedExecutions) - s.maxArchived
	if excess <= 0 {
		return
	}

	sorted := make([]Execution, len(doc.ArchivedExecutions))
	copy(sorted, doc.ArchivedExecutions)
	sort.Slice(sorted, func(i, j int) bool {
		return archiveSortTime(sorted[i]).Before(archiveSortTime(sorted[j]))
	})

	evicted := make(map[string]bool, excess)
	for _, exec := range sorted[:excess] {
		evicted[exec.ID] = true
	}

	keptExecs := doc.ArchivedExecutions[:0]
	for _, exec := range doc.ArchivedExecutions {
		if !evicted[exec.ID] {
			keptExecs = append(keptExecs, exec)
		}
	}
	doc.ArchivedExecutions = keptExecs

	keptStories := doc.ArchivedUserStories[:0]
	for _, story := range doc.ArchivedUserStories {
		if !evicted[story.ExecutionID] {
			keptStories = append(keptStories, story)
		}
	}
	doc.ArchivedUserStories = keptStories
}

func archiveSortTime(exec Execution) time.Time {
	if exec.MergedAt.IsZero() {
		return exec.UpdatedAt
	}
	return exec.MergedAt
}

// ListArchivedExecutions returns archived executions, most recent first,
// bounded by limit (0 means all).
func (s *Store) ListArchivedExecutions(limit int) ([]Execution, error) {
	var result []Execution
	err := s.readDocument(func(doc *document) error {
		result = append(result, doc.ArchivedExecutions...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return archiveSortTime(result[i]).After(archiveSortTime(result[j]))
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// FindArchivedByBranch returns archived executions for a branch, most
// recent first.
func (s *Store) FindArchivedByBranch(branch string) ([]Execution, error) {
	var result []Execution
	err := s.readDocument(func(doc *document) error {
		for _, exec := range doc.ArchivedExecutions {
			if exec.Branch == branch {
				result = append(result, exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// RestoreArchivedExecutionByBranch moves a failed or stopped archived
// execution (preferring failed, then most recently updated) back into the
// active set together with its stories. Used when an agent reports an update
// after its record was archived.
func (s *Store) RestoreArchivedExecutionByBranch(branch string) (Execution, error) {
	var restored Execution
	err := s.withDocument(func(doc *document) error {
		if i := execIndexByBranch(doc, branch); i >= 0 {
			return &BranchExistsError{Project: doc.Executions[i].Project, Branch: branch}
		}

		best := -1
		for i, exec := range doc.ArchivedExecutions {
			if exec.Branch != branch {
				continue
			}
			if exec.Status != StatusFailed && exec.Status != StatusStopped {
				continue
			}
			if best < 0 || preferRestore(exec, doc.ArchivedExecutions[best]) {
				best = i
			}
		}
		if best < 0 {
			return fmt.Errorf("restorable archived execution for branch %s: %w", branch, ErrNotFound)
		}

		exec := doc.ArchivedExecutions[best]
		doc.ArchivedExecutions = append(doc.ArchivedExecutions[:best], doc.ArchivedExecutions[best+1:]...)

		var stories []UserStory
		keptStories := doc.ArchivedUserStories[:0]
		for _, story := range doc.ArchivedUserStories {
			if story.ExecutionID == exec.ID {
				stories = append(stories, story)
			} else {
				keptStories = append(keptStories, story)
			}
		}
		doc.ArchivedUserStories = keptStories

		exec.UpdatedAt = s.now()
		doc.Executions = append(doc.Executions, exec)
		doc.UserStories = append(doc.UserStories, stories...)
		restored = exec
		return nil
	})
	return restored, err
}

// preferRestore reports whether a should be restored over b: failed beats
// stopped, then most recent updatedAt wins.
func preferRestore(a, b Execution) bool {
	if a.Status != b.Status {
		return a.Status == StatusFailed
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
