package state

import (
	"fmt"
	"sort"
)

// EnqueueMerge appends a merge queue entry at the tail, assigning the
// position and the id in the same critical section so concurrent enqueues
// never collide. Enqueueing an execution that is already queued returns the
// existing item.
func (s *Store) EnqueueMerge(executionID string) (MergeQueueItem, error) {
	var item MergeQueueItem
	err := s.withDocument(func(doc *document) error {
		maxID := 0
		position := 1
		for _, existing := range doc.MergeQueue {
			if existing.ExecutionID == executionID {
				item = existing
				return nil
			}
			if existing.ID > maxID {
				maxID = existing.ID
			}
			if existing.Position >= position {
				position = existing.Position + 1
			}
		}
		item = MergeQueueItem{
			ID:          maxID + 1,
			ExecutionID: executionID,
			Position:    position,
			Status:      MergePending,
			CreatedAt:   s.now(),
		}
		doc.MergeQueue = append(doc.MergeQueue, item)
		return nil
	})
	return item, err
}

// ListMergeQueue returns all queue items ordered by (position, id).
func (s *Store) ListMergeQueue() ([]MergeQueueItem, error) {
	var items []MergeQueueItem
	err := s.readDocument(func(doc *document) error {
		items = append(items, doc.MergeQueue...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// UpdateMergeItemStatus moves a queue item to a new status.
func (s *Store) UpdateMergeItemStatus(id int, status MergeStatus) (MergeQueueItem, error) {
	var updated MergeQueueItem
	err := s.withDocument(func(doc *document) error {
		for i := range doc.MergeQueue {
			if doc.MergeQueue[i].ID == id {
				doc.MergeQueue[i].Status = status
				updated = doc.MergeQueue[i]
				return nil
			}
		}
		return fmt.Errorf("merge queue item %d: %w", id, ErrNotFound)
	})
	return updated, err
}

// RemoveMergeItem deletes a queue item by id.
func (s *Store) RemoveMergeItem(id int) error {
	return s.withDocument(func(doc *document) error {
		for i := range doc.MergeQueue {
			if doc.MergeQueue[i].ID == id {
				doc.MergeQueue = append(doc.MergeQueue[:i], doc.MergeQueue[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("merge queue item %d: %w", id, ErrNotFound)
	})
}

// FindMergeItemByExecution returns the queue item for an execution, if any.
func (s *Store) FindMergeItemByExecution(executionID string) (MergeQueueItem, error) {
	var found MergeQueueItem
	err := s.readDocument(func(doc *document) error {
		for _, item := range doc.MergeQueue {
			if item.ExecutionID == executionID {
				found = item
				return nil
			}
		}
		return fmt.Errorf("merge queue item for execution %s: %w", executionID, ErrNotFound)
	})
	return found, err
}
