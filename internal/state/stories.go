package state

import (
	"fmt"
	"sort"
)

// UpsertStory inserts a story or replaces the one with the same composite
// key (ExecutionID, StoryID).
func (s *Store) UpsertStory(story UserStory) error {
	if story.ExecutionID == "" || story.StoryID == "" {
		return fmt.Errorf("story identity (executionId, storyId) must not be empty")
	}
	return s.withDocument(func(doc *document) error {
		story.UpdatedAt = s.now()
		for i, existing := range doc.UserStories {
			if existing.ExecutionID == story.ExecutionID && existing.StoryID == story.StoryID {
				doc.UserStories[i] = story
				return nil
			}
		}
		doc.UserStories = append(doc.UserStories, story)
		return nil
	})
}

// UpdateStory applies a patch to a story. Identity fields are not patchable.
func (s *Store) UpdateStory(executionID, storyID string, patch StoryPatch) (UserStory, error) {
	var updated UserStory
	err := s.withDocument(func(doc *document) error {
		for i := range doc.UserStories {
			story := &doc.UserStories[i]
			if story.ExecutionID == executionID && story.StoryID == storyID {
				patch.apply(story)
				story.UpdatedAt = s.now()
				updated = *story
				return nil
			}
		}
		return fmt.Errorf("story %s/%s: %w", executionID, storyID, ErrNotFound)
	})
	return updated, err
}

// FindStory returns a single story by composite key.
func (s *Store) FindStory(executionID, storyID string) (UserStory, error) {
	var found UserStory
	err := s.readDocument(func(doc *document) error {
		for _, story := range doc.UserStories {
			if story.ExecutionID == executionID && story.StoryID == storyID {
				found = story
				return nil
			}
		}
		return fmt.Errorf("story %s/%s: %w", executionID, storyID, ErrNotFound)
	})
	return found, err
}

// ListStories returns all stories of an execution, ordered by priority then
// story id.
func (s *Store) ListStories(executionID string) ([]UserStory, error) {
	var result []UserStory
	err := s.readDocument(func(doc *document) error {
		for _, story := range doc.UserStories {
			if story.ExecutionID == executionID {
				result = append(result, story)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortStories(result)
	return result, nil
}

func sortStories(stories []UserStory) {
	sort.Slice(stories, func(i, j int) bool {
		if stories[i].Priority != stories[j].Priority {
			return stories[i].Priority < stories[j].Priority
		}
		return stories[i].StoryID < stories[j].StoryID
	})
}

// AllStoriesPass reports whether every story of the execution passes.
// Executions without stories are never considered complete.
func AllStoriesPass(stories []UserStory) bool {
	if len(stories) == 0 {
		return false
	}
	for _, story := range stories {
		if !story.Passes {
			return false
		}
	}
	return true
}

// PendingStoryCount returns how many stories do not pass yet.
func PendingStoryCount(stories []UserStory) int {
	n := 0
	for _, story := range stories {
		if !story.Passes {
			n++
		}
	}
	return n
}
