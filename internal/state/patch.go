package state

import "time"

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T { return &v }

// ExecutionPatch is a partial update to an execution. Nil fields are left
// untouched. Identity fields (ID, Project, Branch, BaseCommitSha) cannot be
// patched.
type ExecutionPatch struct {
	Status                *Status
	WorktreePath          *string
	AgentTaskID           *string
	LogPath               *string
	Priority              *Priority
	LoopCount             *int
	ConsecutiveNoProgress *int
	ConsecutiveErrors     *int
	LastError             *string
	LastFilesChanged      *int
	LastProgressAt        *time.Time
	CurrentStoryID        *string
	CurrentStep           *string
	StepStartedAt         *time.Time
	LaunchAttempts        *int
	MergedAt              *time.Time
	MergeCommitSha        *string
	ReconcileReason       *string
}

func (p ExecutionPatch) apply(exec *Execution) {
	if p.WorktreePath != nil {
		exec.WorktreePath = *p.WorktreePath
	}
	if p.AgentTaskID != nil {
		exec.AgentTaskID = *p.AgentTaskID
	}
	if p.LogPath != nil {
		exec.LogPath = *p.LogPath
	}
	if p.Priority != nil {
		exec.Priority = *p.Priority
	}
	if p.LoopCount != nil {
		exec.LoopCount = *p.LoopCount
	}
	if p.ConsecutiveNoProgress != nil {
		exec.ConsecutiveNoProgress = *p.ConsecutiveNoProgress
	}
	if p.ConsecutiveErrors != nil {
		exec.ConsecutiveErrors = *p.ConsecutiveErrors
	}
	if p.LastError != nil {
		exec.LastError = *p.LastError
	}
	if p.LastFilesChanged != nil {
		exec.LastFilesChanged = *p.LastFilesChanged
	}
	if p.LastProgressAt != nil {
		exec.LastProgressAt = *p.LastProgressAt
	}
	if p.CurrentStoryID != nil {
		exec.CurrentStoryID = *p.CurrentStoryID
	}
	if p.CurrentStep != nil {
		exec.CurrentStep = *p.CurrentStep
	}
	if p.StepStartedAt != nil {
		exec.StepStartedAt = *p.StepStartedAt
	}
	if p.LaunchAttempts != nil {
		exec.LaunchAttempts = *p.LaunchAttempts
	}
	if p.MergedAt != nil {
		exec.MergedAt = *p.MergedAt
	}
	if p.MergeCommitSha != nil {
		exec.MergeCommitSha = *p.MergeCommitSha
	}
	if p.ReconcileReason != nil {
		exec.ReconcileReason = *p.ReconcileReason
	}
}

// UpdateOption adjusts how UpdateExecution applies a patch.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	skipTransitionValidation bool
}

// SkipTransitionValidation bypasses the transition table for this update.
// Privileged: only the reconciler and the merge worker use it, for
// dispositions that cut across the normal lifecycle (e.g. archiving a
// running execution whose branch already merged).
func SkipTransitionValidation() UpdateOption {
	return func(o *updateOptions) { o.skipTransitionValidation = true }
}

// StoryPatch is a partial update to a user story. Identity fields cannot be
// patched.
type StoryPatch struct {
	Title    *string
	Notes    *string
	Passes   *bool
	Evidence map[string]ACEvidence
}

func (p StoryPatch) apply(story *UserStory) {
	if p.Title != nil {
		story.Title = *p.Title
	}
	if p.Notes != nil {
		story.Notes = *p.Notes
	}
	if p.Passes != nil {
		story.Passes = *p.Passes
	}
	if p.Evidence != nil {
		story.Evidence = p.Evidence
	}
}
