package state

import "time"

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending     Status = "pending"
	StatusReady       Status = "ready"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
	StatusMerging     Status = "merging"
	StatusMerged      Status = "merged"
)

// ActiveStatuses are the statuses that count against the global concurrency
// gate: an execution holds a runner slot from claim until the agent exits.
var ActiveStatuses = []Status{StatusRunning, StatusStarting}

// Priority orders ready executions in the scheduler. P0 runs before P1
// before P2.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Weight returns the sort weight of a priority. Unknown values sort last.
func (p Priority) Weight() int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	default:
		return 3
	}
}

// ConflictStrategy selects how the merge worker resolves conflicts.
type ConflictStrategy string

const (
	ConflictAutoTheirs ConflictStrategy = "auto_theirs"
	ConflictAutoOurs   ConflictStrategy = "auto_ours"
	ConflictNotify     ConflictStrategy = "notify"
	ConflictAgent      ConflictStrategy = "agent"
)

// Execution is the runtime instance of a PRD: it owns a branch, a worktree
// and a lifecycle.
type Execution struct {
	ID               string           `json:"id"`
	Project          string           `json:"project"`
	Branch           string           `json:"branch"`
	Description      string           `json:"description,omitempty"`
	PrdPath          string           `json:"prdPath,omitempty"`
	ProjectRoot      string           `json:"projectRoot,omitempty"`
	WorktreePath     string           `json:"worktreePath,omitempty"`
	BaseCommitSha    string           `json:"baseCommitSha,omitempty"`
	Status           Status           `json:"status"`
	AgentTaskID      string           `json:"agentTaskId,omitempty"`
	OnConflict       ConflictStrategy `json:"onConflict,omitempty"`
	AutoMerge        bool             `json:"autoMerge,omitempty"`
	NotifyOnComplete bool             `json:"notifyOnComplete,omitempty"`
	Dependencies     []string         `json:"dependencies,omitempty"`

	// Loop counters maintained by the stagnation detector.
	LoopCount             int    `json:"loopCount"`
	ConsecutiveNoProgress int    `json:"consecutiveNoProgress"`
	ConsecutiveErrors     int    `json:"consecutiveErrors"`
	LastError             string `json:"lastError,omitempty"`
	LastFilesChanged      int    `json:"lastFilesChanged,omitempty"`

	LastProgressAt time.Time `json:"lastProgressAt,omitzero"`

	// Activity tracking for the currently running agent session.
	CurrentStoryID string    `json:"currentStoryId,omitempty"`
	CurrentStep    string    `json:"currentStep,omitempty"`
	StepStartedAt  time.Time `json:"stepStartedAt,omitzero"`
	LogPath        string    `json:"logPath,omitempty"`

	// Launch recovery bookkeeping.
	LaunchAttemptAt time.Time `json:"launchAttemptAt,omitzero"`
	LaunchAttempts  int       `json:"launchAttempts,omitempty"`

	// Merge metadata, set when the execution reaches merged or when the
	// reconciler archives it.
	MergedAt        time.Time `json:"mergedAt,omitzero"`
	MergeCommitSha  string    `json:"mergeCommitSha,omitempty"`
	ReconcileReason string    `json:"reconcileReason,omitempty"`

	Priority  Priority  `json:"priority,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectivePriority returns the execution priority, defaulting to P1.
func (e Execution) EffectivePriority() Priority {
	if e.Priority == "" {
		return PriorityP1
	}
	return e.Priority
}

// ACEvidence records verification evidence for a single acceptance criterion.
type ACEvidence struct {
	Passes        bool   `json:"passes"`
	Evidence      string `json:"evidence,omitempty"`
	Command       string `json:"command,omitempty"`
	Output        string `json:"output,omitempty"`
	BlockedReason string `json:"blockedReason,omitempty"`
}

// UserStory is the unit of work the update pipeline advances. Its composite
// key is (ExecutionID, StoryID).
type UserStory struct {
	ExecutionID        string                `json:"executionId"`
	StoryID            string                `json:"storyId"`
	Title              string                `json:"title"`
	Description        string                `json:"description,omitempty"`
	AcceptanceCriteria []string              `json:"acceptanceCriteria,omitempty"`
	Priority           int                   `json:"priority"`
	Passes             bool                  `json:"passes"`
	Notes              string                `json:"notes,omitempty"`
	Evidence           map[string]ACEvidence `json:"evidence,omitempty"`
	UpdatedAt          time.Time             `json:"updatedAt,omitzero"`
}

// MergeStatus is the lifecycle state of a merge queue item.
type MergeStatus string

const (
	MergePending   MergeStatus = "pending"
	MergeMerging   MergeStatus = "merging"
	MergeCompleted MergeStatus = "completed"
	MergeFailed    MergeStatus = "failed"
)

// MergeQueueItem is a slot in the serialized merge queue, ordered by
// (Position ASC, ID ASC).
type MergeQueueItem struct {
	ID          int         `json:"id"`
	ExecutionID string      `json:"executionId"`
	Position    int         `json:"position"`
	Status      MergeStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// RunnerConfig is the singleton runtime configuration stored alongside the
// executions.
type RunnerConfig struct {
	MaxConcurrency int       `json:"maxConcurrency"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Reason         string    `json:"reason,omitempty"`
}

const (
	// DefaultMaxConcurrency applies when no runner config has been stored.
	DefaultMaxConcurrency = 3
	minConcurrency        = 1
	maxConcurrency        = 10
)

// ClampConcurrency bounds a requested concurrency to [1,10]. Zero and
// negative inputs become 1.
func ClampConcurrency(n int) int {
	if n < minConcurrency {
		return minConcurrency
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

// document is the on-disk shape of <dataDir>/state.json.
type document struct {
	Version             int              `json:"version"`
	Executions          []Execution      `json:"executions"`
	UserStories         []UserStory      `json:"userStories"`
	MergeQueue          []MergeQueueItem `json:"mergeQueue"`
	ArchivedExecutions  []Execution      `json:"archivedExecutions"`
	ArchivedUserStories []UserStory      `json:"archivedUserStories"`
	RunnerConfig        *RunnerConfig    `json:"runnerConfig,omitempty"`
}

func emptyDocument() *document {
	return &document{
		Version:             1,
		Executions:          []Execution{},
		UserStories:         []UserStory{},
		MergeQueue:          []MergeQueueItem{},
		ArchivedExecutions:  []Execution{},
		ArchivedUserStories: []UserStory{},
	}
}
