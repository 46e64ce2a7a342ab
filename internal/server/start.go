package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/uesteibar/ralphd/internal/state"
)

// startRequest creates an execution from a PRD.
type startRequest struct {
	PrdPath          string `json:"prdPath"`
	ProjectRoot      string `json:"projectRoot"`
	Project          string `json:"project,omitempty"`
	Worktree         bool   `json:"worktree,omitempty"`
	OnConflict       string `json:"onConflict,omitempty"`
	AutoMerge        bool   `json:"autoMerge,omitempty"`
	NotifyOnComplete bool   `json:"notifyOnComplete,omitempty"`
	Priority         string `json:"priority,omitempty"`
}

type startStory struct {
	StoryID string `json:"storyId"`
	Title   string `json:"title"`
}

type startResponse struct {
	ExecutionID  string       `json:"executionId"`
	Branch       string       `json:"branch"`
	Status       state.Status `json:"status"`
	WorktreePath string       `json:"worktreePath,omitempty"`
	Stories      []startStory `json:"stories"`
}

var conflictStrategies = map[string]state.ConflictStrategy{
	"":            state.ConflictNotify,
	"auto_theirs": state.ConflictAutoTheirs,
	"auto_ours":   state.ConflictAutoOurs,
	"notify":      state.ConflictNotify,
	"agent":       state.ConflictAgent,
}

// handleStart parses a PRD and atomically creates the execution with its
// stories. A worktree is created first when requested, so a failed insert
// never leaves an execution pointing at a missing directory.
func (h *apiHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PrdPath == "" {
		writeError(w, http.StatusBadRequest, "prdPath is required")
		return
	}
	strategy, ok := conflictStrategies[req.OnConflict]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown onConflict strategy: "+req.OnConflict)
		return
	}

	parsed, err := h.parsePrd(req.PrdPath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	exec := state.Execution{
		ID:               uuid.NewString(),
		Project:          req.Project,
		Branch:           parsed.BranchName,
		Description:      parsed.Title,
		PrdPath:          req.PrdPath,
		ProjectRoot:      req.ProjectRoot,
		OnConflict:       strategy,
		AutoMerge:        req.AutoMerge,
		NotifyOnComplete: req.NotifyOnComplete,
		Dependencies:     parsed.Dependencies,
		Priority:         state.Priority(firstNonEmpty(req.Priority, parsed.Priority)),
	}
	// Executions with unsatisfied dependencies wait in pending; the update
	// pipeline promotes them when a dependency completes.
	if len(parsed.Dependencies) == 0 {
		exec.Status = state.StatusReady
	}

	if req.Worktree {
		if h.git == nil {
			writeError(w, http.StatusConflict, "worktree requested but git is not configured")
			return
		}
		path := filepath.Join(h.worktreesDir, worktreeDirName(exec.Branch))
		if err := h.git.AddWorktree(r.Context(), path, exec.Branch); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("creating worktree: %v", err))
			return
		}
		exec.WorktreePath = path
		if sha, err := h.git.BranchHead(r.Context(), exec.Branch); err == nil {
			exec.BaseCommitSha = sha
		} else {
			h.logger.Warn("reading base commit", "branch", exec.Branch, "error", err)
		}
	}

	stories := make([]state.UserStory, len(parsed.UserStories))
	for i, story := range parsed.UserStories {
		stories[i] = state.UserStory{
			StoryID:            story.ID,
			Title:              story.Title,
			Description:        story.Description,
			AcceptanceCriteria: story.AcceptanceCriteria,
			Priority:           story.Priority,
		}
	}

	if err := h.store.InsertExecutionAtomic(exec, stories); err != nil {
		if exec.WorktreePath != "" {
			if rmErr := h.git.RemoveWorktree(r.Context(), exec.WorktreePath); rmErr != nil {
				h.logger.Warn("removing worktree after failed insert", "branch", exec.Branch, "error", rmErr)
			}
		}
		writeDomainError(w, err)
		return
	}

	h.recordEvent(exec.ID, exec.Branch, "status_change", "", string(exec.Status),
		"execution created from "+req.PrdPath)
	h.broadcast(MsgExecutionUpdate, map[string]any{"branch": exec.Branch, "status": exec.Status})

	resp := startResponse{
		ExecutionID:  exec.ID,
		Branch:       exec.Branch,
		Status:       exec.Status,
		WorktreePath: exec.WorktreePath,
		Stories:      make([]startStory, len(stories)),
	}
	for i, story := range stories {
		resp.Stories[i] = startStory{StoryID: story.StoryID, Title: story.Title}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func worktreeDirName(branch string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(branch)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
