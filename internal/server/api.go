package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/uesteibar/ralphd/internal/mergequeue"
	"github.com/uesteibar/ralphd/internal/pipeline"
	"github.com/uesteibar/ralphd/internal/prd"
	"github.com/uesteibar/ralphd/internal/state"
)

type apiHandler struct {
	store        Store
	updater      Updater
	lifecycle    Lifecycle
	reconciler   Reconciler
	merges       MergeRunner
	git          Git
	activity     ActivityRecorder
	hub          *Hub
	worktreesDir string
	shutdown     func()
	parsePrd     func(path string) (*prd.ParsedPrd, error)
	startAt      time.Time
	logger       *slog.Logger
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var guardrail *pipeline.GuardrailError
	var transition *state.InvalidTransitionError
	var claim *state.ClaimRejectedError
	var exists *state.BranchExistsError

	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &guardrail):
		writeError(w, http.StatusUnprocessableEntity, guardrail.Error())
	case errors.As(err, &transition), errors.As(err, &claim), errors.As(err, &exists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// recordEvent appends to the activity log when one is wired.
func (h *apiHandler) recordEvent(executionID, branch, eventType, from, to, detail string) {
	if h.activity == nil {
		return
	}
	if err := h.activity.RecordEvent(executionID, branch, eventType, from, to, detail); err != nil {
		h.logger.Warn("recording activity", "branch", branch, "event", eventType, "error", err)
	}
}

// broadcast sends an event to connected dashboards when a hub is wired.
func (h *apiHandler) broadcast(msgType string, payload any) {
	if h.hub == nil {
		return
	}
	msg, err := NewEvent(msgType, payload)
	if err != nil {
		h.logger.Warn("marshaling broadcast payload", "type", msgType, "error", err)
		return
	}
	h.hub.Broadcast(msg)
}

// executionView is the per-execution row in the status response.
type executionView struct {
	Branch                string         `json:"branch"`
	Project               string         `json:"project"`
	Status                state.Status   `json:"status"`
	Priority              state.Priority `json:"priority"`
	Description           string         `json:"description,omitempty"`
	CurrentStoryID        string         `json:"currentStoryId,omitempty"`
	CurrentStep           string         `json:"currentStep,omitempty"`
	StoriesPassing        int            `json:"storiesPassing"`
	StoriesTotal          int            `json:"storiesTotal"`
	LoopCount             int            `json:"loopCount"`
	ConsecutiveNoProgress int            `json:"consecutiveNoProgress"`
	ConsecutiveErrors     int            `json:"consecutiveErrors"`
	LastError             string         `json:"lastError,omitempty"`
	AtRisk                bool           `json:"atRisk,omitempty"`
	CreatedAt             string         `json:"createdAt"`
	UpdatedAt             string         `json:"updatedAt"`
}

type statusResponse struct {
	Status      string          `json:"status"`
	Uptime      string          `json:"uptime"`
	Active      int             `json:"active"`
	Cap         int             `json:"cap"`
	Counts      map[string]int  `json:"counts"`
	Executions  []executionView `json:"executions"`
	Archive     []executionView `json:"archive"`
	Suggestions []string        `json:"suggestions"`
}

// handleStatus returns the per-execution view with summary counts, recent
// archive and suggestions. Unless reconcile=false, a reconciliation pass
// runs first so the view reflects git reality.
func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	if h.reconciler != nil && r.URL.Query().Get("reconcile") != "false" {
		if _, err := h.reconciler.ReconcileAll(r.Context(), project); err != nil {
			h.logger.Warn("reconcile before status failed", "error", err)
		}
	}

	filter := state.Filter{Project: project, Status: state.Status(r.URL.Query().Get("status"))}
	execs, err := h.store.ListExecutions(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	historyLimit := 10
	if l := r.URL.Query().Get("historyLimit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed >= 0 {
			historyLimit = parsed
		}
	}
	archived, err := h.store.ListArchivedExecutions(historyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}

	counts := make(map[string]int)
	views := make([]executionView, len(execs))
	var suggestions []string
	for i, exec := range execs {
		counts[string(exec.Status)]++
		views[i] = h.toView(exec)
		switch exec.Status {
		case state.StatusFailed, state.StatusInterrupted:
			suggestions = append(suggestions, fmt.Sprintf("retry %s", exec.Branch))
		}
	}
	if suggestions == nil {
		suggestions = []string{}
	}

	archiveViews := make([]executionView, len(archived))
	for i, exec := range archived {
		archiveViews[i] = h.toView(exec)
	}

	active, _ := h.store.ActiveCount()
	capacity, _ := h.store.MaxConcurrency()

	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		Uptime:      time.Since(h.startAt).Round(time.Second).String(),
		Active:      active,
		Cap:         capacity,
		Counts:      counts,
		Executions:  views,
		Archive:     archiveViews,
		Suggestions: suggestions,
	})
}

func (h *apiHandler) toView(exec state.Execution) executionView {
	passing, total := 0, 0
	if stories, err := h.store.ListStories(exec.ID); err == nil {
		total = len(stories)
		for _, story := range stories {
			if story.Passes {
				passing++
			}
		}
	}
	return executionView{
		Branch:                exec.Branch,
		Project:               exec.Project,
		Status:                exec.Status,
		Priority:              exec.EffectivePriority(),
		Description:           exec.Description,
		CurrentStoryID:        exec.CurrentStoryID,
		CurrentStep:           exec.CurrentStep,
		StoriesPassing:        passing,
		StoriesTotal:          total,
		LoopCount:             exec.LoopCount,
		ConsecutiveNoProgress: exec.ConsecutiveNoProgress,
		ConsecutiveErrors:     exec.ConsecutiveErrors,
		LastError:             exec.LastError,
		AtRisk:                exec.ConsecutiveNoProgress >= 2 || exec.ConsecutiveErrors >= 3,
		CreatedAt:             exec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             exec.UpdatedAt.Format(time.RFC3339),
	}
}

// handleUpdate is the evidence-driven story update entry point.
func (h *apiHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Branch == "" || req.StoryID == "" {
		writeError(w, http.StatusBadRequest, "branch and storyId are required")
		return
	}

	result, err := h.updater.Update(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	executionID := ""
	if exec, err := h.store.FindByBranch(req.Branch); err == nil {
		executionID = exec.ID
	}
	h.recordEvent(executionID, req.Branch, "update", "", "",
		fmt.Sprintf("story %s passes=%t", req.StoryID, result.EffectivePasses))
	h.broadcast(MsgExecutionUpdate, result)
	writeJSON(w, http.StatusOK, result)
}

// handleStop transitions an execution to stopped; with deleteRecord=true it
// is archived as well.
func (h *apiHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Branch       string `json:"branch"`
		DeleteRecord bool   `json:"deleteRecord"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	branch := body.Branch
	if branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return
	}

	exec, err := h.lifecycle.Stop(branch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if body.DeleteRecord {
		if err := h.store.ArchiveExecution(exec.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "archiving stopped execution: "+err.Error())
			return
		}
	}

	h.recordEvent(exec.ID, branch, "stop", "", string(state.StatusStopped), "")
	h.broadcast(MsgExecutionUpdate, map[string]any{"branch": branch, "status": state.StatusStopped})
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch, "status": exec.Status, "archived": body.DeleteRecord})
}

// handleRetry requeues a failed, stopped or interrupted execution.
func (h *apiHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	branch, ok := branchFromBody(w, r)
	if !ok {
		return
	}

	exec, err := h.lifecycle.Retry(branch)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordEvent(exec.ID, branch, "retry", "", string(exec.Status), "")
	h.broadcast(MsgExecutionUpdate, map[string]any{"branch": branch, "status": exec.Status})
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch, "status": exec.Status})
}

// handleClaim exposes the atomic ready->starting CAS for external runners.
func (h *apiHandler) handleClaim(w http.ResponseWriter, r *http.Request) {
	branch, ok := branchFromBody(w, r)
	if !ok {
		return
	}

	exec, err := h.store.ClaimReadyExecution(branch)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordEvent(exec.ID, branch, "claim", string(state.StatusReady), string(exec.Status), "")
	writeJSON(w, http.StatusOK, map[string]any{
		"branch":         branch,
		"status":         exec.Status,
		"launchAttempts": exec.LaunchAttempts,
	})
}

// handleMerge is the merge queue control endpoint.
func (h *apiHandler) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
		Branch string `json:"branch,omitempty"`
		ItemID int    `json:"itemId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch body.Action {
	case "list":
		items, err := h.store.ListMergeQueue()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list merge queue")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case "enqueue":
		exec, err := h.store.FindByBranch(body.Branch)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		item, err := h.store.EnqueueMerge(exec.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if h.merges != nil {
			h.merges.Kick()
		}
		h.recordEvent(exec.ID, exec.Branch, "merge", "", string(state.MergePending),
			fmt.Sprintf("enqueued at position %d", item.Position))
		writeJSON(w, http.StatusOK, map[string]any{"item": item})

	case "process":
		if h.merges == nil {
			writeError(w, http.StatusConflict, "merge worker not configured")
			return
		}
		results, err := h.merges.ProcessAll(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if results == nil {
			results = []mergequeue.ItemResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	case "remove":
		if err := h.store.RemoveMergeItem(body.ItemID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})

	default:
		writeError(w, http.StatusBadRequest, "unknown merge action: "+body.Action)
	}
}

// branchFromBody decodes a {branch} request body.
func branchFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if body.Branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return "", false
	}
	return body.Branch, true
}

// handleShutdown stops the daemon. It refuses while agents are running
// unless force is set.
func (h *apiHandler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	if !body.Force {
		running, err := h.store.ListExecutions(state.Filter{Status: state.StatusRunning})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		if len(running) > 0 {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("%d execution(s) still running; use force to shut down anyway", len(running)))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if h.shutdown != nil {
		go h.shutdown()
	}
}
