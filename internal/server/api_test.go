package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/uesteibar/ralphd/internal/mergequeue"
	"github.com/uesteibar/ralphd/internal/pipeline"
	"github.com/uesteibar/ralphd/internal/prd"
	"github.com/uesteibar/ralphd/internal/reconcile"
	"github.com/uesteibar/ralphd/internal/scheduler"
	"github.com/uesteibar/ralphd/internal/server"
	"github.com/uesteibar/ralphd/internal/state"
)

type fakeUpdater struct {
	result pipeline.UpdateResult
	err    error
	calls  []pipeline.UpdateRequest
}

func (f *fakeUpdater) Update(ctx context.Context, req pipeline.UpdateRequest) (pipeline.UpdateResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

type fakeReconciler struct {
	calls int
}

func (f *fakeReconciler) ReconcileAll(ctx context.Context, project string) ([]reconcile.Result, error) {
	f.calls++
	return nil, nil
}

type fakeMerges struct {
	kicks   int
	results []mergequeue.ItemResult
}

func (f *fakeMerges) Kick() { f.kicks++ }

func (f *fakeMerges) ProcessAll(ctx context.Context) ([]mergequeue.ItemResult, error) {
	return f.results, nil
}

type fakeGit struct {
	worktrees []string
	removed   []string
	head      string
}

func (f *fakeGit) AddWorktree(ctx context.Context, path, branch string) error {
	f.worktrees = append(f.worktrees, path)
	return nil
}

func (f *fakeGit) RemoveWorktree(ctx context.Context, worktreePath string) error {
	f.removed = append(f.removed, worktreePath)
	return nil
}

func (f *fakeGit) BranchHead(ctx context.Context, branch string) (string, error) {
	return f.head, nil
}

type recordedEvent struct {
	executionID string
	branch      string
	eventType   string
	detail      string
}

type fakeActivity struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeActivity) RecordEvent(executionID, branch, eventType, fromStatus, toStatus, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{executionID, branch, eventType, detail})
	return nil
}

func (f *fakeActivity) recorded() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent{}, f.events...)
}

type testEnv struct {
	store      *state.Store
	updater    *fakeUpdater
	reconciler *fakeReconciler
	merges     *fakeMerges
	git        *fakeGit
	activity   *fakeActivity
	shutdowns  chan struct{}
	srv        *server.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	env := &testEnv{
		store:      st,
		updater:    &fakeUpdater{},
		reconciler: &fakeReconciler{},
		merges:     &fakeMerges{},
		git:        &fakeGit{head: "abc123"},
		activity:   &fakeActivity{},
		shutdowns:  make(chan struct{}, 1),
	}

	srv, err := server.New("127.0.0.1:0", server.Config{
		Store:        st,
		Updater:      env.updater,
		Lifecycle:    scheduler.New(st, nil, nil),
		Reconciler:   env.reconciler,
		Merges:       env.merges,
		Git:          env.git,
		Activity:     env.activity,
		WorktreesDir: t.TempDir(),
		Shutdown:     func() { env.shutdowns <- struct{}{} },
		ParsePrd: func(path string) (*prd.ParsedPrd, error) {
			return &prd.ParsedPrd{
				Title:      "Feature X",
				BranchName: "ralph/feature-x",
				UserStories: []prd.Story{
					{ID: "US-001", Title: "first"},
					{ID: "US-002", Title: "second"},
				},
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()
	env.srv = srv
	return env
}

func (e *testEnv) url(path string) string {
	return "http://" + e.srv.Addr() + path
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.url(path), "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func seed(t *testing.T, st *state.Store, exec state.Execution) {
	t.Helper()
	if exec.ID == "" {
		exec.ID = "exec-" + exec.Branch
	}
	if err := st.InsertExecutionAtomic(exec, nil); err != nil {
		t.Fatalf("seeding %s: %v", exec.Branch, err)
	}
}

func TestStart_CreatesExecutionWithWorktree(t *testing.T) {
	env := newEnv(t)

	resp := env.post(t, "/api/executions", map[string]any{
		"prdPath":  "tasks/feature-x.md",
		"worktree": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)

	if body["branch"] != "ralph/feature-x" {
		t.Errorf("branch = %v", body["branch"])
	}
	if body["status"] != "ready" {
		t.Errorf("status = %v, want ready with no dependencies", body["status"])
	}
	stories := body["stories"].([]any)
	if len(stories) != 2 {
		t.Fatalf("stories = %d", len(stories))
	}

	exec, err := env.store.FindByBranch("ralph/feature-x")
	if err != nil {
		t.Fatalf("FindByBranch: %v", err)
	}
	if exec.BaseCommitSha != "abc123" {
		t.Errorf("baseCommitSha = %q", exec.BaseCommitSha)
	}
	if exec.WorktreePath == "" || len(env.git.worktrees) != 1 {
		t.Errorf("worktree not created: %+v", exec)
	}
	if exec.OnConflict != state.ConflictNotify {
		t.Errorf("onConflict = %q, want default notify", exec.OnConflict)
	}
}

func TestStart_DuplicateBranchConflicts(t *testing.T) {
	env := newEnv(t)

	resp := env.post(t, "/api/executions", map[string]any{"prdPath": "tasks/feature-x.md"})
	resp.Body.Close()
	resp = env.post(t, "/api/executions", map[string]any{"prdPath": "tasks/feature-x.md"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStart_RejectsUnknownConflictStrategy(t *testing.T) {
	env := newEnv(t)

	resp := env.post(t, "/api/executions", map[string]any{
		"prdPath":    "tasks/feature-x.md",
		"onConflict": "wing_it",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatus_CountsAndSuggestions(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusReady})
	seed(t, env.store, state.Execution{Branch: "ralph/b", Status: state.StatusFailed})

	resp, err := http.Get(env.url("/api/status"))
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)

	counts := body["counts"].(map[string]any)
	if counts["ready"].(float64) != 1 || counts["failed"].(float64) != 1 {
		t.Errorf("counts = %v", counts)
	}
	suggestions := body["suggestions"].([]any)
	if len(suggestions) != 1 || suggestions[0] != "retry ralph/b" {
		t.Errorf("suggestions = %v", suggestions)
	}
	if env.reconciler.calls != 1 {
		t.Errorf("reconcile calls = %d, want 1", env.reconciler.calls)
	}
}

func TestStatus_ReconcileFalseSkipsReconciler(t *testing.T) {
	env := newEnv(t)

	resp, err := http.Get(env.url("/api/status?reconcile=false"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if env.reconciler.calls != 0 {
		t.Errorf("reconcile calls = %d, want 0", env.reconciler.calls)
	}
}

func TestUpdate_DelegatesToPipeline(t *testing.T) {
	env := newEnv(t)
	env.updater.result = pipeline.UpdateResult{Branch: "ralph/a", StoryID: "US-001", EffectivePasses: true}

	resp := env.post(t, "/api/update", pipeline.UpdateRequest{Branch: "ralph/a", StoryID: "US-001", Passes: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[pipeline.UpdateResult](t, resp)

	if !body.EffectivePasses {
		t.Error("expected effectivePasses")
	}
	if len(env.updater.calls) != 1 || env.updater.calls[0].StoryID != "US-001" {
		t.Errorf("pipeline calls = %+v", env.updater.calls)
	}
}

func TestUpdate_ActivityEventCarriesExecutionID(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusRunning})
	env.updater.result = pipeline.UpdateResult{Branch: "ralph/a", StoryID: "US-001", EffectivePasses: true}

	resp := env.post(t, "/api/update", pipeline.UpdateRequest{Branch: "ralph/a", StoryID: "US-001", Passes: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	events := env.activity.recorded()
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].eventType != "update" || events[0].branch != "ralph/a" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].executionID != "exec-ralph/a" {
		t.Errorf("executionID = %q, want the resolved execution id", events[0].executionID)
	}
}

func TestUpdate_GuardrailMapsTo422(t *testing.T) {
	env := newEnv(t)
	env.updater.err = &pipeline.GuardrailError{Kind: "scope_hard_limit", Message: "too big"}

	resp := env.post(t, "/api/update", pipeline.UpdateRequest{Branch: "ralph/a", StoryID: "US-001"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestUpdate_NotFoundMapsTo404(t *testing.T) {
	env := newEnv(t)
	env.updater.err = fmt.Errorf("execution ralph/ghost: %w", state.ErrNotFound)

	resp := env.post(t, "/api/update", pipeline.UpdateRequest{Branch: "ralph/ghost", StoryID: "US-001"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestClaim_AtomicAndRejectsSecond(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusReady})

	resp := env.post(t, "/api/claim", map[string]any{"branch": "ralph/a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "starting" || body["launchAttempts"].(float64) != 1 {
		t.Errorf("claim result = %v", body)
	}

	resp = env.post(t, "/api/claim", map[string]any{"branch": "ralph/a"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status = %d, want 409", resp.StatusCode)
	}
}

func TestStop_WithDeleteRecordArchives(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusRunning})

	resp := env.post(t, "/api/stop", map[string]any{"branch": "ralph/a", "deleteRecord": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	if _, err := env.store.FindByBranch("ralph/a"); err == nil {
		t.Error("execution still active after archive")
	}
	archived, err := env.store.FindArchivedByBranch("ralph/a")
	if err != nil || len(archived) != 1 {
		t.Fatalf("archived = %v, err = %v", archived, err)
	}
	if archived[0].Status != state.StatusStopped {
		t.Errorf("archived status = %s", archived[0].Status)
	}
}

func TestRetry_RequeuesFailed(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusFailed, LastError: "boom"})

	resp := env.post(t, "/api/retry", map[string]any{"branch": "ralph/a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ready" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestRetry_RunningConflicts(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusRunning})

	resp := env.post(t, "/api/retry", map[string]any{"branch": "ralph/a"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestMerge_EnqueueListRemove(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{ID: "e1", Branch: "ralph/a", Status: state.StatusCompleted})

	resp := env.post(t, "/api/merge", map[string]any{"action": "enqueue", "branch": "ralph/a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if env.merges.kicks != 1 {
		t.Errorf("kicks = %d, want 1", env.merges.kicks)
	}

	resp = env.post(t, "/api/merge", map[string]any{"action": "list"})
	body := decode[map[string]any](t, resp)
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %d", len(items))
	}
	itemID := int(items[0].(map[string]any)["id"].(float64))

	resp = env.post(t, "/api/merge", map[string]any{"action": "remove", "itemId": itemID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	queue, _ := env.store.ListMergeQueue()
	if len(queue) != 0 {
		t.Errorf("queue = %v after remove", queue)
	}
}

func TestShutdown_RefusesWhileRunningUnlessForced(t *testing.T) {
	env := newEnv(t)
	seed(t, env.store, state.Execution{Branch: "ralph/a", Status: state.StatusRunning})

	resp := env.post(t, "/api/shutdown", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	resp = env.post(t, "/api/shutdown", map[string]any{"force": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forced status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	select {
	case <-env.shutdowns:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown func not invoked")
	}
}
