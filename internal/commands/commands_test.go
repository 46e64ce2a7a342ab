package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubDaemon records the last request per path and replies with canned
// bodies.
type stubDaemon struct {
	t       *testing.T
	mux     *http.ServeMux
	server  *httptest.Server
	lastReq map[string]map[string]any
}

func newStubDaemon(t *testing.T) *stubDaemon {
	t.Helper()
	d := &stubDaemon{t: t, mux: http.NewServeMux(), lastReq: make(map[string]map[string]any)}
	d.server = httptest.NewServer(d.mux)
	t.Cleanup(d.server.Close)
	return d
}

// addr strips the scheme so it can be passed as --addr.
func (d *stubDaemon) addr() string {
	return strings.TrimPrefix(d.server.URL, "http://")
}

func (d *stubDaemon) reply(pattern string, status int, body any) {
	d.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}
		d.lastReq[r.URL.Path] = req
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
}

func TestStart_PostsRequestAndPrintsResult(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/executions", http.StatusCreated, map[string]any{
		"executionId": "id-1",
		"branch":      "ralph/feature-x",
		"status":      "ready",
		"stories":     []map[string]string{{"storyId": "US-001", "title": "First"}},
	})

	err := Start([]string{"--addr", d.addr(), "--priority", "P0", "--auto-merge", "tasks/feature-x.md"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := d.lastReq["/api/executions"]
	if req["priority"] != "P0" {
		t.Errorf("priority = %v", req["priority"])
	}
	if req["autoMerge"] != true {
		t.Errorf("autoMerge = %v", req["autoMerge"])
	}
	if path, _ := req["prdPath"].(string); !filepath.IsAbs(path) || !strings.HasSuffix(path, "tasks/feature-x.md") {
		t.Errorf("prdPath = %v", req["prdPath"])
	}
	if req["worktree"] != true {
		t.Errorf("worktree = %v, want default true", req["worktree"])
	}
}

func TestStart_RequiresPrdArgument(t *testing.T) {
	if err := Start([]string{"--addr", "127.0.0.1:1"}); err == nil {
		t.Fatal("expected usage error without prd path")
	}
}

func TestStart_SurfacesDaemonError(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/executions", http.StatusConflict, map[string]string{
		"error": "branch ralph/feature-x already exists",
	})

	err := Start([]string{"--addr", d.addr(), "tasks/feature-x.md"})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("err = %v", err)
	}
}

func TestStatus_SendsQueryParameters(t *testing.T) {
	d := newStubDaemon(t)
	var gotQuery string
	d.mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok", "uptime": "1m", "active": 1, "cap": 4,
			"counts":      map[string]int{"running": 1},
			"executions":  []map[string]any{{"branch": "ralph/a", "status": "running", "priority": "P1"}},
			"archive":     []map[string]any{},
			"suggestions": []string{},
		})
	})

	err := Status([]string{"--addr", d.addr(), "--project", "demo", "--no-reconcile", "--history", "3"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, want := range []string{"project=demo", "reconcile=false", "historyLimit=3"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestStop_SendsBranchAndDelete(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/stop", http.StatusOK, map[string]any{
		"branch": "ralph/a", "status": "stopped", "archived": true,
	})

	if err := Stop([]string{"--addr", d.addr(), "--delete", "ralph/a"}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	req := d.lastReq["/api/stop"]
	if req["branch"] != "ralph/a" || req["deleteRecord"] != true {
		t.Errorf("request = %v", req)
	}
}

func TestRetry_SendsBranch(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/retry", http.StatusOK, map[string]any{"branch": "ralph/a", "status": "ready"})

	if err := Retry([]string{"--addr", d.addr(), "ralph/a"}); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if d.lastReq["/api/retry"]["branch"] != "ralph/a" {
		t.Errorf("request = %v", d.lastReq["/api/retry"])
	}
}

func TestClaim_SendsBranch(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/claim", http.StatusOK, map[string]any{
		"branch": "ralph/a", "status": "starting", "launchAttempts": 1,
	})

	if err := Claim([]string{"--addr", d.addr(), "ralph/a"}); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if d.lastReq["/api/claim"]["branch"] != "ralph/a" {
		t.Errorf("request = %v", d.lastReq["/api/claim"])
	}
}

func TestUpdate_MergesStdinAndFlags(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/update", http.StatusOK, map[string]any{
		"branch": "ralph/a", "storyId": "US-001", "effectivePasses": true,
	})

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	w.WriteString(`{"branch":"ralph/a","storyId":"US-001","acEvidence":{"AC1":{"passes":true,"evidence":"ran tests"}}}`)
	w.Close()
	origStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = origStdin }()

	err = Update([]string{"--addr", d.addr(), "--stdin", "--passes", "--step", "verifying"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	req := d.lastReq["/api/update"]
	if req["branch"] != "ralph/a" || req["storyId"] != "US-001" {
		t.Errorf("request = %v", req)
	}
	if req["passes"] != true || req["step"] != "verifying" {
		t.Errorf("flag overlay lost: %v", req)
	}
	if _, ok := req["acEvidence"]; !ok {
		t.Errorf("stdin evidence lost: %v", req)
	}
}

func TestUpdate_RequiresBranchAndStory(t *testing.T) {
	if err := Update([]string{"--addr", "127.0.0.1:1", "--branch", "ralph/a"}); err == nil {
		t.Fatal("expected error without --story")
	}
}

func TestMerge_Actions(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/merge", http.StatusOK, map[string]any{
		"items":   []map[string]any{{"id": 1, "executionId": "id-1", "position": 1, "status": "pending"}},
		"item":    map[string]any{"id": 2, "position": 2},
		"results": []map[string]any{},
	})

	if err := Merge([]string{"--addr", d.addr(), "list"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if d.lastReq["/api/merge"]["action"] != "list" {
		t.Errorf("request = %v", d.lastReq["/api/merge"])
	}

	if err := Merge([]string{"--addr", d.addr(), "enqueue", "ralph/a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	req := d.lastReq["/api/merge"]
	if req["action"] != "enqueue" || req["branch"] != "ralph/a" {
		t.Errorf("request = %v", req)
	}

	if err := Merge([]string{"--addr", d.addr(), "remove", "2"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	req = d.lastReq["/api/merge"]
	if req["action"] != "remove" || req["itemId"] != float64(2) {
		t.Errorf("request = %v", req)
	}

	if err := Merge([]string{"--addr", d.addr(), "remove", "nope"}); err == nil {
		t.Fatal("expected error for non-numeric item id")
	}
	if err := Merge([]string{"--addr", d.addr(), "explode"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestShutdown_SendsForce(t *testing.T) {
	d := newStubDaemon(t)
	d.reply("POST /api/shutdown", http.StatusOK, map[string]string{"status": "shutting down"})

	if err := Shutdown([]string{"--addr", d.addr(), "--force"}); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if d.lastReq["/api/shutdown"]["force"] != true {
		t.Errorf("request = %v", d.lastReq["/api/shutdown"])
	}
}

func TestResolveAddr_FlagWins(t *testing.T) {
	addr, err := resolveAddr("127.0.0.1:9999", "")
	if err != nil {
		t.Fatalf("resolveAddr: %v", err)
	}
	if addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q", addr)
	}
}

func TestResolveAddr_FallsBackToConfig(t *testing.T) {
	dir := t.TempDir()
	ralphDir := filepath.Join(dir, ".ralph")
	if err := os.MkdirAll(ralphDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(ralphDir, "ralphd.yaml")
	if err := os.WriteFile(cfgPath, []byte("project: Demo\nserver:\n  addr: 127.0.0.1:8123\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	addr, err := resolveAddr("", cfgPath)
	if err != nil {
		t.Fatalf("resolveAddr: %v", err)
	}
	if addr != "127.0.0.1:8123" {
		t.Errorf("addr = %q", addr)
	}
}
