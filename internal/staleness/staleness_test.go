package staleness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uesteibar/ralphd/internal/state"
)

type fakeGit struct {
	headTime time.Time
	headErr  error
	changed  []string
}

func (f *fakeGit) HeadCommitTime(ctx context.Context, dir string) (time.Time, error) {
	return f.headTime, f.headErr
}

func (f *fakeGit) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	return f.changed, nil
}

func TestInferTaskType(t *testing.T) {
	cases := []struct {
		step, notes, lastError string
		want                   TaskType
	}{
		{"Implementing US-002", "", "", TaskImplementing},
		{"", "running go build ./...", "", TaskBuilding},
		{"", "", "test failure in store_test.go", TaskTesting},
		{"Verifying acceptance criteria", "", "", TaskVerifying},
		{"", "compiling frontend bundle", "", TaskBuilding},
		{"", "", "", TaskUnknown},
		{"thinking about architecture", "", "", TaskUnknown},
	}
	for _, c := range cases {
		if got := InferTaskType(c.step, c.notes, c.lastError); got != c.want {
			t.Errorf("InferTaskType(%q, %q, %q) = %s, want %s", c.step, c.notes, c.lastError, got, c.want)
		}
	}
}

func TestTimeoutOrdering(t *testing.T) {
	d := New(&fakeGit{})
	order := []TaskType{TaskImplementing, TaskBuilding, TaskTesting, TaskVerifying}
	for i := 1; i < len(order); i++ {
		if d.Timeout(order[i-1]) >= d.Timeout(order[i]) {
			t.Errorf("timeout for %s should be shorter than %s", order[i-1], order[i])
		}
	}
	if d.Timeout("bogus") != d.Timeout(TaskUnknown) {
		t.Error("unknown task types should use the fallback timeout")
	}
}

func TestCheck_StaleWhenAllSignalsOld(t *testing.T) {
	now := time.Now()
	git := &fakeGit{headTime: now.Add(-2 * time.Hour)}
	d := New(git, WithClock(func() time.Time { return now }))

	exec := state.Execution{
		Status:       state.StatusRunning,
		WorktreePath: t.TempDir(),
		CurrentStep:  "Implementing US-001",
		UpdatedAt:    now.Add(-time.Hour),
	}
	report, err := d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.IsStale {
		t.Fatalf("expected stale, got %+v", report)
	}
	if report.TaskType != TaskImplementing {
		t.Errorf("taskType = %s", report.TaskType)
	}
	if report.Timeout != 5*time.Minute {
		t.Errorf("timeout = %s", report.Timeout)
	}
	if report.Idle < time.Hour {
		t.Errorf("idle = %s, want at least the state gap", report.Idle)
	}
}

func TestCheck_FreshCommitKeepsAlive(t *testing.T) {
	now := time.Now()
	git := &fakeGit{headTime: now.Add(-time.Minute)}
	d := New(git, WithClock(func() time.Time { return now }))

	exec := state.Execution{
		Status:       state.StatusRunning,
		WorktreePath: t.TempDir(),
		CurrentStep:  "Implementing US-001",
		UpdatedAt:    now.Add(-time.Hour),
	}
	report, err := d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.IsStale {
		t.Fatalf("a minute-old commit must keep the execution alive: %+v", report)
	}
	if report.Signals.GitHeadCommit.IsZero() {
		t.Error("git signal missing from report")
	}
}

func TestCheck_ChangedFileMtimeCountsAsLiveness(t *testing.T) {
	now := time.Now()
	worktree := t.TempDir()
	name := "edited.go"
	if err := os.WriteFile(filepath.Join(worktree, name), []byte("package x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	git := &fakeGit{headTime: now.Add(-2 * time.Hour), changed: []string{name}}
	d := New(git, WithClock(func() time.Time { return now }))

	exec := state.Execution{
		Status:       state.StatusRunning,
		WorktreePath: worktree,
		UpdatedAt:    now.Add(-time.Hour),
	}
	report, err := d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.IsStale {
		t.Fatalf("freshly written file must count as liveness: %+v", report)
	}
	if report.Signals.ChangedFilesMaxMtime.IsZero() {
		t.Error("file mtime signal missing from report")
	}
}

func TestCheck_LogMtimeCountsAsLiveness(t *testing.T) {
	now := time.Now()
	logPath := filepath.Join(t.TempDir(), "agent.jsonl")
	if err := os.WriteFile(logPath, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	git := &fakeGit{headErr: os.ErrNotExist}
	d := New(git, WithClock(func() time.Time { return now }))

	exec := state.Execution{
		Status:    state.StatusRunning,
		LogPath:   logPath,
		UpdatedAt: now.Add(-time.Hour),
	}
	report, err := d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.IsStale {
		t.Fatalf("fresh log writes must count as liveness: %+v", report)
	}
}

func TestCheck_TaskTypeExtendsTimeout(t *testing.T) {
	now := time.Now()
	git := &fakeGit{headErr: os.ErrNotExist}
	d := New(git, WithClock(func() time.Time { return now }))

	// 7 minutes idle: stale for implementing (5m) but not for building (10m).
	exec := state.Execution{
		Status:    state.StatusRunning,
		UpdatedAt: now.Add(-7 * time.Minute),
	}

	exec.CurrentStep = "Implementing US-003"
	report, err := d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsStale {
		t.Errorf("implementing at 7m idle should be stale: %+v", report)
	}

	exec.CurrentStep = "Running the build"
	report, err = d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.IsStale {
		t.Errorf("building at 7m idle should not be stale: %+v", report)
	}
}

func TestCheck_BoundedFileScan(t *testing.T) {
	now := time.Now()
	worktree := t.TempDir()
	old := filepath.Join(worktree, "old.go")
	fresh := filepath.Join(worktree, "fresh.go")
	for _, f := range []string{old, fresh} {
		if err := os.WriteFile(f, []byte("package x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	past := now.Add(-3 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	// The fresh file is beyond the stat bound, so only the old one is seen.
	git := &fakeGit{headErr: os.ErrNotExist, changed: []string{"old.go", "fresh.go"}}
	d := New(git, WithClock(func() time.Time { return now }), WithMaxFilesToStat(1))

	exec := state.Execution{
		Status:       state.StatusRunning,
		WorktreePath: worktree,
		UpdatedAt:    now.Add(-time.Hour),
	}
	report, err := d.Check(context.Background(), exec, "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsStale {
		t.Fatalf("bounded scan must not see the fresh file: %+v", report)
	}
}
