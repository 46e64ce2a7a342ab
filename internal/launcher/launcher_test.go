package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uesteibar/ralphd/internal/state"
)

func TestLaunch_StartsDetachedProcess(t *testing.T) {
	logsDir := filepath.Join(t.TempDir(), "logs")
	l := &Launcher{Binary: "true", LogsDir: logsDir}

	res, err := l.Launch(context.Background(), state.Execution{
		Branch:       "ralph/feature-x",
		WorktreePath: t.TempDir(),
		PrdPath:      "tasks/feature-x.md",
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if res.AgentTaskID == "" {
		t.Error("expected a task id")
	}
	if res.PID <= 0 {
		t.Errorf("pid = %d", res.PID)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	base := filepath.Base(res.LogPath)
	if !strings.HasPrefix(base, "ralph-feature-x-") || !strings.HasSuffix(base, ".jsonl") {
		t.Errorf("log file name = %q", base)
	}
}

func TestLaunch_DistinctLogPerLaunch(t *testing.T) {
	logsDir := filepath.Join(t.TempDir(), "logs")
	l := &Launcher{Binary: "true", LogsDir: logsDir}
	ex := state.Execution{Branch: "ralph/a", WorktreePath: t.TempDir()}

	first, err := l.Launch(context.Background(), ex)
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Launch(context.Background(), ex)
	if err != nil {
		t.Fatal(err)
	}
	if first.LogPath == second.LogPath {
		t.Errorf("relaunch reused log file %s", first.LogPath)
	}
}

func TestLaunch_RequiresWorktree(t *testing.T) {
	l := &Launcher{Binary: "true", LogsDir: t.TempDir()}
	_, err := l.Launch(context.Background(), state.Execution{Branch: "ralph/a"})
	if err == nil {
		t.Fatal("expected error for missing worktree")
	}
}

func TestLaunch_MissingBinary(t *testing.T) {
	l := &Launcher{Binary: "definitely-not-a-real-binary", LogsDir: t.TempDir()}
	_, err := l.Launch(context.Background(), state.Execution{
		Branch:       "ralph/a",
		WorktreePath: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestPromptFor_UsesPrdPath(t *testing.T) {
	l := &Launcher{}
	prompt := l.promptFor(state.Execution{Branch: "ralph/a", PrdPath: "tasks/a.md"})
	if !strings.Contains(prompt, "tasks/a.md") {
		t.Errorf("prompt = %q", prompt)
	}

	l = &Launcher{BuildPrompt: func(state.Execution) string { return "custom" }}
	if got := l.promptFor(state.Execution{}); got != "custom" {
		t.Errorf("prompt = %q", got)
	}
}

func TestBuildArgs_MaxTurns(t *testing.T) {
	l := &Launcher{MaxTurns: 40}
	args := strings.Join(l.buildArgs(), " ")
	if !strings.Contains(args, "--max-turns 40") {
		t.Errorf("args = %q", args)
	}
	if !strings.Contains(args, "--output-format stream-json") {
		t.Errorf("args = %q", args)
	}

	l = &Launcher{}
	if strings.Contains(strings.Join(l.buildArgs(), " "), "--max-turns") {
		t.Error("unexpected --max-turns with zero MaxTurns")
	}
}
