package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/uesteibar/ralphd/internal/progresslog"
	"github.com/uesteibar/ralphd/internal/state"
)

// DefaultBinary is the agent CLI on PATH.
const DefaultBinary = "claude"

// Result reports a successful launch.
type Result struct {
	AgentTaskID string
	LogPath     string
	PID         int
}

// Launcher spawns a detached agent process per execution. The process
// outlives ralphd; its stream-json output lands in a per-launch log file
// that the staleness detector watches for liveness.
type Launcher struct {
	// Binary is the agent CLI. Defaults to DefaultBinary.
	Binary string

	// LogsDir receives one JSONL file per launch.
	LogsDir string

	// MaxTurns caps agentic turns per session. Zero means no flag.
	MaxTurns int

	// BuildPrompt overrides the default prompt written to the agent's
	// stdin. Optional.
	BuildPrompt func(ex state.Execution) string
}

// Launch starts the agent in the execution's worktree and returns once the
// process is running. The prompt is written to the agent's stdin.
func (l *Launcher) Launch(ctx context.Context, ex state.Execution) (Result, error) {
	if ex.WorktreePath == "" {
		return Result{}, fmt.Errorf("execution %s has no worktree", ex.Branch)
	}
	if err := os.MkdirAll(l.LogsDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating logs directory: %w", err)
	}

	taskID := uuid.NewString()
	logPath := filepath.Join(l.LogsDir, logFileName(ex.Branch, taskID))

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := l.buildCmd(ctx, ex)
	cmd.Stdin = strings.NewReader(l.promptFor(ex))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = spawnSysProcAttr()

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting agent for %s: %w", ex.Branch, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return Result{}, fmt.Errorf("detaching agent process: %w", err)
	}

	return Result{AgentTaskID: taskID, LogPath: logPath, PID: pid}, nil
}

func (l *Launcher) buildCmd(ctx context.Context, ex state.Execution) *exec.Cmd {
	binary := l.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	cmd := execCommand(ctx, binary, l.buildArgs()...)
	cmd.Dir = ex.WorktreePath
	return cmd
}

func (l *Launcher) buildArgs() []string {
	args := []string{
		"--dangerously-skip-permissions",
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if l.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(l.MaxTurns))
	}
	return args
}

func (l *Launcher) promptFor(ex state.Execution) string {
	if l.BuildPrompt != nil {
		return l.BuildPrompt(ex)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on branch %s.\n", ex.Branch)
	if ex.PrdPath != "" {
		fmt.Fprintf(&b, "Read the PRD at %s and work through its user stories in order.\n", ex.PrdPath)
	} else if ex.Description != "" {
		fmt.Fprintf(&b, "Task: %s\n", ex.Description)
	}
	fmt.Fprintf(&b, "Read %s in the worktree root for accumulated context before starting. Report each story result via the update RPC.\n", progresslog.DefaultFileName)
	return b.String()
}

// logFileName flattens the branch into a filesystem-safe prefix and keys the
// file by task id so relaunches never clobber an earlier log.
func logFileName(branch, taskID string) string {
	safe := strings.NewReplacer("/", "-", "\\", "-").Replace(branch)
	return fmt.Sprintf("%s-%s.jsonl", safe, taskID)
}

// execCommand is a package-level var for testability.
var execCommand = exec.CommandContext
