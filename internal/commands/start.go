package commands

import (
	"flag"
	"fmt"
	"path/filepath"
)

// Start creates an execution from a PRD file via the daemon.
func Start(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	project := fs.String("project", "", "Project name to group executions under")
	worktree := fs.Bool("worktree", true, "Create an isolated git worktree for the execution")
	onConflict := fs.String("on-conflict", "", "Merge conflict strategy: auto_theirs, auto_ours, notify, agent (default notify)")
	autoMerge := fs.Bool("auto-merge", false, "Enqueue for merge automatically when all stories pass")
	notifyDone := fs.Bool("notify", false, "Notify when the execution completes")
	priority := fs.String("priority", "", "Scheduling priority: P0, P1 or P2 (default from PRD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ralphd start [flags] <prd-path>")
	}

	prdPath, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("resolving PRD path: %w", err)
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	req := map[string]any{
		"prdPath":          prdPath,
		"project":          *project,
		"worktree":         *worktree,
		"onConflict":       *onConflict,
		"autoMerge":        *autoMerge,
		"notifyOnComplete": *notifyDone,
		"priority":         *priority,
	}
	var resp struct {
		ExecutionID  string `json:"executionId"`
		Branch       string `json:"branch"`
		Status       string `json:"status"`
		WorktreePath string `json:"worktreePath"`
		Stories      []struct {
			StoryID string `json:"storyId"`
			Title   string `json:"title"`
		} `json:"stories"`
	}
	if err := newClient(addr).post("/api/executions", req, &resp); err != nil {
		return err
	}

	fmt.Printf("Started %s (%s)\n", resp.Branch, resp.Status)
	if resp.WorktreePath != "" {
		fmt.Printf("Worktree: %s\n", resp.WorktreePath)
	}
	for _, story := range resp.Stories {
		fmt.Printf("  %s  %s\n", story.StoryID, story.Title)
	}
	return nil
}
