package gitops

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/shell"
)

// Client wraps the git plumbing the orchestrator needs. All operations run
// against repoPath unless a worktree path is passed explicitly.
type Client struct {
	repoPath string
}

// New returns a Client rooted at the main repository.
func New(repoPath string) *Client {
	return &Client{repoPath: repoPath}
}

func (c *Client) runner(dir string) *shell.Runner {
	if dir == "" {
		dir = c.repoPath
	}
	return &shell.Runner{Dir: dir}
}

// BranchExists checks whether a branch exists in the local repo.
func (c *Client) BranchExists(ctx context.Context, branch string) bool {
	_, err := c.runner("").Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// BranchHead returns the commit sha a branch points at.
func (c *Client) BranchHead(ctx context.Context, branch string) (string, error) {
	out, err := c.runner("").RunTrimmed(ctx, "git", "rev-parse", "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("resolving head of %s: %w", branch, err)
	}
	return out, nil
}

// MergedBranches lists branches already merged into origin/main, falling
// back to main when the remote ref does not exist.
func (c *Client) MergedBranches(ctx context.Context) ([]string, error) {
	out, err := c.runner("").Run(ctx, "git", "branch", "--format=%(refname:short)", "--merged", "origin/main")
	if err != nil {
		out, err = c.runner("").Run(ctx, "git", "branch", "--format=%(refname:short)", "--merged", "main")
		if err != nil {
			return nil, fmt.Errorf("listing merged branches: %w", err)
		}
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			branches = append(branches, name)
		}
	}
	return branches, nil
}

// IsAncestor returns true when ancestor is an ancestor of descendant.
func (c *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := c.runner("").Run(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return true, nil
}

// AddWorktree creates a worktree at path for branch, creating the branch
// from the current HEAD when it does not exist yet.
func (c *Client) AddWorktree(ctx context.Context, path, branch string) error {
	args := []string{"worktree", "add", path, branch}
	if !c.BranchExists(ctx, branch) {
		args = []string{"worktree", "add", "-b", branch, path}
	}
	if _, err := c.runner("").Run(ctx, "git", args...); err != nil {
		return fmt.Errorf("adding worktree %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree removes a git worktree.
func (c *Client) RemoveWorktree(ctx context.Context, worktreePath string) error {
	_, err := c.runner("").Run(ctx, "git", "worktree", "remove", "--force", worktreePath)
	if err != nil {
		return fmt.Errorf("removing worktree %s: %w", worktreePath, err)
	}
	return nil
}

// HeadCommitTime returns the committer date of HEAD in the given directory.
func (c *Client) HeadCommitTime(ctx context.Context, dir string) (time.Time, error) {
	out, err := c.runner(dir).RunTrimmed(ctx, "git", "log", "-1", "--format=%ct")
	if err != nil {
		return time.Time{}, fmt.Errorf("reading HEAD commit time: %w", err)
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing commit time %q: %w", out, err)
	}
	return time.Unix(secs, 0), nil
}

// FileStat is one row of a numstat diff. Binary files report zero lines.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
}

// Lines returns added+deleted.
func (f FileStat) Lines() int { return f.Added + f.Deleted }

// DiffNumStat returns per-file line counts between baseRef and the working
// tree of dir (committed and uncommitted changes combined).
func (c *Client) DiffNumStat(ctx context.Context, dir, baseRef string) ([]FileStat, error) {
	out, err := c.runner(dir).Run(ctx, "git", "diff", "--numstat", baseRef)
	if err != nil {
		return nil, fmt.Errorf("diff numstat against %s: %w", baseRef, err)
	}
	return parseNumStat(out), nil
}

func parseNumStat(out string) []FileStat {
	var stats []FileStat
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files show "-" counts.
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		stats = append(stats, FileStat{
			Path:    strings.Join(fields[2:], " "),
			Added:   added,
			Deleted: deleted,
		})
	}
	return stats
}

// ChangedFiles lists paths changed in the working tree of dir relative to
// HEAD, including untracked files.
func (c *Client) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.runner(dir).Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing changed files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames show "old -> new"; keep the new path.
		if _, after, found := strings.Cut(path, " -> "); found {
			path = after
		}
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// MergeResult describes the outcome of a merge attempt.
type MergeResult struct {
	Success      bool
	HasConflicts bool
	CommitSha    string
}

// Merge checks out baseBranch and merges featureBranch into it with the
// given strategy option ("theirs", "ours", or "" for a plain merge).
// Conflicts are reported, not treated as errors; the merge is left in
// progress for AbortMerge or manual resolution.
func (c *Client) Merge(ctx context.Context, featureBranch, baseBranch, strategyOption string) (MergeResult, error) {
	r := c.runner("")
	if _, err := r.Run(ctx, "git", "checkout", baseBranch); err != nil {
		return MergeResult{}, fmt.Errorf("checking out %s: %w", baseBranch, err)
	}

	args := []string{"merge", "--no-edit"}
	if strategyOption != "" {
		args = append(args, "-X", strategyOption)
	}
	args = append(args, featureBranch)

	if _, err := r.Run(ctx, "git", args...); err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			conflicts, checkErr := c.ConflictFiles(ctx)
			if checkErr == nil && len(conflicts) > 0 {
				return MergeResult{HasConflicts: true}, nil
			}
		}
		return MergeResult{}, fmt.Errorf("merging %s into %s: %w", featureBranch, baseBranch, err)
	}

	sha, err := r.RunTrimmed(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return MergeResult{}, fmt.Errorf("reading merge commit: %w", err)
	}
	return MergeResult{Success: true, CommitSha: sha}, nil
}

// AbortMerge runs git merge --abort.
func (c *Client) AbortMerge(ctx context.Context) error {
	if _, err := c.runner("").Run(ctx, "git", "merge", "--abort"); err != nil {
		return fmt.Errorf("aborting merge: %w", err)
	}
	return nil
}

// ConflictFiles returns the list of files with unresolved conflicts.
func (c *Client) ConflictFiles(ctx context.Context) ([]string, error) {
	out, err := c.runner("").RunTrimmed(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("listing conflict files: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// SyncFromMain merges the base branch into the worktree's branch so a
// dependent execution starts from its dependency's merged work.
func (c *Client) SyncFromMain(ctx context.Context, worktreePath, baseBranch string) error {
	r := c.runner(worktreePath)
	if _, err := r.Run(ctx, "git", "merge", "--no-edit", baseBranch); err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) {
			// Leave the tree clean for the agent.
			c.runner(worktreePath).Run(ctx, "git", "merge", "--abort")
		}
		return fmt.Errorf("syncing %s from %s: %w", worktreePath, baseBranch, err)
	}
	return nil
}

// CurrentBranch returns the branch checked out in dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.runner(dir).RunTrimmed(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return out, nil
}
