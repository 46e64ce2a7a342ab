package deps

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/uesteibar/ralphd/internal/prd"
	"github.com/uesteibar/ralphd/internal/state"
)

// Store is the slice of the state store the resolver needs.
type Store interface {
	ListExecutions(filter state.Filter) ([]state.Execution, error)
	FindArchivedByBranch(branch string) ([]state.Execution, error)
}

// Resolution is the verdict for one execution's declared dependencies.
type Resolution struct {
	Satisfied bool     `json:"satisfied"`
	Pending   []string `json:"pending,omitempty"`
	Completed []string `json:"completed,omitempty"`
}

// Resolver decides whether an execution's PRD-level dependencies are
// satisfied. Dependency metadata is read lazily from PRD frontmatter at
// resolve time; there is no separate dependency graph.
type Resolver struct {
	store        Store
	prdDirs      []string
	branchPrefix string
}

// New creates a Resolver scanning the given PRD directories.
func New(store Store, prdDirs ...string) *Resolver {
	return &Resolver{
		store:        store,
		prdDirs:      prdDirs,
		branchPrefix: prd.DefaultBranchPrefix,
	}
}

// Resolve evaluates every declared dependency of exec. Unknown tokens count
// as pending, never as satisfied.
func (r *Resolver) Resolve(exec state.Execution) (Resolution, error) {
	res := Resolution{Satisfied: true}

	dirs := r.prdDirs
	if exec.ProjectRoot != "" {
		dirs = append(append([]string{}, dirs...), filepath.Join(exec.ProjectRoot, "tasks"))
	}
	if exec.PrdPath != "" {
		dirs = append(dirs, filepath.Dir(exec.PrdPath))
	}

	for _, token := range exec.Dependencies {
		done, err := r.resolveOne(token, dirs)
		if err != nil {
			return Resolution{}, err
		}
		if done {
			res.Completed = append(res.Completed, token)
		} else {
			res.Pending = append(res.Pending, token)
			res.Satisfied = false
		}
	}
	return res, nil
}

func (r *Resolver) resolveOne(token string, dirs []string) (bool, error) {
	normalized := r.normalize(token)

	fm, found := r.findPrd(token, normalized, dirs)
	if found {
		switch fm.Status {
		case "completed", "merged":
			return true, nil
		}
	}

	for _, branch := range r.candidateBranches(normalized, fm) {
		done, err := r.branchSatisfied(branch)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

// normalize turns a dependency token into a branch-like name: file
// extensions and paths are stripped, and bare tokens get the branch prefix.
func (r *Resolver) normalize(token string) string {
	t := strings.ReplaceAll(token, "\\", "/")
	t = strings.TrimSuffix(t, ".md")
	t = strings.TrimSuffix(t, ".json")

	// A token under the branch prefix is already a branch name; anything
	// else with a path component is a file reference, so keep the base.
	if !strings.HasPrefix(t, r.branchPrefix) && strings.Contains(t, "/") {
		t = filepath.Base(t)
	}
	if !strings.Contains(t, "/") {
		t = r.branchPrefix + t
	}
	return t
}

// findPrd locates the dependency's PRD file, first by filename and then by
// frontmatter match on id, slug, aliases, branch or branchName.
func (r *Resolver) findPrd(token, normalized string, dirs []string) (prd.Frontmatter, bool) {
	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(strings.ReplaceAll(token, "\\", "/")), ".md"), ".json")

	for _, dir := range dirs {
		for _, ext := range []string{".md", ".json"} {
			path := filepath.Join(dir, base+ext)
			if _, err := os.Stat(path); err == nil {
				fm, err := prd.ReadFrontmatter(path)
				if err == nil {
					return fm, true
				}
			}
		}
	}

	short := strings.TrimPrefix(normalized, r.branchPrefix)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
				continue
			}
			fm, err := prd.ReadFrontmatter(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if r.frontmatterMatches(fm, base, short, normalized) {
				return fm, true
			}
		}
	}
	return prd.Frontmatter{}, false
}

func (r *Resolver) frontmatterMatches(fm prd.Frontmatter, tokens ...string) bool {
	candidates := append([]string{fm.ID, fm.Slug, fm.Branch, fm.BranchName, r.titleBranch(fm)}, fm.Aliases...)
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for _, t := range tokens {
			if strings.EqualFold(c, t) {
				return true
			}
		}
	}
	return false
}

// candidateBranches collects every branch name the dependency might run
// under.
func (r *Resolver) candidateBranches(normalized string, fm prd.Frontmatter) []string {
	seen := map[string]bool{}
	var branches []string
	add := func(b string) {
		if b != "" && !seen[b] {
			seen[b] = true
			branches = append(branches, b)
		}
	}
	add(fm.Branch)
	add(fm.BranchName)
	add(r.titleBranch(fm))
	add(normalized)
	return branches
}

// titleBranch is the branch a PRD without an explicit branch runs under,
// derived from its title the same way start does.
func (r *Resolver) titleBranch(fm prd.Frontmatter) string {
	if fm.Title == "" {
		return ""
	}
	return prd.GenerateBranchName(fm.Title, r.branchPrefix)
}

// branchSatisfied checks active and archived executions for the branch.
func (r *Resolver) branchSatisfied(branch string) (bool, error) {
	active, err := r.store.ListExecutions(state.Filter{})
	if err != nil {
		return false, err
	}
	for _, exec := range active {
		if exec.Branch == branch {
			return exec.Status == state.StatusCompleted || exec.Status == state.StatusMerged, nil
		}
	}

	archived, err := r.store.FindArchivedByBranch(branch)
	if err != nil {
		return false, err
	}
	for _, exec := range archived {
		if exec.Status == state.StatusCompleted || exec.Status == state.StatusMerged {
			return true, nil
		}
	}
	return false, nil
}
