package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/uesteibar/ralphd/internal/gitops"
)

// Scope thresholds. WARN requires an explanation; HARD rejects outright.
const (
	ScopeWarnLines = 1500
	ScopeWarnFiles = 15
	ScopeHardLines = 3000
	ScopeHardFiles = 25

	// Files above this many changed lines must be covered by the
	// explanation individually.
	scopeExplainLineFloor = 50
)

// scopeExcludes drops generated and dependency files from scope accounting.
var scopeExcludes = []string{
	"**/*.lock",
	"**/*.sum",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/node_modules/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/*.min.js",
	"**/*.map",
}

// GuardrailKind classifies a guardrail rejection.
type GuardrailKind string

const (
	GuardrailScopeHard        GuardrailKind = "scope_hard_limit"
	GuardrailScopeUnexplained GuardrailKind = "scope_unexplained"
	GuardrailUnexpectedFiles  GuardrailKind = "unexpected_files"
	GuardrailDivergence       GuardrailKind = "diff_divergence"
)

// GuardrailError rejects an update that violates a scope or diff guardrail.
type GuardrailError struct {
	Kind    GuardrailKind
	Message string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %s: %s", e.Kind, e.Message)
}

// checkScope enforces the scope guardrail on a numstat diff. It returns a
// warning annotation when the diff is large but adequately explained.
func checkScope(stats []gitops.FileStat, explanation string) (string, error) {
	var lines, files int
	var kept []gitops.FileStat
	for _, stat := range stats {
		if excludedFromScope(stat.Path) {
			continue
		}
		kept = append(kept, stat)
		lines += stat.Lines()
		files++
	}

	if lines > ScopeHardLines || files > ScopeHardFiles {
		return "", &GuardrailError{
			Kind: GuardrailScopeHard,
			Message: fmt.Sprintf(
				"diff spans %d lines across %d files, over the hard limit of %d lines / %d files; split this story",
				lines, files, ScopeHardLines, ScopeHardFiles),
		}
	}

	if lines <= ScopeWarnLines && files <= ScopeWarnFiles {
		return "", nil
	}

	var unexplained []string
	for _, stat := range kept {
		if stat.Lines() <= scopeExplainLineFloor {
			continue
		}
		if !mentionsFile(explanation, stat.Path) {
			unexplained = append(unexplained, stat.Path)
		}
	}
	if len(unexplained) > 0 {
		sort.Strings(unexplained)
		return "", &GuardrailError{
			Kind: GuardrailScopeUnexplained,
			Message: fmt.Sprintf(
				"diff spans %d lines across %d files; provide a scopeExplanation covering: %s",
				lines, files, strings.Join(unexplained, ", ")),
		}
	}

	return fmt.Sprintf("large diff: %d lines across %d files", lines, files), nil
}

func excludedFromScope(path string) bool {
	for _, pattern := range scopeExcludes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// mentionsFile accepts an explanation that names the file by full path or
// base name.
func mentionsFile(explanation, path string) bool {
	if explanation == "" {
		return false
	}
	return strings.Contains(explanation, path) ||
		strings.Contains(explanation, filepath.Base(path))
}

// reconcileDiff compares declared and actual changed files. Unexpected
// files need an explanation naming them; past 50% divergence the update is
// rejected regardless.
func reconcileDiff(expected, actual []string, explanation string) (unused []string, err error) {
	if len(expected) == 0 {
		return nil, nil
	}

	expectedSet := make(map[string]bool, len(expected))
	for _, f := range expected {
		expectedSet[f] = true
	}
	actualSet := make(map[string]bool, len(actual))
	for _, f := range actual {
		actualSet[f] = true
	}

	var unexpected []string
	for _, f := range actual {
		if !expectedSet[f] {
			unexpected = append(unexpected, f)
		}
	}
	for _, f := range expected {
		if !actualSet[f] {
			unused = append(unused, f)
		}
	}

	if len(actual) > 0 && float64(len(unexpected))/float64(len(actual)) > 0.5 {
		sort.Strings(unexpected)
		return nil, &GuardrailError{
			Kind: GuardrailDivergence,
			Message: fmt.Sprintf(
				"%d of %d changed files were not declared (%s); re-scope the story",
				len(unexpected), len(actual), strings.Join(unexpected, ", ")),
		}
	}

	var unexplainedFiles []string
	for _, f := range unexpected {
		if !mentionsFile(explanation, f) {
			unexplainedFiles = append(unexplainedFiles, f)
		}
	}
	if len(unexplainedFiles) > 0 {
		sort.Strings(unexplainedFiles)
		return nil, &GuardrailError{
			Kind: GuardrailUnexpectedFiles,
			Message: fmt.Sprintf(
				"changed files not declared in expectedFiles: %s; add them or explain via unexpectedFileExplanation",
				strings.Join(unexplainedFiles, ", ")),
		}
	}

	sort.Strings(unused)
	return unused, nil
}
