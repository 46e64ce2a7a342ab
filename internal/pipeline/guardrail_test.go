package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/uesteibar/ralphd/internal/gitops"
)

func guardrailKind(t *testing.T, err error) GuardrailKind {
	t.Helper()
	var gerr *GuardrailError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GuardrailError, got %v", err)
	}
	return gerr.Kind
}

func TestCheckScope_SmallDiffPasses(t *testing.T) {
	warning, err := checkScope([]gitops.FileStat{
		{Path: "internal/state/store.go", Added: 120, Deleted: 30},
	}, "")
	if err != nil {
		t.Fatalf("checkScope: %v", err)
	}
	if warning != "" {
		t.Errorf("unexpected warning %q", warning)
	}
}

func TestCheckScope_HardLimitRejects(t *testing.T) {
	_, err := checkScope([]gitops.FileStat{
		{Path: "internal/server/server.go", Added: 3500, Deleted: 100},
	}, "big rewrite of server.go")
	if guardrailKind(t, err) != GuardrailScopeHard {
		t.Fatalf("unexpected kind: %v", err)
	}
}

func TestCheckScope_TooManyFilesIsHard(t *testing.T) {
	var stats []gitops.FileStat
	for i := range 26 {
		stats = append(stats, gitops.FileStat{Path: strings.Repeat("f", i+1) + ".go", Added: 10})
	}
	_, err := checkScope(stats, "")
	if guardrailKind(t, err) != GuardrailScopeHard {
		t.Fatalf("unexpected kind: %v", err)
	}
}

func TestCheckScope_WarnRequiresExplanationPerFile(t *testing.T) {
	stats := []gitops.FileStat{
		{Path: "internal/a/a.go", Added: 900},
		{Path: "internal/b/b.go", Added: 800},
		{Path: "internal/c/small.go", Added: 20},
	}

	_, err := checkScope(stats, "refactored a.go")
	gerr := &GuardrailError{}
	if !errors.As(err, &gerr) || gerr.Kind != GuardrailScopeUnexplained {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gerr.Message, "b.go") || strings.Contains(gerr.Message, "small.go") {
		t.Errorf("message should name only large unexplained files: %s", gerr.Message)
	}

	warning, err := checkScope(stats, "refactored a.go and moved helpers into b.go")
	if err != nil {
		t.Fatalf("explained warn should pass: %v", err)
	}
	if warning == "" {
		t.Error("large diff should carry a warning annotation")
	}
}

func TestCheckScope_ExcludesLockfilesAndVendored(t *testing.T) {
	warning, err := checkScope([]gitops.FileStat{
		{Path: "package-lock.json", Added: 9000},
		{Path: "vendor/dep/dep.go", Added: 5000},
		{Path: "node_modules/x/index.js", Added: 4000},
		{Path: "internal/a/a.go", Added: 40},
	}, "")
	if err != nil {
		t.Fatalf("excluded files must not count: %v", err)
	}
	if warning != "" {
		t.Errorf("unexpected warning %q", warning)
	}
}

func TestReconcileDiff_NoExpectationsIsNoop(t *testing.T) {
	unused, err := reconcileDiff(nil, []string{"a.go", "b.go"}, "")
	if err != nil || unused != nil {
		t.Fatalf("unexpected result: %v %v", unused, err)
	}
}

func TestReconcileDiff_UnexpectedNeedsExplanation(t *testing.T) {
	expected := []string{"a.go", "b.go", "c.go"}
	actual := []string{"a.go", "b.go", "c.go", "d.go"}

	_, err := reconcileDiff(expected, actual, "")
	if guardrailKind(t, err) != GuardrailUnexpectedFiles {
		t.Fatalf("unexpected kind: %v", err)
	}

	unused, err := reconcileDiff(expected, actual, "also touched d.go for the shared type")
	if err != nil {
		t.Fatalf("explained unexpected file should pass: %v", err)
	}
	if unused != nil {
		t.Errorf("unused = %v", unused)
	}
}

func TestReconcileDiff_ReportsUnusedFiles(t *testing.T) {
	unused, err := reconcileDiff([]string{"a.go", "b.go"}, []string{"a.go"}, "")
	if err != nil {
		t.Fatalf("reconcileDiff: %v", err)
	}
	if len(unused) != 1 || unused[0] != "b.go" {
		t.Errorf("unused = %v", unused)
	}
}

func TestReconcileDiff_DivergenceRejects(t *testing.T) {
	// 2 of 3 actual files undeclared: 66% divergence.
	_, err := reconcileDiff([]string{"a.go"}, []string{"a.go", "x.go", "y.go"}, "touched x.go and y.go")
	if guardrailKind(t, err) != GuardrailDivergence {
		t.Fatalf("unexpected kind: %v", err)
	}
}
