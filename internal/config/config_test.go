package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	ralphDir := filepath.Join(dir, ".ralph")
	if err := os.MkdirAll(ralphDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(ralphDir, "ralphd.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ParsesFieldsAndDerivesRepoPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `project: Demo
repo:
  default_base: develop
  tasks_dir: planning/prds
runner:
  max_concurrency: 5
  agent_binary: claude
server:
  addr: 127.0.0.1:9000
github:
  owner: octocat
  repo: hello
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Project != "Demo" {
		t.Errorf("Project = %q", cfg.Project)
	}
	if cfg.BaseBranch() != "develop" {
		t.Errorf("BaseBranch = %q", cfg.BaseBranch())
	}
	if cfg.Runner.MaxConcurrency != 5 {
		t.Errorf("MaxConcurrency = %d", cfg.Runner.MaxConcurrency)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.GitHub.Owner != "octocat" {
		t.Errorf("GitHub.Owner = %q", cfg.GitHub.Owner)
	}

	absDir, _ := filepath.EvalSymlinks(dir)
	absRepo, _ := filepath.EvalSymlinks(cfg.Repo.Path)
	if absRepo != absDir {
		t.Errorf("Repo.Path = %q, want %q", cfg.Repo.Path, dir)
	}
	if cfg.TasksDir() != filepath.Join(cfg.Repo.Path, "planning/prds") {
		t.Errorf("TasksDir = %q", cfg.TasksDir())
	}
}

func TestConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "project: Demo\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BaseBranch() != "main" {
		t.Errorf("BaseBranch = %q, want main", cfg.BaseBranch())
	}
	if cfg.Addr() != "127.0.0.1:7750" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.DataDir() != filepath.Join(cfg.Repo.Path, ".ralph", "ralphd") {
		t.Errorf("DataDir = %q", cfg.DataDir())
	}
	if cfg.StatePath() != filepath.Join(cfg.DataDir(), "state.json") {
		t.Errorf("StatePath = %q", cfg.StatePath())
	}
	if cfg.TasksDir() != filepath.Join(cfg.Repo.Path, "tasks") {
		t.Errorf("TasksDir = %q", cfg.TasksDir())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "project: Demo\nrunner:\n  data_dir: /from/file\n  max_archived: 10\n")

	t.Setenv(EnvDataDir, "/from/env")
	t.Setenv(EnvMaxArchived, "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir() != "/from/env" {
		t.Errorf("DataDir = %q, want env override", cfg.DataDir())
	}
	if cfg.Runner.MaxArchived != 25 {
		t.Errorf("MaxArchived = %d, want 25", cfg.Runner.MaxArchived)
	}
}

func TestLoad_InvalidEnvMaxArchivedIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "project: Demo\nrunner:\n  max_archived: 10\n")

	t.Setenv(EnvMaxArchived, "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxArchived != 10 {
		t.Errorf("MaxArchived = %d, want file value", cfg.Runner.MaxArchived)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/ralphd.yaml"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestDiscover_FromSubdirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "project: Test\nrepo:\n  default_base: main\n")

	subDir := filepath.Join(dir, "src", "deep")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(subDir)

	cfg, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if cfg.Project != "Test" {
		t.Errorf("Project = %q", cfg.Project)
	}
}

func TestResolve_ExplicitPathTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("project: Custom\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Project != "Custom" {
		t.Errorf("Project = %q", cfg.Project)
	}
}
