package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is parsed.
const (
	EnvDataDir     = "RALPHD_DATA_DIR"
	EnvMaxArchived = "RALPHD_MAX_ARCHIVED"
)

type Config struct {
	Project string       `yaml:"project"`
	Repo    RepoConfig   `yaml:"repo"`
	Runner  RunnerConfig `yaml:"runner"`
	Server  ServerConfig `yaml:"server"`
	GitHub  GitHubConfig `yaml:"github"`
}

type RepoConfig struct {
	Path        string `yaml:"-"` // derived from config file location, not from YAML
	DefaultBase string `yaml:"default_base"`
	TasksDir    string `yaml:"tasks_dir"`
}

type RunnerConfig struct {
	DataDir        string `yaml:"data_dir"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxArchived    int    `yaml:"max_archived"`
	AgentBinary    string `yaml:"agent_binary"`
	MaxTurns       int    `yaml:"max_turns"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// GitHubConfig enables issue notifications when owner and repo are set.
type GitHubConfig struct {
	Owner          string `yaml:"owner"`
	Repo           string `yaml:"repo"`
	Token          string `yaml:"token"`
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// DataDir returns the orchestrator state directory, defaulting to
// <repo>/.ralph/ralphd.
func (c *Config) DataDir() string {
	if c.Runner.DataDir != "" {
		return c.Runner.DataDir
	}
	return filepath.Join(c.Repo.Path, ".ralph", "ralphd")
}

// WorktreesDir returns where per-execution worktrees live.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.DataDir(), "worktrees")
}

// LogsDir returns where agent JSONL logs land.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), "logs")
}

// StatePath returns the path of the state document.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir(), "state.json")
}

// TasksDir returns the PRD directory, defaulting to <repo>/tasks.
func (c *Config) TasksDir() string {
	if c.Repo.TasksDir != "" {
		return filepath.Join(c.Repo.Path, c.Repo.TasksDir)
	}
	return filepath.Join(c.Repo.Path, "tasks")
}

// Addr returns the RPC listen address, defaulting to 127.0.0.1:7750.
func (c *Config) Addr() string {
	if c.Server.Addr != "" {
		return c.Server.Addr
	}
	return "127.0.0.1:7750"
}

// BaseBranch returns the merge target, defaulting to main.
func (c *Config) BaseBranch() string {
	if c.Repo.DefaultBase != "" {
		return c.Repo.DefaultBase
	}
	return "main"
}

// Load reads and parses a config file at the given path. Repo.Path is
// derived from the config file location (grandparent of the file, i.e. the
// directory containing .ralph/).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	cfg.Repo.Path = filepath.Dir(filepath.Dir(absPath))

	applyEnv(&cfg)
	return &cfg, nil
}

// Discover walks up from the current directory looking for
// .ralph/ralphd.yaml.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, ".ralph", "ralphd.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil, fmt.Errorf("no .ralph/ralphd.yaml found in current directory or parents")
}

// Resolve tries the explicit path first, then falls back to Discover.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	return Discover()
}

func applyEnv(cfg *Config) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.Runner.DataDir = dir
	}
	if raw := os.Getenv(EnvMaxArchived); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Runner.MaxArchived = n
		}
	}
}
