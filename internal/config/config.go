package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/orchard-dev/orchard/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Agent   AgentConfig   `toml:"agent"`
	Events  EventsConfig  `toml:"events"`
	Janitor JanitorConfig `toml:"janitor"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorktreeRoot  string `toml:"worktree_root"`
	DatabasePath  string `toml:"database_path"`
	WorkspaceFile string `toml:"workspace_file"`
}

// AgentConfig holds worker process settings
type AgentConfig struct {
	Binary       string `toml:"binary"`
	Model        string `toml:"model"`
	MaxTurns     int    `toml:"max_turns"`
	RingCapacity int    `toml:"ring_capacity"`
	MaxParallel  int    `toml:"max_parallel"`
	TokenEnvVar  string `toml:"token_env_var"`
	TokenFile    string `toml:"token_file"`
}

// EventsConfig holds event bridge settings
type EventsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// JanitorConfig holds stale-workspace sweep settings
type JanitorConfig struct {
	CronSpec     string `toml:"cron_spec"`
	MaxIdleHours int    `toml:"max_idle_hours"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			WorktreeRoot:  filepath.Join(home, ".orchard", "worktrees"),
			DatabasePath:  filepath.Join(home, ".orchard", "orchard.db"),
			WorkspaceFile: "orchard.yaml",
		},
		Agent: AgentConfig{
			Binary:       "claude",
			Model:        "claude-sonnet-4-20250514",
			MaxTurns:     50,
			RingCapacity: 100,
			MaxParallel:  3,
			TokenEnvVar:  "ANTHROPIC_API_KEY",
		},
		Events: EventsConfig{
			ListenAddr: "127.0.0.1:7483",
		},
		Janitor: JanitorConfig{
			CronSpec:     "0 * * * *",
			MaxIdleHours: 24,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.WorktreeRoot = ExpandPath(cfg.General.WorktreeRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkspaceFile = ExpandPath(cfg.General.WorkspaceFile)
	cfg.Agent.TokenFile = ExpandPath(cfg.Agent.TokenFile)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "orchard", "config.toml")
}

// Workspace is the multi-repo manifest: one primary repository and any
// number of dependency repositories participating in features
type Workspace struct {
	Repos []domain.RepoConfig `yaml:"repos"`
}

// Primary returns the repository marked primary
func (w *Workspace) Primary() (domain.RepoConfig, bool) {
	for _, r := range w.Repos {
		if r.Role == domain.RolePrimary {
			return r, true
		}
	}
	return domain.RepoConfig{}, false
}

// Dependencies returns the repositories not marked primary
func (w *Workspace) Dependencies() []domain.RepoConfig {
	var out []domain.RepoConfig
	for _, r := range w.Repos {
		if r.Role != domain.RolePrimary {
			out = append(out, r)
		}
	}
	return out
}

// LoadWorkspace reads and validates the YAML workspace manifest
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workspace manifest: %w", err)
	}

	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parsing workspace manifest: %w", err)
	}

	if len(ws.Repos) == 0 {
		return nil, fmt.Errorf("workspace manifest lists no repositories")
	}
	primaries := 0
	seen := make(map[string]bool)
	for i := range ws.Repos {
		r := &ws.Repos[i]
		if r.Name == "" {
			return nil, fmt.Errorf("repository %d has no name", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("repository %q listed twice", r.Name)
		}
		seen[r.Name] = true
		if r.Path == "" {
			return nil, fmt.Errorf("repository %q has no path", r.Name)
		}
		r.Path = ExpandPath(r.Path)
		if r.DefaultBranch == "" {
			r.DefaultBranch = "main"
		}
		if r.Role == "" {
			r.Role = domain.RoleDependency
		}
		if r.Role == domain.RolePrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("workspace manifest must mark exactly one primary repository, found %d", primaries)
	}

	return &ws, nil
}
