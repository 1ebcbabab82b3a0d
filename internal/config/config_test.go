package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orchard-dev/orchard/internal/domain"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("binary = %q, want claude", cfg.Agent.Binary)
	}
	if cfg.Janitor.CronSpec != "0 * * * *" {
		t.Errorf("cron = %q", cfg.Janitor.CronSpec)
	}
	if cfg.Agent.RingCapacity != 100 {
		t.Errorf("ring capacity = %d, want 100", cfg.Agent.RingCapacity)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
worktree_root = "~/work/trees"

[agent]
binary = "my-agent"
max_turns = 10

[events]
listen_addr = "0.0.0.0:9000"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Binary != "my-agent" {
		t.Errorf("binary = %q, want my-agent", cfg.Agent.Binary)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("max_turns = %d, want 10", cfg.Agent.MaxTurns)
	}
	if cfg.Events.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.Events.ListenAddr)
	}
	// Untouched sections keep their defaults
	if cfg.Agent.Model == "" {
		t.Error("model default lost")
	}

	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "work", "trees"); cfg.General.WorktreeRoot != want {
		t.Errorf("worktree_root = %q, want %q (tilde expanded)", cfg.General.WorktreeRoot, want)
	}
}

func TestLoad_RejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[general\nbroken"), 0644)

	if _, err := Load(path); err == nil {
		t.Fatal("malformed TOML accepted")
	}
}

func writeWorkspace(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchard.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWorkspace(t *testing.T) {
	path := writeWorkspace(t, `
repos:
  - name: api
    path: /srv/api
    role: primary
    default_branch: develop
  - name: lib
    path: /srv/lib
`)

	ws, err := LoadWorkspace(path)
	if err != nil {
		t.Fatal(err)
	}

	primary, ok := ws.Primary()
	if !ok || primary.Name != "api" {
		t.Fatalf("primary = %+v, ok = %v", primary, ok)
	}
	if primary.DefaultBranch != "develop" {
		t.Errorf("primary branch = %q, want develop", primary.DefaultBranch)
	}

	deps := ws.Dependencies()
	if len(deps) != 1 || deps[0].Name != "lib" {
		t.Fatalf("dependencies = %+v", deps)
	}
	// Defaults applied to unspecified fields
	if deps[0].DefaultBranch != "main" {
		t.Errorf("dep branch = %q, want main", deps[0].DefaultBranch)
	}
	if deps[0].Role != domain.RoleDependency {
		t.Errorf("dep role = %q, want %q", deps[0].Role, domain.RoleDependency)
	}
}

func TestLoadWorkspace_RequiresExactlyOnePrimary(t *testing.T) {
	cases := map[string]string{
		"none": `
repos:
  - name: api
    path: /srv/api
`,
		"two": `
repos:
  - name: api
    path: /srv/api
    role: primary
  - name: lib
    path: /srv/lib
    role: primary
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadWorkspace(writeWorkspace(t, content)); err == nil {
				t.Fatal("manifest accepted")
			}
		})
	}
}

func TestLoadWorkspace_RejectsDuplicateNames(t *testing.T) {
	path := writeWorkspace(t, `
repos:
  - name: api
    path: /srv/api
    role: primary
  - name: api
    path: /srv/other
`)
	if _, err := LoadWorkspace(path); err == nil {
		t.Fatal("duplicate repo names accepted")
	}
}
