package main

import (
	"github.com/orchard-dev/orchard/internal/config"
	"github.com/orchard-dev/orchard/internal/coordinator"
	"github.com/orchard-dev/orchard/internal/credstore"
	"github.com/orchard-dev/orchard/internal/events"
	"github.com/orchard-dev/orchard/internal/procman"
	"github.com/orchard-dev/orchard/internal/runstore"
)

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// runtime bundles the wired collaborators a command needs
type runtime struct {
	cfg   *config.Config
	bus   *events.Bus
	store *runstore.Store
	orch  *procman.Orchestrator
}

func newRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}

	creds := credstore.Chain{
		credstore.EnvStore{Var: cfg.Agent.TokenEnvVar},
	}
	if cfg.Agent.TokenFile != "" {
		creds = append(creds, credstore.FileStore{Path: cfg.Agent.TokenFile})
	}

	bus := events.NewBus()
	orch := procman.New(procman.Options{
		Binary:       cfg.Agent.Binary,
		RingCapacity: cfg.Agent.RingCapacity,
		TokenEnvVar:  cfg.Agent.TokenEnvVar,
	}, bus, creds, store)

	return &runtime{cfg: cfg, bus: bus, store: store, orch: orch}, nil
}

func (r *runtime) close() {
	r.orch.Close()
	r.store.Close()
}

// coordinatorFor wires the multi-repo coordinator from the workspace
// manifest next to the working directory (or the configured path)
func (r *runtime) coordinatorFor() (*coordinator.Coordinator, error) {
	ws, err := config.LoadWorkspace(r.cfg.General.WorkspaceFile)
	if err != nil {
		return nil, err
	}

	primary, _ := ws.Primary()
	coord := coordinator.New(r.bus, nil)
	err = coord.InitializeWorkspace(coordinator.WorkspaceConfig{
		WorktreeRoot: r.cfg.General.WorktreeRoot,
		Primary:      primary,
		Dependencies: ws.Dependencies(),
	})
	if err != nil {
		return nil, err
	}
	return coord, nil
}
