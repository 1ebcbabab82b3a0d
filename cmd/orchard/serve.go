package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchard-dev/orchard/internal/coordinator"
	"github.com/orchard-dev/orchard/internal/dirtywatch"
	"github.com/orchard-dev/orchard/internal/events"
	"github.com/orchard-dev/orchard/internal/janitor"
	"github.com/orchard-dev/orchard/internal/worktree"
)

var serveAddr string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event bridge, janitor and dirty-file watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address for the WebSocket event bridge")
	rootCmd.AddCommand(serveCmd)
}

// poolMarker routes dirty marks to the pool owning each allocation
type poolMarker struct {
	mu    sync.Mutex
	pools map[string]*worktree.Pool // allocation id -> pool
}

func (m *poolMarker) register(id string, pool *worktree.Pool) {
	m.mu.Lock()
	m.pools[id] = pool
	m.mu.Unlock()
}

func (m *poolMarker) MarkDirty(id string) {
	m.mu.Lock()
	pool := m.pools[id]
	m.mu.Unlock()
	if pool != nil {
		pool.MarkDirty(id)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	coord, err := rt.coordinatorFor()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = rt.cfg.Events.ListenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jan, err := janitor.New(coord, rt.cfg.Janitor.CronSpec, time.Duration(rt.cfg.Janitor.MaxIdleHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("invalid janitor cron spec: %w", err)
	}
	jan.Start()
	defer jan.Stop()

	marker := &poolMarker{pools: make(map[string]*worktree.Pool)}
	watcher, err := dirtywatch.New(marker, 0)
	if err != nil {
		return err
	}
	defer watcher.Close()

	go watchAllocations(ctx, rt.bus, coord, watcher, marker)

	bridge := events.NewBridge(events.BridgeConfig{Addr: addr}, rt.bus)
	defer bridge.Stop()
	return bridge.Start(ctx)
}

// watchAllocations follows the bus and keeps the dirty-file watcher in
// sync with live worktrees
func watchAllocations(ctx context.Context, bus *events.Bus, coord *coordinator.Coordinator, watcher *dirtywatch.Watcher, marker *poolMarker) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case events.WorktreeCreated:
				pool := coord.Pool(e.Repo)
				if pool == nil {
					continue
				}
				alloc := pool.ByBranch(e.Feature)
				if alloc == nil {
					continue
				}
				marker.register(alloc.ID, pool)
				if err := watcher.Watch(alloc.ID, alloc.Path); err != nil {
					fmt.Fprintf(os.Stderr, "watching %s: %v\n", alloc.Path, err)
				}
			case events.WorktreeRemoved:
				watcher.Unwatch(e.Payload)
			}
		}
	}
}
