package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchard-dev/orchard/internal/config"
)

var cleanupMaxIdle time.Duration

func init() {
	worktreeCmd := &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and clean up worktree allocations",
	}
	rootCmd.AddCommand(worktreeCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List allocations across all workspace repos",
		RunE:  runWorktreeList,
	}
	worktreeCmd.AddCommand(listCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Force-release allocations idle past the threshold",
		RunE:  runWorktreeCleanup,
	}
	cleanupCmd.Flags().DurationVar(&cleanupMaxIdle, "max-idle", 0, "idle threshold (0 = release everything)")
	worktreeCmd.AddCommand(cleanupCmd)
}

func runWorktreeList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ws, err := config.LoadWorkspace(rt.cfg.General.WorkspaceFile)
	if err != nil {
		return err
	}

	// On-disk state is the source of truth across invocations; worktree
	// directories are named <repo>-<branch-slug> under the worktree root.
	entries, err := os.ReadDir(rt.cfg.General.WorktreeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no worktrees")
			return nil
		}
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tWORKTREE\tMODIFIED")
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		repo := "?"
		for _, rc := range ws.Repos {
			if strings.HasPrefix(entry.Name(), rc.Name+"-") {
				repo = rc.Name
				break
			}
		}
		modified := ""
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", repo, filepath.Join(rt.cfg.General.WorktreeRoot, entry.Name()), modified)
	}
	w.Flush()
	return nil
}

func runWorktreeCleanup(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ws, err := config.LoadWorkspace(rt.cfg.General.WorkspaceFile)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(rt.cfg.General.WorktreeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("released 0 worktrees")
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-cleanupMaxIdle)
	released := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		wtPath := filepath.Join(rt.cfg.General.WorktreeRoot, entry.Name())
		for _, rc := range ws.Repos {
			if !strings.HasPrefix(entry.Name(), rc.Name+"-") {
				continue
			}
			git := exec.Command("git", "worktree", "remove", "--force", wtPath)
			git.Dir = rc.Path
			if out, err := git.CombinedOutput(); err != nil {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", entry.Name(), strings.TrimSpace(string(out)))
				break
			}
			released++
			break
		}
	}
	fmt.Printf("released %d worktrees\n", released)
	return nil
}
