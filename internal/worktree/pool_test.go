package worktree

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}

	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	readme := filepath.Join(dir, "README.md")
	os.WriteFile(readme, []byte("# Test"), 0644)

	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	cmd.Run()

	cmd = exec.Command("git", "commit", "-m", "Initial commit")
	cmd.Dir = dir
	cmd.Run()

	return dir
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	repoDir := setupGitRepo(t)
	pool := NewPool("backend", repoDir, t.TempDir(), "main", nil)
	if err := pool.Initialize(); err != nil {
		t.Fatal(err)
	}
	return pool
}

func TestPool_AdoptVerifiesBranch(t *testing.T) {
	repoDir := setupGitRepo(t)
	root := t.TempDir()

	first := NewPool("backend", repoDir, root, "main", nil)
	if err := first.Initialize(); err != nil {
		t.Fatal(err)
	}
	alloc, err := first.Allocate("feat/x", "x", "")
	if err != nil {
		t.Fatal(err)
	}
	if !alloc.Created {
		t.Error("fresh worktree not reported as created")
	}

	// "feat x" slugs to the same directory as "feat/x"; the leftover
	// worktree holds a different branch and must not be adopted
	second := NewPool("backend", repoDir, root, "main", nil)
	if err := second.Initialize(); err != nil {
		t.Fatal(err)
	}
	_, err = second.Allocate("feat x", "x", "")
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("err = %v, want *AllocationError", err)
	}

	// The matching branch is adopted, not re-created
	adopted, err := second.Allocate("feat/x", "x", "")
	if err != nil {
		t.Fatal(err)
	}
	if adopted.Created {
		t.Error("adopted worktree reported as freshly created")
	}
}

func TestPool_Allocate(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "agent-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(alloc.Path); os.IsNotExist(err) {
		t.Error("worktree directory not created")
	}
	if !alloc.Allocated {
		t.Error("allocation not marked allocated")
	}
	if alloc.Branch != "feat/login" {
		t.Errorf("branch = %q, want feat/login", alloc.Branch)
	}

	cmd := exec.Command("git", "branch", "--list", "feat/login")
	cmd.Dir = alloc.RepoPath
	out, _ := cmd.Output()
	if len(out) == 0 {
		t.Error("branch feat/login not created")
	}
}

func TestPool_AllocateConflict(t *testing.T) {
	pool := newTestPool(t)

	if _, err := pool.Allocate("feat/login", "login", "agent-1"); err != nil {
		t.Fatal(err)
	}

	_, err := pool.Allocate("feat/login", "login", "agent-2")
	if err == nil {
		t.Fatal("second allocation for same branch succeeded")
	}
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("error type = %T, want *AllocationError", err)
	}
	if allocErr.Branch != "feat/login" {
		t.Errorf("error branch = %q, want feat/login", allocErr.Branch)
	}
}

func TestPool_AllocateConcurrent(t *testing.T) {
	pool := newTestPool(t)

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Allocate("feat/race", "race", ""); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("%d allocations succeeded, want exactly 1", won)
	}
}

func TestPool_Release(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Release(alloc.ID, false); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(alloc.Path); !os.IsNotExist(err) {
		t.Error("worktree directory still exists")
	}
	if pool.Get(alloc.ID) != nil {
		t.Error("allocation still registered")
	}
}

func TestPool_ReleaseDirtyRefused(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "")
	if err != nil {
		t.Fatal(err)
	}

	// Uncommitted file makes the tree dirty
	os.WriteFile(filepath.Join(alloc.Path, "wip.txt"), []byte("wip"), 0644)

	err = pool.Release(alloc.ID, false)
	var dirtyErr *DirtyError
	if !errors.As(err, &dirtyErr) {
		t.Fatalf("error = %v, want *DirtyError", err)
	}

	// Refusal must leave the allocation intact
	got := pool.Get(alloc.ID)
	if got == nil || !got.Allocated {
		t.Fatal("refused release deallocated the worktree")
	}
	if _, err := os.Stat(alloc.Path); os.IsNotExist(err) {
		t.Error("refused release removed the directory")
	}

	// Force acknowledges the data loss
	if err := pool.Release(alloc.ID, true); err != nil {
		t.Fatal(err)
	}
}

func TestPool_MarkDirtyBlocksRelease(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "")
	if err != nil {
		t.Fatal(err)
	}
	pool.MarkDirty(alloc.ID)

	err = pool.Release(alloc.ID, false)
	var dirtyErr *DirtyError
	if !errors.As(err, &dirtyErr) {
		t.Fatalf("error = %v, want *DirtyError", err)
	}
}

func TestPool_ReallocateAfterRelease(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(alloc.ID, false); err != nil {
		t.Fatal(err)
	}

	again, err := pool.Allocate("feat/login", "login", "agent-2")
	if err != nil {
		t.Fatalf("reallocation after release failed: %v", err)
	}
	if again.AgentID != "agent-2" {
		t.Errorf("agent = %q, want agent-2", again.AgentID)
	}
}

func TestPool_CleanupStale(t *testing.T) {
	pool := newTestPool(t)

	stale, err := pool.Allocate("feat/old", "old", "")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := pool.Allocate("feat/new", "new", "")
	if err != nil {
		t.Fatal(err)
	}

	// Age the first allocation past the threshold
	pool.mu.Lock()
	pool.allocs[stale.ID].LastActiveAt = time.Now().Add(-2 * time.Hour)
	pool.mu.Unlock()

	released := pool.CleanupStale(time.Hour)
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	if pool.Get(stale.ID) != nil {
		t.Error("stale allocation survived cleanup")
	}
	if pool.Get(fresh.ID) == nil {
		t.Error("fresh allocation was released")
	}
}

func TestPool_TouchResetsIdle(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "")
	if err != nil {
		t.Fatal(err)
	}

	pool.mu.Lock()
	pool.allocs[alloc.ID].LastActiveAt = time.Now().Add(-2 * time.Hour)
	pool.mu.Unlock()

	pool.Touch(alloc.ID)

	if released := pool.CleanupStale(time.Hour); released != 0 {
		t.Errorf("released = %d after touch, want 0", released)
	}
}

func TestPool_StatusOf(t *testing.T) {
	pool := newTestPool(t)

	alloc, err := pool.Allocate("feat/login", "login", "")
	if err != nil {
		t.Fatal(err)
	}

	// One commit on the branch puts it ahead of main
	os.WriteFile(filepath.Join(alloc.Path, "feature.txt"), []byte("x"), 0644)
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "feature work"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = alloc.Path
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	st, err := pool.StatusOf(alloc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Ahead != 1 {
		t.Errorf("ahead = %d, want 1", st.Ahead)
	}
	if st.Dirty {
		t.Error("clean committed tree reported dirty")
	}
}

func TestPool_InitializeRejectsNonRepo(t *testing.T) {
	pool := NewPool("backend", t.TempDir(), t.TempDir(), "main", nil)
	if err := pool.Initialize(); err == nil {
		t.Fatal("Initialize accepted a directory that is not a git repository")
	}
}
