// Package worktree maintains exclusive, branch-scoped, filesystem-backed
// working copies of a single repository.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchard-dev/orchard/internal/events"
)

// Allocation is one isolated working copy of the repository, bound to a
// branch. For a given (repository, branch) pair at most one allocation is
// live at any time.
type Allocation struct {
	ID           string
	RepoPath     string
	Path         string
	Branch       string
	AgentID      string
	FeatureID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Allocated    bool
	Dirty        bool
	// Created records whether the Allocate call built the on-disk
	// worktree itself, as opposed to adopting one left by an earlier run
	Created bool
}

// Pool manages worktree allocations for one repository
type Pool struct {
	repoName      string
	repoPath      string
	worktreeRoot  string
	defaultBranch string
	bus           *events.Bus

	mu     sync.Mutex
	allocs map[string]*Allocation // id -> allocation
}

// NewPool creates a pool for the repository at repoPath. Worktrees are
// created under worktreeRoot, named deterministically from the branch.
func NewPool(repoName, repoPath, worktreeRoot, defaultBranch string, bus *events.Bus) *Pool {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Pool{
		repoName:      repoName,
		repoPath:      repoPath,
		worktreeRoot:  worktreeRoot,
		defaultBranch: defaultBranch,
		bus:           bus,
		allocs:        make(map[string]*Allocation),
	}
}

// RepoName returns the pool's repository name
func (p *Pool) RepoName() string { return p.repoName }

// Initialize validates the repository path and prepares the worktree root
func (p *Pool) Initialize() error {
	info, err := os.Stat(p.repoPath)
	if err != nil || !info.IsDir() {
		return &AllocationError{Repo: p.repoName, Reason: "repository path missing", Err: err}
	}
	if _, err := p.git(p.repoPath, "rev-parse", "--git-dir"); err != nil {
		return &AllocationError{Repo: p.repoName, Reason: "not a git repository", Err: err}
	}
	if err := os.MkdirAll(p.worktreeRoot, 0755); err != nil {
		return &AllocationError{Repo: p.repoName, Reason: "creating worktree root", Err: err}
	}
	return nil
}

// git runs a git command in dir, folding output into the error
func (p *Pool) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// pathFor returns the deterministic on-disk location for a branch's
// worktree, so concurrent pools over the same repository never collide
func (p *Pool) pathFor(branch string) string {
	slug := strings.NewReplacer("/", "-", " ", "-").Replace(branch)
	return filepath.Join(p.worktreeRoot, fmt.Sprintf("%s-%s", p.repoName, slug))
}

// Allocate creates (or reuses, if present but unallocated) the on-disk
// worktree for branch, checks out or creates the branch, and registers the
// allocation. Allocation is exclusive per branch: a second concurrent call
// for the same branch observes an allocation conflict.
func (p *Pool) Allocate(branch, featureID, agentID string) (*Allocation, error) {
	if branch == "" {
		return nil, &AllocationError{Repo: p.repoName, Reason: "empty branch"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var reuse *Allocation
	for _, a := range p.allocs {
		if a.Branch == branch {
			if a.Allocated {
				return nil, &AllocationError{Repo: p.repoName, Branch: branch, Reason: "branch already allocated"}
			}
			reuse = a
			break
		}
	}

	wtPath := p.pathFor(branch)

	created := false
	if reuse == nil || !dirExists(wtPath) {
		// Stale registrations from removed worktrees confuse git
		p.git(p.repoPath, "worktree", "prune")

		if dirExists(wtPath) {
			// On-disk worktree left over from a previous run; adopt it
			if _, err := p.git(wtPath, "rev-parse", "--git-dir"); err != nil {
				return nil, &AllocationError{Repo: p.repoName, Branch: branch, Reason: "path exists but is not a worktree"}
			}
			// Branch names can slug to the same directory, and a leftover
			// worktree may have been switched since. Only a matching
			// checkout is adopted.
			head, err := p.git(wtPath, "rev-parse", "--abbrev-ref", "HEAD")
			if err != nil || head != branch {
				return nil, &AllocationError{Repo: p.repoName, Branch: branch, Reason: fmt.Sprintf("existing worktree at %s holds branch %q", wtPath, head)}
			}
		} else if p.branchExists(branch) {
			if _, err := p.git(p.repoPath, "worktree", "add", wtPath, branch); err != nil {
				return nil, &AllocationError{Repo: p.repoName, Branch: branch, Reason: "adding worktree", Err: err}
			}
			created = true
		} else {
			base := "HEAD"
			if _, err := p.git(p.repoPath, "rev-parse", "--verify", "origin/"+p.defaultBranch); err == nil {
				base = "origin/" + p.defaultBranch
			}
			if _, err := p.git(p.repoPath, "worktree", "add", "-b", branch, wtPath, base); err != nil {
				return nil, &AllocationError{Repo: p.repoName, Branch: branch, Reason: "adding worktree", Err: err}
			}
			created = true
		}
	}

	now := time.Now()
	alloc := reuse
	if alloc == nil {
		alloc = &Allocation{
			ID:        uuid.NewString(),
			RepoPath:  p.repoPath,
			Path:      wtPath,
			Branch:    branch,
			CreatedAt: now,
		}
		p.allocs[alloc.ID] = alloc
	}
	alloc.AgentID = agentID
	alloc.FeatureID = featureID
	alloc.LastActiveAt = now
	alloc.Allocated = true
	alloc.Dirty = false
	alloc.Created = created

	p.publish(events.WorktreeCreated, branch, wtPath)
	return snapshot(alloc), nil
}

func (p *Pool) branchExists(branch string) bool {
	_, err := p.git(p.repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Release removes the on-disk worktree and the registry entry. A dirty
// allocation is refused unless force acknowledges the data loss.
func (p *Pool) Release(id string, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(id, force)
}

func (p *Pool) releaseLocked(id string, force bool) error {
	alloc, ok := p.allocs[id]
	if !ok {
		return &AllocationError{Repo: p.repoName, Reason: "unknown allocation " + id}
	}

	if !force {
		dirty := alloc.Dirty
		// The flag is caller-reported; the working tree is the other
		// signal. Either one blocks an unforced release.
		if !dirty {
			dirty = p.treeDirty(alloc.Path)
		}
		if dirty {
			alloc.Dirty = true
			return &DirtyError{Repo: p.repoName, Branch: alloc.Branch, Path: alloc.Path}
		}
	}

	if dirExists(alloc.Path) {
		if _, err := p.git(p.repoPath, "worktree", "remove", "--force", alloc.Path); err != nil {
			return &AllocationError{Repo: p.repoName, Branch: alloc.Branch, Reason: "removing worktree", Err: err}
		}
	} else {
		p.git(p.repoPath, "worktree", "prune")
	}

	delete(p.allocs, id)
	p.publish(events.WorktreeRemoved, alloc.Branch, alloc.Path)
	return nil
}

// Forget drops the allocation from the registry, leaving the on-disk
// worktree untouched. This is the undo for an adoption: the files may
// predate the adopting call and must survive it.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.allocs[id]
	if !ok {
		return
	}
	delete(p.allocs, id)
	p.publish(events.WorktreeRemoved, alloc.Branch, alloc.Path)
}

func (p *Pool) treeDirty(path string) bool {
	if !dirExists(path) {
		return false
	}
	out, err := p.git(path, "status", "--porcelain")
	return err == nil && out != ""
}

// Touch refreshes the allocation's last-active timestamp
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.allocs[id]; ok {
		a.LastActiveAt = time.Now()
	}
}

// MarkDirty records that the worktree has local modifications
func (p *Pool) MarkDirty(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.allocs[id]; ok {
		a.Dirty = true
	}
}

// Get returns a copy of the allocation, or nil if unknown
func (p *Pool) Get(id string) *Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.allocs[id]; ok {
		return snapshot(a)
	}
	return nil
}

// ByBranch returns the allocation for a branch, or nil
func (p *Pool) ByBranch(branch string) *Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.allocs {
		if a.Branch == branch {
			return snapshot(a)
		}
	}
	return nil
}

// AllAllocations returns copies of every registered allocation
func (p *Pool) AllAllocations() []*Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Allocation, 0, len(p.allocs))
	for _, a := range p.allocs {
		out = append(out, snapshot(a))
	}
	return out
}

// ActiveCount returns the number of live allocations
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.allocs {
		if a.Allocated {
			n++
		}
	}
	return n
}

// CleanupStale force-releases every allocation idle past maxIdle and
// returns the count released. This is the defense against workspaces
// leaked by crashed agents.
func (p *Pool) CleanupStale(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	var stale []string
	for id, a := range p.allocs {
		if a.LastActiveAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	released := 0
	for _, id := range stale {
		if err := p.releaseLocked(id, true); err == nil {
			released++
		}
	}
	return released
}

// Status summarizes one worktree's relation to the default branch
type Status struct {
	Repo   string
	Branch string
	Dirty  bool
	Ahead  int
	Behind int
}

// StatusOf reports dirty state and ahead/behind counts for an allocation
func (p *Pool) StatusOf(id string) (*Status, error) {
	p.mu.Lock()
	alloc, ok := p.allocs[id]
	var path, branch string
	var dirtyFlag bool
	if ok {
		path, branch, dirtyFlag = alloc.Path, alloc.Branch, alloc.Dirty
	}
	p.mu.Unlock()

	if !ok {
		return nil, &AllocationError{Repo: p.repoName, Reason: "unknown allocation " + id}
	}
	return p.statusAt(path, branch, dirtyFlag), nil
}

// BranchStatus reports the status of a branch's worktree straight from
// its deterministic on-disk location, without allocating or registering
// anything. The second return is false when no worktree exists.
func (p *Pool) BranchStatus(branch string) (*Status, bool) {
	p.mu.Lock()
	var dirtyFlag bool
	for _, a := range p.allocs {
		if a.Branch == branch {
			dirtyFlag = a.Dirty
			break
		}
	}
	p.mu.Unlock()

	path := p.pathFor(branch)
	if !dirExists(path) {
		return nil, false
	}
	return p.statusAt(path, branch, dirtyFlag), true
}

func (p *Pool) statusAt(path, branch string, dirtyFlag bool) *Status {
	st := &Status{Repo: p.repoName, Branch: branch, Dirty: dirtyFlag || p.treeDirty(path)}

	base := p.defaultBranch
	if _, err := p.git(path, "rev-parse", "--verify", "origin/"+base); err == nil {
		base = "origin/" + base
	}
	out, err := p.git(path, "rev-list", "--left-right", "--count", base+"..."+branch)
	if err == nil {
		fmt.Sscanf(out, "%d\t%d", &st.Behind, &st.Ahead)
	}
	return st
}

func (p *Pool) publish(t events.Type, branch, path string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: t, Repo: p.repoName, Feature: branch, Payload: path})
}

func snapshot(a *Allocation) *Allocation {
	cp := *a
	return &cp
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
