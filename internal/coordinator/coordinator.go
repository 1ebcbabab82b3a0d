// Package coordinator presents feature-branch allocation spanning several
// repositories as one atomic unit and coordinates cross-repository commit
// and pull request actions.
package coordinator

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orchard-dev/orchard/internal/domain"
	"github.com/orchard-dev/orchard/internal/events"
	"github.com/orchard-dev/orchard/internal/worktree"
)

// WorkspaceConfig names the participating repositories
type WorkspaceConfig struct {
	WorktreeRoot string
	Primary      domain.RepoConfig
	Dependencies []domain.RepoConfig
}

// Repos returns the primary followed by the dependencies
func (c WorkspaceConfig) Repos() []domain.RepoConfig {
	out := make([]domain.RepoConfig, 0, 1+len(c.Dependencies))
	out = append(out, c.Primary)
	return append(out, c.Dependencies...)
}

// MultiRepoWorktree is the per-feature aggregate spanning repositories.
// Either every configured repository has a live allocation for the feature
// branch, or none do.
type MultiRepoWorktree struct {
	Branch        string
	Worktrees     map[string]*worktree.Allocation
	AllocationIDs map[string]string
	CreatedAt     time.Time
}

// PrimaryPath returns the primary repository's worktree path, the natural
// working directory for a spawned agent
func (m *MultiRepoWorktree) PrimaryPath(primaryName string) string {
	if a, ok := m.Worktrees[primaryName]; ok {
		return a.Path
	}
	return ""
}

// CommitResult is the outcome of a commit attempt in one repository
type CommitResult struct {
	Repo string
	SHA  string
	Err  error
}

// RepoStatus is one repository's dirty/ahead/behind summary for a feature
type RepoStatus struct {
	Repo      string
	Allocated bool
	Dirty     bool
	Ahead     int
	Behind    int
}

// Stats aggregates pool introspection across the workspace
type Stats struct {
	TotalRepos      int
	ActiveWorktrees int
	ByRepo          map[string]int
}

// Coordinator composes one worktree pool per configured repository
type Coordinator struct {
	bus   *events.Bus
	prCli PRCreator

	mu          sync.Mutex
	initialized bool
	config      WorkspaceConfig
	pools       map[string]*worktree.Pool
	features    map[string]*MultiRepoWorktree // branch -> aggregate
}

// New creates an uninitialized coordinator. bus may be nil. prCli may be
// nil, in which case the gh CLI is used.
func New(bus *events.Bus, prCli PRCreator) *Coordinator {
	if prCli == nil {
		prCli = ghCLI{}
	}
	return &Coordinator{
		bus:      bus,
		prCli:    prCli,
		pools:    make(map[string]*worktree.Pool),
		features: make(map[string]*MultiRepoWorktree),
	}
}

// InitializeWorkspace validates every configured repository before any
// allocation is attempted, failing fast naming the first offending one
func (c *Coordinator) InitializeWorkspace(cfg WorkspaceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.Primary.Name == "" || cfg.Primary.Path == "" {
		return fmt.Errorf("primary repository not configured")
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = filepath.Join(os.TempDir(), "orchard-worktrees")
	}

	pools := make(map[string]*worktree.Pool, 1+len(cfg.Dependencies))
	for _, rc := range cfg.Repos() {
		if _, dup := pools[rc.Name]; dup {
			return fmt.Errorf("repository %q configured twice", rc.Name)
		}
		pool := worktree.NewPool(rc.Name, rc.Path, cfg.WorktreeRoot, rc.DefaultBranch, c.bus)
		if err := pool.Initialize(); err != nil {
			return fmt.Errorf("repository %q: %w", rc.Name, err)
		}
		pools[rc.Name] = pool
	}

	c.config = cfg
	c.pools = pools
	c.initialized = true
	return nil
}

func (c *Coordinator) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Pool returns the pool for a repository name, or nil
func (c *Coordinator) Pool(repoName string) *worktree.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pools[repoName]
}

// CreateMultiRepoWorktree allocates a worktree in every configured
// repository under the same branch name. If any allocation fails, every
// allocation already made in this call is rolled back before the error is
// surfaced; the aggregate is never left partially allocated.
func (c *Coordinator) CreateMultiRepoWorktree(featureBranch string) (*MultiRepoWorktree, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if featureBranch == "" {
		return nil, fmt.Errorf("empty feature branch")
	}

	mrw := &MultiRepoWorktree{
		Branch:        featureBranch,
		Worktrees:     make(map[string]*worktree.Allocation),
		AllocationIDs: make(map[string]string),
		CreatedAt:     time.Now(),
	}

	// Compensating-action list: each successful allocation pushes its own
	// release so rollback stays symmetric.
	type undo struct {
		pool    *worktree.Pool
		id      string
		created bool
	}
	var undos []undo

	for _, rc := range c.repos() {
		pool := c.Pool(rc.Name)
		alloc, err := pool.Allocate(featureBranch, featureBranch, "")
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				u := undos[i]
				// An adopted worktree may hold uncommitted work from an
				// earlier run; only its registration is undone. Deleting
				// from disk is reserved for worktrees this call created.
				if !u.created {
					u.pool.Forget(u.id)
					continue
				}
				if rbErr := u.pool.Release(u.id, true); rbErr != nil {
					rb := &RollbackError{Repo: u.pool.RepoName(), Err: rbErr}
					log.Printf("%v", rb)
				}
			}
			return nil, fmt.Errorf("allocating %s in %s: %w", featureBranch, rc.Name, err)
		}
		undos = append(undos, undo{pool: pool, id: alloc.ID, created: alloc.Created})
		mrw.Worktrees[rc.Name] = alloc
		mrw.AllocationIDs[rc.Name] = alloc.ID
	}

	c.mu.Lock()
	c.features[featureBranch] = mrw
	c.mu.Unlock()
	return mrw, nil
}

func (c *Coordinator) repos() []domain.RepoConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Repos()
}

func (c *Coordinator) feature(branch string) *MultiRepoWorktree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features[branch]
}

// ReleaseMultiRepoWorktree releases every allocation of the feature.
// Per-repo failures are collected; repositories that release cleanly are
// not blocked by ones that refuse.
func (c *Coordinator) ReleaseMultiRepoWorktree(featureBranch string, force bool) []error {
	if err := c.ready(); err != nil {
		return []error{err}
	}
	mrw := c.feature(featureBranch)
	if mrw == nil {
		return []error{fmt.Errorf("unknown feature branch %q", featureBranch)}
	}

	var errs []error
	released := 0
	for repo, id := range mrw.AllocationIDs {
		pool := c.Pool(repo)
		if pool == nil {
			continue
		}
		if err := pool.Release(id, force); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
	}
	if released == len(mrw.AllocationIDs) {
		c.mu.Lock()
		delete(c.features, featureBranch)
		c.mu.Unlock()
	}
	return errs
}

// CommitInRepo stages and commits all changes in one repository's worktree
// for the branch
func (c *Coordinator) CommitInRepo(repoName, message, branch string) CommitResult {
	res := CommitResult{Repo: repoName}
	if err := c.ready(); err != nil {
		res.Err = err
		return res
	}

	pool := c.Pool(repoName)
	if pool == nil {
		res.Err = &CommitError{Repo: repoName, Branch: branch, Reason: "unknown repository"}
		return res
	}
	alloc := pool.ByBranch(branch)
	if alloc == nil || !alloc.Allocated {
		res.Err = &CommitError{Repo: repoName, Branch: branch, Reason: "no allocation for branch"}
		return res
	}

	sha, err := commitAll(alloc.Path, message)
	if err != nil {
		res.Err = &CommitError{Repo: repoName, Branch: branch, Reason: "git commit", Err: err}
		return res
	}

	pool.Touch(alloc.ID)
	res.SHA = sha
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.CommitCreated, Repo: repoName, Feature: branch, Payload: sha})
	}
	return res
}

// CommitAll commits staged changes in every allocated worktree of the
// feature. A failure in one repository does not abort commits already made
// in others; each result is reported per repository.
func (c *Coordinator) CommitAll(featureBranch, message string) ([]CommitResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	mrw := c.feature(featureBranch)
	if mrw == nil {
		return nil, fmt.Errorf("unknown feature branch %q", featureBranch)
	}

	var results []CommitResult
	for _, rc := range c.repos() {
		if _, ok := mrw.Worktrees[rc.Name]; !ok {
			continue
		}
		results = append(results, c.CommitInRepo(rc.Name, message, featureBranch))
	}
	return results, nil
}

// commitAll stages everything and commits, distinguishing the empty-tree
// case from git failures
func commitAll(wtPath, message string) (string, error) {
	run := func(args ...string) (string, error) {
		cmd := exec.Command("git", args...)
		cmd.Dir = wtPath
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
		}
		return strings.TrimSpace(string(out)), nil
	}

	if _, err := run("add", "-A"); err != nil {
		return "", err
	}
	if out, _ := run("status", "--porcelain"); out == "" {
		return "", ErrNothingToCommit
	}
	if _, err := run("commit", "-m", message); err != nil {
		return "", err
	}
	return run("rev-parse", "HEAD")
}

// GetMultiRepoStatus reports dirty/clean and ahead/behind per repository
// for the feature branch
func (c *Coordinator) GetMultiRepoStatus(featureBranch string) ([]RepoStatus, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	mrw := c.feature(featureBranch)
	if mrw == nil {
		return nil, fmt.Errorf("unknown feature branch %q", featureBranch)
	}

	var out []RepoStatus
	for _, rc := range c.repos() {
		rs := RepoStatus{Repo: rc.Name}
		if id, ok := mrw.AllocationIDs[rc.Name]; ok {
			if st, err := c.Pool(rc.Name).StatusOf(id); err == nil {
				rs.Allocated = true
				rs.Dirty = st.Dirty
				rs.Ahead = st.Ahead
				rs.Behind = st.Behind
			}
		}
		out = append(out, rs)
	}
	return out, nil
}

// InspectStatus reports per-repo status for a branch from the worktrees
// already on disk. Unlike GetMultiRepoStatus it never allocates, so a
// query for a branch that was never started just reports every repo
// unallocated.
func (c *Coordinator) InspectStatus(featureBranch string) ([]RepoStatus, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var out []RepoStatus
	for _, rc := range c.repos() {
		rs := RepoStatus{Repo: rc.Name}
		if st, ok := c.Pool(rc.Name).BranchStatus(featureBranch); ok {
			rs.Allocated = true
			rs.Dirty = st.Dirty
			rs.Ahead = st.Ahead
			rs.Behind = st.Behind
		}
		out = append(out, rs)
	}
	return out, nil
}

// CleanupAll force-releases every allocation in every pool, summing counts
func (c *Coordinator) CleanupAll() (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	// A zero threshold makes everything stale
	return c.CleanupStale(0)
}

// CleanupStale delegates to each pool's stale sweep, summing the results
func (c *Coordinator) CleanupStale(maxIdle time.Duration) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	total := 0
	for _, rc := range c.repos() {
		total += c.Pool(rc.Name).CleanupStale(maxIdle)
	}

	c.mu.Lock()
	for branch, mrw := range c.features {
		live := 0
		for repo, id := range mrw.AllocationIDs {
			if pool := c.pools[repo]; pool != nil && pool.Get(id) != nil {
				live++
			}
		}
		if live == 0 {
			delete(c.features, branch)
		}
	}
	c.mu.Unlock()
	return total, nil
}

// GetStats aggregates introspection across every pool
func (c *Coordinator) GetStats() (Stats, error) {
	if err := c.ready(); err != nil {
		return Stats{}, err
	}

	st := Stats{ByRepo: make(map[string]int)}
	for _, rc := range c.repos() {
		n := c.Pool(rc.Name).ActiveCount()
		st.TotalRepos++
		st.ActiveWorktrees += n
		st.ByRepo[rc.Name] = n
	}
	return st, nil
}
