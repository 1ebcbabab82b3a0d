package worktree

import "fmt"

// AllocationError reports a failed allocate or release
type AllocationError struct {
	Repo   string
	Branch string
	Reason string
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worktree %s@%s: %s: %v", e.Repo, e.Branch, e.Reason, e.Err)
	}
	return fmt.Sprintf("worktree %s@%s: %s", e.Repo, e.Branch, e.Reason)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// DirtyError reports a refused release of a worktree with uncommitted
// changes. It names the offending worktree so the operator can inspect or
// force the release explicitly.
type DirtyError struct {
	Repo   string
	Branch string
	Path   string
}

func (e *DirtyError) Error() string {
	return fmt.Sprintf("worktree %s@%s at %s has uncommitted changes (use force to discard)", e.Repo, e.Branch, e.Path)
}
