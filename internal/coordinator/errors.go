package coordinator

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned by every operation invoked before a
// successful InitializeWorkspace
var ErrNotInitialized = errors.New("workspace not initialized")

// CommitError reports a failed commit in one repository
type CommitError struct {
	Repo   string
	Branch string
	Reason string
	Err    error
}

func (e *CommitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("commit in %s@%s: %s: %v", e.Repo, e.Branch, e.Reason, e.Err)
	}
	return fmt.Sprintf("commit in %s@%s: %s", e.Repo, e.Branch, e.Reason)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ErrNothingToCommit marks a commit attempt with no staged changes
var ErrNothingToCommit = errors.New("nothing to commit")

// RollbackError reports that cleanup after a partial allocation failure
// itself failed. It is logged by the coordinator and returned alongside
// the original error, never hidden.
type RollbackError struct {
	Repo string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of %s failed: %v", e.Repo, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// PRError reports a failed pull request creation in one repository
type PRError struct {
	Repo string
	Err  error
}

func (e *PRError) Error() string {
	return fmt.Sprintf("pull request in %s: %v", e.Repo, e.Err)
}

func (e *PRError) Unwrap() error { return e.Err }
