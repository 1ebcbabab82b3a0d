package domain

import "time"

// ProcessState represents the lifecycle state of an agent process
type ProcessState string

const (
	ProcStarting  ProcessState = "starting"
	ProcWorking   ProcessState = "working"
	ProcWaiting   ProcessState = "waiting"
	ProcPaused    ProcessState = "paused"
	ProcCompleted ProcessState = "completed"
	ProcError     ProcessState = "error"
	ProcKilled    ProcessState = "killed"
)

// Terminal reports whether the state is final
func (s ProcessState) Terminal() bool {
	switch s {
	case ProcCompleted, ProcError, ProcKilled:
		return true
	}
	return false
}

// Live reports whether an OS process may still back this state
func (s ProcessState) Live() bool {
	switch s {
	case ProcStarting, ProcWorking, ProcWaiting, ProcPaused:
		return true
	}
	return false
}

// RepoRole distinguishes the primary repository from dependency repositories
type RepoRole string

const (
	RolePrimary    RepoRole = "primary"
	RoleDependency RepoRole = "dependency"
)

// RepoConfig describes one participating repository
type RepoConfig struct {
	Name          string   `yaml:"name"`
	URL           string   `yaml:"url"`
	Path          string   `yaml:"path"`
	DefaultBranch string   `yaml:"default_branch"`
	Role          RepoRole `yaml:"role"`
}

// Feature is a unit of work bound to one branch name, potentially
// spanning multiple repositories
type Feature struct {
	ID          string
	Name        string
	Description string
	Branch      string
}

// PRState represents the state of a pull request
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// PR is the result of a coordinated pull request creation
type PR struct {
	Repo      string
	Number    int
	URL       string
	Title     string
	State     PRState
	Head      string
	Base      string
	CreatedAt time.Time
}
