package coordinator

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/orchard-dev/orchard/internal/domain"
)

const prBodyTemplate = `## Summary
%s

## Feature Branch
%s

---
Opened by the orchard coordinator
`

// PRCreator opens a pull request from a worktree. The default
// implementation shells out to the gh CLI.
type PRCreator interface {
	Create(wtPath, title, body, head, base string) (number int, url string, err error)
}

type ghCLI struct{}

func (ghCLI) Create(wtPath, title, body, head, base string) (int, string, error) {
	// Push the branch first so the forge knows about it
	pushCmd := exec.Command("git", "push", "-u", "origin", head)
	pushCmd.Dir = wtPath
	if out, err := pushCmd.CombinedOutput(); err != nil {
		return 0, "", fmt.Errorf("git push: %s: %w", strings.TrimSpace(string(out)), err)
	}

	cmd := exec.Command("gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--head", head,
		"--base", base,
	)
	cmd.Dir = wtPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, "", fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(out)), err)
	}

	url := strings.TrimSpace(string(out))
	return extractPRNumber(url), url, nil
}

// extractPRNumber parses the trailing number from a PR URL like
// https://github.com/owner/repo/pull/123
func extractPRNumber(url string) int {
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) == 0 {
		return 0
	}
	num, _ := strconv.Atoi(parts[len(parts)-1])
	return num
}

// CreateMultiRepoPRs opens a pull request for each repository with
// committed changes on the feature branch: head is the feature branch,
// base is that repository's default branch. Per-repository failures are
// collected and reported individually; the batch continues past them.
func (c *Coordinator) CreateMultiRepoPRs(feature domain.Feature) ([]domain.PR, []error) {
	if err := c.ready(); err != nil {
		return nil, []error{err}
	}
	mrw := c.feature(feature.Branch)
	if mrw == nil {
		return nil, []error{fmt.Errorf("unknown feature branch %q", feature.Branch)}
	}

	title := feature.Name
	if title == "" {
		title = feature.Branch
	}
	body := fmt.Sprintf(prBodyTemplate, feature.Description, feature.Branch)

	var prs []domain.PR
	var errs []error
	for _, rc := range c.repos() {
		id, ok := mrw.AllocationIDs[rc.Name]
		if !ok {
			continue
		}
		pool := c.Pool(rc.Name)
		alloc := pool.Get(id)
		if alloc == nil {
			continue
		}

		st, err := pool.StatusOf(id)
		if err != nil {
			errs = append(errs, &PRError{Repo: rc.Name, Err: err})
			continue
		}
		if st.Ahead == 0 {
			// Nothing committed here; no PR to open
			continue
		}

		base := rc.DefaultBranch
		if base == "" {
			base = "main"
		}
		number, url, err := c.prCli.Create(alloc.Path, title, body, feature.Branch, base)
		if err != nil {
			errs = append(errs, &PRError{Repo: rc.Name, Err: err})
			continue
		}
		prs = append(prs, domain.PR{
			Repo:      rc.Name,
			Number:    number,
			URL:       url,
			Title:     title,
			State:     domain.PROpen,
			Head:      feature.Branch,
			Base:      base,
			CreatedAt: time.Now(),
		})
	}
	return prs, errs
}
