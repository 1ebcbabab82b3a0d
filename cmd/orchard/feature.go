package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orchard-dev/orchard/internal/coordinator"
	"github.com/orchard-dev/orchard/internal/domain"
)

var (
	featurePRTitle string
	featurePRBody  string
	finishForce    bool
)

func init() {
	featureCmd := &cobra.Command{
		Use:   "feature",
		Short: "Manage multi-repo feature branches",
	}
	rootCmd.AddCommand(featureCmd)

	startCmd := &cobra.Command{
		Use:   "start BRANCH",
		Short: "Allocate a worktree for the branch in every workspace repo",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeatureStart,
	}
	featureCmd.AddCommand(startCmd)

	commitCmd := &cobra.Command{
		Use:   "commit BRANCH MESSAGE",
		Short: "Commit pending changes in every repo of the feature",
		Args:  cobra.ExactArgs(2),
		RunE:  runFeatureCommit,
	}
	featureCmd.AddCommand(commitCmd)

	prCmd := &cobra.Command{
		Use:   "pr BRANCH",
		Short: "Open pull requests for every repo with commits on the branch",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeaturePR,
	}
	prCmd.Flags().StringVar(&featurePRTitle, "title", "", "pull request title")
	prCmd.Flags().StringVar(&featurePRBody, "body", "", "pull request description")
	featureCmd.AddCommand(prCmd)

	statusCmd := &cobra.Command{
		Use:   "status BRANCH",
		Short: "Show per-repo dirty and ahead/behind state",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeatureStatus,
	}
	featureCmd.AddCommand(statusCmd)

	finishCmd := &cobra.Command{
		Use:   "finish BRANCH",
		Short: "Release the feature's worktrees in every repo",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeatureFinish,
	}
	finishCmd.Flags().BoolVar(&finishForce, "force", false, "discard uncommitted changes")
	featureCmd.AddCommand(finishCmd)
}

// adoptFeature rebuilds the in-memory aggregate for a branch. Allocation
// reuses worktrees already on disk, so a feature started by an earlier
// invocation is picked up rather than re-created.
func adoptFeature(coord *coordinator.Coordinator, branch string) (*coordinator.MultiRepoWorktree, error) {
	return coord.CreateMultiRepoWorktree(branch)
}

func runFeatureStart(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	coord, err := rt.coordinatorFor()
	if err != nil {
		return err
	}

	mrw, err := coord.CreateMultiRepoWorktree(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("feature %s allocated in %d repos:\n", mrw.Branch, len(mrw.Worktrees))
	for repo, alloc := range mrw.Worktrees {
		fmt.Printf("  %s: %s\n", repo, alloc.Path)
	}
	return nil
}

func runFeatureCommit(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	coord, err := rt.coordinatorFor()
	if err != nil {
		return err
	}
	if _, err := adoptFeature(coord, args[0]); err != nil {
		return err
	}

	results, err := coord.CommitAll(args[0], args[1])
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		switch {
		case errors.Is(res.Err, coordinator.ErrNothingToCommit):
			fmt.Printf("  %s: nothing to commit\n", res.Repo)
		case res.Err != nil:
			failed++
			fmt.Printf("  %s: %v\n", res.Repo, res.Err)
		default:
			fmt.Printf("  %s: %s\n", res.Repo, res.SHA)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repos failed to commit", failed, len(results))
	}
	return nil
}

func runFeaturePR(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	coord, err := rt.coordinatorFor()
	if err != nil {
		return err
	}
	if _, err := adoptFeature(coord, args[0]); err != nil {
		return err
	}

	title := featurePRTitle
	if title == "" {
		title = args[0]
	}
	feature := domain.Feature{
		ID:          args[0],
		Name:        title,
		Description: featurePRBody,
		Branch:      args[0],
	}

	prs, errs := coord.CreateMultiRepoPRs(feature)
	for _, pr := range prs {
		rt.store.SavePR(pr)
		fmt.Printf("  %s: #%d %s\n", pr.Repo, pr.Number, pr.URL)
	}
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d repos failed", len(errs))
	}
	return nil
}

func runFeatureStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	coord, err := rt.coordinatorFor()
	if err != nil {
		return err
	}

	// Status is a query; it must not allocate worktrees as a side effect
	statuses, err := coord.InspectStatus(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tALLOCATED\tDIRTY\tAHEAD\tBEHIND")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%v\t%v\t%d\t%d\n",
			st.Repo, st.Allocated, st.Dirty, st.Ahead, st.Behind)
	}
	w.Flush()
	return nil
}

func runFeatureFinish(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	coord, err := rt.coordinatorFor()
	if err != nil {
		return err
	}
	if _, err := adoptFeature(coord, args[0]); err != nil {
		return err
	}

	errs := coord.ReleaseMultiRepoWorktree(args[0], finishForce)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d repos refused release (use --force to discard changes)", len(errs))
	}
	fmt.Printf("feature %s released\n", args[0])
	return nil
}
