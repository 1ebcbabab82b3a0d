package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchard-dev/orchard/internal/procman"
)

var (
	runAgentID  string
	runDir      string
	runModel    string
	runMaxTurns int
	runTimeout  time.Duration
	waitTimeout time.Duration
	psLimit     int
)

func init() {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run and inspect agent processes",
	}
	rootCmd.AddCommand(agentCmd)

	runCmd := &cobra.Command{
		Use:   "run TASK",
		Short: "Run an agent on a task and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentRun,
	}
	runCmd.Flags().StringVar(&runAgentID, "agent-id", "", "logical agent identifier")
	runCmd.Flags().StringVar(&runDir, "dir", ".", "working directory for the agent")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "max turns override")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "abort the run after this long (0 = no limit)")
	agentCmd.AddCommand(runCmd)

	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "List recent agent runs",
		RunE:  runAgentPs,
	}
	psCmd.Flags().IntVar(&psLimit, "limit", 20, "number of runs to show")
	agentCmd.AddCommand(psCmd)

	costCmd := &cobra.Command{
		Use:   "cost",
		Short: "Show total cost across all recorded runs",
		RunE:  runAgentCost,
	}
	agentCmd.AddCommand(costCmd)

	killCmd := &cobra.Command{
		Use:   "kill RUN_ID",
		Short: "Send SIGTERM to a recorded run's process",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentKill,
	}
	agentCmd.AddCommand(killCmd)

	waitCmd := &cobra.Command{
		Use:   "wait RUN_ID",
		Short: "Block until a recorded run's process exits",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentWait,
	}
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "give up after this long (0 = no limit)")
	agentCmd.AddCommand(waitCmd)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished runs from the history",
		RunE:  runAgentClear,
	}
	agentCmd.AddCommand(clearCmd)
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	model := runModel
	if model == "" {
		model = rt.cfg.Agent.Model
	}
	maxTurns := runMaxTurns
	if maxTurns == 0 {
		maxTurns = rt.cfg.Agent.MaxTurns
	}

	ctx := context.Background()
	proc, err := rt.orch.Spawn(ctx, procman.SpawnOptions{
		AgentID:    runAgentID,
		Task:       args[0],
		WorkingDir: runDir,
		Model:      model,
		MaxTurns:   maxTurns,
	})
	if err != nil {
		return err
	}
	fmt.Printf("started %s (pid %d)\n", proc.ID, proc.PID)

	// Forward an interrupt to the agent instead of orphaning it
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		rt.orch.Kill(proc.ID, syscall.SIGTERM)
	}()

	backlog, ch, cancel := proc.Ring().Subscribe()
	defer cancel()
	for _, chunk := range backlog {
		fmt.Println(chunk.Text)
	}

	done := proc.Done()
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			fmt.Println(chunk.Text)
		case <-done:
			// Drain whatever arrived between the last read and exit
			for {
				select {
				case chunk := <-ch:
					fmt.Println(chunk.Text)
					continue
				default:
				}
				break
			}
			state := proc.CurrentState()
			fmt.Printf("agent %s: %s (cost $%.4f)\n", proc.ID, state, proc.TotalCost())
			return nil
		case <-timeoutChan(runTimeout):
			rt.orch.Kill(proc.ID, syscall.SIGKILL)
			rt.orch.Wait(ctx, proc.ID, 5*time.Second)
			return fmt.Errorf("agent timed out after %s", runTimeout)
		}
	}
}

func timeoutChan(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}

func runAgentPs(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	runs, err := rt.store.ListRecentRuns(psLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATE\tSTARTED\tCOST")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
			r.ID, r.AgentID, r.State, r.StartedAt.Format(time.RFC3339), r.CostUSD)
	}
	w.Flush()
	return nil
}

func runAgentCost(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	total, err := rt.store.TotalCost()
	if err != nil {
		return err
	}
	fmt.Printf("total cost: $%.4f\n", total)
	return nil
}

// livePID resolves a run id to the OS process, erroring on unknown or
// already-finished runs
func livePID(rt *runtime, runID string) (int, error) {
	rec, err := rt.store.GetRun(runID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("unknown run %q", runID)
	}
	if rec.State.Terminal() || rec.PID == 0 {
		return 0, fmt.Errorf("run %s already finished (%s)", runID, rec.State)
	}
	return rec.PID, nil
}

func runAgentKill(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	pid, err := livePID(rt, args[0])
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}

func runAgentWait(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	pid, err := livePID(rt, args[0])
	if err != nil {
		return err
	}

	deadline := timeoutChan(waitTimeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			// Signal 0 probes for liveness without touching the process
			if syscall.Kill(pid, syscall.Signal(0)) != nil {
				fmt.Printf("run %s finished\n", args[0])
				return nil
			}
		case <-deadline:
			return fmt.Errorf("run %s still live after %s", args[0], waitTimeout)
		}
	}
}

func runAgentClear(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	removed, err := rt.store.PruneTerminal()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d finished runs\n", removed)
	return nil
}
