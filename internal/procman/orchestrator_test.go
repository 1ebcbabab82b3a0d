package procman

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/orchard-dev/orchard/internal/domain"
)

// writeWorker drops a shell script standing in for the agent binary
func writeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestOrchestrator(t *testing.T, workerBody string) (*Orchestrator, string) {
	t.Helper()
	bin := writeWorker(t, workerBody)
	o := New(Options{Binary: bin}, nil, nil, nil)
	t.Cleanup(o.Close)
	return o, t.TempDir()
}

func waitForState(t *testing.T, p *Process, want domain.ProcessState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.CurrentState() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", p.CurrentState(), want)
}

const completingWorker = `
echo '{"type":"system","subtype":"init","session_id":"sess-123"}'
echo '{"type":"result","cost_usd":0.01}'
echo '{"type":"result","cost_usd":0.02}'
echo '{"type":"result","cost_usd":0.03}'
`

func TestOrchestrator_SpawnCompletes(t *testing.T) {
	o, dir := newTestOrchestrator(t, completingWorker)

	p, err := o.Spawn(context.Background(), SpawnOptions{AgentID: "a1", Task: "do things", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if p.PID == 0 {
		t.Error("pid not recorded")
	}

	got := o.Wait(context.Background(), p.ID, 5*time.Second)
	if got == nil {
		t.Fatal("Wait timed out")
	}

	snap := got.Snapshot()
	if snap.State != domain.ProcCompleted {
		t.Errorf("state = %s, want %s", snap.State, domain.ProcCompleted)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", snap.ExitCode)
	}
	if snap.SessionID != "sess-123" {
		t.Errorf("session id = %q, want sess-123", snap.SessionID)
	}
	if snap.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}
}

func TestOrchestrator_CostAccumulates(t *testing.T) {
	o, dir := newTestOrchestrator(t, completingWorker)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	o.Wait(context.Background(), p.ID, 5*time.Second)

	if got := o.TotalCost(p.ID); math.Abs(got-0.06) > 1e-9 {
		t.Errorf("total cost = %v, want 0.06", got)
	}
}

func TestOrchestrator_SpawnRejectsBadWorkDir(t *testing.T) {
	o, _ := newTestOrchestrator(t, completingWorker)

	_, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: "/nonexistent/nowhere"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
}

func TestOrchestrator_SpawnRejectsEmptyTask(t *testing.T) {
	o, dir := newTestOrchestrator(t, completingWorker)

	_, err := o.Spawn(context.Background(), SpawnOptions{Task: "", WorkingDir: dir})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
}

func TestOrchestrator_SpawnRejectsMissingBinary(t *testing.T) {
	o := New(Options{Binary: "definitely-not-a-real-binary-xyz"}, nil, nil, nil)
	t.Cleanup(o.Close)

	_, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: t.TempDir()})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
}

func TestOrchestrator_Kill(t *testing.T) {
	o, dir := newTestOrchestrator(t, `
echo '{"type":"system","subtype":"init","session_id":"s"}'
sleep 60
`)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, p, domain.ProcWorking)

	if !o.Kill(p.ID, syscall.SIGTERM) {
		t.Fatal("Kill returned false for a live process")
	}

	got := o.Wait(context.Background(), p.ID, 5*time.Second)
	if got == nil {
		t.Fatal("Wait timed out after kill")
	}
	if got.CurrentState() != domain.ProcKilled {
		t.Errorf("state = %s, want %s", got.CurrentState(), domain.ProcKilled)
	}

	// Killing a terminal process is a no-op and must not alter the record
	before := p.Snapshot()
	if o.Kill(p.ID, syscall.SIGTERM) {
		t.Error("Kill of terminal process returned true")
	}
	after := p.Snapshot()
	if *before.ExitCode != *after.ExitCode || !before.FinishedAt.Equal(*after.FinishedAt) {
		t.Error("no-op kill altered the terminal record")
	}
}

func TestOrchestrator_KillPaused(t *testing.T) {
	o, dir := newTestOrchestrator(t, `
echo '{"type":"system","subtype":"init","session_id":"s"}'
sleep 60
`)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, p, domain.ProcWorking)

	if !o.Pause(p.ID) {
		t.Fatal("Pause returned false for a working process")
	}
	if !o.Kill(p.ID, syscall.SIGTERM) {
		t.Fatal("Kill returned false for a paused process")
	}

	// The stopped child must still be continued so the signal lands
	got := o.Wait(context.Background(), p.ID, 5*time.Second)
	if got == nil {
		t.Fatal("killed paused process never terminated")
	}
	if got.CurrentState() != domain.ProcKilled {
		t.Errorf("state = %s, want %s", got.CurrentState(), domain.ProcKilled)
	}
}

func TestOrchestrator_KillUnknown(t *testing.T) {
	o, _ := newTestOrchestrator(t, completingWorker)
	if o.Kill("no-such-id", syscall.SIGTERM) {
		t.Error("Kill of unknown id returned true")
	}
}

func TestOrchestrator_SendInput(t *testing.T) {
	o, dir := newTestOrchestrator(t, `
echo '{"type":"system","subtype":"init","session_id":"s"}'
echo '{"type":"system","subtype":"awaiting_input"}'
read answer
echo '{"type":"result","cost_usd":0.01}'
`)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, p, domain.ProcWaiting)

	if !o.SendInput(p.ID, "go ahead") {
		t.Fatal("SendInput returned false for a waiting process")
	}

	got := o.Wait(context.Background(), p.ID, 5*time.Second)
	if got == nil {
		t.Fatal("worker did not finish after input")
	}
	if got.CurrentState() != domain.ProcCompleted {
		t.Errorf("state = %s, want %s", got.CurrentState(), domain.ProcCompleted)
	}

	if o.SendInput(p.ID, "too late") {
		t.Error("SendInput to terminal process returned true")
	}
}

func TestOrchestrator_ErrorExit(t *testing.T) {
	o, dir := newTestOrchestrator(t, `
echo '{"type":"system","subtype":"init","session_id":"s"}'
exit 3
`)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	got := o.Wait(context.Background(), p.ID, 5*time.Second)
	if got == nil {
		t.Fatal("Wait timed out")
	}

	snap := got.Snapshot()
	if snap.State != domain.ProcError {
		t.Errorf("state = %s, want %s", snap.State, domain.ProcError)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", snap.ExitCode)
	}
}

func TestOrchestrator_WaitTimeout(t *testing.T) {
	o, dir := newTestOrchestrator(t, `sleep 60`)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		o.Kill(p.ID, syscall.SIGKILL)
		o.Wait(context.Background(), p.ID, 5*time.Second)
	}()

	if got := o.Wait(context.Background(), p.ID, 50*time.Millisecond); got != nil {
		t.Error("Wait returned before the process finished")
	}
}

func TestOrchestrator_RemoveAndClear(t *testing.T) {
	o, dir := newTestOrchestrator(t, completingWorker)

	p1, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	o.Wait(context.Background(), p1.ID, 5*time.Second)
	o.Wait(context.Background(), p2.ID, 5*time.Second)

	if !o.Remove(p1.ID) {
		t.Error("Remove of terminal process returned false")
	}
	if o.Get(p1.ID) != nil {
		t.Error("removed process still registered")
	}

	if got := o.ClearCompleted(); got != 1 {
		t.Errorf("ClearCompleted = %d, want 1", got)
	}
	if len(o.All()) != 0 {
		t.Error("registry not empty after clear")
	}
}

func TestOrchestrator_RemoveRefusesLive(t *testing.T) {
	o, dir := newTestOrchestrator(t, `sleep 60`)

	p, err := o.Spawn(context.Background(), SpawnOptions{Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		o.Kill(p.ID, syscall.SIGKILL)
		o.Wait(context.Background(), p.ID, 5*time.Second)
	}()

	if o.Remove(p.ID) {
		t.Error("Remove of a live process returned true")
	}
}

// captureRecorder records calls for assertions
type captureRecorder struct {
	mu     sync.Mutex
	saved  []RunRecord
	states []domain.ProcessState
	costs  []float64
}

func (r *captureRecorder) SaveRun(rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return nil
}

func (r *captureRecorder) UpdateRunState(id string, state domain.ProcessState, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func (r *captureRecorder) UpdateRunCost(id string, costUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs = append(r.costs, costUSD)
	return nil
}

func TestOrchestrator_RecordsRuns(t *testing.T) {
	rec := &captureRecorder{}
	bin := writeWorker(t, completingWorker)
	o := New(Options{Binary: bin}, nil, nil, rec)
	dir := t.TempDir()

	p, err := o.Spawn(context.Background(), SpawnOptions{AgentID: "a1", Task: "t", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	o.Wait(context.Background(), p.ID, 5*time.Second)
	o.Close() // flushes the record queue

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.saved) != 1 || rec.saved[0].AgentID != "a1" {
		t.Fatalf("saved = %+v, want one record for a1", rec.saved)
	}
	if len(rec.states) != 1 || rec.states[0] != domain.ProcCompleted {
		t.Errorf("states = %v, want [%s]", rec.states, domain.ProcCompleted)
	}
	if len(rec.costs) != 1 || math.Abs(rec.costs[0]-0.06) > 1e-9 {
		t.Errorf("costs = %v, want [0.06]", rec.costs)
	}
}

func TestProcess_AbsorbLine(t *testing.T) {
	p := &Process{State: domain.ProcStarting}

	if moved := p.absorbLine(`{"type":"system","subtype":"init","session_id":"abc"}`); moved != domain.ProcWorking {
		t.Errorf("moved = %s, want %s", moved, domain.ProcWorking)
	}
	if p.Session() != "abc" {
		t.Errorf("session = %q, want abc", p.Session())
	}

	if moved := p.absorbLine(`{"type":"system","subtype":"awaiting_input"}`); moved != domain.ProcWaiting {
		t.Errorf("moved = %s, want %s", moved, domain.ProcWaiting)
	}

	// Free-form output lines are ignored
	if moved := p.absorbLine("plain text output"); moved != "" {
		t.Errorf("moved = %s for unparseable line, want none", moved)
	}
}
