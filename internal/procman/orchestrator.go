package procman

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/orchard-dev/orchard/internal/domain"
	"github.com/orchard-dev/orchard/internal/events"
)

// TokenSource resolves the worker binary's authentication token. The token
// is treated opaquely and only placed in the child environment.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RunRecorder receives run summaries for storage. The orchestrator never
// reads these back; absence of a recorder disables persistence.
type RunRecorder interface {
	SaveRun(rec RunRecord) error
	UpdateRunState(id string, state domain.ProcessState, errMsg string) error
	UpdateRunCost(id string, costUSD float64) error
}

// RunRecord is the persisted summary of one process
type RunRecord struct {
	ID         string
	AgentID    string
	SessionID  string
	PID        int
	State      domain.ProcessState
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int
	CostUSD    float64
	Error      string
}

// recordOp is one queued persistence operation
type recordOp struct {
	opType  string
	record  RunRecord
	id      string
	state   domain.ProcessState
	errMsg  string
	costUSD float64
}

// Options configures the orchestrator
type Options struct {
	Binary       string // worker executable, e.g. "claude"
	RingCapacity int
	TokenEnvVar  string // env var name the token is exposed under
}

// SpawnOptions describes one worker invocation
type SpawnOptions struct {
	AgentID    string
	Task       string
	WorkingDir string
	Model      string
	MaxTurns   int
	ExtraArgs  []string
}

// Orchestrator supervises external worker processes. It owns the registry
// of active and completed processes; all mutation goes through its
// operations.
type Orchestrator struct {
	opts  Options
	bus   *events.Bus
	creds TokenSource
	store RunRecorder

	mu    sync.RWMutex
	procs map[string]*Process

	recordChan chan recordOp
	recordDone chan struct{}
}

// New creates an orchestrator. bus, creds and store may be nil; absent
// collaborators disable the corresponding side effects.
func New(opts Options, bus *events.Bus, creds TokenSource, store RunRecorder) *Orchestrator {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = DefaultRingCapacity
	}
	o := &Orchestrator{
		opts:       opts,
		bus:        bus,
		creds:      creds,
		store:      store,
		procs:      make(map[string]*Process),
		recordChan: make(chan recordOp, 100),
		recordDone: make(chan struct{}),
	}
	go o.recordWriter()
	return o
}

// recordWriter applies persistence operations sequentially to avoid lock
// contention in the store
func (o *Orchestrator) recordWriter() {
	for op := range o.recordChan {
		o.applyRecordOp(op)
	}
	close(o.recordDone)
}

func (o *Orchestrator) applyRecordOp(op recordOp) {
	if o.store == nil {
		return
	}
	switch op.opType {
	case "save":
		o.store.SaveRun(op.record)
	case "state":
		o.store.UpdateRunState(op.id, op.state, op.errMsg)
	case "cost":
		o.store.UpdateRunCost(op.id, op.costUSD)
	}
}

func (o *Orchestrator) queueRecord(op recordOp) {
	select {
	case o.recordChan <- op:
	default:
		// Channel full, apply synchronously as fallback
		o.applyRecordOp(op)
	}
}

// Close stops the record writer and waits for queued writes to flush
func (o *Orchestrator) Close() {
	close(o.recordChan)
	<-o.recordDone
}

func (o *Orchestrator) publish(t events.Type, p *Process, payload string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: t, ProcessID: p.ID, Payload: payload})
}

// Spawn launches a worker process with stdio piped, registers it in state
// starting, and begins draining its output into the ring buffer
func (o *Orchestrator) Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	if opts.Task == "" {
		return nil, &SpawnError{Binary: o.opts.Binary, Reason: "empty task"}
	}
	info, err := os.Stat(opts.WorkingDir)
	if err != nil || !info.IsDir() {
		return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "working directory invalid", Err: err}
	}
	binPath, err := exec.LookPath(o.opts.Binary)
	if err != nil {
		return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "binary not found", Err: err}
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, "-p", opts.Task)

	cmd := exec.Command(binPath, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = os.Environ()

	if o.creds != nil && o.opts.TokenEnvVar != "" {
		token, err := o.creds.Token(ctx)
		if err != nil {
			return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "resolving credentials", Err: err}
		}
		if token != "" {
			cmd.Env = append(cmd.Env, o.opts.TokenEnvVar+"="+token)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: o.opts.Binary, WorkDir: opts.WorkingDir, Reason: "starting process", Err: err}
	}

	now := time.Now()
	p := &Process{
		ID:           uuid.NewString(),
		AgentID:      opts.AgentID,
		PID:          cmd.Process.Pid,
		State:        domain.ProcStarting,
		StartedAt:    now,
		LastActivity: now,
		WorkingDir:   opts.WorkingDir,
		Task:         opts.Task,
		ring:         NewRing(o.opts.RingCapacity),
		cmd:          cmd,
		stdin:        stdin,
		done:         make(chan struct{}),
	}

	o.mu.Lock()
	o.procs[p.ID] = p
	o.mu.Unlock()

	o.queueRecord(recordOp{opType: "save", record: RunRecord{
		ID:        p.ID,
		AgentID:   p.AgentID,
		PID:       p.PID,
		State:     p.State,
		StartedAt: p.StartedAt,
	}})
	o.publish(events.AgentStarted, p, opts.Task)

	go o.drain(p, stdout, stderr)

	return p, nil
}

// drain reads both streams until EOF, then reaps the process and settles
// its terminal state
func (o *Orchestrator) drain(p *Process, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	readLines := func(r io.Reader, stream string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		// Structured output lines can be long
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			moved := p.absorbLine(line)
			p.mu.Lock()
			p.LastActivity = time.Now()
			p.mu.Unlock()
			p.ring.Append(Chunk{Stream: stream, Text: line})
			o.publish(events.AgentOutput, p, line)
			if moved == domain.ProcWaiting {
				o.publish(events.AgentPaused, p, "awaiting input")
			}
		}
	}

	go readLines(stdout, "stdout")
	go readLines(stderr, "stderr")
	wg.Wait()

	err := p.cmd.Wait()

	p.mu.Lock()
	now := time.Now()
	p.FinishedAt = &now
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.ExitCode = &code

	var terminal domain.ProcessState
	var errMsg string
	switch {
	case p.killRequested:
		terminal = domain.ProcKilled
	case err != nil:
		terminal = domain.ProcError
		p.Err = err
		errMsg = err.Error()
	default:
		terminal = domain.ProcCompleted
	}
	p.State = terminal
	cost := p.CostUSD
	p.mu.Unlock()

	o.queueRecord(recordOp{opType: "state", id: p.ID, state: terminal, errMsg: errMsg})
	if cost > 0 {
		o.queueRecord(recordOp{opType: "cost", id: p.ID, costUSD: cost})
	}

	// Records are queued before done closes so a waiter that immediately
	// shuts down still flushes them.
	close(p.done)

	switch terminal {
	case domain.ProcError:
		o.publish(events.AgentError, p, errMsg)
	default:
		o.publish(events.AgentCompleted, p, "")
	}
}

// Get returns the process with the given id, or nil
func (o *Orchestrator) Get(id string) *Process {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.procs[id]
}

// All returns every registered process
func (o *Orchestrator) All() []*Process {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Process, 0, len(o.procs))
	for _, p := range o.procs {
		out = append(out, p)
	}
	return out
}

// ByAgent returns the processes owned by the given agent
func (o *Orchestrator) ByAgent(agentID string) []*Process {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*Process
	for _, p := range o.procs {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	return out
}

// SendInput writes text to the child's standard input if the process is
// alive and accepting input. Returns false without side effect otherwise.
func (o *Orchestrator) SendInput(id, text string) bool {
	p := o.Get(id)
	if p == nil {
		return false
	}

	p.mu.Lock()
	if p.State != domain.ProcWorking && p.State != domain.ProcWaiting {
		p.mu.Unlock()
		return false
	}
	wasWaiting := p.State == domain.ProcWaiting
	stdin := p.stdin
	p.mu.Unlock()

	if stdin == nil {
		return false
	}
	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		return false
	}

	p.mu.Lock()
	p.LastActivity = time.Now()
	if wasWaiting && p.State == domain.ProcWaiting {
		p.State = domain.ProcWorking
	}
	p.mu.Unlock()

	if wasWaiting {
		o.publish(events.AgentResumed, p, "")
	}
	return true
}

// Kill sends a termination signal. Killing an unknown or already-terminal
// process is a no-op returning false.
func (o *Orchestrator) Kill(id string, sig os.Signal) bool {
	p := o.Get(id)
	if p == nil {
		return false
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}

	p.mu.Lock()
	if p.State.Terminal() || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return false
	}
	p.killRequested = true
	paused := p.State == domain.ProcPaused
	proc := p.cmd.Process
	p.mu.Unlock()

	ok := proc.Signal(sig) == nil
	if ok && paused {
		// A stopped child cannot act on the pending signal; continue it
		// so the termination actually happens.
		proc.Signal(syscall.SIGCONT)
	}
	// The drain goroutine reaps the process and settles state to killed
	// once the OS confirms termination.
	return ok
}

// Pause stops the worker process with SIGSTOP. Returns false for unknown,
// terminal or already-paused processes.
func (o *Orchestrator) Pause(id string) bool {
	p := o.Get(id)
	if p == nil {
		return false
	}

	p.mu.Lock()
	if !p.State.Live() || p.State == domain.ProcPaused || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return false
	}
	proc := p.cmd.Process
	p.mu.Unlock()

	if proc.Signal(syscall.SIGSTOP) != nil {
		return false
	}

	p.mu.Lock()
	p.State = domain.ProcPaused
	p.mu.Unlock()
	o.publish(events.AgentPaused, p, "")
	return true
}

// Resume continues a paused worker process with SIGCONT
func (o *Orchestrator) Resume(id string) bool {
	p := o.Get(id)
	if p == nil {
		return false
	}

	p.mu.Lock()
	if p.State != domain.ProcPaused || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return false
	}
	proc := p.cmd.Process
	p.mu.Unlock()

	if proc.Signal(syscall.SIGCONT) != nil {
		return false
	}

	p.mu.Lock()
	p.State = domain.ProcWorking
	p.mu.Unlock()
	o.publish(events.AgentResumed, p, "")
	return true
}

// Wait suspends the caller until the process reaches a terminal state or
// the timeout elapses. Returns nil for unknown ids or on timeout. A zero
// timeout waits indefinitely (bounded by ctx).
func (o *Orchestrator) Wait(ctx context.Context, id string, timeout time.Duration) *Process {
	p := o.Get(id)
	if p == nil {
		return nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-p.done:
		return p
	case <-timer:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// SessionID returns the worker-reported session id for the process
func (o *Orchestrator) SessionID(id string) string {
	p := o.Get(id)
	if p == nil {
		return ""
	}
	return p.Session()
}

// TotalCost returns the accumulated cost for the process, 0 when unknown
// or not yet reported
func (o *Orchestrator) TotalCost(id string) float64 {
	p := o.Get(id)
	if p == nil {
		return 0
	}
	return p.TotalCost()
}

// Remove deletes a terminal-state record from the registry. Refuses to
// remove a still-active process.
func (o *Orchestrator) Remove(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.procs[id]
	if !ok || !p.CurrentState().Terminal() {
		return false
	}
	delete(o.procs, id)
	return true
}

// ClearCompleted removes every terminal-state record and returns the count
func (o *Orchestrator) ClearCompleted() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, p := range o.procs {
		if p.CurrentState().Terminal() {
			delete(o.procs, id)
			removed++
		}
	}
	return removed
}
