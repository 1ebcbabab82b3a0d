package procman

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/orchard-dev/orchard/internal/domain"
)

// Process is one external worker invocation and its standard streams.
// Exactly one Process exists per spawned OS process for its lifetime; a
// terminated record remains queryable until explicitly removed.
type Process struct {
	ID           string
	AgentID      string
	SessionID    string
	PID          int
	State        domain.ProcessState
	StartedAt    time.Time
	FinishedAt   *time.Time
	ExitCode     *int
	CostUSD      float64
	LastActivity time.Time
	Err          error

	WorkingDir string
	Task       string

	ring *Ring

	cmd           *exec.Cmd
	stdin         io.WriteCloser
	killRequested bool
	done          chan struct{}
	mu            sync.Mutex
}

// Ring returns the process's output replay buffer
func (p *Process) Ring() *Ring {
	return p.ring
}

// Done returns a channel closed when the process reaches a terminal state
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Snapshot returns a copy of the mutable fields, safe to read without
// racing the drain goroutines
func (p *Process) Snapshot() Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := Process{
		ID:           p.ID,
		AgentID:      p.AgentID,
		SessionID:    p.SessionID,
		PID:          p.PID,
		State:        p.State,
		StartedAt:    p.StartedAt,
		CostUSD:      p.CostUSD,
		LastActivity: p.LastActivity,
		Err:          p.Err,
		WorkingDir:   p.WorkingDir,
		Task:         p.Task,
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		cp.FinishedAt = &t
	}
	if p.ExitCode != nil {
		c := *p.ExitCode
		cp.ExitCode = &c
	}
	return cp
}

// CurrentState returns the process state
func (p *Process) CurrentState() domain.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// TotalCost returns the accumulated cost reported by the worker so far
func (p *Process) TotalCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CostUSD
}

// Session returns the worker-reported session id, empty until reported
func (p *Process) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SessionID
}

// Duration returns how long the process has been running, or ran
func (p *Process) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FinishedAt != nil {
		return p.FinishedAt.Sub(p.StartedAt)
	}
	return time.Since(p.StartedAt)
}

// IsRunning checks whether the OS process still exists, using signal 0
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	pid := p.PID
	state := p.State
	p.mu.Unlock()

	if pid == 0 || state.Terminal() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// workerLine is the envelope of one newline-delimited structured line on
// the worker's output stream. Lines that do not parse are opaque display
// output.
type workerLine struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// absorbLine parses one output line opportunistically: session id from the
// init line, incremental cost from result lines, waiting/working cycling
// from input-request markers. Returns the state the line moved the process
// to, or "" when unchanged.
func (p *Process) absorbLine(line string) domain.ProcessState {
	var msg workerLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var moved domain.ProcessState
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			if msg.SessionID != "" {
				p.SessionID = msg.SessionID
			}
			if p.State == domain.ProcStarting {
				p.State = domain.ProcWorking
				moved = domain.ProcWorking
			}
		}
		if msg.Subtype == "awaiting_input" && p.State == domain.ProcWorking {
			p.State = domain.ProcWaiting
			moved = domain.ProcWaiting
		}
	case "result":
		p.CostUSD += msg.CostUSD
		if p.State == domain.ProcStarting {
			p.State = domain.ProcWorking
			moved = domain.ProcWorking
		}
	}
	return moved
}
