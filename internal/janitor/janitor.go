// Package janitor runs scheduled stale-workspace sweeps against the
// coordinator.
package janitor

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper releases stale allocations and reports how many it released
type Sweeper interface {
	CleanupStale(maxIdle time.Duration) (int, error)
}

// Janitor schedules periodic sweeps
type Janitor struct {
	sweeper  Sweeper
	maxIdle  time.Duration
	schedule cron.Schedule

	mu      sync.Mutex
	running bool
	lastRun time.Time
	stop    chan struct{}
	done    chan struct{}
}

// New creates a janitor from a five-field cron expression
func New(sweeper Sweeper, cronSpec string, maxIdle time.Duration) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronSpec)
	if err != nil {
		return nil, err
	}
	return &Janitor{
		sweeper:  sweeper,
		maxIdle:  maxIdle,
		schedule: schedule,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// NextRun returns the next scheduled sweep time
func (j *Janitor) NextRun() time.Time {
	return j.schedule.Next(time.Now())
}

// Start begins the scheduling loop. It returns immediately.
func (j *Janitor) Start() {
	go j.loop()
}

// Stop ends the scheduling loop and waits for an in-flight sweep
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Janitor) loop() {
	defer close(j.done)
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-j.stop:
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep()
		}
	}
}

// Sweep runs one sweep now, skipping if one is already in flight
func (j *Janitor) Sweep() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.lastRun = time.Now()
		j.mu.Unlock()
	}()

	count, err := j.sweeper.CleanupStale(j.maxIdle)
	if err != nil {
		log.Printf("janitor sweep failed: %v", err)
		return
	}
	if count > 0 {
		log.Printf("janitor released %d stale worktrees", count)
	}
}

// LastRun returns when the janitor last completed a sweep
func (j *Janitor) LastRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}
