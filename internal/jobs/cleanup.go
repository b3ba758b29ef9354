// Package jobs runs the periodic maintenance that the request path never
// does itself: expiring idle sessions and reconciling Spacedeck storage.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"whiteboard/api/internal/reconcile"
	"whiteboard/api/internal/store"
)

type SessionSweeper interface {
	CleanupSessions(ctx context.Context) ([]store.SessionRecord, error)
}

type StorageReconciler interface {
	Cleanup(ctx context.Context) (*reconcile.Result, error)
}

type Report struct {
	ExpiredSessions int
	// Actions is nil when storage reconciliation did not run.
	Actions []string
}

type Cleanup struct {
	sessions   SessionSweeper
	reconciler StorageReconciler
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewCleanup builds the job. reconciler is nil when Spacedeck storage is not
// managed by this process (remote mode); only sessions are swept then.
func NewCleanup(sessions SessionSweeper, reconciler StorageReconciler, interval time.Duration) *Cleanup {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Cleanup{sessions: sessions, reconciler: reconciler, interval: interval}
}

// RunOnce performs a single pass. Session expiry always runs; a failing
// reconciliation still returns the actions it managed to take.
func (c *Cleanup) RunOnce(ctx context.Context) (*Report, error) {
	expired, err := c.sessions.CleanupSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	report := &Report{ExpiredSessions: len(expired)}
	if c.reconciler == nil {
		return report, nil
	}
	result, err := c.reconciler.Cleanup(ctx)
	if result != nil {
		report.Actions = result.Actions
	}
	if err != nil {
		return report, fmt.Errorf("reconcile storage: %w", err)
	}
	return report, nil
}

// Start launches the periodic loop. Calling Start twice is a no-op.
func (c *Cleanup) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (c *Cleanup) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()
	<-done
}

func (c *Cleanup) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pass(ctx)
		case <-stop:
			return
		}
	}
}

func (c *Cleanup) pass(ctx context.Context) {
	report, err := c.RunOnce(ctx)
	if err != nil {
		log.Printf("jobs: cleanup failed: %v", err)
	}
	if report != nil {
		log.Printf("jobs: cleanup expired=%d actions=%d", report.ExpiredSessions, len(report.Actions))
	}
}
