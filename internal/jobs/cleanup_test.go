package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"whiteboard/api/internal/reconcile"
	"whiteboard/api/internal/store"
)

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) CleanupSessions(context.Context) ([]store.SessionRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []store.SessionRecord{{Token: "a"}, {Token: "b"}}, nil
}

type fakeReconciler struct {
	calls   atomic.Int32
	actions []string
	err     error
}

func (f *fakeReconciler) Cleanup(context.Context) (*reconcile.Result, error) {
	f.calls.Add(1)
	return &reconcile.Result{Actions: f.actions}, f.err
}

func TestRunOnceSweepsAndReconciles(t *testing.T) {
	sweeper := &fakeSweeper{}
	rec := &fakeReconciler{actions: []string{"Deleted space x (1)"}}

	report, err := NewCleanup(sweeper, rec, time.Hour).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if report.ExpiredSessions != 2 || len(report.Actions) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunOnceRemoteModeOnlySweeps(t *testing.T) {
	sweeper := &fakeSweeper{}
	report, err := NewCleanup(sweeper, nil, time.Hour).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if report.Actions != nil || sweeper.calls.Load() != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunOnceKeepsActionsOnReconcileError(t *testing.T) {
	rec := &fakeReconciler{actions: []string{"Failed to delete space x: boom"}, err: errors.New("boom")}
	report, err := NewCleanup(&fakeSweeper{}, rec, time.Hour).RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if report == nil || len(report.Actions) != 1 {
		t.Fatalf("expected partial actions, got %+v", report)
	}
}

func TestRunOnceStopsOnSweepError(t *testing.T) {
	rec := &fakeReconciler{}
	if _, err := NewCleanup(&fakeSweeper{err: errors.New("db down")}, rec, time.Hour).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if rec.calls.Load() != 0 {
		t.Fatalf("reconciler must not run after a failed sweep")
	}
}

func TestStartStop(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewCleanup(sweeper, nil, 10*time.Millisecond)
	job.Start()
	job.Start()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	job.Stop()
	job.Stop()
	if sweeper.calls.Load() == 0 {
		t.Fatalf("expected at least one pass")
	}
	after := sweeper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if sweeper.calls.Load() != after {
		t.Fatalf("loop kept running after Stop")
	}
}
