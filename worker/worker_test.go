package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/worker"
)

func TestStartRejectsSecondTask(t *testing.T) {
	w := worker.New()
	release := make(chan struct{})
	err := w.Start(context.Background(), "first", func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = w.Start(context.Background(), "second", func(ctx context.Context) error { return nil })
	if !errors.Is(err, worker.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if !w.Busy() {
		t.Error("worker should be busy")
	}
	close(release)
	if err := w.Wait(); err != nil {
		t.Fatal(err)
	}
	if w.Busy() {
		t.Error("worker should be idle after the task returns")
	}
}

func TestStopIsSeenAtCheckpoint(t *testing.T) {
	w := worker.New()
	reached := make(chan struct{})
	w.Start(context.Background(), "loop", func(ctx context.Context) error {
		close(reached)
		for {
			if err := worker.Checkpoint(ctx); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	})
	<-reached
	w.Stop()
	err := w.Wait()
	if !errors.Is(err, worker.ErrStopRequested) || !worker.IsStop(err) {
		t.Errorf("expected ErrStopRequested, got %v", err)
	}
}

func TestPauseBlocksUntilResume(t *testing.T) {
	w := worker.New()
	var steps int32
	gate := make(chan struct{})
	w.Start(context.Background(), "steps", func(ctx context.Context) error {
		<-gate
		for i := 0; i < 3; i++ {
			if err := worker.Checkpoint(ctx); err != nil {
				return err
			}
			atomic.AddInt32(&steps, 1)
		}
		return nil
	})
	if err := w.Pause(); err != nil {
		t.Fatal(err)
	}
	close(gate)
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&steps); n != 0 {
		t.Fatalf("paused task advanced %d steps", n)
	}
	if w.State() != worker.Paused {
		t.Errorf("expected paused state, got %v", w.State())
	}
	w.Resume()
	if err := w.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&steps); n != 3 {
		t.Errorf("expected 3 steps after resume, got %d", n)
	}
}

func TestStopReleasesPause(t *testing.T) {
	w := worker.New()
	gate := make(chan struct{})
	w.Start(context.Background(), "paused", func(ctx context.Context) error {
		<-gate
		return worker.Checkpoint(ctx)
	})
	w.Pause()
	close(gate)
	time.Sleep(10 * time.Millisecond)
	w.Stop()
	if err := w.Wait(); err != worker.ErrStopRequested {
		t.Errorf("expected ErrStopRequested, got %v", err)
	}
}

func TestPauseWhenIdle(t *testing.T) {
	if err := worker.New().Pause(); err != worker.ErrIdle {
		t.Errorf("expected ErrIdle, got %v", err)
	}
}

func TestWaitForSignal(t *testing.T) {
	w := worker.New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Signal("beam-blanked")
	}()
	if err := w.WaitFor(context.Background(), "beam-blanked", time.Second); err != nil {
		t.Errorf("expected the signal, got %v", err)
	}
}

func TestWaitForTimeout(t *testing.T) {
	w := worker.New()
	start := time.Now()
	err := w.WaitFor(context.Background(), "mode-changed", 20*time.Millisecond)
	if !errors.Is(err, worker.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("returned before the timeout")
	}
	// a later signal for the same name finds no stale waiter
	w.Signal("mode-changed")
}

func TestWaitForReleasedByStop(t *testing.T) {
	w := worker.New()
	waiting := make(chan struct{})
	w.Start(context.Background(), "operator", func(ctx context.Context) error {
		close(waiting)
		return w.WaitFor(ctx, "unblank", 0)
	})
	<-waiting
	w.Stop()
	if err := w.Wait(); !worker.IsStop(err) {
		t.Errorf("expected a stop, got %v", err)
	}
}

func TestDetachSurvivesStop(t *testing.T) {
	w := worker.New()
	var detachedErr error
	w.Run(context.Background(), "restore", func(ctx context.Context) error {
		w.Stop()
		d := worker.Detach(ctx)
		detachedErr = worker.Checkpoint(d)
		if d.Err() != nil {
			t.Error("detached context was cancelled")
		}
		return worker.Checkpoint(ctx)
	})
	if detachedErr != nil {
		t.Errorf("checkpoint on a detached context failed: %v", detachedErr)
	}
}

func TestPanicIsRecorded(t *testing.T) {
	w := worker.New()
	w.Start(context.Background(), "bad", func(ctx context.Context) error {
		panic("boom")
	})
	if err := w.Wait(); err == nil {
		t.Error("expected the panic to surface as an error")
	}
	if s := w.Status(); s.State != "idle" || s.LastErr == "" {
		t.Errorf("unexpected status %+v", s)
	}
}
