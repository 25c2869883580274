package syncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskRunsImmediatelyAndRepeats(t *testing.T) {
	var runs atomic.Int32
	task := NewTask(10*time.Millisecond, func(context.Context) { runs.Add(1) })
	if !task.Start(context.Background()) {
		t.Fatalf("start failed")
	}
	if task.Start(context.Background()) {
		t.Fatalf("second start should report already running")
	}
	waitFor(t, func() bool { return runs.Load() >= 3 })
	task.Stop()
	if task.Running() {
		t.Fatalf("still running after stop")
	}
	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("task ran after stop")
	}
	task.Stop()
}

func TestTaskStopWaitsForRun(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	task := NewTask(time.Hour, func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		finished.Store(true)
	})
	task.Start(context.Background())
	<-entered
	task.Stop()
	if !finished.Load() {
		t.Fatalf("stop returned before the run finished")
	}
}

func TestTaskSetInterval(t *testing.T) {
	var runs atomic.Int32
	task := NewTask(time.Hour, func(context.Context) { runs.Add(1) })
	task.Start(context.Background())
	defer task.Stop()
	waitFor(t, func() bool { return runs.Load() == 1 })
	task.SetInterval(10 * time.Millisecond)
	if task.Interval() != 10*time.Millisecond {
		t.Fatalf("interval not updated")
	}
	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestTaskRestart(t *testing.T) {
	var runs atomic.Int32
	task := NewTask(time.Hour, func(context.Context) { runs.Add(1) })
	task.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() == 1 })
	task.Stop()
	if !task.Start(context.Background()) {
		t.Fatalf("restart after stop failed")
	}
	defer task.Stop()
	waitFor(t, func() bool { return runs.Load() == 2 })
}
