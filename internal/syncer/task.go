package syncer

import (
	"context"
	"sync"
	"time"
)

// Task runs fn once on Start and then on every tick until stopped. Ticks
// that come due while fn is still running are dropped, not queued.
type Task struct {
	fn func(ctx context.Context)

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	reset    chan time.Duration
}

func NewTask(interval time.Duration, fn func(ctx context.Context)) *Task {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Task{fn: fn, interval: interval}
}

// Start launches the loop. It returns false when the task is already running.
func (t *Task) Start(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.reset = make(chan time.Duration, 1)
	go t.loop(runCtx, t.interval, t.reset, t.done)
	return true
}

func (t *Task) loop(ctx context.Context, interval time.Duration, reset <-chan time.Duration, done chan<- struct{}) {
	defer close(done)
	t.fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			ticker.Reset(d)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			t.fn(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-progress run to return.
// Stopping a task that is not running is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done, t.reset = nil, nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval changes the period, taking effect on a running loop at once.
func (t *Task) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if d == t.interval {
		return
	}
	t.interval = d
	if t.reset == nil {
		return
	}
	select {
	case <-t.reset:
	default:
	}
	t.reset <- d
}
