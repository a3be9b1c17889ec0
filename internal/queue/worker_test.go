package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"golang.org/x/time/rate"
)

type fakeRunner struct {
	report string
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, task *Task, channel string) (string, error) {
	f.calls++
	return f.report, f.err
}

func newTestWorker(t *testing.T, runner Runner) (*Worker, *MemoryBroker, *MemoryStore, *eventbus.Bus) {
	t.Helper()
	broker := NewMemoryBroker()
	store := NewMemoryStore()
	bus := eventbus.New(nil)
	cfg := DefaultWorkerConfig()
	cfg.PollDelay = 5 * time.Millisecond
	w := NewWorker(broker, store, bus, runner, cfg, Hooks{})
	return w, broker, store, bus
}

func waitForStatus(t *testing.T, store *MemoryStore, taskID string, want Status, timeout time.Duration) *Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s", taskID, want)
	return nil
}

func TestWorker_SuccessfulJob(t *testing.T) {
	runner := &fakeRunner{report: "done"}
	w, broker, store, _ := newTestWorker(t, runner)

	task := &Task{ID: "t1", Kind: KindTask, MaxRetries: 2}
	if _, err := Enqueue(context.Background(), store, broker, task, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(time.Second)

	got := waitForStatus(t, store, "t1", StatusCompleted, time.Second)
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.Result != "done" {
		t.Errorf("result = %q, want %q", got.Result, "done")
	}
}

func TestWorker_TransientFailureRetries(t *testing.T) {
	runner := &fakeRunner{err: errors.New("503 service unavailable")}
	w, broker, store, _ := newTestWorker(t, runner)
	w.cfg.BackoffCfg.InitialMs = 1
	w.cfg.BackoffCfg.MaxMs = 5

	task := &Task{ID: "t2", Kind: KindTask, MaxRetries: 2}
	if _, err := Enqueue(context.Background(), store, broker, task, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), "t2")
		if err == nil && got.Status == StatusFailed {
			if got.RetryCount != 2 {
				t.Errorf("retry_count = %d, want 2", got.RetryCount)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task t2 never reached failed status after exhausting retries")
}

func TestWorker_FatalErrorFailsImmediately(t *testing.T) {
	runner := &fakeRunner{err: errors.New("permission denied")}
	w, broker, store, _ := newTestWorker(t, runner)

	task := &Task{ID: "t3", Kind: KindResearch, MaxRetries: 3}
	if _, err := Enqueue(context.Background(), store, broker, task, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(time.Second)

	got := waitForStatus(t, store, "t3", StatusFailed, time.Second)
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 (permission errors are not retried)", got.RetryCount)
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	broker := NewMemoryBroker()
	store := NewMemoryStore()
	task := &Task{ID: "t4", Kind: KindResearch}

	id1, err := Enqueue(context.Background(), store, broker, task, 0, 0)
	if err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	id2, err := Enqueue(context.Background(), store, broker, task, 0, 0)
	if err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if id1 != id2 {
		t.Errorf("job ids differ: %q vs %q", id1, id2)
	}
	if broker.Len() != 1 {
		t.Errorf("broker has %d jobs, want 1 (idempotent re-enqueue)", broker.Len())
	}
}

func TestWorker_CancelJob(t *testing.T) {
	started := make(chan struct{})
	blockRunner := runnerFunc(func(ctx context.Context, task *Task, channel string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	w, broker, store, _ := newTestWorker(t, blockRunner)

	task := &Task{ID: "t5", Kind: KindTask}
	if _, err := Enqueue(context.Background(), store, broker, task, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(time.Second)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	if !w.CancelJob("t5") {
		t.Fatal("CancelJob returned false for running job")
	}

	waitForStatus(t, store, "t5", StatusCancelled, time.Second)
}

type runnerFunc func(ctx context.Context, task *Task, channel string) (string, error)

func (f runnerFunc) Run(ctx context.Context, task *Task, channel string) (string, error) {
	return f(ctx, task, channel)
}

func TestWorker_DequeueRateCapsThroughput(t *testing.T) {
	runner := &fakeRunner{report: "ok"}
	broker := NewMemoryBroker()
	store := NewMemoryStore()
	bus := eventbus.New(nil)
	cfg := DefaultWorkerConfig()
	cfg.PollDelay = 5 * time.Millisecond
	cfg.DequeueRate = rate.Limit(2) // at most 2 jobs/sec
	cfg.DequeueBurst = 1
	w := NewWorker(broker, store, bus, runner, cfg, Hooks{})

	for i := 0; i < 5; i++ {
		task := &Task{ID: "rate-" + string(rune('a'+i)), Kind: KindTask}
		if _, err := Enqueue(context.Background(), store, broker, task, 0, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(time.Second)

	time.Sleep(120 * time.Millisecond)
	if runner.calls > 2 {
		t.Errorf("calls = %d within 120ms at 2/sec, want <= 2 (rate cap not enforced)", runner.calls)
	}

	time.Sleep(2 * time.Second)
	if runner.calls != 5 {
		t.Errorf("calls = %d after 2s, want all 5 jobs eventually processed", runner.calls)
	}
}
