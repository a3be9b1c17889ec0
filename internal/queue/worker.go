package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperstudiox/hyperagent/internal/backoff"
	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"golang.org/x/time/rate"
)

// Runner drives the agent sub-graph for one job. Implementations publish
// their own progress/token/tool events onto bus/channel as they go; Runner
// only needs to return the final report text or a terminal error. The
// concrete implementation lives one layer up (the supervisor wraps a
// reactloop.Loop per agent); Worker only depends on this narrow seam so it
// never imports the routing/handoff machinery directly.
type Runner interface {
	Run(ctx context.Context, task *Task, channel string) (report string, err error)
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	WorkerID   string
	MaxJobs    int
	PollDelay  time.Duration
	BackoffCfg backoff.BackoffPolicy
	Logger     *slog.Logger

	// DequeueRate caps how many jobs per second this worker starts,
	// independent of MaxJobs' concurrency ceiling. Zero disables the cap.
	DequeueRate rate.Limit
	DequeueBurst int
}

// DefaultWorkerConfig returns a handful of
// concurrent jobs, a quick poll cadence, and the "base x 2^retry +
// 10-30% jitter" backoff shape (reusing internal/backoff.ComputeBackoff,
// whose formula already matches exactly).
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:  uuid.NewString(),
		MaxJobs:   5,
		PollDelay: 500 * time.Millisecond,
		BackoffCfg: backoff.BackoffPolicy{
			InitialMs: 5000,
			MaxMs:     20000,
			Factor:    2,
			Jitter:    0.2,
		},
	}
}

// Hooks are the worker's lifecycle callbacks.
type Hooks struct {
	OnStartup func(ctx context.Context) error
	// OnShutdown is called after in-flight jobs have drained (or the grace
	// period elapsed). Its error is logged, never returned to the caller.
	OnShutdown func(ctx context.Context) error
}

// Worker polls a Broker, runs each job's Task through Runner, and persists
// terminal status/retry state through Store. Grounded on
// internal/tasks/scheduler.go's ticker+semaphore poll loop, generalized
// from cron-scheduled executions to a priority job queue.
type Worker struct {
	broker Broker
	store  Store
	bus    *eventbus.Bus
	runner Runner
	cfg    WorkerConfig
	hooks  Hooks
	logger *slog.Logger

	sem     chan struct{}
	limiter *rate.Limiter
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu       sync.Mutex
	running  bool
	jobStops map[string]context.CancelFunc // taskID -> cancel, for explicit job cancellation
}

// NewWorker constructs a Worker. bus may be nil (events are simply not
// published); runner supplies the agent-driving logic for each job.
func NewWorker(broker Broker, store Store, bus *eventbus.Bus, runner Runner, cfg WorkerConfig, hooks Hooks) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 5
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 500 * time.Millisecond
	}
	if cfg.BackoffCfg.MaxMs == 0 {
		cfg.BackoffCfg = DefaultWorkerConfig().BackoffCfg
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "queue-worker", "worker_id", cfg.WorkerID)
	}
	var limiter *rate.Limiter
	if cfg.DequeueRate > 0 {
		burst := cfg.DequeueBurst
		if burst <= 0 {
			burst = cfg.MaxJobs
		}
		limiter = rate.NewLimiter(cfg.DequeueRate, burst)
	}
	return &Worker{
		broker:   broker,
		store:    store,
		bus:      bus,
		runner:   runner,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxJobs),
		limiter:  limiter,
		jobStops: make(map[string]context.CancelFunc),
	}
}

// Start runs on_startup, then the poll loop, until Stop is called or ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if w.hooks.OnStartup != nil {
		if err := w.hooks.OnStartup(ctx); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.pollLoop(ctx)
	return nil
}

// Stop cancels the poll loop, drains in-flight jobs up to grace, then runs
// on_shutdown.
func (w *Worker) Stop(grace time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		w.logger.Warn("worker shutdown grace period elapsed with jobs still running")
	}

	if w.hooks.OnShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := w.hooks.OnShutdown(shutdownCtx); err != nil {
			w.logger.Error("on_shutdown hook failed", "error", err)
		}
	}
	return nil
}

// CancelJob cancels the in-flight job for taskID, if any. Returns false if no job for this
// task is currently running on this worker.
func (w *Worker) CancelJob(taskID string) bool {
	w.mu.Lock()
	cancel, ok := w.jobStops[taskID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainReady(ctx)
		}
	}
}

// drainReady pulls as many ready jobs as there are free semaphore slots and
// runs each in its own goroutine.
func (w *Worker) drainReady(ctx context.Context) {
	for {
		if w.limiter != nil && !w.limiter.Allow() {
			return // rate-capped; resume on the next tick
		}

		select {
		case w.sem <- struct{}{}:
		default:
			return // pool is full; wait for the next tick
		}

		job, ok, err := w.broker.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			<-w.sem
			return
		}
		if !ok {
			<-w.sem
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, job)
		}()
	}
}

// runJob runs one dequeued job from claim to terminal event.
func (w *Worker) runJob(ctx context.Context, job Job) {
	task, err := w.store.Get(ctx, job.TaskID)
	if err != nil {
		w.logger.Error("job references unknown task", "task_id", job.TaskID, "error", err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.jobStops[task.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.jobStops, task.ID)
		w.mu.Unlock()
		cancel()
	}()

	// Step 1: pending -> running, set worker_id/started_at.
	if !task.CanTransition(StatusRunning) {
		w.logger.Warn("job dequeued for task not in pending state", "task_id", task.ID, "status", task.Status)
		return
	}
	now := time.Now()
	task.Status = StatusRunning
	task.WorkerID = w.cfg.WorkerID
	task.StartedAt = &now
	if err := w.store.Update(ctx, task); err != nil {
		w.logger.Error("failed to mark task running", "task_id", task.ID, "error", err)
		return
	}

	// Step 2: open an event-bus publisher pinned to channel(task_id).
	channel := eventbus.ChannelName(task.ID)
	w.publish(channel, eventbus.StageEvent("task_started", "", eventbus.StageRunning))

	// Step 3: run the agent sub-graph.
	report, runErr := w.runner.Run(jobCtx, task, channel)

	if runErr != nil {
		w.handleFailure(ctx, job, task, channel, runErr)
		return
	}

	// Step 5: success.
	completedAt := time.Now()
	task.Status = StatusCompleted
	task.Progress = 100
	task.Result = report
	task.CompletedAt = &completedAt
	if err := w.store.Update(ctx, task); err != nil {
		w.logger.Error("failed to persist completed task", "task_id", task.ID, "error", err)
	}
	w.publish(channel, eventbus.CompleteEvent())
}

// handleFailure implements : classify, retry TRANSIENT errors
// under budget with backoff, otherwise mark failed. Cancellation is
// reported distinctly and never retried.
func (w *Worker) handleFailure(ctx context.Context, job Job, task *Task, channel string, runErr error) {
	if errors.Is(runErr, context.Canceled) {
		task.Status = StatusCancelled
		if err := w.store.Update(ctx, task); err != nil {
			w.logger.Error("failed to persist cancelled task", "task_id", task.ID, "error", err)
		}
		w.publish(channel, eventbus.CancelledEvent())
		return
	}

	category := reactloop.Classify(ctx, runErr)
	if category.Retryable() && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := backoff.ComputeBackoff(w.cfg.BackoffCfg, task.RetryCount)
		task.Status = StatusPending
		if err := w.store.Update(ctx, task); err != nil {
			w.logger.Error("failed to persist retry state", "task_id", task.ID, "error", err)
			return
		}
		if err := w.broker.Requeue(ctx, job, delay); err != nil {
			w.logger.Error("failed to requeue job", "task_id", task.ID, "error", err)
		}
		return
	}

	finishedAt := time.Now()
	task.Status = StatusFailed
	task.Error = runErr.Error()
	task.CompletedAt = &finishedAt
	if err := w.store.Update(ctx, task); err != nil {
		w.logger.Error("failed to persist failed task", "task_id", task.ID, "error", err)
	}
	w.publish(channel, eventbus.ErrorEvent(runErr.Error(), string(category)))
}

func (w *Worker) publish(channel string, evt eventbus.Event) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(channel, evt)
}

// Enqueue creates the Task row (if it does not already exist) and submits
// the job, so a Task row always exists before its job is queued,
// and the idempotent-job-id requirement for re-enqueueing.
func Enqueue(ctx context.Context, store Store, broker Broker, task *Task, priority int, delay time.Duration) (jobID string, err error) {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := store.Create(ctx, task); err != nil {
		return "", err
	}
	job := Job{
		ID:       JobID(string(task.Kind), task.ID),
		Kind:     string(task.Kind),
		TaskID:   task.ID,
		Priority: priority,
	}
	if delay > 0 {
		job.RunAt = time.Now().Add(delay)
	}
	return broker.Enqueue(ctx, job)
}
