// Package queue implements the durable task queue and worker pool that
// drives the agent ReAct loop (internal/reactloop) for asynchronous
// research/task jobs, publishing progress onto internal/eventbus and
// persisting state through a pluggable Store.
//
// It is grounded on internal/tasks/scheduler.go's polling/worker-pool
// idiom (semaphore-bounded goroutines, ticker-driven poll loop,
// distributed worker id) generalized from cron-triggered ScheduledTasks
// to a priority job queue with idempotent job ids.
package queue

import "time"

// Status is a Task's lifecycle state. Transitions are monotonic:
// pending -> running -> (completed | failed | cancelled); retries keep the
// same id and increment RetryCount rather than allocating a new row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Kind distinguishes a short tool-driven task from a longer research run.
type Kind string

const (
	KindTask     Kind = "task"
	KindResearch Kind = "research"
)

// Task is the durable record a worker mutates as it runs one job through
// the ReAct driver.
type Task struct {
	ID          string
	Query       string
	Kind        Kind
	Status      Status
	Progress    int
	RetryCount  int
	MaxRetries  int
	WorkerID    string
	Priority    int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Result      string
	UserID      string
	ProjectID   string
	CreatedAt   time.Time
}

// CanTransition reports whether moving from the Task's current status to
// next is a legal monotonic transition.
func (t *Task) CanTransition(next Status) bool {
	switch t.Status {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false // completed/failed/cancelled are terminal
	}
}
