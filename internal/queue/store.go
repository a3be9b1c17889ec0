package queue

import (
	"context"
	"errors"
)

// ErrTaskNotFound is returned by Store.Get/Update when no row matches.
var ErrTaskNotFound = errors.New("queue: task not found")

// Store persists the Task rows a worker mutates: created once by
// the submitter before enqueueing, then updated only by the worker that
// owns it.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	Update(ctx context.Context, task *Task) error
}
