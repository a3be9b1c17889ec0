package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Job is one unit of work pulled off the broker by a worker. It always
// references a Task row created beforehand by the submitter.
type Job struct {
	ID       string
	Kind     string
	TaskID   string
	Payload  json.RawMessage
	Priority int
	RunAt    time.Time
}

// JobID builds the deterministic id used for a task-keyed job so that
// re-enqueueing the same (kind, task) pair is idempotent, per the
// "research:<task_id>" convention.
func JobID(kind, taskID string) string {
	return fmt.Sprintf("%s:%s", kind, taskID)
}

// BatchJobID builds the id for a kind of job that fans out across many
// tasks of the same type, per the "batch:<task_type>:<8-hex>" convention.
func BatchJobID(taskType string) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate batch job suffix: %w", err)
	}
	return fmt.Sprintf("batch:%s:%s", taskType, hex.EncodeToString(buf[:])), nil
}

// Broker is the minimal submit/dequeue/ack surface a worker pool needs.
// Submission with an id already present in the broker is a no-op (the
// idempotency for repeated enqueues).
type Broker interface {
	// Enqueue submits job for execution at job.RunAt (zero value means
	// immediately). Returns the job id that was actually stored, which
	// equals job.ID whether this call created the entry or found it
	// already queued.
	Enqueue(ctx context.Context, job Job) (string, error)
	// Dequeue pops the highest-priority, earliest-due ready job. ok is
	// false when nothing is ready yet.
	Dequeue(ctx context.Context) (job Job, ok bool, err error)
	// Requeue re-submits a job for execution after delay, used for
	// transient-error retries.
	Requeue(ctx context.Context, job Job, delay time.Duration) error
}
