package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker backed by a slice, used in tests and
// single-process deployments. Ready jobs are returned in (priority desc,
// RunAt asc) order, matching the priority queue semantics of
// enqueue.
type MemoryBroker struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{jobs: make(map[string]Job)}
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.jobs[job.ID]; exists {
		return job.ID, nil
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	b.jobs[job.ID] = job
	return job.ID, nil
}

// Dequeue implements Broker.
func (b *MemoryBroker) Dequeue(ctx context.Context) (Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var ready []Job
	for _, j := range b.jobs {
		if !j.RunAt.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return Job{}, false, nil
	}
	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority > ready[k].Priority
		}
		return ready[i].RunAt.Before(ready[k].RunAt)
	})
	next := ready[0]
	delete(b.jobs, next.ID)
	return next, true, nil
}

// Requeue implements Broker.
func (b *MemoryBroker) Requeue(ctx context.Context, job Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job.RunAt = time.Now().Add(delay)
	b.jobs[job.ID] = job
	return nil
}

// Len reports the number of jobs currently queued (ready or delayed).
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// MemoryStore is an in-process Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}
