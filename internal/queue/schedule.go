package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledTask is a recurring task template: at every cron tick a fresh
// Task row is created and enqueued with the template's kind, query, and
// user, using a batch job id so concurrent submitters never collide.
type ScheduledTask struct {
	Name     string
	Spec     string // standard 5-field cron expression
	Kind     Kind
	Query    string
	UserID   string
	Priority int
}

// Scheduler turns cron expressions into task submissions. It owns no
// execution; ticks just run Enqueue against the same store/broker the HTTP
// surface uses.
type Scheduler struct {
	store  Store
	broker Broker
	logger *slog.Logger

	mu      sync.Mutex
	runner  *cron.Cron
	entries map[string]cron.EntryID
	newID   func() string
}

// NewScheduler builds a stopped Scheduler; call Start to begin ticking.
// newTaskID generates ids for the per-tick Task rows.
func NewScheduler(store Store, broker Broker, newTaskID func() string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		broker:  broker,
		logger:  logger,
		runner:  cron.New(),
		entries: make(map[string]cron.EntryID),
		newID:   newTaskID,
	}
}

// Add registers a recurring task. The spec is validated immediately.
func (s *Scheduler) Add(t ScheduledTask) error {
	if t.Name == "" {
		return fmt.Errorf("scheduled task needs a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[t.Name]; exists {
		return fmt.Errorf("scheduled task %q already registered", t.Name)
	}
	id, err := s.runner.AddFunc(t.Spec, func() { s.fire(t) })
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", t.Spec, err)
	}
	s.entries[t.Name] = id
	return nil
}

// Remove deletes a recurring task by name. Unknown names are a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.runner.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins delivering ticks. Stop drains the running tick, if any.
func (s *Scheduler) Start() { s.runner.Start() }

// Stop halts the cron runner and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	ctx := s.runner.Stop()
	<-ctx.Done()
}

func (s *Scheduler) fire(t ScheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task := &Task{
		ID:         s.newID(),
		Query:      t.Query,
		Kind:       t.Kind,
		Status:     StatusPending,
		MaxRetries: 3,
		Priority:   t.Priority,
		UserID:     t.UserID,
	}
	if _, err := Enqueue(ctx, s.store, s.broker, task, t.Priority, 0); err != nil {
		s.logger.Error("scheduled task submission failed", "name", t.Name, "error", err)
		return
	}
	s.logger.Info("scheduled task submitted", "name", t.Name, "task_id", task.ID)
}
