// Package sandbox implements the keyed sandbox session manager: a
// pool of external execution sandboxes reused across tool calls within one
// task, with TTL expiry, background reaping, and idempotent cleanup.
//
// One Manager exists per sandbox kind (execution / desktop / app), each its
// own small actor guarding its own session map, sharing only the common
// Executor interface.
package sandbox

import (
	"fmt"
	"sync"
	"time"
)

// Executor is the provider-specific live sandbox a Session wraps. Concrete
// backends (the local workspace, Firecracker microVMs, hosted Daytona
// sandboxes, the per-task browser) implement this to be managed here.
type Executor interface {
	// ID is the provider-assigned identifier for this sandbox instance.
	ID() string
	// Healthy performs a cheap, non-blocking liveness check. It must not
	// itself recreate state; a false result causes the Manager to evict
	// and recreate the session.
	Healthy() bool
	// Close releases the underlying sandbox. Close must be safe to call
	// more than once (idempotent at the Go level
	// regardless of backend-specific double-kill safety).
	Close() error
}

// Session is a keyed, reusable sandbox handle.
type Session struct {
	Key         string
	Executor    Executor
	SandboxID   string
	CreatedAt   time.Time
	LastAccess  time.Time
	TTL         time.Duration
	closeOnce   sync.Once
	closeResult error
}

// Expired reports whether the session has not been accessed within its TTL,
// matching the entity invariant "is_expired ⇔ now > last_accessed + ttl".
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.LastAccess.Add(s.TTL))
}

func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.closeResult = s.Executor.Close()
	})
	return s.closeResult
}

// SessionKey builds the "user_id:task_id" pool key, defaulting
// both halves to "anonymous"/"default" when missing.
func SessionKey(userID, taskID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	if taskID == "" {
		taskID = "default"
	}
	return fmt.Sprintf("%s:%s", userID, taskID)
}
