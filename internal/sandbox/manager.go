package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory creates a fresh Executor for the given session key. It is the
// caller's integration point with a concrete provider (Docker/Firecracker
// pool, a hosted desktop stream, an app-builder container).
type Factory func(ctx context.Context, key string) (Executor, error)

// DefaultTTL and ReapInterval are the reaper defaults.
const (
	DefaultTTL   = 30 * time.Minute
	ReapInterval = 60 * time.Second
)

// Config configures a Manager.
type Config struct {
	Kind         string // "execution" | "desktop" | "app"
	Factory      Factory
	DefaultTTL   time.Duration
	ReapInterval time.Duration
	// MaxActive, if > 0, caps concurrently live sessions; the reaper evicts
	// the least-recently-accessed session when the cap is exceeded.
	MaxActive int
}

// Manager owns one kind of sandbox session map, serialised behind a single
// mutex ("Access is serialised by a single mutex over the
// session map"). Exactly one Session exists per key at any instant
// so at most one session exists per key.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager and starts its background reaper.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = ReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "sandbox", "kind", cfg.Kind),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// GetOrCreate returns the live session for (userID, taskID), creating one
// via the Factory on first demand or after eviction. A reused session that
// fails its health check is evicted and recreated before being returned
//. LastAccess is refreshed atomically under the same lock
// the health check runs under, so TTL and health share one critical
// section.
func (m *Manager) GetOrCreate(ctx context.Context, userID, taskID string, ttl time.Duration) (*Session, error) {
	key := SessionKey(userID, taskID)
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	m.mu.Lock()
	existing, ok := m.sessions[key]
	if ok {
		now := time.Now()
		if existing.Expired(now) || !existing.Executor.Healthy() {
			delete(m.sessions, key)
			m.mu.Unlock()
			// Destruction failure is logged, never fatal.
			if err := existing.close(); err != nil {
				m.logger.Warn("sandbox: destroy on eviction failed", "key", key, "error", err)
			}
		} else {
			existing.LastAccess = now
			m.mu.Unlock()
			return existing, nil
		}
	} else {
		m.mu.Unlock()
	}

	exec, err := m.cfg.Factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create executor for %s: %w", key, err)
	}

	now := time.Now()
	session := &Session{
		Key:        key,
		Executor:   exec,
		SandboxID:  exec.ID(),
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
	}

	m.mu.Lock()
	// Another caller may have created one concurrently between our unlock
	// above and this lock; prefer the one already installed so we never
	// leak a freshly created executor without closing it.
	if prior, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		if err := session.close(); err != nil {
			m.logger.Warn("sandbox: closing redundant concurrent create", "key", key, "error", err)
		}
		prior.LastAccess = now
		return prior, nil
	}
	m.sessions[key] = session
	count := len(m.sessions)
	m.mu.Unlock()

	if m.cfg.MaxActive > 0 && count > m.cfg.MaxActive {
		m.evictLRU()
	}

	return session, nil
}

// Cleanup destroys the session for (userID, taskID) if one exists. It is
// idempotent: calling it twice, or calling it when no session exists,
// returns false without error on the second call.
func (m *Manager) Cleanup(userID, taskID string) bool {
	key := SessionKey(userID, taskID)

	m.mu.Lock()
	session, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := session.close(); err != nil {
		m.logger.Warn("sandbox: cleanup failed", "key", key, "error", err)
	}
	return true
}

// ActiveCount reports the number of live sessions, used by tests asserting
// the one-session-per-key property (which the map type already
// guarantees) and by callers checking the global cap.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stop halts the reaper goroutine and destroys all remaining sessions. Call
// during process shutdown; the worker lifecycle shutdown hook is
// the expected caller.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	remaining := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for key, s := range remaining {
		if err := s.close(); err != nil {
			m.logger.Warn("sandbox: shutdown destroy failed", "key", key, "error", err)
		}
	}
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *Manager) reapExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for key, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := s.close(); err != nil {
			m.logger.Warn("sandbox: reap destroy failed", "key", s.Key, "error", err)
		} else {
			m.logger.Debug("sandbox: reaped expired session", "key", s.Key)
		}
	}

	if m.cfg.MaxActive > 0 {
		m.evictLRU()
	}
}

// evictLRU destroys the least-recently-accessed session(s) until the
// active count is back within MaxActive.
func (m *Manager) evictLRU() {
	for {
		m.mu.Lock()
		if m.cfg.MaxActive <= 0 || len(m.sessions) <= m.cfg.MaxActive {
			m.mu.Unlock()
			return
		}
		var oldestKey string
		var oldest *Session
		for key, s := range m.sessions {
			if oldest == nil || s.LastAccess.Before(oldest.LastAccess) {
				oldest = s
				oldestKey = key
			}
		}
		delete(m.sessions, oldestKey)
		m.mu.Unlock()

		if err := oldest.close(); err != nil {
			m.logger.Warn("sandbox: lru eviction destroy failed", "key", oldestKey, "error", err)
		}
	}
}
