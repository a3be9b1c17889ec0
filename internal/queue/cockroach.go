package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// CockroachConfig holds configuration for the CockroachDB/Postgres connection.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore implements Store on CockroachDB or plain Postgres.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDSN opens a connection pool and verifies it with a ping.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &CockroachStore{db: db}, nil
}

// NewCockroachStore wraps an existing *sql.DB, used by tests with sqlmock.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// Close releases database resources.
func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the tasks table if it does not exist.
func (s *CockroachStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			query         TEXT NOT NULL,
			status        TEXT NOT NULL,
			progress      INT NOT NULL DEFAULT 0,
			retry_count   INT NOT NULL DEFAULT 0,
			max_retries   INT NOT NULL DEFAULT 3,
			worker_id     TEXT,
			priority      INT NOT NULL DEFAULT 0,
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			error         TEXT,
			result        TEXT,
			user_id       TEXT NOT NULL,
			project_id    TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure tasks schema: %w", err)
	}
	return nil
}

// Create inserts a new task row in its initial state.
func (s *CockroachStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, query, status, progress, retry_count, max_retries, worker_id, priority, started_at, completed_at, error, result, user_id, project_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		task.ID,
		string(task.Kind),
		task.Query,
		string(task.Status),
		task.Progress,
		task.RetryCount,
		task.MaxRetries,
		nullableString(task.WorkerID),
		task.Priority,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		nullableString(task.Error),
		nullableString(task.Result),
		task.UserID,
		nullableString(task.ProjectID),
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get loads one task row.
func (s *CockroachStore) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, query, status, progress, retry_count, max_retries, worker_id, priority, started_at, completed_at, error, result, user_id, project_id, created_at
		FROM tasks WHERE id = $1
	`, taskID)
	return scanTask(row)
}

// Update writes the worker-owned mutable fields. The WHERE clause re-checks
// that the stored status can still legally transition to the new one, so a
// competing writer loses rather than rolling a terminal state backwards.
func (s *CockroachStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2,
			progress = $3,
			retry_count = $4,
			worker_id = $5,
			started_at = $6,
			completed_at = $7,
			error = $8,
			result = $9
		WHERE id = $1
		  AND status NOT IN ('completed','failed','cancelled')
	`,
		task.ID,
		string(task.Status),
		task.Progress,
		task.RetryCount,
		nullableString(task.WorkerID),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		nullableString(task.Error),
		nullableString(task.Result),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var (
		t           Task
		kind        string
		status      string
		workerID    sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		result      sql.NullString
		projectID   sql.NullString
	)
	err := row.Scan(&t.ID, &kind, &t.Query, &status, &t.Progress, &t.RetryCount, &t.MaxRetries,
		&workerID, &t.Priority, &startedAt, &completedAt, &errMsg, &result, &t.UserID, &projectID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.WorkerID = workerID.String
	t.Error = errMsg.String
	t.Result = result.String
	t.ProjectID = projectID.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
