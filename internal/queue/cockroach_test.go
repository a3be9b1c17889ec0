package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func taskColumns() []string {
	return []string{"id", "kind", "query", "status", "progress", "retry_count", "max_retries",
		"worker_id", "priority", "started_at", "completed_at", "error", "result", "user_id", "project_id", "created_at"}
}

func TestCockroachStore_CreateAndGet(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewCockroachStore(db)

	mock.ExpectExec("INSERT INTO tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &Task{
		ID:         "t-1",
		Kind:       KindResearch,
		Query:      "history of lithium batteries",
		Status:     StatusPending,
		MaxRetries: 3,
		UserID:     "u-1",
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	created := time.Now().UTC()
	rows := sqlmock.NewRows(taskColumns()).
		AddRow("t-1", "research", "history of lithium batteries", "pending", 0, 0, 3,
			nil, 0, nil, nil, nil, nil, "u-1", nil, created)
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("t-1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != KindResearch || got.Status != StatusPending || got.UserID != "u-1" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCockroachStore_UpdateRefusesTerminalRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewCockroachStore(db)

	// Zero rows affected means the guard clause filtered out a terminal row.
	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	task := &Task{ID: "t-2", Status: StatusRunning}
	if err := store.Update(context.Background(), task); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCockroachStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewCockroachStore(db)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(taskColumns()))

	if _, err := store.Get(context.Background(), "nope"); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
