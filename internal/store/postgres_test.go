package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	// Constructor prepares six statements.
	for i := 0; i < 6; i++ {
		mock.ExpectPrepare(".*")
	}

	store, err := NewPostgresStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewPostgresStoreWithDB: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestPostgresAppendMessageReadsMaxSequence(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence\), 0\)`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
	mock.ExpectExec(`INSERT INTO chat_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &models.Message{TaskID: "task-1", Role: models.RoleAssistant, Content: "hi"}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.Sequence != 5 {
		t.Fatalf("sequence = %d, want 5", msg.Sequence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresUpdateTaskNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTask(context.Background(), &models.Task{ID: "missing"})
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresTruncateAfter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM chat_messages WHERE task_id`).
		WithArgs("task-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := store.TruncateAfter(context.Background(), "task-1", 3); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
