package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/opsdiag/agentcore/pkg/models"
)

// newMockStore wraps a sqlmock connection in a Store, bypassing Open so
// these tests can assert on the exact statements Append issues without a
// real database file.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestStore_AppendRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT MAX\\(seq\\) FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "hi"}})
	if err == nil {
		t.Fatal("expected an error from Append when the insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStore_AppendAssignsSeqAfterExistingMax(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT MAX\\(seq\\) FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event, err := s.Append(ctx, models.Event{SessionID: "s1", Kind: models.EventUserPrompt, UserPrompt: &models.UserPromptPayload{Content: "hi"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if event.Seq != 5 {
		t.Fatalf("seq = %d, want 5", event.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStore_IsReferencedPropagatesQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT").WillReturnError(sql.ErrConnDone)

	if _, err := s.IsReferenced(ctx, "deadbeef"); err == nil {
		t.Fatal("expected IsReferenced to propagate the query error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
