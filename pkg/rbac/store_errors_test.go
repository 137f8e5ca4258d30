package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// Connection failures must surface as errors, never as ErrNotFound.
// The checker fails closed on errors but callers still need to tell a
// broken database apart from a missing record.
func TestDirectoryPropagatesDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	errDown := errors.New("connection refused")
	mock.ExpectQuery("FROM users").WillReturnError(errDown)

	d := NewDirectory(db)
	_, err = d.GetUser(context.Background(), 1)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("Database failure must not be reported as ErrNotFound")
	}
	if !errors.Is(err, errDown) {
		t.Errorf("Expected the underlying error to be wrapped, got %v", err)
	}

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDown)
	if _, _, err := d.ListUsers(context.Background(), 10, 0); !errors.Is(err, errDown) {
		t.Errorf("Expected wrapped error from ListUsers, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}
