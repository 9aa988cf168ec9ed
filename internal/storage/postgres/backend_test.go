package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
)

var fixedNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return New(db, func() time.Time { return fixedNow }, nil), mock
}

func TestGetUserFound(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectQuery(`SELECT id, username, email, password FROM users WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password"}).AddRow(int64(7), "alice", "a@example.com", "hash"))

	user, err := backend.GetUser(context.Background(), "alice")
	if err != nil {
		testContext.Fatalf("GetUser error: %v", err)
	}
	if user.ID != 7 || user.Username != "alice" {
		testContext.Fatalf("unexpected user: %+v", user)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		testContext.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUserNotFound(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectQuery(`FROM users WHERE username = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := backend.GetUser(context.Background(), "ghost")
	if !storage.IsNotFound(err) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestAddUserMapsUniqueViolation(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectQuery(`INSERT INTO users \(username, email, password\) VALUES \(\$1, \$2, \$3\) RETURNING id`).
		WithArgs("alice", "a@example.com", "hash").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	_, err := backend.AddUser(context.Background(), history.NewUser{Username: "alice", Email: "a@example.com", Password: "hash"})
	if !errors.Is(err, storage.ErrConflict) {
		testContext.Fatalf("expected conflict, got %v", err)
	}
}

func TestAddHistoryLocksUserAndRefreshesCount(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)
	previous := fixedNow.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO history_counts .* ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs(int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT total FROM history_counts WHERE user_id = \$1 FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(4)))
	mock.ExpectQuery(`SELECT MAX\(created_at\) FROM history WHERE user_id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(previous))
	// The clock is behind the newest stored row, so created_at continues after it.
	mock.ExpectExec(`INSERT INTO history .* ON CONFLICT \(user_id, client_id\) DO NOTHING`).
		WithArgs(int64(3), "one", "A", sqlmock.AnyArg(), "c1", previous.Add(time.Microsecond)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO history .* ON CONFLICT \(user_id, client_id\) DO NOTHING`).
		WithArgs(int64(3), "two", "A", sqlmock.AnyArg(), "c2", previous.Add(2*time.Microsecond)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE history_counts SET total = \(SELECT COUNT\(1\) FROM history WHERE user_id = \$1\)`).
		WithArgs(int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := backend.AddHistory(context.Background(), []history.NewEntry{
		{ClientID: "one", UserID: 3, Hostname: "A", Timestamp: fixedNow, Data: "c1"},
		{ClientID: "two", UserID: 3, Hostname: "A", Timestamp: fixedNow, Data: "c2"},
	})
	if err != nil {
		testContext.Fatalf("AddHistory error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		testContext.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddHistoryRollsBackOnFailure(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO history_counts`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	err := backend.AddHistory(context.Background(), []history.NewEntry{{ClientID: "one", UserID: 3, Timestamp: fixedNow, Data: "c1"}})
	var storageErr *storage.Error
	if !errors.As(err, &storageErr) || storageErr.Code() != "postgres.add_history.insert_failed" {
		testContext.Fatalf("expected insert failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		testContext.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddHistoryRejectsUnsetTimestamp(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	err := backend.AddHistory(context.Background(), []history.NewEntry{
		{ClientID: "one", UserID: 3, Timestamp: fixedNow, Data: "c1"},
		{ClientID: "two", UserID: 3, Data: "c2"},
	})
	var storageErr *storage.Error
	if !errors.As(err, &storageErr) || storageErr.Code() != "postgres.add_history.invalid_timestamp" {
		testContext.Fatalf("expected invalid timestamp error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		testContext.Fatalf("no statement may run for a rejected batch: %v", err)
	}
}

func TestListHistoryAppliesCursorAndHostFilter(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)
	cursor, err := history.NewCursor(fixedNow, fixedNow.Add(-time.Hour))
	if err != nil {
		testContext.Fatalf("cursor error: %v", err)
	}

	rows := sqlmock.NewRows([]string{"client_id", "user_id", "hostname", "timestamp", "data", "created_at"}).
		AddRow("b1", int64(3), "B", fixedNow, "c", fixedNow.Add(time.Second))
	mock.ExpectQuery(`(?s)WHERE user_id = \$1 AND deleted_at IS NULL AND \(created_at > \$2 OR timestamp > \$3\) AND hostname <> \$4 ORDER BY created_at ASC, client_id ASC LIMIT 2`).
		WithArgs(int64(3), cursor.SyncTS, cursor.HistoryTS, "A").
		WillReturnRows(rows)

	entries, err := backend.ListHistory(context.Background(), storage.ListQuery{UserID: 3, Cursor: cursor, Host: "A", Filter: storage.HostFilterExclude, PageSize: 2})
	if err != nil {
		testContext.Fatalf("ListHistory error: %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != "b1" {
		testContext.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDeleteHistoryTombstones(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectExec(`UPDATE history SET deleted_at = \$3 WHERE user_id = \$1 AND client_id = \$2 AND deleted_at IS NULL`).
		WithArgs(int64(3), "one", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := backend.DeleteHistory(context.Background(), 3, "one"); err != nil {
		testContext.Fatalf("DeleteHistory error: %v", err)
	}
}

func TestAuthorizeDeviceCodeUnknown(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectExec(`UPDATE device_codes SET token = \$2`).
		WithArgs("code", "token", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := backend.AuthorizeDeviceCode(context.Background(), "code", "token"); !storage.IsNotFound(err) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestConsumeDeviceCodeRemovesAuthorizedCode(testContext *testing.T) {
	backend, mock := newMockBackend(testContext)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT code, token, expires_at FROM device_codes WHERE code = \$1 FOR UPDATE`).
		WithArgs("code").
		WillReturnRows(sqlmock.NewRows([]string{"code", "token", "expires_at"}).AddRow("code", "session", fixedNow.Add(time.Minute)))
	mock.ExpectExec(`DELETE FROM device_codes WHERE code = \$1`).
		WithArgs("code").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	consumed, err := backend.ConsumeDeviceCode(context.Background(), "code", fixedNow)
	if err != nil || consumed.Token != "session" {
		testContext.Fatalf("unexpected result %+v %v", consumed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		testContext.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunMigrationsUsesEmbeddedRoot(testContext *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		testContext.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	original := gooseUpContext
	defer func() { gooseUpContext = original }()
	var calledDir string
	gooseUpContext = func(_ context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		calledDir = dir
		return nil
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		testContext.Fatalf("RunMigrations error: %v", err)
	}
	if calledDir != "." {
		testContext.Fatalf("expected migrations from embedded root, got %q", calledDir)
	}
}
