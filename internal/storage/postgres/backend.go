// Package postgres implements the storage backend on PostgreSQL through database/sql and the
// pgx driver. The schema is embedded and applied with goose on open.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage/postgres/migrations"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const (
	defaultPageSize   = 100
	uniqueViolation   = "23505"
	createdAtQuantum  = time.Microsecond
	opOpen            = "postgres.open"
	opGetSession      = "postgres.get_session"
	opGetSessionUser  = "postgres.get_session_user"
	opAddSession      = "postgres.add_session"
	opDeleteSession   = "postgres.delete_session"
	opGetUser         = "postgres.get_user"
	opAddUser         = "postgres.add_user"
	opDeleteUser      = "postgres.delete_user"
	opAddHistory      = "postgres.add_history"
	opListHistory     = "postgres.list_history"
	opCountHistory    = "postgres.count_history"
	opCountCached     = "postgres.count_history_cached"
	opCountRange      = "postgres.count_history_range"
	opDeleteHistory   = "postgres.delete_history"
	opDeletedHistory  = "postgres.deleted_history"
	opOldestHistory   = "postgres.oldest_history"
	opCreateDevice    = "postgres.create_device_code"
	opAuthorizeDevice = "postgres.authorize_device_code"
	opConsumeDevice   = "postgres.consume_device_code"
)

var errMissingDSN = errors.New("database dsn is required")

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Config describes how to reach the database.
type Config struct {
	DSN          string
	MaxOpenConns int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Backend stores accounts and ciphertext history in PostgreSQL.
type Backend struct {
	db     *sql.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Open connects, verifies the connection and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, storage.NewError(opOpen, "missing_dsn", errMissingDSN)
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, storage.NewError(opOpen, "connect_failed", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.NewError(opOpen, "ping_failed", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, storage.NewError(opOpen, "migrate_failed", err)
	}

	backend := New(db, cfg.Clock, cfg.Logger)
	backend.logger.Info("database initialized", zap.String("driver", "postgres"))
	return backend, nil
}

// RunMigrations applies the embedded schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// New wraps an open connection without migrating it.
func New(db *sql.DB, clock func() time.Time, logger *zap.Logger) *Backend {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{db: db, clock: clock, logger: logger}
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// withTx runs fn in a transaction, committing on success and rolling back otherwise.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func (b *Backend) GetSession(ctx context.Context, token string) (history.Session, error) {
	var session history.Session
	err := b.db.QueryRowContext(ctx,
		`SELECT id, user_id, token FROM sessions WHERE token = $1`, token).
		Scan(&session.ID, &session.UserID, &session.Token)
	if err != nil {
		return history.Session{}, b.lookupError(opGetSession, err)
	}
	return session, nil
}

func (b *Backend) GetSessionUser(ctx context.Context, token string) (history.User, error) {
	var user history.User
	err := b.db.QueryRowContext(ctx,
		`SELECT users.id, users.username, users.email, users.password
		FROM users JOIN sessions ON sessions.user_id = users.id
		WHERE sessions.token = $1`, token).
		Scan(&user.ID, &user.Username, &user.Email, &user.Password)
	if err != nil {
		return history.User{}, b.lookupError(opGetSessionUser, err)
	}
	return user, nil
}

func (b *Backend) AddSession(ctx context.Context, session history.NewSession) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, token) VALUES ($1, $2)`, session.UserID, session.Token)
	if err != nil {
		b.logError(opAddSession, "insert_failed", err, zap.Int64("user_id", session.UserID))
		return storage.NewError(opAddSession, "insert_failed", err)
	}
	return nil
}

func (b *Backend) DeleteSession(ctx context.Context, token string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
		b.logError(opDeleteSession, "delete_failed", err)
		return storage.NewError(opDeleteSession, "delete_failed", err)
	}
	return nil
}

func (b *Backend) GetUser(ctx context.Context, username string) (history.User, error) {
	var user history.User
	err := b.db.QueryRowContext(ctx,
		`SELECT id, username, email, password FROM users WHERE username = $1`, username).
		Scan(&user.ID, &user.Username, &user.Email, &user.Password)
	if err != nil {
		return history.User{}, b.lookupError(opGetUser, err)
	}
	return user, nil
}

func (b *Backend) AddUser(ctx context.Context, user history.NewUser) (int64, error) {
	var id int64
	err := b.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password) VALUES ($1, $2, $3) RETURNING id`,
		user.Username, user.Email, user.Password).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, storage.NewError(opAddUser, "username_taken", storage.ErrConflict)
		}
		b.logError(opAddUser, "insert_failed", err, zap.String("username", user.Username))
		return 0, storage.NewError(opAddUser, "insert_failed", err)
	}
	return id, nil
}

// DeleteUser removes the account together with its sessions and history.
func (b *Backend) DeleteUser(ctx context.Context, userID int64) error {
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM history WHERE user_id = $1`,
			`DELETE FROM history_counts WHERE user_id = $1`,
			`DELETE FROM sessions WHERE user_id = $1`,
			`DELETE FROM users WHERE id = $1`,
		}
		for _, statement := range statements {
			if _, err := tx.ExecContext(ctx, statement, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.logError(opDeleteUser, "delete_failed", err, zap.Int64("user_id", userID))
		return storage.NewError(opDeleteUser, "delete_failed", err)
	}
	return nil
}

// AddHistory inserts new entries, ignoring client ids the user already owns. Uploads for the
// same user are serialized on the user's history_counts row so created_at is strictly
// increasing and every insert is visible before a later one is assigned.
func (b *Backend) AddHistory(ctx context.Context, entries []history.NewEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, entry := range entries {
		if _, err := history.NewTimestamp(entry.Timestamp); err != nil {
			return storage.NewError(opAddHistory, "invalid_timestamp", err)
		}
	}
	byUser := make(map[int64][]history.NewEntry)
	for _, entry := range entries {
		byUser[entry.UserID] = append(byUser[entry.UserID], entry)
	}
	userIDs := make([]int64, 0, len(byUser))
	for userID := range byUser {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	now := b.clock().UTC().Truncate(createdAtQuantum)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		for _, userID := range userIDs {
			if err := addUserHistory(ctx, tx, userID, byUser[userID], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.logError(opAddHistory, "insert_failed", err, zap.Int("entries", len(entries)))
		return storage.NewError(opAddHistory, "insert_failed", err)
	}
	return nil
}

func addUserHistory(ctx context.Context, tx *sql.Tx, userID int64, entries []history.NewEntry, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history_counts (user_id, total, updated_at) VALUES ($1, 0, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, now); err != nil {
		return err
	}
	var locked int64
	if err := tx.QueryRowContext(ctx,
		`SELECT total FROM history_counts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		return err
	}

	var latest sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM history WHERE user_id = $1`, userID).Scan(&latest); err != nil {
		return err
	}
	last := history.Epoch
	if latest.Valid {
		last = latest.Time.UTC()
	}

	for _, entry := range entries {
		createdAt := now
		if !createdAt.After(last) {
			createdAt = last.Add(createdAtQuantum)
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO history (user_id, client_id, hostname, timestamp, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, client_id) DO NOTHING`,
			userID, entry.ClientID.String(), entry.Hostname, entry.Timestamp.UTC(), entry.Data, createdAt)
		if err != nil {
			return err
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if inserted > 0 {
			last = createdAt
		}
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE history_counts SET total = (SELECT COUNT(1) FROM history WHERE user_id = $1), updated_at = $2 WHERE user_id = $1`,
		userID, now)
	return err
}

func (b *Backend) ListHistory(ctx context.Context, query storage.ListQuery) ([]history.Entry, error) {
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	statement := `SELECT client_id, user_id, hostname, timestamp, data, created_at
		FROM history
		WHERE user_id = $1 AND deleted_at IS NULL AND (created_at > $2 OR timestamp > $3)`
	args := []any{query.UserID, query.Cursor.SyncTS.UTC(), query.Cursor.HistoryTS.UTC()}
	if query.Filter == storage.HostFilterExclude && query.Host != "" {
		statement += ` AND hostname <> $4`
		args = append(args, query.Host)
	}
	statement += fmt.Sprintf(` ORDER BY created_at ASC, client_id ASC LIMIT %d`, pageSize)

	rows, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		b.logError(opListHistory, "query_failed", err, zap.Int64("user_id", query.UserID))
		return nil, storage.NewError(opListHistory, "query_failed", err)
	}
	defer rows.Close()

	entries := make([]history.Entry, 0, pageSize)
	for rows.Next() {
		var entry history.Entry
		var clientID string
		if err := rows.Scan(&clientID, &entry.UserID, &entry.Hostname, &entry.Timestamp, &entry.Data, &entry.CreatedAt); err != nil {
			b.logError(opListHistory, "scan_failed", err)
			return nil, storage.NewError(opListHistory, "scan_failed", err)
		}
		entry.ClientID = history.ClientID(clientID)
		entry.Timestamp = entry.Timestamp.UTC()
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		b.logError(opListHistory, "scan_failed", err)
		return nil, storage.NewError(opListHistory, "scan_failed", err)
	}
	return entries, nil
}

// CountHistory counts every stored entry, tombstoned ones included.
func (b *Backend) CountHistory(ctx context.Context, userID int64) (int64, error) {
	var total int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM history WHERE user_id = $1`, userID).Scan(&total); err != nil {
		b.logError(opCountHistory, "query_failed", err, zap.Int64("user_id", userID))
		return 0, storage.NewError(opCountHistory, "query_failed", err)
	}
	return total, nil
}

func (b *Backend) CountHistoryCached(ctx context.Context, userID int64) (int64, error) {
	var total int64
	if err := b.db.QueryRowContext(ctx, `SELECT total FROM history_counts WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return 0, b.lookupError(opCountCached, err)
	}
	return total, nil
}

func (b *Backend) CountHistoryRange(ctx context.Context, userID int64, start, end time.Time) (int64, error) {
	var total int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM history
		WHERE user_id = $1 AND deleted_at IS NULL AND timestamp >= $2 AND timestamp < $3`,
		userID, start.UTC(), end.UTC()).Scan(&total)
	if err != nil {
		b.logError(opCountRange, "query_failed", err, zap.Int64("user_id", userID))
		return 0, storage.NewError(opCountRange, "query_failed", err)
	}
	return total, nil
}

// DeleteHistory tombstones an entry. Unknown or already deleted ids are left untouched.
func (b *Backend) DeleteHistory(ctx context.Context, userID int64, clientID history.ClientID) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE history SET deleted_at = $3 WHERE user_id = $1 AND client_id = $2 AND deleted_at IS NULL`,
		userID, clientID.String(), b.clock().UTC())
	if err != nil {
		b.logError(opDeleteHistory, "update_failed", err, zap.Int64("user_id", userID), zap.String("client_id", clientID.String()))
		return storage.NewError(opDeleteHistory, "update_failed", err)
	}
	return nil
}

func (b *Backend) DeletedHistory(ctx context.Context, userID int64) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT client_id FROM history WHERE user_id = $1 AND deleted_at IS NOT NULL ORDER BY deleted_at ASC, client_id ASC`,
		userID)
	if err != nil {
		b.logError(opDeletedHistory, "query_failed", err, zap.Int64("user_id", userID))
		return nil, storage.NewError(opDeletedHistory, "query_failed", err)
	}
	defer rows.Close()

	clientIDs := []string{}
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, storage.NewError(opDeletedHistory, "scan_failed", err)
		}
		clientIDs = append(clientIDs, clientID)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewError(opDeletedHistory, "scan_failed", err)
	}
	return clientIDs, nil
}

func (b *Backend) OldestHistory(ctx context.Context, userID int64) (history.Entry, error) {
	var entry history.Entry
	var clientID string
	err := b.db.QueryRowContext(ctx,
		`SELECT client_id, user_id, hostname, timestamp, data, created_at
		FROM history WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY timestamp ASC LIMIT 1`, userID).
		Scan(&clientID, &entry.UserID, &entry.Hostname, &entry.Timestamp, &entry.Data, &entry.CreatedAt)
	if err != nil {
		return history.Entry{}, b.lookupError(opOldestHistory, err)
	}
	entry.ClientID = history.ClientID(clientID)
	entry.Timestamp = entry.Timestamp.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (b *Backend) CreateDeviceCode(ctx context.Context, code history.DeviceCode) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO device_codes (code, token, expires_at) VALUES ($1, $2, $3)`,
		code.Code, code.Token, code.ExpiresAt.UTC())
	if err != nil {
		b.logError(opCreateDevice, "insert_failed", err)
		return storage.NewError(opCreateDevice, "insert_failed", err)
	}
	return nil
}

// AuthorizeDeviceCode attaches a session token to a pending, unexpired code.
func (b *Backend) AuthorizeDeviceCode(ctx context.Context, code, token string) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE device_codes SET token = $2 WHERE code = $1 AND token = '' AND expires_at > $3`,
		code, token, b.clock().UTC())
	if err != nil {
		b.logError(opAuthorizeDevice, "update_failed", err)
		return storage.NewError(opAuthorizeDevice, "update_failed", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return storage.NewError(opAuthorizeDevice, "update_failed", err)
	}
	if updated == 0 {
		return storage.NewError(opAuthorizeDevice, "not_found", storage.ErrNotFound)
	}
	return nil
}

// ConsumeDeviceCode returns the code state. Authorized and expired codes are removed so a
// session token is handed out at most once.
func (b *Backend) ConsumeDeviceCode(ctx context.Context, code string, now time.Time) (history.DeviceCode, error) {
	var consumed history.DeviceCode
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var record history.DeviceCode
		if err := tx.QueryRowContext(ctx,
			`SELECT code, token, expires_at FROM device_codes WHERE code = $1 FOR UPDATE`, code).
			Scan(&record.Code, &record.Token, &record.ExpiresAt); err != nil {
			return err
		}
		expired := !record.ExpiresAt.After(now)
		if expired || record.Authorized() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM device_codes WHERE code = $1`, code); err != nil {
				return err
			}
		}
		if expired {
			return sql.ErrNoRows
		}
		record.ExpiresAt = record.ExpiresAt.UTC()
		consumed = record
		return nil
	})
	if err != nil {
		return history.DeviceCode{}, b.lookupError(opConsumeDevice, err)
	}
	return consumed, nil
}

func (b *Backend) lookupError(operation string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewError(operation, "not_found", fmt.Errorf("%w: %v", storage.ErrNotFound, err))
	}
	b.logError(operation, "query_failed", err)
	return storage.NewError(operation, "query_failed", err)
}

func (b *Backend) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason)}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	b.logger.Error("database operation failed", allFields...)
}
