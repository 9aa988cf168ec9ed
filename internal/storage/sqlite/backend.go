// Package sqlite implements the storage backend on an embedded SQLite database via gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	sqlitedriver "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 100

	opOpen            = "sqlite.open"
	opGetSession      = "sqlite.get_session"
	opGetSessionUser  = "sqlite.get_session_user"
	opAddSession      = "sqlite.add_session"
	opDeleteSession   = "sqlite.delete_session"
	opGetUser         = "sqlite.get_user"
	opAddUser         = "sqlite.add_user"
	opDeleteUser      = "sqlite.delete_user"
	opAddHistory      = "sqlite.add_history"
	opListHistory     = "sqlite.list_history"
	opCountHistory    = "sqlite.count_history"
	opCountCached     = "sqlite.count_history_cached"
	opCountRange      = "sqlite.count_history_range"
	opDeleteHistory   = "sqlite.delete_history"
	opDeletedHistory  = "sqlite.deleted_history"
	opOldestHistory   = "sqlite.oldest_history"
	opCreateDevice    = "sqlite.create_device_code"
	opAuthorizeDevice = "sqlite.authorize_device_code"
	opConsumeDevice   = "sqlite.consume_device_code"
)

var errMissingPath = errors.New("database path is required")

// Config describes how to open the backend.
type Config struct {
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Backend stores accounts and ciphertext history in SQLite.
type Backend struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Open establishes a SQLite connection and performs schema migrations.
func Open(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, storage.NewError(opOpen, "missing_path", errMissingPath)
	}

	db, err := gorm.Open(sqlitedriver.Open(cfg.Path), &gorm.Config{Logger: logging.NewGormLogger(cfg.Logger)})
	if err != nil {
		return nil, storage.NewError(opOpen, "connect_failed", err)
	}

	backend, err := New(db, cfg.Clock, cfg.Logger)
	if err != nil {
		return nil, err
	}
	backend.logger.Info("database initialized", zap.String("path", cfg.Path))
	return backend, nil
}

// New wraps an existing gorm handle, migrating the schema.
func New(db *gorm.DB, clock func() time.Time, logger *zap.Logger) (*Backend, error) {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storage.NewError(opOpen, "connection_pool_unavailable", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRecord{}, &sessionRecord{}, &historyRecord{}, &countRecord{}, &deviceCodeRecord{}, &migrationRecord{}); err != nil {
		return nil, storage.NewError(opOpen, "migrate_failed", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, storage.NewError(opOpen, "migrate_failed", err)
	}

	return &Backend{db: db, clock: clock, logger: logger}, nil
}

// Close releases the underlying connection.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Backend) GetSession(ctx context.Context, token string) (history.Session, error) {
	var record sessionRecord
	err := b.db.WithContext(ctx).Where("token = ?", token).Take(&record).Error
	if err != nil {
		return history.Session{}, b.lookupError(opGetSession, err)
	}
	return history.Session{ID: record.ID, UserID: record.UserID, Token: record.Token}, nil
}

func (b *Backend) GetSessionUser(ctx context.Context, token string) (history.User, error) {
	var record userRecord
	err := b.db.WithContext(ctx).
		Model(&userRecord{}).
		Select("users.*").
		Joins("JOIN sessions ON sessions.user_id = users.id").
		Where("sessions.token = ?", token).
		Take(&record).Error
	if err != nil {
		return history.User{}, b.lookupError(opGetSessionUser, err)
	}
	return toUser(record), nil
}

func (b *Backend) AddSession(ctx context.Context, session history.NewSession) error {
	record := sessionRecord{UserID: session.UserID, Token: session.Token}
	if err := b.db.WithContext(ctx).Create(&record).Error; err != nil {
		b.logError(opAddSession, "insert_failed", err, zap.Int64("user_id", session.UserID))
		return storage.NewError(opAddSession, "insert_failed", err)
	}
	return nil
}

func (b *Backend) DeleteSession(ctx context.Context, token string) error {
	if err := b.db.WithContext(ctx).Where("token = ?", token).Delete(&sessionRecord{}).Error; err != nil {
		b.logError(opDeleteSession, "delete_failed", err)
		return storage.NewError(opDeleteSession, "delete_failed", err)
	}
	return nil
}

func (b *Backend) GetUser(ctx context.Context, username string) (history.User, error) {
	var record userRecord
	if err := b.db.WithContext(ctx).Where("username = ?", username).Take(&record).Error; err != nil {
		return history.User{}, b.lookupError(opGetUser, err)
	}
	return toUser(record), nil
}

func (b *Backend) AddUser(ctx context.Context, user history.NewUser) (int64, error) {
	record := userRecord{
		Username:         user.Username,
		Email:            user.Email,
		Password:         user.Password,
		CreatedAtSeconds: b.clock().UTC().Unix(),
	}
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&userRecord{}).Where("username = ?", user.Username).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return storage.ErrConflict
		}
		return tx.Create(&record).Error
	})
	if errors.Is(err, storage.ErrConflict) {
		return 0, storage.NewError(opAddUser, "username_taken", storage.ErrConflict)
	}
	if err != nil {
		b.logError(opAddUser, "insert_failed", err, zap.String("username", user.Username))
		return 0, storage.NewError(opAddUser, "insert_failed", err)
	}
	return record.ID, nil
}

// DeleteUser removes the account together with its sessions and history.
func (b *Backend) DeleteUser(ctx context.Context, userID int64) error {
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&historyRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&countRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&sessionRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", userID).Delete(&userRecord{}).Error
	})
	if err != nil {
		b.logError(opDeleteUser, "delete_failed", err, zap.Int64("user_id", userID))
		return storage.NewError(opDeleteUser, "delete_failed", err)
	}
	return nil
}

// AddHistory inserts new entries, ignoring client ids the user already owns, and refreshes
// the cached count in the same transaction. created_at is strictly increasing per user.
func (b *Backend) AddHistory(ctx context.Context, entries []history.NewEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, entry := range entries {
		if _, err := history.NewTimestamp(entry.Timestamp); err != nil {
			return storage.NewError(opAddHistory, "invalid_timestamp", err)
		}
	}
	now := toNanos(b.clock())

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lastCreated := make(map[int64]int64)
		for _, entry := range entries {
			last, seen := lastCreated[entry.UserID]
			if !seen {
				if err := tx.Model(&historyRecord{}).
					Select("COALESCE(MAX(created_at_ns), 0)").
					Where("user_id = ?", entry.UserID).
					Row().Scan(&last); err != nil {
					return err
				}
			}
			createdAt := now
			if createdAt <= last {
				createdAt = last + 1
			}

			record := historyRecord{
				UserID:      entry.UserID,
				ClientID:    entry.ClientID.String(),
				Hostname:    entry.Hostname,
				TimestampNs: toNanos(entry.Timestamp),
				Data:        entry.Data,
				CreatedAtNs: createdAt,
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				last = createdAt
			}
			lastCreated[entry.UserID] = last
		}

		for userID := range lastCreated {
			if err := refreshCount(tx, userID, now); err != nil {
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

func refreshCount(tx *gorm.DB, userID int64, now int64) error {
	var total int64
	if err := tx.Model(&historyRecord{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return err
	}
	record := countRecord{UserID: userID, Total: total, UpdatedAtNs: now}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total", "updated_at_ns"}),
	}).Create(&record).Error
}

func (b *Backend) ListHistory(ctx context.Context, query storage.ListQuery) ([]history.Entry, error) {
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	statement := b.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at_ns IS NULL", query.UserID).
		Where("(created_at_ns > ? OR timestamp_ns > ?)", toNanos(query.Cursor.SyncTS), toNanos(query.Cursor.HistoryTS))
	if query.Filter == storage.HostFilterExclude && query.Host != "" {
		statement = statement.Where("hostname <> ?", query.Host)
	}

	var records []historyRecord
	err := statement.
		Order("created_at_ns ASC").
		Order("client_id ASC").
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		b.logError(opListHistory, "query_failed", err, zap.Int64("user_id", query.UserID))
		return nil, storage.NewError(opListHistory, "query_failed", err)
	}

	entries := make([]history.Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.toEntry())
	}
	return entries, nil
}

// CountHistory counts every stored entry, tombstoned ones included.
func (b *Backend) CountHistory(ctx context.Context, userID int64) (int64, error) {
	var total int64
	if err := b.db.WithContext(ctx).Model(&historyRecord{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		b.logError(opCountHistory, "query_failed", err, zap.Int64("user_id", userID))
		return 0, storage.NewError(opCountHistory, "query_failed", err)
	}
	return total, nil
}

func (b *Backend) CountHistoryCached(ctx context.Context, userID int64) (int64, error) {
	var record countRecord
	if err := b.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error; err != nil {
		return 0, b.lookupError(opCountCached, err)
	}
	return record.Total, nil
}

// CountHistoryRange counts live entries with start <= timestamp < end.
func (b *Backend) CountHistoryRange(ctx context.Context, userID int64, start, end time.Time) (int64, error) {
	var total int64
	err := b.db.WithContext(ctx).
		Model(&historyRecord{}).
		Where("user_id = ? AND deleted_at_ns IS NULL", userID).
		Where("timestamp_ns >= ? AND timestamp_ns < ?", toNanos(start), toNanos(end)).
		Count(&total).Error
	if err != nil {
		b.logError(opCountRange, "query_failed", err, zap.Int64("user_id", userID))
		return 0, storage.NewError(opCountRange, "query_failed", err)
	}
	return total, nil
}

// DeleteHistory tombstones an entry. Unknown or already deleted ids are left untouched.
func (b *Backend) DeleteHistory(ctx context.Context, userID int64, clientID history.ClientID) error {
	deletedAt := toNanos(b.clock())
	err := b.db.WithContext(ctx).
		Model(&historyRecord{}).
		Where("user_id = ? AND client_id = ? AND deleted_at_ns IS NULL", userID, clientID.String()).
		Update("deleted_at_ns", deletedAt).Error
	if err != nil {
		b.logError(opDeleteHistory, "update_failed", err, zap.Int64("user_id", userID), zap.String("client_id", clientID.String()))
		return storage.NewError(opDeleteHistory, "update_failed", err)
	}
	return nil
}

func (b *Backend) DeletedHistory(ctx context.Context, userID int64) ([]string, error) {
	var clientIDs []string
	err := b.db.WithContext(ctx).
		Model(&historyRecord{}).
		Where("user_id = ? AND deleted_at_ns IS NOT NULL", userID).
		Order("deleted_at_ns ASC").
		Order("client_id ASC").
		Pluck("client_id", &clientIDs).Error
	if err != nil {
		b.logError(opDeletedHistory, "query_failed", err, zap.Int64("user_id", userID))
		return nil, storage.NewError(opDeletedHistory, "query_failed", err)
	}
	if clientIDs == nil {
		clientIDs = []string{}
	}
	return clientIDs, nil
}

func (b *Backend) OldestHistory(ctx context.Context, userID int64) (history.Entry, error) {
	var record historyRecord
	err := b.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at_ns IS NULL", userID).
		Order("timestamp_ns ASC").
		Take(&record).Error
	if err != nil {
		return history.Entry{}, b.lookupError(opOldestHistory, err)
	}
	return record.toEntry(), nil
}

func (b *Backend) CreateDeviceCode(ctx context.Context, code history.DeviceCode) error {
	record := deviceCodeRecord{Code: code.Code, Token: code.Token, ExpiresAtNs: toNanos(code.ExpiresAt)}
	if err := b.db.WithContext(ctx).Create(&record).Error; err != nil {
		b.logError(opCreateDevice, "insert_failed", err)
		return storage.NewError(opCreateDevice, "insert_failed", err)
	}
	return nil
}

// AuthorizeDeviceCode attaches a session token to a pending, unexpired code.
func (b *Backend) AuthorizeDeviceCode(ctx context.Context, code, token string) error {
	result := b.db.WithContext(ctx).
		Model(&deviceCodeRecord{}).
		Where("code = ? AND token = '' AND expires_at_ns > ?", code, toNanos(b.clock())).
		Update("token", token)
	if result.Error != nil {
		b.logError(opAuthorizeDevice, "update_failed", result.Error)
		return storage.NewError(opAuthorizeDevice, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.NewError(opAuthorizeDevice, "not_found", storage.ErrNotFound)
	}
	return nil
}

// ConsumeDeviceCode returns the code state. Authorized and expired codes are removed so a
// session token is handed out at most once.
func (b *Backend) ConsumeDeviceCode(ctx context.Context, code string, now time.Time) (history.DeviceCode, error) {
	var consumed history.DeviceCode
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record deviceCodeRecord
		if err := tx.Where("code = ?", code).Take(&record).Error; err != nil {
			return err
		}
		expired := record.ExpiresAtNs <= toNanos(now)
		if expired || record.Token != "" {
			if err := tx.Where("code = ?", code).Delete(&deviceCodeRecord{}).Error; err != nil {
				return err
			}
		}
		if expired {
			return gorm.ErrRecordNotFound
		}
		consumed = history.DeviceCode{Code: record.Code, Token: record.Token, ExpiresAt: fromNanos(record.ExpiresAtNs)}
		return nil
	})
	if err != nil {
		return history.DeviceCode{}, b.lookupError(opConsumeDevice, err)
	}
	return consumed, nil
}

func (b *Backend) lookupError(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
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

func toUser(record userRecord) history.User {
	return history.User{ID: record.ID, Username: record.Username, Email: record.Email, Password: record.Password}
}
