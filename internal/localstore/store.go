// Package localstore keeps the device's encrypted history in a local SQLite file and guards
// sync and key rotation with a cross-process lock.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/logging"
	"github.com/gofrs/flock"
	sqlitedriver "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	cursorStateName  = "remote_cursor"
	lockSuffix       = ".lock"
	lockRetryDelay   = 50 * time.Millisecond
	defaultBatchSize = 100

	opOpen       = "localstore.open"
	opAppend     = "localstore.append"
	opSaveRemote = "localstore.save_remote"
	opPending    = "localstore.pending"
	opMark       = "localstore.mark_uploaded"
	opDelete     = "localstore.mark_deleted"
	opDeleteSent = "localstore.mark_deletions_sent"
	opReencrypt  = "localstore.reencrypt"
	opCursor     = "localstore.cursor"
	opExclusive  = "localstore.exclusive"
)

var (
	// ErrNotFound indicates an unknown local record.
	ErrNotFound = errors.New("localstore: record not found")

	errMissingPath = errors.New("localstore: database path is required")
)

// Config describes how to open the store.
type Config struct {
	Path     string
	LockPath string
	Logger   *zap.Logger
}

// Store is the local encrypted history.
type Store struct {
	db     *gorm.DB
	lock   *flock.Flock
	mu     sync.Mutex
	logger *zap.Logger
}

var _ cipherkey.Reencrypter = (*Store)(nil)

// Open creates the database file if needed and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("%s: create dir: %w", opOpen, err)
	}

	db, err := gorm.Open(sqlitedriver.Open(cfg.Path), &gorm.Config{Logger: logging.NewGormLogger(cfg.Logger)})
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", opOpen, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%s: connection pool: %w", opOpen, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&localHistoryRecord{}, &syncStateRecord{}); err != nil {
		return nil, fmt.Errorf("%s: migrate: %w", opOpen, err)
	}

	lockPath := cfg.LockPath
	if lockPath == "" {
		lockPath = cfg.Path + lockSuffix
	}
	return &Store{db: db, lock: flock.New(lockPath), logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Exclusive runs fn while holding both the in-process mutex and the file lock, so only one
// sync or rotation touches the store at a time across every process on the device.
func (s *Store) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("%s: %w", opExclusive, err)
	}
	if !locked {
		return fmt.Errorf("%s: lock %s not acquired", opExclusive, s.lock.Path())
	}
	defer func() {
		if unlockErr := s.lock.Unlock(); unlockErr != nil {
			s.logger.Warn("failed to release store lock", zap.String("path", s.lock.Path()), zap.Error(unlockErr))
		}
	}()
	return fn(ctx)
}

// Append stores a locally recorded entry awaiting upload.
func (s *Store) Append(ctx context.Context, record Record) error {
	row := newRecordRow(record, false)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opAppend, "insert_failed", err, zap.String("client_id", record.ID))
		return fmt.Errorf("%s: %w", opAppend, err)
	}
	return nil
}

// SaveRemote stores downloaded entries, ignoring ids already present. It returns the
// number of new records.
func (s *Store) SaveRemote(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([]localHistoryRecord, 0, len(records))
	for _, record := range records {
		rows = append(rows, newRecordRow(record, true))
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(&rows, defaultBatchSize)
	if result.Error != nil {
		s.logError(opSaveRemote, "insert_failed", result.Error, zap.Int("records", len(records)))
		return 0, fmt.Errorf("%s: %w", opSaveRemote, result.Error)
	}
	return int(result.RowsAffected), nil
}

// Pending returns entries not yet uploaded, oldest first. A limit of zero means no limit.
func (s *Store) Pending(ctx context.Context, limit int) ([]Record, error) {
	query := s.db.WithContext(ctx).Where("uploaded = ?", false).Order("timestamp_ns ASC").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []localHistoryRecord
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opPending, "query_failed", err)
		return nil, fmt.Errorf("%s: %w", opPending, err)
	}
	return toRecords(rows), nil
}

// MarkUploaded flags the given ids as present on the server.
func (s *Store) MarkUploaded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&localHistoryRecord{}).Where("id IN ?", ids).Update("uploaded", true).Error
	if err != nil {
		s.logError(opMark, "update_failed", err, zap.Int("records", len(ids)))
		return fmt.Errorf("%s: %w", opMark, err)
	}
	return nil
}

// MarkDeleted tombstones an entry. Tombstoning an already deleted entry keeps the first time.
func (s *Store) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	deletedAt := at.UTC().UnixNano()
	result := s.db.WithContext(ctx).Model(&localHistoryRecord{}).
		Where("id = ? AND deleted_at_ns IS NULL", id).
		Update("deleted_at_ns", deletedAt)
	if result.Error != nil {
		s.logError(opDelete, "update_failed", result.Error, zap.String("client_id", id))
		return fmt.Errorf("%s: %w", opDelete, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&localHistoryRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("%s: %w", opDelete, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Deleted returns the ids of every locally tombstoned entry.
func (s *Store) Deleted(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(&localHistoryRecord{}).
		Where("deleted_at_ns IS NOT NULL").
		Order("deleted_at_ns ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("localstore.deleted: %w", err)
	}
	return ids, nil
}

// UnsentDeletions returns the ids of tombstoned entries whose deletion has not been sent to
// the server yet.
func (s *Store) UnsentDeletions(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(&localHistoryRecord{}).
		Where("deleted_at_ns IS NOT NULL AND deletion_sent = ?", false).
		Order("deleted_at_ns ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("localstore.unsent_deletions: %w", err)
	}
	return ids, nil
}

// MarkDeletionsSent records that the server has the tombstones for ids.
func (s *Store) MarkDeletionsSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&localHistoryRecord{}).
		Where("id IN ? AND deleted_at_ns IS NOT NULL", ids).
		Update("deletion_sent", true).Error
	if err != nil {
		s.logError(opDeleteSent, "update_failed", err, zap.Int("records", len(ids)))
		return fmt.Errorf("%s: %w", opDeleteSent, err)
	}
	return nil
}

// Count returns the number of local entries.
func (s *Store) Count(ctx context.Context, includeDeleted bool) (int64, error) {
	query := s.db.WithContext(ctx).Model(&localHistoryRecord{})
	if !includeDeleted {
		query = query.Where("deleted_at_ns IS NULL")
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("localstore.count: %w", err)
	}
	return count, nil
}

// Records returns every entry ordered by timestamp.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	var rows []localHistoryRecord
	if err := s.db.WithContext(ctx).Order("timestamp_ns ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("localstore.records: %w", err)
	}
	return toRecords(rows), nil
}

// Reencrypt applies transform to every record inside one transaction and calls persist
// before committing. Any error, including one from persist, rolls every row back.
func (s *Store) Reencrypt(ctx context.Context, transform func(cipherkey.SealedRecord) (cipherkey.SealedRecord, bool, error), persist func() error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []localHistoryRecord
		if err := tx.Order("id ASC").Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			next, changed, err := transform(cipherkey.SealedRecord{
				ID:     row.ID,
				KeyID:  row.KeyID,
				Sealed: cipherkey.EncryptedHistory{Ciphertext: row.Ciphertext, Nonce: row.Nonce},
			})
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			err = tx.Model(&localHistoryRecord{}).Where("id = ?", row.ID).Updates(map[string]any{
				"key_id":     next.KeyID,
				"ciphertext": next.Sealed.Ciphertext,
				"nonce":      next.Sealed.Nonce,
			}).Error
			if err != nil {
				return err
			}
		}
		return persist()
	})
	if err != nil {
		s.logError(opReencrypt, "transaction_failed", err)
		return fmt.Errorf("%s: %w", opReencrypt, err)
	}
	return nil
}

// LoadCursor returns the persisted download position, or the start cursor.
func (s *Store) LoadCursor(ctx context.Context) (history.Cursor, error) {
	var row syncStateRecord
	err := s.db.WithContext(ctx).Where("name = ?", cursorStateName).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return history.StartCursor(), nil
	}
	if err != nil {
		return history.Cursor{}, fmt.Errorf("%s: %w", opCursor, err)
	}
	return history.NewCursor(time.Unix(0, row.SyncTSNs), time.Unix(0, row.HistoryTSNs))
}

// SaveCursor persists the download position.
func (s *Store) SaveCursor(ctx context.Context, cursor history.Cursor) error {
	row := syncStateRecord{
		Name:        cursorStateName,
		SyncTSNs:    cursor.SyncTS.UnixNano(),
		HistoryTSNs: cursor.HistoryTS.UnixNano(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"sync_ts_ns", "history_ts_ns"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opCursor, "save_failed", err)
		return fmt.Errorf("%s: %w", opCursor, err)
	}
	return nil
}

// ResetCursor forgets the download position so the next sync starts from the epoch.
func (s *Store) ResetCursor(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("name = ?", cursorStateName).Delete(&syncStateRecord{}).Error; err != nil {
		return fmt.Errorf("%s: %w", opCursor, err)
	}
	return nil
}

func toRecords(rows []localHistoryRecord) []Record {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("local store operation failed", allFields...)
}
