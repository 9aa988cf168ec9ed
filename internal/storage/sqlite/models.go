package sqlite

import (
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
)

type userRecord struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username         string `gorm:"column:username;size:190;not null;uniqueIndex"`
	Email            string `gorm:"column:email;size:320;not null"`
	Password         string `gorm:"column:password;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type sessionRecord struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID int64  `gorm:"column:user_id;not null;index"`
	Token  string `gorm:"column:token;size:190;not null;uniqueIndex"`
}

func (sessionRecord) TableName() string {
	return "sessions"
}

// historyRecord stores instants as unix nanoseconds so cursor comparisons are exact.
type historyRecord struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      int64  `gorm:"column:user_id;not null;uniqueIndex:idx_history_user_client,priority:1;index:idx_history_user_created,priority:1;index:idx_history_user_timestamp,priority:1"`
	ClientID    string `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_history_user_client,priority:2"`
	Hostname    string `gorm:"column:hostname;size:190;not null;default:''"`
	TimestampNs int64  `gorm:"column:timestamp_ns;not null;index:idx_history_user_timestamp,priority:2"`
	Data        string `gorm:"column:data;type:text;not null"`
	CreatedAtNs int64  `gorm:"column:created_at_ns;not null;index:idx_history_user_created,priority:2"`
	DeletedAtNs *int64 `gorm:"column:deleted_at_ns"`
}

func (historyRecord) TableName() string {
	return "history"
}

func (r historyRecord) toEntry() history.Entry {
	entry := history.Entry{
		ClientID:  history.ClientID(r.ClientID),
		UserID:    r.UserID,
		Hostname:  r.Hostname,
		Timestamp: fromNanos(r.TimestampNs),
		Data:      r.Data,
		CreatedAt: fromNanos(r.CreatedAtNs),
	}
	if r.DeletedAtNs != nil {
		deletedAt := fromNanos(*r.DeletedAtNs)
		entry.DeletedAt = &deletedAt
	}
	return entry
}

// countRecord caches the total history size per user. It is refreshed on every upload and
// must never be relied on for correctness.
type countRecord struct {
	UserID      int64 `gorm:"column:user_id;primaryKey"`
	Total       int64 `gorm:"column:total;not null"`
	UpdatedAtNs int64 `gorm:"column:updated_at_ns;not null"`
}

func (countRecord) TableName() string {
	return "history_counts"
}

type deviceCodeRecord struct {
	Code        string `gorm:"column:code;primaryKey;size:190;not null"`
	Token       string `gorm:"column:token;size:190;not null;default:''"`
	ExpiresAtNs int64  `gorm:"column:expires_at_ns;not null"`
}

func (deviceCodeRecord) TableName() string {
	return "device_codes"
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}
