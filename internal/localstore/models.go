package localstore

import (
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
)

type localHistoryRecord struct {
	ID          string `gorm:"column:id;primaryKey;size:190"`
	TimestampNs int64  `gorm:"column:timestamp_ns;not null;index:idx_local_history_timestamp"`
	Hostname    string `gorm:"column:hostname;size:190;not null;default:''"`
	KeyID       string `gorm:"column:key_id;size:32;not null;default:''"`
	Ciphertext  []byte `gorm:"column:ciphertext;not null"`
	Nonce       []byte `gorm:"column:nonce;not null"`
	DeletedAtNs *int64 `gorm:"column:deleted_at_ns"`
	Uploaded    bool   `gorm:"column:uploaded;not null;default:false;index:idx_local_history_uploaded"`
	// DeletionSent is set once the tombstone reached the server.
	DeletionSent bool `gorm:"column:deletion_sent;not null;default:false"`
}

func (localHistoryRecord) TableName() string {
	return "local_history"
}

type syncStateRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:64"`
	SyncTSNs    int64  `gorm:"column:sync_ts_ns;not null"`
	HistoryTSNs int64  `gorm:"column:history_ts_ns;not null"`
}

func (syncStateRecord) TableName() string {
	return "sync_state"
}

// Record is one locally stored entry. The command itself is only present sealed.
type Record struct {
	ID        string
	Timestamp time.Time
	Hostname  string
	KeyID     string
	Sealed    cipherkey.EncryptedHistory
	DeletedAt *time.Time
	Uploaded  bool
}

// Deleted reports whether the entry has been tombstoned locally.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

func newRecordRow(record Record, uploaded bool) localHistoryRecord {
	row := localHistoryRecord{
		ID:          record.ID,
		TimestampNs: record.Timestamp.UTC().UnixNano(),
		Hostname:    record.Hostname,
		KeyID:       record.KeyID,
		Ciphertext:  record.Sealed.Ciphertext,
		Nonce:       record.Sealed.Nonce,
		Uploaded:    uploaded,
	}
	if record.DeletedAt != nil {
		deleted := record.DeletedAt.UTC().UnixNano()
		row.DeletedAtNs = &deleted
	}
	return row
}

func (r localHistoryRecord) toRecord() Record {
	record := Record{
		ID:        r.ID,
		Timestamp: time.Unix(0, r.TimestampNs).UTC(),
		Hostname:  r.Hostname,
		KeyID:     r.KeyID,
		Sealed:    cipherkey.EncryptedHistory{Ciphertext: r.Ciphertext, Nonce: r.Nonce},
		Uploaded:  r.Uploaded,
	}
	if r.DeletedAtNs != nil {
		deleted := time.Unix(0, *r.DeletedAtNs).UTC()
		record.DeletedAt = &deleted
	}
	return record
}
