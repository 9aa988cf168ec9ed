package history

import (
	"fmt"
	"time"
)

// Epoch is the zero position of both cursors.
var Epoch = time.Unix(0, 0).UTC()

// Cursor is the dual pagination position used during catch-up.
// SyncTS follows server insertion time and is immune to client clock skew.
// HistoryTS follows client-reported event time.
type Cursor struct {
	SyncTS    time.Time
	HistoryTS time.Time
}

// NewCursor validates both positions. Instants before the unix epoch are rejected.
func NewCursor(syncTS, historyTS time.Time) (Cursor, error) {
	if syncTS.Before(Epoch) {
		return Cursor{}, fmt.Errorf("%w: sync_ts %s predates epoch", ErrInvalidCursor, syncTS.Format(time.RFC3339Nano))
	}
	if historyTS.Before(Epoch) {
		return Cursor{}, fmt.Errorf("%w: history_ts %s predates epoch", ErrInvalidCursor, historyTS.Format(time.RFC3339Nano))
	}
	return Cursor{SyncTS: syncTS.UTC(), HistoryTS: historyTS.UTC()}, nil
}

// StartCursor returns the cursor for a full catch-up.
func StartCursor() Cursor {
	return Cursor{SyncTS: Epoch, HistoryTS: Epoch}
}

// Advance returns the cursor positioned after the given page.
// SyncTS moves to the latest insertion time seen and HistoryTS to the latest event time seen,
// including the positions already held, so neither component ever moves backwards.
func (c Cursor) Advance(page []Entry) Cursor {
	next := c
	for _, entry := range page {
		if entry.CreatedAt.After(next.SyncTS) {
			next.SyncTS = entry.CreatedAt.UTC()
		}
		if entry.Timestamp.After(next.HistoryTS) {
			next.HistoryTS = entry.Timestamp.UTC()
		}
	}
	return next
}
