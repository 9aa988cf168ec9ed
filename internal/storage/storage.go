// Package storage defines the server-side capability interface every database backend
// implements, and the Database wrapper that layers backend-independent algorithms on top.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"go.uber.org/zap"
)

// ErrNotFound reports a missing user, session, cached count, device code or oldest entry.
// Backends return it wrapped so callers can distinguish it from transient failures.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict reports a username that is already registered.
var ErrConflict = errors.New("storage: conflict")

var (
	errMissingBackend = errors.New("storage backend is required")
	noOpLogger        = zap.NewNop()
)

// Error carries an operation.reason code alongside the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *Error) Code() string {
	return e.code
}

// NewError builds an Error for the given operation and reason.
func NewError(operation, reason string, cause error) error {
	return &Error{code: operation + "." + reason, err: cause}
}

// HostFilter decides how the host parameter of a history listing is applied.
type HostFilter string

const (
	// HostFilterNone ignores the host parameter; every device sees every entry.
	HostFilterNone HostFilter = "none"
	// HostFilterExclude omits entries uploaded under the requesting host.
	HostFilterExclude HostFilter = "exclude"
)

// ParseHostFilter validates a configured host filter policy.
func ParseHostFilter(rawInput string) (HostFilter, error) {
	switch HostFilter(strings.ToLower(strings.TrimSpace(rawInput))) {
	case HostFilterNone, "":
		return HostFilterNone, nil
	case HostFilterExclude:
		return HostFilterExclude, nil
	default:
		return "", fmt.Errorf("storage: unknown host filter %q", rawInput)
	}
}

// ListQuery describes one page of a catch-up.
type ListQuery struct {
	UserID   int64
	Cursor   history.Cursor
	Host     string
	Filter   HostFilter
	PageSize int
}

// Backend is implemented once per database.
//
// ListHistory returns live entries with created_at after Cursor.SyncTS or timestamp after
// Cursor.HistoryTS, ordered by created_at then client_id. AddHistory assigns created_at
// strictly increasing per user, so advancing the cursor with history.Cursor.Advance
// enumerates every live entry exactly once.
type Backend interface {
	GetSession(ctx context.Context, token string) (history.Session, error)
	GetSessionUser(ctx context.Context, token string) (history.User, error)
	AddSession(ctx context.Context, session history.NewSession) error
	DeleteSession(ctx context.Context, token string) error

	GetUser(ctx context.Context, username string) (history.User, error)
	AddUser(ctx context.Context, user history.NewUser) (int64, error)
	DeleteUser(ctx context.Context, userID int64) error

	AddHistory(ctx context.Context, entries []history.NewEntry) error
	ListHistory(ctx context.Context, query ListQuery) ([]history.Entry, error)
	CountHistory(ctx context.Context, userID int64) (int64, error)
	CountHistoryCached(ctx context.Context, userID int64) (int64, error)
	CountHistoryRange(ctx context.Context, userID int64, start, end time.Time) (int64, error)
	DeleteHistory(ctx context.Context, userID int64, clientID history.ClientID) error
	DeletedHistory(ctx context.Context, userID int64) ([]string, error)
	OldestHistory(ctx context.Context, userID int64) (history.Entry, error)

	CreateDeviceCode(ctx context.Context, code history.DeviceCode) error
	AuthorizeDeviceCode(ctx context.Context, code, token string) error
	ConsumeDeviceCode(ctx context.Context, code string, now time.Time) (history.DeviceCode, error)

	Close() error
}

// Config describes the dependencies of a Database.
type Config struct {
	Backend Backend
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Database exposes a Backend plus the algorithms shared by every backend.
type Database struct {
	Backend
	clock  func() time.Time
	logger *zap.Logger
}

// New wraps a backend.
func New(cfg Config) (*Database, error) {
	if cfg.Backend == nil {
		return nil, NewError(opNew, "missing_backend", errMissingBackend)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Database{Backend: cfg.Backend, clock: clock, logger: logger}, nil
}

const (
	opNew      = "storage.new"
	opCalendar = "storage.calendar"
)

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
