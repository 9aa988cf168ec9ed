package history

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidClientID indicates that a client-generated entry identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("history: invalid client id")
	// ErrInvalidHostname indicates that a hostname exceeds storage bounds.
	ErrInvalidHostname = errors.New("history: invalid hostname")
	// ErrInvalidCursor indicates that a cursor timestamp predates the unix epoch.
	ErrInvalidCursor = errors.New("history: invalid cursor")
	// ErrInvalidUsername indicates that a username is empty or exceeds storage bounds.
	ErrInvalidUsername = errors.New("history: invalid username")
	// ErrInvalidTimestamp indicates an entry time that is unset, predates the unix epoch or
	// cannot be stored as unix nanoseconds.
	ErrInvalidTimestamp = errors.New("history: invalid timestamp")
)

// latestTimestamp is the last instant representable as int64 unix nanoseconds.
var latestTimestamp = time.Unix(0, math.MaxInt64).UTC()

// ClientID is the opaque identifier a device assigns to an entry at creation time.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying identifier.
func (id ClientID) String() string {
	return string(id)
}

// NewHostname validates a hostname reported by a client. Empty hostnames are allowed.
func NewHostname(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidHostname, maxIdentifierLength)
	}
	return trimmed, nil
}

// NewTimestamp validates the time of an entry and returns it in UTC.
func NewTimestamp(value time.Time) (time.Time, error) {
	switch {
	case value.IsZero():
		return time.Time{}, fmt.Errorf("%w: unset", ErrInvalidTimestamp)
	case value.Before(Epoch):
		return time.Time{}, fmt.Errorf("%w: %s predates the unix epoch", ErrInvalidTimestamp, value.UTC().Format(time.RFC3339))
	case value.After(latestTimestamp):
		return time.Time{}, fmt.Errorf("%w: %s is out of range", ErrInvalidTimestamp, value.UTC().Format(time.RFC3339))
	}
	return value.UTC(), nil
}

// NewUsername validates a username.
func NewUsername(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxIdentifierLength)
	}
	return trimmed, nil
}

// Entry is the server-visible form of a history entry. Data is ciphertext the server cannot read.
type Entry struct {
	ClientID  ClientID
	UserID    int64
	Hostname  string
	Timestamp time.Time
	Data      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the entry has been tombstoned.
func (e Entry) Deleted() bool {
	return e.DeletedAt != nil
}

// NewEntry is an entry as uploaded, before the server assigns its insertion time.
type NewEntry struct {
	ClientID  ClientID
	UserID    int64
	Hostname  string
	Timestamp time.Time
	Data      string
}

// User is a registered account.
type User struct {
	ID       int64
	Username string
	Email    string
	Password string
}

// NewUser carries the fields required to register an account. Password is already hashed.
type NewUser struct {
	Username string
	Email    string
	Password string
}

// Session binds a token to exactly one user.
type Session struct {
	ID     int64
	UserID int64
	Token  string
}

// NewSession carries the fields required to persist a session.
type NewSession struct {
	UserID int64
	Token  string
}

// DeviceCode tracks a pending device authorization. Token is empty until a user approves it.
type DeviceCode struct {
	Code      string
	Token     string
	ExpiresAt time.Time
}

// Authorized reports whether a session has been attached to the code.
func (d DeviceCode) Authorized() bool {
	return d.Token != ""
}
