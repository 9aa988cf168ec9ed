// Package api holds the JSON wire types shared by the sync server and its clients, and an
// HTTP client for the server's routes.
package api

import "time"

const (
	// VersionHeader carries the client version; the server uses it to pick the history page size.
	VersionHeader = "Shellsync-Version"
	// TokenScheme prefixes the session token in the Authorization header.
	TokenScheme = "Token"
)

// IndexResponse is returned by GET /.
type IndexResponse struct {
	Homage  string `json:"homage"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Reason string `json:"reason"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Session string `json:"session"`
}

type UserResponse struct {
	Username string `json:"username"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

// Cursor is the wire form of history.Cursor. Both instants are RFC 3339 with nanoseconds.
type Cursor struct {
	SyncTS    time.Time `json:"sync_ts"`
	HistoryTS time.Time `json:"history_ts"`
}

// SyncHistoryResponse is one page of a catch-up. History holds opaque ciphertext.
type SyncHistoryResponse struct {
	History []string `json:"history"`
	Cursor  Cursor   `json:"cursor"`
}

// AddHistoryRequest is one uploaded entry.
type AddHistoryRequest struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
	Hostname  string    `json:"hostname"`
}

type DeleteHistoryRequest struct {
	ClientID string `json:"client_id"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type StatusResponse struct {
	Count    int64    `json:"count"`
	Deleted  []string `json:"deleted"`
	Username string   `json:"username"`
	Version  string   `json:"version"`
	PageSize int      `json:"page_size"`
}

type CalendarBucket struct {
	Count int64  `json:"count"`
	Hash  string `json:"hash"`
}

// CodeResponse starts a device authorization. URL is where the user approves the code.
type CodeResponse struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// VerifyResponse carries the session token once the code has been approved.
type VerifyResponse struct {
	Token string `json:"token,omitempty"`
}

type ApproveRequest struct {
	Approval string `json:"approval"`
}
