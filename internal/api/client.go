package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrUnauthorized reports a 401 from the server: the session token is missing or revoked.
	ErrUnauthorized = errors.New("api: unauthorized")
	errMissingBase  = errors.New("api: server address is required")
)

// StatusError is any other non-2xx response.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("api: server responded with status %d", e.Status)
	}
	return fmt.Sprintf("api: server responded with status %d: %s", e.Status, e.Reason)
}

// IsStatus reports whether err is a StatusError with the given status code.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

// Client is the client side of the sync endpoints.
type Client interface {
	Register(ctx context.Context, request RegisterRequest) (string, error)
	Login(ctx context.Context, request LoginRequest) (string, error)
	Logout(ctx context.Context) error
	DeleteAccount(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	History(ctx context.Context, cursor history.Cursor, host string) (SyncHistoryResponse, error)
	AddHistory(ctx context.Context, entries []AddHistoryRequest) error
	DeleteHistory(ctx context.Context, clientID string) error
	Status(ctx context.Context) (StatusResponse, error)
	Calendar(ctx context.Context, focus string, year, month int, timezone string) (map[string]CalendarBucket, error)
}

// HubClient issues and polls device authorization codes.
type HubClient interface {
	RequestCode(ctx context.Context) (CodeResponse, error)
	VerifyCode(ctx context.Context, code string) (VerifyResponse, error)
	Approve(ctx context.Context, approval string) error
}

// ClientConfig describes how to reach a server.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Version    string
	HTTPClient *http.Client
}

// HTTPClient implements Client and HubClient over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	version    string
	httpClient *http.Client
}

var (
	_ Client    = (*HTTPClient)(nil)
	_ HubClient = (*HTTPClient)(nil)
)

// NewHTTPClient validates the configuration.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errMissingBase
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: invalid server address: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		version:    cfg.Version,
		httpClient: httpClient,
	}, nil
}

// WithToken returns a copy of the client authenticated with token.
func (c *HTTPClient) WithToken(token string) *HTTPClient {
	clone := *c
	clone.token = strings.TrimSpace(token)
	return &clone
}

func (c *HTTPClient) Register(ctx context.Context, request RegisterRequest) (string, error) {
	var response SessionResponse
	if err := c.do(ctx, http.MethodPost, "/register", nil, request, &response); err != nil {
		return "", err
	}
	return response.Session, nil
}

func (c *HTTPClient) Login(ctx context.Context, request LoginRequest) (string, error) {
	var response SessionResponse
	if err := c.do(ctx, http.MethodPost, "/login", nil, request, &response); err != nil {
		return "", err
	}
	return response.Session, nil
}

func (c *HTTPClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil, nil)
}

func (c *HTTPClient) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/account", nil, nil, nil)
}

func (c *HTTPClient) Count(ctx context.Context) (int64, error) {
	var response CountResponse
	if err := c.do(ctx, http.MethodGet, "/sync/count", nil, nil, &response); err != nil {
		return 0, err
	}
	return response.Count, nil
}

// History fetches the page after cursor.
func (c *HTTPClient) History(ctx context.Context, cursor history.Cursor, host string) (SyncHistoryResponse, error) {
	query := url.Values{}
	query.Set("sync_ts", cursor.SyncTS.UTC().Format(time.RFC3339Nano))
	query.Set("history_ts", cursor.HistoryTS.UTC().Format(time.RFC3339Nano))
	query.Set("host", host)

	var response SyncHistoryResponse
	if err := c.do(ctx, http.MethodGet, "/sync/history", query, nil, &response); err != nil {
		return SyncHistoryResponse{}, err
	}
	return response, nil
}

func (c *HTTPClient) AddHistory(ctx context.Context, entries []AddHistoryRequest) error {
	if len(entries) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/history", nil, entries, nil)
}

func (c *HTTPClient) DeleteHistory(ctx context.Context, clientID string) error {
	var response MessageResponse
	return c.do(ctx, http.MethodDelete, "/history", nil, DeleteHistoryRequest{ClientID: clientID}, &response)
}

func (c *HTTPClient) Status(ctx context.Context) (StatusResponse, error) {
	var response StatusResponse
	if err := c.do(ctx, http.MethodGet, "/sync/status", nil, nil, &response); err != nil {
		return StatusResponse{}, err
	}
	return response, nil
}

func (c *HTTPClient) Calendar(ctx context.Context, focus string, year, month int, timezone string) (map[string]CalendarBucket, error) {
	query := url.Values{}
	query.Set("year", strconv.Itoa(year))
	query.Set("month", strconv.Itoa(month))
	if timezone != "" {
		query.Set("tz", timezone)
	}
	response := map[string]CalendarBucket{}
	if err := c.do(ctx, http.MethodGet, "/sync/calendar/"+focus, query, nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *HTTPClient) RequestCode(ctx context.Context) (CodeResponse, error) {
	var response CodeResponse
	if err := c.do(ctx, http.MethodPost, "/api/cli/code", nil, nil, &response); err != nil {
		return CodeResponse{}, err
	}
	return response, nil
}

func (c *HTTPClient) VerifyCode(ctx context.Context, code string) (VerifyResponse, error) {
	query := url.Values{}
	query.Set("code", code)
	var response VerifyResponse
	if err := c.do(ctx, http.MethodGet, "/api/cli/verify", query, nil, &response); err != nil {
		return VerifyResponse{}, err
	}
	return response, nil
}

// Approve authorizes a pending device code on behalf of the logged in user.
func (c *HTTPClient) Approve(ctx context.Context, approval string) error {
	return c.do(ctx, http.MethodPost, "/api/cli/approve", nil, ApproveRequest{Approval: approval}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("api: build url for %s: %w", path, err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("api: create %s request: %w", path, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if c.version != "" {
		request.Header.Set(VersionHeader, c.version)
	}
	if c.token != "" {
		request.Header.Set("Authorization", TokenScheme+" "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure ErrorResponse
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return &StatusError{Status: response.StatusCode, Reason: failure.Reason}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}
