package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testClientVersion = "v0.3.0"

type testServer struct {
	handler  http.Handler
	database *storage.Database
	accounts *accounts.Service
}

func defaultTestSettings() Settings {
	return Settings{
		Version:          "v0.3.0",
		PageSize:         1100,
		LegacyPageSize:   100,
		MinPagedVersion:  "v0.2.0",
		MaxHistoryLength: 8192,
		HostFilter:       storage.HostFilterNone,
		RegistrationOpen: true,
		PublicURL:        "http://hub.example.com",
	}
}

func newTestServer(t *testing.T, settings Settings) *testServer {
	t.Helper()
	return newTestServerWithLogger(t, settings, zap.NewNop())
}

func newTestServerWithLogger(t *testing.T, settings Settings, logger *zap.Logger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "server.db")})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = backend.Close()
	})
	database, err := storage.New(storage.Config{Backend: backend})
	if err != nil {
		t.Fatalf("failed to wrap backend: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: backend, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to build accounts: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret"), TokenTTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Database:  database,
		Accounts:  accountService,
		Approvals: issuer,
		Settings:  settings,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, database: database, accounts: accountService}
}

func (s *testServer) register(t *testing.T, username string) string {
	t.Helper()
	_, token, err := s.accounts.Register(context.Background(), accounts.Registration{
		Username: username,
		Email:    username + "@example.com",
		Password: "long enough password",
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	return token
}

type requestOption func(*http.Request)

func withToken(token string) requestOption {
	return func(r *http.Request) {
		r.Header.Set("Authorization", api.TokenScheme+" "+token)
	}
}

func withVersion(version string) requestOption {
	return func(r *http.Request) {
		r.Header.Set(api.VersionHeader, version)
	}
}

func (s *testServer) do(t *testing.T, method, target, body string, options ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, option := range options {
		option(request)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
	return value
}

func encodeJSON(t *testing.T, value any) string {
	t.Helper()
	payload, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	return string(payload)
}
