package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage/sqlite"
	"golang.org/x/crypto/bcrypt"
)

type sequenceTokens struct {
	next int
}

func (s *sequenceTokens) NewToken() (string, error) {
	s.next++
	return "token-" + string(rune('a'+s.next-1)), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	backend, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "accounts.db")})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = backend.Close()
	})
	service, err := NewService(ServiceConfig{Database: backend, Tokens: &sequenceTokens{}, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterLoginAuthenticate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, token, err := service.Register(ctx, Registration{Username: " alice ", Email: "alice@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if user.Username != "alice" || token != "token-a" {
		t.Fatalf("unexpected registration result %+v %q", user, token)
	}
	if user.Password == "correct horse" {
		t.Fatalf("password must be stored hashed")
	}

	loginToken, err := service.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if loginToken != "token-b" {
		t.Fatalf("expected a fresh session, got %q", loginToken)
	}

	authenticated, err := service.Authenticate(ctx, loginToken)
	if err != nil || authenticated.ID != user.ID {
		t.Fatalf("authenticate failed: %+v %v", authenticated, err)
	}

	if err := service.Logout(ctx, loginToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := service.Authenticate(ctx, loginToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if _, err := service.Authenticate(ctx, token); err != nil {
		t.Fatalf("other sessions must survive logout: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	service := newTestService(t)
	testCases := []struct {
		name         string
		registration Registration
	}{
		{name: "empty-username", registration: Registration{Username: " ", Email: "a@example.com", Password: "long enough"}},
		{name: "bad-email", registration: Registration{Username: "bob", Email: "nope", Password: "long enough"}},
		{name: "short-password", registration: Registration{Username: "bob", Email: "b@example.com", Password: "short"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, _, err := service.Register(context.Background(), testCase.registration); !errors.Is(err, ErrInvalidRegistration) {
				t.Fatalf("expected invalid registration, got %v", err)
			}
		})
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, _, err := service.Register(ctx, Registration{Username: "alice", Email: "a@example.com", Password: "long enough"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, _, err := service.Register(ctx, Registration{Username: "alice", Email: "b@example.com", Password: "long enough"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected username taken, got %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, _, err := service.Register(ctx, Registration{Username: "alice", Email: "a@example.com", Password: "long enough"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.Login(ctx, "alice", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := service.Login(ctx, "mallory", "long enough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestDeleteAccountRevokesSessions(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, token, err := service.Register(ctx, Registration{Username: "alice", Email: "a@example.com", Password: "long enough"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := service.DeleteAccount(ctx, user.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized after deletion, got %v", err)
	}
	if _, err := service.LookupUser(ctx, "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestUUIDTokenProviderStripsDashes(t *testing.T) {
	token, err := NewUUIDTokenProvider().NewToken()
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if len(token) != 32 {
		t.Fatalf("expected 32 hex characters, got %q", token)
	}
	if _, err := history.NewClientID(token); err != nil {
		t.Fatalf("token should be a valid identifier: %v", err)
	}
}
