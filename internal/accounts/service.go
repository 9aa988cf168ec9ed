// Package accounts registers users, verifies passwords and manages session tokens.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidRegistration indicates a registration request with missing or malformed fields.
	ErrInvalidRegistration = errors.New("accounts: invalid registration")
	// ErrUsernameTaken indicates that the username already belongs to another account.
	ErrUsernameTaken = errors.New("accounts: username taken")
	// ErrInvalidCredentials indicates an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	// ErrUnauthorized indicates a missing or unknown session token.
	ErrUnauthorized = errors.New("accounts: unauthorized")
	// ErrUserNotFound indicates that no account has the requested username.
	ErrUserNotFound = errors.New("accounts: user not found")
)

const (
	minPasswordLength = 8

	operationRegister     = "accounts.register"
	operationLogin        = "accounts.login"
	operationAuthenticate = "accounts.authenticate"
	operationLogout       = "accounts.logout"
	operationDelete       = "accounts.delete"
	operationIssueSession = "accounts.issue_session"
	operationLookup       = "accounts.lookup"
)

// TokenProvider issues opaque session tokens.
type TokenProvider interface {
	NewToken() (string, error)
}

type uuidTokenProvider struct{}

// NewUUIDTokenProvider returns random UUIDv4 tokens without dashes.
func NewUUIDTokenProvider() TokenProvider {
	return uuidTokenProvider{}
}

func (uuidTokenProvider) NewToken() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(value.String(), "-", ""), nil
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   storage.Backend
	Tokens     TokenProvider
	Logger     *zap.Logger
	BcryptCost int
}

// Service coordinates account persistence and password verification.
type Service struct {
	store      storage.Backend
	tokens     TokenProvider
	logger     *zap.Logger
	bcryptCost int
}

// NewService validates the configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database backend required")
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewUUIDTokenProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: cfg.Database, tokens: tokens, logger: logger, bcryptCost: cost}, nil
}

// Registration carries the fields of a new account.
type Registration struct {
	Username string
	Email    string
	Password string
}

// Register creates the account and returns a fresh session token for it.
func (s *Service) Register(ctx context.Context, registration Registration) (history.User, string, error) {
	username, err := history.NewUsername(registration.Username)
	if err != nil {
		return history.User{}, "", fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	email := strings.TrimSpace(registration.Email)
	if !strings.Contains(email, "@") {
		return history.User{}, "", fmt.Errorf("%w: email", ErrInvalidRegistration)
	}
	if len(registration.Password) < minPasswordLength {
		return history.User{}, "", fmt.Errorf("%w: password shorter than %d characters", ErrInvalidRegistration, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(registration.Password), s.bcryptCost)
	if err != nil {
		s.logError(operationRegister, "hash_failed", err)
		return history.User{}, "", err
	}

	userID, err := s.store.AddUser(ctx, history.NewUser{Username: username, Email: email, Password: string(hash)})
	if errors.Is(err, storage.ErrConflict) {
		return history.User{}, "", ErrUsernameTaken
	}
	if err != nil {
		s.logError(operationRegister, "insert_failed", err, zap.String("username", username))
		return history.User{}, "", err
	}

	user := history.User{ID: userID, Username: username, Email: email, Password: string(hash)}
	token, err := s.IssueSession(ctx, user)
	if err != nil {
		return history.User{}, "", err
	}
	s.logger.Info("account registered", zap.Int64("user_id", userID))
	return user, token, nil
}

// Login verifies the password and returns a new session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, strings.TrimSpace(username))
	if storage.IsNotFound(err) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		s.logError(operationLogin, "lookup_failed", err)
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueSession(ctx, user)
}

// IssueSession persists a new session for the user.
func (s *Service) IssueSession(ctx context.Context, user history.User) (string, error) {
	token, err := s.tokens.NewToken()
	if err != nil {
		s.logError(operationIssueSession, "token_failed", err)
		return "", err
	}
	if err := s.store.AddSession(ctx, history.NewSession{UserID: user.ID, Token: token}); err != nil {
		s.logError(operationIssueSession, "insert_failed", err, zap.Int64("user_id", user.ID))
		return "", err
	}
	return token, nil
}

// Authenticate resolves a session token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (history.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return history.User{}, ErrUnauthorized
	}
	user, err := s.store.GetSessionUser(ctx, token)
	if storage.IsNotFound(err) {
		return history.User{}, ErrUnauthorized
	}
	if err != nil {
		s.logError(operationAuthenticate, "lookup_failed", err)
		return history.User{}, err
	}
	return user, nil
}

// Logout revokes a single session.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.store.DeleteSession(ctx, token); err != nil {
		s.logError(operationLogout, "delete_failed", err)
		return err
	}
	return nil
}

// DeleteAccount removes the user with all sessions and history.
func (s *Service) DeleteAccount(ctx context.Context, userID int64) error {
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		s.logError(operationDelete, "delete_failed", err, zap.Int64("user_id", userID))
		return err
	}
	s.logger.Info("account deleted", zap.Int64("user_id", userID))
	return nil
}

// LookupUser returns the account with the given username.
func (s *Service) LookupUser(ctx context.Context, username string) (history.User, error) {
	user, err := s.store.GetUser(ctx, strings.TrimSpace(username))
	if storage.IsNotFound(err) {
		return history.User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(operationLookup, "lookup_failed", err)
		return history.User{}, err
	}
	return user, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason)}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("account operation failed", allFields...)
}
