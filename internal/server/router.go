package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey  = "shellsync_user"
	tokenContextKey = "shellsync_session"

	homage = "shellsync keeps your shell history in step across machines"

	defaultLegacyPageSize = 100
)

var (
	errMissingDatabase      = errors.New("database dependency required")
	errMissingAccounts      = errors.New("accounts dependency required")
	errMissingApprovals     = errors.New("approval token dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Accounts is the account service the handlers depend on.
type Accounts interface {
	Register(ctx context.Context, registration accounts.Registration) (history.User, string, error)
	Login(ctx context.Context, username, password string) (string, error)
	Authenticate(ctx context.Context, token string) (history.User, error)
	IssueSession(ctx context.Context, user history.User) (string, error)
	Logout(ctx context.Context, token string) error
	DeleteAccount(ctx context.Context, userID int64) error
	LookupUser(ctx context.Context, username string) (history.User, error)
}

// ApprovalTokens signs and checks the tokens embedded in device approval URLs.
type ApprovalTokens interface {
	IssueApprovalToken(ctx context.Context, code string) (string, time.Time, error)
	ValidateApprovalToken(token string) (string, error)
}

// Settings carries the tunable server behavior.
type Settings struct {
	Version          string
	PageSize         int
	LegacyPageSize   int
	MinPagedVersion  string
	MaxHistoryLength int
	HostFilter       storage.HostFilter
	RegistrationOpen bool
	PublicURL        string
}

type Dependencies struct {
	Database    *storage.Database
	Accounts    Accounts
	Approvals   ApprovalTokens
	DeviceCodes accounts.TokenProvider
	Settings    Settings
	Clock       func() time.Time
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Approvals == nil {
		return nil, errMissingApprovals
	}

	handler := newHTTPHandler(deps)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/", handler.handleIndex)
	router.POST("/register", handler.handleRegister)
	router.POST("/login", handler.handleLogin)
	router.GET("/user/:username", handler.handleGetUser)
	router.POST("/api/cli/code", handler.handleRequestCode)
	router.GET("/api/cli/verify", handler.handleVerifyCode)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/logout", handler.handleLogout)
	protected.DELETE("/account", handler.handleDeleteAccount)
	protected.GET("/sync/count", handler.handleCount)
	protected.GET("/sync/history", handler.handleListHistory)
	protected.GET("/sync/status", handler.handleStatus)
	protected.GET("/sync/calendar/:focus", handler.handleCalendar)
	protected.POST("/history", handler.handleAddHistory)
	protected.DELETE("/history", handler.handleDeleteHistory)
	protected.POST("/api/cli/approve", handler.handleApprove)

	return router, nil
}

type httpHandler struct {
	database    *storage.Database
	accounts    Accounts
	approvals   ApprovalTokens
	deviceCodes accounts.TokenProvider
	settings    Settings
	clock       func() time.Time
	logger      *zap.Logger
}

func newHTTPHandler(deps Dependencies) *httpHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	codes := deps.DeviceCodes
	if codes == nil {
		codes = accounts.NewUUIDTokenProvider()
	}
	settings := deps.Settings
	if settings.LegacyPageSize <= 0 {
		settings.LegacyPageSize = defaultLegacyPageSize
	}
	if settings.PageSize <= 0 {
		settings.PageSize = settings.LegacyPageSize
	}
	if settings.HostFilter == "" {
		settings.HostFilter = storage.HostFilterNone
	}
	return &httpHandler{
		database:    deps.Database,
		accounts:    deps.Accounts,
		approvals:   deps.Approvals,
		deviceCodes: codes,
		settings:    settings,
		clock:       clock,
		logger:      logger,
	}
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", api.VersionHeader},
		ExposeHeaders:    []string{api.VersionHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func respondError(c *gin.Context, status int, reason string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{Reason: reason})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	prefix := api.TokenScheme + " "
	if !strings.HasPrefix(header, prefix) {
		respondError(c, http.StatusUnauthorized, errInvalidAuthorization.Error())
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		respondError(c, http.StatusUnauthorized, errInvalidAuthorization.Error())
		return
	}

	user, err := h.accounts.Authenticate(c.Request.Context(), token)
	if errors.Is(err, accounts.ErrUnauthorized) {
		h.logger.Info("session validation failed", zap.Error(err))
		respondError(c, http.StatusUnauthorized, "invalid session")
		return
	}
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "session lookup failed")
		return
	}
	c.Set(userContextKey, user)
	c.Set(tokenContextKey, token)
	c.Next()
}

func currentUser(c *gin.Context) (history.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return history.User{}, false
	}
	user, ok := value.(history.User)
	return user, ok
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, api.IndexResponse{Homage: homage, Version: h.settings.Version})
}
