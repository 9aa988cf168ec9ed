package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/shellsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleRegister(c *gin.Context) {
	if !h.settings.RegistrationOpen {
		respondError(c, http.StatusForbidden, "this server is not accepting registrations")
		return
	}

	var request api.RegisterRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	_, token, err := h.accounts.Register(c.Request.Context(), accounts.Registration{
		Username: request.Username,
		Email:    request.Email,
		Password: request.Password,
	})
	switch {
	case errors.Is(err, accounts.ErrInvalidRegistration):
		respondError(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, accounts.ErrUsernameTaken):
		respondError(c, http.StatusConflict, "username already in use")
		return
	case err != nil:
		h.logger.Error("failed to register user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to register user")
		return
	}

	c.JSON(http.StatusOK, api.SessionResponse{Session: token})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request api.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	token, err := h.accounts.Login(c.Request.Context(), request.Username, request.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		respondError(c, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		h.logger.Error("failed to log in user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to log in")
		return
	}

	c.JSON(http.StatusOK, api.SessionResponse{Session: token})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, err := h.accounts.LookupUser(c.Request.Context(), c.Param("username"))
	if errors.Is(err, accounts.ErrUserNotFound) {
		respondError(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to look up user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to look up user")
		return
	}
	c.JSON(http.StatusOK, api.UserResponse{Username: user.Username})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if err := h.accounts.Logout(c.Request.Context(), c.GetString(tokenContextKey)); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to log out")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.accounts.DeleteAccount(c.Request.Context(), user.ID); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to delete account")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
