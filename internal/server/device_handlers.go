package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	approvalPath      = "/approve"
	approvalParameter = "approval"
	reasonCodeExpired = "code_expired"
)

func (h *httpHandler) approvalURL(approval string) (string, error) {
	base := h.settings.PublicURL
	if base == "" {
		base = "http://localhost"
	}
	target, err := url.JoinPath(base, approvalPath)
	if err != nil {
		return "", err
	}
	return target + "?" + url.Values{approvalParameter: []string{approval}}.Encode(), nil
}

func (h *httpHandler) handleRequestCode(c *gin.Context) {
	ctx := c.Request.Context()

	code, err := h.deviceCodes.NewToken()
	if err != nil {
		h.logger.Error("failed to generate device code", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to generate device code")
		return
	}
	approval, expiresAt, err := h.approvals.IssueApprovalToken(ctx, code)
	if err != nil {
		h.logger.Error("failed to sign approval token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to generate device code")
		return
	}
	if err := h.database.CreateDeviceCode(ctx, history.DeviceCode{Code: code, ExpiresAt: expiresAt}); err != nil {
		h.logger.Error("failed to store device code", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to generate device code")
		return
	}
	approvalURL, err := h.approvalURL(approval)
	if err != nil {
		h.logger.Error("failed to build approval url", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to generate device code")
		return
	}

	c.JSON(http.StatusOK, api.CodeResponse{Code: code, URL: approvalURL})
}

// handleVerifyCode reports an empty token while the code is pending. Once approved, the
// session token is returned exactly once.
func (h *httpHandler) handleVerifyCode(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		respondError(c, http.StatusBadRequest, "code is required")
		return
	}

	record, err := h.database.ConsumeDeviceCode(c.Request.Context(), code, h.clock())
	if storage.IsNotFound(err) {
		respondError(c, http.StatusNotFound, reasonCodeExpired)
		return
	}
	if err != nil {
		h.logger.Error("failed to verify device code", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to verify device code")
		return
	}

	c.JSON(http.StatusOK, api.VerifyResponse{Token: record.Token})
}

// handleApprove attaches a new session for the approving user to the pending code.
func (h *httpHandler) handleApprove(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request api.ApproveRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Approval) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	code, err := h.approvals.ValidateApprovalToken(strings.TrimSpace(request.Approval))
	if err != nil {
		h.logger.Info("approval token rejected", zap.Error(err))
		respondError(c, http.StatusBadRequest, "invalid approval")
		return
	}

	ctx := c.Request.Context()
	token, err := h.accounts.IssueSession(ctx, user)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to issue session")
		return
	}
	if err := h.database.AuthorizeDeviceCode(ctx, code, token); err != nil {
		if logoutErr := h.accounts.Logout(ctx, token); logoutErr != nil {
			h.logger.Warn("failed to revoke unused session", zap.Error(logoutErr))
		}
		if storage.IsNotFound(err) {
			respondError(c, http.StatusNotFound, reasonCodeExpired)
			return
		}
		h.logger.Error("failed to authorize device code", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to authorize device code")
		return
	}

	h.logger.Info("device authorized", zap.Int64("user_id", user.ID))
	c.JSON(http.StatusOK, gin.H{})
}
