package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// countHistory prefers the cached count and falls back to an exact count.
func (h *httpHandler) countHistory(ctx context.Context, userID int64) (int64, error) {
	cached, err := h.database.CountHistoryCached(ctx, userID)
	if err == nil {
		return cached, nil
	}
	if !storage.IsNotFound(err) {
		h.logger.Warn("cached history count unavailable", zap.Int64("user_id", userID), zap.Error(err))
	}
	return h.database.CountHistory(ctx, userID)
}

func (h *httpHandler) handleCount(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	count, err := h.countHistory(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to query history count", zap.Int64("user_id", user.ID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to query history count")
		return
	}
	c.JSON(http.StatusOK, api.CountResponse{Count: count})
}

// pageSize selects the page size by client version. Clients that predate paged catch-up
// or send no version get the legacy size.
func (h *httpHandler) pageSize(c *gin.Context) int {
	version := strings.TrimSpace(c.GetHeader(api.VersionHeader))
	if version == "" || h.settings.MinPagedVersion == "" {
		return h.settings.LegacyPageSize
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	minimum := h.settings.MinPagedVersion
	if !strings.HasPrefix(minimum, "v") {
		minimum = "v" + minimum
	}
	if !semver.IsValid(version) || semver.Compare(version, minimum) < 0 {
		return h.settings.LegacyPageSize
	}
	return h.settings.PageSize
}

func parseCursorParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return history.Epoch, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	syncTS, err := parseCursorParam(c.Query("sync_ts"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid sync_ts")
		return
	}
	historyTS, err := parseCursorParam(c.Query("history_ts"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid history_ts")
		return
	}
	cursor, err := history.NewCursor(syncTS, historyTS)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.database.ListHistory(c.Request.Context(), storage.ListQuery{
		UserID:   user.ID,
		Cursor:   cursor,
		Host:     c.Query("host"),
		Filter:   h.settings.HostFilter,
		PageSize: h.pageSize(c),
	})
	if err != nil {
		h.logger.Error("failed to load history", zap.Int64("user_id", user.ID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to load history")
		return
	}

	data := make([]string, 0, len(entries))
	for _, entry := range entries {
		data = append(data, entry.Data)
	}
	next := cursor.Advance(entries)
	c.JSON(http.StatusOK, api.SyncHistoryResponse{
		History: data,
		Cursor:  api.Cursor{SyncTS: next.SyncTS, HistoryTS: next.HistoryTS},
	})
}

// handleAddHistory inserts the batch. Entries with an invalid id, hostname or timestamp, or
// with data longer than the configured limit, are dropped and the rest are kept.
func (h *httpHandler) handleAddHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request []api.AddHistoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	entries := make([]history.NewEntry, 0, len(request))
	dropped := 0
	for _, item := range request {
		clientID, idErr := history.NewClientID(item.ID)
		hostname, hostErr := history.NewHostname(item.Hostname)
		timestamp, timeErr := history.NewTimestamp(item.Timestamp)
		oversized := h.settings.MaxHistoryLength > 0 && len(item.Data) > h.settings.MaxHistoryLength
		if idErr != nil || hostErr != nil || timeErr != nil || oversized {
			dropped++
			continue
		}
		entries = append(entries, history.NewEntry{
			ClientID:  clientID,
			UserID:    user.ID,
			Hostname:  hostname,
			Timestamp: timestamp,
			Data:      item.Data,
		})
	}
	if dropped > 0 {
		h.logger.Warn("dropped history entries from upload",
			zap.Int64("user_id", user.ID),
			zap.Int("dropped", dropped),
			zap.Int("max_length", h.settings.MaxHistoryLength))
	}

	if err := h.database.AddHistory(c.Request.Context(), entries); err != nil {
		h.logger.Error("failed to add history", zap.Int64("user_id", user.ID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to add history")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleDeleteHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request api.DeleteHistoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	clientID, err := history.NewClientID(request.ClientID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.database.DeleteHistory(c.Request.Context(), user.ID, clientID); err != nil {
		h.logger.Error("failed to delete history", zap.Int64("user_id", user.ID), zap.String("client_id", clientID.String()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to delete history")
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{Message: "deleted OK"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := c.Request.Context()

	count, err := h.countHistory(ctx, user.ID)
	if err != nil {
		h.logger.Error("failed to query history count", zap.Int64("user_id", user.ID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to query history count")
		return
	}
	deleted, err := h.database.DeletedHistory(ctx, user.ID)
	if err != nil {
		h.logger.Error("failed to list deleted history", zap.Int64("user_id", user.ID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to list deleted history")
		return
	}

	c.JSON(http.StatusOK, api.StatusResponse{
		Count:    count,
		Deleted:  deleted,
		Username: user.Username,
		Version:  h.settings.Version,
		PageSize: h.pageSize(c),
	})
}

func (h *httpHandler) handleCalendar(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	focus, err := history.ParseCalendarFocus(c.Param("focus"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	year, err := intQuery(c, "year", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid year")
		return
	}
	month, err := intQuery(c, "month", 1)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid month")
		return
	}
	if _, err := history.ParseTimezone(c.Query("tz")); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	period, err := history.NewCalendarPeriod(history.CalendarPeriodConfig{Focus: focus, Year: year, Month: month})
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.database.Calendar(c.Request.Context(), user.ID, period)
	if err != nil {
		fields := []zap.Field{zap.Int64("user_id", user.ID), zap.Error(err)}
		var storageErr *storage.Error
		if errors.As(err, &storageErr) {
			fields = append(fields, zap.String("code", storageErr.Code()))
		}
		h.logger.Error("failed to build calendar", fields...)
		respondError(c, http.StatusInternalServerError, "failed to build calendar")
		return
	}

	response := make(map[string]api.CalendarBucket, len(buckets))
	for key, bucket := range buckets {
		response[key] = api.CalendarBucket{Count: bucket.Count, Hash: bucket.Hash}
	}
	c.JSON(http.StatusOK, response)
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
