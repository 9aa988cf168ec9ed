package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func historyTarget(cursor api.Cursor, host string) string {
	query := url.Values{}
	query.Set("sync_ts", cursor.SyncTS.Format(time.RFC3339Nano))
	query.Set("history_ts", cursor.HistoryTS.Format(time.RFC3339Nano))
	query.Set("host", host)
	return "/sync/history?" + query.Encode()
}

func uploadEntries(t *testing.T, server *testServer, token string, entries []api.AddHistoryRequest) {
	t.Helper()
	recorder := server.do(t, http.MethodPost, "/history", encodeJSON(t, entries), withToken(token), withVersion(testClientVersion))
	if recorder.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestListHistoryPagesWithReturnedCursor(testContext *testing.T) {
	settings := defaultTestSettings()
	settings.PageSize = 2
	server := newTestServer(testContext, settings)
	token := server.register(testContext, "alice")

	base := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	uploadEntries(testContext, server, token, []api.AddHistoryRequest{
		{ID: "one", Timestamp: base, Data: "d1", Hostname: "A"},
		{ID: "two", Timestamp: base.Add(time.Minute), Data: "d2", Hostname: "A"},
		{ID: "three", Timestamp: base.Add(2 * time.Minute), Data: "d3", Hostname: "A"},
	})

	cursor := api.Cursor{SyncTS: history.Epoch, HistoryTS: history.Epoch}
	expectedPages := [][]string{{"d1", "d2"}, {"d3"}, {}}
	for index, expected := range expectedPages {
		recorder := server.do(testContext, http.MethodGet, historyTarget(cursor, "A"), "", withToken(token), withVersion(testClientVersion))
		if recorder.Code != http.StatusOK {
			testContext.Fatalf("page %d failed: %d %s", index, recorder.Code, recorder.Body.String())
		}
		page := decodeBody[api.SyncHistoryResponse](testContext, recorder)
		if len(page.History) != len(expected) {
			testContext.Fatalf("page %d: expected %v, got %v", index, expected, page.History)
		}
		for position := range expected {
			if page.History[position] != expected[position] {
				testContext.Fatalf("page %d: expected %v, got %v", index, expected, page.History)
			}
		}
		if len(expected) == 0 && (!page.Cursor.SyncTS.Equal(cursor.SyncTS) || !page.Cursor.HistoryTS.Equal(cursor.HistoryTS)) {
			testContext.Fatalf("empty page must echo the cursor, got %+v", page.Cursor)
		}
		cursor = page.Cursor
	}
}

func TestListHistoryUsesLegacyPageSizeForOldClients(testContext *testing.T) {
	settings := defaultTestSettings()
	settings.LegacyPageSize = 1
	server := newTestServer(testContext, settings)
	token := server.register(testContext, "alice")

	base := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	uploadEntries(testContext, server, token, []api.AddHistoryRequest{
		{ID: "one", Timestamp: base, Data: "d1"},
		{ID: "two", Timestamp: base.Add(time.Minute), Data: "d2"},
	})

	start := api.Cursor{SyncTS: history.Epoch, HistoryTS: history.Epoch}
	testCases := []struct {
		name    string
		options []requestOption
		want    int
	}{
		{name: "no-version", options: []requestOption{withToken(token)}, want: 1},
		{name: "old-version", options: []requestOption{withToken(token), withVersion("0.1.9")}, want: 1},
		{name: "garbage-version", options: []requestOption{withToken(token), withVersion("latest")}, want: 1},
		{name: "paged-version", options: []requestOption{withToken(token), withVersion("0.2.0")}, want: 2},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := server.do(testContext, http.MethodGet, historyTarget(start, ""), "", testCase.options...)
			page := decodeBody[api.SyncHistoryResponse](testContext, recorder)
			if len(page.History) != testCase.want {
				testContext.Fatalf("expected %d entries, got %d", testCase.want, len(page.History))
			}
		})
	}
}

func TestListHistoryRejectsInvalidCursors(testContext *testing.T) {
	server := newTestServer(testContext, defaultTestSettings())
	token := server.register(testContext, "alice")

	testCases := []struct {
		name   string
		target string
	}{
		{name: "negative-sync", target: "/sync/history?sync_ts=1969-12-31T23:59:59Z&history_ts=1970-01-01T00:00:00Z"},
		{name: "negative-history", target: "/sync/history?sync_ts=1970-01-01T00:00:00Z&history_ts=1900-01-01T00:00:00Z"},
		{name: "malformed", target: "/sync/history?sync_ts=yesterday"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := server.do(testContext, http.MethodGet, testCase.target, "", withToken(token))
			if recorder.Code != http.StatusBadRequest {
				testContext.Fatalf("expected 400, got %d %s", recorder.Code, recorder.Body.String())
			}
			if decodeBody[api.ErrorResponse](testContext, recorder).Reason == "" {
				testContext.Fatalf("expected a reason in %s", recorder.Body.String())
			}
		})
	}
}

func TestAddHistoryKeepsValidEntriesOfPartialBatch(testContext *testing.T) {
	settings := defaultTestSettings()
	settings.MaxHistoryLength = 8
	server := newTestServer(testContext, settings)
	token := server.register(testContext, "alice")

	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	recorder := server.do(testContext, http.MethodPost, "/history", encodeJSON(testContext, []api.AddHistoryRequest{
		{ID: "short", Timestamp: now, Data: "tiny"},
		{ID: "long", Timestamp: now, Data: "far too long for the limit"},
		{ID: " ", Timestamp: now, Data: "x"},
	}), withToken(token))
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{}` {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}

	count := decodeBody[api.CountResponse](testContext, server.do(testContext, http.MethodGet, "/sync/count", "", withToken(token)))
	if count.Count != 1 {
		testContext.Fatalf("expected only the valid entry to be stored, got %d", count.Count)
	}
}

func TestAddHistoryDropsUnstorableTimestamps(testContext *testing.T) {
	server := newTestServer(testContext, defaultTestSettings())
	token := server.register(testContext, "alice")

	valid := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	recorder := server.do(testContext, http.MethodPost, "/history", encodeJSON(testContext, []api.AddHistoryRequest{
		{ID: "unset", Data: "d0"},
		{ID: "pre-epoch", Timestamp: time.Date(1600, time.June, 1, 0, 0, 0, 0, time.UTC), Data: "d1"},
		{ID: "far-future", Timestamp: time.Date(2300, time.June, 1, 0, 0, 0, 0, time.UTC), Data: "d2"},
		{ID: "valid", Timestamp: valid, Data: "d3"},
	}), withToken(token))
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}

	page := decodeBody[api.SyncHistoryResponse](testContext, server.do(testContext, http.MethodGet, historyTarget(api.Cursor{SyncTS: history.Epoch, HistoryTS: history.Epoch}, ""), "", withToken(token), withVersion(testClientVersion)))
	if len(page.History) != 1 || page.History[0] != "d3" {
		testContext.Fatalf("expected only the valid entry, got %v", page.History)
	}
	if !page.Cursor.HistoryTS.Equal(valid) {
		testContext.Fatalf("expected the stored timestamp to round trip, got %v", page.Cursor.HistoryTS)
	}
}

func TestAddHistoryRejectsMalformedBody(testContext *testing.T) {
	server := newTestServer(testContext, defaultTestSettings())
	token := server.register(testContext, "alice")

	recorder := server.do(testContext, http.MethodPost, "/history", `{"not":"a list"}`, withToken(token))
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestDeleteHistoryAndStatus(testContext *testing.T) {
	server := newTestServer(testContext, defaultTestSettings())
	token := server.register(testContext, "alice")

	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	uploadEntries(testContext, server, token, []api.AddHistoryRequest{
		{ID: "one", Timestamp: now, Data: "d1"},
		{ID: "two", Timestamp: now, Data: "d2"},
	})

	for _, clientID := range []string{"one", "one", "never-uploaded"} {
		recorder := server.do(testContext, http.MethodDelete, "/history", encodeJSON(testContext, api.DeleteHistoryRequest{ClientID: clientID}), withToken(token))
		if recorder.Code != http.StatusOK {
			testContext.Fatalf("delete %s failed: %d", clientID, recorder.Code)
		}
		if decodeBody[api.MessageResponse](testContext, recorder).Message != "deleted OK" {
			testContext.Fatalf("unexpected delete body %s", recorder.Body.String())
		}
	}

	status := decodeBody[api.StatusResponse](testContext, server.do(testContext, http.MethodGet, "/sync/status", "", withToken(token), withVersion(testClientVersion)))
	if status.Username != "alice" || status.Count != 2 || status.PageSize != 1100 {
		testContext.Fatalf("unexpected status %+v", status)
	}
	if len(status.Deleted) != 1 || status.Deleted[0] != "one" {
		testContext.Fatalf("unexpected deleted ids %v", status.Deleted)
	}

	page := decodeBody[api.SyncHistoryResponse](testContext, server.do(testContext, http.MethodGet, historyTarget(api.Cursor{SyncTS: history.Epoch, HistoryTS: history.Epoch}, ""), "", withToken(token)))
	if len(page.History) != 1 || page.History[0] != "d2" {
		testContext.Fatalf("tombstoned entry must not be listed, got %v", page.History)
	}
}

func TestCalendarValidatesBeforeQuerying(testContext *testing.T) {
	server := newTestServer(testContext, defaultTestSettings())
	token := server.register(testContext, "alice")

	testCases := []struct {
		name   string
		target string
		status int
	}{
		{name: "unknown-focus", target: "/sync/calendar/week", status: http.StatusBadRequest},
		{name: "month-zero", target: "/sync/calendar/day?month=0", status: http.StatusBadRequest},
		{name: "month-thirteen", target: "/sync/calendar/day?month=13", status: http.StatusBadRequest},
		{name: "bad-year", target: "/sync/calendar/month?year=twenty", status: http.StatusBadRequest},
		{name: "bad-timezone", target: "/sync/calendar/month?tz=Mars/Olympus", status: http.StatusBadRequest},
		{name: "offset-timezone", target: "/sync/calendar/month?year=2024&tz=%2B02:00", status: http.StatusOK},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := server.do(testContext, http.MethodGet, testCase.target, "", withToken(token))
			if recorder.Code != testCase.status {
				testContext.Fatalf("expected %d, got %d %s", testCase.status, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestCalendarDayBuckets(testContext *testing.T) {
	server := newTestServer(testContext, defaultTestSettings())
	token := server.register(testContext, "alice")

	uploadEntries(testContext, server, token, []api.AddHistoryRequest{
		{ID: "one", Timestamp: time.Date(2024, time.February, 3, 10, 0, 0, 0, time.UTC), Data: "d1"},
		{ID: "two", Timestamp: time.Date(2024, time.February, 3, 23, 0, 0, 0, time.UTC), Data: "d2"},
		{ID: "three", Timestamp: time.Date(2024, time.February, 29, 12, 0, 0, 0, time.UTC), Data: "d3"},
	})

	recorder := server.do(testContext, http.MethodGet, "/sync/calendar/day?year=2024&month=2", "", withToken(token))
	buckets := decodeBody[map[string]api.CalendarBucket](testContext, recorder)
	if len(buckets) != 28 {
		testContext.Fatalf("expected 28 day buckets, got %d", len(buckets))
	}
	if buckets["3"].Count != 2 {
		testContext.Fatalf("expected 2 entries on the 3rd, got %+v", buckets["3"])
	}
	if _, ok := buckets["29"]; ok {
		testContext.Fatalf("the last day of the month is not reported")
	}
}

type countFallbackBackend struct {
	storage.Backend
	cachedErr error
	exact     int64
	exactErr  error
}

func (b *countFallbackBackend) CountHistoryCached(context.Context, int64) (int64, error) {
	return 0, b.cachedErr
}

func (b *countFallbackBackend) CountHistory(context.Context, int64) (int64, error) {
	return b.exact, b.exactErr
}

func TestHandleCountFallsBackToExactCount(testContext *testing.T) {
	testCases := []struct {
		name     string
		backend  *countFallbackBackend
		status   int
		expected string
	}{
		{
			name:     "cache-missing",
			backend:  &countFallbackBackend{cachedErr: storage.ErrNotFound, exact: 5},
			status:   http.StatusOK,
			expected: `{"count":5}`,
		},
		{
			name:     "cache-failing",
			backend:  &countFallbackBackend{cachedErr: errors.New("cache table locked"), exact: 7},
			status:   http.StatusOK,
			expected: `{"count":7}`,
		},
		{
			name:     "both-failing",
			backend:  &countFallbackBackend{cachedErr: errors.New("cache table locked"), exactErr: errors.New("disk gone")},
			status:   http.StatusInternalServerError,
			expected: `{"reason":"failed to query history count"}`,
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			context.Set(userContextKey, history.User{ID: 1, Username: "alice"})
			context.Request = httptest.NewRequest(http.MethodGet, "/sync/count", http.NoBody)

			database, err := storage.New(storage.Config{Backend: testCase.backend})
			if err != nil {
				testContext.Fatalf("failed to wrap backend: %v", err)
			}
			handler := &httpHandler{database: database, logger: zap.NewNop()}

			handler.handleCount(context)

			if recorder.Code != testCase.status {
				testContext.Fatalf("expected status %d, got %d", testCase.status, recorder.Code)
			}
			if recorder.Body.String() != testCase.expected {
				testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}
}
