package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"go.uber.org/zap"
)

type calendarSpan struct {
	key   string
	start time.Time
	end   time.Time
}

// Calendar aggregates a user's live history into buckets. It is implemented once, in terms of
// CountHistoryRange, so every backend shares the same bucketing. All buckets are UTC.
//
// Day buckets cover days 1 through daysInMonth-1: the last day of the month is not
// reported. Existing clients depend on this shape.
func (d *Database) Calendar(ctx context.Context, userID int64, period history.CalendarPeriod) (map[string]history.CalendarBucket, error) {
	spans, err := d.calendarSpans(ctx, userID, period)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]history.CalendarBucket, len(spans))
	for _, span := range spans {
		count, countErr := d.CountHistoryRange(ctx, userID, span.start, span.end)
		if countErr != nil {
			d.logger.Error("calendar bucket count failed",
				zap.String("operation", opCalendar),
				zap.Int64("user_id", userID),
				zap.String("bucket", span.key),
				zap.Error(countErr))
			return nil, NewError(opCalendar, "range_count_failed", countErr)
		}
		buckets[span.key] = history.CalendarBucket{Count: count, Hash: ""}
	}
	return buckets, nil
}

func (d *Database) calendarSpans(ctx context.Context, userID int64, period history.CalendarPeriod) ([]calendarSpan, error) {
	now := d.clock().UTC()
	year := period.Year()
	if year == 0 {
		year = now.Year()
	}

	switch period.Focus() {
	case history.CalendarFocusYear:
		firstYear := now.Year()
		oldest, err := d.OldestHistory(ctx, userID)
		switch {
		case err == nil:
			firstYear = oldest.Timestamp.UTC().Year()
		case IsNotFound(err):
		default:
			return nil, NewError(opCalendar, "oldest_lookup_failed", err)
		}
		spans := make([]calendarSpan, 0, now.Year()-firstYear+1)
		for y := firstYear; y <= now.Year(); y++ {
			start := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
			spans = append(spans, calendarSpan{key: strconv.Itoa(y), start: start, end: start.AddDate(1, 0, 0)})
		}
		return spans, nil

	case history.CalendarFocusMonth:
		spans := make([]calendarSpan, 0, 12)
		for m := time.January; m <= time.December; m++ {
			start := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
			spans = append(spans, calendarSpan{key: strconv.Itoa(int(m)), start: start, end: start.AddDate(0, 1, 0)})
		}
		return spans, nil

	case history.CalendarFocusDay:
		lastDay := DaysInMonth(year, period.Month())
		spans := make([]calendarSpan, 0, lastDay)
		for day := 1; day < lastDay; day++ {
			start := time.Date(year, period.Month(), day, 0, 0, 0, 0, time.UTC)
			spans = append(spans, calendarSpan{key: strconv.Itoa(day), start: start, end: start.AddDate(0, 0, 1)})
		}
		return spans, nil

	default:
		return nil, NewError(opCalendar, "invalid_focus", history.ErrInvalidCalendarFocus)
	}
}

// DaysInMonth returns the number of calendar days in the month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
