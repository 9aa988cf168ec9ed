package history

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCalendarFocus indicates an unsupported calendar focus selector.
	ErrInvalidCalendarFocus = errors.New("history: invalid calendar focus")
	// ErrInvalidMonth indicates a month outside 1–12.
	ErrInvalidMonth = errors.New("history: invalid month")
	// ErrInvalidYear indicates a negative year.
	ErrInvalidYear = errors.New("history: invalid year")
	// ErrInvalidTimezone indicates an unparseable timezone offset.
	ErrInvalidTimezone = errors.New("history: invalid timezone")
)

// CalendarFocus selects the bucket granularity of a calendar query.
type CalendarFocus string

const (
	// CalendarFocusYear buckets by year.
	CalendarFocusYear CalendarFocus = "year"
	// CalendarFocusMonth buckets the months of a year.
	CalendarFocusMonth CalendarFocus = "month"
	// CalendarFocusDay buckets the days of a month.
	CalendarFocusDay CalendarFocus = "day"
)

// ParseCalendarFocus validates the path selector.
func ParseCalendarFocus(rawInput string) (CalendarFocus, error) {
	switch CalendarFocus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CalendarFocusYear:
		return CalendarFocusYear, nil
	case CalendarFocusMonth:
		return CalendarFocusMonth, nil
	case CalendarFocusDay:
		return CalendarFocusDay, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCalendarFocus, rawInput)
	}
}

// CalendarPeriod is a validated aggregation request.
type CalendarPeriod struct {
	focus CalendarFocus
	year  int
	month time.Month
}

// CalendarPeriodConfig describes the inputs required to build a CalendarPeriod.
type CalendarPeriodConfig struct {
	Focus CalendarFocus
	Year  int
	Month int
}

// NewCalendarPeriod validates the provided configuration and returns a CalendarPeriod.
// Year zero means the current year and is resolved at aggregation time.
func NewCalendarPeriod(cfg CalendarPeriodConfig) (CalendarPeriod, error) {
	switch cfg.Focus {
	case CalendarFocusYear, CalendarFocusMonth, CalendarFocusDay:
	default:
		return CalendarPeriod{}, fmt.Errorf("%w: %q", ErrInvalidCalendarFocus, cfg.Focus)
	}
	if cfg.Year < 0 {
		return CalendarPeriod{}, fmt.Errorf("%w: %d", ErrInvalidYear, cfg.Year)
	}
	if cfg.Month < 1 || cfg.Month > 12 {
		return CalendarPeriod{}, fmt.Errorf("%w: %d", ErrInvalidMonth, cfg.Month)
	}
	return CalendarPeriod{focus: cfg.Focus, year: cfg.Year, month: time.Month(cfg.Month)}, nil
}

// Focus returns the bucket granularity.
func (p CalendarPeriod) Focus() CalendarFocus {
	return p.focus
}

// Year returns the requested year, zero meaning the current year.
func (p CalendarPeriod) Year() int {
	return p.year
}

// Month returns the requested month.
func (p CalendarPeriod) Month() time.Month {
	return p.month
}

// CalendarBucket is the read-model aggregate for one time bucket.
// Hash is reserved for cache invalidation and is always empty.
type CalendarBucket struct {
	Count int64
	Hash  string
}

// ParseTimezone accepts "UTC", "Z", "+02:00", "-0530" or "+2" style offsets.
func ParseTimezone(rawInput string) (*time.Location, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" || strings.EqualFold(trimmed, "utc") || trimmed == "Z" {
		return time.UTC, nil
	}
	sign := 1
	switch trimmed[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, rawInput)
	}
	body := strings.ReplaceAll(trimmed[1:], ":", "")
	var hours, minutes int
	var err error
	switch len(body) {
	case 1, 2:
		hours, err = strconv.Atoi(body)
	case 4:
		hours, err = strconv.Atoi(body[:2])
		if err == nil {
			minutes, err = strconv.Atoi(body[2:])
		}
	default:
		err = errors.New("unexpected length")
	}
	if err != nil || hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, rawInput)
	}
	offset := sign * (hours*3600 + minutes*60)
	return time.FixedZone(trimmed, offset), nil
}
