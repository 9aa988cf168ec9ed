package history

import (
	"errors"
	"testing"
)

func TestParseCalendarFocus(testContext *testing.T) {
	testCases := []struct {
		input   string
		want    CalendarFocus
		wantErr bool
	}{
		{input: "year", want: CalendarFocusYear},
		{input: " Month ", want: CalendarFocusMonth},
		{input: "DAY", want: CalendarFocusDay},
		{input: "week", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, testCase := range testCases {
		focus, err := ParseCalendarFocus(testCase.input)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidCalendarFocus) {
				testContext.Fatalf("input %q: expected ErrInvalidCalendarFocus, got %v", testCase.input, err)
			}
			continue
		}
		if err != nil || focus != testCase.want {
			testContext.Fatalf("input %q: got %q, %v", testCase.input, focus, err)
		}
	}
}

func TestNewCalendarPeriodValidates(testContext *testing.T) {
	testCases := []struct {
		name string
		cfg  CalendarPeriodConfig
		want error
	}{
		{name: "valid", cfg: CalendarPeriodConfig{Focus: CalendarFocusDay, Year: 2024, Month: 2}},
		{name: "current-year", cfg: CalendarPeriodConfig{Focus: CalendarFocusMonth, Month: 1}},
		{name: "month-zero", cfg: CalendarPeriodConfig{Focus: CalendarFocusDay, Year: 2024, Month: 0}, want: ErrInvalidMonth},
		{name: "month-thirteen", cfg: CalendarPeriodConfig{Focus: CalendarFocusDay, Year: 2024, Month: 13}, want: ErrInvalidMonth},
		{name: "negative-year", cfg: CalendarPeriodConfig{Focus: CalendarFocusYear, Year: -1, Month: 1}, want: ErrInvalidYear},
		{name: "unknown-focus", cfg: CalendarPeriodConfig{Focus: "week", Month: 1}, want: ErrInvalidCalendarFocus},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			period, err := NewCalendarPeriod(testCase.cfg)
			if testCase.want != nil {
				if !errors.Is(err, testCase.want) {
					testContext.Fatalf("expected %v, got %v", testCase.want, err)
				}
				return
			}
			if err != nil {
				testContext.Fatalf("unexpected error: %v", err)
			}
			if period.Focus() != testCase.cfg.Focus || period.Year() != testCase.cfg.Year || int(period.Month()) != testCase.cfg.Month {
				testContext.Fatalf("unexpected period %+v", period)
			}
		})
	}
}

func TestParseTimezone(testContext *testing.T) {
	testCases := []struct {
		input   string
		offset  int
		wantErr bool
	}{
		{input: "", offset: 0},
		{input: "UTC", offset: 0},
		{input: "Z", offset: 0},
		{input: "+02:00", offset: 2 * 3600},
		{input: "-0530", offset: -(5*3600 + 30*60)},
		{input: "+2", offset: 2 * 3600},
		{input: "Europe/Riga", wantErr: true},
		{input: "+15:00", wantErr: true},
		{input: "+02:75", wantErr: true},
		{input: "+123", wantErr: true},
	}
	for _, testCase := range testCases {
		location, err := ParseTimezone(testCase.input)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidTimezone) {
				testContext.Fatalf("input %q: expected ErrInvalidTimezone, got %v", testCase.input, err)
			}
			continue
		}
		if err != nil {
			testContext.Fatalf("input %q: unexpected error %v", testCase.input, err)
		}
		_, offset := Epoch.In(location).Zone()
		if offset != testCase.offset {
			testContext.Fatalf("input %q: expected offset %d, got %d", testCase.input, testCase.offset, offset)
		}
	}
}
