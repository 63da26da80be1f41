package calendar

import (
	"testing"
	"time"
)

// 2026-08-28 is a Friday, 2026-08-31 a Monday.
func localDate(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.Local)
}

func TestDayKeyRoundTrip(t *testing.T) {
	t.Parallel()
	in := localDate(2026, time.August, 28, 16, 5)
	key := DayKey(in)
	if key != "20260828" {
		t.Fatalf("DayKey = %q, want 20260828", key)
	}
	back, err := ParseDayKey(key)
	if err != nil {
		t.Fatalf("ParseDayKey error: %v", err)
	}
	if back.Year() != 2026 || back.Month() != time.August || back.Day() != 28 {
		t.Fatalf("ParseDayKey = %v", back)
	}
	if back.Hour() != 0 || back.Minute() != 0 {
		t.Fatalf("ParseDayKey not midnight: %v", back)
	}
}

func TestParseDayKeyInvalid(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"", "2026-08-28", "2026083", "abcdefgh"} {
		if _, err := ParseDayKey(key); err == nil {
			t.Fatalf("ParseDayKey(%q): expected error", key)
		}
	}
}

func TestIsWeekend(t *testing.T) {
	t.Parallel()
	if IsWeekend(localDate(2026, time.August, 28, 12, 0)) {
		t.Fatal("Friday flagged as weekend")
	}
	if !IsWeekend(localDate(2026, time.August, 29, 12, 0)) {
		t.Fatal("Saturday not flagged as weekend")
	}
	if !IsWeekend(localDate(2026, time.August, 30, 12, 0)) {
		t.Fatal("Sunday not flagged as weekend")
	}
}

func TestWithinWorkingHours(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hour int
		want bool
	}{
		{7, false},
		{8, true}, // inclusive start
		{12, true},
		{17, true},
		{18, false}, // exclusive end
		{23, false},
	}
	for _, tt := range tests {
		got := WithinWorkingHours(localDate(2026, time.August, 28, tt.hour, 30), 8, 18)
		if got != tt.want {
			t.Fatalf("WithinWorkingHours(hour=%d) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestNextWorkingDeadline(t *testing.T) {
	t.Parallel()
	monday := localDate(2026, time.August, 31, 8, 0)

	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"thursday to friday", localDate(2026, time.August, 27, 16, 5), localDate(2026, time.August, 28, 8, 0)},
		{"friday skips weekend", localDate(2026, time.August, 28, 16, 5), monday},
		{"saturday to monday", localDate(2026, time.August, 29, 10, 0), monday},
		{"sunday to monday", localDate(2026, time.August, 30, 23, 59), monday},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextWorkingDeadline(tt.from, 8)
			if !got.Equal(tt.want) {
				t.Fatalf("NextWorkingDeadline(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestDeadlineForDayKey(t *testing.T) {
	t.Parallel()
	got, err := DeadlineForDayKey("20260828", 8) // Friday
	if err != nil {
		t.Fatalf("DeadlineForDayKey error: %v", err)
	}
	want := localDate(2026, time.August, 31, 8, 0) // Monday 08:00
	if !got.Equal(want) {
		t.Fatalf("DeadlineForDayKey = %v, want %v", got, want)
	}

	if _, err := DeadlineForDayKey("nope", 8); err == nil {
		t.Fatal("expected error for bad key")
	}
}

func TestNextDailyRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before hour same day", localDate(2026, time.August, 27, 9, 0), localDate(2026, time.August, 27, 16, 0)},
		{"after hour next day", localDate(2026, time.August, 27, 17, 0), localDate(2026, time.August, 28, 16, 0)},
		{"friday evening to monday", localDate(2026, time.August, 28, 17, 0), localDate(2026, time.August, 31, 16, 0)},
		{"saturday to monday", localDate(2026, time.August, 29, 9, 0), localDate(2026, time.August, 31, 16, 0)},
		{"exactly at hour rolls over", localDate(2026, time.August, 27, 16, 0), localDate(2026, time.August, 28, 16, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextDailyRun(tt.now, 16)
			if !got.Equal(tt.want) {
				t.Fatalf("NextDailyRun(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}
