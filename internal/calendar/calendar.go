// Package calendar holds the working-day arithmetic behind reminder and
// deadline scheduling. Everything here is a pure function of local wall-clock
// time.
//
// Known limitation: results are plain local-time comparisons and are not safe
// against clock changes (DST transitions, NTP jumps, manual clock edits). A
// backward clock step across a deadline can re-open the acknowledgement
// window; the record read in ackflow keeps terminal states terminal, so the
// effect is bounded to extra time, never a reverted decision.
package calendar

import (
	"fmt"
	"time"
)

// DayKey formats t as the local-time calendar day identifier YYYYMMDD.
func DayKey(t time.Time) string {
	return t.Format("20060102")
}

// ParseDayKey parses a YYYYMMDD key into midnight local time of that day.
func ParseDayKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation("20060102", key, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day key %q: %w", key, err)
	}
	return t, nil
}

// IsWeekend reports whether t falls on a Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// WithinWorkingHours reports whether t's hour is inside [startHour, endHour).
func WithinWorkingHours(t time.Time, startHour, endHour int) bool {
	h := t.Hour()
	return h >= startHour && h < endHour
}

// NextWorkingDeadline returns the deadline on the next working day after t:
// the following calendar day at deadlineHour local time, advanced day-by-day
// until it lands on a non-weekend day.
func NextWorkingDeadline(t time.Time, deadlineHour int) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day()+1, deadlineHour, 0, 0, 0, t.Location())
	for IsWeekend(d) {
		d = time.Date(d.Year(), d.Month(), d.Day()+1, deadlineHour, 0, 0, 0, d.Location())
	}
	return d
}

// DeadlineForDayKey computes the acknowledgement deadline for the day named
// by key: the next working day after that day, at deadlineHour.
func DeadlineForDayKey(key string, deadlineHour int) (time.Time, error) {
	base, err := ParseDayKey(key)
	if err != nil {
		return time.Time{}, err
	}
	return NextWorkingDeadline(base, deadlineHour), nil
}

// NextDailyRun returns the next occurrence of targetHour:00 local time that
// is strictly after now and not on a weekend.
func NextDailyRun(now time.Time, targetHour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), targetHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	for IsWeekend(next) {
		next = time.Date(next.Year(), next.Month(), next.Day()+1, targetHour, 0, 0, 0, next.Location())
	}
	return next
}
