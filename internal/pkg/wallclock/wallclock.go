// Package wallclock computes local calendar boundaries (midnight, week start, month reset day).
package wallclock

import "time"

// Period identifies a snapshot boundary.
type Period string

const (
	Day   Period = "day"
	Week  Period = "week"
	Month Period = "month"
)

// Periods lists every period in capture order.
var Periods = []Period{Day, Week, Month}

// MinMonthDay and MaxMonthDay bound the monthly reset day. Days above 28 do not exist in every month.
const (
	MinMonthDay = 1
	MaxMonthDay = 28
)

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NextMidnight returns the first local midnight strictly after t.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// MostRecentBoundary returns the latest boundary of p at or before now.
func MostRecentBoundary(p Period, now time.Time, monthDay int) time.Time {
	day := StartOfDay(now)
	switch p {
	case Week:
		back := (int(day.Weekday()) + 6) % 7
		y, m, d := day.Date()
		return time.Date(y, m, d-back, 0, 0, 0, 0, now.Location())
	case Month:
		y, m, d := day.Date()
		if d < monthDay {
			m--
		}
		return time.Date(y, m, monthDay, 0, 0, 0, 0, now.Location())
	default:
		return day
	}
}

// ValidMonthDay reports whether d can be used as a monthly reset day.
func ValidMonthDay(d int) bool {
	return d >= MinMonthDay && d <= MaxMonthDay
}
