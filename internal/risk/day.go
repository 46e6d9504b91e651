package risk

import "time"

// DayOpen returns 00:00 UTC of the day containing now.
func DayOpen(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextDayOpen returns the next 00:00 UTC after now.
func NextDayOpen(now time.Time) time.Time {
	return DayOpen(now).Add(24 * time.Hour)
}

// SameDay checks if a and b fall on the same UTC day.
func SameDay(a, b time.Time) bool {
	return DayOpen(a).Equal(DayOpen(b))
}
