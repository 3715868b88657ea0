package database

import "time"

// WeekStart returns the Monday of t's ISO week as YYYY-MM-DD (UTC).
func WeekStart(t time.Time) string {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset).Format("2006-01-02")
}

// FormatWeekDisplay formats a week_start for human-readable display.
// "2026-02-02" becomes "Week of Feb 02, 2026".
func FormatWeekDisplay(weekStart string) string {
	d, err := time.Parse("2006-01-02", weekStart)
	if err != nil {
		return weekStart
	}
	return "Week of " + d.Format("Jan 02, 2006")
}
