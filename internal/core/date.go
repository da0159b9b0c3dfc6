package core

import (
	"time"

	"github.com/jinzhu/now"
)

// NextMonthly advances t by one calendar month, clamping the day to
// the last valid day of the target month. The clamp carries forward:
// Jan 31 -> Feb 29 (leap) -> Mar 29, not back to the 31st. Time of day
// and location are preserved.
func NextMonthly(t time.Time) time.Time {
	year, month, day := t.Date()
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, t.Location())
	lastDay := now.New(firstOfNext).EndOfMonth().Day()
	if day > lastDay {
		day = lastDay
	}
	hour, min, sec := t.Clock()
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}
