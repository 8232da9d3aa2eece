// Package timeutil provides the Beijing-time (UTC+8) calendar helpers the
// quota engine and user store need for month-boundary resets and record
// timestamps.
package timeutil

import "time"

// Beijing is the fixed UTC+8 zone used for all quota and user-record
// timestamps. A fixed offset is used rather than a named IANA zone because
// China does not observe daylight saving time and the spec calls for a
// constant +08:00 offset.
var Beijing = time.FixedZone("CST", 8*60*60)

// NowBeijing returns the current instant expressed in the Beijing zone.
func NowBeijing() time.Time {
	return time.Now().In(Beijing)
}

// NextMonthBoundary returns the first instant (00:00:00) of the calendar
// month following t, expressed in the Beijing zone. December wraps to
// January of the following year.
func NextMonthBoundary(t time.Time) time.Time {
	bt := t.In(Beijing)
	year, month, _ := bt.Date()
	nextMonth := month + 1
	nextYear := year
	if nextMonth > time.December {
		nextMonth = time.January
		nextYear++
	}
	return time.Date(nextYear, nextMonth, 1, 0, 0, 0, 0, Beijing)
}
