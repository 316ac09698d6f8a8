// Package calendar computes the confirmation date of a fund trade from its
// submission timestamp: orders placed on a trading day strictly before the
// 15:00 cutoff confirm against that day's NAV, anything later confirms
// against the next trading day. Only weekends are excluded; exchange
// holidays are a future extension.
package calendar

import "time"

// DateFormat is the wire format for confirmation dates.
const DateFormat = "2006-01-02"

// cutoffHour is the order cutoff. 15:00 sharp already counts as after-cutoff.
const cutoffHour = 15

// IsTradingDay reports whether d falls on a weekday.
func IsTradingDay(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// NextTradingDay returns the first trading day strictly after d.
func NextTradingDay(d time.Time) time.Time {
	n := d.AddDate(0, 0, 1)
	for !IsTradingDay(n) {
		n = n.AddDate(0, 0, 1)
	}
	return n
}

// ConfirmDate returns the calendar date whose NAV settles a trade submitted
// at ts. The timestamp's own wall clock is compared against the cutoff; no
// timezone conversion is applied. A zero ts means "now" in local time.
func ConfirmDate(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now()
	}
	d := midnightUTC(ts)
	if !IsTradingDay(d) {
		return NextTradingDay(d)
	}
	if ts.Hour() >= cutoffHour {
		return NextTradingDay(d)
	}
	return d
}

// midnightUTC keeps the wall-clock date of ts and pins it to midnight UTC so
// confirmation dates compare and store as plain dates.
func midnightUTC(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
