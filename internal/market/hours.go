// Package market knows the KRX trading calendar.
//
// The regular session runs 09:00–15:30 in Asia/Seoul time. Two windows are
// exposed because the read path and the order path disagree at the close:
// IsOpen uses [09:00, 15:30) and drives quote freshness fallback, while
// InTradingWindow uses [09:00, 15:30] so an order stamped exactly at the
// closing bell is still accepted.
package market

import "time"

const (
	openSecond  = 9 * 3600        // 09:00:00
	closeSecond = 15*3600 + 30*60 // 15:30:00
)

var seoul = loadSeoul()

func loadSeoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		// KST has no DST, a fixed offset is equivalent
		return time.FixedZone("KST", 9*3600)
	}
	return loc
}

func secondOfDay(t time.Time) int {
	kst := t.In(seoul)
	h, m, s := kst.Clock()
	return h*3600 + m*60 + s
}

// IsOpen reports whether the KRX regular session is open at t.
func IsOpen(t time.Time) bool {
	s := secondOfDay(t)
	return s >= openSecond && s < closeSecond
}

// IsOpenNow reports whether the session is open at the current wall time.
func IsOpenNow() bool {
	return IsOpen(time.Now())
}

// InTradingWindow reports whether t falls inside the order acceptance
// window, which includes the closing second itself.
func InTradingWindow(t time.Time) bool {
	s := secondOfDay(t)
	return s >= openSecond && s <= closeSecond
}

// DayKey returns the KST calendar day of t as yyyy-mm-dd. Daily order
// counters reset when this value changes.
func DayKey(t time.Time) string {
	return t.In(seoul).Format("2006-01-02")
}
