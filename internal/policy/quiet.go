package policy

import (
	"time"

	"herald/internal/task"
)

// quietWindow is [start, end) in owner-local minutes of day. start > end
// wraps past midnight.
type quietWindow struct {
	start, end task.ClockTime
}

// parseQuiet returns false for disabled, unparsable or zero-length windows.
func parseQuiet(q task.QuietHours) (quietWindow, bool) {
	if !q.Enabled() {
		return quietWindow{}, false
	}
	start, err := task.ParseClock(q.Start)
	if err != nil {
		return quietWindow{}, false
	}
	end, err := task.ParseClock(q.End)
	if err != nil {
		return quietWindow{}, false
	}
	if start == end {
		return quietWindow{}, false
	}
	return quietWindow{start: start, end: end}, true
}

func (w quietWindow) contains(local time.Time) bool {
	m := local.Hour()*60 + local.Minute()
	s, e := w.start.Minutes(), w.end.Minutes()
	if s < e {
		return m >= s && m < e
	}
	return m >= s || m < e
}

// nextEnd is the first owner-local occurrence of the window end after local.
func (w quietWindow) nextEnd(local time.Time) time.Time {
	y, mo, d := local.Date()
	at := time.Date(y, mo, d, w.end.Hour, w.end.Minute, 0, 0, local.Location())
	if !at.After(local) {
		at = time.Date(y, mo, d+1, w.end.Hour, w.end.Minute, 0, 0, local.Location())
	}
	return at
}
