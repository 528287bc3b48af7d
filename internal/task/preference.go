package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel is a delivery medium with its own gateway.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

// ClockTime is an "HH:MM" wall-clock time.
type ClockTime struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return ClockTime{}, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

func (c ClockTime) Minutes() int   { return c.Hour*60 + c.Minute }
func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// QuietHours is an owner-local window; Start > End wraps past midnight.
// Empty Start or End disables the window.
type QuietHours struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

func (q QuietHours) Enabled() bool {
	return strings.TrimSpace(q.Start) != "" && strings.TrimSpace(q.End) != ""
}

// Filter holds the per-kind thresholds and keywords for alert kinds.
type Filter struct {
	MinDiscountPct float64  `json:"min_discount_pct,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
}

// Preference is owned by the API layer; the engine only reads it.
type Preference struct {
	Owner      string             `json:"owner"`
	OptedIn    bool               `json:"opted_in"`
	QuietHours QuietHours         `json:"quiet_hours,omitempty"`
	Channels   []Channel          `json:"channels"`
	Recipients map[Channel]string `json:"recipients"`
	Timezone   string             `json:"timezone,omitempty"`
	Filters    map[Kind]Filter    `json:"filters,omitempty"`
	MaxPerDay  int                `json:"max_per_day,omitempty"`
}

func (p Preference) Filter(k Kind) Filter {
	if p.Filters == nil {
		return Filter{}
	}
	return p.Filters[k]
}
