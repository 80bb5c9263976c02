package appointment

import (
	"fmt"
	"time"
)

const (
	slotStep   = 15 * time.Minute
	slotLayout = "15:04:05"
	dateLayout = "2006-01-02"
	// WireLayout is the dateTime format sent to the scheduling service.
	WireLayout = "2006-01-02T15:04:05Z"
)

// Durations are the appointment lengths offered, in minutes.
var Durations = []int{15, 30, 45, 60, 90, 120}

// Slots returns every selectable start time, 00:00:00 through 23:45:00 in
// 15 minute steps.
func Slots() []string {
	out := make([]string, 0, int(24*time.Hour/slotStep))
	for off := time.Duration(0); off < 24*time.Hour; off += slotStep {
		out = append(out, formatOffset(off))
	}
	return out
}

// slotOffset returns the offset from midnight for a slot label.
func slotOffset(slot string) (time.Duration, error) {
	t, err := time.Parse(slotLayout, slot)
	if err != nil {
		// HTML time inputs drop the seconds.
		if t, err = time.Parse("15:04", slot); err != nil {
			return 0, fmt.Errorf("start time %q: expected HH:MM:SS", slot)
		}
	}
	off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if off%slotStep != 0 {
		return 0, fmt.Errorf("start time %q is not a %s slot", slot, slotStep)
	}
	return off, nil
}

func validDuration(minutes int) bool {
	for _, d := range Durations {
		if d == minutes {
			return true
		}
	}
	return false
}

func formatOffset(off time.Duration) string {
	return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(off).Format(slotLayout)
}
