package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// DayBoundaryHour splits calendar days for timeline bucketing: a "day" runs
// 04:00 to the next 04:00, so late-night activity stays with the evening it
// belongs to.
const DayBoundaryHour = 4

const dayFormat = "2006-01-02"

var clockLayouts = []string{"3:04 PM", "15:04", "3:04PM"}

// ClockTime is a wall-clock time of day with no date attached.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock accepts the clock strings the model emits, both 12-hour
// ("3:04 PM") and 24-hour ("15:04") forms.
func ParseClock(s string) (ClockTime, error) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(trimmed)); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return ClockTime{}, fmt.Errorf("unparseable clock time %q", s)
}

func (c ClockTime) String() string {
	return time.Date(0, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("3:04 PM")
}

// MinutesFromMidnight returns the clock time as minutes past 00:00.
func (c ClockTime) MinutesFromMidnight() int {
	return c.Hour*60 + c.Minute
}

// FormatClock renders t in the card display format.
func FormatClock(t time.Time) string {
	return t.Format("3:04 PM")
}

// ResolveClock maps a dateless clock time to an absolute time near anchor.
// Candidates are the clock time on anchor's previous, same, and next
// calendar day; the one numerically closest to anchor wins. This
// disambiguates midnight-adjacent times inside a window that straddles a
// day boundary. Known to be a heuristic: windows that cross midnight twice
// in quick succession can still pick the wrong day, so callers anchor on
// the window midpoint to keep candidates well separated.
func ResolveClock(c ClockTime, anchor time.Time) time.Time {
	loc := anchor.Location()
	base := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), c.Hour, c.Minute, 0, 0, loc)

	best := base
	bestDist := absDuration(base.Sub(anchor))
	for _, dayOffset := range []int{-1, 1} {
		cand := base.AddDate(0, 0, dayOffset)
		if d := absDuration(cand.Sub(anchor)); d < bestDist {
			best = cand
			bestDist = d
		}
	}
	return best
}

// DayBucket assigns t to its 4 AM-rule day string. 02:00 belongs to the
// previous calendar day; 05:00 belongs to the current one.
func DayBucket(t time.Time) string {
	if t.Hour() < DayBoundaryHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format(dayFormat)
}

// DayRange returns the [from, to) absolute bounds of a day bucket in loc.
func DayRange(day string, loc *time.Location) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(dayFormat, day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("unparseable day %q", day)
	}
	from := time.Date(d.Year(), d.Month(), d.Day(), DayBoundaryHour, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
