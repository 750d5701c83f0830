// Package calendar walks a site's history backwards one calendar period at
// a time, localized to the site's time zone.
package calendar

import (
	"time"

	"solar-history/internal/models"
)

// Localize reads the wall clock of naive (its location is ignored) as a
// local time in loc. The UTC offset comes from loc's rules for that local
// date, so a date on the far side of a DST transition gets its own offset.
// A wall clock skipped by a forward transition resolves to the first
// instant after the gap.
func Localize(naive time.Time, loc *time.Location) time.Time {
	y, m, d := naive.Date()
	hh, mm, ss := naive.Clock()
	t := time.Date(y, m, d, hh, mm, ss, naive.Nanosecond(), loc)

	want := time.Date(y, m, d, hh, mm, ss, naive.Nanosecond(), time.UTC)
	switch got := wallClock(t); {
	case got.Before(want):
		_, end := t.ZoneBounds()
		if !end.IsZero() {
			return end
		}
	case got.After(want):
		start, _ := t.ZoneBounds()
		if !start.IsZero() {
			return start
		}
	}
	return t
}

// wallClock returns the local wall clock of t as a UTC time
func wallClock(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, t.Nanosecond(), time.UTC)
}

// Bounds returns the first and last second of the period of the given kind
// containing instant t in loc.
func Bounds(kind models.SeriesKind, t time.Time, loc *time.Location) (start, end time.Time) {
	y, m, d := t.In(loc).Date()
	return dayBounds(kind, y, m, d, loc)
}

func dayBounds(kind models.SeriesKind, y int, m time.Month, d int, loc *time.Location) (start, end time.Time) {
	if kind == models.SeriesEnergy {
		start = Localize(time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), loc)
		next := Localize(time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC), loc)
		return start, next.Add(-time.Second)
	}

	start = Localize(time.Date(y, m, d, 0, 0, 0, 0, time.UTC), loc)
	next := Localize(time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC), loc)
	return start, next.Add(-time.Second)
}

// Cursor yields periods newest first, from the one containing "now" back to
// the one containing the installation instant.
type Cursor struct {
	kind         models.SeriesKind
	loc          *time.Location
	installation time.Time
	anchor       time.Time
	yielded      int
	done         bool
}

// NewCursor creates a cursor positioned on the period containing now.
// A now exactly on a period boundary belongs to the period it starts.
func NewCursor(kind models.SeriesKind, loc *time.Location, now, installation time.Time) *Cursor {
	return &Cursor{
		kind:         kind,
		loc:          loc,
		installation: installation,
		anchor:       now.In(loc),
	}
}

// Next returns the next older period. It returns false once a period would
// end at or before the installation instant.
func (c *Cursor) Next() (models.Period, bool) {
	if c.done {
		return models.Period{}, false
	}

	y, m, d := c.anchor.In(c.loc).Date()
	start, end := dayBounds(c.kind, y, m, d, c.loc)
	if !end.After(c.installation) {
		c.done = true
		return models.Period{}, false
	}

	p := models.Period{
		Kind:     c.kind,
		Date:     periodDate(c.kind, y, m, d),
		Start:    start,
		End:      end,
		IsLatest: c.yielded == 0,
	}
	c.yielded++

	// Step into the previous period; Bounds re-localizes from its wall clock.
	c.anchor = start.Add(-time.Second)
	return p, true
}

// periodDate is the local calendar date naming the period, held in UTC
func periodDate(kind models.SeriesKind, y int, m time.Month, d int) time.Time {
	if kind == models.SeriesEnergy {
		d = 1
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Yielded returns how many periods the cursor has produced
func (c *Cursor) Yielded() int {
	return c.yielded
}
