package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-history/internal/models"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()

	loc, err := time.LoadLocation(name)
	require.NoError(t, err)

	return loc
}

func offsetHours(ts time.Time) int {
	_, off := ts.Zone()
	return off / 3600
}

func collect(c *Cursor) []models.Period {
	var periods []models.Period
	for {
		p, ok := c.Next()
		if !ok {
			return periods
		}
		periods = append(periods, p)
	}
}

func TestLocalizeUsesOffsetOfOwnDate(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")

	beforeFallBack := Localize(time.Date(2023, 11, 4, 0, 0, 0, 0, time.UTC), la)
	afterFallBack := Localize(time.Date(2023, 11, 6, 0, 0, 0, 0, time.UTC), la)

	assert.Equal(t, -7, offsetHours(beforeFallBack))
	assert.Equal(t, -8, offsetHours(afterFallBack))
	assert.Equal(t, 0, afterFallBack.Hour())
}

func TestCursorPowerAcrossSpringForward(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	now := time.Date(2023, 3, 13, 12, 0, 0, 0, la)
	installed := time.Date(2023, 3, 10, 15, 0, 0, 0, la)

	periods := collect(NewCursor(models.SeriesPower, la, now, installed))
	require.Len(t, periods, 4)

	// Mar 13 (PDT), Mar 12 (transition day), Mar 11 (PST), Mar 10 (installation day)
	assert.Equal(t, "2023-03-13", periods[0].Label())
	assert.Equal(t, -7, offsetHours(periods[0].Start))

	transition := periods[1]
	assert.Equal(t, "2023-03-12", transition.Label())
	assert.Equal(t, -8, offsetHours(transition.Start))
	assert.Equal(t, -7, offsetHours(transition.End))
	assert.Equal(t, 23*time.Hour-time.Second, transition.End.Sub(transition.Start))

	assert.Equal(t, -8, offsetHours(periods[2].Start))
	assert.Equal(t, -8, offsetHours(periods[2].End))
	assert.Equal(t, "2023-03-10", periods[3].Label())
}

func TestCursorPowerAcrossFallBack(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	now := time.Date(2023, 11, 6, 8, 0, 0, 0, la)
	installed := time.Date(2023, 11, 4, 8, 0, 0, 0, la)

	periods := collect(NewCursor(models.SeriesPower, la, now, installed))
	require.Len(t, periods, 3)

	assert.Equal(t, -8, offsetHours(periods[0].Start))
	assert.Equal(t, -7, offsetHours(periods[1].Start))
	assert.Equal(t, -8, offsetHours(periods[1].End))
	assert.Equal(t, 25*time.Hour-time.Second, periods[1].End.Sub(periods[1].Start))
	assert.Equal(t, -7, offsetHours(periods[2].Start))
}

func TestCursorTilesHistoryWithoutGaps(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	now := time.Date(2023, 3, 13, 12, 0, 0, 0, la)
	installed := time.Date(2023, 1, 10, 15, 0, 0, 0, la)

	tests := []struct {
		kind models.SeriesKind
		want int
	}{
		{models.SeriesPower, 63},
		{models.SeriesEnergy, 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.kind.String(), func(t *testing.T) {
			t.Parallel()

			periods := collect(NewCursor(tt.kind, la, now, installed))
			require.Len(t, periods, tt.want)

			first := periods[0]
			assert.True(t, first.IsLatest)
			assert.False(t, now.Before(first.Start))
			assert.False(t, now.After(first.End))

			for i := 1; i < len(periods); i++ {
				newer, older := periods[i-1], periods[i]
				assert.False(t, older.IsLatest)
				assert.True(t, older.End.Add(time.Second).Equal(newer.Start),
					"gap between %s and %s", older.Label(), newer.Label())
			}

			last := periods[len(periods)-1]
			assert.False(t, installed.Before(last.Start))
			assert.True(t, last.End.After(installed))
		})
	}
}

func TestCursorEnergyMonthBounds(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	now := time.Date(2023, 3, 20, 9, 30, 0, 0, la)
	installed := time.Date(2022, 12, 24, 0, 0, 0, 0, la)

	periods := collect(NewCursor(models.SeriesEnergy, la, now, installed))
	require.Len(t, periods, 4)

	march := periods[0]
	assert.Equal(t, "2023-03", march.Label())
	assert.True(t, time.Date(2023, 3, 1, 0, 0, 0, 0, la).Equal(march.Start))
	assert.True(t, time.Date(2023, 3, 31, 23, 59, 59, 0, la).Equal(march.End))
	assert.Equal(t, -8, offsetHours(march.Start))
	assert.Equal(t, -7, offsetHours(march.End))

	assert.Equal(t, "2022-12", periods[3].Label())
}

func TestCursorTermination(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	now := time.Date(2023, 3, 13, 12, 0, 0, 0, la)

	tests := []struct {
		name      string
		installed time.Time
		want      int
		oldest    string
	}{
		{"installed at midnight", time.Date(2023, 3, 10, 0, 0, 0, 0, la), 4, "2023-03-10"},
		{"installed at last second of day", time.Date(2023, 3, 10, 23, 59, 59, 0, la), 3, "2023-03-11"},
		{"installed today", time.Date(2023, 3, 13, 6, 0, 0, 0, la), 1, "2023-03-13"},
		{"installed in the future", time.Date(2023, 3, 14, 6, 0, 0, 0, la), 0, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewCursor(models.SeriesPower, la, now, tt.installed)
			periods := collect(c)
			require.Len(t, periods, tt.want)
			assert.Equal(t, tt.want, c.Yielded())

			for _, p := range periods {
				assert.True(t, p.End.After(tt.installed))
			}
			if tt.want > 0 {
				assert.Equal(t, tt.oldest, periods[len(periods)-1].Label())
			}

			_, ok := c.Next()
			assert.False(t, ok, "exhausted cursor must stay exhausted")
		})
	}
}

func TestCursorNowOnBoundaryStartsNewPeriod(t *testing.T) {
	t.Parallel()

	la := mustLoad(t, "America/Los_Angeles")
	now := time.Date(2023, 3, 13, 0, 0, 0, 0, la)
	installed := time.Date(2023, 3, 1, 0, 0, 0, 0, la)

	c := NewCursor(models.SeriesPower, la, now, installed)

	latest, ok := c.Next()
	require.True(t, ok)
	assert.True(t, latest.IsLatest)
	assert.True(t, latest.Start.Equal(now))

	previous, ok := c.Next()
	require.True(t, ok)
	assert.False(t, previous.IsLatest)
	assert.Equal(t, "2023-03-12", previous.Label())
}

func TestLocalizeSkippedMidnightResolvesForward(t *testing.T) {
	t.Parallel()

	santiago := mustLoad(t, "America/Santiago")

	// Clocks jump from 00:00 -04 to 01:00 -03 on 2022-09-11
	got := Localize(time.Date(2022, 9, 11, 0, 0, 0, 0, time.UTC), santiago)
	assert.True(t, time.Date(2022, 9, 11, 4, 0, 0, 0, time.UTC).Equal(got), "got %s", got)
	assert.Equal(t, 11, got.Day())
	assert.Equal(t, 1, got.Hour())
	assert.Equal(t, -3, offsetHours(got))

	start, end := Bounds(models.SeriesPower, time.Date(2022, 9, 11, 12, 0, 0, 0, santiago), santiago)
	assert.True(t, got.Equal(start))
	assert.Equal(t, 23*time.Hour-time.Second, end.Sub(start))
}

func TestCursorPowerAcrossMidnightSpringForward(t *testing.T) {
	t.Parallel()

	santiago := mustLoad(t, "America/Santiago")
	now := time.Date(2022, 9, 13, 12, 0, 0, 0, santiago)
	installed := time.Date(2022, 9, 8, 0, 0, 0, 0, santiago)

	periods := collect(NewCursor(models.SeriesPower, santiago, now, installed))
	require.Len(t, periods, 6)

	labels := make([]string, 0, len(periods))
	for _, p := range periods {
		labels = append(labels, p.Label())
		assert.Equal(t, p.Label(), p.Start.Format("2006-01-02"), "start of %s", p.Label())
		assert.Equal(t, p.Label(), p.End.Format("2006-01-02"), "end of %s", p.Label())
	}
	assert.Equal(t, []string{"2022-09-13", "2022-09-12", "2022-09-11", "2022-09-10", "2022-09-09", "2022-09-08"}, labels)

	for i := 1; i < len(periods); i++ {
		newer, older := periods[i-1], periods[i]
		assert.True(t, older.End.Add(time.Second).Equal(newer.Start),
			"%s must end right before %s starts", older.Label(), newer.Label())
	}

	transition := periods[2]
	assert.Equal(t, 1, transition.Start.Hour())
	assert.Equal(t, -3, offsetHours(transition.Start))
	assert.Equal(t, -4, offsetHours(periods[3].End))
}
