package workdays_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"plenario/internal/workdays"
)

// 2025-12-31 is a Wednesday, 2026-01-01 a Thursday holiday,
// 2026-01-03/04 the weekend.
var cal = workdays.New([]string{"2026-01-01"})

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestIsBusinessDay(t *testing.T) {
	assert.True(t, cal.IsBusinessDay(date(2025, time.December, 31)))
	assert.False(t, cal.IsBusinessDay(date(2026, time.January, 1)), "holiday")
	assert.True(t, cal.IsBusinessDay(date(2026, time.January, 2)))
	assert.False(t, cal.IsBusinessDay(date(2026, time.January, 3)), "saturday")
	assert.False(t, cal.IsBusinessDay(date(2026, time.January, 4)), "sunday")
	assert.True(t, cal.IsBusinessDay(date(2026, time.January, 5)))
}

func TestAddBusinessDays(t *testing.T) {
	start := date(2025, time.December, 31)

	// One business day skips the holiday.
	assert.Equal(t, date(2026, time.January, 2), cal.AddBusinessDays(start, 1))
	// Two skip the holiday and the weekend.
	assert.Equal(t, date(2026, time.January, 5), cal.AddBusinessDays(start, 2))
	// Zero is the identity.
	assert.Equal(t, start, cal.AddBusinessDays(start, 0))
	// Time of day is preserved.
	assert.Equal(t, 10, cal.AddBusinessDays(start, 3).Hour())
}

func TestBusinessDaysBetween(t *testing.T) {
	from := date(2025, time.December, 31)

	assert.Equal(t, 2, cal.BusinessDaysBetween(from, date(2026, time.January, 5)))
	assert.Equal(t, 1, cal.BusinessDaysBetween(from, date(2026, time.January, 2)))
	// Holiday and weekend contribute nothing.
	assert.Equal(t, 1, cal.BusinessDaysBetween(from, date(2026, time.January, 4)))
	// Not after from.
	assert.Equal(t, 0, cal.BusinessDaysBetween(from, from))
	assert.Equal(t, 0, cal.BusinessDaysBetween(from, date(2025, time.December, 30)))
}

func TestNoHolidays(t *testing.T) {
	plain := workdays.New(nil)
	assert.True(t, plain.IsBusinessDay(date(2026, time.January, 1)))
	// Monday plus five business days lands on the next Monday.
	assert.Equal(t, date(2026, time.January, 12), plain.AddBusinessDays(date(2026, time.January, 5), 5))
}
