// Package workdays implements the business-day calendar used for stage
// deadlines and the inter-round interstice. Saturdays, Sundays and
// configured holidays do not count.
package workdays

import "time"

const dateLayout = "2006-01-02"

type Calendar struct {
	holidays map[string]bool
}

// New builds a calendar from YYYY-MM-DD holiday strings. Unparseable
// entries are rejected by config validation before they reach here.
func New(holidays []string) Calendar {
	set := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		set[h] = true
	}
	return Calendar{holidays: set}
}

func (c Calendar) IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format(dateLayout)]
}

// AddBusinessDays returns the timestamp n business days after t, keeping
// the time of day. n must be non-negative.
func (c Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if c.IsBusinessDay(t) {
			n--
		}
	}
	return t
}

// BusinessDaysBetween counts business days strictly after from, up to and
// including to. Returns 0 when to does not follow from.
func (c Calendar) BusinessDaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	days := 0
	d := from.Truncate(24 * time.Hour)
	end := to.Truncate(24 * time.Hour)
	for d.Before(end) {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			days++
		}
	}
	return days
}
