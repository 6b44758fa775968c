// Package market implements the US equity options trading calendar.
//
// All calendar decisions are made in America/New_York wall-clock time:
// weekends, exchange holidays, early-close days and the end-of-day exit
// deadline the 0DTE closer works against.
package market

import (
	"fmt"
	"time"
)

// Eastern is the exchange time zone. Loaded once at init; the zone is part
// of the standard tzdata and failing to load it is unrecoverable.
var Eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("failed to load America/New_York: %v", err))
	}
	Eastern = loc
}

// Calendar answers market-hours questions for US equity options.
type Calendar struct{}

// NewCalendar creates a trading calendar.
func NewCalendar() *Calendar {
	return &Calendar{}
}

// ETDateString returns the ET calendar day as YYYY-MM-DD.
func (c *Calendar) ETDateString(now time.Time) string {
	return now.In(Eastern).Format("2006-01-02")
}

// ETTimeString returns the ET wall clock as HH:MM.
func (c *Calendar) ETTimeString(now time.Time) string {
	return now.In(Eastern).Format("15:04")
}

// IsMarketOpen reports whether the market is open at the given instant,
// honoring weekends, exchange holidays and early closes.
func (c *Calendar) IsMarketOpen(now time.Time) bool {
	et := now.In(Eastern)

	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	if c.isHoliday(et) {
		return false
	}

	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, Eastern)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, Eastern)
	if early, _ := c.IsEarlyCloseDay(et); early {
		close = time.Date(et.Year(), et.Month(), et.Day(), 13, 0, 0, 0, Eastern)
	}

	return !et.Before(open) && et.Before(close)
}

// GetExitDeadline returns the forced-close deadline in ET "HH:MM":
// 15:55 on normal days, 12:55 on early-close days.
func (c *Calendar) GetExitDeadline(now time.Time) string {
	if early, _ := c.IsEarlyCloseDay(now.In(Eastern)); early {
		return "12:55"
	}
	return "15:55"
}

// IsEarlyCloseDay reports whether the given ET day closes at 13:00 and why.
func (c *Calendar) IsEarlyCloseDay(now time.Time) (bool, string) {
	et := now.In(Eastern)
	y, m, d := et.Year(), et.Month(), et.Day()

	// Day after Thanksgiving
	tg := thanksgiving(y)
	if m == time.November && d == tg.Day()+1 {
		return true, "Day after Thanksgiving"
	}

	// July 3rd, when both it and July 4th fall on weekdays
	if m == time.July && d == 3 {
		day3 := time.Date(y, time.July, 3, 0, 0, 0, 0, Eastern)
		day4 := time.Date(y, time.July, 4, 0, 0, 0, 0, Eastern)
		if isWeekday(day3) && isWeekday(day4) {
			return true, "Day before Independence Day"
		}
	}

	// Christmas Eve, when it falls on a weekday
	if m == time.December && d == 24 && isWeekday(et) {
		return true, "Christmas Eve"
	}

	return false, ""
}

// isHoliday reports whether the given ET day is a full-day exchange holiday.
func (c *Calendar) isHoliday(et time.Time) bool {
	y := et.Year()
	day := time.Date(y, et.Month(), et.Day(), 0, 0, 0, 0, Eastern)

	for _, h := range holidays(y) {
		if day.Equal(h) {
			return true
		}
	}
	return false
}

// holidays returns the full-day US exchange holidays for a year.
func holidays(y int) []time.Time {
	hs := []time.Time{
		observed(time.Date(y, time.January, 1, 0, 0, 0, 0, Eastern)),   // New Year's Day
		nthWeekday(y, time.January, time.Monday, 3),                    // MLK Day
		nthWeekday(y, time.February, time.Monday, 3),                   // Presidents' Day
		goodFriday(y),                                                  // Good Friday
		lastWeekday(y, time.May, time.Monday),                          // Memorial Day
		observed(time.Date(y, time.June, 19, 0, 0, 0, 0, Eastern)),     // Juneteenth
		observed(time.Date(y, time.July, 4, 0, 0, 0, 0, Eastern)),      // Independence Day
		nthWeekday(y, time.September, time.Monday, 1),                  // Labor Day
		thanksgiving(y),                                                // Thanksgiving
		observed(time.Date(y, time.December, 25, 0, 0, 0, 0, Eastern)), // Christmas
	}
	return hs
}

// observed shifts a fixed-date holiday to the nearest weekday:
// Saturday observes Friday, Sunday observes Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

// nthWeekday returns the nth given weekday of a month.
func nthWeekday(y int, m time.Month, wd time.Weekday, n int) time.Time {
	d := time.Date(y, m, 1, 0, 0, 0, 0, Eastern)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

// lastWeekday returns the last given weekday of a month.
func lastWeekday(y int, m time.Month, wd time.Weekday) time.Time {
	d := time.Date(y, m+1, 1, 0, 0, 0, 0, Eastern).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// thanksgiving returns the fourth Thursday of November.
func thanksgiving(y int) time.Time {
	return nthWeekday(y, time.November, time.Thursday, 4)
}

// goodFriday returns the Friday before Easter Sunday (anonymous Gregorian
// computus for Easter).
func goodFriday(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1

	easter := time.Date(y, time.Month(month), day, 0, 0, 0, 0, Eastern)
	return easter.AddDate(0, 0, -2)
}

func isWeekday(d time.Time) bool {
	return d.Weekday() != time.Saturday && d.Weekday() != time.Sunday
}

// MinutesOfDay converts an ET "HH:MM" string to minutes since midnight.
// Malformed strings return -1.
func MinutesOfDay(hhmm string) int {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return -1
	}
	return h*60 + m
}
