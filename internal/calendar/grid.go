// Package calendar builds month grids for date pickers. It knows nothing about
// events; callers overlay candidate dates and vote counts on the cells.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"datepoll/internal/model"
)

// ErrInvalidPeriod is returned when a grid is requested for a month that does
// not exist.
var ErrInvalidPeriod = errors.New("invalid period")

const (
	minYear = 1
	maxYear = 9999
)

// Period is a calendar month. Its fields are unexported so that every Period
// in circulation has passed NewPeriod or comes from PeriodOf.
type Period struct {
	year  int
	month time.Month
}

// NewPeriod validates year and month.
func NewPeriod(year int, month time.Month) (Period, error) {
	if month < time.January || month > time.December {
		return Period{}, fmt.Errorf("%w: month %d", ErrInvalidPeriod, month)
	}
	if year < minYear || year > maxYear {
		return Period{}, fmt.Errorf("%w: year %d", ErrInvalidPeriod, year)
	}
	return Period{year: year, month: month}, nil
}

// PeriodOf returns the month containing t, in t's location.
func PeriodOf(t time.Time) Period {
	return Period{year: t.Year(), month: t.Month()}
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return NewPeriod(t.Year(), t.Month())
}

func (p Period) Year() int         { return p.year }
func (p Period) Month() time.Month { return p.month }

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.year, int(p.month))
}

// IsZero reports whether p is the zero Period, which NewPeriod never returns.
func (p Period) IsZero() bool { return p.month == 0 }

// Prev returns the previous month; January rolls back to December of the
// previous year.
func (p Period) Prev() Period {
	if p.month == time.January {
		return Period{year: p.year - 1, month: time.December}
	}
	return Period{year: p.year, month: p.month - 1}
}

// Next returns the following month; December rolls over to January.
func (p Period) Next() Period {
	if p.month == time.December {
		return Period{year: p.year + 1, month: time.January}
	}
	return Period{year: p.year, month: p.month + 1}
}

// First returns midnight UTC of day 1.
func (p Period) First() time.Time {
	return time.Date(p.year, p.month, 1, 0, 0, 0, 0, time.UTC)
}

// DaysIn counts the days of the month as day 0 of the next month.
func (p Period) DaysIn() int {
	return time.Date(p.year, p.month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Contains reports whether k falls inside the month.
func (p Period) Contains(k model.DateKey) bool {
	t := k.Time()
	return !t.IsZero() && t.Year() == p.year && t.Month() == p.month
}

// Day is one cell of a month grid.
type Day struct {
	Day            int           `json:"day"`
	Date           model.DateKey `json:"date"`
	IsCurrentMonth bool          `json:"isCurrentMonth"`
}

// Week is one row of a grid, starting on the grid's week start.
type Week [7]Day

// Grid is a month laid out in whole weeks.
type Grid []Week

// Days flattens the grid row by row.
func (g Grid) Days() []Day {
	out := make([]Day, 0, len(g)*7)
	for _, w := range g {
		out = append(out, w[:]...)
	}
	return out
}

// GenerateGrid lays out p with Monday as the first column.
func GenerateGrid(p Period) Grid {
	return Generate(p, time.Monday)
}

// Generate lays out p in whole weeks starting on weekStart. Leading cells are
// taken from the previous month and trailing cells from the next one, just
// enough to complete the first and last week.
func Generate(p Period, weekStart time.Weekday) Grid {
	if weekStart < time.Sunday || weekStart > time.Saturday {
		weekStart = time.Monday
	}
	first := p.First()
	lead := (int(first.Weekday()) - int(weekStart) + 7) % 7
	days := p.DaysIn()
	rows := (lead + days + 6) / 7

	grid := make(Grid, rows)
	for i := 0; i < rows*7; i++ {
		d := first.AddDate(0, 0, i-lead)
		grid[i/7][i%7] = Day{
			Day:            d.Day(),
			Date:           model.DateKeyOf(d),
			IsCurrentMonth: i >= lead && i < lead+days,
		}
	}
	return grid
}

// ParseWeekStart maps "monday"/"sunday" to a weekday. Anything else yields
// Monday.
func ParseWeekStart(s string) time.Weekday {
	if strings.EqualFold(strings.TrimSpace(s), "sunday") {
		return time.Sunday
	}
	return time.Monday
}

// Weekdays returns the column headers for a grid starting on weekStart.
func Weekdays(weekStart time.Weekday) [7]time.Weekday {
	var out [7]time.Weekday
	for i := range out {
		out[i] = time.Weekday((int(weekStart) + i) % 7)
	}
	return out
}
