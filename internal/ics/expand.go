package ics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "datepoll/internal/log"
	"datepoll/internal/model"
)

// DefaultMaxDates caps how many dates a single expansion may produce.
const DefaultMaxDates = 366

// ErrInvalidRule is returned for an RRULE that cannot be parsed or that
// repeats more often than daily.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// parseDailyRule parses rule and refuses HOURLY, MINUTELY and SECONDLY
// frequencies. Candidates are whole days, and sub-daily rules only make the
// iterator walk many occurrences per day.
func parseDailyRule(rule string) (*rrule.RRule, error) {
	r, err := rrule.StrToRRule(strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	switch r.OrigOptions.Freq {
	case rrule.HOURLY, rrule.MINUTELY, rrule.SECONDLY:
		return nil, fmt.Errorf("%w: frequency %s is finer than a day", ErrInvalidRule, r.OrigOptions.Freq)
	}
	return r, nil
}

// Window is an inclusive range of days.
type Window struct {
	From model.DateKey
	To   model.DateKey
}

func (w Window) bounds() (time.Time, time.Time, error) {
	if !w.From.Valid() || !w.To.Valid() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: window %s..%s", model.ErrInvalidDateKey, w.From, w.To)
	}
	from, to := w.From.Time(), w.To.Time()
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("window ends before it starts")
	}
	return from, to, nil
}

func (w Window) contains(k model.DateKey) bool {
	return k >= w.From && k <= w.To
}

// Expansion is a sorted, duplicate-free list of days. Truncated is set when
// the cap cut the list short.
type Expansion struct {
	Dates     []model.DateKey
	Truncated bool
}

type dayCollector struct {
	seen  map[model.DateKey]struct{}
	limit int
	out   Expansion
	win   Window
}

func newCollector(win Window, limit int) *dayCollector {
	if limit <= 0 {
		limit = DefaultMaxDates
	}
	return &dayCollector{seen: make(map[model.DateKey]struct{}), limit: limit, win: win}
}

// add records k and reports whether more days are wanted.
func (c *dayCollector) add(k model.DateKey) bool {
	if !c.win.contains(k) {
		return true
	}
	if _, ok := c.seen[k]; ok {
		return true
	}
	if len(c.out.Dates) >= c.limit {
		c.out.Truncated = true
		return false
	}
	c.seen[k] = struct{}{}
	c.out.Dates = append(c.out.Dates, k)
	return true
}

func (c *dayCollector) result() Expansion {
	sort.Slice(c.out.Dates, func(i, j int) bool { return c.out.Dates[i] < c.out.Dates[j] })
	return c.out
}

// ExpandRule expands an RRULE starting on from, keeping occurrences up to
// and including until. The rule may carry its "RRULE:" prefix.
func ExpandRule(rule string, from, until model.DateKey, limit int) (Expansion, error) {
	win := Window{From: from, To: until}
	start, _, err := win.bounds()
	if err != nil {
		return Expansion{}, err
	}

	r, err := parseDailyRule(rule)
	if err != nil {
		return Expansion{}, err
	}
	r.DTStart(start)

	c := newCollector(win, limit)
	next := r.Iterator()
	for t, ok := next(); ok; t, ok = next() {
		k := model.DateKeyOf(t)
		if k > until {
			break
		}
		if !c.add(k) {
			break
		}
	}
	return c.result(), nil
}

// ExpandDates lists the days inside win that the events cover. An all-day
// event covers every day from DTSTART up to (not including) DTEND; a timed
// event covers the day it starts on, in loc.
func ExpandDates(events []ParsedEvent, win Window, loc *time.Location, limit int) (Expansion, error) {
	from, to, err := win.bounds()
	if err != nil {
		return Expansion{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	c := newCollector(win, limit)
	for _, ev := range events {
		for _, start := range occurrences(ev, from, to.AddDate(0, 0, 1)) {
			if !coverDays(c, ev, start, loc) {
				return c.result(), nil
			}
		}
	}
	return c.result(), nil
}

func occurrences(ev ParsedEvent, from, to time.Time) []time.Time {
	if ev.RawRRule == "" {
		return []time.Time{ev.Start}
	}

	r, err := parseDailyRule(ev.RawRRule)
	if err != nil {
		appLog.Debug("ics rrule skipped", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return []time.Time{ev.Start}
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}
	// Occurrences that start before the window may still reach into it.
	span := ev.End.Sub(ev.Start)
	return set.Between(from.Add(-span).In(ev.Start.Location()), to.In(ev.Start.Location()), true)
}

func coverDays(c *dayCollector, ev ParsedEvent, start time.Time, loc *time.Location) bool {
	if !ev.AllDay {
		return c.add(model.DateKeyOf(start.In(loc)))
	}
	days := int(ev.End.Sub(ev.Start).Hours()/24 + 0.5)
	if days < 1 {
		days = 1
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		if !c.add(model.DateKeyOf(day.AddDate(0, 0, i))) {
			return false
		}
	}
	return true
}

// ImportDates parses an ICS payload and lists the days it covers in win.
func ImportDates(body []byte, win Window, loc *time.Location, limit int) (Expansion, error) {
	events, err := Parse(body)
	if err != nil {
		return Expansion{}, err
	}
	return ExpandDates(events, win, loc, limit)
}
