// Package ics moves candidate dates in and out of iCalendar: it exports a
// poll as all-day VEVENTs, imports the days covered by a remote calendar and
// expands RRULEs into proposed dates.
package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "datepoll/internal/log"
)

// ParsedEvent is the part of a VEVENT needed to work out which days it
// covers.
type ParsedEvent struct {
	UID     string
	Summary string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time
}

// Parse reads an ICS payload. Events that cannot be read are logged and
// skipped; only a payload that is not a calendar at all is an error.
func Parse(body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			appLog.Debug("ics vevent skipped", "err", perr)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parsePropTime(startProp)
	if err != nil {
		return out, err
	}
	out.Start, out.AllDay = start, allDay

	switch endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case endProp != nil:
		end, _, err := parsePropTime(endProp)
		if err != nil {
			return out, err
		}
		out.End = end
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := propLocation(p, out.Start.Location())
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := parseICSTime(part, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	return out, nil
}

func parsePropTime(p *ical.IANAProperty) (time.Time, bool, error) {
	t, allDay, err := parseICSTime(p.Value, propLocation(p, time.UTC))
	if err != nil {
		return t, false, err
	}
	if vs := p.ICalParameters[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}
	return t, allDay, nil
}

// propLocation resolves the TZID parameter, falling back to def.
func propLocation(p *ical.IANAProperty, def *time.Location) *time.Location {
	tz := p.ICalParameters[string(ical.ParameterTzid)]
	if len(tz) == 0 || tz[0] == "" {
		return def
	}
	loc, err := time.LoadLocation(tz[0])
	if err != nil {
		appLog.Debug("ics unknown TZID, using default", "tzid", tz[0])
		return def
	}
	return loc
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
// Dates are returned as midnight UTC so they map back to the same day.
func parseICSTime(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, false, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	default:
		t, err := time.Parse("20060102", v)
		return t, true, err
	}
}
