package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"datepoll/internal/model"
	"datepoll/internal/poll"
)

const productID = "-//datepoll//Date Poll//EN"

// ExportOptions controls Export.
type ExportOptions struct {
	// URL links each VEVENT back to the poll page, if set.
	URL string
	// Stamp is the DTSTAMP of every VEVENT; zero means the event's last
	// update time.
	Stamp time.Time
}

// Export renders every candidate date of ev as an all-day VEVENT whose
// description carries the current tally and notes from res.
func Export(ev model.Event, res poll.Result, opts ExportOptions) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)

	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = ev.UpdatedAt
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}

	for _, date := range res.Dates() {
		day := date.Time()
		if day.IsZero() {
			continue
		}
		ve := cal.AddEvent(uidFor(ev, date))
		ve.SetDtStampTime(stamp.UTC())
		ve.SetAllDayStartAt(day)
		ve.SetAllDayEndAt(day.AddDate(0, 0, 1))
		ve.SetSummary(ev.Title)
		ve.SetDescription(describe(ev, res.Summary[date], res.Notes[date]))
		if opts.URL != "" {
			ve.SetURL(opts.URL)
		}
	}
	return cal.Serialize()
}

func uidFor(ev model.Event, date model.DateKey) string {
	return fmt.Sprintf("%s-%s@datepoll", ev.PublicID, strings.ReplaceAll(string(date), "-", ""))
}

func describe(ev model.Event, rec poll.StatusRecord, notes []string) string {
	var b strings.Builder
	if ev.Description != "" {
		b.WriteString(ev.Description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "yes: %d, maybe: %d, no: %d\n", rec.Yes.Count, rec.Maybe.Count, rec.No.Count)
	fmt.Fprintf(&b, "expected attendance: %.0f%%", rec.AttendanceRate*100)
	for _, n := range notes {
		b.WriteString("\n")
		b.WriteString(n)
	}
	return b.String()
}
