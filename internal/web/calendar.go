package web

import (
	"net/http"
	"strconv"
	"time"

	"datepoll/internal/auth"
	"datepoll/internal/calendar"
	"datepoll/internal/model"
	"datepoll/internal/poll"
)

// calendarCell is a grid day, optionally annotated with the poll's state.
type calendarCell struct {
	calendar.Day
	Candidate bool         `json:"candidate,omitempty"`
	Yes       int          `json:"yes,omitempty"`
	Maybe     int          `json:"maybe,omitempty"`
	No        int          `json:"no,omitempty"`
	Viewer    model.Status `json:"viewerStatus,omitempty"`
}

type calendarResponse struct {
	Period   string           `json:"period"`
	Year     int              `json:"year"`
	Month    int              `json:"month"`
	Prev     string           `json:"prev"`
	Next     string           `json:"next"`
	Weekdays []string         `json:"weekdays"`
	Weeks    [][]calendarCell `json:"weeks"`
}

// periodFromQuery reads ?year=&month= (month 1-12). Both absent means def.
func periodFromQuery(r *http.Request, def calendar.Period) (calendar.Period, error) {
	q := r.URL.Query()
	ys, ms := q.Get("year"), q.Get("month")
	if ys == "" && ms == "" {
		return def, nil
	}
	y, yerr := strconv.Atoi(ys)
	m, merr := strconv.Atoi(ms)
	if yerr != nil || merr != nil {
		return calendar.Period{}, calendar.ErrInvalidPeriod
	}
	return calendar.NewPeriod(y, time.Month(m))
}

func (s *Server) weekStart(r *http.Request) time.Weekday {
	if ws := r.URL.Query().Get("week_start"); ws != "" {
		return calendar.ParseWeekStart(ws)
	}
	return calendar.ParseWeekStart(s.cfg.WeekStart)
}

func buildCalendar(p calendar.Period, weekStart time.Weekday, annotate func(*calendarCell)) calendarResponse {
	grid := calendar.Generate(p, weekStart)
	resp := calendarResponse{
		Period:   p.String(),
		Year:     p.Year(),
		Month:    int(p.Month()),
		Prev:     p.Prev().String(),
		Next:     p.Next().String(),
		Weekdays: make([]string, 0, 7),
		Weeks:    make([][]calendarCell, 0, len(grid)),
	}
	for _, wd := range calendar.Weekdays(weekStart) {
		resp.Weekdays = append(resp.Weekdays, wd.String())
	}
	for _, week := range grid {
		row := make([]calendarCell, 0, len(week))
		for _, d := range week {
			cell := calendarCell{Day: d}
			if annotate != nil {
				annotate(&cell)
			}
			row = append(row, cell)
		}
		resp.Weeks = append(resp.Weeks, row)
	}
	return resp
}

// handleCalendar returns a bare month grid.
//
// GET /api/calendar?year=2025&month=1&week_start=sunday
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	p, err := periodFromQuery(r, calendar.PeriodOf(s.now().In(s.loc)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, buildCalendar(p, s.weekStart(r), nil))
}

// handleEventCalendar returns a month grid with the event's candidate days
// flagged and their vote counts. Without year/month it shows the month of
// the first candidate date.
func (s *Server) handleEventCalendar(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.EventByPublicID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}

	def := calendar.PeriodOf(s.now().In(s.loc))
	if dates := poll.NewDateSet(ev.Dates()...).Sorted(); len(dates) > 0 {
		def = calendar.PeriodOf(dates[0].Time())
	}
	p, err := periodFromQuery(r, def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := poll.Aggregate(ev.Options, nil, auth.UserID(r.Context()), poll.WithWeights(s.weights))
	viewer := make(map[model.DateKey]model.Status, len(res.Viewer))
	for _, v := range res.Viewer {
		viewer[v.Date] = v.Status
	}

	writeJSON(w, http.StatusOK, buildCalendar(p, s.weekStart(r), func(c *calendarCell) {
		rec, ok := res.Summary[c.Date]
		if !ok {
			return
		}
		c.Candidate = true
		c.Yes, c.Maybe, c.No = rec.Yes.Count, rec.Maybe.Count, rec.No.Count
		c.Viewer = viewer[c.Date]
	}))
}
