package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datepoll/internal/auth"
	"datepoll/internal/config"
	"datepoll/internal/store"
)

type testEnv struct {
	t   *testing.T
	srv *Server
	h   http.Handler
}

func newTestEnv(t *testing.T, tweaks ...func(*config.Config)) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.ICS.AllowPrivateNetworks = true
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	iss, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	sessions := auth.NewSessions(iss)
	t.Cleanup(sessions.Close)

	srv := NewServer(Deps{Config: cfg, Store: st, Sessions: sessions})
	srv.now = func() time.Time { return time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC) }
	return &testEnv{t: t, srv: srv, h: srv.Handler()}
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// signupAndLogin returns the new user's id and session token.
func (e *testEnv) signupAndLogin(name, email string) (string, string) {
	e.t.Helper()
	rec := e.do("POST", "/api/auth/signup", "", map[string]string{"name": name, "email": email, "password": "password123"})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[map[string]string](e.t, rec)["user"]

	rec = e.do("POST", "/api/auth/login", "", map[string]string{"email": email, "password": "password123"})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return id, decode[loginResponse](e.t, rec).Token
}

func TestAccounts(t *testing.T) {
	e := newTestEnv(t)

	id, token := e.signupAndLogin("Alice", "alice@example.com")
	assert.NotEmpty(t, token)

	rec := e.do("POST", "/api/auth/signup", "", map[string]string{"name": "A2", "email": "ALICE@example.com", "password": "password123"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do("POST", "/api/auth/signup", "", map[string]string{"name": "Bob", "email": "bob@example.com", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do("POST", "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do("POST", "/api/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "password123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do("GET", "/api/users/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alice", decode[userResponse](t, rec).Name)
	assert.Equal(t, http.StatusNotFound, e.do("GET", "/api/users/ghost", "", nil).Code)

	assert.Equal(t, http.StatusNoContent, e.do("POST", "/api/auth/logout", token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do("POST", "/api/auth/logout", token, nil).Code, "token dies with the session")
	assert.Equal(t, http.StatusUnauthorized, e.do("POST", "/api/auth/logout", "", nil).Code)
}

type eventViewJSON struct {
	Event struct {
		PublicID string `json:"publicId"`
		Options  []struct {
			Date  string `json:"date"`
			Votes []struct {
				ParticipantID string `json:"participantId"`
			} `json:"votes"`
		} `json:"options"`
	} `json:"event"`
	CreatorName  string `json:"creatorName"`
	IsCreator    bool   `json:"isCreator"`
	Voting       int    `json:"votingParticipants"`
	VotesSummary map[string]struct {
		Yes struct {
			Count int `json:"count"`
		} `json:"yes"`
		AttendanceRate float64 `json:"attendanceRate"`
	} `json:"votesSummary"`
	UserStatus   []map[string]string `json:"userStatus"`
	NotesSummary map[string][]string `json:"notesSummary"`
	Ranking      []string            `json:"ranking"`
}

func TestEventFlow(t *testing.T) {
	e := newTestEnv(t)
	aliceID, alice := e.signupAndLogin("Alice", "alice@example.com")
	bobID, bob := e.signupAndLogin("Bob", "bob@example.com")

	newEvent := map[string]any{"title": "Dinner", "dates": []string{"2025-01-10", "2025-01-11"}}
	assert.Equal(t, http.StatusUnauthorized, e.do("POST", "/api/events", "", newEvent).Code)
	assert.Equal(t, http.StatusBadRequest, e.do("POST", "/api/events", alice, map[string]any{"title": "x", "dates": []string{"tomorrow"}}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do("POST", "/api/events", alice, map[string]any{"title": " ", "dates": []string{}}).Code)

	rec := e.do("POST", "/api/events", alice, newEvent)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[eventViewJSON](t, rec)
	id := created.Event.PublicID
	require.NotEmpty(t, id)

	// One good vote and one for a date the event does not offer.
	rec = e.do("PATCH", "/api/events/"+id+"/vote", bob, map[string]any{"votes": []map[string]string{
		{"date": "2025-01-10T18:00:00+01:00", "status": "yes", "note": "cake"},
		{"date": "2025-01-12", "status": "yes"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vote := decode[voteResponseJSON](t, rec)
	assert.Equal(t, []string{"2025-01-10"}, vote.Result.Accepted)
	require.Len(t, vote.Result.Rejected, 1)
	assert.Len(t, vote.UserStatus, 1)

	rec = e.do("GET", "/api/events/"+id, bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[eventViewJSON](t, rec)
	assert.Equal(t, "Alice", view.CreatorName)
	assert.False(t, view.IsCreator)
	assert.Equal(t, 1, view.Voting)
	assert.Equal(t, 1, view.VotesSummary["2025-01-10"].Yes.Count)
	assert.InDelta(t, 0.8, view.VotesSummary["2025-01-10"].AttendanceRate, 1e-9)
	assert.Equal(t, []string{"Bob (yes): cake"}, view.NotesSummary["2025-01-10"])
	assert.Equal(t, []string{"2025-01-10", "2025-01-11"}, view.Ranking)
	require.Len(t, view.UserStatus, 1)
	assert.Equal(t, "yes", view.UserStatus[0]["status"])

	anon := decode[eventViewJSON](t, e.do("GET", "/api/events/"+id+"?eligible=4", "", nil))
	assert.Empty(t, anon.UserStatus)
	assert.InDelta(t, 0.2, anon.VotesSummary["2025-01-10"].AttendanceRate, 1e-9)

	// Only the creator may edit, and edits only add dates.
	patch := map[string]any{"title": "Dinner!", "dates": []string{"2025-01-10", "2025-01-12"}}
	assert.Equal(t, http.StatusForbidden, e.do("PATCH", "/api/events/"+id, bob, patch).Code)
	rec = e.do("PATCH", "/api/events/"+id, alice, patch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decode[struct {
		Merge struct {
			Added   []string `json:"added"`
			Ignored []string `json:"ignored"`
		} `json:"merge"`
		Event struct {
			Title string `json:"title"`
		} `json:"event"`
	}](t, rec)
	assert.Equal(t, []string{"2025-01-12"}, merged.Merge.Added)
	assert.Equal(t, []string{"2025-01-10"}, merged.Merge.Ignored)
	assert.Equal(t, "Dinner!", merged.Event.Title)

	view = decode[eventViewJSON](t, e.do("GET", "/api/events/"+id, alice, nil))
	assert.True(t, view.IsCreator)
	require.Len(t, view.Event.Options, 3)
	assert.Len(t, view.Event.Options[0].Votes, 1, "votes survive a date merge")

	// Listings.
	mine := decode[[]eventSummary](t, e.do("GET", "/api/users/"+aliceID+"/events", "", nil))
	require.Len(t, mine, 1)
	assert.Equal(t, 3, mine[0].Dates)
	voted := decode[[]eventSummary](t, e.do("GET", "/api/users/"+bobID+"/participations", "", nil))
	require.Len(t, voted, 1)
	assert.Equal(t, 1, voted[0].Voting)

	// Export.
	rec = e.do("GET", "/api/events/"+id+"/ics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	assert.Contains(t, rec.Body.String(), "BEGIN:VCALENDAR")

	// Delete.
	assert.Equal(t, http.StatusForbidden, e.do("DELETE", "/api/events/"+id, bob, nil).Code)
	assert.Equal(t, http.StatusNoContent, e.do("DELETE", "/api/events/"+id, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do("GET", "/api/events/"+id, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do("PATCH", "/api/events/"+id+"/vote", bob, map[string]any{"votes": []map[string]string{{"date": "2025-01-10", "status": "no"}}}).Code)

	metrics := e.do("GET", "/metrics", "", nil)
	assert.Contains(t, metrics.Body.String(), "datepoll_votes_accepted_total 1")
	assert.Contains(t, metrics.Body.String(), `datepoll_votes_rejected_total{reason="unknown_date"} 1`)
}

type voteResponseJSON struct {
	Result struct {
		Accepted []string         `json:"accepted"`
		Rejected []map[string]any `json:"rejected"`
	} `json:"result"`
	UserStatus []map[string]string `json:"userStatus"`
}

func TestCreateEventFromRule(t *testing.T) {
	e := newTestEnv(t)
	_, alice := e.signupAndLogin("Alice", "alice@example.com")

	rec := e.do("POST", "/api/events", alice, map[string]any{
		"title": "Fridays",
		"rrule": "FREQ=WEEKLY;BYDAY=FR",
		"from":  "2025-01-01",
		"until": "2025-01-20",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[eventViewJSON](t, rec)
	var dates []string
	for _, o := range ev.Event.Options {
		dates = append(dates, o.Date)
	}
	assert.Equal(t, []string{"2025-01-03", "2025-01-10", "2025-01-17"}, dates)

	rec = e.do("POST", "/api/events", alice, map[string]any{"title": "Bad", "rrule": "FREQ=NEVER"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	start := time.Now()
	rec = e.do("POST", "/api/events", alice, map[string]any{"title": "Busy", "rrule": "FREQ=SECONDLY"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "finer than a day")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCalendarEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, alice := e.signupAndLogin("Alice", "alice@example.com")

	rec := e.do("GET", "/api/calendar?year=2021&month=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cal := decode[calendarResponse](t, rec)
	assert.Equal(t, "2021-02", cal.Period)
	assert.Equal(t, "2021-01", cal.Prev)
	assert.Len(t, cal.Weeks, 4)
	assert.Equal(t, "Monday", cal.Weekdays[0])

	cal = decode[calendarResponse](t, e.do("GET", "/api/calendar?week_start=sunday", "", nil))
	assert.Equal(t, "2025-01", cal.Period, "defaults to the current month")
	assert.Equal(t, "Sunday", cal.Weekdays[0])

	assert.Equal(t, http.StatusBadRequest, e.do("GET", "/api/calendar?year=2025&month=13", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do("GET", "/api/calendar?year=2025", "", nil).Code)

	rec = e.do("POST", "/api/events", alice, map[string]any{"title": "Trip", "dates": []string{"2025-03-07"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[eventViewJSON](t, rec).Event.PublicID
	e.do("PATCH", "/api/events/"+id+"/vote", alice, map[string]any{"votes": []map[string]string{{"date": "2025-03-07", "status": "maybe"}}})

	cal = decode[calendarResponse](t, e.do("GET", "/api/events/"+id+"/calendar", alice, nil))
	assert.Equal(t, "2025-03", cal.Period, "opens on the first candidate month")
	var found bool
	for _, week := range cal.Weeks {
		for _, c := range week {
			if c.Date == "2025-03-07" {
				found = true
				assert.True(t, c.Candidate)
				assert.Equal(t, 1, c.Maybe)
				assert.Equal(t, "maybe", string(c.Viewer))
			} else {
				assert.False(t, c.Candidate)
			}
		}
	}
	assert.True(t, found)
}

func TestImportFromRemoteCalendar(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(strings.Join([]string{
			"BEGIN:VCALENDAR",
			"VERSION:2.0",
			"PRODID:-//test//EN",
			"BEGIN:VEVENT",
			"UID:a",
			"DTSTART;VALUE=DATE:20250115",
			"DTEND;VALUE=DATE:20250117",
			"END:VEVENT",
			"END:VCALENDAR",
			"",
		}, "\r\n")))
	}))
	defer feed.Close()

	e := newTestEnv(t)
	_, alice := e.signupAndLogin("Alice", "alice@example.com")
	_, bob := e.signupAndLogin("Bob", "bob@example.com")

	rec := e.do("POST", "/api/events", alice, map[string]any{"title": "Trip", "dates": []string{"2025-01-15"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[eventViewJSON](t, rec).Event.PublicID

	req := map[string]string{"url": feed.URL + "/cal.ics", "from": "2025-01-01", "to": "2025-01-31"}
	assert.Equal(t, http.StatusForbidden, e.do("POST", "/api/events/"+id+"/import", bob, req).Code)

	rec = e.do("POST", "/api/events/"+id+"/import", alice, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Merge struct {
			Added   []string `json:"added"`
			Ignored []string `json:"ignored"`
		} `json:"merge"`
	}](t, rec)
	assert.Equal(t, []string{"2025-01-16"}, res.Merge.Added)
	assert.Equal(t, []string{"2025-01-15"}, res.Merge.Ignored)

	rec = e.do("POST", "/api/events/"+id+"/import", alice, map[string]string{"url": "ftp://example.com/x.ics"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportRefusesInternalHosts(t *testing.T) {
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer internal.Close()

	e := newTestEnv(t, func(c *config.Config) { c.ICS.AllowPrivateNetworks = false })
	_, alice := e.signupAndLogin("Alice", "alice@example.com")
	rec := e.do("POST", "/api/events", alice, map[string]any{"title": "Trip", "dates": []string{"2025-01-15"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[eventViewJSON](t, rec).Event.PublicID

	for _, u := range []string{internal.URL + "/cal.ics", "http://169.254.169.254/latest/meta-data"} {
		rec = e.do("POST", "/api/events/"+id+"/import", alice, map[string]string{"url": u})
		assert.Equal(t, http.StatusBadRequest, rec.Code, u)
		assert.Contains(t, rec.Body.String(), "not a public address", u)
	}
	assert.Zero(t, hits.Load())
}

func TestHealthAndBadToken(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = e.do("GET", "/api/calendar", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}
