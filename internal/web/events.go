package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"datepoll/internal/auth"
	"datepoll/internal/ics"
	appLog "datepoll/internal/log"
	"datepoll/internal/model"
	"datepoll/internal/poll"
	"datepoll/internal/store"
)

// ruleRequest proposes dates from an RRULE. From defaults to the first
// explicit date (or today) and Until to one year after From.
type ruleRequest struct {
	RRule string `json:"rrule,omitempty"`
	From  string `json:"from,omitempty"`
	Until string `json:"until,omitempty"`
}

type createEventRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Dates       []string `json:"dates"`
	ruleRequest
}

type updateEventRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Dates       []string `json:"dates"`
	ruleRequest
}

type eventResponse struct {
	Event model.Event       `json:"event"`
	Merge *poll.MergeResult `json:"merge,omitempty"`
}

// proposedDates parses explicit dates and expands the optional rule.
func (s *Server) proposedDates(raw []string, rr ruleRequest) (poll.DateSet, error) {
	set, invalid := poll.ParseDateSet(raw)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidDateKey, strings.Join(invalid, ", "))
	}
	if strings.TrimSpace(rr.RRule) == "" {
		return set, nil
	}

	from := s.today()
	if sorted := set.Sorted(); len(sorted) > 0 {
		from = sorted[0]
	}
	if rr.From != "" {
		k, err := model.ParseDateKey(rr.From)
		if err != nil {
			return nil, err
		}
		from = k
	}
	until := model.DateKeyOf(from.Time().AddDate(1, 0, 0))
	if rr.Until != "" {
		k, err := model.ParseDateKey(rr.Until)
		if err != nil {
			return nil, err
		}
		until = k
	}

	exp, err := ics.ExpandRule(rr.RRule, from, until, s.cfg.ICS.MaxDates)
	if err != nil {
		return nil, err
	}
	if exp.Truncated {
		appLog.Info("rule expansion capped", "rrule", rr.RRule, "max", s.cfg.ICS.MaxDates)
	}
	return poll.NewDateSet(append(set, exp.Dates...)...), nil
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	dates, err := s.proposedDates(req.Dates, req.ruleRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := s.store.CreateEvent(r.Context(), model.Event{
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		CreatorID:   uid,
		Options:     poll.OptionsFor(dates),
	})
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	s.metrics.EventsCreated.Inc()
	s.metrics.DatesAdded.Add(float64(len(ev.Options)))
	appLog.Info("event created", "event", ev.PublicID, "creator", uid, "dates", len(ev.Options))
	writeJSON(w, http.StatusCreated, eventResponse{Event: ev})
}

type eventView struct {
	Event       model.Event     `json:"event"`
	CreatorName string          `json:"creatorName"`
	IsCreator   bool            `json:"isCreator"`
	Voting      int             `json:"votingParticipants"`
	Ranking     []model.DateKey `json:"ranking"`
	poll.Result
}

// handleGetEvent returns the event with its aggregated votes. The caller's
// own votes are included when a session is present. ?notes=first limits the
// notes to one per date and ?eligible=N divides attendance by N invitees.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ev, err := s.store.EventByPublicID(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	dir, err := s.store.Directory(ctx, append(store.ParticipantIDs(ev), ev.CreatorID))
	if err != nil {
		writeStoreError(w, err, "participants")
		return
	}

	viewer := auth.UserID(ctx)
	res := poll.Aggregate(ev.Options, dir, viewer,
		poll.WithWeights(s.weights),
		poll.WithEligibleVoters(parseIntDefault(r.URL.Query().Get("eligible"), 0)),
	)
	if res.MissingParticipants > 0 {
		appLog.Debug("event has votes from unknown participants", "event", ev.PublicID, "count", res.MissingParticipants)
	}
	if r.URL.Query().Get("notes") == "first" {
		for _, d := range res.Dates() {
			if _, ok := res.Notes[d]; ok {
				res.Notes[d] = poll.NotesFor(res.Notes, d, false)
			}
		}
	}

	creator := dir[ev.CreatorID]
	if creator == "" {
		creator = poll.UnknownParticipant
	}
	writeJSON(w, http.StatusOK, eventView{
		Event:       ev,
		CreatorName: creator,
		IsCreator:   viewer != "" && viewer == ev.CreatorID,
		Voting:      poll.VotingParticipantCount(ev.Options),
		Ranking:     poll.Rank(res),
		Result:      res,
	})
}

// handleUpdateEvent edits title and description and adds candidate dates.
// Dates are only ever added; existing options keep their votes.
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req updateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title cannot be empty")
		return
	}
	dates, err := s.proposedDates(req.Dates, req.ruleRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var merge poll.MergeResult
	ev, err := s.store.UpdateEvent(r.Context(), r.PathValue("id"), func(cur model.Event) (model.Event, error) {
		if cur.CreatorID != uid {
			return cur, errForbidden
		}
		if req.Title != nil {
			cur.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			cur.Description = strings.TrimSpace(*req.Description)
		}
		cur.Options, merge = poll.MergeNew(cur.Options, dates)
		return cur, nil
	})
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	s.metrics.DatesAdded.Add(float64(len(merge.Added)))
	writeJSON(w, http.StatusOK, eventResponse{Event: ev, Merge: &merge})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	ev, err := s.store.EventByPublicID(ctx, id)
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	if ev.CreatorID != uid {
		writeStoreError(w, errForbidden, "event")
		return
	}
	if err := s.store.DeleteEvent(ctx, id); err != nil {
		writeStoreError(w, err, "event")
		return
	}
	appLog.Info("event deleted", "event", id)
	w.WriteHeader(http.StatusNoContent)
}

type voteRequest struct {
	Votes []poll.VoteInput `json:"votes"`
}

type voteResponse struct {
	Result     poll.BatchResult    `json:"result"`
	UserStatus []poll.ViewerStatus `json:"userStatus"`
}

// handleVote applies a batch of the caller's votes. Entries are applied
// independently, so the answer is 200 with the rejected entries listed even
// when some of them fail.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Votes) == 0 {
		writeError(w, http.StatusBadRequest, "no votes given")
		return
	}

	var batch poll.BatchResult
	ev, err := s.store.UpdateEvent(r.Context(), r.PathValue("id"), func(cur model.Event) (model.Event, error) {
		var next model.Event
		next, batch = poll.SubmitVotes(cur, uid, req.Votes)
		return next, nil
	})
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}

	s.metrics.VotesAccepted.Add(float64(len(batch.Accepted)))
	for _, rej := range batch.Rejected {
		s.metrics.VotesRejected.WithLabelValues(rej.Reason).Inc()
	}
	res := poll.Aggregate(ev.Options, nil, uid)
	writeJSON(w, http.StatusOK, voteResponse{Result: batch, UserStatus: res.Viewer})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ev, err := s.store.EventByPublicID(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	dir, err := s.store.Directory(ctx, store.ParticipantIDs(ev))
	if err != nil {
		writeStoreError(w, err, "participants")
		return
	}
	res := poll.Aggregate(ev.Options, dir, "", poll.WithWeights(s.weights))

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ev.PublicID+".ics"))
	_, _ = w.Write([]byte(ics.Export(ev, res, ics.ExportOptions{})))
}

type importRequest struct {
	URL  string `json:"url"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type importResponse struct {
	Event     model.Event      `json:"event"`
	Merge     poll.MergeResult `json:"merge"`
	Truncated bool             `json:"truncated"`
}

// handleImport adds the days covered by a remote calendar as candidate
// dates. The window defaults to today through one year ahead.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	win, err := s.importWindow(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")
	cur, err := s.store.EventByPublicID(ctx, id)
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	if cur.CreatorID != uid {
		writeStoreError(w, errForbidden, "event")
		return
	}

	exp, err := s.importDates(ctx, req.URL, win)
	if err != nil {
		s.metrics.ICSImports.WithLabelValues("error").Inc()
		appLog.Error("calendar import failed", err, "event", id)
		status := http.StatusBadGateway
		if errors.Is(err, ics.ErrPrivateAddress) || errors.Is(err, ics.ErrUnsupportedURL) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "could not import calendar: "+err.Error())
		return
	}

	var merge poll.MergeResult
	ev, err := s.store.UpdateEvent(ctx, id, func(cur model.Event) (model.Event, error) {
		if cur.CreatorID != uid {
			return cur, errForbidden
		}
		cur.Options, merge = poll.MergeNew(cur.Options, exp.Dates)
		return cur, nil
	})
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	s.metrics.ICSImports.WithLabelValues("ok").Inc()
	s.metrics.DatesAdded.Add(float64(len(merge.Added)))
	writeJSON(w, http.StatusOK, importResponse{Event: ev, Merge: merge, Truncated: exp.Truncated})
}

func (s *Server) importWindow(req importRequest) (ics.Window, error) {
	from := s.today()
	if req.From != "" {
		k, err := model.ParseDateKey(req.From)
		if err != nil {
			return ics.Window{}, err
		}
		from = k
	}
	to := model.DateKeyOf(from.Time().AddDate(1, 0, 0))
	if req.To != "" {
		k, err := model.ParseDateKey(req.To)
		if err != nil {
			return ics.Window{}, err
		}
		to = k
	}
	if to < from {
		return ics.Window{}, errors.New("import window ends before it starts")
	}
	return ics.Window{From: from, To: to}, nil
}

func (s *Server) importDates(ctx context.Context, url string, win ics.Window) (ics.Expansion, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.cfg.ICS.FetchTimeout+5*time.Second)
	defer cancel()
	res, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return ics.Expansion{}, err
	}
	return ics.ImportDates(res.Body, win, s.loc, s.cfg.ICS.MaxDates)
}

type eventSummary struct {
	PublicID    string    `json:"publicId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Dates       int       `json:"dates"`
	Voting      int       `json:"votingParticipants"`
	CreatedAt   time.Time `json:"createdAt"`
}

func summarize(events []model.Event) []eventSummary {
	out := make([]eventSummary, 0, len(events))
	for _, ev := range events {
		out = append(out, eventSummary{
			PublicID:    ev.PublicID,
			Title:       ev.Title,
			Description: ev.Description,
			Dates:       len(ev.Options),
			Voting:      poll.VotingParticipantCount(ev.Options),
			CreatedAt:   ev.CreatedAt,
		})
	}
	return out
}

func (s *Server) handleEventsByCreator(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.EventsByCreator(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeStoreError(w, err, "events")
		return
	}
	writeJSON(w, http.StatusOK, summarize(events))
}

func (s *Server) handleEventsByParticipant(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.EventsByParticipant(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeStoreError(w, err, "events")
		return
	}
	writeJSON(w, http.StatusOK, summarize(events))
}
