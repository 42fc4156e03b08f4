package poll

import (
	"errors"
	"fmt"
	"strings"

	appLog "datepoll/internal/log"
	"datepoll/internal/model"
)

// VoteInput is one entry of a batch submission as it arrives from a client.
// Date is normalized before lookup.
type VoteInput struct {
	Date   string `json:"date"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// Machine-readable rejection reasons.
const (
	ReasonUnknownDate        = "unknown_date"
	ReasonInvalidStatus      = "invalid_status"
	ReasonInvalidDate        = "invalid_date"
	ReasonMissingParticipant = "missing_participant"
	ReasonOther              = "other"
)

// Rejection explains why one batch entry was skipped. Reason is one of the
// Reason* codes; Detail is the human-readable error.
type Rejection struct {
	Input  VoteInput `json:"input"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail"`
	Err    error     `json:"-"`
}

// RejectionReason maps a ledger error to its reason code.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDate):
		return ReasonUnknownDate
	case errors.Is(err, ErrInvalidStatus):
		return ReasonInvalidStatus
	case errors.Is(err, model.ErrInvalidDateKey):
		return ReasonInvalidDate
	case errors.Is(err, ErrMissingParticipant):
		return ReasonMissingParticipant
	}
	return ReasonOther
}

// BatchResult is the partial-success report of SubmitVotes.
type BatchResult struct {
	Accepted []model.DateKey `json:"accepted"`
	Rejected []Rejection     `json:"rejected"`
}

// OK reports whether every entry was applied.
func (r BatchResult) OK() bool { return len(r.Rejected) == 0 }

// UpsertVote records participant's answer for date and returns the updated
// event. The input event is left untouched.
//
// A participant has at most one vote per date: an existing vote keeps its
// position and has its status and note replaced, otherwise the vote is
// appended. date is compared by calendar day; a value that is not a date
// yields model.ErrInvalidDateKey.
func UpsertVote(ev model.Event, date model.DateKey, participant string, status model.Status, note string) (model.Event, error) {
	date, err := date.Normalize()
	if err != nil {
		return ev, err
	}
	if participant == "" {
		return ev, ErrMissingParticipant
	}
	if !status.Valid() {
		return ev, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	idx := optionIndex(ev.Options, date)
	if idx < 0 {
		return ev, &UnknownDateError{Date: date}
	}

	out := ev.Clone()
	opt := &out.Options[idx]
	note = strings.TrimSpace(note)
	for i := range opt.Votes {
		if opt.Votes[i].ParticipantID == participant {
			opt.Votes[i].Status = status
			opt.Votes[i].Note = note
			return out, nil
		}
	}
	opt.Votes = append(opt.Votes, model.Vote{ParticipantID: participant, Status: status, Note: note})
	return out, nil
}

// SubmitVotes applies every entry independently. Entries that fail to parse
// or target a date the event no longer offers are skipped and reported; the
// rest are committed. Stale dates are expected when the creator edits the
// event while a participant is voting.
func SubmitVotes(ev model.Event, participant string, votes []VoteInput) (model.Event, BatchResult) {
	res := BatchResult{Accepted: []model.DateKey{}, Rejected: []Rejection{}}
	for _, in := range votes {
		next, date, err := applyInput(ev, participant, in)
		if err != nil {
			appLog.Debug("vote skipped", "participant", participant, "date", in.Date, "status", in.Status, "reason", err.Error())
			res.Rejected = append(res.Rejected, Rejection{Input: in, Reason: RejectionReason(err), Detail: err.Error(), Err: err})
			continue
		}
		ev = next
		res.Accepted = append(res.Accepted, date)
	}
	return ev, res
}

func applyInput(ev model.Event, participant string, in VoteInput) (model.Event, model.DateKey, error) {
	date, err := model.ParseDateKey(in.Date)
	if err != nil {
		return ev, "", err
	}
	status, ok := model.ParseStatus(in.Status)
	if !ok {
		return ev, date, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	next, err := UpsertVote(ev, date, participant, status, in.Note)
	return next, date, err
}

// VoteOf returns participant's vote for date, if any.
func VoteOf(options []model.EventOption, date model.DateKey, participant string) (model.Vote, bool) {
	idx := optionIndex(options, date)
	if idx < 0 {
		return model.Vote{}, false
	}
	for _, v := range options[idx].Votes {
		if v.ParticipantID == participant {
			return v, true
		}
	}
	return model.Vote{}, false
}

func optionIndex(options []model.EventOption, date model.DateKey) int {
	date = normalizedOr(date)
	for i, o := range options {
		if normalizedOr(o.Date) == date {
			return i
		}
	}
	return -1
}
