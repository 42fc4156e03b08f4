package poll

import (
	"fmt"
	"sort"
	"strings"

	"datepoll/internal/model"
)

// Draft keeps one participant's unsaved choices apart from the ledger the
// server has confirmed. Reads see pending choices first; Submission turns
// them into a batch and Reconcile folds the server's answer back in.
//
// The confirmed options are copied on the way in, so a Draft never writes to
// slices owned by someone else. A Draft is not safe for concurrent use.
type Draft struct {
	participant string
	confirmed   []model.EventOption
	pending     map[model.DateKey]ViewerStatus
}

// NewDraft starts an empty overlay on top of confirmed.
func NewDraft(participant string, confirmed []model.EventOption) *Draft {
	return &Draft{
		participant: participant,
		confirmed:   model.CloneOptions(confirmed),
		pending:     make(map[model.DateKey]ViewerStatus),
	}
}

// Set records a pending choice for a date the confirmed ledger offers.
func (d *Draft) Set(date model.DateKey, status model.Status, note string) error {
	date, err := date.Normalize()
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if optionIndex(d.confirmed, date) < 0 {
		return &UnknownDateError{Date: date}
	}
	d.pending[date] = ViewerStatus{Date: date, Status: status, Note: strings.TrimSpace(note)}
	return nil
}

// Clear drops the pending choice for date, revealing the confirmed one.
func (d *Draft) Clear(date model.DateKey) {
	delete(d.pending, normalizedOr(date))
}

// Dirty reports whether anything is waiting to be submitted.
func (d *Draft) Dirty() bool { return len(d.pending) > 0 }

// Status returns the effective choice for date: pending if any, otherwise
// the confirmed vote.
func (d *Draft) Status(date model.DateKey) (ViewerStatus, bool) {
	date = normalizedOr(date)
	if p, ok := d.pending[date]; ok {
		return p, true
	}
	if v, ok := VoteOf(d.confirmed, date, d.participant); ok {
		return ViewerStatus{Date: date, Status: v.Status, Note: v.Note}, true
	}
	return ViewerStatus{}, false
}

// Effective lists the effective choice for every offered date that has one,
// in option order.
func (d *Draft) Effective() []ViewerStatus {
	out := make([]ViewerStatus, 0, len(d.confirmed))
	for _, o := range d.confirmed {
		if s, ok := d.Status(o.Date); ok {
			out = append(out, s)
		}
	}
	return out
}

// Pending lists pending choices by date.
func (d *Draft) Pending() []ViewerStatus {
	out := make([]ViewerStatus, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Submission renders the pending choices as a SubmitVotes batch.
func (d *Draft) Submission() []VoteInput {
	pending := d.Pending()
	out := make([]VoteInput, 0, len(pending))
	for _, p := range pending {
		out = append(out, VoteInput{Date: p.Date.String(), Status: string(p.Status), Note: p.Note})
	}
	return out
}

// Reconcile replaces the confirmed snapshot with the server's latest and
// drops pending choices that were accepted or whose date is gone. Rejected
// choices for dates still on offer stay pending.
func (d *Draft) Reconcile(confirmed []model.EventOption, res BatchResult) {
	d.confirmed = model.CloneOptions(confirmed)
	for _, date := range res.Accepted {
		delete(d.pending, date)
	}
	for date := range d.pending {
		if optionIndex(d.confirmed, date) < 0 {
			delete(d.pending, date)
		}
	}
}
