package poll

import (
	"fmt"
	"sort"
	"strings"

	appLog "datepoll/internal/log"
	"datepoll/internal/model"
)

// UnknownParticipant is shown for votes whose participant is missing from
// the directory.
const UnknownParticipant = "unknown participant"

// Directory resolves participant ids to display names.
type Directory map[string]string

// Participant is one named entry of a status bucket.
type Participant struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

// Bucket holds the votes of one status for one date, in vote order.
type Bucket struct {
	Count        int           `json:"count"`
	Participants []Participant `json:"participants"`
}

// StatusRecord is the tally for one date.
type StatusRecord struct {
	Yes            Bucket  `json:"yes"`
	No             Bucket  `json:"no"`
	Maybe          Bucket  `json:"maybe"`
	AttendanceRate float64 `json:"attendanceRate"`
}

func newStatusRecord() *StatusRecord {
	return &StatusRecord{
		Yes:   Bucket{Participants: []Participant{}},
		No:    Bucket{Participants: []Participant{}},
		Maybe: Bucket{Participants: []Participant{}},
	}
}

// Bucket returns the bucket for s, or nil for an invalid status.
func (r *StatusRecord) Bucket(s model.Status) *Bucket {
	switch s {
	case model.StatusYes:
		return &r.Yes
	case model.StatusNo:
		return &r.No
	case model.StatusMaybe:
		return &r.Maybe
	}
	return nil
}

// Total is the number of votes cast for the date.
func (r StatusRecord) Total() int {
	return r.Yes.Count + r.No.Count + r.Maybe.Count
}

// VoteSummary maps each candidate date to its tally.
type VoteSummary map[model.DateKey]StatusRecord

// ViewerStatus is one of the viewer's own votes.
type ViewerStatus struct {
	Date   model.DateKey `json:"date"`
	Status model.Status  `json:"status"`
	Note   string        `json:"note"`
}

// Result is the output of Aggregate. It is derived data and must be rebuilt
// after every ledger change.
type Result struct {
	Summary             VoteSummary                `json:"votesSummary"`
	Viewer              []ViewerStatus             `json:"userStatus"`
	Notes               map[model.DateKey][]string `json:"notesSummary"`
	MissingParticipants int                        `json:"missingParticipants"`
	dates               []model.DateKey
}

// Dates returns the summarized dates in option order.
func (r Result) Dates() []model.DateKey {
	return append([]model.DateKey(nil), r.dates...)
}

type aggregateOptions struct {
	weights  Weights
	eligible int
}

// AggregateOption tunes the attendance estimate attached to each record.
type AggregateOption func(*aggregateOptions)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) AggregateOption {
	return func(o *aggregateOptions) { o.weights = w }
}

// WithEligibleVoters divides expected attendance by n instead of the number
// of votes cast per date. n <= 0 keeps the per-date vote count.
func WithEligibleVoters(n int) AggregateOption {
	return func(o *aggregateOptions) { o.eligible = n }
}

// Aggregate tallies options into per-date records, collects the viewer's own
// votes in option order and formats the notes left on each date.
//
// A participant missing from dir is shown as UnknownParticipant; the lookup
// failure is counted but never aborts the aggregation. Output only depends on
// the inputs: participant lists follow each option's vote order.
func Aggregate(options []model.EventOption, dir Directory, viewerID string, opts ...AggregateOption) Result {
	cfg := aggregateOptions{weights: DefaultWeights}
	for _, o := range opts {
		o(&cfg)
	}

	res := Result{
		Summary: make(VoteSummary, len(options)),
		Viewer:  []ViewerStatus{},
		Notes:   make(map[model.DateKey][]string),
		dates:   make([]model.DateKey, 0, len(options)),
	}
	records := make(map[model.DateKey]*StatusRecord, len(options))

	for _, opt := range options {
		rec, ok := records[opt.Date]
		if !ok {
			rec = newStatusRecord()
			records[opt.Date] = rec
			res.dates = append(res.dates, opt.Date)
		}

		for _, v := range opt.Votes {
			b := rec.Bucket(v.Status)
			if b == nil {
				appLog.Debug("aggregate: skipping vote with invalid status", "date", opt.Date, "participant", v.ParticipantID, "status", v.Status)
				continue
			}

			name, ok := dir[v.ParticipantID]
			if !ok || name == "" {
				name = UnknownParticipant
				res.MissingParticipants++
			}
			note := strings.TrimSpace(v.Note)

			b.Count++
			b.Participants = append(b.Participants, Participant{Name: name, Note: note})

			if viewerID != "" && v.ParticipantID == viewerID {
				res.Viewer = append(res.Viewer, ViewerStatus{Date: opt.Date, Status: v.Status, Note: note})
			}
			if note != "" {
				res.Notes[opt.Date] = append(res.Notes[opt.Date], FormatNote(name, v.Status, note))
			}
		}
	}

	for _, d := range res.dates {
		rec := records[d]
		rec.AttendanceRate = Estimate(*rec, cfg.weights, cfg.eligible)
		res.Summary[d] = *rec
	}
	return res
}

// FormatNote renders one note line as "name (status): note".
func FormatNote(name string, status model.Status, note string) string {
	return fmt.Sprintf("%s (%s): %s", name, status, note)
}

// NotesFor returns the note lines of date; with all unset only the first one.
func NotesFor(notes map[model.DateKey][]string, date model.DateKey, all bool) []string {
	lines := notes[date]
	if len(lines) == 0 {
		return []string{}
	}
	if all {
		return append([]string(nil), lines...)
	}
	return []string{lines[0]}
}

// VotingParticipantCount counts distinct participants across all options.
func VotingParticipantCount(options []model.EventOption) int {
	seen := make(map[string]struct{})
	for _, o := range options {
		for _, v := range o.Votes {
			seen[v.ParticipantID] = struct{}{}
		}
	}
	return len(seen)
}

// Rank orders the summarized dates best first: by attendance rate, then by
// yes count, then chronologically.
func Rank(r Result) []model.DateKey {
	out := r.Dates()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := r.Summary[out[i]], r.Summary[out[j]]
		if a.AttendanceRate != b.AttendanceRate {
			return a.AttendanceRate > b.AttendanceRate
		}
		if a.Yes.Count != b.Yes.Count {
			return a.Yes.Count > b.Yes.Count
		}
		return out[i] < out[j]
	})
	return out
}
