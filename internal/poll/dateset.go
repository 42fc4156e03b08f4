package poll

import (
	"sort"

	"github.com/samber/lo"

	"datepoll/internal/model"
)

// DateSet is a duplicate-free list of candidate dates. Order is kept for
// display only; membership is decided by DateKey equality.
type DateSet []model.DateKey

// NewDateSet drops duplicates while keeping first-seen order.
func NewDateSet(dates ...model.DateKey) DateSet {
	return DateSet(lo.Uniq(dates))
}

// ParseDateSet normalizes raw strings into a set. Entries that are not
// dates are returned separately.
func ParseDateSet(raw []string) (DateSet, []string) {
	keys := make([]model.DateKey, 0, len(raw))
	var invalid []string
	for _, s := range raw {
		k, err := model.ParseDateKey(s)
		if err != nil {
			invalid = append(invalid, s)
			continue
		}
		keys = append(keys, k)
	}
	return NewDateSet(keys...), invalid
}

// Contains reports whether the set holds the calendar day of d.
func (s DateSet) Contains(d model.DateKey) bool {
	if k, err := d.Normalize(); err == nil {
		d = k
	}
	return lo.Contains(s, d)
}

// Sorted returns a chronologically ordered copy.
func (s DateSet) Sorted() DateSet {
	out := append(DateSet(nil), s...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal compares two sets ignoring order.
func (s DateSet) Equal(o DateSet) bool {
	if len(s) != len(o) {
		return false
	}
	for _, d := range s {
		if !o.Contains(d) {
			return false
		}
	}
	return true
}

// Toggle adds d when absent and removes it when present. The input is never
// modified. A d that is not a date leaves the set unchanged.
func Toggle(s DateSet, d model.DateKey) DateSet {
	d, err := d.Normalize()
	if err != nil {
		return append(DateSet(nil), s...)
	}
	if s.Contains(d) {
		return lo.Without(s, d)
	}
	out := make(DateSet, 0, len(s)+1)
	out = append(out, s...)
	return append(out, d)
}

// MergeResult reports what MergeNew did with each proposed date. Ignored
// holds proposals that were already candidates; Invalid holds the ones that
// are not dates at all.
type MergeResult struct {
	Added   []model.DateKey `json:"added"`
	Ignored []model.DateKey `json:"ignored"`
	Invalid []model.DateKey `json:"invalid,omitempty"`
}

// MergeNew adds an empty option for every proposed date that is not already
// a candidate. Existing options, and the votes on them, are carried over
// untouched; nothing is ever removed. Proposals that are already present are
// reported as ignored rather than treated as errors. Proposals are compared
// by calendar day, so a timestamp never adds a second option for a day that
// is already offered.
func MergeNew(existing []model.EventOption, proposed []model.DateKey) ([]model.EventOption, MergeResult) {
	out := model.CloneOptions(existing)
	if out == nil {
		out = make([]model.EventOption, 0, len(proposed))
	}
	present := make(map[model.DateKey]struct{}, len(out)+len(proposed))
	for _, o := range out {
		present[normalizedOr(o.Date)] = struct{}{}
	}

	var res MergeResult
	for _, raw := range proposed {
		d, err := raw.Normalize()
		if err != nil {
			res.Invalid = append(res.Invalid, raw)
			continue
		}
		if _, ok := present[d]; ok {
			res.Ignored = append(res.Ignored, d)
			continue
		}
		present[d] = struct{}{}
		out = append(out, model.EventOption{Date: d, Votes: []model.Vote{}})
		res.Added = append(res.Added, d)
	}
	return out, res
}

// normalizedOr returns the normalized form of k, or k itself when it is not
// a date.
func normalizedOr(k model.DateKey) model.DateKey {
	if n, err := k.Normalize(); err == nil {
		return n
	}
	return k
}

// OptionsFor builds the initial option list of a new event.
func OptionsFor(dates DateSet) []model.EventOption {
	opts, _ := MergeNew(nil, dates)
	return opts
}
