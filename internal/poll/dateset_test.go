package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datepoll/internal/model"
)

func keys(ss ...string) []model.DateKey {
	out := make([]model.DateKey, 0, len(ss))
	for _, s := range ss {
		out = append(out, model.MustDateKey(s))
	}
	return out
}

func TestToggleIsInvolution(t *testing.T) {
	sets := []DateSet{
		nil,
		NewDateSet(keys("2025-01-10")...),
		NewDateSet(keys("2025-01-10", "2025-01-11", "2025-02-01")...),
	}
	dates := keys("2025-01-10", "2025-01-12", "2025-02-01")

	for _, s := range sets {
		for _, d := range dates {
			before := append(DateSet(nil), s...)
			once := Toggle(s, d)
			twice := Toggle(once, d)

			assert.True(t, twice.Equal(s), "toggle(toggle(%v, %s))", s, d)
			assert.NotEqual(t, s.Contains(d), once.Contains(d))
			assert.Equal(t, before, s, "input mutated")
		}
	}
}

func TestParseDateSet(t *testing.T) {
	set, invalid := ParseDateSet([]string{"2025-01-10", "2025-01-10T12:00:00Z", "nope", "2025-01-11"})

	assert.Equal(t, DateSet(keys("2025-01-10", "2025-01-11")), set)
	assert.Equal(t, []string{"nope"}, invalid)
	assert.Equal(t, DateSet(keys("2025-01-10", "2025-01-11")), NewDateSet(keys("2025-01-11", "2025-01-10")...).Sorted())
}

func TestMergeNewKeepsExistingVotes(t *testing.T) {
	existing := []model.EventOption{{
		Date:  "2025-01-10",
		Votes: []model.Vote{{ParticipantID: "a", Status: model.StatusYes}},
	}}

	merged, res := MergeNew(existing, keys("2025-01-10", "2025-01-12"))

	require.Len(t, merged, 2)
	assert.Equal(t, model.DateKey("2025-01-10"), merged[0].Date)
	assert.Equal(t, existing[0].Votes, merged[0].Votes)
	assert.Equal(t, model.DateKey("2025-01-12"), merged[1].Date)
	assert.Empty(t, merged[1].Votes)
	assert.NotNil(t, merged[1].Votes)
	assert.Equal(t, keys("2025-01-12"), res.Added)
	assert.Equal(t, keys("2025-01-10"), res.Ignored)
}

func TestMergeNewIsIdempotent(t *testing.T) {
	existing := []model.EventOption{
		{Date: "2025-01-10", Votes: []model.Vote{{ParticipantID: "a", Status: model.StatusMaybe, Note: "late"}}},
		{Date: "2025-01-11", Votes: []model.Vote{}},
	}
	proposed := keys("2025-01-12", "2025-01-11", "2025-01-12", "2025-01-13")

	once, first := MergeNew(existing, proposed)
	twice, second := MergeNew(once, proposed)

	assert.Equal(t, once, twice)
	assert.Equal(t, keys("2025-01-12", "2025-01-13"), first.Added)
	assert.Equal(t, keys("2025-01-11", "2025-01-12"), first.Ignored)
	assert.Empty(t, second.Added)

	for _, o := range existing {
		idx := optionIndex(twice, o.Date)
		require.GreaterOrEqual(t, idx, 0)
		assert.Equal(t, o.Votes, twice[idx].Votes)
	}
}

func TestMergeNewDoesNotAliasInput(t *testing.T) {
	existing := []model.EventOption{{Date: "2025-01-10", Votes: []model.Vote{{ParticipantID: "a", Status: model.StatusYes}}}}

	merged, _ := MergeNew(existing, keys("2025-01-11"))
	merged[0].Votes[0].Status = model.StatusNo

	assert.Equal(t, model.StatusYes, existing[0].Votes[0].Status)
}

func TestOptionsFor(t *testing.T) {
	opts := OptionsFor(NewDateSet(keys("2025-03-01", "2025-03-02", "2025-03-01")...))
	require.Len(t, opts, 2)
	for _, o := range opts {
		assert.NotNil(t, o.Votes)
	}
}

func TestMergeNewComparesCalendarDays(t *testing.T) {
	existing := OptionsFor(NewDateSet(keys("2025-01-10")...))

	merged, res := MergeNew(existing, []model.DateKey{
		"2025-01-10T09:00:00+02:00",
		"2025-01-11 18:30",
		"2025-01-11",
		"next friday",
	})

	require.Len(t, merged, 2)
	assert.Equal(t, model.DateKey("2025-01-10"), merged[0].Date)
	assert.Equal(t, model.DateKey("2025-01-11"), merged[1].Date)
	assert.Equal(t, keys("2025-01-11"), res.Added)
	assert.Equal(t, keys("2025-01-10", "2025-01-11"), res.Ignored)
	assert.Equal(t, []model.DateKey{"next friday"}, res.Invalid)
}

func TestToggleNormalizesDate(t *testing.T) {
	s := NewDateSet(keys("2025-01-10")...)

	assert.Empty(t, Toggle(s, "2025-01-10T23:00:00Z"))
	assert.Equal(t, DateSet(keys("2025-01-10", "2025-01-11")), Toggle(s, "2025-01-11T08:00:00Z"))
	assert.Equal(t, s, Toggle(s, "soon"))
	assert.True(t, s.Contains("2025-01-10T07:00:00-05:00"))
}
