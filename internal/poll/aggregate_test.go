package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datepoll/internal/model"
)

func TestAggregateScenario(t *testing.T) {
	ev := sampleEvent()
	ev, err := UpsertVote(ev, "2025-01-10", "A", model.StatusYes, "")
	require.NoError(t, err)
	ev, err = UpsertVote(ev, "2025-01-10", "B", model.StatusMaybe, "running late")
	require.NoError(t, err)

	res := Aggregate(ev.Options, Directory{"A": "A", "B": "B"}, "B")

	rec := res.Summary["2025-01-10"]
	assert.Equal(t, 1, rec.Yes.Count)
	assert.Equal(t, []Participant{{Name: "A"}}, rec.Yes.Participants)
	assert.Equal(t, 0, rec.No.Count)
	assert.Empty(t, rec.No.Participants)
	assert.Equal(t, 1, rec.Maybe.Count)
	assert.Equal(t, []Participant{{Name: "B", Note: "running late"}}, rec.Maybe.Participants)
	assert.InDelta(t, (0.8+0.2)/2, rec.AttendanceRate, 1e-9)

	assert.Equal(t, []string{"B (maybe): running late"}, res.Notes["2025-01-10"])
	assert.Equal(t, []ViewerStatus{{Date: "2025-01-10", Status: model.StatusMaybe, Note: "running late"}}, res.Viewer)

	empty := res.Summary["2025-01-11"]
	assert.Equal(t, 0, empty.Total())
	assert.Zero(t, empty.AttendanceRate)
	assert.Equal(t, keys("2025-01-10", "2025-01-11"), res.Dates())
	assert.Zero(t, res.MissingParticipants)
}

func TestAggregateCountInvariant(t *testing.T) {
	ev := sampleEvent()
	participants := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	dir := Directory{}
	for i, p := range participants {
		dir[p] = "name-" + p
		status := model.Statuses[i%len(model.Statuses)]
		var err error
		ev, err = UpsertVote(ev, "2025-01-10", p, status, "")
		require.NoError(t, err)
		ev, err = UpsertVote(ev, "2025-01-11", p, model.Statuses[(i+1)%len(model.Statuses)], "")
		require.NoError(t, err)
	}

	res := Aggregate(ev.Options, dir, "")

	for _, opt := range ev.Options {
		rec := res.Summary[opt.Date]
		assert.Equal(t, len(opt.Votes), rec.Total(), opt.Date)

		seen := map[string]int{}
		for _, b := range []Bucket{rec.Yes, rec.No, rec.Maybe} {
			assert.Equal(t, b.Count, len(b.Participants))
			for _, p := range b.Participants {
				seen[p.Name]++
			}
		}
		for _, p := range participants {
			assert.Equal(t, 1, seen["name-"+p], "%s on %s", p, opt.Date)
		}
	}
	assert.Empty(t, res.Viewer)
}

func TestAggregateMissingParticipant(t *testing.T) {
	ev := sampleEvent()
	ev, _ = UpsertVote(ev, "2025-01-11", "ghost", model.StatusNo, "can't make it")
	ev, _ = UpsertVote(ev, "2025-01-11", "known", model.StatusYes, "")

	res := Aggregate(ev.Options, Directory{"known": "Known"}, "known")

	rec := res.Summary["2025-01-11"]
	assert.Equal(t, []Participant{{Name: UnknownParticipant, Note: "can't make it"}}, rec.No.Participants)
	assert.Equal(t, []Participant{{Name: "Known"}}, rec.Yes.Participants)
	assert.Equal(t, 1, res.MissingParticipants)
	assert.Equal(t, []string{UnknownParticipant + " (no): can't make it"}, res.Notes["2025-01-11"])
	assert.Len(t, res.Viewer, 1)
}

func TestAggregateIsDeterministic(t *testing.T) {
	ev := sampleEvent()
	for _, p := range []string{"c", "a", "b"} {
		ev, _ = UpsertVote(ev, "2025-01-10", p, model.StatusYes, "note from "+p)
	}
	dir := Directory{"a": "Ann", "b": "Bob", "c": "Cid"}

	first := Aggregate(ev.Options, dir, "a")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Aggregate(ev.Options, dir, "a"))
	}
	assert.Equal(t, []string{"Cid", "Ann", "Bob"}, []string{
		first.Summary["2025-01-10"].Yes.Participants[0].Name,
		first.Summary["2025-01-10"].Yes.Participants[1].Name,
		first.Summary["2025-01-10"].Yes.Participants[2].Name,
	})
}

func TestAggregateOptions(t *testing.T) {
	ev := sampleEvent()
	ev, _ = UpsertVote(ev, "2025-01-10", "a", model.StatusYes, "")

	res := Aggregate(ev.Options, Directory{"a": "A"}, "", WithEligibleVoters(4), WithWeights(Weights{Yes: 1, Maybe: 0.5}))
	assert.InDelta(t, 0.25, res.Summary["2025-01-10"].AttendanceRate, 1e-9)
}

func TestNotesForAndParticipantCount(t *testing.T) {
	notes := map[model.DateKey][]string{"2025-01-10": {"a", "b"}}

	assert.Equal(t, []string{"a", "b"}, NotesFor(notes, "2025-01-10", true))
	assert.Equal(t, []string{"a"}, NotesFor(notes, "2025-01-10", false))
	assert.Empty(t, NotesFor(notes, "2025-01-11", true))

	ev := sampleEvent()
	ev, _ = UpsertVote(ev, "2025-01-10", "a", model.StatusYes, "")
	ev, _ = UpsertVote(ev, "2025-01-11", "a", model.StatusNo, "")
	ev, _ = UpsertVote(ev, "2025-01-11", "b", model.StatusNo, "")
	assert.Equal(t, 2, VotingParticipantCount(ev.Options))
}

func TestRank(t *testing.T) {
	ev := model.Event{Options: OptionsFor(NewDateSet(keys("2025-01-10", "2025-01-11", "2025-01-12")...))}
	ev, _ = UpsertVote(ev, "2025-01-11", "a", model.StatusYes, "")
	ev, _ = UpsertVote(ev, "2025-01-12", "a", model.StatusYes, "")
	ev, _ = UpsertVote(ev, "2025-01-12", "b", model.StatusYes, "")

	res := Aggregate(ev.Options, nil, "", WithEligibleVoters(2))
	assert.Equal(t, keys("2025-01-12", "2025-01-11", "2025-01-10"), Rank(res))
}
