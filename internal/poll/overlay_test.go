package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datepoll/internal/model"
)

func TestDraftPendingWinsOverConfirmed(t *testing.T) {
	ev := sampleEvent()
	ev, _ = UpsertVote(ev, "2025-01-10", "a", model.StatusNo, "")

	d := NewDraft("a", ev.Options)
	s, ok := d.Status("2025-01-10")
	require.True(t, ok)
	assert.Equal(t, model.StatusNo, s.Status)
	assert.False(t, d.Dirty())

	require.NoError(t, d.Set("2025-01-10", model.StatusYes, "ok"))
	s, _ = d.Status("2025-01-10")
	assert.Equal(t, model.StatusYes, s.Status)
	assert.True(t, d.Dirty())

	d.Clear("2025-01-10")
	s, _ = d.Status("2025-01-10")
	assert.Equal(t, model.StatusNo, s.Status)

	assert.ErrorIs(t, d.Set("2025-03-01", model.StatusYes, ""), ErrUnknownDate)
	assert.ErrorIs(t, d.Set("2025-01-10", model.Status("x"), ""), ErrInvalidStatus)
}

func TestDraftDoesNotShareConfirmedSlices(t *testing.T) {
	ev := sampleEvent()
	ev, _ = UpsertVote(ev, "2025-01-10", "a", model.StatusNo, "")

	d := NewDraft("a", ev.Options)
	ev.Options[0].Votes[0].Status = model.StatusYes

	s, _ := d.Status("2025-01-10")
	assert.Equal(t, model.StatusNo, s.Status)
}

func TestDraftSubmitAndReconcile(t *testing.T) {
	ev := sampleEvent()
	d := NewDraft("a", ev.Options)
	require.NoError(t, d.Set("2025-01-11", model.StatusMaybe, "maybe"))
	require.NoError(t, d.Set("2025-01-10", model.StatusYes, ""))

	batch := d.Submission()
	assert.Equal(t, []VoteInput{
		{Date: "2025-01-10", Status: "yes"},
		{Date: "2025-01-11", Status: "maybe", Note: "maybe"},
	}, batch)

	// The creator added a date meanwhile; nothing was removed.
	ev.Options, _ = MergeNew(ev.Options, keys("2025-01-12"))
	next, res := SubmitVotes(ev, "a", batch)
	require.True(t, res.OK())

	d.Reconcile(next.Options, res)
	assert.False(t, d.Dirty())
	assert.Equal(t, []ViewerStatus{
		{Date: "2025-01-10", Status: model.StatusYes},
		{Date: "2025-01-11", Status: model.StatusMaybe, Note: "maybe"},
	}, d.Effective())
}

func TestDraftReconcileKeepsRejectedAndDropsStale(t *testing.T) {
	ev := sampleEvent()
	d := NewDraft("a", ev.Options)
	require.NoError(t, d.Set("2025-01-10", model.StatusYes, ""))
	require.NoError(t, d.Set("2025-01-11", model.StatusNo, ""))

	res := BatchResult{
		Accepted: keys("2025-01-10"),
		Rejected: []Rejection{{Input: VoteInput{Date: "2025-01-11", Status: "no"}, Reason: "store busy"}},
	}
	d.Reconcile(ev.Options, res)
	assert.Equal(t, []ViewerStatus{{Date: "2025-01-11", Status: model.StatusNo}}, d.Pending())

	d.Reconcile(ev.Options[:1], BatchResult{})
	assert.False(t, d.Dirty())
}

func TestDraftKeysByCalendarDay(t *testing.T) {
	d := NewDraft("a", sampleEvent().Options)

	require.NoError(t, d.Set("2025-01-10T18:00:00+01:00", model.StatusMaybe, ""))
	require.NoError(t, d.Set("2025-01-10", model.StatusYes, ""))
	require.Len(t, d.Pending(), 1)

	s, ok := d.Status("2025-01-10 09:00")
	require.True(t, ok)
	assert.Equal(t, model.StatusYes, s.Status)
	assert.Equal(t, model.DateKey("2025-01-10"), s.Date)

	d.Clear("2025-01-10T00:00:00Z")
	assert.False(t, d.Dirty())
	assert.ErrorIs(t, d.Set("someday", model.StatusYes, ""), model.ErrInvalidDateKey)
}
