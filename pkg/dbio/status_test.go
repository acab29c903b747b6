package dbio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRecordStatus(t *testing.T) {
	st := NewRecordStatus()
	require.Equal(t, StateEdit, st.State)
	require.Equal(t, ActionCreate, st.Action)
	require.Greater(t, st.Created, float64(0))
	require.Equal(t, st.Created, st.Since)
	require.Equal(t, st.Created, st.Modified)
}

func TestActTimestampConventions(t *testing.T) {
	st := NewRecordStatus()

	st.Act(ActionUpdate, "changed", -1)
	require.Equal(t, ActionUpdate, st.Action)
	require.Equal(t, "changed", st.Message)
	require.GreaterOrEqual(t, st.Modified, st.Since)

	st.Act(ActionFinalize, "queued", 0)
	require.Equal(t, Pending, st.Modified)
	require.Equal(t, "pending", st.ModifiedDate())

	st.Act(ActionSubmit, "", 1700000000.25)
	require.Equal(t, 1700000000.25, st.Modified)
	require.NotEqual(t, "pending", st.ModifiedDate())
}

func TestSetStateResetsSinceOnlyOnChange(t *testing.T) {
	st := NewRecordStatus()
	before := st.Since

	st.SetState(StateEdit, -1)
	require.Equal(t, before, st.Since)

	st.SetState(StateReady, -1)
	require.Equal(t, StateReady, st.State)
	require.GreaterOrEqual(t, st.Since, before)
	require.GreaterOrEqual(t, st.Modified, st.Since)
}

func TestPubReview(t *testing.T) {
	st := NewRecordStatus()
	st.PubReview("nps", "in progress", "rev-1", "https://nps.example/rev-1", nil, false, nil)
	rev := st.Review["nps"]
	require.NotNil(t, rev)
	require.Equal(t, "in progress", rev.Phase)
	require.Equal(t, "rev-1", rev.ID)

	fb := []any{map[string]any{"type": "req", "description": "fix title"}}
	st.PubReview("nps", "paused", "", "", fb, false, map[string]any{"round": 2.0})
	rev = st.Review["nps"]
	require.Equal(t, "paused", rev.Phase)
	require.Equal(t, "rev-1", rev.ID)
	require.Len(t, rev.Feedback, 1)
	require.Equal(t, 2.0, rev.Extras["round"])

	st.PubReview("nps", "approved", "", "", nil, true, nil)
	rev = st.Review["nps"]
	require.Equal(t, "approved", rev.Phase)
	require.Empty(t, rev.Feedback)
	require.Empty(t, rev.ID)
}

func TestPublishStamping(t *testing.T) {
	st := NewRecordStatus()
	st.Publish("ark:/88434/mdm1-0001", "1.0.0", "dbio_store:dmp_latest/ark:/88434/mdm1-0001")
	require.Equal(t, "ark:/88434/mdm1-0001", st.PublishedAs)
	require.Equal(t, "1.0.0", st.PublishedVersion)
	require.Equal(t, "dbio_store:dmp_latest/ark:/88434/mdm1-0001", st.ArchivedAt)
}

func TestStatusMapRoundTrip(t *testing.T) {
	st := NewRecordStatus()
	st.SetState(StateSubmitted, -1)
	st.PubReview("nps", "in progress", "", "", nil, false, map[string]any{"note": "x"})

	back := statusFromMap(statusToMap(st))
	require.Equal(t, st.State, back.State)
	require.Equal(t, st.Since, back.Since)
	require.Equal(t, "in progress", back.Review["nps"].Phase)
	require.Equal(t, "x", back.Review["nps"].Extras["note"])
}

func TestStatusClone(t *testing.T) {
	st := NewRecordStatus()
	st.PubReview("nps", "in progress", "", "", []any{"fb"}, false, nil)
	cp := st.Clone()
	cp.SetState(StateUnwell, -1)
	cp.Review["nps"].Phase = "paused"
	require.Equal(t, StateEdit, st.State)
	require.Equal(t, "in progress", st.Review["nps"].Phase)
}
