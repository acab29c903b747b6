package project_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/dbio/inmem"
	"github.com/midas-platform/midas/pkg/project"
	"github.com/midas-platform/midas/pkg/prov"
)

func newTestService(t *testing.T, actor string, opts ...project.Option) (*project.Service, *inmem.Backend) {
	t.Helper()
	back := inmem.NewBackend()
	return serviceOn(back, actor, opts...), back
}

func serviceOn(back *inmem.Backend, actor string, opts ...project.Option) *project.Service {
	who := prov.NewAgent("midas", prov.PublicClass, actor)
	cli := dbio.NewClient(back, dbio.DMPProjects, who, dbio.ClientConfig{
		Superusers:       []string{"rlp"},
		AllowedShoulders: []string{"mdm1"},
		DefaultShoulder:  "mdm1",
	})
	return project.NewService(cli, project.Config{}, opts...)
}

func TestCreateRecordWithInitialData(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)
	require.Equal(t, "mdm1:0001", rec.ID())
	require.Equal(t, "Alpha", rec.Data["title"])
	require.Equal(t, "mdm1:0001", rec.Meta["sipid"])
	require.Equal(t, "mdm1-0001", rec.Meta["aipid"])

	acts, err := svc.Client().SelectActionsFor(ctx, rec.ID())
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	require.Equal(t, prov.ActionCreate, acts[0].Type)
}

func TestCreateRecordForUserRequiresSuperuser(t *testing.T) {
	ctx := context.Background()
	svc, back := newTestService(t, "u1")

	_, err := svc.CreateRecord(ctx, "Alpha", nil, map[string]any{"foruser": "u2"})
	require.ErrorIs(t, err, dbio.ErrNotAuthorized)

	super := serviceOn(back, "rlp")
	rec, err := super.CreateRecord(ctx, "Beta", nil, map[string]any{"foruser": "u2"})
	require.NoError(t, err)
	require.Equal(t, "u2", rec.OwnerID())
}

func TestUpdateDataMergesDeeply(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{
		"title":   "Alpha",
		"contact": map[string]any{"name": "Ray", "email": "ray@example.com"},
	}, nil)
	require.NoError(t, err)

	data, err := svc.UpdateData(ctx, rec.ID(), map[string]any{
		"contact": map[string]any{"email": "plante@example.com"},
	}, "", "fix email")
	require.NoError(t, err)

	contact := data["contact"].(map[string]any)
	require.Equal(t, "Ray", contact["name"])
	require.Equal(t, "plante@example.com", contact["email"])
	require.Equal(t, "Alpha", data["title"])
}

func TestConcurrentUpdatesWithSharedLocksSerialize(t *testing.T) {
	ctx := context.Background()

	// a transform that dawdles widens the read-modify-write window enough
	// for unserialized updates to clobber each other
	slow := func(_ *dbio.ProjectRecord, data map[string]any) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return data, nil
	}

	back := inmem.NewBackend()
	locks := project.NewLocks()
	svc1 := serviceOn(back, "u1", project.WithLocks(locks), project.WithTransforms(slow))
	svc2 := serviceOn(back, "u1", project.WithLocks(locks), project.WithTransforms(slow))

	rec, err := svc1.CreateRecord(ctx, "Alpha", nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc1.UpdateData(ctx, rec.ID(), map[string]any{"a": 1}, "", "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc2.UpdateData(ctx, rec.ID(), map[string]any{"b": 2}, "", "")
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := svc1.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, float64(1), got.Data["a"])
	require.Equal(t, float64(2), got.Data["b"])
}

func TestUpdateDataRecordsJSONPatch(t *testing.T) {
	ctx := context.Background()
	svc, back := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{
		"a": map[string]any{"b": 1, "c": 2},
	}, nil)
	require.NoError(t, err)

	_, err = svc.UpdateData(ctx, rec.ID(), map[string]any{
		"a": map[string]any{"b": 5},
	}, "", "")
	require.NoError(t, err)

	acts, err := back.SelectActionsFor(ctx, rec.ID())
	require.NoError(t, err)

	var patch map[string]any
	for _, act := range acts {
		if act["type"] == "PATCH" {
			patch = act
		}
	}
	require.NotNil(t, patch, "no PATCH action recorded")
	require.Equal(t,
		[]any{map[string]any{"op": "replace", "path": "/a/b", "value": float64(5)}},
		patch["object"])
}

func TestUpdateDataWithPartPointer(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", nil, nil)
	require.NoError(t, err)

	data, err := svc.UpdateData(ctx, rec.ID(), map[string]any{"name": "Ray"}, "contact/author", "")
	require.NoError(t, err)
	contact := data["contact"].(map[string]any)
	author := contact["author"].(map[string]any)
	require.Equal(t, "Ray", author["name"])

	// a scalar in the path is not traversable
	_, err = svc.UpdateData(ctx, rec.ID(), map[string]any{"x": 1}, "contact/author/name/deeper", "")
	var pna *dbio.PartNotAccessibleError
	require.ErrorAs(t, err, &pna)
}

func TestReplaceDataOverwrites(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{
		"title":   "Alpha",
		"contact": map[string]any{"name": "Ray"},
	}, nil)
	require.NoError(t, err)

	data, err := svc.ReplaceData(ctx, rec.ID(), map[string]any{"title": "Beta"}, "", "")
	require.NoError(t, err)
	require.Equal(t, "Beta", data["title"])
	require.NotContains(t, data, "contact")
}

func TestClearData(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{
		"title":   "Alpha",
		"contact": map[string]any{"name": "Ray"},
	}, nil)
	require.NoError(t, err)

	cleared, err := svc.ClearData(ctx, rec.ID(), "contact/name", "")
	require.NoError(t, err)
	require.True(t, cleared)

	cleared, err = svc.ClearData(ctx, rec.ID(), "contact/name", "")
	require.NoError(t, err)
	require.False(t, cleared)

	cleared, err = svc.ClearData(ctx, rec.ID(), "", "")
	require.NoError(t, err)
	require.True(t, cleared)
	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Empty(t, got.Data)
}

func TestUpdateRejectedByValidatorRevertsData(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1", project.WithValidator(rejectKey{"bogus"}))

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)

	_, err = svc.UpdateData(ctx, rec.ID(), map[string]any{"bogus": true}, "", "")
	require.ErrorIs(t, err, dbio.ErrInvalidRecord)

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.NotContains(t, got.Data, "bogus")
	require.Equal(t, "Alpha", got.Data["title"])
}

// rejectKey fails full and minimal validation whenever the named key is
// present in the data.
type rejectKey struct{ key string }

func (r rejectKey) ValidateMinimal(_ context.Context, data map[string]any) []string {
	if _, ok := data[r.key]; ok {
		return []string{r.key + ": not allowed"}
	}
	return nil
}

func (r rejectKey) ValidateFull(ctx context.Context, data map[string]any) []string {
	return r.ValidateMinimal(ctx, data)
}

func TestFinalizeAssignsFirstVersionAndARK(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)

	data, err := svc.Finalize(ctx, rec.ID(), "first release")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", data["@version"])
	require.Equal(t, "ark:/88434/mdm1-0001", data["@id"])

	hist := data["releaseHistory"].(map[string]any)
	require.Equal(t, "ark:/88434/mdm1-0001/pdr:v", hist["@id"])
	releases := hist["hasRelease"].([]any)
	require.Len(t, releases, 1)
	entry := releases[0].(map[string]any)
	require.Equal(t, "1.0.0", entry["version"])
	require.Equal(t, "first release", entry["description"])

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, dbio.StateReady, got.GetStatus().State)
}

func TestFinalizeValidationFailureRevertsToEdit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1", project.WithValidator(requireTitle{}))

	rec, err := svc.CreateRecord(ctx, "Alpha", nil, nil)
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, rec.ID(), "")
	require.ErrorIs(t, err, dbio.ErrInvalidRecord)

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, dbio.StateEdit, got.GetStatus().State)
	require.NotContains(t, got.Data, "@version")
}

// requireTitle passes minimal validation but fails finalization when the
// data has no title.
type requireTitle struct{}

func (requireTitle) ValidateMinimal(context.Context, map[string]any) []string { return nil }

func (requireTitle) ValidateFull(_ context.Context, data map[string]any) []string {
	if _, ok := data["title"]; !ok {
		return []string{"title: required"}
	}
	return nil
}

func TestSubmitPublishesAndArchivesCopies(t *testing.T) {
	ctx := context.Background()
	svc, back := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)

	state, err := svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)
	require.Equal(t, dbio.StatePublished, state)

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	st := got.GetStatus()
	require.Equal(t, dbio.StatePublished, st.State)
	require.Equal(t, "ark:/88434/mdm1-0001", st.PublishedAs)
	require.Equal(t, "1.0.0", st.PublishedVersion)
	require.Equal(t, "dbio_store:dmp_latest/ark:/88434/mdm1-0001", st.ArchivedAt)

	latest, err := back.GetFromColl(ctx, "dmp_latest", "ark:/88434/mdm1-0001")
	require.NoError(t, err)
	acls := latest["acls"].(map[string]any)
	require.Equal(t, []any{prov.PublicGroup}, acls[dbio.ReadPerm])
	require.Empty(t, acls[dbio.WritePerm])
	require.Empty(t, acls[dbio.AdminPerm])
	require.Empty(t, acls[dbio.DeletePerm])
	require.Equal(t, "u1", latest["owner"])

	versioned, err := back.GetFromColl(ctx, "dmp_version", "ark:/88434/mdm1-0001/pdr:v/1.0.0")
	require.NoError(t, err)
	require.Equal(t, "ark:/88434/mdm1-0001/pdr:v/1.0.0", versioned["id"])
}

func TestSubmitActionArchivesWithItsRelease(t *testing.T) {
	ctx := context.Background()
	svc, back := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)

	// publication drained the live log into the release archive
	acts, err := back.SelectActionsFor(ctx, rec.ID())
	require.NoError(t, err)
	require.Empty(t, acts)

	hist := back.HistoryFor(rec.ID())
	require.Len(t, hist, 1)
	archived := hist[0]["history"].([]any)
	var submitted bool
	for _, a := range archived {
		act := a.(map[string]any)
		msg, _ := act["message"].(string)
		if act["type"] == "PROCESS" && strings.HasPrefix(msg, "submit (") {
			submitted = true
		}
	}
	require.True(t, submitted, "submit action missing from the archived release history")
}

func TestPublishRequiresSubmission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, svc.Publish(ctx, rec.ID()), dbio.ErrNotSubmitable)
}

func TestUpdateAfterPublishRunsUpdatePrep(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)

	data, err := svc.UpdateData(ctx, rec.ID(), map[string]any{"subtitle": "revised"}, "", "")
	require.NoError(t, err)
	require.Equal(t, "Alpha", data["title"])
	require.Equal(t, "1.0.0"+project.PendingMarker, data["@version"])

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, dbio.StateEdit, got.GetStatus().State)

	// revision bumps the patch position by default
	final, err := svc.Finalize(ctx, rec.ID(), "")
	require.NoError(t, err)
	require.Equal(t, "1.0.1", final["@version"])

	hist := final["releaseHistory"].(map[string]any)
	require.Len(t, hist["hasRelease"].([]any), 2)
}

func TestUpdateLevelPolicyControlsIncrement(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1",
		project.WithUpdateLevel(func(_, _ map[string]any) int { return project.MinorLevel }))

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)

	_, err = svc.UpdateData(ctx, rec.ID(), map[string]any{"subtitle": "x"}, "", "")
	require.NoError(t, err)
	final, err := svc.Finalize(ctx, rec.ID(), "")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", final["@version"])
}

func TestDeletePublishedRecordRevertsInstead(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)

	// reopen and dirty the draft
	_, err = svc.UpdateData(ctx, rec.ID(), map[string]any{"title": "Changed"}, "", "")
	require.NoError(t, err)

	removed, err := svc.DeleteRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.False(t, removed)

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, dbio.StatePublished, got.GetStatus().State)
	require.Equal(t, "Alpha", got.Data["title"])
}

func TestDeleteUnpublishedRecordRemovesIt(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", nil, nil)
	require.NoError(t, err)

	removed, err := svc.DeleteRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, svc.Client().Exists(ctx, rec.ID()))
}

func TestExternalReviewRequestChangesReturnsToEdit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)

	// register a pending reviewer first so Submit cannot publish
	_, err = svc.ApplyExternalReview(ctx, rec.ID(), "nps", "in progress", "", "", nil, false, nil)
	require.NoError(t, err)

	state, err := svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)
	require.Equal(t, dbio.StateSubmitted, state)

	feedback := []any{map[string]any{"type": "req", "description": "Visit NPS for reviewer comments"}}
	state, err = svc.ApplyExternalReview(ctx, rec.ID(), "nps", "paused", "", "", feedback, true, nil)
	require.NoError(t, err)
	require.Equal(t, dbio.StateEdit, state)

	got, err := svc.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	rev := got.GetStatus().Review["nps"]
	require.NotNil(t, rev)
	require.Equal(t, "paused", rev.Phase)
	require.Equal(t, feedback, rev.Feedback)
}

func TestApproveWithPublishOnApproval(t *testing.T) {
	ctx := context.Background()
	back := inmem.NewBackend()
	who := prov.NewAgent("midas", prov.PublicClass, "u1")
	cli := dbio.NewClient(back, dbio.DMPProjects, who, dbio.ClientConfig{
		AllowedShoulders: []string{"mdm1"},
		DefaultShoulder:  "mdm1",
	})
	svc := project.NewService(cli, project.Config{PublishOnApproval: true})

	rec, err := svc.CreateRecord(ctx, "Alpha", map[string]any{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.ApplyExternalReview(ctx, rec.ID(), "nps", "in progress", "", "", nil, false, nil)
	require.NoError(t, err)

	state, err := svc.Submit(ctx, rec.ID(), "")
	require.NoError(t, err)
	require.Equal(t, dbio.StateSubmitted, state)

	state, err = svc.Approve(ctx, rec.ID(), "nps")
	require.NoError(t, err)
	require.Equal(t, dbio.StatePublished, state)
}

func TestRenameRecordEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, "u1")

	a, err := svc.CreateRecord(ctx, "Alpha", nil, nil)
	require.NoError(t, err)
	_, err = svc.CreateRecord(ctx, "Beta", nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, svc.RenameRecord(ctx, a.ID(), "Beta"), dbio.ErrAlreadyExists)
	require.NoError(t, svc.RenameRecord(ctx, a.ID(), "Gamma"))

	got, err := svc.GetRecord(ctx, a.ID())
	require.NoError(t, err)
	require.Equal(t, "Gamma", got.Name)
}
