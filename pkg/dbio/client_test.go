package dbio_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/dbio/inmem"
	"github.com/midas-platform/midas/pkg/prov"
)

func newTestClient(t *testing.T, actor string) (*dbio.Client, *inmem.Backend) {
	t.Helper()
	back := inmem.NewBackend()
	return newClientOn(back, actor), back
}

func newClientOn(back *inmem.Backend, actor string) *dbio.Client {
	who := prov.NewAgent("midas", prov.PublicClass, actor)
	return dbio.NewClient(back, dbio.DMPProjects, who, dbio.ClientConfig{
		Superusers:       []string{"rlp"},
		AllowedShoulders: []string{"mdm1"},
		DefaultShoulder:  "mdm1",
	})
}

func TestCreateRecordMintsSequentially(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	require.Equal(t, "mdm1:0001", rec.ID())
	require.Equal(t, "u1", rec.OwnerID())
	require.Equal(t, dbio.StateEdit, rec.GetStatus().State)

	rec2, err := cli.CreateRecord(ctx, "Beta", "", "")
	require.NoError(t, err)
	require.Equal(t, "mdm1:0002", rec2.ID())
}

func TestCreateRecordDuplicateNameKeepsSequence(t *testing.T) {
	ctx := context.Background()
	cli, back := newTestClient(t, "u1")

	_, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)

	_, err = cli.CreateRecord(ctx, "Alpha", "", "")
	require.ErrorIs(t, err, dbio.ErrAlreadyExists)

	// the sequence was not consumed by the rejected call
	n, err := back.NextRecnum(ctx, "mdm1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCreateRecordShoulderAuthorization(t *testing.T) {
	ctx := context.Background()
	cli, back := newTestClient(t, "u1")

	_, err := cli.CreateRecord(ctx, "Alpha", "mds3", "")
	require.ErrorIs(t, err, dbio.ErrNotAuthorized)

	super := newClientOn(back, "rlp")
	rec, err := super.CreateRecord(ctx, "Alpha", "mds3", "")
	require.NoError(t, err)
	require.Equal(t, "mds3:0001", rec.ID())
}

func TestDeleteRecoversSequenceNumber(t *testing.T) {
	ctx := context.Background()
	cli, back := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, cli.DeleteRecord(ctx, rec))
	require.False(t, cli.Exists(ctx, rec.ID()))

	n, err := back.NextRecnum(ctx, "mdm1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	rec.Data["title"] = "Alpha"
	rec.Data["nested"] = map[string]any{"a": 1.0}
	require.NoError(t, cli.SaveRecord(ctx, rec))

	back, err := cli.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, rec.ToMap(), back.ToMap())
}

func TestGetRecordAuthorization(t *testing.T) {
	ctx := context.Background()
	cli, backend := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)

	other := newClientOn(backend, "u2")
	_, err = other.GetRecord(ctx, rec.ID())
	require.ErrorIs(t, err, dbio.ErrNotAuthorized)

	_, err = other.GetRecord(ctx, "mdm1:9999")
	require.ErrorIs(t, err, dbio.ErrNotFound)

	require.NoError(t, rec.GrantPermTo(ctx, dbio.ReadPerm, "u2"))
	require.NoError(t, cli.SaveRecord(ctx, rec))
	got, err := other.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.Equal(t, rec.ID(), got.ID())

	// superusers pass unconditionally
	super := newClientOn(backend, "rlp")
	_, err = super.GetRecord(ctx, rec.ID(), dbio.AdminPerm)
	require.NoError(t, err)
}

func TestAuthorizationThroughGroups(t *testing.T) {
	ctx := context.Background()
	cli, backend := newTestClient(t, "u1")

	grp, err := cli.CreateGroup(ctx, "friends", "")
	require.NoError(t, err)
	grp.AddMember("u2")
	require.NoError(t, cli.SaveGroup(ctx, grp))

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, rec.GrantPermTo(ctx, dbio.ReadPerm, grp.ID()))
	require.NoError(t, cli.SaveRecord(ctx, rec))

	other := newClientOn(backend, "u2")
	got, err := other.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.True(t, got.AuthorizedFor(ctx, "u2", dbio.ReadPerm))
	require.False(t, got.AuthorizedFor(ctx, "u3", dbio.ReadPerm))
}

func TestRevokeProtectsOwner(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)

	require.NoError(t, rec.RevokePermFrom(ctx, dbio.ReadPerm, true, "u1"))
	require.Contains(t, rec.GetACLs().For(dbio.ReadPerm), "u1")

	require.NoError(t, rec.RevokePermFrom(ctx, dbio.ReadPerm, false, "u1"))
	require.NotContains(t, rec.GetACLs().For(dbio.ReadPerm), "u1")
}

func TestACLEditsDoNotSelfAuthorize(t *testing.T) {
	ctx := context.Background()
	cli, backend := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, rec.GrantPermTo(ctx, dbio.ReadPerm, "u2"))
	require.NoError(t, cli.SaveRecord(ctx, rec))

	// u2 can read but cannot write, even after granting itself write
	// in-memory: the save is authorized against the load-time ACLs
	other := newClientOn(backend, "u2")
	got, err := other.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	got.GetACLs().Grant(dbio.WritePerm, "u2")
	err = other.SaveRecord(ctx, got)
	require.ErrorIs(t, err, dbio.ErrNotAuthorized)
}

func TestSelectRecordsByPermissionAndConstraint(t *testing.T) {
	ctx := context.Background()
	cli, backend := newTestClient(t, "u1")

	a, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	_, err = cli.CreateRecord(ctx, "Beta", "", "")
	require.NoError(t, err)

	require.NoError(t, a.GrantPermTo(ctx, dbio.ReadPerm, "u2"))
	require.NoError(t, cli.SaveRecord(ctx, a))

	mine, err := cli.SelectRecords(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, mine, 2)

	other := newClientOn(backend, "u2")
	theirs, err := other.SelectRecords(ctx, []string{dbio.ReadPerm}, nil)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	require.Equal(t, a.ID(), theirs[0].ID())

	named, err := cli.SelectRecords(ctx, nil, map[string][]any{"name": {"Beta"}})
	require.NoError(t, err)
	require.Len(t, named, 1)
	require.Equal(t, "Beta", named[0].Name)
}

func TestAdvSelectRecords(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	_, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	_, err = cli.CreateRecord(ctx, "Beta", "", "")
	require.NoError(t, err)

	hits, err := cli.AdvSelectRecords(ctx, map[string]any{
		"$and": []any{
			map[string]any{"owner": "u1"},
			map[string]any{"$or": []any{
				map[string]any{"name": "Alpha"},
				map[string]any{"name": "Gamma"},
			}},
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "Alpha", hits[0].Name)

	_, err = cli.AdvSelectRecords(ctx, map[string]any{"$nor": []any{}}, nil)
	require.Error(t, err)
}

func TestRecordActionAndCloseLog(t *testing.T) {
	ctx := context.Background()
	cli, back := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)

	who := cli.Agent()
	require.NoError(t, cli.RecordAction(ctx, prov.NewAction(prov.ActionCreate, rec.ID(), who, "created")))
	require.NoError(t, cli.RecordAction(ctx, prov.NewAction(prov.ActionPatch, rec.ID(), who, "updated")))

	acts, err := cli.SelectActionsFor(ctx, rec.ID())
	require.NoError(t, err)
	require.Len(t, acts, 2)
	require.Equal(t, prov.ActionCreate, acts[0].Type)

	closing := prov.NewAction(prov.ActionProcess, rec.ID(), who, "published")
	require.NoError(t, cli.CloseActionLog(ctx, rec, closing, map[string]any{"version": "1.0.0"}, false))

	// log is drained into history
	acts, err = cli.SelectActionsFor(ctx, rec.ID())
	require.NoError(t, err)
	require.Empty(t, acts)

	hist := back.HistoryFor(rec.ID())
	require.Len(t, hist, 1)
	entry := hist[0]
	require.Equal(t, "1.0.0", entry["version"])
	require.Contains(t, entry["history_hash"], "sha256:")
	logged, _ := entry["history"].([]any)
	require.Len(t, logged, 3)

	// history ACLs inherit read and carry no write/admin grants
	acls, _ := entry["acls"].(map[string]any)
	require.NotEmpty(t, acls["read"])
	require.Empty(t, acls["write"])
	require.Empty(t, acls["admin"])

	// an empty log is skipped unless asked for
	require.NoError(t, cli.CloseActionLog(ctx, rec, nil, map[string]any{}, false))
	require.Len(t, back.HistoryFor(rec.ID()), 1)
	require.NoError(t, cli.CloseActionLog(ctx, rec, nil, map[string]any{}, true))
	require.Len(t, back.HistoryFor(rec.ID()), 2)
}

func TestCloseActionLogNilExtraCompat(t *testing.T) {
	ctx := context.Background()
	back := inmem.NewBackend()
	who := prov.NewAgent("midas", prov.PublicClass, "u1")
	compat := dbio.NewClient(back, dbio.DMPProjects, who, dbio.ClientConfig{
		AllowedShoulders: []string{"mdm1"},
		DefaultShoulder:  "mdm1",
		Compat:           dbio.CompatFlags{HistoryNilExtra: true},
	})

	rec, err := compat.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	require.NoError(t, compat.RecordAction(ctx, prov.NewAction(prov.ActionCreate, rec.ID(), who, "")))

	err = compat.CloseActionLog(ctx, rec, nil, nil, false)
	require.Error(t, err)

	fixed := newClientOn(back, "u1")
	require.NoError(t, fixed.CloseActionLog(ctx, rec, nil, nil, false))
}

func TestGroupTransitivity(t *testing.T) {
	// S6: G1 = {u1}, G2 = {G1}, G3 = {G2, u2}
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	g1, err := cli.CreateGroup(ctx, "g1", "")
	require.NoError(t, err)
	g1.AddMember("u1")
	require.NoError(t, cli.SaveGroup(ctx, g1))

	g2, err := cli.CreateGroup(ctx, "g2", "")
	require.NoError(t, err)
	g2.AddMember(g1.ID())
	require.NoError(t, cli.SaveGroup(ctx, g2))

	g3, err := cli.CreateGroup(ctx, "g3", "")
	require.NoError(t, err)
	g3.AddMember(g2.ID(), "u2")
	require.NoError(t, cli.SaveGroup(ctx, g3))

	got, err := cli.SelectIDsForUser(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{g1.ID(), g2.ID(), g3.ID(), prov.PublicGroup}, got)

	got2, err := cli.SelectIDsForUser(ctx, "u2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{g3.ID(), prov.PublicGroup}, got2)
}

func TestGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	cli, backend := newTestClient(t, "u1")

	grp, err := cli.CreateGroup(ctx, "friends", "")
	require.NoError(t, err)
	require.Equal(t, "grp0:u1:friends", grp.ID())

	_, err = cli.CreateGroup(ctx, "friends", "")
	require.ErrorIs(t, err, dbio.ErrAlreadyExists)

	// only the named owner or a superuser may create for another user
	_, err = cli.CreateGroup(ctx, "theirs", "u2")
	require.ErrorIs(t, err, dbio.ErrNotAuthorized)
	super := newClientOn(backend, "rlp")
	_, err = super.CreateGroup(ctx, "theirs", "u2")
	require.NoError(t, err)

	byName, err := cli.GetGroupByName(ctx, "friends", "")
	require.NoError(t, err)
	require.Equal(t, grp.ID(), byName.ID())

	require.NoError(t, cli.DeleteGroup(ctx, grp.ID()))
	_, err = cli.GetGroup(ctx, grp.ID())
	require.ErrorIs(t, err, dbio.ErrNotFound)
}

func TestGroupCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	require.Equal(t, []string{prov.PublicGroup}, cli.UserGroups(ctx, "u2"))

	grp, err := cli.CreateGroup(ctx, "friends", "")
	require.NoError(t, err)
	grp.AddMember("u2")
	require.NoError(t, cli.SaveGroup(ctx, grp))

	// SaveGroup invalidated the cache, so the new membership is seen
	require.Contains(t, cli.UserGroups(ctx, "u2"), grp.ID())
}

func TestDeactivateHidesFromSelection(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t, "u1")

	rec, err := cli.CreateRecord(ctx, "Alpha", "", "")
	require.NoError(t, err)
	require.True(t, rec.Deactivate())
	require.False(t, rec.Deactivate())
	require.NoError(t, cli.SaveRecord(ctx, rec))

	hits, err := cli.SelectRecords(ctx, nil, nil)
	require.NoError(t, err)
	require.Empty(t, hits)

	// still retrievable by id
	got, err := cli.GetRecord(ctx, rec.ID())
	require.NoError(t, err)
	require.True(t, got.IsDeactivated())
	require.True(t, got.Reactivate())
}
