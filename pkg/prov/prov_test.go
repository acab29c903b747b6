package prov

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAgentIdentity(t *testing.T) {
	a := NewAgent("midas", PublicClass, "u1")
	require.Equal(t, "midas", a.Vehicle())
	require.Equal(t, "u1", a.Actor())
	require.Equal(t, "midas/u1", a.ID())
	require.Equal(t, PublicClass, a.Class())
	require.Empty(t, a.Delegation())

	anon := NewAgent("midas", InvalidClass, "")
	require.Equal(t, Anonymous, anon.Actor())
}

func TestAgentGroups(t *testing.T) {
	a := NewAgent("midas", PublicClass, "u1")
	require.True(t, a.IsMember(PublicGroup))
	require.False(t, a.IsMember("grp0:u1:friends"))
	require.Equal(t, []string{PublicGroup}, a.Groups())

	a.AddGroup("grp0:u1:friends", "")
	require.True(t, a.IsMember("grp0:u1:friends"))
	require.Equal(t, []string{PublicGroup, "grp0:u1:friends"}, a.Groups())
}

func TestAgentDelegation(t *testing.T) {
	a := NewAgent("pdrid", PublicClass, "u1")
	a.AddGroup("grp0:u1:friends")
	b := a.NewVehicle("midas")
	require.Equal(t, "u1", b.Actor())
	require.Equal(t, "midas", b.Vehicle())
	require.Equal(t, []string{"pdrid/u1"}, b.Delegation())
	require.True(t, b.IsMember("grp0:u1:friends"))
}

func TestAgentJSONRoundTrip(t *testing.T) {
	a := NewAgent("midas", AdminClass, "u1", "gateway/u1")
	a.AddGroup("grp0:u1:friends")
	a.SetProperty("email", "u1@example.org")

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var back Agent
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, a.ID(), back.ID())
	require.Equal(t, a.Class(), back.Class())
	require.Equal(t, a.Groups(), back.Groups())
	require.Equal(t, a.Delegation(), back.Delegation())
	v, ok := back.Property("email")
	require.True(t, ok)
	require.Equal(t, "u1@example.org", v)
}

func TestActionStampsAreMonotonic(t *testing.T) {
	a := NewAction(ActionCreate, "mdm1:0001", nil, "created")
	b := NewAction(ActionPatch, "mdm1:0001", nil, "updated")
	require.Less(t, a.Timestamp, b.Timestamp)
	require.NotEqual(t, a.ID, b.ID)
}

func TestActionTree(t *testing.T) {
	who := NewAgent("midas", PublicClass, "u1")
	act := NewAction(ActionProcess, "mdm1:0001", who, "submit")
	act.AddSubaction(NewAction(ActionPatch, "mdm1:0001", who, "finalize"))
	act.AddSubaction(NewAction(ActionProcess, "mdm1:0001", who, "publish"))

	doc, err := act.ToMap()
	require.NoError(t, err)
	back, err := ActionFromMap(doc)
	require.NoError(t, err)
	require.Equal(t, act.ID, back.ID)
	require.Len(t, back.Subacts, 2)
	require.Equal(t, ActionPatch, back.Subacts[0].Type)
	require.Equal(t, "u1", back.Agent.Actor())
}

func TestActionFromMapRejectsUnknownType(t *testing.T) {
	_, err := ActionFromMap(map[string]any{"type": "FROB", "subject": "x"})
	require.Error(t, err)
}

func TestActionWithObject(t *testing.T) {
	patch := []map[string]any{{"op": "replace", "path": "/a/b", "value": 5}}
	act := NewAction(ActionPatch, "mdm1:0001", nil, "").WithObject(patch)
	doc, err := act.ToMap()
	require.NoError(t, err)
	require.NotNil(t, doc["object"])
}
