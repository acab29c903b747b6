package dbio

// Group is a named, owned collection of member principals. Group ids have
// the form SHOULDER:OWNER:NAME; the name is unique within the owner's
// namespace. Membership is transitive: a group may contain other groups.
type Group struct {
	ProtectedRecord
	Name    string
	Members []string
}

// DefaultGroupShoulder is the shoulder group ids are minted under.
const DefaultGroupShoulder = "grp0"

func newGroup(id, name, owner string, cli *Client) *Group {
	return &Group{
		ProtectedRecord: newProtectedRecord(GroupsColl, id, owner, cli),
		Name:            name,
	}
}

// IsMember reports whether the principal is a direct member of the group.
func (g *Group) IsMember(id string) bool { return contains(g.Members, id) }

// AddMember adds principals as direct members.
func (g *Group) AddMember(ids ...string) {
	for _, id := range ids {
		if id != "" && !contains(g.Members, id) {
			g.Members = append(g.Members, id)
		}
	}
}

// RemoveMember drops principals from the direct membership.
func (g *Group) RemoveMember(ids ...string) {
	kept := g.Members[:0]
	for _, m := range g.Members {
		if !contains(ids, m) {
			kept = append(kept, m)
		}
	}
	g.Members = kept
}

// ToMap renders the group in its persisted form.
func (g *Group) ToMap() map[string]any {
	out := g.baseMap()
	out["name"] = g.Name
	members := make([]any, len(g.Members))
	for i, m := range g.Members {
		members[i] = m
	}
	out["members"] = members
	return out
}

func groupFromMap(doc map[string]any, cli *Client) *Group {
	out := &Group{ProtectedRecord: baseFromMap(doc, cli)}
	out.coll = GroupsColl
	out.Name, _ = doc["name"].(string)
	if mm, ok := doc["members"].([]any); ok {
		for _, m := range mm {
			if s, ok := m.(string); ok {
				out.Members = append(out.Members, s)
			}
		}
	}
	return out
}
