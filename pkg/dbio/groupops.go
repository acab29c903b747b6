package dbio

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/midas-platform/midas/pkg/prov"
)

var groupNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]*$`)

// CreateGroup creates a group owned by foruser (the acting user when
// empty). Only the owner or a superuser may create the group, and the
// (owner, name) pair must be unique. The minted id has the form
// SHOULDER:OWNER:NAME.
func (c *Client) CreateGroup(ctx context.Context, name, foruser string) (*Group, error) {
	if foruser == "" {
		foruser = c.UserID()
	}
	if foruser != c.UserID() && !c.IsSuperuser(c.UserID()) {
		return nil, &NotAuthorizedError{Who: c.UserID(), Op: "create group for", ID: foruser}
	}
	if !groupNameRe.MatchString(name) {
		return nil, fmt.Errorf("create group: illegal group name: %q", name)
	}
	gid := fmt.Sprintf("%s:%s:%s", DefaultGroupShoulder, foruser, name)
	if _, err := c.backend.GetFromColl(ctx, GroupsColl, gid); err == nil {
		return nil, &AlreadyExistsError{What: fmt.Sprintf("group named %q for %s", name, foruser)}
	}
	grp := newGroup(gid, name, foruser, c)
	if _, err := c.backend.Upsert(ctx, GroupsColl, grp.ToMap()); err != nil {
		return nil, fmt.Errorf("create group %s: %w", gid, err)
	}
	c.invalidateGroupCache()
	return grp, nil
}

// GetGroup fetches a group by id, requiring the given permissions (read
// when none are named).
func (c *Client) GetGroup(ctx context.Context, gid string, perms ...string) (*Group, error) {
	if len(perms) == 0 {
		perms = []string{ReadPerm}
	}
	doc, err := c.backend.GetFromColl(ctx, GroupsColl, gid)
	if err != nil {
		return nil, err
	}
	grp := groupFromMap(doc, c)
	if !grp.Authorized(ctx, perms...) {
		return nil, &NotAuthorizedError{Who: c.UserID(), Op: "access group", ID: gid}
	}
	return grp, nil
}

// GetGroupByName fetches a group by its (owner, name) pair.
func (c *Client) GetGroupByName(ctx context.Context, name, owner string) (*Group, error) {
	if owner == "" {
		owner = c.UserID()
	}
	return c.GetGroup(ctx, fmt.Sprintf("%s:%s:%s", DefaultGroupShoulder, owner, name))
}

// SaveGroup writes a modified group back to the backend. Requires write.
func (c *Client) SaveGroup(ctx context.Context, grp *Group) error {
	if !grp.Authorized(ctx, WritePerm) {
		return &NotAuthorizedError{Who: c.UserID(), Op: "update group", ID: grp.ID()}
	}
	st := grp.GetStatus()
	oldSince, oldMod := st.Since, st.Modified
	st.Modified = nowstamp()
	if _, err := c.backend.Upsert(ctx, GroupsColl, grp.ToMap()); err != nil {
		st.SetTimes(oldSince, oldMod)
		return fmt.Errorf("save group %s: %w", grp.ID(), err)
	}
	c.invalidateGroupCache()
	return nil
}

// DeleteGroup removes a group. Requires delete permission on the group.
func (c *Client) DeleteGroup(ctx context.Context, gid string) error {
	grp, err := c.GetGroup(ctx, gid, DeletePerm)
	if err != nil {
		return err
	}
	if _, err := c.backend.DeleteFrom(ctx, GroupsColl, grp.ID()); err != nil {
		return fmt.Errorf("delete group %s: %w", gid, err)
	}
	c.invalidateGroupCache()
	return nil
}

// SelectIDsForUser returns the ids of every group the user belongs to,
// directly or through nested group membership, plus the public group. The
// walk is a breadth-first search over the member reverse index until a
// fixed point.
func (c *Client) SelectIDsForUser(ctx context.Context, uid string) ([]string, error) {
	found := map[string]struct{}{}
	frontier := []string{uid}
	for len(frontier) > 0 {
		var next []string
		for _, member := range frontier {
			docs, err := c.backend.SelectPropContains(ctx, GroupsColl, "members", member, false)
			if err != nil {
				return nil, fmt.Errorf("resolve groups for %s: %w", uid, err)
			}
			for _, doc := range docs {
				gid, _ := doc["id"].(string)
				if gid == "" {
					continue
				}
				if _, seen := found[gid]; !seen {
					found[gid] = struct{}{}
					next = append(next, gid)
				}
			}
		}
		frontier = next
	}
	found[prov.PublicGroup] = struct{}{}
	out := make([]string, 0, len(found))
	for gid := range found {
		out = append(out, gid)
	}
	sort.Strings(out)
	return out, nil
}

// UserGroups returns the user's effective group set from the client's
// cache, resolving and caching it on first use.
func (c *Client) UserGroups(ctx context.Context, uid string) []string {
	c.mu.Lock()
	cached, ok := c.grpCache[uid]
	c.mu.Unlock()
	if ok {
		return cached
	}
	groups, err := c.SelectIDsForUser(ctx, uid)
	if err != nil {
		c.log.Warn("failed to resolve group memberships", "user", uid, "error", err)
		return []string{prov.PublicGroup}
	}
	c.mu.Lock()
	c.grpCache[uid] = groups
	c.mu.Unlock()
	return groups
}

// RecacheUserGroups drops the cached effective-group sets so the next
// check sees current memberships.
func (c *Client) RecacheUserGroups() {
	c.invalidateGroupCache()
}

func (c *Client) invalidateGroupCache() {
	c.mu.Lock()
	c.grpCache = map[string][]string{}
	c.mu.Unlock()
}
