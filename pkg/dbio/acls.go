package dbio

import "sort"

// The four base permissions carried by every protected record.
const (
	ReadPerm   = "read"
	WritePerm  = "write"
	AdminPerm  = "admin"
	DeletePerm = "delete"
)

// OwnerPerms is the pseudo-permission meaning "any permission an owner
// holds"; selecting with it matches records the caller can touch at all.
var OwnerPerms = []string{ReadPerm, WritePerm, AdminPerm, DeletePerm}

// ACLs is the set of per-permission principal lists attached to a record.
// A principal is a user id or a group id.
type ACLs struct {
	grants map[string][]string
}

// NewACLs creates an ACL set holding empty lists for the base permissions.
func NewACLs() *ACLs {
	out := &ACLs{grants: map[string][]string{}}
	for _, p := range OwnerPerms {
		out.grants[p] = []string{}
	}
	return out
}

// Grant adds principals to a permission's list, ignoring duplicates.
func (a *ACLs) Grant(perm string, ids ...string) {
	cur := a.grants[perm]
	for _, id := range ids {
		if id == "" || contains(cur, id) {
			continue
		}
		cur = append(cur, id)
	}
	a.grants[perm] = cur
}

// Revoke removes principals from a permission's list.
func (a *ACLs) Revoke(perm string, ids ...string) {
	cur := a.grants[perm]
	out := cur[:0]
	for _, id := range cur {
		if !contains(ids, id) {
			out = append(out, id)
		}
	}
	a.grants[perm] = out
}

// For returns the principals granted a permission.
func (a *ACLs) For(perm string) []string {
	return append([]string{}, a.grants[perm]...)
}

// Perms returns the sorted list of permissions with at least one grant list
// (possibly empty).
func (a *ACLs) Perms() []string {
	out := make([]string, 0, len(a.grants))
	for p := range a.grants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Satisfies reports whether any of the given principals appears in the
// permission's list.
func (a *ACLs) Satisfies(perm string, principals []string) bool {
	for _, granted := range a.grants[perm] {
		if contains(principals, granted) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, used to snapshot ACLs at load time so that
// in-flight ACL edits cannot self-authorize a save.
func (a *ACLs) Clone() *ACLs {
	out := &ACLs{grants: map[string][]string{}}
	for p, ids := range a.grants {
		out.grants[p] = append([]string{}, ids...)
	}
	return out
}

// ToMap renders the ACLs in their persisted form.
func (a *ACLs) ToMap() map[string]any {
	out := map[string]any{}
	for p, ids := range a.grants {
		vals := make([]any, len(ids))
		for i, id := range ids {
			vals[i] = id
		}
		out[p] = vals
	}
	return out
}

// ACLsFromMap restores ACLs from their persisted form. Base permissions
// missing from the document come back as empty lists.
func ACLsFromMap(doc map[string]any) *ACLs {
	out := NewACLs()
	for p, v := range doc {
		ids, ok := v.([]any)
		if !ok {
			continue
		}
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out.Grant(p, s)
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
