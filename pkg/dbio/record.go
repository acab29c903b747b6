package dbio

import (
	"context"
	"fmt"
)

// Record is the behavior common to stored, ACL-protected entities. The
// generic client operations (save, fetch, archive) work through this
// interface rather than on the concrete record types.
type Record interface {
	ID() string
	Collection() string
	OwnerID() string
	GetACLs() *ACLs
	GetStatus() *RecordStatus
	ToMap() map[string]any
}

// ProtectedRecord is the base for any ACL-bearing entity in the store. It
// carries the identity and ACLs plus a back-reference to the client the
// record was loaded through, which supplies the caller identity for
// permission checks.
type ProtectedRecord struct {
	id          string
	coll        string
	Owner       string
	Deactivated float64
	Status      *RecordStatus
	ACL         *ACLs

	cli *Client
	// authz snapshots the ACLs as loaded so that in-flight ACL edits
	// cannot self-authorize a save.
	authz *ACLs
}

func newProtectedRecord(coll, id, owner string, cli *Client) ProtectedRecord {
	acls := NewACLs()
	for _, p := range OwnerPerms {
		acls.Grant(p, owner)
	}
	return ProtectedRecord{
		id:     id,
		coll:   coll,
		Owner:  owner,
		Status: NewRecordStatus(),
		ACL:    acls,
		cli:    cli,
		authz:  acls.Clone(),
	}
}

// ID returns the record's immutable identifier.
func (r *ProtectedRecord) ID() string { return r.id }

// Collection returns the name of the collection the record belongs to.
func (r *ProtectedRecord) Collection() string { return r.coll }

// OwnerID returns the id of the user that owns the record.
func (r *ProtectedRecord) OwnerID() string { return r.Owner }

// GetACLs returns the record's live ACLs.
func (r *ProtectedRecord) GetACLs() *ACLs { return r.ACL }

// GetStatus returns the record's embedded status.
func (r *ProtectedRecord) GetStatus() *RecordStatus { return r.Status }

// IsDeactivated reports whether the record is hidden from default selection.
func (r *ProtectedRecord) IsDeactivated() bool { return r.Deactivated != 0 }

// Authorized reports whether the calling user holds every one of the given
// permissions on this record, either directly, through a transitive group
// membership, or by being a configured superuser. The check runs against
// the ACLs as they stood when the record was loaded.
func (r *ProtectedRecord) Authorized(ctx context.Context, perms ...string) bool {
	who := ""
	if r.cli != nil {
		who = r.cli.UserID()
	}
	return r.AuthorizedFor(ctx, who, perms...)
}

// AuthorizedFor is Authorized evaluated for an arbitrary principal.
func (r *ProtectedRecord) AuthorizedFor(ctx context.Context, who string, perms ...string) bool {
	if r.cli != nil && r.cli.IsSuperuser(who) {
		return true
	}
	principals := []string{who}
	if r.cli != nil {
		principals = append(principals, r.cli.UserGroups(ctx, who)...)
	}
	acls := r.authz
	if acls == nil {
		acls = r.ACL
	}
	for _, p := range perms {
		if !acls.Satisfies(p, principals) {
			return false
		}
	}
	return len(perms) > 0
}

// GrantPermTo adds principals to a permission's list. Requires admin.
func (r *ProtectedRecord) GrantPermTo(ctx context.Context, perm string, ids ...string) error {
	if !r.Authorized(ctx, AdminPerm) {
		return &NotAuthorizedError{Who: r.callerID(), Op: "grant " + perm + " on", ID: r.id}
	}
	r.ACL.Grant(perm, ids...)
	return nil
}

// RevokePermFrom removes principals from a permission's list. Requires
// admin. When protectOwner is true, the owner is never revoked from read
// or admin.
func (r *ProtectedRecord) RevokePermFrom(ctx context.Context, perm string, protectOwner bool, ids ...string) error {
	if !r.Authorized(ctx, AdminPerm) {
		return &NotAuthorizedError{Who: r.callerID(), Op: "revoke " + perm + " on", ID: r.id}
	}
	if protectOwner && (perm == ReadPerm || perm == AdminPerm) {
		kept := ids[:0]
		for _, id := range ids {
			if id != r.Owner {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	r.ACL.Revoke(perm, ids...)
	return nil
}

// Reassign transfers ownership to another user, validating the new owner
// against the people service when one is configured. Requires admin.
func (r *ProtectedRecord) Reassign(ctx context.Context, who string) error {
	if !r.Authorized(ctx, AdminPerm) {
		return &NotAuthorizedError{Who: r.callerID(), Op: "reassign", ID: r.id}
	}
	if who == "" {
		return fmt.Errorf("%s: cannot reassign to an empty user id", r.id)
	}
	if r.cli != nil && r.cli.people != nil {
		if ok, err := r.cli.people.UserExists(ctx, who); err == nil && !ok {
			return fmt.Errorf("%s: unknown user id: %s", r.id, who)
		}
	}
	r.Owner = who
	r.ACL.Grant(ReadPerm, who)
	r.ACL.Grant(AdminPerm, who)
	return nil
}

// Deactivate hides the record from default selection. It remains
// retrievable by id. Returns false if already deactivated.
func (r *ProtectedRecord) Deactivate() bool {
	if r.IsDeactivated() {
		return false
	}
	r.Deactivated = nowstamp()
	return true
}

// Reactivate undoes Deactivate. Returns false if the record was active.
func (r *ProtectedRecord) Reactivate() bool {
	if !r.IsDeactivated() {
		return false
	}
	r.Deactivated = 0
	return true
}

func (r *ProtectedRecord) callerID() string {
	if r.cli == nil {
		return ""
	}
	return r.cli.UserID()
}

// baseMap renders the fields shared by all protected record types.
func (r *ProtectedRecord) baseMap() map[string]any {
	var deact any
	if r.Deactivated != 0 {
		deact = r.Deactivated
	}
	return map[string]any{
		"id":          r.id,
		"owner":       r.Owner,
		"deactivated": deact,
		"acls":        r.ACL.ToMap(),
		"status":      statusToMap(r.Status),
		"type":        r.coll,
	}
}

// validate returns the structural problems with the base fields.
func (r *ProtectedRecord) validate() []string {
	var errs []string
	if r.id == "" {
		errs = append(errs, "record id must be non-empty")
	}
	if r.Owner == "" {
		errs = append(errs, "record owner must be set")
	}
	if r.Status == nil {
		errs = append(errs, "record status must be set")
	}
	return errs
}

func baseFromMap(doc map[string]any, cli *Client) ProtectedRecord {
	out := ProtectedRecord{cli: cli}
	out.id, _ = doc["id"].(string)
	out.coll, _ = doc["type"].(string)
	out.Owner, _ = doc["owner"].(string)
	if d, ok := doc["deactivated"].(float64); ok {
		out.Deactivated = d
	}
	if acls, ok := doc["acls"].(map[string]any); ok {
		out.ACL = ACLsFromMap(acls)
	} else {
		out.ACL = NewACLs()
	}
	out.Status = statusFromMap(doc["status"])
	out.authz = out.ACL.Clone()
	return out
}
