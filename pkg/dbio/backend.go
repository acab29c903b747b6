package dbio

import "context"

// Collection names used by the DBIO layer.
const (
	DMPProjects = "dmp"
	DAPProjects = "dap"
	GroupsColl  = "groups"
	PeopleColl  = "people"
	ActionLog   = "prov_action_log"
	HistoryColl = "history"
	NextnumColl = "nextnum"
)

// LatestColl and VersionColl name the parallel collections that published
// snapshots of a project type are archived into.
func LatestColl(projcoll string) string  { return projcoll + "_latest" }
func VersionColl(projcoll string) string { return projcoll + "_version" }

// Backend is the primitive storage contract each driver must satisfy. The
// Client layers record semantics, authorization, and provenance on top.
//
// Records travel through the Backend as generic JSON documents keyed by
// their "id" property. Select operations must skip deactivated records
// (non-null "deactivated") unless includeDeactivated is set.
type Backend interface {
	// Upsert writes the full record document into the collection,
	// replacing any prior document with the same id. It reports whether
	// a new document was created.
	Upsert(ctx context.Context, coll string, rec map[string]any) (bool, error)

	// GetFromColl fetches a record document by id, deactivated or not.
	// A missing record yields an ObjectNotFoundError.
	GetFromColl(ctx context.Context, coll, id string) (map[string]any, error)

	// SelectFromColl returns the record documents matching all of the
	// given dotted-path constraints (values OR-ed within a path).
	SelectFromColl(ctx context.Context, coll string, includeDeactivated bool, constraints map[string][]any) ([]map[string]any, error)

	// SelectPropContains returns documents whose list-valued property
	// contains the target value.
	SelectPropContains(ctx context.Context, coll, prop, target string, includeDeactivated bool) ([]map[string]any, error)

	// DeleteFrom removes a record document, reporting whether it existed.
	DeleteFrom(ctx context.Context, coll, id string) (bool, error)

	// NextRecnum atomically issues the next sequence number for a
	// shoulder, starting at 1.
	NextRecnum(ctx context.Context, shoulder string) (int, error)

	// TryPushRecnum decrements a shoulder's sequence iff its top is
	// exactly n, recovering the number from an immediately-deleted
	// record. It reports whether the number was recovered.
	TryPushRecnum(ctx context.Context, shoulder string, n int) (bool, error)

	// SaveActionData appends an action document to the action log for
	// its subject.
	SaveActionData(ctx context.Context, action map[string]any) error

	// SelectActionsFor returns the logged action documents for a subject
	// id in the order recorded.
	SelectActionsFor(ctx context.Context, id string) ([]map[string]any, error)

	// DeleteActionsFor removes all logged actions for a subject id.
	DeleteActionsFor(ctx context.Context, id string) error

	// SaveHistory appends an entry to the history archive for the
	// record named by the entry's "recid" property.
	SaveHistory(ctx context.Context, entry map[string]any) error

	// Close releases any resources held by the driver.
	Close() error
}

// AdvSelector is the optional capability of backends that support the
// restricted $and/$or filter grammar natively or by scan.
type AdvSelector interface {
	AdvSelectFromColl(ctx context.Context, coll string, filter map[string]any, includeDeactivated bool) ([]map[string]any, error)
}

// PeopleService resolves user identities against an external staff
// directory. It is optional; a nil service disables identity validation.
type PeopleService interface {
	UserExists(ctx context.Context, userid string) (bool, error)
}
