package dbio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/midas-platform/midas/pkg/prov"
)

// CompatFlags preserve known quirks of the legacy implementation. With a
// flag on, the corresponding quirk is reproduced; off gets the fixed
// behavior.
type CompatFlags struct {
	// QueryNoRecurse skips validation of clauses nested under $or,
	// as the legacy structure check failed to recurse into them.
	QueryNoRecurse bool
	// HistoryNilExtra makes archiving an action log fail when no extra
	// properties are supplied, as the legacy code dereferenced them
	// unconditionally.
	HistoryNilExtra bool
	// PublishAlwaysDisown reproduces the legacy publish path that
	// disowned archived copies regardless of what its caller asked for.
	PublishAlwaysDisown bool
}

// ClientConfig carries the policy knobs a DBClient operates under.
type ClientConfig struct {
	// Superusers pass every permission check unconditionally.
	Superusers []string
	// AllowedShoulders lists the id shoulders ordinary users may mint
	// under. Superusers may mint under any shoulder.
	AllowedShoulders []string
	// DefaultShoulder is used when a create request names none.
	DefaultShoulder string
	Compat          CompatFlags
}

// PermSelector is the optional capability of backends that can filter a
// selection down to records a principal set holds permissions on, avoiding
// a full scan.
type PermSelector interface {
	SelectAuthorizedFor(ctx context.Context, coll string, principals, perms []string, constraints map[string][]any) ([]map[string]any, error)
}

// Client provides record-level CRUD over a Backend for a single acting
// agent: authorization, id minting, provenance logging, and history
// archival. A Client is owned by one actor and must not be shared.
type Client struct {
	backend  Backend
	projcoll string
	who      *prov.Agent
	cfg      ClientConfig
	people   PeopleService
	log      *slog.Logger

	mu       sync.Mutex
	grpCache map[string][]string
}

// ClientOption adjusts optional Client collaborators.
type ClientOption func(*Client)

// WithPeopleService attaches a staff directory used to validate user ids.
func WithPeopleService(svc PeopleService) ClientOption {
	return func(c *Client) { c.people = svc }
}

// WithLogger sets the logger record operations report through.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client over the backend for records of the given
// project collection (e.g. "dmp"), acting as the given agent.
func NewClient(backend Backend, projcoll string, who *prov.Agent, cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		backend:  backend,
		projcoll: projcoll,
		who:      who,
		cfg:      cfg,
		log:      slog.Default(),
		grpCache: map[string][]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend exposes the underlying driver, mainly for tests and factories.
func (c *Client) Backend() Backend { return c.backend }

// ProjectColl returns the collection this client serves.
func (c *Client) ProjectColl() string { return c.projcoll }

// Agent returns the agent this client acts for.
func (c *Client) Agent() *prov.Agent { return c.who }

// Compat exposes the legacy-compatibility flags the client operates under.
func (c *Client) Compat() CompatFlags { return c.cfg.Compat }

// UserID returns the acting user's id.
func (c *Client) UserID() string {
	if c.who == nil {
		return prov.Anonymous
	}
	return c.who.Actor()
}

// IsSuperuser reports whether the user passes all permission checks.
func (c *Client) IsSuperuser(who string) bool {
	return contains(c.cfg.Superusers, who)
}

var localidRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// shoulderAuthorized reports whether the acting user may mint ids under
// the shoulder.
func (c *Client) shoulderAuthorized(shoulder string) bool {
	if c.IsSuperuser(c.UserID()) {
		return true
	}
	return contains(c.cfg.AllowedShoulders, shoulder)
}

// CreateRecord mints a new project record owned by the acting user. When
// shoulder is empty the configured default is used; when localid is empty
// the next number in the shoulder's sequence is minted (4-digit minimum).
// The (owner, name) pair must be unique.
func (c *Client) CreateRecord(ctx context.Context, name, shoulder, localid string) (*ProjectRecord, error) {
	if shoulder == "" {
		shoulder = c.cfg.DefaultShoulder
	}
	if !c.shoulderAuthorized(shoulder) {
		return nil, &NotAuthorizedError{Who: c.UserID(), Op: "create records under shoulder", ID: shoulder}
	}
	owner := c.UserID()
	if existing, err := c.selectOwnerName(ctx, c.projcoll, owner, name); err != nil {
		return nil, err
	} else if existing {
		return nil, &AlreadyExistsError{What: fmt.Sprintf("%s record named %q for %s", c.projcoll, name, owner)}
	}

	var id string
	var minted int
	if localid != "" {
		if !localidRe.MatchString(localid) {
			return nil, fmt.Errorf("create %s: illegal local id: %q", c.projcoll, localid)
		}
		id = shoulder + ":" + localid
		if _, err := c.backend.GetFromColl(ctx, c.projcoll, id); err == nil {
			return nil, &AlreadyExistsError{What: id}
		}
	} else {
		n, err := c.backend.NextRecnum(ctx, shoulder)
		if err != nil {
			return nil, fmt.Errorf("create %s: minting id: %w", c.projcoll, err)
		}
		minted = n
		id = fmt.Sprintf("%s:%04d", shoulder, n)
	}

	rec := newProjectRecord(c.projcoll, id, name, owner, c)
	if err := c.SaveRecord(ctx, rec); err != nil {
		if minted > 0 {
			if _, perr := c.backend.TryPushRecnum(ctx, shoulder, minted); perr != nil {
				c.log.Warn("failed to recover unused record number",
					"shoulder", shoulder, "num", minted, "error", perr)
			}
		}
		return nil, err
	}
	return rec, nil
}

func (c *Client) selectOwnerName(ctx context.Context, coll, owner, name string) (bool, error) {
	hits, err := c.backend.SelectFromColl(ctx, coll, true, map[string][]any{
		"owner": {owner}, "name": {name},
	})
	if err != nil {
		return false, fmt.Errorf("select %s: %w", coll, err)
	}
	return len(hits) > 0, nil
}

// GetRecord fetches a project record by id, requiring the given
// permissions (read when none are named).
func (c *Client) GetRecord(ctx context.Context, id string, perms ...string) (*ProjectRecord, error) {
	return c.GetRecordFrom(ctx, c.projcoll, id, perms...)
}

// GetRecordFrom is GetRecord against an explicit collection, used to read
// published snapshots out of the latest/version collections.
func (c *Client) GetRecordFrom(ctx context.Context, coll, id string, perms ...string) (*ProjectRecord, error) {
	if len(perms) == 0 {
		perms = []string{ReadPerm}
	}
	doc, err := c.backend.GetFromColl(ctx, coll, id)
	if err != nil {
		return nil, err
	}
	rec := projectFromMap(doc, c)
	if !rec.Authorized(ctx, perms...) {
		return nil, &NotAuthorizedError{Who: c.UserID(), Op: "access", ID: id}
	}
	return rec, nil
}

// Exists reports whether a record with the id exists in the project
// collection, deactivated or not.
func (c *Client) Exists(ctx context.Context, id string) bool {
	_, err := c.backend.GetFromColl(ctx, c.projcoll, id)
	return err == nil
}

// SaveRecord writes a record after bumping its modified timestamp. On any
// failure the pre-save timestamps are restored. The caller must hold write
// permission as of the record's load-time ACLs.
func (c *Client) SaveRecord(ctx context.Context, rec Record) error {
	pr, isProj := rec.(*ProjectRecord)
	if isProj {
		if errs := pr.Validate(); len(errs) > 0 {
			return &InvalidRecordError{ID: rec.ID(), Errors: errs}
		}
	}
	if !c.recordAuthorized(ctx, rec, WritePerm) {
		return &NotAuthorizedError{Who: c.UserID(), Op: "update", ID: rec.ID()}
	}

	st := rec.GetStatus()
	oldSince, oldMod := st.Since, st.Modified
	st.Modified = nowstamp()
	if st.Since == Pending {
		st.Since = st.Modified
	}
	if _, err := c.backend.Upsert(ctx, rec.Collection(), rec.ToMap()); err != nil {
		st.SetTimes(oldSince, oldMod)
		return fmt.Errorf("save %s: %w", rec.ID(), err)
	}
	return nil
}

// DeleteRecord removes a record entirely, recovering its sequence number
// when it was the most recently minted. Requires delete permission.
func (c *Client) DeleteRecord(ctx context.Context, rec Record) error {
	if !c.recordAuthorized(ctx, rec, DeletePerm) {
		return &NotAuthorizedError{Who: c.UserID(), Op: "delete", ID: rec.ID()}
	}
	existed, err := c.backend.DeleteFrom(ctx, rec.Collection(), rec.ID())
	if err != nil {
		return fmt.Errorf("delete %s: %w", rec.ID(), err)
	}
	if !existed {
		return &ObjectNotFoundError{ID: rec.ID()}
	}
	if shoulder, n, ok := splitMintedID(rec.ID()); ok {
		if _, perr := c.backend.TryPushRecnum(ctx, shoulder, n); perr != nil {
			c.log.Warn("failed to recover record number", "id", rec.ID(), "error", perr)
		}
	}
	return nil
}

var mintedIDRe = regexp.MustCompile(`^([^:]+):(\d{4,})$`)

// splitMintedID recognizes ids minted from a shoulder sequence.
func splitMintedID(id string) (shoulder string, n int, ok bool) {
	m := mintedIDRe.FindStringSubmatch(id)
	if m == nil {
		return "", 0, false
	}
	if _, err := fmt.Sscanf(m[2], "%d", &n); err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

func (c *Client) recordAuthorized(ctx context.Context, rec Record, perm string) bool {
	type authed interface {
		Authorized(ctx context.Context, perms ...string) bool
	}
	if a, ok := rec.(authed); ok {
		return a.Authorized(ctx, perm)
	}
	return false
}

// SelectRecords returns the project records, matching the given
// constraints, for which the acting user satisfies at least one of the
// given permissions (owner's permissions when none are named).
func (c *Client) SelectRecords(ctx context.Context, perms []string, constraints map[string][]any) ([]*ProjectRecord, error) {
	if len(perms) == 0 {
		perms = OwnerPerms
	}
	normalized := normalizeConstraints(constraints)

	if ps, ok := c.backend.(PermSelector); ok && !c.IsSuperuser(c.UserID()) {
		principals := append([]string{c.UserID()}, c.UserGroups(ctx, c.UserID())...)
		docs, err := ps.SelectAuthorizedFor(ctx, c.projcoll, principals, perms, normalized)
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", c.projcoll, err)
		}
		out := make([]*ProjectRecord, 0, len(docs))
		for _, doc := range docs {
			out = append(out, projectFromMap(doc, c))
		}
		return out, nil
	}

	docs, err := c.backend.SelectFromColl(ctx, c.projcoll, false, normalized)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c.projcoll, err)
	}
	out := make([]*ProjectRecord, 0, len(docs))
	for _, doc := range docs {
		rec := projectFromMap(doc, c)
		if c.anyPermAuthorized(ctx, rec, perms) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Client) anyPermAuthorized(ctx context.Context, rec *ProjectRecord, perms []string) bool {
	for _, p := range perms {
		if rec.Authorized(ctx, p) {
			return true
		}
	}
	return false
}

// AdvSelectRecords is SelectRecords driven by the restricted $and/$or
// filter grammar. The filter structure is validated first; backends
// without advanced query support yield ErrUnsupported.
func (c *Client) AdvSelectRecords(ctx context.Context, filter map[string]any, perms []string) ([]*ProjectRecord, error) {
	if err := CheckFilterStructure(filter, c.cfg.Compat.QueryNoRecurse); err != nil {
		return nil, err
	}
	adv, ok := c.backend.(AdvSelector)
	if !ok {
		return nil, fmt.Errorf("adv_select %s: %w", c.projcoll, ErrUnsupported)
	}
	if len(perms) == 0 {
		perms = OwnerPerms
	}
	docs, err := adv.AdvSelectFromColl(ctx, c.projcoll, filter, false)
	if err != nil {
		return nil, fmt.Errorf("adv_select %s: %w", c.projcoll, err)
	}
	out := make([]*ProjectRecord, 0, len(docs))
	for _, doc := range docs {
		rec := projectFromMap(doc, c)
		if c.anyPermAuthorized(ctx, rec, perms) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RecordAction logs a provenance action against its subject record. The
// subject must exist and the acting user must hold write permission on it.
func (c *Client) RecordAction(ctx context.Context, act *prov.Action) error {
	if act.Subject == "" {
		return fmt.Errorf("record action: subject id is required")
	}
	doc, err := c.backend.GetFromColl(ctx, c.projcoll, act.Subject)
	if err != nil {
		return err
	}
	rec := projectFromMap(doc, c)
	if !rec.Authorized(ctx, WritePerm) {
		return &NotAuthorizedError{Who: c.UserID(), Op: "record actions on", ID: act.Subject}
	}
	adoc, err := act.ToMap()
	if err != nil {
		return err
	}
	if err := c.backend.SaveActionData(ctx, adoc); err != nil {
		return fmt.Errorf("record action on %s: %w", act.Subject, err)
	}
	return nil
}

// SelectActionsFor returns the logged provenance actions for a record.
func (c *Client) SelectActionsFor(ctx context.Context, id string) ([]*prov.Action, error) {
	docs, err := c.backend.SelectActionsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]*prov.Action, 0, len(docs))
	for _, doc := range docs {
		act, err := prov.ActionFromMap(doc)
		if err != nil {
			c.log.Warn("skipping undecodable action log entry", "subject", id, "error", err)
			continue
		}
		out = append(out, act)
	}
	return out, nil
}

// CloseActionLog atomically moves the record's current action log into a
// history archive, appending the closing action. The archive inherits the
// record's read ACL with write and admin stripped, and carries a canonical
// content hash of the archived actions. An empty log is skipped unless
// whenEmpty is set.
func (c *Client) CloseActionLog(ctx context.Context, rec Record, closing *prov.Action, extra map[string]any, whenEmpty bool) error {
	if extra == nil {
		if c.cfg.Compat.HistoryNilExtra {
			return fmt.Errorf("close action log for %s: extra properties are required", rec.ID())
		}
		extra = map[string]any{}
	}
	logged, err := c.backend.SelectActionsFor(ctx, rec.ID())
	if err != nil {
		return err
	}
	if len(logged) == 0 && !whenEmpty {
		return nil
	}
	if closing != nil {
		cdoc, err := closing.ToMap()
		if err != nil {
			return err
		}
		logged = append(logged, cdoc)
	}

	acls := NewACLs()
	for _, p := range rec.GetACLs().For(ReadPerm) {
		acls.Grant(ReadPerm, p)
	}
	entry := map[string]any{
		"recid":    rec.ID(),
		"acls":     acls.ToMap(),
		"archived": nowstamp(),
		"history":  logged,
	}
	for k, v := range extra {
		entry[k] = v
	}
	if hash, err := canonicalHash(logged); err == nil {
		entry["history_hash"] = hash
	}
	if err := c.backend.SaveHistory(ctx, entry); err != nil {
		return fmt.Errorf("archive action log for %s: %w", rec.ID(), err)
	}
	if err := c.backend.DeleteActionsFor(ctx, rec.ID()); err != nil {
		return fmt.Errorf("clear action log for %s: %w", rec.ID(), err)
	}
	return nil
}

// canonicalHash computes a sha256 over the RFC 8785 canonical JSON form.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
