// Package project implements the MIDAS project lifecycle engine over the
// DBIO layer: collaborative editing of draft records, validation,
// finalization with version assignment, submission, external review, and
// archival publication.
package project

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/prov"
	"github.com/midas-platform/midas/pkg/restore"
)

// DefaultNAAN is the ARK name-assigning-authority number published ids
// are minted under when the configuration names none.
const DefaultNAAN = "88434"

// PendingMarker suffixes the version of a draft under edit; finalization
// strips it.
const PendingMarker = "+ (in edit)"

// Transform is a pluggable final transformation applied to a record's data
// before validation during updates and finalization.
type Transform func(rec *dbio.ProjectRecord, data map[string]any) (map[string]any, error)

// UpdateLevelFunc decides which version position a revision increments:
// 0 for major, 1 for minor, 2 for patch.
type UpdateLevelFunc func(oldData, newData map[string]any) int

// Config carries the service policy knobs.
type Config struct {
	// NAAN is the ARK authority number for published ids.
	NAAN string
	// DefaultPerms grants extra principals on newly created records,
	// keyed by permission name.
	DefaultPerms map[string][]string
	// PublishOnApproval publishes a record automatically once an
	// external review system approves it.
	PublishOnApproval bool
	// ResolverBaseURL is the public resolver prefix recorded in release
	// history locations.
	ResolverBaseURL string
}

// Locks is a registry of coarse per-record mutexes serializing multi-step
// transitions. Services are built per acting user, so every Service that
// can reach the same records must share one registry; otherwise concurrent
// transitions on a record interleave and lose writes.
type Locks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	return &Locks{m: map[string]*sync.Mutex{}}
}

// For returns the mutex guarding one record.
func (l *Locks) For(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.m[id]
	if !ok {
		m = &sync.Mutex{}
		l.m[id] = m
	}
	return m
}

// Service is the stateful workflow engine for one project type. It wraps
// a DBIO client bound to the acting user; create one Service per request
// actor.
type Service struct {
	cli        *dbio.Client
	cfg        Config
	log        *slog.Logger
	validator  Validator
	reviewer   Reviewer
	transforms []Transform
	updlevel   UpdateLevelFunc
	locks      *Locks
}

// Option adjusts optional service collaborators.
type Option func(*Service)

// WithValidator sets the record validator. The default accepts anything.
func WithValidator(v Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithReviewer sets the advisory reviewer behind the review operation.
func WithReviewer(r Reviewer) Option {
	return func(s *Service) { s.reviewer = r }
}

// WithTransforms appends final data transformations.
func WithTransforms(ts ...Transform) Option {
	return func(s *Service) { s.transforms = append(s.transforms, ts...) }
}

// WithUpdateLevel sets the version-increment policy for revisions. The
// default increments the patch position.
func WithUpdateLevel(fn UpdateLevelFunc) Option {
	return func(s *Service) { s.updlevel = fn }
}

// WithLogger sets the logger the service reports through.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithLocks shares a per-record lock registry between services. Handlers
// that build a Service per request must pass the same registry to every
// Service over the same collection.
func WithLocks(l *Locks) Option {
	return func(s *Service) {
		if l != nil {
			s.locks = l
		}
	}
}

// NewService creates a lifecycle engine over the client.
func NewService(cli *dbio.Client, cfg Config, opts ...Option) *Service {
	if cfg.NAAN == "" {
		cfg.NAAN = DefaultNAAN
	}
	s := &Service{
		cli:       cli,
		cfg:       cfg,
		log:       slog.Default(),
		validator: NoopValidator{},
		reviewer:  NoopReviewer{},
		updlevel:  func(_, _ map[string]any) int { return PatchLevel },
		locks:     NewLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the DBIO client the service operates through.
func (s *Service) Client() *dbio.Client { return s.cli }

// lockFor returns the coarse per-record mutex serializing multi-step
// transitions.
func (s *Service) lockFor(id string) *sync.Mutex {
	return s.locks.For(id)
}

// ARKID maps a DBIO draft id (SHOULDER:LOCAL) into its published ARK form
// (ark:/NAAN/SHOULDER-LOCAL).
func (s *Service) ARKID(recid string) string {
	return "ark:/" + s.cfg.NAAN + "/" + strings.Replace(recid, ":", "-", 1)
}

// CreateRecord mints a new draft owned by the acting user, applies the
// configured default ACLs, and loads any initial data through the normal
// update path. A superuser may create the record for another user via
// meta["foruser"].
func (s *Service) CreateRecord(ctx context.Context, name string, data, meta map[string]any) (*dbio.ProjectRecord, error) {
	foruser, _ := meta["foruser"].(string)
	if foruser != "" && foruser != s.cli.UserID() && !s.cli.IsSuperuser(s.cli.UserID()) {
		return nil, &dbio.NotAuthorizedError{Who: s.cli.UserID(), Op: "create record for", ID: foruser}
	}

	rec, err := s.cli.CreateRecord(ctx, name, "", "")
	if err != nil {
		return nil, err
	}
	rec.Meta = s.newMetaFor(rec.ID(), meta)
	for perm, ids := range s.cfg.DefaultPerms {
		rec.GetACLs().Grant(perm, ids...)
	}
	if foruser != "" && foruser != rec.OwnerID() {
		if err := rec.Reassign(ctx, foruser); err != nil {
			return nil, err
		}
	}
	rec.Data = s.newDataFor(rec.ID())
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}
	s.recordAction(ctx, prov.NewAction(prov.ActionCreate, rec.ID(), s.cli.Agent(), "created "+name))

	if len(data) > 0 {
		if _, err := s.UpdateData(ctx, rec.ID(), data, "", "initial data"); err != nil {
			return nil, err
		}
		return s.cli.GetRecord(ctx, rec.ID())
	}
	return rec, nil
}

// newMetaFor builds the non-client-editable bookkeeping fields.
func (s *Service) newMetaFor(recid string, requested map[string]any) map[string]any {
	meta := map[string]any{
		"sipid": recid,
		"aipid": strings.Replace(recid, ":", "-", 1),
	}
	if foruser, _ := requested["foruser"].(string); foruser != "" {
		meta["foruser"] = foruser
	}
	return meta
}

// newDataFor builds the default data skeleton for a record id.
func (s *Service) newDataFor(recid string) map[string]any {
	return map[string]any{}
}

// GetRecord fetches a draft the acting user can read.
func (s *Service) GetRecord(ctx context.Context, id string) (*dbio.ProjectRecord, error) {
	return s.cli.GetRecord(ctx, id)
}

// SelectRecords lists drafts the acting user holds any of the given
// permissions on.
func (s *Service) SelectRecords(ctx context.Context, perms []string, constraints map[string][]any) ([]*dbio.ProjectRecord, error) {
	return s.cli.SelectRecords(ctx, perms, constraints)
}

// DeleteRecord deletes a draft, or reverts it to its published form when
// it has been published: published records are never erased. It reports
// whether the record was actually removed.
func (s *Service) DeleteRecord(ctx context.Context, id string) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cli.GetRecord(ctx, id, dbio.DeletePerm)
	if err != nil {
		return false, err
	}
	st := rec.GetStatus()
	if st.PublishedAs != "" {
		rest, err := restore.FromArchivedAt(st.ArchivedAt, s.cli)
		if err != nil {
			return false, err
		}
		if err := rest.Restore(ctx, rec, true); err != nil {
			return false, err
		}
		st.SetState(dbio.StatePublished, -1)
		st.Act(dbio.ActionRestore, "draft reverted to published version", -1)
		if err := s.cli.SaveRecord(ctx, rec); err != nil {
			return false, err
		}
		s.recordAction(ctx, prov.NewAction(prov.ActionDelete, id, s.cli.Agent(),
			"draft discarded; record reverted to "+st.PublishedAs))
		return false, nil
	}

	closing := prov.NewAction(prov.ActionDelete, id, s.cli.Agent(), "record deleted")
	if err := s.cli.CloseActionLog(ctx, rec, closing, map[string]any{"deleted": true}, false); err != nil {
		s.log.Warn("failed to archive action log before delete", "id", id, "error", err)
	}
	if err := s.cli.DeleteRecord(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// ReassignRecord transfers ownership of a draft. Requires admin.
func (s *Service) ReassignRecord(ctx context.Context, id, newOwner string) error {
	rec, err := s.cli.GetRecord(ctx, id, dbio.AdminPerm)
	if err != nil {
		return err
	}
	before := rec.OwnerID()
	if err := rec.Reassign(ctx, newOwner); err != nil {
		return err
	}
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return err
	}
	act := prov.NewAction(prov.ActionComment, id, s.cli.Agent(),
		fmt.Sprintf("record reassigned from %s to %s", before, newOwner))
	act.WithObject(map[string]any{"owner": map[string]any{"from": before, "to": newOwner}})
	s.recordAction(ctx, act)
	return nil
}

// RenameRecord changes a draft's mnemonic name, which must stay unique
// within the owner's namespace. Requires admin.
func (s *Service) RenameRecord(ctx context.Context, id, newName string) error {
	rec, err := s.cli.GetRecord(ctx, id, dbio.AdminPerm)
	if err != nil {
		return err
	}
	if newName == "" {
		return fmt.Errorf("rename %s: a non-empty name is required", id)
	}
	others, err := s.cli.SelectRecords(ctx, dbio.OwnerPerms, map[string][]any{
		"owner": {rec.OwnerID()}, "name": {newName},
	})
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.ID() != id {
			return &dbio.AlreadyExistsError{What: fmt.Sprintf("record named %q for %s", newName, rec.OwnerID())}
		}
	}
	before := rec.Name
	rec.Name = newName
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return err
	}
	act := prov.NewAction(prov.ActionComment, id, s.cli.Agent(),
		fmt.Sprintf("record renamed from %q to %q", before, newName))
	act.WithObject(map[string]any{"name": map[string]any{"from": before, "to": newName}})
	s.recordAction(ctx, act)
	return nil
}

// Review runs the advisory reviewer over a draft, returning findings
// without changing any state.
func (s *Service) Review(ctx context.Context, id string) (*ValidationResults, error) {
	rec, err := s.cli.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reviewer.Review(ctx, rec), nil
}

// recordAction logs provenance best-effort: a failure is reported but
// never blocks the state change it describes.
func (s *Service) recordAction(ctx context.Context, act *prov.Action) {
	if err := s.cli.RecordAction(ctx, act); err != nil {
		s.log.Warn("failed to record provenance action",
			"subject", act.Subject, "type", string(act.Type), "error", err)
	}
}
