package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/prov"
	"github.com/midas-platform/midas/pkg/restore"
)

// PhaseApproved is the external-review phase that unblocks publication.
const PhaseApproved = "approved"

// Submit finalizes a draft and moves it toward publication. The record
// lands in submitted, or further along when nothing blocks the terminal
// transition. A validation failure returns the record to edit.
func (s *Service) Submit(ctx context.Context, id, message string) (string, error) {
	initial := true
	if rec, err := s.cli.GetRecord(ctx, id); err == nil && rec.GetStatus().PublishedAs != "" {
		initial = false
	}

	if _, err := s.Finalize(ctx, id, message); err != nil {
		return "", err
	}

	lock := s.lockFor(id)
	lock.Lock()
	rec, err := s.cli.GetRecord(ctx, id, dbio.WritePerm)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	st := rec.GetStatus()
	st.SetState(dbio.StateSubmitted, -1)
	if message == "" {
		message = "submitted for publication"
	}
	st.Act(dbio.ActionSubmit, message, -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		lock.Unlock()
		return "", err
	}
	lock.Unlock()

	kind := "revision"
	if initial {
		kind = "initial submission"
	}
	// recorded before the terminal transition so the submission lands in
	// this release's archived history, not the next generation's log
	s.recordAction(ctx, prov.NewAction(prov.ActionProcess, id, s.cli.Agent(),
		fmt.Sprintf("submit (%s)", kind)))

	// the terminal transition may refuse (e.g. review still pending);
	// the record then simply stays submitted
	state := dbio.StateSubmitted
	if err := s.Publish(ctx, id); err == nil {
		state = dbio.StatePublished
	} else if !errors.Is(err, dbio.ErrNotSubmitable) {
		var pending *ReviewPendingError
		if !errors.As(err, &pending) {
			return "", err
		}
	}
	return state, nil
}

// ReviewPendingError indicates publication was refused because an external
// review system has not yet approved the record.
type ReviewPendingError struct {
	ID      string
	Systems []string
}

func (e *ReviewPendingError) Error() string {
	return fmt.Sprintf("%s: publication blocked pending review by %s",
		e.ID, strings.Join(e.Systems, ", "))
}

// Publish performs the terminal transition: archived copies of the record
// are written to the published collections with public-read ACLs, and the
// draft's status is stamped with its published identity. The record must
// have reached submitted or accepted, and every registered review system
// must have approved it. A failure while copying leaves the record in the
// unwell state.
func (s *Service) Publish(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cli.GetRecord(ctx, id, dbio.WritePerm)
	if err != nil {
		return err
	}
	st := rec.GetStatus()
	switch st.State {
	case dbio.StatePublished, dbio.StateInPress:
		return &dbio.NotSubmitableError{ID: id, State: st.State, Why: "already " + st.State}
	case dbio.StateSubmitted, dbio.StateAccepted:
	default:
		return &dbio.NotSubmitableError{ID: id, State: st.State, Why: "has not been submitted"}
	}
	if pending := pendingReviews(st); len(pending) > 0 {
		return &ReviewPendingError{ID: id, Systems: pending}
	}

	st.SetState(dbio.StateInPress, -1)
	st.Act(dbio.ActionPublish, "publication in progress", -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return err
	}

	ark := s.ARKID(id)
	ver := strings.TrimSuffix(versionOf(rec.Data), PendingMarker)
	if err := s.writeArchivedCopies(ctx, rec, ark, ver); err != nil {
		st.SetState(dbio.StateUnwell, -1)
		st.Act(dbio.ActionPublish, "publication failed: "+firstLine(err.Error()), -1)
		if serr := s.cli.SaveRecord(ctx, rec); serr != nil {
			s.log.Error("failed to mark record unwell after publish failure", "id", id, "error", serr)
		}
		act := prov.NewAction(prov.ActionProcess, id, s.cli.Agent(), "publication failed")
		act.WithObject(map[string]any{"errors": []any{err.Error()}})
		s.recordAction(ctx, act)
		return fmt.Errorf("publishing %s: %w", id, err)
	}

	latest := dbio.LatestColl(s.cli.ProjectColl())
	st.Publish(ark, ver, restore.DBIOStorePrefix+latest+"/"+ark)
	st.SetState(dbio.StatePublished, -1)
	st.Act(dbio.ActionPublish, "published as "+ark, -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return err
	}

	closing := prov.NewAction(prov.ActionProcess, id, s.cli.Agent(), "published as "+ark)
	closing.WithObject(map[string]any{"published_as": ark, "version": ver})
	if err := s.cli.CloseActionLog(ctx, rec, closing, map[string]any{"published_as": ark, "version": ver}, false); err != nil {
		s.log.Warn("failed to archive action log after publication", "id", id, "error", err)
	}
	return nil
}

// writeArchivedCopies stores the latest and per-version published copies.
// Copies carry public-read ACLs and no mutation permissions; writes go
// through the backend directly since the acting user holds no permissions
// on the rewritten copies.
func (s *Service) writeArchivedCopies(ctx context.Context, rec *dbio.ProjectRecord, ark, ver string) error {
	if ver == "" {
		return fmt.Errorf("record %s carries no version", rec.ID())
	}
	projcoll := s.cli.ProjectColl()

	latest := s.archivedCopy(rec, ark)
	if _, err := s.cli.Backend().Upsert(ctx, dbio.LatestColl(projcoll), latest); err != nil {
		return fmt.Errorf("writing latest copy: %w", err)
	}
	versioned := s.archivedCopy(rec, ark+"/pdr:v/"+ver)
	if _, err := s.cli.Backend().Upsert(ctx, dbio.VersionColl(projcoll), versioned); err != nil {
		return fmt.Errorf("writing version copy: %w", err)
	}
	return nil
}

// archivedCopy renders the record as a published document under the given
// id: read goes to the public group and every mutation permission is
// revoked. The legacy path unconditionally disowned the copy; that quirk
// survives behind a compatibility flag.
func (s *Service) archivedCopy(rec *dbio.ProjectRecord, pubid string) map[string]any {
	doc := rec.ToMap()
	doc["id"] = pubid
	doc["acls"] = map[string]any{
		dbio.ReadPerm:   []any{prov.PublicGroup},
		dbio.WritePerm:  []any{},
		dbio.AdminPerm:  []any{},
		dbio.DeletePerm: []any{},
	}
	if s.cli.Compat().PublishAlwaysDisown {
		doc["owner"] = ""
	}
	return doc
}

// pendingReviews lists the review systems that have not yet approved.
func pendingReviews(st *dbio.RecordStatus) []string {
	var out []string
	for system, rev := range st.Review {
		if rev == nil || rev.Phase != PhaseApproved {
			out = append(out, system)
		}
	}
	return out
}

// ApplyExternalReview records progress reported by an external review
// system and returns the record's resulting state. When the system
// requests changes on a submitted record, the record returns to edit so
// the owner can address the feedback.
func (s *Service) ApplyExternalReview(ctx context.Context, id, system, phase, reviewID, infoURL string,
	feedback []any, requestChanges bool, extras map[string]any) (string, error) {

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cli.GetRecord(ctx, id, dbio.WritePerm)
	if err != nil {
		return "", err
	}
	st := rec.GetStatus()
	st.PubReview(system, phase, reviewID, infoURL, feedback, false, extras)
	if requestChanges && st.State == dbio.StateSubmitted {
		st.SetState(dbio.StateEdit, -1)
		st.Act(dbio.ActionUpdate, system+" requested changes", -1)
	}
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return "", err
	}

	act := prov.NewAction(prov.ActionComment, id, s.cli.Agent(),
		fmt.Sprintf("external review by %s: %s", system, phase))
	obj := map[string]any{"system": system, "phase": phase}
	if len(feedback) > 0 {
		obj["feedback"] = feedback
	}
	act.WithObject(obj)
	s.recordAction(ctx, act)
	return st.State, nil
}

// Approve marks the system's review approved and, when the service is
// configured for it, publishes the record immediately.
func (s *Service) Approve(ctx context.Context, id, system string) (string, error) {
	state, err := s.ApplyExternalReview(ctx, id, system, PhaseApproved, "", "", nil, false, nil)
	if err != nil {
		return "", err
	}
	if s.cfg.PublishOnApproval && state == dbio.StateSubmitted {
		if err := s.Publish(ctx, id); err != nil {
			return state, err
		}
		state = dbio.StatePublished
	}
	return state, nil
}
