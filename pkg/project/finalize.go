package project

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/prov"
)

// FirstVersion is assigned to a record on its first finalization.
const FirstVersion = "1.0.0"

// Finalize prepares a draft for submission: it applies the final data
// transformations, runs full validation, assigns the published identifier
// and the next version, and stamps the release history. The record passes
// through the processing state while this runs and lands in ready on
// success; a failure returns it to edit. The finalized data is returned.
func (s *Service) Finalize(ctx context.Context, id, message string) (map[string]any, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cli.GetRecord(ctx, id, dbio.WritePerm)
	if err != nil {
		return nil, err
	}
	st := rec.GetStatus()
	if st.State != dbio.StateEdit && st.State != dbio.StateReady {
		return nil, &dbio.NotEditableError{ID: id, State: st.State}
	}

	// mark the interlude so concurrent readers see the record is busy
	st.SetState(dbio.StateProcessing, -1)
	st.Act(dbio.ActionFinalize, "finalization in progress", -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}

	olddata := copyMap(rec.Data)
	if err := s.finalizeData(ctx, rec, olddata, message); err != nil {
		rec.Data = olddata
		st.SetState(dbio.StateEdit, -1)
		st.Act(dbio.ActionFinalize, "finalization failed: "+firstLine(err.Error()), -1)
		if serr := s.cli.SaveRecord(ctx, rec); serr != nil {
			s.log.Error("failed to return record to edit after finalization failure",
				"id", id, "error", serr)
		}
		return nil, err
	}

	if message == "" {
		message = "draft finalized for version " + versionOf(rec.Data)
	}
	st.SetState(dbio.StateReady, -1)
	st.Act(dbio.ActionFinalize, message, -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}

	act := prov.NewAction(prov.ActionProcess, id, s.cli.Agent(), message)
	act.WithObject(map[string]any{"version": versionOf(rec.Data)})
	s.recordAction(ctx, act)
	return rec.Data, nil
}

// finalizeData mutates rec.Data in place through transformation,
// versioning, identifier assignment, release-history stamping, and full
// validation.
func (s *Service) finalizeData(ctx context.Context, rec *dbio.ProjectRecord, olddata map[string]any, message string) error {
	ver, err := s.nextVersion(rec, olddata)
	if err != nil {
		return err
	}
	rec.Data["@version"] = ver
	rec.Data["@id"] = s.ARKID(rec.ID())
	s.stampReleaseHistory(rec, ver, message)

	return s.transformAndValidate(ctx, rec, true)
}

// nextVersion decides the version this finalization assigns. A pending
// marker left by update-prep is stripped first. When the result still
// matches the last published version, the position chosen by the
// update-level policy is incremented; a version the editor set by hand is
// kept as is. The first finalization yields FirstVersion.
func (s *Service) nextVersion(rec *dbio.ProjectRecord, olddata map[string]any) (string, error) {
	st := rec.GetStatus()
	ver := strings.TrimSuffix(versionOf(rec.Data), PendingMarker)
	if st.PublishedVersion == "" {
		if ver == "" {
			return FirstVersion, nil
		}
		if _, err := semver.StrictNewVersion(ver); err != nil {
			return "", &dbio.InvalidUpdateError{InvalidRecordError: dbio.InvalidRecordError{
				ID: rec.ID(), Errors: []string{fmt.Sprintf("@version: %q is not a legal version: %s", ver, err)},
			}}
		}
		return ver, nil
	}
	if ver != "" && ver != st.PublishedVersion {
		// the editor set the revision's version explicitly
		if _, err := semver.StrictNewVersion(ver); err != nil {
			return "", &dbio.InvalidUpdateError{InvalidRecordError: dbio.InvalidRecordError{
				ID: rec.ID(), Errors: []string{fmt.Sprintf("@version: %q is not a legal version: %s", ver, err)},
			}}
		}
		return ver, nil
	}
	base, err := semver.StrictNewVersion(st.PublishedVersion)
	if err != nil {
		return "", fmt.Errorf("finalize %s: published version %q is not parseable: %w",
			rec.ID(), st.PublishedVersion, err)
	}
	var next semver.Version
	switch s.updlevel(olddata, rec.Data) {
	case MajorLevel:
		next = base.IncMajor()
	case MinorLevel:
		next = base.IncMinor()
	default:
		next = base.IncPatch()
	}
	return next.String(), nil
}

// stampReleaseHistory appends this version's release entry to the data's
// release history, replacing any previous entry for the same version.
func (s *Service) stampReleaseHistory(rec *dbio.ProjectRecord, ver, message string) {
	ark := s.ARKID(rec.ID())
	hist, ok := rec.Data["releaseHistory"].(map[string]any)
	if !ok {
		hist = map[string]any{
			"@id":   ark + "/pdr:v",
			"@type": []any{"nrdr:ReleaseHistory"},
		}
		rec.Data["releaseHistory"] = hist
	}
	if message == "" {
		message = "metadata update"
		if ver == FirstVersion {
			message = "initial release"
		}
	}
	entry := map[string]any{
		"version":     ver,
		"issued":      time.Now().UTC().Format("2006-01-02"),
		"@id":         ark + "/pdr:v/" + ver,
		"description": message,
	}
	if s.cfg.ResolverBaseURL != "" {
		entry["location"] = strings.TrimSuffix(s.cfg.ResolverBaseURL, "/") + "/" + ark + "/pdr:v/" + ver
	}

	releases, _ := hist["hasRelease"].([]any)
	kept := make([]any, 0, len(releases)+1)
	for _, r := range releases {
		if rm, ok := r.(map[string]any); ok && rm["version"] == ver {
			continue
		}
		kept = append(kept, r)
	}
	hist["hasRelease"] = append(kept, entry)
}

func versionOf(data map[string]any) string {
	v, _ := data["@version"].(string)
	return v
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
