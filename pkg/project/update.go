package project

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gomodules.xyz/jsonpatch/v2"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/prov"
	"github.com/midas-platform/midas/pkg/restore"
)

// maxMergeDepth bounds the recursive merge so pathological inputs cannot
// recurse unboundedly.
const maxMergeDepth = 32

// patchOpCap bounds the size of JSON-Patch objects stored in provenance;
// larger diffs are summarized instead.
const patchOpCap = 200

// UpdateData merges new data into a draft's payload. When part names a
// slash-delimited pointer, only that subtree is updated. A published
// record is first returned to the edit state with its data restored from
// the last published copy. The updated full payload is returned.
func (s *Service) UpdateData(ctx context.Context, id string, newdata map[string]any, part, message string) (map[string]any, error) {
	return s.applyUpdate(ctx, id, newdata, part, message, false)
}

// ReplaceData is UpdateData with overwrite semantics: the payload (or the
// addressed subtree) is replaced wholesale, starting from the default
// skeleton for the record.
func (s *Service) ReplaceData(ctx context.Context, id string, newdata map[string]any, part, message string) (map[string]any, error) {
	return s.applyUpdate(ctx, id, newdata, part, message, true)
}

func (s *Service) applyUpdate(ctx context.Context, id string, newdata map[string]any, part, message string, replace bool) (map[string]any, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.editableRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	olddata := copyMap(rec.Data)
	var applied map[string]any
	if replace {
		applied, err = replaceAt(id, rec.Data, s.newDataFor(id), newdata, part)
	} else {
		applied, err = mergeAt(id, rec.Data, newdata, part)
	}
	if err != nil {
		return nil, err
	}
	rec.Data = applied

	if err := s.transformAndValidate(ctx, rec, false); err != nil {
		rec.Data = olddata
		s.recordPatch(ctx, rec, olddata, applied, "update failed: "+err.Error())
		return nil, err
	}

	rec.GetStatus().Act(dbio.ActionUpdate, message, -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		rec.Data = olddata
		return nil, err
	}
	s.recordPatch(ctx, rec, olddata, rec.Data, message)
	return rec.Data, nil
}

// ClearData resets a draft's data, or the addressed subtree, to its
// default skeleton. It reports false when the addressed part did not
// exist.
func (s *Service) ClearData(ctx context.Context, id, part, message string) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.editableRecord(ctx, id)
	if err != nil {
		return false, err
	}

	defaults := s.newDataFor(id)
	if part == "" {
		rec.Data = defaults
	} else {
		steps := strings.Split(strings.Trim(part, "/"), "/")
		parent, leaf, ok := descend(rec.Data, steps)
		if !ok {
			return false, nil
		}
		if dv, found := valueAt(defaults, steps); found {
			parent[leaf] = dv
		} else {
			delete(parent, leaf)
		}
	}

	if message == "" {
		message = "data cleared"
		if part != "" {
			message = fmt.Sprintf("data property %s cleared", part)
		}
	}
	rec.GetStatus().Act(dbio.ActionClear, message, -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return false, err
	}
	s.recordAction(ctx, prov.NewAction(prov.ActionDelete, id, s.cli.Agent(), message))
	return true, nil
}

// editableRecord fetches the draft for writing, first running the
// update-prep transition when the record sits in the published state.
func (s *Service) editableRecord(ctx context.Context, id string) (*dbio.ProjectRecord, error) {
	rec, err := s.cli.GetRecord(ctx, id, dbio.WritePerm)
	if err != nil {
		return nil, err
	}
	st := rec.GetStatus()
	if st.State == dbio.StatePublished {
		if err := s.updatePrep(ctx, rec); err != nil {
			return nil, err
		}
	}
	if st.State != dbio.StateEdit && st.State != dbio.StateReady {
		return nil, &dbio.NotEditableError{ID: id, State: st.State}
	}
	return rec, nil
}

// updatePrep returns a published record to the edit state, restoring its
// data from the last published copy and marking the version as pending.
func (s *Service) updatePrep(ctx context.Context, rec *dbio.ProjectRecord) error {
	st := rec.GetStatus()
	rest, err := restore.FromArchivedAt(st.ArchivedAt, s.cli)
	if err != nil {
		return fmt.Errorf("update-prep %s: %w", rec.ID(), err)
	}
	if err := rest.Restore(ctx, rec, true); err != nil {
		return fmt.Errorf("update-prep %s: %w", rec.ID(), err)
	}
	if st.PublishedVersion != "" {
		rec.Data["@version"] = st.PublishedVersion + PendingMarker
	}
	st.SetState(dbio.StateEdit, -1)
	st.Act(dbio.ActionUpdatePrep, "draft reopened for revision", -1)
	if err := s.cli.SaveRecord(ctx, rec); err != nil {
		return err
	}
	s.recordAction(ctx, prov.NewAction(prov.ActionProcess, rec.ID(), s.cli.Agent(),
		"update-prep: restored data from "+st.PublishedAs))
	return nil
}

// transformAndValidate runs the pluggable final transformations and then
// validates: minimally for ordinary updates, fully when finalizing.
func (s *Service) transformAndValidate(ctx context.Context, rec *dbio.ProjectRecord, full bool) error {
	for _, tf := range s.transforms {
		out, err := tf(rec, rec.Data)
		if err != nil {
			return fmt.Errorf("transforming %s: %w", rec.ID(), err)
		}
		rec.Data = out
	}
	var errs []string
	if full {
		errs = s.validator.ValidateFull(ctx, rec.Data)
	} else {
		errs = s.validator.ValidateMinimal(ctx, rec.Data)
	}
	if len(errs) > 0 {
		return &dbio.InvalidUpdateError{InvalidRecordError: dbio.InvalidRecordError{ID: rec.ID(), Errors: errs}}
	}
	return nil
}

// recordPatch logs a PATCH action carrying a JSON-Patch from the pre-merge
// data to the new data. Oversized diffs are stored as a summary.
func (s *Service) recordPatch(ctx context.Context, rec *dbio.ProjectRecord, olddata, newdata map[string]any, message string) {
	act := prov.NewAction(prov.ActionPatch, rec.ID(), s.cli.Agent(), message)
	oldb, err1 := json.Marshal(olddata)
	newb, err2 := json.Marshal(newdata)
	if err1 == nil && err2 == nil {
		if ops, err := jsonpatch.CreatePatch(oldb, newb); err == nil {
			if len(ops) <= patchOpCap {
				act.WithObject(ops)
			} else {
				act.WithObject(map[string]any{"summary": fmt.Sprintf("%d operations (too large to store)", len(ops))})
			}
		}
	}
	s.recordAction(ctx, act)
}

// mergeAt merges src into data, or into the subtree addressed by the
// slash-delimited part, auto-creating intermediate objects. Maps merge in
// place; everything else is replaced.
func mergeAt(id string, data, src map[string]any, part string) (map[string]any, error) {
	if part == "" {
		if err := mergeInto(data, src, 0); err != nil {
			return nil, err
		}
		return data, nil
	}
	parent, leaf, err := reach(id, data, part)
	if err != nil {
		return nil, err
	}
	if dst, ok := parent[leaf].(map[string]any); ok {
		if err := mergeInto(dst, src, 0); err != nil {
			return nil, err
		}
	} else {
		parent[leaf] = src
	}
	return data, nil
}

// replaceAt overwrites the whole payload (seeded from the default
// skeleton) or the addressed subtree.
func replaceAt(id string, data, defaults, src map[string]any, part string) (map[string]any, error) {
	if part == "" {
		out := defaults
		for k, v := range src {
			out[k] = v
		}
		return out, nil
	}
	parent, leaf, err := reach(id, data, part)
	if err != nil {
		return nil, err
	}
	parent[leaf] = src
	return data, nil
}

// reach walks the slash-delimited pointer to the parent of its leaf,
// creating intermediate maps as needed.
func reach(id string, data map[string]any, part string) (map[string]any, string, error) {
	steps := strings.Split(strings.Trim(part, "/"), "/")
	cur := data
	for _, step := range steps[:len(steps)-1] {
		next, exists := cur[step]
		if !exists {
			child := map[string]any{}
			cur[step] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, "", &dbio.PartNotAccessibleError{ID: id, Part: part}
		}
		cur = child
	}
	return cur, steps[len(steps)-1], nil
}

// descend walks to the parent of the leaf without creating anything,
// reporting whether the full path exists.
func descend(data map[string]any, steps []string) (map[string]any, string, bool) {
	cur := data
	for _, step := range steps[:len(steps)-1] {
		child, ok := cur[step].(map[string]any)
		if !ok {
			return nil, "", false
		}
		cur = child
	}
	leaf := steps[len(steps)-1]
	_, exists := cur[leaf]
	return cur, leaf, exists
}

// valueAt reads the value at the path, reporting whether it exists.
func valueAt(data map[string]any, steps []string) (any, bool) {
	var cur any = data
	for _, step := range steps {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[step]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// mergeInto recursively merges src into dst: maps merge in place, arrays
// and scalars are replaced wholesale.
func mergeInto(dst, src map[string]any, depth int) error {
	if depth >= maxMergeDepth {
		return fmt.Errorf("merge exceeds maximum depth of %d", maxMergeDepth)
	}
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				if err := mergeInto(dm, sm, depth+1); err != nil {
					return err
				}
				continue
			}
		}
		dst[k] = sv
	}
	return nil
}

func copyMap(doc map[string]any) map[string]any {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out map[string]any
	if json.Unmarshal(data, &out) != nil {
		return doc
	}
	return out
}
