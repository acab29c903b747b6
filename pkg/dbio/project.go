package dbio

import "encoding/json"

// ProjectRecord is a draft DMP or DAP under authorship. Data holds the
// client-editable domain payload; Meta holds bookkeeping fields that
// clients may read but not edit.
type ProjectRecord struct {
	ProtectedRecord
	Name     string
	Data     map[string]any
	Meta     map[string]any
	Curators []string
}

func newProjectRecord(coll, id, name, owner string, cli *Client) *ProjectRecord {
	return &ProjectRecord{
		ProtectedRecord: newProtectedRecord(coll, id, owner, cli),
		Name:            name,
		Data:            map[string]any{},
		Meta:            map[string]any{},
	}
}

// ToMap renders the record in its persisted form.
func (r *ProjectRecord) ToMap() map[string]any {
	out := r.baseMap()
	out["name"] = r.Name
	out["data"] = deepCopyJSON(r.Data)
	out["meta"] = deepCopyJSON(r.Meta)
	curators := make([]any, len(r.Curators))
	for i, c := range r.Curators {
		curators[i] = c
	}
	out["curators"] = curators
	return out
}

// Validate returns the structural problems with the record; an empty list
// means the record may be saved.
func (r *ProjectRecord) Validate() []string {
	errs := r.validate()
	if r.Name == "" {
		errs = append(errs, "record name must be non-empty")
	}
	if r.Data == nil {
		errs = append(errs, "record data must be set")
	}
	return errs
}

// Clone returns a detached deep copy of this record.
func (r *ProjectRecord) Clone() *ProjectRecord {
	return projectFromMap(r.ToMap(), r.cli)
}

func projectFromMap(doc map[string]any, cli *Client) *ProjectRecord {
	out := &ProjectRecord{ProtectedRecord: baseFromMap(doc, cli)}
	out.Name, _ = doc["name"].(string)
	if d, ok := doc["data"].(map[string]any); ok {
		out.Data = deepCopyJSON(d).(map[string]any)
	} else {
		out.Data = map[string]any{}
	}
	if m, ok := doc["meta"].(map[string]any); ok {
		out.Meta = deepCopyJSON(m).(map[string]any)
	} else {
		out.Meta = map[string]any{}
	}
	if cc, ok := doc["curators"].([]any); ok {
		for _, c := range cc {
			if s, ok := c.(string); ok {
				out.Curators = append(out.Curators, s)
			}
		}
	}
	return out
}

// deepCopyJSON copies an arbitrary JSON-shaped value. Values that cannot
// round-trip through JSON come back as given.
func deepCopyJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopyJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopyJSON(val)
		}
		return out
	case json.RawMessage:
		var decoded any
		if json.Unmarshal(t, &decoded) == nil {
			return decoded
		}
		return t
	default:
		return v
	}
}
