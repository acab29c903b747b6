package dbio

import (
	"encoding/json"
	"time"
)

// Record lifecycle states.
const (
	StateEdit       = "edit"
	StateProcessing = "processing"
	StateReady      = "ready"
	StateSubmitted  = "submitted"
	StateAccepted   = "accepted"
	StateInPress    = "in press"
	StatePublished  = "published"
	StateUnwell     = "unwell"
)

// Record lifecycle actions, stored as the last thing done to a record.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionClear      = "clear"
	ActionFinalize   = "finalize"
	ActionSubmit     = "submit"
	ActionPublish    = "publish"
	ActionUpdatePrep = "update-prep"
	ActionRestore    = "restore"
)

// Pending marks a timestamp for a thing that has not happened yet. Its ISO
// rendering is the literal string "pending".
const Pending float64 = 0

// ReviewStatus captures the progress of one external review system on a
// record under submission.
type ReviewStatus struct {
	Phase    string         `json:"phase"`
	ID       string         `json:"id,omitempty"`
	URL      string         `json:"url,omitempty"`
	Feedback []any          `json:"feedback,omitempty"`
	Extras   map[string]any `json:"-"`
}

// MarshalJSON folds the extra properties into the review document.
func (r *ReviewStatus) MarshalJSON() ([]byte, error) {
	doc := map[string]any{"phase": r.Phase}
	if r.ID != "" {
		doc["id"] = r.ID
	}
	if r.URL != "" {
		doc["url"] = r.URL
	}
	if r.Feedback != nil {
		doc["feedback"] = r.Feedback
	}
	for k, v := range r.Extras {
		if _, reserved := doc[k]; !reserved {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits reserved review fields from extra properties.
func (r *ReviewStatus) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := ReviewStatus{Extras: map[string]any{}}
	for k, v := range doc {
		switch k {
		case "phase":
			out.Phase, _ = v.(string)
		case "id":
			out.ID, _ = v.(string)
		case "url":
			out.URL, _ = v.(string)
		case "feedback":
			out.Feedback, _ = v.([]any)
		default:
			out.Extras[k] = v
		}
	}
	*r = out
	return nil
}

// RecordStatus encodes the state of a record and the last action applied to
// it. Since marks when the current state was entered; Modified marks the
// last action. Timestamps are epoch seconds; zero means pending.
type RecordStatus struct {
	State            string                   `json:"state"`
	Action           string                   `json:"action"`
	Created          float64                  `json:"created"`
	Since            float64                  `json:"since"`
	Modified         float64                  `json:"modified"`
	Message          string                   `json:"message,omitempty"`
	PublishedAs      string                   `json:"published_as,omitempty"`
	PublishedVersion string                   `json:"version,omitempty"`
	ArchivedAt       string                   `json:"archived_at,omitempty"`
	Review           map[string]*ReviewStatus `json:"publishReview,omitempty"`
}

// NewRecordStatus creates the status for a newly created record.
func NewRecordStatus() *RecordStatus {
	now := nowstamp()
	return &RecordStatus{
		State:    StateEdit,
		Action:   ActionCreate,
		Created:  now,
		Since:    now,
		Modified: now,
	}
}

func nowstamp() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

// resolveWhen applies the timestamp convention: negative means "now", zero
// means pending, anything else is taken as given.
func resolveWhen(when float64) float64 {
	if when < 0 {
		return nowstamp()
	}
	return when
}

// Act records an action just applied to the record, updating the modified
// timestamp. A negative when means now; zero leaves the action pending.
func (s *RecordStatus) Act(action, message string, when float64) {
	s.Action = action
	s.Message = message
	s.Modified = resolveWhen(when)
	if s.Modified > 0 && s.Since > s.Modified {
		s.Since = s.Modified
	}
}

// SetState moves the record into a new lifecycle state. The since timestamp
// is reset only when the state actually changes.
func (s *RecordStatus) SetState(state string, when float64) {
	if state != s.State {
		s.State = state
		s.Since = resolveWhen(when)
		if s.Modified < s.Since {
			s.Modified = s.Since
		}
	}
}

// SetTimes stamps both since and modified, used when reloading a snapshot.
func (s *RecordStatus) SetTimes(since, modified float64) {
	s.Since = since
	s.Modified = modified
}

// PubReview records the progress reported by an external review system.
// When replace is false, feedback entries are appended to any already
// recorded for the system.
func (s *RecordStatus) PubReview(system, phase, reviewID, infoURL string, feedback []any, replace bool, extras map[string]any) *ReviewStatus {
	if s.Review == nil {
		s.Review = map[string]*ReviewStatus{}
	}
	rev := s.Review[system]
	if rev == nil || replace {
		rev = &ReviewStatus{Extras: map[string]any{}}
		s.Review[system] = rev
	}
	if phase != "" {
		rev.Phase = phase
	}
	if reviewID != "" {
		rev.ID = reviewID
	}
	if infoURL != "" {
		rev.URL = infoURL
	}
	if len(feedback) > 0 {
		if replace {
			rev.Feedback = feedback
		} else {
			rev.Feedback = append(rev.Feedback, feedback...)
		}
	}
	for k, v := range extras {
		if rev.Extras == nil {
			rev.Extras = map[string]any{}
		}
		rev.Extras[k] = v
	}
	return rev
}

// Publish stamps the status with the identity and location of the published
// copy of the record.
func (s *RecordStatus) Publish(publishedAs, version, archivedAt string) {
	s.PublishedAs = publishedAs
	s.PublishedVersion = version
	s.ArchivedAt = archivedAt
}

// SinceDate renders the since timestamp in ISO form; a pending timestamp
// renders as "pending".
func (s *RecordStatus) SinceDate() string { return isodate(s.Since) }

// ModifiedDate renders the modified timestamp in ISO form.
func (s *RecordStatus) ModifiedDate() string { return isodate(s.Modified) }

func isodate(stamp float64) string {
	if stamp == Pending {
		return "pending"
	}
	return time.UnixMicro(int64(stamp * 1e6)).UTC().Format(time.RFC3339)
}

// statusToMap renders the status as a generic JSON document.
func statusToMap(s *RecordStatus) map[string]any {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(data, &out) != nil {
		return nil
	}
	return out
}

// statusFromMap restores a status from its generic form, tolerating a
// missing or malformed document by returning a fresh status.
func statusFromMap(v any) *RecordStatus {
	doc, ok := v.(map[string]any)
	if !ok {
		return NewRecordStatus()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return NewRecordStatus()
	}
	var out RecordStatus
	if json.Unmarshal(data, &out) != nil {
		return NewRecordStatus()
	}
	return &out
}

// Clone returns a deep copy, used to snapshot status before risky
// multi-step transitions.
func (s *RecordStatus) Clone() *RecordStatus {
	out := *s
	if s.Review != nil {
		out.Review = map[string]*ReviewStatus{}
		for k, v := range s.Review {
			rev := *v
			if v.Feedback != nil {
				rev.Feedback = append([]any{}, v.Feedback...)
			}
			if v.Extras != nil {
				rev.Extras = map[string]any{}
				for ek, ev := range v.Extras {
					rev.Extras[ek] = ev
				}
			}
			out.Review[k] = &rev
		}
	}
	return &out
}
