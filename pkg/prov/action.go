package prov

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionType names the kind of change an Action records.
type ActionType string

const (
	ActionCreate  ActionType = "CREATE"
	ActionPut     ActionType = "PUT"
	ActionPatch   ActionType = "PATCH"
	ActionMove    ActionType = "MOVE"
	ActionDelete  ActionType = "DELETE"
	ActionProcess ActionType = "PROCESS"
	ActionComment ActionType = "COMMENT"
)

var actionTypes = map[ActionType]struct{}{
	ActionCreate: {}, ActionPut: {}, ActionPatch: {}, ActionMove: {},
	ActionDelete: {}, ActionProcess: {}, ActionComment: {},
}

// ValidActionType reports whether t is one of the recognized action types.
func ValidActionType(t ActionType) bool {
	_, ok := actionTypes[t]
	return ok
}

// clock hands out strictly increasing timestamps so that actions recorded
// within the same instant still order deterministically.
var clock = struct {
	sync.Mutex
	last int64
}{}

func nextStamp() int64 {
	clock.Lock()
	defer clock.Unlock()
	now := time.Now().UnixMicro()
	if now <= clock.last {
		now = clock.last + 1
	}
	clock.last = now
	return now
}

// Action records a single change applied to a record, possibly composed of
// ordered sub-actions forming a tree rooted at the outermost action.
type Action struct {
	ID        string     `json:"id"`
	Type      ActionType `json:"type"`
	Subject   string     `json:"subject"`
	Agent     *Agent     `json:"agent,omitempty"`
	Message   string     `json:"message,omitempty"`
	Object    any        `json:"object,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Subacts   []*Action  `json:"subactions,omitempty"`
}

// NewAction creates an action stamped with a fresh id and the current time.
// The subject is the id of the record the action was applied to.
func NewAction(typ ActionType, subject string, agent *Agent, message string) *Action {
	return &Action{
		ID:        uuid.New().String(),
		Type:      typ,
		Subject:   subject,
		Agent:     agent,
		Message:   message,
		Timestamp: nextStamp(),
	}
}

// WithObject attaches an arbitrary JSON-serializable object, typically a
// JSON-Patch describing the change, and returns the action for chaining.
func (a *Action) WithObject(obj any) *Action {
	a.Object = obj
	return a
}

// AddSubaction appends a sub-action to this action's ordered list.
func (a *Action) AddSubaction(sub *Action) {
	a.Subacts = append(a.Subacts, sub)
}

// Date renders the action's timestamp in RFC 3339 form.
func (a *Action) Date() string {
	return time.UnixMicro(a.Timestamp).UTC().Format(time.RFC3339)
}

// ToMap renders the action as a generic JSON document, the form the DBIO
// action log persists.
func (a *Action) ToMap() (map[string]any, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", a.ID, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("action %s: %w", a.ID, err)
	}
	return out, nil
}

// ActionFromMap restores an action from its persisted generic form.
func ActionFromMap(doc map[string]any) (*Action, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("action document: %w", err)
	}
	var out Action
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("action document: %w", err)
	}
	if !ValidActionType(out.Type) {
		return nil, fmt.Errorf("action document: unrecognized type %q", out.Type)
	}
	return &out, nil
}
