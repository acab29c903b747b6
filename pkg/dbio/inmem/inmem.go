// Package inmem provides the in-memory DBIO backend used for testing.
// State lives in nested maps keyed by collection then record id and is
// serialized with a process-wide mutex.
package inmem

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/midas-platform/midas/pkg/dbio"
)

// Backend is the in-memory driver. The zero value is not usable; create
// one with NewBackend.
type Backend struct {
	mu      sync.Mutex
	colls   map[string]map[string]map[string]any
	seqs    map[string]int
	actions map[string][]map[string]any
	history map[string][]map[string]any
}

var _ dbio.Backend = (*Backend)(nil)
var _ dbio.AdvSelector = (*Backend)(nil)

// NewBackend creates an empty in-memory backend.
func NewBackend() *Backend {
	b := &Backend{}
	b.reset()
	return b
}

func (b *Backend) reset() {
	b.colls = map[string]map[string]map[string]any{}
	b.seqs = map[string]int{}
	b.actions = map[string][]map[string]any{}
	b.history = map[string][]map[string]any{}
}

// Reset clears all stored state.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Upsert stores a copy of the record document, replacing any prior one.
func (b *Backend) Upsert(ctx context.Context, coll string, rec map[string]any) (bool, error) {
	id, _ := rec["id"].(string)
	if id == "" {
		return false, &dbio.ObjectNotFoundError{ID: "(missing id)"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.colls[coll]
	if c == nil {
		c = map[string]map[string]any{}
		b.colls[coll] = c
	}
	_, existed := c[id]
	c[id] = copyDoc(rec)
	return !existed, nil
}

// GetFromColl fetches a record document by id, deactivated or not.
func (b *Backend) GetFromColl(ctx context.Context, coll, id string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.colls[coll][id]
	if !ok {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	return copyDoc(doc), nil
}

// SelectFromColl scans the collection for documents matching the
// constraints.
func (b *Backend) SelectFromColl(ctx context.Context, coll string, includeDeactivated bool, constraints map[string][]any) ([]map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, doc := range b.colls[coll] {
		if !includeDeactivated && doc["deactivated"] != nil {
			continue
		}
		if dbio.MatchesConstraints(doc, constraints) {
			out = append(out, copyDoc(doc))
		}
	}
	return out, nil
}

// SelectPropContains scans for documents whose list property contains the
// target value.
func (b *Backend) SelectPropContains(ctx context.Context, coll, prop, target string, includeDeactivated bool) ([]map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, doc := range b.colls[coll] {
		if !includeDeactivated && doc["deactivated"] != nil {
			continue
		}
		vals, _ := doc[prop].([]any)
		for _, v := range vals {
			if s, ok := v.(string); ok && s == target {
				out = append(out, copyDoc(doc))
				break
			}
		}
	}
	return out, nil
}

// AdvSelectFromColl scans the collection with the restricted filter
// grammar.
func (b *Backend) AdvSelectFromColl(ctx context.Context, coll string, filter map[string]any, includeDeactivated bool) ([]map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, doc := range b.colls[coll] {
		if !includeDeactivated && doc["deactivated"] != nil {
			continue
		}
		if dbio.MatchesFilter(doc, filter) {
			out = append(out, copyDoc(doc))
		}
	}
	return out, nil
}

// DeleteFrom removes a record document.
func (b *Backend) DeleteFrom(ctx context.Context, coll, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.colls[coll]
	if _, ok := c[id]; !ok {
		return false, nil
	}
	delete(c, id)
	return true, nil
}

// NextRecnum issues the next number in a shoulder's sequence.
func (b *Backend) NextRecnum(ctx context.Context, shoulder string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[shoulder]++
	return b.seqs[shoulder], nil
}

// TryPushRecnum decrements the sequence iff its top is exactly n.
func (b *Backend) TryPushRecnum(ctx context.Context, shoulder string, n int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seqs[shoulder] != n {
		return false, nil
	}
	b.seqs[shoulder] = n - 1
	return true, nil
}

// SaveActionData appends an action document to its subject's log.
func (b *Backend) SaveActionData(ctx context.Context, action map[string]any) error {
	id, _ := action["subject"].(string)
	if id == "" {
		return &dbio.ObjectNotFoundError{ID: "(missing subject)"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[id] = append(b.actions[id], copyDoc(action))
	return nil
}

// SelectActionsFor returns the logged actions for a subject in order.
func (b *Backend) SelectActionsFor(ctx context.Context, id string) ([]map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	logged := b.actions[id]
	out := make([]map[string]any, 0, len(logged))
	for _, doc := range logged {
		out = append(out, copyDoc(doc))
	}
	return out, nil
}

// DeleteActionsFor clears a subject's action log.
func (b *Backend) DeleteActionsFor(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.actions, id)
	return nil
}

// SaveHistory appends an entry to a record's history archive.
func (b *Backend) SaveHistory(ctx context.Context, entry map[string]any) error {
	id, _ := entry["recid"].(string)
	if id == "" {
		return &dbio.ObjectNotFoundError{ID: "(missing recid)"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[id] = append(b.history[id], copyDoc(entry))
	return nil
}

// HistoryFor returns the archived history entries for a record, used by
// tests and maintenance tooling.
func (b *Backend) HistoryFor(id string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.history[id]))
	for _, doc := range b.history[id] {
		out = append(out, copyDoc(doc))
	}
	return out
}

// Close releases nothing; the driver holds no external resources.
func (b *Backend) Close() error { return nil }

func copyDoc(doc map[string]any) map[string]any {
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
