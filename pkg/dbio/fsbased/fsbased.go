// Package fsbased provides the file-per-record DBIO backend intended for
// development deployments. Records live under <root>/<collection>/<id>.json;
// action logs are append-only .lis files of one JSON object per line;
// history is a JSON array file per record; shoulder sequences are single
// integers under <root>/nextnum/. Advisory file locks serialize access
// across processes.
package fsbased

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/midas-platform/midas/pkg/dbio"
)

// Backend is the file-on-disk driver rooted at a data directory.
type Backend struct {
	root string
}

var _ dbio.Backend = (*Backend)(nil)

// NewBackend creates a driver rooted at dir, creating it if needed.
func NewBackend(dir string) (*Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("fsbased: a root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsbased: %w", err)
	}
	return &Backend{root: dir}, nil
}

// Root returns the backend's data directory.
func (b *Backend) Root() string { return b.root }

func (b *Backend) collDir(coll string) (string, error) {
	dir := filepath.Join(b.root, coll)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fsbased: %w", err)
	}
	return dir, nil
}

// recFile maps a record id to its file path. Path separators in ids are
// escaped so version-qualified ids stay within the collection directory.
func recFile(dir, id, ext string) string {
	return filepath.Join(dir, strings.ReplaceAll(id, "/", "%2F")+ext)
}

// Upsert writes the record document with a locked write-replace.
func (b *Backend) Upsert(ctx context.Context, coll string, rec map[string]any) (bool, error) {
	id, _ := rec["id"].(string)
	if id == "" {
		return false, &dbio.ObjectNotFoundError{ID: "(missing id)"}
	}
	dir, err := b.collDir(coll)
	if err != nil {
		return false, err
	}
	path := recFile(dir, id, ".json")
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("fsbased: encode %s: %w", id, err)
	}
	if err := lockedReplace(path, data); err != nil {
		return false, fmt.Errorf("fsbased: write %s: %w", id, err)
	}
	return created, nil
}

// GetFromColl reads a record document under a shared lock.
func (b *Backend) GetFromColl(ctx context.Context, coll, id string) (map[string]any, error) {
	path := recFile(filepath.Join(b.root, coll), id, ".json")
	data, err := lockedRead(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &dbio.ObjectNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("fsbased: read %s: %w", id, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fsbased: decode %s: %w", id, err)
	}
	return doc, nil
}

// SelectFromColl scans every record file in the collection, matching the
// constraints in memory.
func (b *Backend) SelectFromColl(ctx context.Context, coll string, includeDeactivated bool, constraints map[string][]any) ([]map[string]any, error) {
	return b.scan(coll, func(doc map[string]any) bool {
		if !includeDeactivated && doc["deactivated"] != nil {
			return false
		}
		return dbio.MatchesConstraints(doc, constraints)
	})
}

// SelectPropContains scans for documents whose list property contains the
// target value.
func (b *Backend) SelectPropContains(ctx context.Context, coll, prop, target string, includeDeactivated bool) ([]map[string]any, error) {
	return b.scan(coll, func(doc map[string]any) bool {
		if !includeDeactivated && doc["deactivated"] != nil {
			return false
		}
		vals, _ := doc[prop].([]any)
		for _, v := range vals {
			if s, ok := v.(string); ok && s == target {
				return true
			}
		}
		return false
	})
}

func (b *Backend) scan(coll string, keep func(map[string]any) bool) ([]map[string]any, error) {
	dir := filepath.Join(b.root, coll)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsbased: scan %s: %w", coll, err)
	}
	var out []map[string]any
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := lockedRead(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var doc map[string]any
		if json.Unmarshal(data, &doc) != nil {
			continue
		}
		if keep(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// DeleteFrom removes a record file. The action log is a separate concern,
// archived and cleared through CloseActionLog before a caller deletes.
func (b *Backend) DeleteFrom(ctx context.Context, coll, id string) (bool, error) {
	path := recFile(filepath.Join(b.root, coll), id, ".json")
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsbased: delete %s: %w", id, err)
	}
	return true, nil
}

// NextRecnum issues the next number for a shoulder, serialized with an
// exclusive lock on the sequence file.
func (b *Backend) NextRecnum(ctx context.Context, shoulder string) (int, error) {
	dir, err := b.collDir(dbio.NextnumColl)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(dir, shoulder+".json")
	var next int
	err = withSeqLock(path, func(cur int) (int, error) {
		next = cur + 1
		return next, nil
	})
	if err != nil {
		return 0, fmt.Errorf("fsbased: next recnum for %s: %w", shoulder, err)
	}
	return next, nil
}

// TryPushRecnum decrements the sequence iff its top is exactly n.
func (b *Backend) TryPushRecnum(ctx context.Context, shoulder string, n int) (bool, error) {
	dir, err := b.collDir(dbio.NextnumColl)
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, shoulder+".json")
	pushed := false
	err = withSeqLock(path, func(cur int) (int, error) {
		if cur != n {
			return cur, nil
		}
		pushed = true
		return n - 1, nil
	})
	if err != nil {
		return false, fmt.Errorf("fsbased: push recnum for %s: %w", shoulder, err)
	}
	return pushed, nil
}

// SaveActionData appends one JSON line to the subject's .lis log file.
func (b *Backend) SaveActionData(ctx context.Context, action map[string]any) error {
	id, _ := action["subject"].(string)
	if id == "" {
		return &dbio.ObjectNotFoundError{ID: "(missing subject)"}
	}
	dir, err := b.collDir(dbio.ActionLog)
	if err != nil {
		return err
	}
	line, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("fsbased: encode action for %s: %w", id, err)
	}
	return lockedAppend(recFile(dir, id, ".lis"), append(line, '\n'))
}

// SelectActionsFor reads the subject's log lines in recorded order.
func (b *Backend) SelectActionsFor(ctx context.Context, id string) ([]map[string]any, error) {
	path := recFile(filepath.Join(b.root, dbio.ActionLog), id, ".lis")
	f, err := openLocked(path, os.O_RDONLY, shared)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsbased: read actions for %s: %w", id, err)
	}
	defer f.close()

	var out []map[string]any
	scanner := bufio.NewScanner(f.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc map[string]any
		if json.Unmarshal([]byte(line), &doc) != nil {
			continue
		}
		out = append(out, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fsbased: read actions for %s: %w", id, err)
	}
	return out, nil
}

// DeleteActionsFor removes the subject's log file.
func (b *Backend) DeleteActionsFor(ctx context.Context, id string) error {
	path := recFile(filepath.Join(b.root, dbio.ActionLog), id, ".lis")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsbased: clear actions for %s: %w", id, err)
	}
	return nil
}

// SaveHistory appends the entry to the record's history array file.
func (b *Backend) SaveHistory(ctx context.Context, entry map[string]any) error {
	id, _ := entry["recid"].(string)
	if id == "" {
		return &dbio.ObjectNotFoundError{ID: "(missing recid)"}
	}
	dir, err := b.collDir(dbio.HistoryColl)
	if err != nil {
		return err
	}
	path := recFile(dir, id, ".json")

	var hist []map[string]any
	if data, err := lockedRead(path); err == nil {
		_ = json.Unmarshal(data, &hist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsbased: read history for %s: %w", id, err)
	}
	hist = append(hist, entry)
	data, err := json.MarshalIndent(hist, "", "  ")
	if err != nil {
		return fmt.Errorf("fsbased: encode history for %s: %w", id, err)
	}
	if err := lockedReplace(path, data); err != nil {
		return fmt.Errorf("fsbased: write history for %s: %w", id, err)
	}
	return nil
}

// Close releases nothing; files are opened per operation.
func (b *Backend) Close() error { return nil }

// withSeqLock runs fn over the integer stored in the sequence file while
// holding an exclusive lock, writing back the returned value.
func withSeqLock(path string, fn func(cur int) (int, error)) error {
	f, err := openLocked(path, os.O_RDWR|os.O_CREATE, exclusive)
	if err != nil {
		return err
	}
	defer f.close()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cur := 0
	if s := strings.TrimSpace(string(data)); s != "" {
		if cur, err = strconv.Atoi(s); err != nil {
			return fmt.Errorf("corrupt sequence file %s: %w", path, err)
		}
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != cur {
		if err := os.WriteFile(path, []byte(strconv.Itoa(next)+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
