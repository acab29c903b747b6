// Package restore repopulates a draft's data from an archived copy of a
// previously published version, reached either through a DBIO published
// collection or an HTTP endpoint.
package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/midas-platform/midas/pkg/dbio"
)

// ErrCannotServeJSON marks an archive endpoint that refused to return the
// record as JSON.
var ErrCannotServeJSON = errors.New("archived record cannot be returned as JSON")

// Restorer fetches the archived form of a published record so a draft can
// be reverted to it. Implementations may cache the fetched copy between
// GetData and Restore; Free drops any cached copy.
type Restorer interface {
	// GetData fetches the archived record's data payload.
	GetData(ctx context.Context) (map[string]any, error)

	// Restore writes the archived data into the record, replacing its
	// current data. When freeAfter is set the cached copy is dropped.
	Restore(ctx context.Context, rec *dbio.ProjectRecord, freeAfter bool) error

	// Recover re-fetches the archived copy, bypassing any cache.
	Recover(ctx context.Context) (map[string]any, error)

	// Free drops any cached copy.
	Free()
}

// DBIOStorePrefix marks archived-at URLs that point into a DBIO published
// collection, in the form dbio_store:<collection>/<published-id>.
const DBIOStorePrefix = "dbio_store:"

// FromArchivedAt creates the restorer appropriate for an archived-at URL:
// a DBIO restorer for dbio_store URLs, an HTTP restorer otherwise.
func FromArchivedAt(url string, cli *dbio.Client) (Restorer, error) {
	if url == "" {
		return nil, fmt.Errorf("restore: no archived location recorded")
	}
	if strings.HasPrefix(url, DBIOStorePrefix) {
		return NewDBIORestorer(url, cli)
	}
	return NewURLRestorer(url, 0), nil
}

// DBIORestorer fetches the archived copy out of a DBIO published
// collection.
type DBIORestorer struct {
	coll  string
	pubid string
	cli   *dbio.Client

	cached map[string]any
}

// NewDBIORestorer parses a dbio_store URL into its collection and
// published id.
func NewDBIORestorer(url string, cli *dbio.Client) (*DBIORestorer, error) {
	rest, ok := strings.CutPrefix(url, DBIOStorePrefix)
	if !ok {
		return nil, fmt.Errorf("restore: not a dbio_store URL: %s", url)
	}
	coll, pubid, ok := strings.Cut(rest, "/")
	if !ok || coll == "" || pubid == "" {
		return nil, fmt.Errorf("restore: malformed dbio_store URL: %s", url)
	}
	if cli == nil {
		return nil, fmt.Errorf("restore: a DBIO client is required for %s", url)
	}
	return &DBIORestorer{coll: coll, pubid: pubid, cli: cli}, nil
}

// GetData fetches the archived record's data, caching it for Restore.
func (r *DBIORestorer) GetData(ctx context.Context) (map[string]any, error) {
	if r.cached != nil {
		return r.cached, nil
	}
	return r.Recover(ctx)
}

// Recover re-fetches the published copy from its collection.
func (r *DBIORestorer) Recover(ctx context.Context) (map[string]any, error) {
	rec, err := r.cli.GetRecordFrom(ctx, r.coll, r.pubid)
	if err != nil {
		return nil, fmt.Errorf("restore from %s/%s: %w", r.coll, r.pubid, err)
	}
	r.cached = rec.Data
	return r.cached, nil
}

// Restore writes the archived data into the record.
func (r *DBIORestorer) Restore(ctx context.Context, rec *dbio.ProjectRecord, freeAfter bool) error {
	return restoreInto(ctx, r, rec, freeAfter)
}

// Free drops the cached copy.
func (r *DBIORestorer) Free() { r.cached = nil }

func restoreInto(ctx context.Context, r Restorer, rec *dbio.ProjectRecord, freeAfter bool) error {
	data, err := r.GetData(ctx)
	if err != nil {
		return err
	}
	copied, ok := copyJSONMap(data)
	if !ok {
		return fmt.Errorf("restore %s: archived data is not a JSON object", rec.ID())
	}
	rec.Data = copied
	if freeAfter {
		r.Free()
	}
	return nil
}
