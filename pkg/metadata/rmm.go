// Package metadata resolves published NERDm resource metadata through a
// hybrid of sources: a remote metadata document service (the RMM) and a
// local file cache holding records too large for the document store.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/restore"
)

const defaultRMMTimeout = 20 * time.Second

// RMMClient queries the remote metadata document service. It serves three
// document collections: records (latest published resources), versions
// (one document per published version), and releaseSets (per-resource
// release summaries).
type RMMClient struct {
	base string
	hc   *http.Client
}

// NewRMMClient creates a client for the service at base. A zero timeout
// selects a default.
func NewRMMClient(base string, timeout time.Duration) *RMMClient {
	if timeout <= 0 {
		timeout = defaultRMMTimeout
	}
	return &RMMClient{
		base: strings.TrimSuffix(base, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// Describe returns the latest published record for the resource id.
func (c *RMMClient) Describe(ctx context.Context, id string) (map[string]any, error) {
	return c.searchOne(ctx, "records", id)
}

// DescribeVersion returns the record for one specific published version.
func (c *RMMClient) DescribeVersion(ctx context.Context, id, version string) (map[string]any, error) {
	rec, err := c.searchOne(ctx, "versions", versionedID(id, version))
	if err == nil {
		return rec, nil
	}
	// older resources were loaded into the versions collection under
	// their bare id with a version property
	recs, serr := c.search(ctx, "versions", url.Values{"@id": {id}, "version": {version}})
	if serr == nil && len(recs) > 0 {
		return recs[0], nil
	}
	return nil, err
}

// ReleaseSet returns the release summary for the resource id.
func (c *RMMClient) ReleaseSet(ctx context.Context, id string) (map[string]any, error) {
	return c.searchOne(ctx, "releaseSets", id)
}

// LatestVersion reports the effective (most recently published) version of
// the resource, learned from its release set or, failing that, the latest
// record itself.
func (c *RMMClient) LatestVersion(ctx context.Context, id string) (string, error) {
	if rs, err := c.ReleaseSet(ctx, id); err == nil {
		if v, ok := rs["version"].(string); ok && v != "" {
			return v, nil
		}
	}
	rec, err := c.Describe(ctx, id)
	if err != nil {
		return "", err
	}
	v, _ := rec["version"].(string)
	return v, nil
}

// searchOne fetches the single document with the given @id out of a
// collection.
func (c *RMMClient) searchOne(ctx context.Context, coll, id string) (map[string]any, error) {
	recs, err := c.search(ctx, coll, url.Values{"@id": {id}})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	return recs[0], nil
}

// search queries a collection, unwrapping the service's result envelope.
func (c *RMMClient) search(ctx context.Context, coll string, query url.Values) ([]map[string]any, error) {
	u := c.base + "/" + coll + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &restore.UpstreamError{URL: u, Status: 0, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &restore.UpstreamError{URL: u, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &restore.UpstreamError{URL: u, Status: resp.StatusCode, Cause: err}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("querying %s: response is not JSON: %w", u, err)
	}
	if data, ok := raw["ResultData"]; ok {
		var recs []map[string]any
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("querying %s: malformed result envelope: %w", u, err)
		}
		return recs, nil
	}
	// some deployments return the bare document
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("querying %s: response is not JSON: %w", u, err)
	}
	return []map[string]any{doc}, nil
}

// versionedID forms the @id of a version-collection document.
func versionedID(id, version string) string {
	return id + "/pdr:v/" + version
}
