package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/midas-platform/midas/pkg/dbio"
)

// defaultFetchTimeout bounds archive fetches when the configuration names
// no timeout.
const defaultFetchTimeout = 30 * time.Second

// UpstreamError wraps a failure reported by a remote service we depend
// on: the archive endpoint, the metadata service, or the distribution
// service. A zero Status means the request itself failed.
type UpstreamError struct {
	URL    string
	Status int
	Cause  error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream service failure fetching %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("upstream service failure fetching %s: status %d", e.URL, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// URLRestorer fetches the archived copy from an HTTP endpoint that serves
// the published record as JSON.
type URLRestorer struct {
	url    string
	client *http.Client

	cached map[string]any
}

// NewURLRestorer creates a restorer over an HTTP archive endpoint. A zero
// timeout selects the default.
func NewURLRestorer(url string, timeout time.Duration) *URLRestorer {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &URLRestorer{url: url, client: &http.Client{Timeout: timeout}}
}

// GetData fetches the archived record, caching it for Restore.
func (r *URLRestorer) GetData(ctx context.Context) (map[string]any, error) {
	if r.cached != nil {
		return r.cached, nil
	}
	return r.Recover(ctx)
}

// Recover issues the GET, mapping upstream statuses onto the DBIO error
// taxonomy: 404 means the archived record is gone, 401 means the service
// refused our credentials, 406 means it cannot return JSON.
func (r *URLRestorer) Recover(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("restore from %s: %w", r.url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("restore from %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &dbio.ObjectNotFoundError{ID: r.url}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &dbio.NotAuthorizedError{Op: "fetch archived record", ID: r.url}
	case resp.StatusCode == http.StatusNotAcceptable:
		return nil, fmt.Errorf("restore from %s: %w", r.url, ErrCannotServeJSON)
	case resp.StatusCode >= 500:
		return nil, &UpstreamError{URL: r.url, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &UpstreamError{URL: r.url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("restore from %s: %w", r.url, err)
	}
	if looksLikeHTML(resp.Header.Get("Content-Type"), body) {
		return nil, fmt.Errorf("restore from %s: endpoint returned HTML where JSON was expected", r.url)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("restore from %s: undecodable response: %w", r.url, err)
	}
	r.cached = doc
	return doc, nil
}

// Restore writes the archived data into the record.
func (r *URLRestorer) Restore(ctx context.Context, rec *dbio.ProjectRecord, freeAfter bool) error {
	return restoreInto(ctx, r, rec, freeAfter)
}

// Free drops the cached copy.
func (r *URLRestorer) Free() { r.cached = nil }

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html")
}

// copyJSONMap deep-copies a JSON object through serialization.
func copyJSONMap(doc map[string]any) (map[string]any, bool) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if json.Unmarshal(data, &out) != nil {
		return nil, false
	}
	return out, true
}
