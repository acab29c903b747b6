package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/restore"
)

const defaultDistribTimeout = 20 * time.Second

// BagDescription describes one preservation bag held by the distribution
// service.
type BagDescription struct {
	Name          string `json:"name"`
	AIPID         string `json:"aipid"`
	SinceVersion  string `json:"sinceVersion,omitempty"`
	ContentLength int64  `json:"contentLength,omitempty"`
	DownloadURL   string `json:"downloadURL,omitempty"`
	// MemberBags is populated on head bags only: it lists every bag,
	// this one included, that contributes files to the bag's version.
	MemberBags []string `json:"memberBags,omitempty"`
}

// DistribClient drives the distribution service's AIP endpoints.
type DistribClient struct {
	base string
	hc   *http.Client
}

// NewDistribClient creates a client for the distribution service at base.
func NewDistribClient(base string, timeout time.Duration) *DistribClient {
	if timeout <= 0 {
		timeout = defaultDistribTimeout
	}
	return &DistribClient{base: strings.TrimSuffix(base, "/"), hc: &http.Client{Timeout: timeout}}
}

// ListBags returns every bag preserved for the AIP.
func (c *DistribClient) ListBags(ctx context.Context, aipid string) ([]BagDescription, error) {
	var bags []BagDescription
	if err := c.get(ctx, aipid+"/_aip", &bags); err != nil {
		return nil, err
	}
	return bags, nil
}

// ListVersions returns the published versions the service holds bags for.
func (c *DistribClient) ListVersions(ctx context.Context, aipid string) ([]string, error) {
	var versions []string
	if err := c.get(ctx, aipid+"/_aip/_v", &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// HeadBagFor returns the head bag of one version, including its multibag
// member list.
func (c *DistribClient) HeadBagFor(ctx context.Context, aipid, version string) (BagDescription, error) {
	var head BagDescription
	if err := c.get(ctx, aipid+"/_aip/_v/"+version+"/_head", &head); err != nil {
		return BagDescription{}, err
	}
	return head, nil
}

func (c *DistribClient) get(ctx context.Context, path string, out any) error {
	u := c.base + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return &restore.UpstreamError{URL: u, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &dbio.ObjectNotFoundError{ID: path}
	}
	if resp.StatusCode != http.StatusOK {
		return &restore.UpstreamError{URL: u, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &restore.UpstreamError{URL: u, Status: resp.StatusCode, Cause: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("querying %s: response is not the expected JSON: %w", u, err)
	}
	return nil
}

// AIPHandler resolves AIP identifiers against the distribution service
// under /aip/.
type AIPHandler struct {
	dist *DistribClient
	log  *slog.Logger
}

// NewAIPHandler creates the AIP resolver.
func NewAIPHandler(dist *DistribClient, log *slog.Logger) *AIPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AIPHandler{dist: dist, log: log}
}

func (h *AIPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		writeProblem(w, http.StatusNotFound, "no AIP identifier given")
		return
	}
	aipid, rest, _ := strings.Cut(path, "/")

	var err error
	switch {
	case rest == "":
		err = h.serveBagList(w, r, aipid)
	case rest == "pdr:h":
		err = h.serveHeadBag(w, r, aipid)
	case rest == "pdr:v":
		err = h.serveVersions(w, r, aipid)
	case strings.HasPrefix(rest, "pdr:v/"):
		err = h.serveVersionBags(w, r, aipid, strings.TrimPrefix(rest, "pdr:v/"))
	case rest == "pdr:d":
		err = h.serveBagList(w, r, aipid)
	case strings.HasPrefix(rest, "pdr:d/"):
		err = h.serveBagDownload(w, r, aipid, strings.TrimPrefix(rest, "pdr:d/"))
	default:
		writeProblem(w, http.StatusBadRequest, "unrecognized AIP qualifier: "+rest)
		return
	}
	if err != nil {
		h.writeError(w, err)
	}
}

func (h *AIPHandler) serveBagList(w http.ResponseWriter, r *http.Request, aipid string) error {
	bags, err := h.dist.ListBags(r.Context(), aipid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, bags)
	return nil
}

func (h *AIPHandler) serveVersions(w http.ResponseWriter, r *http.Request, aipid string) error {
	versions, err := h.dist.ListVersions(r.Context(), aipid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, versions)
	return nil
}

func (h *AIPHandler) serveHeadBag(w http.ResponseWriter, r *http.Request, aipid string) error {
	versions, err := h.dist.ListVersions(r.Context(), aipid)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return &dbio.ObjectNotFoundError{ID: aipid}
	}
	head, err := h.dist.HeadBagFor(r.Context(), aipid, versions[len(versions)-1])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, head)
	return nil
}

// serveVersionBags lists the distributions participating in one version:
// the full bag list filtered down to the members named by that version's
// head bag.
func (h *AIPHandler) serveVersionBags(w http.ResponseWriter, r *http.Request, aipid, version string) error {
	head, err := h.dist.HeadBagFor(r.Context(), aipid, version)
	if err != nil {
		return err
	}
	bags, err := h.dist.ListBags(r.Context(), aipid)
	if err != nil {
		return err
	}
	members := map[string]struct{}{}
	for _, m := range head.MemberBags {
		members[m] = struct{}{}
	}
	out := make([]BagDescription, 0, len(head.MemberBags))
	for _, bag := range bags {
		if _, ok := members[bag.Name]; ok {
			out = append(out, bag)
		}
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (h *AIPHandler) serveBagDownload(w http.ResponseWriter, r *http.Request, aipid, name string) error {
	bags, err := h.dist.ListBags(r.Context(), aipid)
	if err != nil {
		return err
	}
	for _, bag := range bags {
		if bag.Name == name && bag.DownloadURL != "" {
			http.Redirect(w, r, bag.DownloadURL, http.StatusFound)
			return nil
		}
	}
	return &dbio.ObjectNotFoundError{ID: aipid, Part: "bag " + name}
}

func (h *AIPHandler) writeError(w http.ResponseWriter, err error) {
	var upstream *restore.UpstreamError
	switch {
	case errors.Is(err, dbio.ErrNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case errors.As(err, &upstream):
		writeProblem(w, http.StatusBadGateway, err.Error())
	default:
		h.log.Error("AIP resolver failure", "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal resolver failure")
	}
}
