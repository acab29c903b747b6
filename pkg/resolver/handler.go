package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/midas-platform/midas/pkg/dbio"
	"github.com/midas-platform/midas/pkg/restore"
)

// MetadataResolver is the slice of the hybrid metadata client the handler
// dispatches to.
type MetadataResolver interface {
	Resolve(ctx context.Context, id, version string) (map[string]any, error)
	ResolveReleaseHistory(ctx context.Context, id string) (map[string]any, error)
	ResolveComponent(ctx context.Context, id, version, path string) (map[string]any, error)
}

// ReadmeGenerator renders the text form of a dataset record.
type ReadmeGenerator interface {
	Generate(ctx context.Context, rec map[string]any) (string, error)
}

// Output formats the resolver can produce for dataset views.
var (
	jsonFormat = Format{Name: "nerdm", CType: "application/json",
		Aliases: []string{"application/ld+json", "text/json"}}
	htmlFormat = Format{Name: "html", CType: "text/html",
		Aliases: []string{"application/xhtml+xml"}}
	textFormat = Format{Name: "text", CType: "text/plain"}
	// native redirects a file component to its distribution URL
	nativeFormat = Format{Name: "native", CType: "*/*"}
)

// Handler answers identifier resolution requests under /id/.
type Handler struct {
	md     MetadataResolver
	readme ReadmeGenerator
	naan   string
	// landing is where HTML views of datasets live; empty disables the
	// html format
	landing string
	log     *slog.Logger
}

// HandlerConfig carries the resolver policy.
type HandlerConfig struct {
	NAAN           string
	LandingBaseURL string
}

// NewHandler creates the identifier resolver. A nil readme generator
// falls back to a plain summary rendering.
func NewHandler(md MetadataResolver, cfg HandlerConfig, readme ReadmeGenerator, log *slog.Logger) *Handler {
	if cfg.NAAN == "" {
		cfg.NAAN = "88434"
	}
	if readme == nil {
		readme = summaryReadme{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{md: md, readme: readme, naan: cfg.NAAN, landing: strings.TrimSuffix(cfg.LandingBaseURL, "/"), log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := ParseID(r.URL.Path)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	switch id.View {
	case ViewReleaseHistory:
		h.serveReleaseHistory(w, r, id)
	case ViewComponent:
		h.serveComponent(w, r, id)
	case ViewComponentList:
		h.serveComponentList(w, r, id)
	default:
		h.serveResource(w, r, id)
	}
}

func (h *Handler) serveResource(w http.ResponseWriter, r *http.Request, id ParsedID) {
	supported := []Format{jsonFormat, textFormat}
	if h.landing != "" {
		supported = append(supported, htmlFormat)
	}
	params := r.URL.Query()["format"]
	format, err := NegotiateFormat(params, r.Header.Get("Accept"), supported)
	if err != nil {
		// html is a recognized format even when no landing page is
		// configured; asking for it then is unacceptable, not unknown
		if h.landing == "" && namesFormat(params, htmlFormat.Name) {
			var unsupported *UnsupportedFormatError
			if errors.As(err, &unsupported) {
				err = &UnacceptableError{Accept: r.Header.Get("Accept")}
			}
		}
		h.writeError(w, err)
		return
	}

	ark := id.ARK(h.naan)
	if format.Name == htmlFormat.Name {
		http.Redirect(w, r, h.landing+"/"+ark, http.StatusFound)
		return
	}
	rec, err := h.md.Resolve(r.Context(), ark, id.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if format.Name == textFormat.Name {
		text, err := h.readme.Generate(r.Context(), rec)
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, text)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// namesFormat reports whether any format query parameter names the format.
func namesFormat(params []string, name string) bool {
	for _, p := range params {
		if p == name {
			return true
		}
	}
	return false
}

func (h *Handler) serveReleaseHistory(w http.ResponseWriter, r *http.Request, id ParsedID) {
	if _, err := NegotiateFormat(r.URL.Query()["format"], r.Header.Get("Accept"), []Format{jsonFormat}); err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.md.ResolveReleaseHistory(r.Context(), id.ARK(h.naan))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) serveComponent(w http.ResponseWriter, r *http.Request, id ParsedID) {
	comp, err := h.md.ResolveComponent(r.Context(), id.ARK(h.naan), id.Version, id.CompPath)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if isIncludedResource(comp) {
		// serve JSON when the client takes it, otherwise send them to
		// the resource itself
		if _, err := NegotiateFormat(r.URL.Query()["format"], r.Header.Get("Accept"), []Format{jsonFormat}); err == nil {
			writeJSON(w, http.StatusOK, comp)
			return
		}
		if target := includedResourceTarget(comp); target != "" {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		writeProblem(w, http.StatusNotAcceptable, "included resource has no known location")
		return
	}

	format, err := NegotiateFormat(r.URL.Query()["format"], r.Header.Get("Accept"), []Format{jsonFormat, nativeFormat})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if format.Name == nativeFormat.Name {
		if du, _ := comp["downloadURL"].(string); du != "" {
			http.Redirect(w, r, du, http.StatusFound)
			return
		}
		writeProblem(w, http.StatusNotFound, "component has no downloadable form")
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

func (h *Handler) serveComponentList(w http.ResponseWriter, r *http.Request, id ParsedID) {
	if _, err := NegotiateFormat(r.URL.Query()["format"], r.Header.Get("Accept"), []Format{jsonFormat}); err != nil {
		h.writeError(w, err)
		return
	}
	rec, err := h.md.Resolve(r.Context(), id.ARK(h.naan), id.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	comps, _ := rec["components"].([]any)
	if comps == nil {
		comps = []any{}
	}
	writeJSON(w, http.StatusOK, comps)
}

// isIncludedResource reports whether the component points at another
// standalone resource rather than a file of this one.
func isIncludedResource(comp map[string]any) bool {
	types, _ := comp["@type"].([]any)
	for _, t := range types {
		if s, ok := t.(string); ok && strings.HasSuffix(s, ":IncludedResource") {
			return true
		}
	}
	return false
}

// includedResourceTarget picks the redirect target for an included
// resource: its own resolver URL when it carries an ARK id, else its
// embedded location.
func includedResourceTarget(comp map[string]any) string {
	if proxy, _ := comp["proxyFor"].(string); strings.HasPrefix(proxy, "ark:") {
		return "/id/" + proxy
	}
	if loc, _ := comp["location"].(string); loc != "" {
		return loc
	}
	return ""
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var unsupported *UnsupportedFormatError
	var unacceptable *UnacceptableError
	var upstream *restore.UpstreamError
	switch {
	case errors.As(err, &unsupported):
		writeProblem(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unacceptable):
		writeProblem(w, http.StatusNotAcceptable, err.Error())
	case errors.Is(err, dbio.ErrNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case errors.As(err, &upstream):
		writeProblem(w, http.StatusBadGateway, err.Error())
	default:
		h.log.Error("resolver failure", "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal resolver failure")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeProblem(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

// summaryReadme renders a minimal plain-text view of a record.
type summaryReadme struct{}

func (summaryReadme) Generate(_ context.Context, rec map[string]any) (string, error) {
	var b strings.Builder
	if title, _ := rec["title"].(string); title != "" {
		fmt.Fprintln(&b, title)
		fmt.Fprintln(&b, strings.Repeat("=", len(title)))
	}
	if id, _ := rec["@id"].(string); id != "" {
		fmt.Fprintf(&b, "Identifier: %s\n", id)
	}
	if ver, _ := rec["version"].(string); ver != "" {
		fmt.Fprintf(&b, "Version: %s\n", ver)
	}
	if desc, ok := rec["description"].([]any); ok {
		for _, d := range desc {
			if s, ok := d.(string); ok {
				fmt.Fprintf(&b, "\n%s\n", s)
			}
		}
	}
	comps, _ := rec["components"].([]any)
	var files []string
	for _, c := range comps {
		if comp, ok := c.(map[string]any); ok {
			if fp, _ := comp["filepath"].(string); fp != "" {
				files = append(files, fp)
			}
		}
	}
	if len(files) > 0 {
		fmt.Fprintln(&b, "\nFiles:")
		sort.Strings(files)
		for _, f := range files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	return b.String(), nil
}
