package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/midas-platform/midas/pkg/dbio"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		path string
		want ParsedID
	}{
		{"mds2-1234", ParsedID{DSID: "mds2-1234", View: ViewResource}},
		{"ark:/88434/mds2-1234", ParsedID{NAAN: "88434", DSID: "mds2-1234", View: ViewResource}},
		{"ark:/88434/mds2-1234/pdr:v", ParsedID{NAAN: "88434", DSID: "mds2-1234", View: ViewReleaseHistory}},
		{"mds2-1234/pdr:v/1.2.0", ParsedID{DSID: "mds2-1234", Version: "1.2.0", View: ViewResource}},
		{"mds2-1234/pdr:f/dir/file.txt", ParsedID{DSID: "mds2-1234", CompPath: "dir/file.txt", View: ViewComponent}},
		{"mds2-1234/cmps/dir/file.txt", ParsedID{DSID: "mds2-1234", CompPath: "dir/file.txt", View: ViewComponent}},
		{"ark:/88434/mds2-1234/pdr:v/1.0.0/pdr:f/dir/file.txt",
			ParsedID{NAAN: "88434", DSID: "mds2-1234", Version: "1.0.0", CompPath: "dir/file.txt", View: ViewComponent}},
		{"mds2-1234/pdr:c", ParsedID{DSID: "mds2-1234", View: ViewComponentList}},
	}
	for _, tc := range cases {
		got, err := ParseID(tc.path)
		require.NoError(t, err, tc.path)
		require.Equal(t, tc.want, got, tc.path)
	}

	for _, bad := range []string{"", "mds2-1234/unknown/stuff", "ark:/88434/"} {
		_, err := ParseID(bad)
		require.Error(t, err, bad)
	}
}

func TestNegotiateFormat(t *testing.T) {
	supported := []Format{jsonFormat, htmlFormat, textFormat}

	// Accept alone decides, ordered by q-value
	f, err := NegotiateFormat(nil, "text/html;q=0.5, application/json", supported)
	require.NoError(t, err)
	require.Equal(t, "nerdm", f.Name)

	// format parameter overrides Accept order
	f, err = NegotiateFormat([]string{"text"}, "application/json, text/plain", supported)
	require.NoError(t, err)
	require.Equal(t, "text", f.Name)

	// a requested format the Accept header refuses is unacceptable
	_, err = NegotiateFormat([]string{"html"}, "application/json", supported)
	var unacceptable *UnacceptableError
	require.ErrorAs(t, err, &unacceptable)

	// an unknown format name is a client error
	_, err = NegotiateFormat([]string{"pdf"}, "*/*", supported)
	var unsupported *UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)

	// no Accept header accepts anything
	f, err = NegotiateFormat(nil, "", supported)
	require.NoError(t, err)
	require.Equal(t, "nerdm", f.Name)
}

// fakeMD is a canned MetadataResolver.
type fakeMD struct {
	resource map[string]any
	history  map[string]any
	comp     map[string]any
	lastVer  string
}

func (f *fakeMD) Resolve(_ context.Context, id, version string) (map[string]any, error) {
	f.lastVer = version
	if f.resource == nil {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	return f.resource, nil
}

func (f *fakeMD) ResolveReleaseHistory(_ context.Context, id string) (map[string]any, error) {
	if f.history == nil {
		return nil, &dbio.ObjectNotFoundError{ID: id}
	}
	return f.history, nil
}

func (f *fakeMD) ResolveComponent(_ context.Context, id, version, path string) (map[string]any, error) {
	f.lastVer = version
	if f.comp == nil {
		return nil, &dbio.ObjectNotFoundError{ID: id, Part: "component " + path}
	}
	return f.comp, nil
}

func getBody(t *testing.T, h http.Handler, path, accept string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]any
	if rr.Code < 300 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestHandlerReleaseHistoryView(t *testing.T) {
	md := &fakeMD{history: map[string]any{
		"@id":        "ark:/88434/mds2-1234/pdr:v",
		"@type":      []any{"nrdr:ReleaseHistory"},
		"hasRelease": []any{map[string]any{"version": "1.0.0"}},
	}}
	h := NewHandler(md, HandlerConfig{}, nil, nil)

	rr, body := getBody(t, h, "/ark:/88434/mds2-1234/pdr:v", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ark:/88434/mds2-1234/pdr:v", body["@id"])
	require.Contains(t, body["@type"], "nrdr:ReleaseHistory")
	require.NotContains(t, body, "components")
}

func TestHandlerVersionedComponent(t *testing.T) {
	md := &fakeMD{comp: map[string]any{
		"@id":         "ark:/88434/mds2-1234/pdr:v/1.0.0/cmps/dir/file.txt",
		"filepath":    "dir/file.txt",
		"downloadURL": "https://data.example.gov/od/ds/mds2-1234/_v/1.0.0/dir/file.txt",
	}}
	h := NewHandler(md, HandlerConfig{}, nil, nil)

	rr, body := getBody(t, h, "/ark:/88434/mds2-1234/pdr:v/1.0.0/pdr:f/dir/file.txt", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "1.0.0", md.lastVer)
	require.Equal(t, "ark:/88434/mds2-1234/pdr:v/1.0.0/cmps/dir/file.txt", body["@id"])
	require.Contains(t, body["downloadURL"], "/_v/1.0.0/")
}

func TestHandlerFormatParamOverridesAccept(t *testing.T) {
	md := &fakeMD{resource: map[string]any{"@id": "ark:/88434/mds2-1234", "title": "T"}}
	h := NewHandler(md, HandlerConfig{LandingBaseURL: "https://data.example.gov/od/id"}, nil, nil)

	// format=html against a JSON-only Accept header is unacceptable
	req := httptest.NewRequest(http.MethodGet, "/mds2-1234?format=html", nil)
	req.Header.Set("Accept", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotAcceptable, rr.Code)

	// the same format with a permissive Accept redirects to the landing page
	req = httptest.NewRequest(http.MethodGet, "/mds2-1234?format=html", nil)
	req.Header.Set("Accept", "*/*")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "https://data.example.gov/od/id/ark:/88434/mds2-1234", rr.Header().Get("Location"))

	// an unknown format is a client error
	req = httptest.NewRequest(http.MethodGet, "/mds2-1234?format=pdf", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerHTMLFormatWithoutLandingPage(t *testing.T) {
	md := &fakeMD{resource: map[string]any{"@id": "ark:/88434/mds2-1234", "title": "T"}}
	h := NewHandler(md, HandlerConfig{}, nil, nil)

	// html is a known format this deployment cannot serve, so even a
	// permissive Accept header gets a 406 rather than a 400
	req := httptest.NewRequest(http.MethodGet, "/mds2-1234?format=html", nil)
	req.Header.Set("Accept", "*/*")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotAcceptable, rr.Code)

	// an unknown format is still a client error
	req = httptest.NewRequest(http.MethodGet, "/mds2-1234?format=pdf", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerIncludedResourceRedirect(t *testing.T) {
	md := &fakeMD{comp: map[string]any{
		"@id":      "ark:/88434/mds2-1234/cmps/linked",
		"@type":    []any{"nrd:IncludedResource"},
		"proxyFor": "ark:/88434/mds2-9999",
	}}
	h := NewHandler(md, HandlerConfig{}, nil, nil)

	// a JSON client gets the component record itself
	rr, body := getBody(t, h, "/mds2-1234/cmps/linked", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ark:/88434/mds2-9999", body["proxyFor"])

	// a browser is sent to the included resource's resolver URL
	rr, _ = getBody(t, h, "/mds2-1234/cmps/linked", "text/html")
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "/id/ark:/88434/mds2-9999", rr.Header().Get("Location"))
}

func TestHandlerTextFormatRendersReadme(t *testing.T) {
	md := &fakeMD{resource: map[string]any{
		"@id": "ark:/88434/mds2-1234", "title": "A Dataset", "version": "1.2.0",
		"components": []any{map[string]any{"filepath": "b.txt"}, map[string]any{"filepath": "a.txt"}},
	}}
	h := NewHandler(md, HandlerConfig{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/mds2-1234", nil)
	req.Header.Set("Accept", "text/plain")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "A Dataset")
	require.Contains(t, rr.Body.String(), "a.txt")
}

func TestHandlerNotFound(t *testing.T) {
	h := NewHandler(&fakeMD{}, HandlerConfig{}, nil, nil)
	rr, _ := getBody(t, h, "/mds2-none", "application/json")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAIPVersionBagFiltering(t *testing.T) {
	bags := []BagDescription{
		{Name: "mds2-1234.1_0_0.mbag0_4-0", AIPID: "mds2-1234", DownloadURL: "https://dist.example.gov/mds2-1234.1_0_0.mbag0_4-0.zip"},
		{Name: "mds2-1234.1_1_0.mbag0_4-1", AIPID: "mds2-1234"},
		{Name: "mds2-1234.1_2_0.mbag0_4-2", AIPID: "mds2-1234"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/mds2-1234/_aip":
			json.NewEncoder(w).Encode(bags)
		case "/mds2-1234/_aip/_v":
			json.NewEncoder(w).Encode([]string{"1.0.0", "1.1.0", "1.2.0"})
		case "/mds2-1234/_aip/_v/1.1.0/_head":
			json.NewEncoder(w).Encode(BagDescription{
				Name:       "mds2-1234.1_1_0.mbag0_4-1",
				MemberBags: []string{"mds2-1234.1_0_0.mbag0_4-0", "mds2-1234.1_1_0.mbag0_4-1"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewAIPHandler(NewDistribClient(srv.URL, 0), nil)

	req := httptest.NewRequest(http.MethodGet, "/mds2-1234/pdr:v/1.1.0", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var got []BagDescription
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "mds2-1234.1_0_0.mbag0_4-0", got[0].Name)

	// bag download redirects to the distribution URL
	req = httptest.NewRequest(http.MethodGet, "/mds2-1234/pdr:d/mds2-1234.1_0_0.mbag0_4-0", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusFound, rr.Code)

	// unknown AIPs surface as not found
	req = httptest.NewRequest(http.MethodGet, "/mds2-none", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
