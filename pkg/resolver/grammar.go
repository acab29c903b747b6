// Package resolver serves published resource identifiers: it parses ARK
// identifier paths, dispatches to the metadata sources, negotiates output
// formats, and redirects to included resources and distributions.
package resolver

import (
	"fmt"
	"regexp"
	"strings"
)

// Views a parsed identifier can address.
const (
	ViewResource       = "resource"
	ViewReleaseHistory = "releasehistory"
	ViewComponent      = "component"
	ViewComponentList  = "componentlist"
)

// ParsedID is the decomposition of an identifier path.
type ParsedID struct {
	// NAAN is the ARK authority number, empty when the ARK prefix was
	// omitted.
	NAAN string
	// DSID is the local dataset identifier.
	DSID string
	// Version scopes the request to one published version when set.
	Version string
	// CompPath is the component file path for component views.
	CompPath string
	// View names what the identifier addresses.
	View string
}

// ARK renders the canonical ARK form of the dataset id under the given
// default authority number.
func (p ParsedID) ARK(defaultNAAN string) string {
	naan := p.NAAN
	if naan == "" {
		naan = defaultNAAN
	}
	return "ark:/" + naan + "/" + p.DSID
}

// idGrammar splits an identifier path into the dataset id and its
// qualifying suffix. The ARK prefix is optional.
var idGrammar = regexp.MustCompile(
	`^(?:ark:/(?P<naan>\d+)/)?(?P<dsid>[^/]+?)(?P<suffix>/pdr:v(?:/.*)?|/pdr:f(?:/.*)?|/pdr:c/?|/cmps(?:/.*)?)?$`)

// ParseID decomposes an identifier path. It fails on paths the grammar
// does not recognise.
func ParseID(path string) (ParsedID, error) {
	path = strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/")
	m := idGrammar.FindStringSubmatch(path)
	if m == nil {
		return ParsedID{}, fmt.Errorf("unrecognized identifier: %s", path)
	}
	p := ParsedID{View: ViewResource}
	for i, name := range idGrammar.SubexpNames() {
		switch name {
		case "naan":
			p.NAAN = m[i]
		case "dsid":
			p.DSID = m[i]
		case "suffix":
			if err := p.applySuffix(m[i]); err != nil {
				return ParsedID{}, err
			}
		}
	}
	if p.DSID == "" || strings.HasPrefix(p.DSID, "pdr:") {
		return ParsedID{}, fmt.Errorf("unrecognized identifier: %s", path)
	}
	return p, nil
}

// applySuffix interprets the qualifying suffix after the dataset id.
func (p *ParsedID) applySuffix(suffix string) error {
	suffix = strings.Trim(suffix, "/")
	if suffix == "" {
		return nil
	}
	switch {
	case suffix == "pdr:v":
		p.View = ViewReleaseHistory
	case strings.HasPrefix(suffix, "pdr:v/"):
		rest := strings.TrimPrefix(suffix, "pdr:v/")
		ver, sub, _ := strings.Cut(rest, "/")
		if ver == "" {
			p.View = ViewReleaseHistory
			return nil
		}
		p.Version = ver
		if sub != "" {
			return p.applySuffix(sub)
		}
	case strings.HasPrefix(suffix, "pdr:f/"):
		p.View = ViewComponent
		p.CompPath = strings.TrimPrefix(suffix, "pdr:f/")
	case strings.HasPrefix(suffix, "cmps/"):
		p.View = ViewComponent
		p.CompPath = strings.TrimPrefix(suffix, "cmps/")
	case suffix == "pdr:f" || suffix == "cmps" || suffix == "pdr:c":
		p.View = ViewComponentList
	default:
		return fmt.Errorf("unrecognized identifier qualifier: %s", suffix)
	}
	if p.View == ViewComponent && p.CompPath == "" {
		p.View = ViewComponentList
	}
	return nil
}
