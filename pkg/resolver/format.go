package resolver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Format pairs a short output-format name with the content type it is
// served under. A format may carry extra MIME aliases that select it via
// the Accept header.
type Format struct {
	Name    string
	CType   string
	Aliases []string
}

// UnsupportedFormatError indicates a format query parameter named a format
// the handler does not produce. It maps to a 400.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported output format: %s", e.Format)
}

// UnacceptableError indicates no supported format satisfies the request's
// Accept constraints. It maps to a 406.
type UnacceptableError struct {
	Accept string
}

func (e *UnacceptableError) Error() string {
	return fmt.Sprintf("no supported format is acceptable to the client (Accept: %s)", e.Accept)
}

// acceptRange is one parsed media range from an Accept header.
type acceptRange struct {
	ctype string
	q     float64
	pos   int
}

// parseAccept orders the header's media ranges by descending q-value,
// preserving header order among equals.
func parseAccept(header string) []acceptRange {
	var out []acceptRange
	for i, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ";")
		r := acceptRange{ctype: strings.TrimSpace(fields[0]), q: 1.0, pos: i}
		for _, param := range fields[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.TrimSpace(k) == "q" {
				if q, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					r.q = q
				}
			}
		}
		if r.q > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].q != out[j].q {
			return out[i].q > out[j].q
		}
		return out[i].pos < out[j].pos
	})
	return out
}

// matchesCType reports whether the media range selects the format.
func (f Format) matchesCType(ctype string) bool {
	if ctype == "*/*" || ctype == f.CType {
		return true
	}
	if major, _, ok := strings.Cut(f.CType, "/"); ok && ctype == major+"/*" {
		return true
	}
	for _, alias := range f.Aliases {
		if ctype == alias {
			return true
		}
	}
	return false
}

// NegotiateFormat picks the output format for a request. Ordered format
// query parameters take priority; each named format must still be
// acceptable under the Accept header. Without format parameters the
// Accept header alone decides, ordered by q-value. An empty Accept header
// accepts anything.
func NegotiateFormat(params []string, accept string, supported []Format) (Format, error) {
	ranges := parseAccept(accept)

	acceptable := func(f Format) bool {
		if len(ranges) == 0 {
			return true
		}
		for _, r := range ranges {
			if f.matchesCType(r.ctype) {
				return true
			}
		}
		return false
	}

	if len(params) > 0 {
		known := false
		for _, name := range params {
			for _, f := range supported {
				if f.Name != name {
					continue
				}
				known = true
				if acceptable(f) {
					return f, nil
				}
			}
		}
		if !known {
			return Format{}, &UnsupportedFormatError{Format: strings.Join(params, ",")}
		}
		return Format{}, &UnacceptableError{Accept: accept}
	}

	if len(ranges) == 0 {
		return supported[0], nil
	}
	for _, r := range ranges {
		for _, f := range supported {
			if f.matchesCType(r.ctype) {
				return f, nil
			}
		}
	}
	return Format{}, &UnacceptableError{Accept: accept}
}
