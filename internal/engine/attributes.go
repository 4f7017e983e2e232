package engine

import "strings"

// RequestAttributes is the read-only view over request pseudo-headers and
// headers that predicates and payload builders consult. Constructed once
// per request at Matching entry from whatever the host surfaced.
type RequestAttributes struct {
	Authority string
	Method    string
	Path      string
	Headers   map[string][]string
}

// Header returns the first value of a header by case-insensitive name, or
// false if absent. Pseudo-headers (":method", ":path", ":authority") are
// served from their dedicated fields.
func (a RequestAttributes) Header(name string) (string, bool) {
	switch name {
	case ":authority":
		return a.Authority, a.Authority != ""
	case ":method":
		return a.Method, a.Method != ""
	case ":path":
		return a.Path, a.Path != ""
	}
	for k, vs := range a.Headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

// AuthorityHost strips any ":port" suffix from the :authority pseudo
// header per spec's authority derivation rule. A missing authority
// derives to the empty string.
func AuthorityHost(authority string) string {
	if authority == "" {
		return ""
	}
	if i := strings.LastIndexByte(authority, ':'); i >= 0 {
		return authority[:i]
	}
	return authority
}
