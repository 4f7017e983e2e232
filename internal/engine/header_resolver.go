package engine

// traceHeaderNames are the well-known tracing headers propagated on every
// outbound RPC, captured at most once per request.
var traceHeaderNames = [...]string{"traceparent", "tracestate", "baggage"}

// HeaderResolver captures the request's tracing headers on first use and
// returns them thereafter as a cached list. Not safe for concurrent use
// across requests by design: one instance lives inside one FilterState.
type HeaderResolver struct {
	resolved bool
	tags     []HeaderEntry
}

// Resolve returns the cached trace tags, capturing them from attrs the
// first time it is called for this resolver.
func (r *HeaderResolver) Resolve(attrs RequestAttributes) []HeaderEntry {
	if r.resolved {
		return r.tags
	}
	r.resolved = true
	for _, name := range traceHeaderNames {
		if v, ok := attrs.Header(name); ok {
			r.tags = append(r.tags, HeaderEntry{Name: name, Value: v})
		}
	}
	return r.tags
}
