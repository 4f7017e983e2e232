package engine

// AuthVerdict is the decoded reply from an auth service, translated from
// whatever wire format the RPC client used (envoy.service.auth.v3.CheckResponse
// in the concrete adapter) into the engine's own vocabulary, so the engine
// itself never imports a proto package.
type AuthVerdict struct {
	OK                   bool
	RequestHeadersToAdd  []HeaderEntry
	ResponseHeadersToAdd []HeaderEntry

	DeniedStatus  int
	DeniedHeaders []HeaderEntry
	DeniedBody    []byte
}

// RateLimitVerdict is the decoded reply from a rate-limit service.
type RateLimitVerdict struct {
	OK                   bool
	ResponseHeadersToAdd []HeaderEntry

	OverLimitStatus  int
	OverLimitHeaders []HeaderEntry
	OverLimitBody    []byte
}

// RpcOutcome is what the host reports back for one dispatched RPC: either
// a decoded verdict for the action's Service.Kind, or Failed=true for a
// transport-level failure (non-OK status, timeout, empty body). A
// synchronous dispatch error from host.Dispatcher.Dispatch is folded into
// the same Failed=true path by the caller (see Server.dispatch in
// internal/host/extproc) so
// RuntimeAction has a single failure branch, per the Open Question
// resolution recorded in DESIGN.md.
type RpcOutcome struct {
	Failed    bool
	Auth      *AuthVerdict
	RateLimit *RateLimitVerdict
}
