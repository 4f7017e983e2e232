package engine

// Predicate decides whether a RuntimeAction applies to the current
// request. An absent predicate always applies. A failing evaluation is
// treated as not-applicable (spec's attribute-lookup-error handling for
// predicates), never as a fatal error.
type Predicate interface {
	Evaluate(attrs RequestAttributes) (bool, error)
}

// PayloadBuilder synthesizes the outbound RPC payload for one action from
// the current request attributes and the resolved trace headers.
type PayloadBuilder interface {
	Build(attrs RequestAttributes, trace []HeaderEntry) (any, error)
}

// ActionOutcome is what interpreting one RPC reply produces: header
// entries to inject on one or both phases, or a terminating response.
// Terminate and the header slices are mutually exclusive in practice (a
// denial never also carries injectable headers) but nothing enforces
// that structurally; callers check Terminate first.
type ActionOutcome struct {
	RequestHeaders  []HeaderEntry
	ResponseHeaders []HeaderEntry
	Terminate       *RpcErrorResponse
}

// RuntimeAction is a single policy step: a target service, a predicate,
// and a payload builder. Stateless across requests; shared read-only.
type RuntimeAction struct {
	Service *Service
	Cond    Predicate
	Builder PayloadBuilder
	// PredicateExpr is the source expression Cond was compiled from, kept
	// only for diagnostics (admin config dump); evaluation never consults it.
	PredicateExpr string
}

// ConditionsApply evaluates the action's predicate. Absent predicate
// always applies.
func (a *RuntimeAction) ConditionsApply(attrs RequestAttributes) bool {
	if a.Cond == nil {
		return true
	}
	ok, err := a.Cond.Evaluate(attrs)
	if err != nil {
		return false
	}
	return ok
}

// BuildRequest synthesizes this action's outbound RPC, tagged with its
// position within the owning RuntimeActionSet.
func (a *RuntimeAction) BuildRequest(attrs RequestAttributes, trace []HeaderEntry, index int) (IndexedRpcRequest, error) {
	payload, err := a.Builder.Build(attrs, trace)
	if err != nil {
		return IndexedRpcRequest{}, err
	}
	return IndexedRpcRequest{
		Index: index,
		Request: &RpcRequest{
			Service:   a.Service,
			Timeout:   a.Service.Timeout,
			Payload:   payload,
			TraceTags: trace,
		},
	}, nil
}

// ProcessResponse interprets the service's reply per spec's interpreter
// rules: auth OK/denied, rate-limit OK/over-limit, transport failure
// routed through the action's Service.FailureMode.
func (a *RuntimeAction) ProcessResponse(outcome RpcOutcome) ActionOutcome {
	if outcome.Failed {
		return a.processFailure()
	}
	switch a.Service.Kind {
	case ServiceKindAuth:
		return processAuthVerdict(outcome.Auth)
	case ServiceKindRateLimit:
		return processRateLimitVerdict(outcome.RateLimit)
	default:
		return ActionOutcome{}
	}
}

func (a *RuntimeAction) processFailure() ActionOutcome {
	if a.Service.FailureMode == FailureModeDeny {
		return ActionOutcome{Terminate: &RpcErrorResponse{
			StatusCode: 500,
			Body:       []byte("Internal Server Error.\n"),
		}}
	}
	return ActionOutcome{}
}

func processAuthVerdict(v *AuthVerdict) ActionOutcome {
	if v == nil || !v.OK {
		status, headers, body := 403, []HeaderEntry(nil), []byte(nil)
		if v != nil {
			if v.DeniedStatus != 0 {
				status = v.DeniedStatus
			}
			headers = v.DeniedHeaders
			body = v.DeniedBody
		}
		return ActionOutcome{Terminate: &RpcErrorResponse{
			StatusCode: status,
			Headers:    headers,
			Body:       body,
		}}
	}
	return ActionOutcome{
		RequestHeaders:  v.RequestHeadersToAdd,
		ResponseHeaders: v.ResponseHeadersToAdd,
	}
}

func processRateLimitVerdict(v *RateLimitVerdict) ActionOutcome {
	if v == nil || !v.OK {
		status, headers, body := 429, []HeaderEntry(nil), []byte(nil)
		if v != nil {
			if v.OverLimitStatus != 0 {
				status = v.OverLimitStatus
			}
			headers = v.OverLimitHeaders
			body = v.OverLimitBody
		}
		return ActionOutcome{Terminate: &RpcErrorResponse{
			StatusCode: status,
			Headers:    headers,
			Body:       body,
		}}
	}
	return ActionOutcome{ResponseHeaders: v.ResponseHeadersToAdd}
}
