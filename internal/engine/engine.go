package engine

// State is the per-request lifecycle position: Idle -> Matching ->
// (AwaitingRpc <-> Dispatching)* -> (Done | Dying).
type State int

const (
	StateIdle State = iota
	StateMatching
	StateAwaitingRpc
	StateDispatching
	StateDone
	StateDying
)

// FilterState is the per-request state machine. Created at the
// request-headers callback, destroyed when the request completes.
// Exclusively owned by one request; never shared.
type FilterState struct {
	id       string
	idx      *ActionSetIndex
	resolver HeaderResolver
	attrs    RequestAttributes

	state      State
	current    *RuntimeActionSet
	awaitIndex int

	pendingRequestHeaders  []HeaderEntry
	pendingResponseHeaders []HeaderEntry
}

// NewFilterState creates a FilterState bound to a snapshot of the action
// set index. The index pointer is captured once here and never
// re-fetched, so a reconfiguration mid-flight never affects an
// already-admitted request.
func NewFilterState(id string, idx *ActionSetIndex) *FilterState {
	return &FilterState{id: id, idx: idx, state: StateIdle}
}

// State reports the current lifecycle position, mainly for logging and
// tests.
func (f *FilterState) State() State { return f.state }

// ActionSetName reports the name of the action set matched at Begin, or
// the empty string if none matched yet. Diagnostic only (logging,
// analytics); never consulted by the state machine itself.
func (f *FilterState) ActionSetName() string {
	if f.current == nil {
		return ""
	}
	return f.current.Name
}

// Begin drives Idle -> Matching and returns the operations the host must
// act on: an action set lookup followed by either an immediate Done (no
// match, or no applicable action) or the first dispatched RPC.
func (f *FilterState) Begin(attrs RequestAttributes) []PendingOperation {
	f.attrs = attrs
	f.state = StateMatching

	for _, set := range f.idx.Lookup(AuthorityHost(attrs.Authority)) {
		adv := set.FindFirstApplicable(attrs, f.resolver.Resolve(attrs))
		if adv.Next != nil || adv.Terminate != nil {
			f.current = set
			return f.advance(adv)
		}
	}
	return f.finishDone()
}

// Resume feeds back the outcome of the RPC the engine is currently
// awaiting, and returns the operations that follow. Calling Resume when
// no RPC is outstanding is an engine invariant violation (spec §7 item 5)
// and panics; the adapter recovers this per stream rather than crashing
// the process (see DESIGN.md).
func (f *FilterState) Resume(outcome RpcOutcome) []PendingOperation {
	if f.state != StateAwaitingRpc {
		panic("engine: rpc response received with no outstanding AwaitingRpc")
	}
	idx := f.awaitIndex
	f.state = StateDispatching
	adv := f.current.ProcessResponse(idx, outcome, f.attrs, f.resolver.Resolve(f.attrs))
	return f.advance(adv)
}

// advance turns one AdvanceResult into the operation(s) the host must
// perform, updating internal state as it goes.
func (f *FilterState) advance(adv AdvanceResult) []PendingOperation {
	if adv.Terminate != nil {
		f.state = StateDying
		// Per spec §9's second Open Question resolution: Die does not
		// apply accumulated request-phase headers.
		return []PendingOperation{{Kind: OpDie, Die: adv.Terminate}}
	}

	var ops []PendingOperation
	if len(adv.RequestHeaders) > 0 {
		f.pendingRequestHeaders = append(f.pendingRequestHeaders, adv.RequestHeaders...)
		ops = append(ops, PendingOperation{Kind: OpAddHeaders, AddHeader: &HeaderMutation{
			Phase: PhaseRequest, Entries: adv.RequestHeaders,
		}})
	}
	if len(adv.ResponseHeaders) > 0 {
		f.pendingResponseHeaders = append(f.pendingResponseHeaders, adv.ResponseHeaders...)
		ops = append(ops, PendingOperation{Kind: OpAddHeaders, AddHeader: &HeaderMutation{
			Phase: PhaseResponse, Entries: adv.ResponseHeaders,
		}})
	}

	if adv.Next == nil {
		return append(ops, f.finishDone()...)
	}

	f.state = StateAwaitingRpc
	f.awaitIndex = adv.Next.Index
	return append(ops, PendingOperation{Kind: OpSendRpc, SendRpc: adv.Next})
}

func (f *FilterState) finishDone() []PendingOperation {
	f.state = StateDone
	return []PendingOperation{{Kind: OpDone}}
}

// RequestHeaders returns the resolved (last-writer-wins) request-phase
// header set. Only meaningful once Begin/Resume has driven the state to
// Done; applied exactly once, immediately before the host resumes the
// request.
func (f *FilterState) RequestHeaders() []HeaderEntry {
	if f.state != StateDone {
		return nil
	}
	return resolveHeaders(f.pendingRequestHeaders)
}

// ResponseHeaders returns the resolved response-phase header set to apply
// during the host's response-headers callback. A Dying request applies
// nothing: the host already short-circuited with the direct response.
func (f *FilterState) ResponseHeaders() []HeaderEntry {
	if f.state == StateDying {
		return nil
	}
	return resolveHeaders(f.pendingResponseHeaders)
}

// resolveHeaders applies last-writer-wins semantics: the final value for
// each name is its last-seen value, positioned at its first occurrence.
func resolveHeaders(entries []HeaderEntry) []HeaderEntry {
	if len(entries) == 0 {
		return nil
	}
	order := make([]string, 0, len(entries))
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		if _, seen := values[e.Name]; !seen {
			order = append(order, e.Name)
		}
		values[e.Name] = e.Value
	}
	out := make([]HeaderEntry, len(order))
	for i, name := range order {
		out[i] = HeaderEntry{Name: name, Value: values[name]}
	}
	return out
}
