package engine

// RuntimeActionSet is an ordered list of RuntimeActions bound to a
// routing pattern. Actions share no mutable state; the set itself is
// shared read-only across every in-flight request that matches its
// pattern.
type RuntimeActionSet struct {
	Name         string
	RoutePattern string
	Actions      []*RuntimeAction
}

// AdvanceResult is what scanning the set for the next applicable action
// (after processing one RPC reply, or at the very start) produces.
type AdvanceResult struct {
	Next            *IndexedRpcRequest
	RequestHeaders  []HeaderEntry
	ResponseHeaders []HeaderEntry
	Terminate       *RpcErrorResponse
}

// FindFirstApplicable scans actions in declared order, skipping those
// whose predicate is false, and returns the first applicable action's
// built request. A nil Next with nil Terminate means no action applies.
func (s *RuntimeActionSet) FindFirstApplicable(attrs RequestAttributes, trace []HeaderEntry) AdvanceResult {
	return s.scanFrom(0, attrs, trace)
}

// ProcessResponse interprets the reply to the RPC dispatched for the
// action at index, merges any resulting header mutations, and resumes
// scanning from index+1 for the next applicable action.
func (s *RuntimeActionSet) ProcessResponse(index int, outcome RpcOutcome, attrs RequestAttributes, trace []HeaderEntry) AdvanceResult {
	ao := s.Actions[index].ProcessResponse(outcome)
	if ao.Terminate != nil {
		return AdvanceResult{Terminate: ao.Terminate}
	}

	rest := s.scanFrom(index+1, attrs, trace)
	rest.RequestHeaders = append(append([]HeaderEntry(nil), ao.RequestHeaders...), rest.RequestHeaders...)
	rest.ResponseHeaders = append(append([]HeaderEntry(nil), ao.ResponseHeaders...), rest.ResponseHeaders...)
	return rest
}

func (s *RuntimeActionSet) scanFrom(start int, attrs RequestAttributes, trace []HeaderEntry) AdvanceResult {
	for i := start; i < len(s.Actions); i++ {
		action := s.Actions[i]
		if !action.ConditionsApply(attrs) {
			continue
		}
		req, err := action.BuildRequest(attrs, trace, i)
		if err != nil {
			// Attribute lookup error while building the payload for an
			// action whose predicate already applied: routed through the
			// same failure_mode as a dispatch failure (spec §7 item 2).
			// deny terminates immediately; allow skips this action and
			// keeps scanning, mirroring "treat as not-applicable".
			if outcome := action.processFailure(); outcome.Terminate != nil {
				return AdvanceResult{Terminate: outcome.Terminate}
			}
			continue
		}
		return AdvanceResult{Next: &req}
	}
	return AdvanceResult{}
}
