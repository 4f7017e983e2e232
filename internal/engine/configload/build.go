package configload

import (
	"fmt"

	"github.com/meshguard/policy-engine/internal/engine"
	"github.com/meshguard/policy-engine/internal/predicate"
	"github.com/meshguard/policy-engine/internal/rpcclient"
)

// Build validates a Snapshot and constructs the engine's shared,
// read-only configuration: the service list (for dialing RPC clients)
// and the action set index (for request-time lookup). Mirrors the
// teacher's file-config loader sequence (parse -> validate -> build ->
// atomic swap), adapted to ActionSetIndex in place of PolicyChain.
func Build(snapshot Snapshot, evaluator *predicate.Evaluator) ([]*engine.Service, *engine.ActionSetIndex, error) {
	services, byName, err := buildServices(snapshot.Services)
	if err != nil {
		return nil, nil, err
	}

	byPattern := make(map[string][]*engine.RuntimeActionSet, len(snapshot.ActionSets))
	for _, setCfg := range snapshot.ActionSets {
		set, err := buildActionSet(setCfg, byName, evaluator)
		if err != nil {
			return nil, nil, fmt.Errorf("action set %q: %w", setCfg.Name, err)
		}
		byPattern[setCfg.RouteRule] = append(byPattern[setCfg.RouteRule], set)
	}

	return services, engine.NewActionSetIndex(byPattern), nil
}

func buildServices(cfgs []ServiceConfig) ([]*engine.Service, map[string]*engine.Service, error) {
	services := make([]*engine.Service, 0, len(cfgs))
	byName := make(map[string]*engine.Service, len(cfgs))
	for _, c := range cfgs {
		kind, err := parseKind(c.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("service %q: %w", c.Name, err)
		}
		mode, err := parseFailureMode(c.FailureMode)
		if err != nil {
			return nil, nil, fmt.Errorf("service %q: %w", c.Name, err)
		}
		if _, exists := byName[c.Name]; exists {
			return nil, nil, fmt.Errorf("duplicate service name %q", c.Name)
		}
		svc := &engine.Service{
			Name:        c.Name,
			Kind:        kind,
			Endpoint:    c.Endpoint,
			Timeout:     c.Timeout,
			FailureMode: mode,
		}
		services = append(services, svc)
		byName[c.Name] = svc
	}
	return services, byName, nil
}

func buildActionSet(cfg ActionSetConfig, services map[string]*engine.Service, evaluator *predicate.Evaluator) (*engine.RuntimeActionSet, error) {
	if cfg.RouteRule == "" {
		return nil, fmt.Errorf("route_rule is required")
	}
	if len(cfg.Actions) == 0 {
		return nil, fmt.Errorf("action set has no actions")
	}

	actions := make([]*engine.RuntimeAction, 0, len(cfg.Actions))
	for i, actionCfg := range cfg.Actions {
		svc, ok := services[actionCfg.Service]
		if !ok {
			return nil, fmt.Errorf("action %d references unknown service %q", i, actionCfg.Service)
		}
		cond, err := evaluator.Condition(actionCfg.Predicate)
		if err != nil {
			return nil, fmt.Errorf("action %d predicate: %w", i, err)
		}
		builder, err := buildPayloadBuilder(svc, actionCfg.PayloadSpec)
		if err != nil {
			return nil, fmt.Errorf("action %d payload_spec: %w", i, err)
		}
		actions = append(actions, &engine.RuntimeAction{
			Service:       svc,
			Cond:          cond,
			Builder:       builder,
			PredicateExpr: actionCfg.Predicate,
		})
	}

	return &engine.RuntimeActionSet{Name: cfg.Name, RoutePattern: cfg.RouteRule, Actions: actions}, nil
}

func buildPayloadBuilder(svc *engine.Service, spec PayloadSpec) (engine.PayloadBuilder, error) {
	switch svc.Kind {
	case engine.ServiceKindAuth:
		return authzBuilder{}, nil
	case engine.ServiceKindRateLimit:
		return rateLimitBuilder{spec: spec}, nil
	default:
		return nil, fmt.Errorf("unsupported service kind %q", svc.Kind)
	}
}

func parseKind(s string) (engine.ServiceKind, error) {
	switch s {
	case string(engine.ServiceKindAuth):
		return engine.ServiceKindAuth, nil
	case string(engine.ServiceKindRateLimit):
		return engine.ServiceKindRateLimit, nil
	default:
		return "", fmt.Errorf("invalid service kind %q, want %q or %q", s, engine.ServiceKindAuth, engine.ServiceKindRateLimit)
	}
}

func parseFailureMode(s string) (engine.FailureMode, error) {
	switch s {
	case "", string(engine.FailureModeDeny):
		return engine.FailureModeDeny, nil
	case string(engine.FailureModeAllow):
		return engine.FailureModeAllow, nil
	default:
		return "", fmt.Errorf("invalid failure_mode %q, want %q or %q", s, engine.FailureModeDeny, engine.FailureModeAllow)
	}
}

// authzBuilder builds the auth-service RPC payload from request
// attributes directly; nothing in payload_spec affects an auth action.
type authzBuilder struct{}

func (authzBuilder) Build(attrs engine.RequestAttributes, _ []engine.HeaderEntry) (any, error) {
	return &rpcclient.AuthzCheckRequest{
		Method:  attrs.Method,
		Path:    attrs.Path,
		Host:    attrs.Authority,
		Headers: attrs.Headers,
	}, nil
}

// rateLimitBuilder builds the rate-limit descriptors configured in
// payload_spec. A descriptor entry whose value is the literal
// "${remote_address}" is replaced by the value of the request's first
// x-forwarded-for header; without that header the literal is sent as is.
type rateLimitBuilder struct {
	spec PayloadSpec
}

func (b rateLimitBuilder) Build(attrs engine.RequestAttributes, _ []engine.HeaderEntry) (any, error) {
	descriptors := make([][]rpcclient.RateLimitDescriptorEntry, 0, len(b.spec.Descriptors))
	for _, d := range b.spec.Descriptors {
		entries := make([]rpcclient.RateLimitDescriptorEntry, 0, len(d.Entries))
		for _, e := range d.Entries {
			value := e.Value
			if value == "${remote_address}" {
				if v, ok := attrs.Header("x-forwarded-for"); ok {
					value = v
				}
			}
			entries = append(entries, rpcclient.RateLimitDescriptorEntry{Key: e.Key, Value: value})
		}
		descriptors = append(descriptors, entries)
	}
	return &rpcclient.RateLimitCheckRequest{
		Domain:      b.spec.Domain,
		Descriptors: descriptors,
		HitsAddend:  b.spec.HitsAddend,
	}, nil
}
