package configload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/policy-engine/internal/engine"
	"github.com/meshguard/policy-engine/internal/predicate"
	"github.com/meshguard/policy-engine/internal/rpcclient"
)

func newEvaluator(t *testing.T) *predicate.Evaluator {
	t.Helper()
	eval, err := predicate.NewEvaluator()
	require.NoError(t, err)
	return eval
}

func TestBuildServicesAndActionSets(t *testing.T) {
	eval := newEvaluator(t)
	snapshot := Snapshot{
		Services: []ServiceConfig{
			{Name: "authz", Kind: "auth", Endpoint: "authz:9001", Timeout: time.Second, FailureMode: "deny"},
			{Name: "rl", Kind: "rate_limit", Endpoint: "rl:9002", Timeout: time.Second, FailureMode: "allow"},
		},
		ActionSets: []ActionSetConfig{
			{
				Name:      "default",
				RouteRule: "*.example.com",
				Actions: []ActionConfig{
					{Service: "authz", Predicate: ""},
					{
						Service: "rl",
						PayloadSpec: PayloadSpec{
							Domain: "edge",
							Descriptors: []DescriptorSpec{
								{Entries: []DescriptorEntrySpec{{Key: "remote_address", Value: "${remote_address}"}}},
							},
						},
					},
				},
			},
		},
	}

	services, idx, err := Build(snapshot, eval)
	require.NoError(t, err)
	require.Len(t, services, 2)

	sets := idx.Lookup("api.example.com")
	require.Len(t, sets, 1)
	assert.Equal(t, "default", sets[0].Name)
	require.Len(t, sets[0].Actions, 2)
}

func TestBuildRejectsUnknownServiceReference(t *testing.T) {
	eval := newEvaluator(t)
	snapshot := Snapshot{
		Services: []ServiceConfig{{Name: "authz", Kind: "auth", Endpoint: "authz:9001"}},
		ActionSets: []ActionSetConfig{
			{Name: "default", RouteRule: "*.example.com", Actions: []ActionConfig{{Service: "missing"}}},
		},
	}

	_, _, err := Build(snapshot, eval)
	assert.Error(t, err)
}

func TestBuildRejectsEmptyActionSet(t *testing.T) {
	eval := newEvaluator(t)
	snapshot := Snapshot{
		ActionSets: []ActionSetConfig{{Name: "default", RouteRule: "*.example.com"}},
	}

	_, _, err := Build(snapshot, eval)
	assert.Error(t, err)
}

func TestBuildRejectsEmptyRouteRule(t *testing.T) {
	eval := newEvaluator(t)
	snapshot := Snapshot{
		Services:   []ServiceConfig{{Name: "authz", Kind: "auth", Endpoint: "authz:9001"}},
		ActionSets: []ActionSetConfig{{Name: "default", Actions: []ActionConfig{{Service: "authz"}}}},
	}

	_, _, err := Build(snapshot, eval)
	assert.Error(t, err)
}

func TestBuildRejectsDuplicateServiceNames(t *testing.T) {
	eval := newEvaluator(t)
	snapshot := Snapshot{
		Services: []ServiceConfig{
			{Name: "authz", Kind: "auth", Endpoint: "a:1"},
			{Name: "authz", Kind: "auth", Endpoint: "b:2"},
		},
	}

	_, _, err := Build(snapshot, eval)
	assert.Error(t, err)
}

func TestBuildRejectsInvalidKindAndFailureMode(t *testing.T) {
	eval := newEvaluator(t)

	_, _, err := Build(Snapshot{Services: []ServiceConfig{{Name: "x", Kind: "bogus"}}}, eval)
	assert.Error(t, err)

	_, _, err = Build(Snapshot{Services: []ServiceConfig{{Name: "x", Kind: "auth", FailureMode: "bogus"}}}, eval)
	assert.Error(t, err)
}

func TestBuildRejectsInvalidPredicate(t *testing.T) {
	eval := newEvaluator(t)
	snapshot := Snapshot{
		Services: []ServiceConfig{{Name: "authz", Kind: "auth", Endpoint: "a:1"}},
		ActionSets: []ActionSetConfig{
			{Name: "default", RouteRule: "*.example.com", Actions: []ActionConfig{{Service: "authz", Predicate: "request.method =="}}},
		},
	}

	_, _, err := Build(snapshot, eval)
	assert.Error(t, err)
}

func TestRateLimitBuilderResolvesRemoteAddressPlaceholder(t *testing.T) {
	builder := rateLimitBuilder{spec: PayloadSpec{
		Domain: "edge",
		Descriptors: []DescriptorSpec{
			{Entries: []DescriptorEntrySpec{{Key: "remote_address", Value: "${remote_address}"}}},
		},
	}}

	attrs := engine.RequestAttributes{Headers: map[string][]string{"x-forwarded-for": {"10.0.0.5"}}}
	payload, err := builder.Build(attrs, nil)
	require.NoError(t, err)

	req, ok := payload.(*rpcclient.RateLimitCheckRequest)
	require.True(t, ok)
	require.Len(t, req.Descriptors, 1)
	assert.Equal(t, "10.0.0.5", req.Descriptors[0][0].Value)
}

func TestAuthzBuilderCopiesRequestAttributes(t *testing.T) {
	builder := authzBuilder{}
	attrs := engine.RequestAttributes{
		Authority: "api.example.com",
		Method:    "GET",
		Path:      "/v1/orders",
		Headers:   map[string][]string{"x-request-id": {"abc"}},
	}

	payload, err := builder.Build(attrs, nil)
	require.NoError(t, err)

	req, ok := payload.(*rpcclient.AuthzCheckRequest)
	require.True(t, ok)
	assert.Equal(t, "api.example.com", req.Host)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/v1/orders", req.Path)
}
