package rpcclient

import (
	"context"
	"fmt"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/grpc"

	"github.com/meshguard/policy-engine/internal/engine"
)

// AuthzCheckRequest is the payload an auth RuntimeAction's PayloadBuilder
// produces: the subset of request attributes the CheckRequest needs.
type AuthzCheckRequest struct {
	Method  string
	Path    string
	Host    string
	Headers map[string][]string
}

// AuthzClient dials envoy.service.auth.v3.Authorization.
type AuthzClient struct {
	client authv3.AuthorizationClient
}

// NewAuthzClient wraps an established connection.
func NewAuthzClient(conn grpc.ClientConnInterface) *AuthzClient {
	return &AuthzClient{client: authv3.NewAuthorizationClient(conn)}
}

// Check dispatches req.Payload (an *AuthzCheckRequest) and translates the
// reply into engine.RpcOutcome.
func (c *AuthzClient) Check(req *engine.RpcRequest) (engine.RpcOutcome, error) {
	payload, ok := req.Payload.(*AuthzCheckRequest)
	if !ok {
		return engine.RpcOutcome{}, fmt.Errorf("authz action built a %T payload, want *AuthzCheckRequest", req.Payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()

	headers := make(map[string]string, len(payload.Headers)+len(req.TraceTags))
	for name, values := range payload.Headers {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	for _, tag := range req.TraceTags {
		headers[tag.Name] = tag.Value
	}

	resp, err := c.client.Check(ctx, &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Http: &authv3.AttributeContext_HttpRequest{
					Method:  payload.Method,
					Path:    payload.Path,
					Host:    payload.Host,
					Headers: headers,
				},
			},
		},
	})
	if err != nil {
		return engine.RpcOutcome{Failed: true}, nil
	}

	return engine.RpcOutcome{Auth: translateCheckResponse(resp)}, nil
}

func translateCheckResponse(resp *authv3.CheckResponse) *engine.AuthVerdict {
	if resp == nil {
		return nil
	}
	if ok := resp.GetOkResponse(); ok != nil {
		return &engine.AuthVerdict{
			OK:                   true,
			RequestHeadersToAdd:  headerOptionsToEntries(ok.GetHeaders()),
			ResponseHeadersToAdd: headerOptionsToEntries(ok.GetResponseHeadersToAdd()),
		}
	}
	denied := resp.GetDeniedResponse()
	status := 403
	if denied.GetStatus() != nil && denied.GetStatus().GetCode() != 0 {
		status = int(denied.GetStatus().GetCode())
	}
	return &engine.AuthVerdict{
		OK:            false,
		DeniedStatus:  status,
		DeniedHeaders: headerOptionsToEntries(denied.GetHeaders()),
		DeniedBody:    []byte(denied.GetBody()),
	}
}

func headerOptionsToEntries(opts []*corev3.HeaderValueOption) []engine.HeaderEntry {
	if len(opts) == 0 {
		return nil
	}
	entries := make([]engine.HeaderEntry, 0, len(opts))
	for _, opt := range opts {
		hv := opt.GetHeader()
		if hv == nil {
			continue
		}
		entries = append(entries, engine.HeaderEntry{Name: hv.GetKey(), Value: hv.GetValue()})
	}
	return entries
}
