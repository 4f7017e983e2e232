package rpcclient

import (
	"context"
	"fmt"

	rlv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"google.golang.org/grpc"

	"github.com/meshguard/policy-engine/internal/engine"
)

// RateLimitDescriptorEntry is one (key, value) pair of a rate-limit
// descriptor, per spec's RPC surface definition.
type RateLimitDescriptorEntry struct {
	Key   string
	Value string
}

// RateLimitCheckRequest is the payload an action's PayloadBuilder
// produces for a rate_limit service.
type RateLimitCheckRequest struct {
	Domain      string
	Descriptors [][]RateLimitDescriptorEntry
	HitsAddend  uint32
}

// RateLimitClient dials envoy.service.ratelimit.v3.RateLimitService.
type RateLimitClient struct {
	client ratelimitv3.RateLimitServiceClient
}

// NewRateLimitClient wraps an established connection.
func NewRateLimitClient(conn grpc.ClientConnInterface) *RateLimitClient {
	return &RateLimitClient{client: ratelimitv3.NewRateLimitServiceClient(conn)}
}

// ShouldRateLimit dispatches req.Payload (a *RateLimitCheckRequest) and
// translates the reply into engine.RpcOutcome.
func (c *RateLimitClient) ShouldRateLimit(req *engine.RpcRequest) (engine.RpcOutcome, error) {
	payload, ok := req.Payload.(*RateLimitCheckRequest)
	if !ok {
		return engine.RpcOutcome{}, fmt.Errorf("rate-limit action built a %T payload, want *RateLimitCheckRequest", req.Payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()

	hits := payload.HitsAddend
	if hits == 0 {
		hits = 1
	}

	resp, err := c.client.ShouldRateLimit(ctx, &ratelimitv3.RateLimitRequest{
		Domain:      payload.Domain,
		Descriptors: buildDescriptors(payload.Descriptors),
		HitsAddend:  hits,
	})
	if err != nil {
		return engine.RpcOutcome{Failed: true}, nil
	}

	return engine.RpcOutcome{RateLimit: translateRateLimitResponse(resp)}, nil
}

func buildDescriptors(descriptors [][]RateLimitDescriptorEntry) []*rlv3.RateLimitDescriptor {
	if len(descriptors) == 0 {
		return nil
	}
	out := make([]*rlv3.RateLimitDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		entries := make([]*rlv3.RateLimitDescriptor_Entry, 0, len(d))
		for _, e := range d {
			entries = append(entries, &rlv3.RateLimitDescriptor_Entry{Key: e.Key, Value: e.Value})
		}
		out = append(out, &rlv3.RateLimitDescriptor{Entries: entries})
	}
	return out
}

func translateRateLimitResponse(resp *ratelimitv3.RateLimitResponse) *engine.RateLimitVerdict {
	if resp == nil {
		return nil
	}
	if resp.GetOverallCode() == ratelimitv3.RateLimitResponse_OVER_LIMIT {
		status := 429
		return &engine.RateLimitVerdict{
			OK:               false,
			OverLimitStatus:  status,
			OverLimitHeaders: headerOptionsToEntries(resp.GetResponseHeadersToAdd()),
			OverLimitBody:    resp.GetRawBody(),
		}
	}
	return &engine.RateLimitVerdict{
		OK:                   true,
		ResponseHeadersToAdd: headerOptionsToEntries(resp.GetResponseHeadersToAdd()),
	}
}

