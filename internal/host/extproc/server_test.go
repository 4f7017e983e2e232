/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package extproc

import (
	"context"
	"errors"
	"io"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/metadata"

	"github.com/meshguard/policy-engine/internal/analytics"
	"github.com/meshguard/policy-engine/internal/engine"
	"github.com/meshguard/policy-engine/internal/host"
)

// fakeStream implements extprocv3.ExternalProcessor_ProcessServer over an
// in-memory slice of requests, recording every response sent.
type fakeStream struct {
	ctx       context.Context
	in        []*extprocv3.ProcessingRequest
	responses []*extprocv3.ProcessingResponse
}

func (f *fakeStream) Send(resp *extprocv3.ProcessingResponse) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeStream) Recv() (*extprocv3.ProcessingRequest, error) {
	if len(f.in) == 0 {
		return nil, io.EOF
	}
	req := f.in[0]
	f.in = f.in[1:]
	return req, nil
}

func (f *fakeStream) Context() context.Context    { return f.ctx }
func (f *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)       {}
func (f *fakeStream) SendMsg(m any) error          { return nil }
func (f *fakeStream) RecvMsg(m any) error          { return nil }

func requestHeadersRequest(authority string) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{
				Headers: &corev3.HeaderMap{Headers: []*corev3.HeaderValue{
					{Key: ":authority", Value: authority},
					{Key: ":method", Value: "GET"},
					{Key: ":path", Value: "/widgets"},
				}},
			},
		},
	}
}

func responseHeadersRequest() *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extprocv3.HttpHeaders{},
		},
	}
}

// scriptedDispatcher returns outcomes[i]/errs[i] for the i-th call it
// receives, in order; a fake standing in for *rpcclient.Dispatcher.
type scriptedDispatcher struct {
	outcomes []engine.RpcOutcome
	errs     []error
	calls    int
}

func (d *scriptedDispatcher) Dispatch(*engine.RpcRequest) (engine.RpcOutcome, error) {
	i := d.calls
	d.calls++
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	if i < len(d.outcomes) {
		return d.outcomes[i], err
	}
	return engine.RpcOutcome{}, err
}

// swappingDispatcher swaps the store's snapshot from inside every
// dispatch, so a reconfiguration lands while a cycle is in flight, and
// answers with an OK verdict carrying one response-phase header.
type swappingDispatcher struct {
	store *host.Store
	next  *host.Snapshot
	calls int
}

func (d *swappingDispatcher) Dispatch(*engine.RpcRequest) (engine.RpcOutcome, error) {
	d.calls++
	d.store.Swap(d.next)
	return engine.RpcOutcome{Auth: &engine.AuthVerdict{OK: true, ResponseHeadersToAdd: []engine.HeaderEntry{{Name: "x-action-set", Value: "s1"}}}}, nil
}

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(*engine.RpcRequest) (engine.RpcOutcome, error) {
	panic("simulated dispatcher fault")
}

type staticBuilder struct{}

func (staticBuilder) Build(engine.RequestAttributes, []engine.HeaderEntry) (any, error) {
	return nil, nil
}

func authSet(name string, mode engine.FailureMode) *engine.RuntimeActionSet {
	return &engine.RuntimeActionSet{Name: name, Actions: []*engine.RuntimeAction{
		{Service: &engine.Service{Name: "authz", Kind: engine.ServiceKindAuth, FailureMode: mode}, Builder: staticBuilder{}},
	}}
}

func chainedSet(name string) *engine.RuntimeActionSet {
	return &engine.RuntimeActionSet{Name: name, Actions: []*engine.RuntimeAction{
		{Service: &engine.Service{Name: "authz", Kind: engine.ServiceKindAuth, FailureMode: engine.FailureModeDeny}, Builder: staticBuilder{}},
		{Service: &engine.Service{Name: "ratelimit", Kind: engine.ServiceKindRateLimit, FailureMode: engine.FailureModeDeny}, Builder: staticBuilder{}},
	}}
}

func newTestServer(idx *engine.ActionSetIndex, d host.Dispatcher) *Server {
	store := host.NewStore(&host.Snapshot{Index: idx, Dispatcher: d})
	return NewServer(store, noop.NewTracerProvider().Tracer("test"), analytics.NoopPublisher{})
}

func TestProcess_NoMatchSkipsAllProcessing(t *testing.T) {
	idx := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"*.other.com": {authSet("s1", engine.FailureModeAllow)},
	})
	srv := newTestServer(idx, nil)
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
	}}

	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.responses, 1)
	assert.NotNil(t, stream.responses[0].ModeOverride)
}

func TestProcess_SingleRpcContinuesWithHeaders(t *testing.T) {
	idx := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"api.example.com": {authSet("s1", engine.FailureModeDeny)},
	})
	d := &scriptedDispatcher{outcomes: []engine.RpcOutcome{
		{Auth: &engine.AuthVerdict{OK: true, RequestHeadersToAdd: []engine.HeaderEntry{{Name: "x-user", Value: "alice"}}}},
	}}
	srv := newTestServer(idx, d)
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
		responseHeadersRequest(),
	}}

	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.responses, 2)
	assert.Equal(t, 1, d.calls)

	headers := stream.responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation().GetSetHeaders()
	require.Len(t, headers, 1)
	assert.Equal(t, "x-user", headers[0].GetHeader().GetKey())
}

func TestProcess_ChainedRpcsYieldOneResponsePerRequest(t *testing.T) {
	idx := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"api.example.com": {chainedSet("s1")},
	})
	d := &scriptedDispatcher{outcomes: []engine.RpcOutcome{
		{Auth: &engine.AuthVerdict{OK: true}},
		{RateLimit: &engine.RateLimitVerdict{OK: true}},
	}}
	srv := newTestServer(idx, d)
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
	}}

	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.responses, 1)
	assert.Equal(t, 2, d.calls)
}

func TestProcess_DenyTerminatesWithImmediateResponse(t *testing.T) {
	idx := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"api.example.com": {authSet("s1", engine.FailureModeDeny)},
	})
	d := &scriptedDispatcher{outcomes: []engine.RpcOutcome{
		{Auth: &engine.AuthVerdict{OK: false, DeniedStatus: 401}},
	}}
	srv := newTestServer(idx, d)
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
	}}

	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.responses, 1)
	imm := stream.responses[0].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.EqualValues(t, 401, imm.GetStatus().GetCode())
}

func TestProcess_DispatchErrorRoutesThroughFailureMode(t *testing.T) {
	idx := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"api.example.com": {authSet("s1", engine.FailureModeDeny)},
	})
	d := &scriptedDispatcher{errs: []error{errors.New("upstream unreachable")}}
	srv := newTestServer(idx, d)
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
	}}

	err := srv.Process(stream)
	require.NoError(t, err)
	require.Len(t, stream.responses, 1)
	imm := stream.responses[0].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.EqualValues(t, 500, imm.GetStatus().GetCode())
}

func TestProcess_DispatcherPanicIsRecoveredPerStream(t *testing.T) {
	idx := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"api.example.com": {authSet("s1", engine.FailureModeDeny)},
	})
	srv := newTestServer(idx, panickingDispatcher{})
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
	}}

	err := srv.Process(stream)
	require.Error(t, err)
	assert.Empty(t, stream.responses)
}

func TestProcess_ReconfigurationDuringFlightUsesSnapshotCapturedAtBegin(t *testing.T) {
	idx1 := engine.NewActionSetIndex(map[string][]*engine.RuntimeActionSet{
		"api.example.com": {authSet("s1", engine.FailureModeAllow)},
	})
	idx2 := engine.NewActionSetIndex(nil)
	d := &swappingDispatcher{}
	store := host.NewStore(&host.Snapshot{Index: idx1, Dispatcher: d})
	d.store = store
	d.next = &host.Snapshot{Index: idx2, Dispatcher: d}
	srv := NewServer(store, noop.NewTracerProvider().Tracer("test"), analytics.NoopPublisher{})

	// A reconfiguration lands between the request-headers and
	// response-headers phases of the same stream; the in-flight cycle's
	// FilterState still holds the index it captured at Begin, while the
	// next request on the stream sees the new, empty index.
	stream := &fakeStream{ctx: context.Background(), in: []*extprocv3.ProcessingRequest{
		requestHeadersRequest("api.example.com"),
		responseHeadersRequest(),
		requestHeadersRequest("api.example.com"),
	}}
	require.NoError(t, srv.Process(stream))
	require.Len(t, stream.responses, 3)
	assert.Equal(t, 1, d.calls)
	assert.Same(t, idx2, store.Load().Index)

	require.Nil(t, stream.responses[0].ModeOverride)
	headers := stream.responses[1].GetResponseHeaders().GetResponse().GetHeaderMutation().GetSetHeaders()
	require.Len(t, headers, 1)
	assert.Equal(t, "x-action-set", headers[0].GetHeader().GetKey())
	assert.NotNil(t, stream.responses[2].ModeOverride)
}
