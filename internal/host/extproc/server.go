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

// Package extproc adapts the engine's host-agnostic state machine to
// Envoy's external processor gRPC stream: one goroutine per Process
// stream, driving FilterState.Begin/Resume to completion by dispatching
// each AwaitingRpc synchronously in the same goroutine, and emitting
// exactly one ProcessingResponse per ProcessingRequest received.
package extproc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocconfigv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meshguard/policy-engine/internal/analytics"
	"github.com/meshguard/policy-engine/internal/constants"
	"github.com/meshguard/policy-engine/internal/engine"
	"github.com/meshguard/policy-engine/internal/host"
	"github.com/meshguard/policy-engine/internal/metrics"
)

// Server implements envoy.service.ext_proc.v3.ExternalProcessorServer,
// matching each request against the Store's current snapshot.
type Server struct {
	extprocv3.UnimplementedExternalProcessorServer

	store     *host.Store
	tracer    trace.Tracer
	publisher analytics.Publisher
}

// NewServer builds a Server reading configuration from store and
// publishing one analytics event per completed request cycle to
// publisher (analytics.NoopPublisher{} when analytics is disabled).
func NewServer(store *host.Store, tracer trace.Tracer, publisher analytics.Publisher) *Server {
	if publisher == nil {
		publisher = analytics.NoopPublisher{}
	}
	return &Server{store: store, tracer: tracer, publisher: publisher}
}

// cycle carries the per-stream state the engine itself doesn't retain:
// the dispatcher bound at Matching entry, identifiers for logging and
// analytics, and timing.
type cycle struct {
	fs         *engine.FilterState
	dispatcher dispatcher
	requestID  string
	authority  string
	method     string
	path       string
	start      time.Time
	dispatches int
}

// dispatcher is the subset of *rpcclient.Dispatcher the adapter needs,
// narrowed so tests can substitute a fake.
type dispatcher interface {
	Dispatch(req *engine.RpcRequest) (engine.RpcOutcome, error)
}

// Process implements the bidirectional streaming RPC. A panic escaping
// the engine (the documented "Resume with no outstanding AwaitingRpc"
// invariant violation) is recovered here and ends only this stream,
// never the process.
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) (err error) {
	ctx := stream.Context()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	defer func() {
		if r := recover(); r != nil {
			metrics.PanicRecoveriesTotal.WithLabelValues("extproc").Inc()
			slog.ErrorContext(ctx, "recovered panic in ext_proc stream", "panic", r)
			err = status.Errorf(codes.Internal, "internal error: %v", r)
		}
	}()

	var cur *cycle

	for {
		req, recvErr := stream.Recv()
		if recvErr == io.EOF {
			return nil
		}
		if recvErr != nil {
			metrics.StreamErrorsTotal.WithLabelValues("recv").Inc()
			return status.Errorf(codes.Unknown, "failed to receive request: %v", recvErr)
		}

		resp, handleErr := s.handle(ctx, req, &cur)
		if handleErr != nil {
			return handleErr
		}

		if sendErr := stream.Send(resp); sendErr != nil {
			metrics.StreamErrorsTotal.WithLabelValues("send").Inc()
			return status.Errorf(codes.Unknown, "failed to send response: %v", sendErr)
		}
	}
}

// handle routes one ProcessingRequest to its phase handler. Exactly one
// ProcessingResponse is produced per call, regardless of how many RPCs
// the engine dispatches internally to get there.
func (s *Server) handle(ctx context.Context, req *extprocv3.ProcessingRequest, cur **cycle) (*extprocv3.ProcessingResponse, error) {
	switch req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		resp, c := s.handleRequestHeaders(ctx, req.GetRequestHeaders())
		*cur = c
		return resp, nil

	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return s.handleResponseHeaders(ctx, *cur), nil

	default:
		// Body/trailer phases are not handled: the adapter disables them
		// via ModeOverride only when no action set matches, so any other
		// body/trailer message is answered with an empty headers reply.
		return continueHeadersResponse(nil), nil
	}
}

func (s *Server) handleRequestHeaders(ctx context.Context, headers *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, *cycle) {
	ctx, span := s.tracer.Start(ctx, constants.SpanRequestHeaders)
	defer span.End()

	snapshot := s.store.Load()
	attrs := attributesFromHeaders(headers)
	requestID := uuid.NewString()

	span.SetAttributes(
		attribute.String(constants.AttrAuthority, attrs.Authority),
		attribute.String(constants.AttrMethod, attrs.Method),
		attribute.String(constants.AttrPath, attrs.Path),
	)

	c := &cycle{
		fs:        engine.NewFilterState(requestID, snapshot.Index),
		requestID: requestID,
		authority: attrs.Authority,
		method:    attrs.Method,
		path:      attrs.Path,
		start:     time.Now(),
	}
	if snapshot.Dispatcher != nil {
		c.dispatcher = snapshot.Dispatcher
	}

	log := slog.With("request_id", requestID, "authority", attrs.Authority, "method", attrs.Method, "path", attrs.Path)
	log.DebugContext(ctx, "processing request headers")

	metrics.RequestsTotal.WithLabelValues("request_headers", attrs.Authority).Inc()

	ops := c.fs.Begin(attrs)
	resp, terminated := s.drive(ctx, c, ops, log)
	if terminated {
		s.publish(c, true, resp)
		return resp, nil
	}
	if c.fs.ActionSetName() == "" {
		metrics.ActionSetLookupFailuresTotal.Inc()
		return skipAllProcessing(), c
	}
	return resp, c
}

func (s *Server) handleResponseHeaders(ctx context.Context, c *cycle) *extprocv3.ProcessingResponse {
	_, span := s.tracer.Start(ctx, constants.SpanResponseHeaders)
	defer span.End()

	var headers []engine.HeaderEntry
	if c != nil {
		headers = c.fs.ResponseHeaders()
	}
	resp := &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{
					HeaderMutation: headerMutation(headers),
				},
			},
		},
	}
	if c != nil {
		s.publish(c, false, nil)
	}
	return resp
}

// drive runs the engine's Begin/Resume loop to completion, dispatching
// every AwaitingRpc synchronously, and returns the ProcessingResponse
// for the request-headers phase plus whether the cycle ended in Dying.
func (s *Server) drive(ctx context.Context, c *cycle, ops []engine.PendingOperation, log *slog.Logger) (*extprocv3.ProcessingResponse, bool) {
	for {
		send, done, die := classify(ops)
		if die != nil {
			log.InfoContext(ctx, "request terminated", "status_code", die.StatusCode, "dispatches", c.dispatches)
			// RpcErrorResponse doesn't carry which service's verdict produced
			// it, so the per-service dimension is left blank here.
			metrics.TerminationsTotal.WithLabelValues(c.fs.ActionSetName(), "", strconv.Itoa(die.StatusCode)).Inc()
			return immediateResponse(die), true
		}
		if done {
			return continueHeadersResponse(c.fs.RequestHeaders()), false
		}

		outcome := s.dispatch(ctx, c, send)
		ops = c.fs.Resume(outcome)
	}
}

// dispatch sends one RPC and folds both a transport-level failure and a
// synchronous dispatch error into the same RpcOutcome.Failed path, per
// the Open Question resolution recorded in DESIGN.md.
func (s *Server) dispatch(ctx context.Context, c *cycle, send *engine.IndexedRpcRequest) engine.RpcOutcome {
	req := send.Request
	kind := string(req.Service.Kind)

	_, span := s.tracer.Start(ctx, fmt.Sprintf(constants.SpanActionDispatchFormat, req.Service.Name))
	defer span.End()

	c.dispatches++
	if c.dispatcher == nil {
		return engine.RpcOutcome{Failed: true}
	}

	started := time.Now()
	outcome, err := c.dispatcher.Dispatch(req)
	elapsed := time.Since(started)

	metrics.DispatchDurationSeconds.WithLabelValues(req.Service.Name, kind).Observe(elapsed.Seconds())

	outcomeLabel := "ok"
	switch {
	case err != nil:
		outcomeLabel = "error"
		outcome = engine.RpcOutcome{Failed: true}
	case outcome.Failed:
		outcomeLabel = "failed"
	}
	metrics.DispatchesTotal.WithLabelValues(req.Service.Name, kind, outcomeLabel).Inc()
	if outcome.Failed {
		metrics.DispatchFailuresTotal.WithLabelValues(req.Service.Name, string(req.Service.FailureMode)).Inc()
	}

	span.SetAttributes(
		attribute.String(constants.AttrServiceName, req.Service.Name),
		attribute.String(constants.AttrServiceKind, kind),
		attribute.String(constants.AttrDispatchOutcome, outcomeLabel),
	)
	return outcome
}

func (s *Server) publish(c *cycle, terminated bool, terminate *extprocv3.ProcessingResponse) {
	event := analytics.Event{
		RequestID:     c.requestID,
		Authority:     c.authority,
		Method:        c.method,
		Path:          c.path,
		ActionSetName: c.fs.ActionSetName(),
		Outcome:       analytics.OutcomeContinued,
		DispatchCount: c.dispatches,
		RequestTime:   c.start,
		ResponseTime:  time.Now(),
	}
	if terminated {
		event.Outcome = analytics.OutcomeTerminated
		if imm := terminate.GetImmediateResponse(); imm != nil {
			event.StatusCode = int(imm.GetStatus().GetCode())
		}
	}
	metrics.RequestDurationSeconds.WithLabelValues(c.authority).Observe(event.ResponseTime.Sub(event.RequestTime).Seconds())
	s.publisher.Publish(event)
}

func classify(ops []engine.PendingOperation) (send *engine.IndexedRpcRequest, done bool, die *engine.RpcErrorResponse) {
	for _, op := range ops {
		switch op.Kind {
		case engine.OpSendRpc:
			send = op.SendRpc
		case engine.OpDie:
			die = op.Die
		case engine.OpDone:
			done = true
		}
	}
	return
}

func attributesFromHeaders(headers *extprocv3.HttpHeaders) engine.RequestAttributes {
	attrs := engine.RequestAttributes{Headers: make(map[string][]string)}
	if headers == nil || headers.Headers == nil {
		return attrs
	}
	for _, h := range headers.Headers.GetHeaders() {
		value := h.GetValue()
		if value == "" && len(h.GetRawValue()) > 0 {
			value = string(h.GetRawValue())
		}
		attrs.Headers[h.GetKey()] = append(attrs.Headers[h.GetKey()], value)
		switch h.GetKey() {
		case ":authority":
			attrs.Authority = engine.AuthorityHost(value)
		case ":method":
			attrs.Method = value
		case ":path":
			attrs.Path = value
		}
	}
	return attrs
}

func continueHeadersResponse(headers []engine.HeaderEntry) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{
					HeaderMutation: headerMutation(headers),
				},
			},
		},
	}
}

func immediateResponse(die *engine.RpcErrorResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(die.StatusCode)},
				Headers: headerMutation(die.Headers),
				Body:    die.Body,
			},
		},
	}
}

func headerMutation(entries []engine.HeaderEntry) *extprocv3.HeaderMutation {
	if len(entries) == 0 {
		return nil
	}
	opts := make([]*corev3.HeaderValueOption, 0, len(entries))
	for _, e := range entries {
		opts = append(opts, &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{Key: e.Name, RawValue: []byte(e.Value)},
		})
	}
	return &extprocv3.HeaderMutation{SetHeaders: opts}
}

// skipAllProcessing tells Envoy to stop invoking this filter for the
// rest of the request/response cycle: no action set matched the
// authority, so there is nothing more for the engine to do.
func skipAllProcessing() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		},
		ModeOverride: &extprocconfigv3.ProcessingMode{
			ResponseHeaderMode:  extprocconfigv3.ProcessingMode_SKIP,
			RequestTrailerMode:  extprocconfigv3.ProcessingMode_SKIP,
			ResponseTrailerMode: extprocconfigv3.ProcessingMode_SKIP,
			RequestBodyMode:     extprocconfigv3.ProcessingMode_NONE,
			ResponseBodyMode:    extprocconfigv3.ProcessingMode_NONE,
		},
	}
}
