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

package constants

const (
	ExtProcFilterName = "meshguard.policy_engine.envoy.filters.http.ext_proc"
	ExtProcFilter     = "envoy.filters.http.ext_proc"

	// DefaultPolicyEngineSocketPath is the UDS path the ext_proc filter
	// connects to when no explicit endpoint is configured.
	DefaultPolicyEngineSocketPath = "/var/run/policy-engine.sock"

	// Tracing span names, one per ext_proc phase and per dispatched RPC.
	SpanFilterMatching       = "engine.filter_matching"
	SpanRequestHeaders       = "engine.process_request_headers"
	SpanResponseHeaders      = "engine.process_response_headers"
	SpanActionDispatch       = "engine.action_dispatch"
	SpanActionDispatchFormat = "engine.action_dispatch.%s"

	// Tracing attributes
	AttrAuthority             = "authority"
	AttrMethod                = "method"
	AttrPath                  = "path"
	AttrActionSetName         = "action_set.name"
	AttrActionCount           = "action_set.action_count"
	AttrError                 = "error"
	AttrErrorReasonNoMatch    = "no_action_set_matched"
	AttrServiceName           = "service.name"
	AttrServiceKind           = "service.kind"
	AttrFailureMode           = "service.failure_mode"
	AttrDispatchOutcome       = "dispatch.outcome"
	AttrDispatchDurationNS    = "dispatch.duration_ns"
	AttrTerminated            = "terminated"
	AttrTerminatedByService   = "terminated_by"
	AttrTerminatedStatusCode  = "terminated.status_code"
)