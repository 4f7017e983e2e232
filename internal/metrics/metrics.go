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

package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "policy_engine"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	RequestsTotal          CounterVec
	RequestDurationSeconds HistogramVec
	RequestErrorsTotal     CounterVec
	TerminationsTotal      CounterVec

	DispatchesTotal         CounterVec
	DispatchDurationSeconds HistogramVec
	DispatchFailuresTotal   CounterVec
	ActionsPerSet           GaugeVec

	ActionSetsLoaded GaugeVec
	XDSUpdatesTotal  CounterVec
	XDSConnectionState GaugeVec
	SnapshotSize     GaugeVec

	ActiveStreams             Gauge
	MatchDurationSeconds      HistogramVec

	Up                    Gauge
	GRPCConnectionsActive GaugeVec
	Goroutines            GaugeFunc
	MemoryBytes           GaugeVec

	StreamErrorsTotal        CounterVec
	ActionSetLookupFailuresTotal Counter
	PanicRecoveriesTotal     CounterVec
)

// init installs the noop implementations so that every metric variable
// is non-nil before Init runs; Init builds them again after SetEnabled.
func init() {
	initMetrics()
}

// initMetrics initializes all metric variables.
// This must be called after SetEnabled() to ensure proper noop behavior when disabled.
func initMetrics() {
	RequestsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed by the engine",
		},
		[]string{"phase", "authority"},
	)

	RequestDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of a full request cycle (Begin through Done/Dying) in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"authority"},
	)

	RequestErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of request processing errors",
		},
		[]string{"phase", "error_type"},
	)

	TerminationsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Total number of requests terminated with a direct response",
		},
		[]string{"action_set", "service", "status_code"},
	)

	DispatchesTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of RPCs dispatched to auth/rate-limit services",
		},
		[]string{"service", "kind", "status"},
	)

	DispatchDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of a single RPC dispatch in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"service", "kind"},
	)

	DispatchFailuresTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total number of RPC dispatch failures, by the failure_mode that handled them",
		},
		[]string{"service", "failure_mode"},
	)

	ActionsPerSet = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions_per_set",
			Help:      "Current number of actions in each loaded action set",
		},
		[]string{"action_set"},
	)

	ActionSetsLoaded = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "action_sets_loaded",
			Help:      "Number of action sets currently loaded",
		},
		[]string{"mode"},
	)

	XDSUpdatesTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "xds_updates_total",
			Help:      "Total number of xDS configuration updates",
		},
		[]string{"status", "type"},
	)

	XDSConnectionState = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "xds_connection_state",
			Help:      "Current xDS connection state (1=connected, 0=disconnected)",
		},
		[]string{"state"},
	)

	SnapshotSize = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size",
			Help:      "Size of received xDS snapshot resources",
		},
		[]string{"resource_type"},
	)

	ActiveStreams = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of active ext_proc streams",
		},
	)

	MatchDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Duration of action-set lookup and predicate evaluation in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
		},
		[]string{"phase"},
	)

	Up = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Policy engine liveness indicator (1=up, 0=down)",
		},
	)

	GRPCConnectionsActive = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_connections_active",
			Help:      "Number of active gRPC connections",
		},
		[]string{"type"},
	)

	Goroutines = newGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
		func() float64 {
			return float64(runtime.NumGoroutine())
		},
	)

	MemoryBytes = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	StreamErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total number of gRPC stream errors",
		},
		[]string{"error_type"},
	)

	ActionSetLookupFailuresTotal = newCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_set_lookup_failures_total",
			Help:      "Total number of requests with no matching action set",
		},
	)

	PanicRecoveriesTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panic_recoveries_total",
			Help:      "Total number of panic recoveries",
		},
		[]string{"component"},
	)
}

func registerCounterVec(v CounterVec) {
	if !Enabled {
		return
	}
	if wrapper, ok := v.(*counterVecWrapper); ok {
		if err := registry.Register(wrapper.CounterVec); err != nil {
			// Already registered or other error - ignore
		}
	}
}

func registerHistogramVec(v HistogramVec) {
	if !Enabled {
		return
	}
	if wrapper, ok := v.(*histogramVecWrapper); ok {
		if err := registry.Register(wrapper.HistogramVec); err != nil {
			// Already registered or other error - ignore
		}
	}
}

func registerGaugeVec(v GaugeVec) {
	if !Enabled {
		return
	}
	if wrapper, ok := v.(*gaugeVecWrapper); ok {
		if err := registry.Register(wrapper.GaugeVec); err != nil {
			// Already registered or other error - ignore
		}
	}
}

func registerGauge(v Gauge) {
	if !Enabled {
		return
	}
	if g, ok := v.(prometheus.Gauge); ok {
		if err := registry.Register(g); err != nil {
			// Already registered or other error - ignore
		}
	}
}

func registerCounter(v Counter) {
	if !Enabled {
		return
	}
	if c, ok := v.(prometheus.Counter); ok {
		if err := registry.Register(c); err != nil {
			// Already registered or other error - ignore
		}
	}
}

func registerGaugeFunc(v GaugeFunc) {
	if !Enabled || v == nil {
		return
	}
	if err := registry.Register(v); err != nil {
		// Already registered or other error - ignore
	}
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registerCounterVec(RequestsTotal)
	registerHistogramVec(RequestDurationSeconds)
	registerCounterVec(RequestErrorsTotal)
	registerCounterVec(TerminationsTotal)

	registerCounterVec(DispatchesTotal)
	registerHistogramVec(DispatchDurationSeconds)
	registerCounterVec(DispatchFailuresTotal)
	registerGaugeVec(ActionsPerSet)

	registerGaugeVec(ActionSetsLoaded)
	registerCounterVec(XDSUpdatesTotal)
	registerGaugeVec(XDSConnectionState)
	registerGaugeVec(SnapshotSize)

	registerGauge(ActiveStreams)
	registerHistogramVec(MatchDurationSeconds)

	registerGauge(Up)
	registerGaugeVec(GRPCConnectionsActive)
	registerGaugeFunc(Goroutines)
	registerGaugeVec(MemoryBytes)

	registerCounterVec(StreamErrorsTotal)
	registerCounter(ActionSetLookupFailuresTotal)
	registerCounterVec(PanicRecoveriesTotal)

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		// Initialize all metric variables first
		initMetrics()

		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// UpdateMemoryMetrics updates memory-related metrics
func UpdateMemoryMetrics() {
	if !Enabled {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryBytes.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryBytes.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryBytes.WithLabelValues("stack").Set(float64(m.StackInuse))
}
