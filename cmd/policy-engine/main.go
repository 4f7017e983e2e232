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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/go-viper/mapstructure/v2"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"

	"github.com/meshguard/policy-engine/internal/admin"
	"github.com/meshguard/policy-engine/internal/analytics"
	"github.com/meshguard/policy-engine/internal/config"
	"github.com/meshguard/policy-engine/internal/constants"
	"github.com/meshguard/policy-engine/internal/engine"
	"github.com/meshguard/policy-engine/internal/engine/configload"
	"github.com/meshguard/policy-engine/internal/host"
	"github.com/meshguard/policy-engine/internal/host/extproc"
	"github.com/meshguard/policy-engine/internal/metrics"
	"github.com/meshguard/policy-engine/internal/predicate"
	"github.com/meshguard/policy-engine/internal/rpcclient"
	"github.com/meshguard/policy-engine/internal/tracing"
	"github.com/meshguard/policy-engine/internal/xdsclient"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	configFile       = flag.String("config", "", "Path to configuration file (required)")
	policyChainsFile = flag.String("policy-chains-file", "", "Path to the action-set snapshot file (enables file mode)")
	xdsServerAddr    = flag.String("xds-server", "", "xDS server address (e.g., localhost:18000)")
	xdsNodeID        = flag.String("xds-node-id", "", "xDS node identifier")
)

func main() {
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -config <path-to-config.toml>\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	// Must run before any metric is first touched, so registration
	// no-ops consistently when metrics are disabled.
	metrics.SetEnabled(cfg.PolicyEngine.Metrics.Enabled)
	metrics.Init()

	applyFlagOverrides(cfg)

	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	slog.InfoContext(ctx, "policy engine starting",
		"version", Version,
		"git_commit", GitCommit,
		"build_date", BuildDate,
		"config_file", *configFile,
		"config_mode", cfg.PolicyEngine.ConfigMode.Mode,
		"server_mode", cfg.PolicyEngine.Server.Mode)

	tracingShutdown, err := tracing.InitTracer(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer tracingShutdown()

	serviceName := cfg.PolicyEngine.TracingServiceName
	if serviceName == "" {
		serviceName = "policy-engine"
	}
	tracer := otel.Tracer(serviceName)

	evaluator, err := predicate.NewEvaluator()
	if err != nil {
		slog.ErrorContext(ctx, "failed to create predicate evaluator", "error", err)
		os.Exit(1)
	}

	store := host.NewStore(&host.Snapshot{Index: engine.NewActionSetIndex(nil)})

	var xdsClient *xdsclient.Client
	bgCtx, bgCancel := context.WithCancel(ctx)
	switch cfg.PolicyEngine.ConfigMode.Mode {
	case "xds":
		xdsClient, err = startXDSClient(bgCtx, cfg, evaluator, store)
		if err != nil {
			slog.ErrorContext(ctx, "failed to start xds client", "error", err)
			bgCancel()
			os.Exit(1)
		}
		slog.InfoContext(ctx, "xds client started", "server", cfg.PolicyEngine.XDS.ServerAddress)

	case "file":
		if err := loadFileConfig(cfg, evaluator, store); err != nil {
			slog.ErrorContext(ctx, "failed to load file configuration", "error", err)
			bgCancel()
			os.Exit(1)
		}
		slog.InfoContext(ctx, "file configuration loaded", "path", cfg.PolicyEngine.FileConfig.Path)

	default:
		slog.ErrorContext(ctx, "invalid config mode", "mode", cfg.PolicyEngine.ConfigMode.Mode)
		bgCancel()
		os.Exit(1)
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build analytics publisher", "error", err)
		bgCancel()
		os.Exit(1)
	}

	extprocServer := extproc.NewServer(store, tracer, publisher)

	var lis net.Listener
	uds := cfg.PolicyEngine.Server.Mode == "" || cfg.PolicyEngine.Server.Mode == "uds"
	if uds {
		socketPath := constants.DefaultPolicyEngineSocketPath
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "failed to remove existing socket file", "path", socketPath, "error", err)
		}
		lis, err = net.Listen("unix", socketPath)
		if err != nil {
			slog.ErrorContext(ctx, "failed to listen on unix socket", "path", socketPath, "error", err)
			os.Exit(1)
		}
		if err := os.Chmod(socketPath, 0660); err != nil {
			slog.WarnContext(ctx, "failed to set socket permissions", "path", socketPath, "error", err)
		}
		slog.InfoContext(ctx, "policy engine listening on unix socket", "path", socketPath)
	} else {
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.PolicyEngine.Server.ExtProcPort))
		if err != nil {
			slog.ErrorContext(ctx, "failed to listen on port", "port", cfg.PolicyEngine.Server.ExtProcPort, "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "policy engine listening on tcp port", "port", cfg.PolicyEngine.Server.ExtProcPort)
	}

	grpcServer := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(grpcServer, extprocServer)

	var adminServer *admin.Server
	if cfg.PolicyEngine.Admin.Enabled {
		adminServer = admin.NewServer(&cfg.PolicyEngine.Admin, store)
		go func() {
			if err := adminServer.Start(); err != nil {
				slog.ErrorContext(ctx, "admin server error", "error", err)
			}
		}()
	}

	var metricsServer *metrics.Server
	if cfg.PolicyEngine.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.PolicyEngine.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				slog.ErrorContext(ctx, "metrics server error", "error", err)
			}
		}()
		go startMemoryMetricsUpdater(bgCtx, 15*time.Second)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case sig := <-sigChan:
		slog.InfoContext(ctx, "received signal, shutting down gracefully", "signal", sig)
	case err := <-serverErrCh:
		slog.ErrorContext(ctx, "server error", "error", err)
	}

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "error stopping admin server", "error", err)
		}
		cancel()
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "error stopping metrics server", "error", err)
		}
		cancel()
	}

	bgCancel()
	if xdsClient != nil {
		slog.InfoContext(ctx, "stopping xds client")
		if err := xdsClient.Close(); err != nil {
			slog.WarnContext(ctx, "error closing xds client", "error", err)
		}
	}

	grpcServer.GracefulStop()

	if uds {
		if err := os.Remove(constants.DefaultPolicyEngineSocketPath); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "failed to cleanup socket file on shutdown",
				"path", constants.DefaultPolicyEngineSocketPath, "error", err)
		}
	}

	slog.InfoContext(ctx, "policy engine shut down successfully")
}

func applyFlagOverrides(cfg *config.Config) {
	if *policyChainsFile != "" {
		cfg.PolicyEngine.ConfigMode.Mode = "file"
		cfg.PolicyEngine.FileConfig.Path = *policyChainsFile
		cfg.PolicyEngine.XDS.Enabled = false
	}
	if *xdsServerAddr != "" {
		cfg.PolicyEngine.XDS.ServerAddress = *xdsServerAddr
	}
	if *xdsNodeID != "" {
		cfg.PolicyEngine.XDS.NodeID = *xdsNodeID
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.PolicyEngine.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.PolicyEngine.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// loadFileConfig builds the engine's service list and action set index
// from the static snapshot file and installs a dispatcher dialed for
// those services, replacing whatever store currently holds in one swap.
func loadFileConfig(cfg *config.Config, evaluator *predicate.Evaluator, store *host.Store) error {
	services, idx, err := configload.LoadFromFile(cfg.PolicyEngine.FileConfig.Path, evaluator)
	if err != nil {
		return err
	}
	dispatcher, err := rpcclient.NewDispatcher(services)
	if err != nil {
		return fmt.Errorf("failed to build dispatcher: %w", err)
	}
	store.Swap(&host.Snapshot{Services: services, Index: idx, Dispatcher: dispatcher})
	return nil
}

// startXDSClient opens the ADS stream and installs a handler that
// rebuilds the engine objects and dials a fresh dispatcher for every
// pushed snapshot, swapping store as a unit so an in-flight request
// never observes a half-updated index/dispatcher pair. The client
// reconnects with the configured backoff until ctx is canceled,
// mirroring the teacher's reconnect-at-the-caller-loop style.
func startXDSClient(ctx context.Context, cfg *config.Config, evaluator *predicate.Evaluator, store *host.Store) (*xdsclient.Client, error) {
	handler := func(snapshot configload.Snapshot) {
		services, idx, err := configload.Build(snapshot, evaluator)
		if err != nil {
			slog.ErrorContext(ctx, "rejected xds snapshot", "error", err)
			metrics.XDSUpdatesTotal.WithLabelValues("rejected", "snapshot").Inc()
			return
		}
		dispatcher, err := rpcclient.NewDispatcher(services)
		if err != nil {
			slog.ErrorContext(ctx, "failed to dial services from xds snapshot", "error", err)
			metrics.XDSUpdatesTotal.WithLabelValues("rejected", "snapshot").Inc()
			return
		}
		store.Swap(&host.Snapshot{Services: services, Index: idx, Dispatcher: dispatcher})
		metrics.XDSUpdatesTotal.WithLabelValues("accepted", "snapshot").Inc()
		metrics.ActionSetsLoaded.WithLabelValues("xds").Set(float64(len(snapshot.ActionSets)))
	}

	client, err := xdsclient.NewClient(cfg.PolicyEngine.XDS.ServerAddress, cfg.PolicyEngine.XDS.NodeID, handler)
	if err != nil {
		return nil, err
	}

	go runXDSClientWithReconnect(ctx, client, cfg.PolicyEngine.XDS.InitialReconnectDelay, cfg.PolicyEngine.XDS.MaxReconnectDelay)
	return client, nil
}

func runXDSClientWithReconnect(ctx context.Context, client *xdsclient.Client, initialDelay, maxDelay time.Duration) {
	delay := initialDelay
	for {
		metrics.XDSConnectionState.WithLabelValues("connected").Set(1)
		err := client.Run(ctx)
		metrics.XDSConnectionState.WithLabelValues("connected").Set(0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "xds stream closed, reconnecting", "error", err, "delay", delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func startMemoryMetricsUpdater(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateMemoryMetrics()
		}
	}
}

// buildPublisher selects the configured analytics publisher. Only the
// first enabled publisher is used; the schema allows a list because
// config_mode.mode=xds deployments sometimes carry a disabled placeholder
// entry alongside the active one.
func buildPublisher(cfg *config.Config) (analytics.Publisher, error) {
	if !cfg.Analytics.Enabled {
		return analytics.NoopPublisher{}, nil
	}
	for _, pub := range cfg.Analytics.Publishers {
		if !pub.Enabled {
			continue
		}
		switch pub.Type {
		case "moesif":
			var moesifCfg analytics.MoesifConfig
			if err := mapstructure.Decode(pub.Settings, &moesifCfg); err != nil {
				return nil, fmt.Errorf("failed to decode moesif publisher settings: %w", err)
			}
			return analytics.NewMoesifPublisher(moesifCfg), nil
		default:
			return nil, fmt.Errorf("unknown publisher type: %s", pub.Type)
		}
	}
	return analytics.NoopPublisher{}, nil
}
