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

// Package admin serves a small HTTP surface for operational inspection:
// today, just /config_dump.
package admin

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/meshguard/policy-engine/internal/config"
)

// Server is the admin HTTP server.
type Server struct {
	cfg        *config.AdminConfig
	httpServer *http.Server
}

// NewServer builds the admin server, registering /config_dump behind the
// configured IP whitelist.
func NewServer(cfg *config.AdminConfig, state StateProvider) *Server {
	mux := http.NewServeMux()
	mux.Handle("/config_dump", ipWhitelistMiddleware(cfg.AllowedIPs, NewConfigDumpHandler(state)))

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:    portAddr(cfg.Port),
			Handler: mux,
		},
	}
}

// Start blocks serving until the server is stopped, returning nil on a
// graceful shutdown.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// ipWhitelistMiddleware rejects requests whose client IP is not in
// allowedIPs.
func ipWhitelistMiddleware(allowedIPs []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		if !isIPAllowed(clientIP, allowedIPs) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractClientIP resolves the caller's IP, preferring proxy-supplied
// headers over the raw connection address.
func extractClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isIPAllowed reports whether clientIP is present in allowedIPs, or
// allowedIPs grants universal access via "*" or "0.0.0.0/0".
func isIPAllowed(clientIP string, allowedIPs []string) bool {
	for _, allowed := range allowedIPs {
		if allowed == "*" || allowed == "0.0.0.0/0" {
			return true
		}
		if allowed == clientIP {
			return true
		}
	}
	return false
}
