package admin

import (
	"encoding/json"
	"net/http"

	"github.com/meshguard/policy-engine/internal/engine"
)

// StateProvider exposes the engine's current, hot-swappable
// configuration snapshot. Implemented by host.Store, which owns the live
// *engine.ActionSetIndex pointer in both file and xds mode.
type StateProvider interface {
	Current() ([]*engine.Service, *engine.ActionSetIndex)
}

// ConfigDumpHandler handles GET /config_dump requests
type ConfigDumpHandler struct {
	state StateProvider
}

// NewConfigDumpHandler creates a new config dump handler
func NewConfigDumpHandler(state StateProvider) *ConfigDumpHandler {
	return &ConfigDumpHandler{state: state}
}

// ServeHTTP implements http.Handler
func (h *ConfigDumpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only allow GET requests
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services, idx := h.state.Current()
	dump := DumpConfig(services, idx)

	// Set response headers
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// Encode and send response
	if err := json.NewEncoder(w).Encode(dump); err != nil {
		// If we already sent headers, we can't send an error response
		// Just log the error (logger not available here, so silent failure)
		return
	}
}
