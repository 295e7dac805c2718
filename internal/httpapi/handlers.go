// Package httpapi bundles the relay's operational HTTP endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"lockstep/relay/internal/logging"
)

// StatusProvider exposes the server state surfaced on the ops endpoints.
type StatusProvider interface {
	Uptime() time.Duration
	ClientCount() int
	InstanceFrames() map[string]uint32
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger *logging.Logger
	status StatusProvider
}

// NewHandlerSet constructs a HandlerSet using the provided dependencies.
func NewHandlerSet(logger *logging.Logger, status StatusProvider) *HandlerSet {
	if logger == nil {
		logger = logging.L()
	}
	return &HandlerSet{logger: logger, status: status}
}

// Register attaches the handlers to the mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/api/status", h.handleStatus)
}

func (h *HandlerSet) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HandlerSet) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *HandlerSet) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	payload := struct {
		UptimeSeconds  float64           `json:"uptime_seconds"`
		Clients        int               `json:"clients"`
		InstanceFrames map[string]uint32 `json:"instance_frames"`
	}{
		UptimeSeconds:  h.status.Uptime().Seconds(),
		Clients:        h.status.ClientCount(),
		InstanceFrames: h.status.InstanceFrames(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("status encode failed", logging.Error(err))
	}
}
