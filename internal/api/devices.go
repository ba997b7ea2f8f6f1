package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Broker        bool   `json:"broker_connected"`
	Instances     int    `json:"instances"`
	WSClients     int    `json:"ws_clients"`
}

// handleHealth reports liveness. Status is "degraded" while the broker is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Broker:        true,
		Instances:     len(s.runtime.Instances()),
		WSClients:     s.hub.ClientCount(),
	}
	if s.broker != nil && !s.broker() {
		resp.Status = "degraded"
		resp.Broker = false
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListProducers returns the references the factory can produce.
func (s *Server) handleListProducers(w http.ResponseWriter, _ *http.Request) {
	refs := s.runtime.Factory().Refs()
	writeJSON(w, http.StatusOK, map[string]any{"producers": refs, "count": len(refs)})
}

// handleListDevices returns the status of every visible instance.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.runtime.InfoPack().Devices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns the status and structure of one instance.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info := s.runtime.InfoPack()

	status, ok := info.Devices()[name]
	if !ok {
		writeNotFound(w, "device not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"status":    status,
		"structure": info.Structure()[name],
	})
}

// handleStructure returns the aggregate attribute tree.
func (s *Server) handleStructure(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.InfoPack().Structure())
}
