package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/soyeahso/livechat/internal/resilience"
)

// HealthResponse is returned by the public health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse reports whether this node can serve connections.
type ReadyResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	Node        string         `json:"node"`
	Store       string         `json:"store"`
	Breaker     string         `json:"breaker,omitempty"`
	Connections int            `json:"connections"`
	Uptime      string         `json:"uptime,omitempty"`
	Stats       StatsSnapshot  `json:"stats"`
	Details     map[string]any `json:"details,omitempty"`
}

// handleHealth reports liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleReady pings the presence store. The node is unready only when the
// store is unreachable and the breaker has opened; a closed breaker means
// presence writes are still being attempted.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:      "ok",
		Version:     s.version,
		Node:        s.hub.Node(),
		Store:       "ok",
		Connections: s.clients.Count(),
		Stats:       s.orch.Stats().Snapshot(),
	}
	s.mu.Lock()
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	s.mu.Unlock()

	code := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		state := s.store.Breaker().State()
		resp.Breaker = state.String()
		if err := s.store.Ping(ctx); err != nil {
			resp.Store = "unreachable"
			resp.Status = "degraded"
			resp.Details = map[string]any{"error": err.Error()}
			if state == resilience.StateOpen {
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// RequestContext carries one inbound request frame.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Debug().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends the error to the acting connection only.
func (rc *RequestContext) RespondError(e *Error) {
	if err := rc.Client.RespondError(rc.Frame.ID, e.Shape()); err != nil {
		rc.Server.log.Debug().Err(err).Str("method", rc.Frame.Method).Msg("failed to send error response")
	}
}
