// Package api is the thin HTTP front door over the governance pipeline. It
// deserializes caller input into (task, role, data), resolves the role claim,
// and returns the orchestrator's aggregated result. All policy decisions
// happen inside the pipeline, not here.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copilotgov/backend/internal/broker"
	"github.com/copilotgov/backend/internal/config"
	"github.com/copilotgov/backend/internal/directory"
	"github.com/copilotgov/backend/internal/envelope"
	"github.com/copilotgov/backend/internal/orchestrator"
	"github.com/copilotgov/backend/internal/policy"
)

// Server wires the REST surface.
type Server struct {
	orch   *orchestrator.Orchestrator
	broker *broker.Broker
	gate   *policy.RoleGate
	docs   *directory.DocumentStore
	trail  trailSource
	keys   *keyResolver
	cfg    config.ServerConfig
	logger *log.Logger
}

// NewServer builds the front door.
func NewServer(orch *orchestrator.Orchestrator, b *broker.Broker, gate *policy.RoleGate, docs *directory.DocumentStore, trail trailSource, cfg *config.Config) *Server {
	return &Server{
		orch:   orch,
		broker: b,
		gate:   gate,
		docs:   docs,
		trail:  trail,
		keys:   newKeyResolver(cfg.Security.APIKeys),
		cfg:    cfg.Server,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the mux router with middleware applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	limiter := newIPRateLimiter(s.cfg.RequestsPerMinute, s.cfg.BurstSize)
	r.Use(corsMiddleware)
	r.Use(securityHeaders)
	r.Use(limiter.middleware)

	r.HandleFunc("/api/tasks", s.handleTask).Methods("POST")
	r.HandleFunc("/api/documents", s.handleUploadDocument).Methods("POST")
	r.HandleFunc("/api/audit", s.handleAudit).Methods("GET")
	r.HandleFunc("/api/audit/stream", s.handleAuditStream).Methods("GET")
	r.HandleFunc("/api/inbox/{recipient}", s.handleInbox).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start blocks serving HTTP on the configured port.
func (s *Server) Start() error {
	addr := ":" + s.cfg.Port
	s.logger.Printf("🚀 Copilot governance API listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

type taskRequest struct {
	Task string                 `json:"task"`
	Role string                 `json:"role,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	role, err := s.keys.resolveRole(r, req.Role)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	result := s.orch.Handle(r.Context(), req.Task, role, req.Data)
	writeJSON(w, statusFor(result), result)
}

// statusFor maps pipeline outcomes onto HTTP statuses. Terminal control
// denials are client errors; throttling asks for backoff.
func statusFor(res *orchestrator.Result) int {
	switch res.ReasonCode {
	case orchestrator.ReasonPolicyBlocked:
		return http.StatusForbidden
	case orchestrator.ReasonUnauthorized:
		return http.StatusForbidden
	case orchestrator.ReasonSignatureInvalid:
		return http.StatusUnauthorized
	case orchestrator.ReasonThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

type uploadRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	role, err := s.keys.resolveRole(r, req.Role)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	if err := s.gate.Authorize(role, "upload_policy"); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	s.docs.Upload(req.Name, req.Content)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "uploaded",
		"name":   req.Name,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.trail.Recent(),
	})
}

// handleInbox drains a recipient's mailbox. Diagnostic surface for demos;
// real workers pull through the broker directly.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	recipient := mux.Vars(r)["recipient"]
	messages := s.broker.DequeueAll(recipient)
	if messages == nil {
		messages = []envelope.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recipient":     recipient,
		"message_count": len(messages),
		"messages":      messages,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "copilot-governance",
		"env":       s.cfg.Env,
		"broker":    s.broker.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
