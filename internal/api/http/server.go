package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/creditx/platform-core/internal/domain/agent"
	"github.com/creditx/platform-core/internal/domain/task"
	"github.com/creditx/platform-core/internal/infrastructure/cache"
	"github.com/creditx/platform-core/internal/infrastructure/postgres"
)

// Orchestrator is the application surface the handlers call.
type Orchestrator interface {
	Submit(ctx context.Context, agentID, tenantID, requesterID string, face agent.Face, input json.RawMessage, taskCtx map[string]interface{}) (*task.Task, error)
	ResolveApproval(ctx context.Context, taskID string, approved bool, note string) (bool, error)
	ListAvailable(face agent.Face) []*agent.Config
}

// Health probes for the readiness endpoint.
type Health struct {
	Cache func(ctx context.Context) cache.Health
	Store func(ctx context.Context) postgres.Health
	Bus   func(ctx context.Context) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	orch   Orchestrator
	health Health
}

func NewServer(orch Orchestrator, health Health) *Server {
	return &Server{orch: orch, health: health}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.listAgents)
			r.Post("/{agentId}/submit", s.submitTask)
		})
		r.Post("/tasks/{taskId}/approval", s.resolveApproval)
		r.Get("/health", s.healthCheck)
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func faceFromRequest(r *http.Request) agent.Face {
	switch agent.Face(r.Header.Get("X-Face")) {
	case agent.FaceConsumer:
		return agent.FaceConsumer
	case agent.FacePartner:
		return agent.FacePartner
	default:
		return agent.FaceInternal
	}
}
