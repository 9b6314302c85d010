package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creditx/platform-core/internal/domain/agent"
)

type submitRequest struct {
	Input       json.RawMessage        `json:"input"`
	Context     map[string]interface{} `json:"context,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	RequesterID string                 `json:"requester_id,omitempty"`
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	configs := s.orch.ListAvailable(faceFromRequest(r))
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": configs})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage(`{}`)
	}

	t, err := s.orch.Submit(r.Context(), agentID, req.TenantID, req.RequesterID, faceFromRequest(r), req.Input, req.Context)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrAgentNotFound):
			respondError(w, http.StatusNotFound, "AGENT_NOT_FOUND", err.Error())
		case errors.Is(err, agent.ErrAccessDenied):
			respondError(w, http.StatusForbidden, "ACCESS_DENIED", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}

	resolved, err := s.orch.ResolveApproval(r.Context(), taskID, req.Approved, req.Note)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if !resolved {
		respondError(w, http.StatusNotFound, "NO_PENDING_APPROVAL", "no pending approval for task")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "approved": req.Approved})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]interface{}{"status": "healthy"}
	status := http.StatusOK

	if s.health.Cache != nil {
		h := s.health.Cache(ctx)
		out["cache"] = h
		if h.Status != "healthy" {
			out["status"] = "degraded"
		}
	}
	if s.health.Store != nil {
		h := s.health.Store(ctx)
		out["store"] = h
		if h.Status != "healthy" {
			out["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.health.Bus != nil {
		if err := s.health.Bus(ctx); err != nil {
			out["bus"] = map[string]string{"status": "unhealthy", "error": err.Error()}
			out["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			out["bus"] = map[string]string{"status": "healthy"}
		}
	}
	respondJSON(w, status, out)
}
