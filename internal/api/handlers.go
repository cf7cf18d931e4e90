// Package api provides HTTP handlers for RetainAI endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Retain-ap/retainai-app/internal/engine"
	"github.com/Retain-ap/retainai-app/internal/models"
)

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	flows, err := s.st.GetFlows(owner)
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to load flows", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flows"))
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	flow.Owner = owner
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	// Flows never auto-activate on creation.
	flow.Enabled = false
	if err := flow.Validate(); err != nil {
		slog.Warn("Server.createFlowHandler: validation failed", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveFlow(owner, flow); err != nil {
		slog.Error("Server.createFlowHandler: failed to save flow", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.createFlowHandler: flow created", "owner", owner, "flow_id", flow.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(flow))
}

func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	existing, err := s.st.GetFlow(owner, id)
	if err != nil {
		slog.Error("Server.updateFlowHandler: failed to load flow", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	// Partial update: unmarshal the patch over the stored definition so
	// absent fields keep their values.
	updated := *existing
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		slog.Warn("Server.updateFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	updated.ID = existing.ID
	updated.Owner = owner
	if err := updated.Validate(); err != nil {
		slog.Warn("Server.updateFlowHandler: validation failed", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveFlow(owner, updated); err != nil {
		slog.Error("Server.updateFlowHandler: failed to save flow", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}

func (s *Server) enableFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.enableFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	flow, err := s.st.GetFlow(owner, id)
	if err != nil {
		slog.Error("Server.enableFlowHandler: failed to load flow", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if flow == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	flow.Enabled = body.Enabled
	if err := s.st.SaveFlow(owner, *flow); err != nil {
		slog.Error("Server.enableFlowHandler: failed to save flow", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.enableFlowHandler: flow toggled", "owner", owner, "flow_id", id, "enabled", body.Enabled)
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	flow, err := s.st.GetFlow(owner, id)
	if err != nil {
		slog.Error("Server.deleteFlowHandler: failed to load flow", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load flow"))
		return
	}
	if flow == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	// DeleteFlow cascades run state cleanup for the flow.
	if err := s.st.DeleteFlow(owner, id); err != nil {
		slog.Error("Server.deleteFlowHandler: failed to delete flow", "error", err, "owner", owner, "flow_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete flow"))
		return
	}
	slog.Info("Server.deleteFlowHandler: flow deleted", "owner", owner, "flow_id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deleted", nil))
}

func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(StarterFlows()))
}

func (s *Server) testFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req models.FlowTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.testFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	result, err := s.eng.RunTest(ctx, owner, req)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrFlowNotFound), errors.Is(err, engine.ErrLeadNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		case errors.Is(err, models.ErrInvalidTestMode),
			errors.Is(err, models.ErrMissingTestFlow),
			errors.Is(err, models.ErrMissingTestLead):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		case models.IsValidationError(err):
			// Validation failures on an inline flow definition are client errors.
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.testFlowHandler: test run failed", "error", err, "owner", owner)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Test run failed"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	profile, err := s.st.GetProfile(owner)
	if err != nil {
		slog.Error("Server.getProfileHandler: failed to load profile", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return
	}
	if profile == nil {
		profile = &models.Profile{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

func (s *Server) saveProfileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var profile models.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		slog.Warn("Server.saveProfileHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := profile.Validate(); err != nil {
		slog.Warn("Server.saveProfileHandler: validation failed", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveProfile(owner, profile); err != nil {
		slog.Error("Server.saveProfileHandler: failed to save profile", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save profile"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	notifs, err := s.st.GetNotifications(owner)
	if err != nil {
		slog.Error("Server.notificationsHandler: failed to load notifications", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load notifications"))
		return
	}
	if notifs == nil {
		notifs = []models.Notification{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(notifs))
}
