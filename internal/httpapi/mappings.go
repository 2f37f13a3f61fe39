package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbrandolli/tandem/internal/mapping"
	"github.com/mbrandolli/tandem/internal/task"
)

type channelMappingRequest struct {
	Transport string `json:"transport"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

type channelMappingResponse struct {
	ChannelID string    `json:"channel_id"`
	Transport string    `json:"transport"`
	SessionID string    `json:"session_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toMappingResponse(cm mapping.ChannelMapping) channelMappingResponse {
	return channelMappingResponse{
		ChannelID: cm.ChannelID,
		Transport: cm.Transport,
		SessionID: cm.SessionID,
		ProjectID: cm.ProjectID,
		CreatedBy: cm.CreatedBy,
		CreatedAt: cm.CreatedAt,
	}
}

func (s *Server) handleGetChannelMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cm, err := s.mapper.GetChannelMapping(r.Context(), id)
	if errors.Is(err, mapping.ErrNotFound) {
		respondError(w, http.StatusNotFound, "mapping_not_found", "no mapping for channel "+id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toMappingResponse(cm))
}

// handleSaveChannelMapping creates or updates a channel mapping. Posting a
// known session id resumes that session from this channel.
func (s *Server) handleSaveChannelMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req channelMappingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Transport) == "" {
		req.Transport = "web"
	}

	cm := mapping.ChannelMapping{
		ChannelID: id,
		Transport: req.Transport,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		CreatedBy: req.CreatedBy,
	}
	if err := s.mapper.SaveChannelMapping(r.Context(), cm); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	saved, err := s.mapper.GetChannelMapping(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toMappingResponse(saved))
}

func (s *Server) handleFindLiveChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	transport := strings.TrimSpace(r.URL.Query().Get("transport"))
	if transport == "" {
		respondError(w, http.StatusBadRequest, "missing_transport", "query parameter transport is required")
		return
	}
	check, ok := s.existence[transport]
	if !ok {
		// Without a liveness probe every stored mapping counts as live.
		check = func(ctx context.Context, channelID string) (bool, error) { return true, nil }
	}

	cm, err := s.mapper.FindLiveChannelForSession(r.Context(), sessionID, transport, check)
	if errors.Is(err, mapping.ErrNotFound) {
		respondError(w, http.StatusNotFound, "channel_not_found", "no live channel for session "+sessionID)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toMappingResponse(cm))
}

// handleGetTask answers late status queries. The registry keeps terminal
// records around for the GC delay exactly so this endpoint can see them.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	rec, err := s.exec.Registry().Get(sessionID)
	if errors.Is(err, task.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task_not_found", "no task for session "+sessionID)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id":    rec.ID,
		"session_id": rec.SessionID,
		"status":     rec.Status,
		"start_time": rec.StartTime,
		"error":      rec.Error,
		"events":     len(rec.Results),
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !s.exec.Cancel(sessionID) {
		respondError(w, http.StatusConflict, "nothing_running", "no running task for session "+sessionID)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"status":     task.StatusCancelled,
	})
}
