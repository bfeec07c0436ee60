package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/examforge/vmlab-control-plane/internal/auth"
	"github.com/examforge/vmlab-control-plane/internal/proxmox"
	"github.com/examforge/vmlab-control-plane/internal/session"
)

type sessionStartRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	userID := req.UserID
	if uid, ok := auth.UserIDFromContext(r.Context()); ok {
		userID = uid
	}
	if userID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	sess, err := s.manager.StartSession(r.Context(), userID)
	if err != nil {
		log.Printf("event=session_start_failed user_id=%s err=%q", userID, err.Error())
		writeError(w, err)
		return
	}

	vmIDs := make(map[string]int, len(sess.Slots))
	for _, slot := range sess.Slots {
		vmIDs[slot.Role] = slot.VMID
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"vmIds":     vmIDs,
		"message":   fmt.Sprintf("session started with %d VMs", len(sess.Slots)),
	})
}

func (s *Server) handleControlVM(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	role := chi.URLParam(r, "role")
	action, ok := session.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "action must be start or stop")
		return
	}

	done, err := s.manager.ControlVM(r.Context(), sessionID, role, action)
	if err != nil {
		writeError(w, err)
		return
	}
	if !done {
		writeAPIError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("hypervisor rejected %s for role %s", action, role))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%s issued for %s", action, role),
	})
}

func (s *Server) handleVMStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.GetVMStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	statuses, err := s.manager.GetSessionStatus(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make(map[string]any, len(statuses)+1)
	resp["sessionId"] = sessionID
	for role, status := range statuses {
		resp[role] = status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	desc, err := s.broker.GetConsoleURL(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	failed, err := s.manager.EndSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "session ended"
	if len(failed) > 0 {
		msg = fmt.Sprintf("session ended, %d VM delete(s) failed", len(failed))
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	count := s.manager.SweepExpiredSessions(r.Context(), s.cfg.SessionMaxAge)
	writeJSON(w, http.StatusOK, map[string]any{"cleanedSessions": count})
}

// writeError maps the session error taxonomy onto gateway responses.
func writeError(w http.ResponseWriter, err error) {
	var ue *proxmox.UpstreamError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeAPIError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, session.ErrVMNotFound):
		writeAPIError(w, http.StatusNotFound, "vm_not_found", "hypervisor has no record of this VM")
	case errors.Is(err, session.ErrUnknownRole):
		writeAPIError(w, http.StatusBadRequest, "unknown_role", "role is not part of this session")
	case errors.As(err, &ue):
		writeAPIError(w, http.StatusBadGateway, "upstream_error", ue.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
