package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/version"
)

// HandleEmit is the internal publish API used by domain services. It is
// fire-and-forget: a well-formed request is always accepted, whatever happens
// to delivery afterwards.
func (s *Server) HandleEmit(w http.ResponseWriter, r *http.Request) {
	var req EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if req.TenantID <= 0 || (!req.Broadcast && req.UserID <= 0) {
		s.writeError(w, http.StatusBadRequest, "Invalid request", "tenant_id and user_id are required")
		return
	}

	if req.Broadcast {
		s.publisher.EmitBroadcast(r.Context(), req.TenantID, req.Event, req.Payload)
	} else {
		s.publisher.Emit(r.Context(), req.TenantID, req.UserID, req.Event, req.Payload)
	}
	s.writeJSON(w, http.StatusAccepted, EmitResponse{Status: "accepted"})
}

// HandlePushAuth issues a broker subscription token for exactly one channel,
// scoped to the caller's session.
func (s *Server) HandlePushAuth(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		s.writeError(w, http.StatusConflict, "Unavailable", "push transport is not active")
		return
	}

	who, session, err := s.identity(r)
	if err != nil {
		s.denySubscription(w)
		return
	}

	var req PushAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	token, err := s.bridge.Signer().Authorize(who, channel.ID(req.Channel), session)
	if err != nil {
		s.denySubscription(w)
		return
	}
	s.writeJSON(w, http.StatusOK, PushAuthResponse{Token: token})
}

// HandleInbox returns the caller's recent in-app notifications.
func (s *Server) HandleInbox(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "Unavailable", "inbox is not enabled")
		return
	}
	who, _, err := s.identity(r)
	if err != nil {
		s.denySubscription(w)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	notifications, err := s.store.Recent(r.Context(), who.TenantID, who.UserID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read inbox", err.Error())
		return
	}
	unread, err := s.store.Unread(r.Context(), who.TenantID, who.UserID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read inbox", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, InboxResponse{
		Notifications: notifications,
		Unread:        unread,
		Count:         len(notifications),
	})
}

// HandleInboxRead marks one notification as read.
func (s *Server) HandleInboxRead(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "Unavailable", "inbox is not enabled")
		return
	}
	who, _, err := s.identity(r)
	if err != nil {
		s.denySubscription(w)
		return
	}

	var req InboxReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if err := s.store.MarkRead(r.Context(), who.TenantID, who.UserID, req.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to update inbox", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, EmitResponse{Status: "ok"})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Version:     version.APIVersion(),
		Transport:   string(s.kind),
		Connections: s.hub.Size(),
	})
}
