package api

import (
	"net/http"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /events/stream", s.HandleStream)
	mux.HandleFunc("POST /realtime/auth", s.HandlePushAuth)
	mux.HandleFunc("POST /api/emit", s.HandleEmit)
	mux.HandleFunc("GET /api/inbox", s.HandleInbox)
	mux.HandleFunc("POST /api/inbox/read", s.HandleInboxRead)
	mux.HandleFunc("GET /health", s.HandleHealth)
}
