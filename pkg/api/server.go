package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/inbox"
	"github.com/nexushq/relay/pkg/log"
	"github.com/nexushq/relay/pkg/publisher"
	"github.com/nexushq/relay/pkg/push"
	"github.com/nexushq/relay/pkg/realtime"
	"github.com/nexushq/relay/pkg/transport"
)

// Identity headers set by the authenticating front proxy. Session resolution
// itself is outside this service; by the time a request arrives here the
// surrounding application has already authenticated it and stamped these.
const (
	HeaderTenant  = "X-Relay-Tenant"
	HeaderUser    = "X-Relay-User"
	HeaderAdmin   = "X-Relay-Admin"
	HeaderSession = "X-Relay-Session"
)

// IdentityFunc resolves the authenticated caller of a request. It returns
// the identity plus an opaque session id used to scope push tokens.
type IdentityFunc func(r *http.Request) (channel.Identity, string, error)

// HeaderIdentity resolves identity from the front-proxy headers.
func HeaderIdentity(r *http.Request) (channel.Identity, string, error) {
	tenant, err := strconv.ParseInt(r.Header.Get(HeaderTenant), 10, 64)
	if err != nil {
		return channel.Identity{}, "", channel.ErrDenied
	}
	user, err := strconv.ParseInt(r.Header.Get(HeaderUser), 10, 64)
	if err != nil {
		return channel.Identity{}, "", channel.ErrDenied
	}
	who := channel.Identity{
		TenantID: tenant,
		UserID:   user,
		Admin:    r.Header.Get(HeaderAdmin) == "true",
	}
	return who, r.Header.Get(HeaderSession), nil
}

// Server wires the delivery endpoints: the streaming fallback, the push
// subscription auth endpoint, the internal publish API and the inbox reader.
type Server struct {
	hub       *realtime.Hub
	publisher *publisher.Publisher
	bridge    *push.Bridge // nil when the stream transport is active
	store     *inbox.Store // nil when the inbox is disabled
	kind      transport.Kind
	identity  IdentityFunc
	logger    *log.Logger

	// Tunables are hot-reloadable; new values apply to new connections.
	mu        sync.RWMutex
	heartbeat time.Duration
	idle      time.Duration
}

func NewServer(cfg *config.Config, hub *realtime.Hub, pub *publisher.Publisher, tr transport.Transport, store *inbox.Store) *Server {
	return &Server{
		hub:       hub,
		publisher: pub,
		bridge:    transport.Bridge(tr),
		store:     store,
		kind:      tr.Kind(),
		identity:  HeaderIdentity,
		logger:    log.ForComponent("api"),
		heartbeat: cfg.HeartbeatInterval.Duration,
		idle:      cfg.IdleTimeout.Duration,
	}
}

// SetIdentityFunc replaces the identity resolver (tests, embedded use).
func (s *Server) SetIdentityFunc(fn IdentityFunc) {
	s.identity = fn
}

// SetTunables applies reloaded heartbeat/idle intervals. Open connections
// keep the values they started with.
func (s *Server) SetTunables(heartbeat, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if heartbeat > 0 {
		s.heartbeat = heartbeat
	}
	if idle > 0 {
		s.idle = idle
	}
}

func (s *Server) tunables() (heartbeat, idle time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeat, s.idle
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: error, Message: message})
}

// denySubscription is the single rejection path for authorization failures.
// It leaks nothing about whether the requested channel exists.
func (s *Server) denySubscription(w http.ResponseWriter) {
	s.writeError(w, http.StatusForbidden, "Forbidden", "subscription denied")
}
