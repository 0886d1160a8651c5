package api

import (
	"time"

	"github.com/nexushq/relay/pkg/inbox"
	"github.com/nexushq/relay/pkg/push"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// EmitRequest is the internal publish API body, consumed by domain services.
type EmitRequest struct {
	TenantID  int64          `json:"tenant_id"`
	UserID    int64          `json:"user_id,omitempty"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	Broadcast bool           `json:"broadcast,omitempty"`
}

// EmitResponse acknowledges acceptance, not delivery: emission is
// fire-and-forget.
type EmitResponse struct {
	Status string `json:"status"`
}

// PushAuthRequest asks for a subscription token for exactly one channel.
type PushAuthRequest struct {
	Channel string `json:"channel"`
}

type PushAuthResponse struct {
	Token *push.SubscriptionToken `json:"token"`
}

type InboxResponse struct {
	Notifications []inbox.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
	Count         int                  `json:"count"`
}

type InboxReadRequest struct {
	ID int64 `json:"id"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Transport   string    `json:"transport"`
	Connections int       `json:"connections"`
}
