package event

// Package event defines the closed taxonomy of realtime federation events and
// the transport-agnostic envelope they travel in. Every event delivered to a
// client, regardless of transport, is one Envelope. Payloads are plain JSON
// maps; no transport framing leaks into them.

import (
	"errors"
	"strconv"
	"time"
)

// Event name constants. This is a closed set: the publisher rejects anything
// else, and clients ignore names they do not recognize so that older clients
// survive new kinds.
const (
	Connected         = "connected"
	Heartbeat         = "heartbeat"
	NewMessage        = "federation.new-message"
	Transaction       = "federation.transaction"
	PartnershipUpdate = "federation.partnership-update"
	Activity          = "federation.activity"
	MemberJoined      = "federation.member-joined"
	Reconnect         = "reconnect"
)

// ErrInvalidKind is returned when an event name is outside the taxonomy.
// Publishers log it and swallow it; it never reaches a domain caller.
var ErrInvalidKind = errors.New("invalid event kind")

// aliases maps legacy short names (still emitted by older services) to their
// canonical federation-prefixed form.
var aliases = map[string]string{
	"partnership.update": PartnershipUpdate,
	"activity":           Activity,
	"member.joined":      MemberJoined,
}

var kinds = map[string]struct{}{
	Connected:         {},
	Heartbeat:         {},
	NewMessage:        {},
	Transaction:       {},
	PartnershipUpdate: {},
	Activity:          {},
	MemberJoined:      {},
	Reconnect:         {},
}

// Canonical resolves legacy aliases to canonical names. Unknown names are
// returned unchanged with ok=false.
func Canonical(name string) (string, bool) {
	if c, ok := aliases[name]; ok {
		return c, true
	}
	_, ok := kinds[name]
	return name, ok
}

// Valid reports whether name (canonical or alias) is part of the taxonomy.
func Valid(name string) bool {
	_, ok := Canonical(name)
	return ok
}

// Notifiable reports whether an event of this kind should surface to the user
// (as a toast and an inbox entry). Lifecycle frames are not notifiable.
func Notifiable(name string) bool {
	c, ok := Canonical(name)
	if !ok {
		return false
	}
	switch c {
	case Connected, Heartbeat, Reconnect:
		return false
	}
	return true
}

// Envelope is the typed event object carried over a channel.
type Envelope struct {
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// New builds an Envelope stamped with the current time. A nil payload becomes
// an empty map to avoid nil map surprises downstream.
func New(name string, payload map[string]any) Envelope {
	if payload == nil {
		payload = make(map[string]any)
	}
	return Envelope{
		Event:     name,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
}

// String returns a payload field rendered as a string, or fallback when the
// field is absent, empty or not a scalar. Numbers arrive as float64 after a
// JSON round trip (a transaction amount, say) and render without a trailing
// ".0"; ints cover locally built payloads. Convenience for toast/inbox
// rendering.
func (e Envelope) String(field, fallback string) string {
	switch v := e.Payload[field].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	}
	return fallback
}
