package channel

// Package channel derives pub/sub channel names for (tenant, user) pairs and
// decides who may subscribe to what. Naming is deterministic so the publish
// and subscribe sides always agree without an out-of-band lookup; the security
// of a channel rests on authorization, never on name secrecy.

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scope is the prefix shared by all federation channels.
const Scope = "federation"

// ID is a channel identifier, e.g. "federation-7-42" for user 42 of tenant 7
// or "federation-7" for the tenant-wide broadcast channel.
type ID string

// ErrDenied is the single, generic subscription rejection. It deliberately
// carries no detail about whether the requested channel exists.
var ErrDenied = errors.New("subscription denied")

// ErrMalformed is returned by Parse for strings that are not channel ids.
var ErrMalformed = errors.New("malformed channel id")

// ForUser returns the per-user channel for a (tenant, user) pair.
func ForUser(tenantID, userID int64) ID {
	return ID(fmt.Sprintf("%s-%d-%d", Scope, tenantID, userID))
}

// ForTenant returns the tenant-wide broadcast channel.
func ForTenant(tenantID int64) ID {
	return ID(fmt.Sprintf("%s-%d", Scope, tenantID))
}

// Parse splits a channel id back into its components. broadcast is true for
// tenant-wide channels (no user component).
func Parse(s string) (tenantID, userID int64, broadcast bool, err error) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != Scope {
		return 0, 0, false, ErrMalformed
	}
	tenantID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || tenantID <= 0 {
		return 0, 0, false, ErrMalformed
	}
	if len(parts) == 2 {
		return tenantID, 0, true, nil
	}
	userID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, false, ErrMalformed
	}
	return tenantID, userID, false, nil
}

// Identity is the resolved caller identity supplied by the surrounding
// application's session layer. This package never resolves sessions itself.
type Identity struct {
	TenantID int64
	UserID   int64
	Admin    bool
}

// Channel returns the caller's own per-user channel.
func (id Identity) Channel() ID {
	return ForUser(id.TenantID, id.UserID)
}

// Authorize decides whether the caller may subscribe to the requested
// channel. Allowed: the caller's own derived channel, or the caller's
// tenant-wide channel when the caller holds the admin capability. Everything
// else is ErrDenied, with no distinction between "not yours" and "not a
// channel at all".
func Authorize(who Identity, requested ID) error {
	if who.TenantID <= 0 || who.UserID <= 0 {
		return ErrDenied
	}
	if requested == who.Channel() {
		return nil
	}
	if who.Admin && requested == ForTenant(who.TenantID) {
		return nil
	}
	return ErrDenied
}
