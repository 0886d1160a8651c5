package publisher

// Package publisher is the server-side API domain services call to emit a
// realtime event. Delivery is best-effort and non-transactional: Emit never
// returns an error and never blocks the caller beyond the configured publish
// timeout, so a slow or dead transport cannot roll back or delay the domain
// action that triggered the event.

import (
	"context"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/inbox"
	"github.com/nexushq/relay/pkg/log"
	"github.com/nexushq/relay/pkg/transport"
)

// DefaultTimeout bounds the transport call per emit.
const DefaultTimeout = 250 * time.Millisecond

// Publisher fans typed events out through the active transport.
type Publisher struct {
	transport transport.Transport
	store     *inbox.Store // nil disables inbox recording
	timeout   time.Duration
	logger    *log.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTimeout overrides the per-emit transport deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithInbox records a persistent in-app notification for every notifiable
// event, so users catch up on the next page load.
func WithInbox(store *inbox.Store) Option {
	return func(p *Publisher) {
		p.store = store
	}
}

func New(t transport.Transport, opts ...Option) *Publisher {
	p := &Publisher{
		transport: t,
		timeout:   DefaultTimeout,
		logger:    log.ForComponent("publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit publishes eventName with payload to the (tenant, user) channel.
//
// Failures never reach the caller: an unknown event name, a slow transport,
// or a broker error is logged and swallowed. If no client is connected the
// envelope is simply lost.
func (p *Publisher) Emit(ctx context.Context, tenantID, userID int64, eventName string, payload map[string]any) {
	name, ok := event.Canonical(eventName)
	if !ok {
		p.logger.Errorf("%v: %q (tenant=%d user=%d)", event.ErrInvalidKind, eventName, tenantID, userID)
		return
	}

	ch := channel.ForUser(tenantID, userID)
	env := event.New(name, payload)

	p.publish(ctx, ch, env)

	if p.store != nil && event.Notifiable(name) {
		if err := p.store.Record(ctx, tenantID, userID, env); err != nil {
			p.logger.Errorf("recording inbox notification: %v", err)
		}
	}
}

// EmitBroadcast publishes to a tenant-wide channel. Broadcast events are not
// recorded in any single user's inbox.
func (p *Publisher) EmitBroadcast(ctx context.Context, tenantID int64, eventName string, payload map[string]any) {
	name, ok := event.Canonical(eventName)
	if !ok {
		p.logger.Errorf("%v: %q (tenant=%d broadcast)", event.ErrInvalidKind, eventName, tenantID)
		return
	}
	p.publish(ctx, channel.ForTenant(tenantID), event.New(name, payload))
}

// publish runs the transport call under the bounded timeout. The transport
// goroutine is left to finish on its own after a timeout; the deadline on its
// context stops any retry it may be sleeping in.
func (p *Publisher) publish(ctx context.Context, ch channel.ID, env event.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.transport.Publish(ctx, ch, env)
	}()

	select {
	case err := <-done:
		if err != nil {
			p.logger.Errorf("transport unavailable, dropping %s for %s: %v", env.Event, ch, err)
		} else {
			p.logger.Debugf("published %s to %s", env.Event, ch)
		}
	case <-ctx.Done():
		p.logger.Errorf("publish of %s to %s timed out after %s, dropping", env.Event, ch, p.timeout)
	}
}
