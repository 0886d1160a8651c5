package transport

// Package transport abstracts how a published envelope reaches subscribers.
// There are exactly two implementations, one per delivery strategy, and the
// choice is made once per process from deployment configuration. Call sites
// never branch on the transport kind again after Select.

import (
	"context"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/push"
	"github.com/nexushq/relay/pkg/realtime"
)

// Kind identifies the active delivery strategy.
type Kind string

const (
	KindStream Kind = config.TransportStream
	KindPush   Kind = config.TransportPush
)

// Transport publishes an envelope to a channel. Implementations must not
// block beyond their own bounded I/O; callers additionally enforce the
// publish timeout.
type Transport interface {
	Kind() Kind
	Publish(ctx context.Context, ch channel.ID, env event.Envelope) error
	Close() error
}

// Select resolves the active transport from configuration. For "stream" the
// returned transport writes into the process-local hub; for "push" it relays
// through the broker bridge. Called exactly once at startup.
func Select(cfg *config.Config, hub *realtime.Hub) (Transport, error) {
	if cfg.Transport == config.TransportPush {
		bridge, err := push.NewBridge(cfg.Broker.URL, cfg.Broker.Key, cfg.AuthSecret)
		if err != nil {
			return nil, err
		}
		return &pushTransport{bridge: bridge}, nil
	}
	return &streamTransport{hub: hub}, nil
}

// streamTransport fans out to the in-process channel registry.
type streamTransport struct {
	hub *realtime.Hub
}

func (t *streamTransport) Kind() Kind {
	return KindStream
}

// Publish never fails: a channel with zero subscribers is simply a no-op.
func (t *streamTransport) Publish(ctx context.Context, ch channel.ID, env event.Envelope) error {
	t.hub.Publish(ch, env)
	return nil
}

func (t *streamTransport) Close() error {
	return nil
}

// pushTransport relays through the managed broker.
type pushTransport struct {
	bridge *push.Bridge
}

func (t *pushTransport) Kind() Kind {
	return KindPush
}

func (t *pushTransport) Publish(ctx context.Context, ch channel.ID, env event.Envelope) error {
	return t.bridge.Relay(ctx, ch, env)
}

func (t *pushTransport) Close() error {
	return t.bridge.Close()
}

// Bridge returns the push bridge when the push transport is active, nil
// otherwise. The subscription auth endpoint needs it.
func Bridge(t Transport) *push.Bridge {
	if pt, ok := t.(*pushTransport); ok {
		return pt.bridge
	}
	return nil
}
