package push

// Package push bridges relay channels to a managed pub/sub broker (NATS).
// The bridge does two things: it relays published envelopes into the broker,
// and it issues signed subscription tokens so that exactly one authenticated
// client may subscribe to exactly one channel for the current session.
//
// Delivery through the broker is best-effort: one bounded retry on publish
// failure, then drop and log. Unbounded retry would build backpressure
// against the domain transaction that triggered the emit.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/log"
)

// SubjectPrefix namespaces relay traffic on the broker.
const SubjectPrefix = "relay.events."

// retryDelay is the fixed pause before the single publish retry.
const retryDelay = 100 * time.Millisecond

// Subject maps a channel id to its broker subject.
func Subject(ch channel.ID) string {
	return SubjectPrefix + string(ch)
}

// Bridge relays envelopes into the broker and signs subscription tokens.
type Bridge struct {
	conn   *nats.Conn
	signer *TokenSigner
	logger *log.Logger
}

// NewBridge connects to the broker. The key is the service credential the
// broker's authenticator grants full access to; the secret signs subscription
// tokens and must match on every relay instance behind the same broker.
func NewBridge(url, key, secret string) (*Bridge, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if key != "" {
		opts = append(opts, nats.Token(key))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", url, err)
	}
	return &Bridge{
		conn:   nc,
		signer: NewTokenSigner(secret),
		logger: log.ForComponent("push"),
	}, nil
}

// Signer exposes the bridge's token signer for the subscription auth handler.
func (b *Bridge) Signer() *TokenSigner {
	return b.signer
}

// Relay publishes an envelope to the channel's broker subject. On error it
// retries once after a fixed delay, then gives up and returns the error so
// the caller can log the drop. Respects ctx between attempts.
func (b *Bridge) Relay(ctx context.Context, ch channel.ID, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	subject := Subject(ch)
	if err := b.conn.Publish(subject, data); err == nil {
		return nil
	} else {
		b.logger.Warnf("publish to %s failed, retrying once: %v", subject, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Flush waits for buffered publishes to reach the broker. Used by tests and
// by shutdown.
func (b *Bridge) Flush() error {
	return b.conn.Flush()
}

func (b *Bridge) Close() error {
	b.conn.Close()
	return nil
}
