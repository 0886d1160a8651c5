package client

// Managed-push client transport: fetch a signed subscription token from the
// relay server, then let the broker handle the socket. The manager's
// reconnection controller owns retry, so broker-level auto-reconnect is
// disabled.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/push"
)

type pushSession struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	frames chan event.Envelope

	mu   sync.Mutex
	done bool
}

// fetchToken asks the relay server for a one-channel subscription token for
// the caller's own channel.
func fetchToken(ctx context.Context, cfg Config) (*push.SubscriptionToken, error) {
	body, err := json.Marshal(map[string]string{
		"channel": string(cfg.Identity.Channel()),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ServerURL+"/realtime/auth", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenant, strconv.FormatInt(cfg.Identity.TenantID, 10))
	req.Header.Set(headerUser, strconv.FormatInt(cfg.Identity.UserID, 10))
	if cfg.SessionID != "" {
		req.Header.Set(headerSession, cfg.SessionID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting subscription token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription auth rejected: status %d", resp.StatusCode)
	}

	var authResp struct {
		Token *push.SubscriptionToken `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return nil, fmt.Errorf("decoding subscription token: %w", err)
	}
	if authResp.Token == nil {
		return nil, fmt.Errorf("subscription auth returned no token")
	}
	return authResp.Token, nil
}

func dialPush(ctx context.Context, cfg Config) (session, error) {
	token, err := fetchToken(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &pushSession{
		frames: make(chan event.Envelope, 32),
	}

	nc, err := nats.Connect(cfg.BrokerURL,
		nats.Token(token.Encode()),
		nats.MaxReconnects(0),
		nats.ClosedHandler(func(*nats.Conn) {
			s.Shutdown()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	sub, err := nc.Subscribe(push.SubjectPrefix+token.Channel, func(msg *nats.Msg) {
		var env event.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		s.deliver(env)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to channel: %w", err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	s.conn = nc
	s.sub = sub

	// The broker sends no connected frame; synthesize one so the manager's
	// state machine is transport-agnostic. Guarded like every other send:
	// the connection may already have died and closed frames.
	s.deliver(event.New(event.Connected, nil))
	return s, nil
}

func (s *pushSession) Frames() <-chan event.Envelope {
	return s.frames
}

// deliver hands a frame to the manager unless the session is already shut
// down. Drops rather than blocking the broker's delivery goroutine.
func (s *pushSession) deliver(env event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.frames <- env:
	default:
	}
}

// Shutdown closes the frame channel once, signalling connection loss.
func (s *pushSession) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.frames)
}

func (s *pushSession) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.Shutdown()
	return nil
}
