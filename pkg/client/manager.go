package client

// Package client is the connection manager used by relay clients: it opens
// exactly one transport connection (stream or push, chosen by server-provided
// configuration, never self-detected), dispatches the closed event taxonomy
// to a single callback, and drives the reconnection state machine
//
//	CONNECTED -> (error/close) -> BACKOFF(n) -> RECONNECTING
//	          -> CONNECTED | BACKOFF(n+1), capped at MaxAttempts -> OFFLINE
//
// with exponential backoff reset on every successful connect.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/log"
)

// ErrAlreadyStarted is returned by Start when a connection is already live.
// Silently opening a second connection would duplicate every toast.
var ErrAlreadyStarted = errors.New("connection manager already started")

var errConnectionLost = errors.New("connection lost")

// session is one live transport connection. Frames is closed when the
// connection dies; Close tears the connection down.
type session interface {
	Frames() <-chan event.Envelope
	Close() error
}

// Config configures a connection manager.
type Config struct {
	// Transport mirrors the server's deployment switch: "stream" or "push".
	Transport string
	// ServerURL is the relay server base URL (stream endpoint, push auth).
	ServerURL string
	// BrokerURL is the managed broker address, used only for push.
	BrokerURL string

	Identity  channel.Identity
	SessionID string

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	// Liveness is the longest gap between frames before the stream
	// connection is treated as dead. Should be at least twice the server's
	// heartbeat interval.
	Liveness time.Duration

	// OnEvent receives every notifiable envelope in arrival order.
	OnEvent func(event.Envelope)
	// OnState receives connection state transitions, including the single
	// terminal offline notification.
	OnState func(ConnState)
}

// Manager maintains exactly one transport connection per client lifetime.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	state   ConnState
	stateMu sync.Mutex
}

func New(cfg Config) (*Manager, error) {
	switch cfg.Transport {
	case config.TransportStream:
		if cfg.ServerURL == "" {
			return nil, errors.New("stream transport requires ServerURL")
		}
	case config.TransportPush:
		if cfg.ServerURL == "" || cfg.BrokerURL == "" {
			return nil, errors.New("push transport requires ServerURL and BrokerURL")
		}
	default:
		return nil, errors.New("unknown transport " + cfg.Transport)
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = 75 * time.Second
	}

	return &Manager{
		cfg:    cfg,
		logger: log.ForComponent("client"),
		state:  StateDisconnected,
	}, nil
}

// Start opens the transport connection and runs the reconnection loop until
// Stop or ctx cancellation. A second Start without an intervening Stop is an
// error, never a second connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	return nil
}

// Stop tears the connection down and cancels any pending reconnect timer.
// Idempotent. After Stop returns, no reconnection happens in the background
// and Start may be called again.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.stateMu.Lock()
	changed := m.state != s
	m.state = s
	m.stateMu.Unlock()
	if changed && m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	backoff := &Backoff{
		Base:        m.cfg.BackoffBase,
		Max:         m.cfg.BackoffMax,
		MaxAttempts: m.cfg.MaxAttempts,
	}

	for {
		m.setState(StateConnecting)

		sess, err := m.dial(ctx)
		if err == nil {
			err = m.consume(ctx, sess, backoff)
		}
		if ctx.Err() != nil {
			// Teardown: no background reconnection after cancellation.
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateDisconnected)
		if err != nil {
			m.logger.Warnf("connection lost: %v", err)
		}

		delay, ok := backoff.Next()
		if !ok {
			// Give up: surface the persistent offline indicator exactly once
			// and schedule nothing further.
			m.logger.Errorf("giving up after %d reconnect attempts", backoff.Attempt())
			m.setState(StateOffline)
			return
		}
		m.logger.Infof("reconnecting in %s (attempt %d/%d)", delay, backoff.Attempt(), m.cfg.MaxAttempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) dial(ctx context.Context) (session, error) {
	if m.cfg.Transport == config.TransportPush {
		return dialPush(ctx, m.cfg)
	}
	return dialStream(ctx, m.cfg)
}

// consume dispatches frames until the session dies, the server asks for a
// recycle, or ctx is cancelled.
func (m *Manager) consume(ctx context.Context, sess session, backoff *Backoff) error {
	defer func() { _ = sess.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, open := <-sess.Frames():
			if !open {
				return errConnectionLost
			}
			if recycle := m.dispatch(env, backoff); recycle {
				return nil
			}
		}
	}
}

// dispatch routes one envelope. Returns true when the connection should be
// recycled (server-initiated reconnect).
func (m *Manager) dispatch(env event.Envelope, backoff *Backoff) bool {
	name, ok := event.Canonical(env.Event)
	if !ok {
		// Forward compatibility: older clients ignore kinds they do not know.
		m.logger.Debugf("ignoring unknown event kind %q", env.Event)
		return false
	}

	switch name {
	case event.Connected:
		m.setState(StateConnected)
		backoff.Reset()
		return false
	case event.Heartbeat:
		// Keepalive only; reading it already fed the session's liveness
		// watchdog, nothing to dispatch.
		return false
	case event.Reconnect:
		m.logger.Infof("server requested reconnect")
		return true
	}

	if m.cfg.OnEvent != nil {
		env.Event = name
		m.cfg.OnEvent(env)
	}
	return false
}
