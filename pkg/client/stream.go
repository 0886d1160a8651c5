package client

// Streaming-fallback client transport: one GET request held open, frames
// parsed off the response body.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexushq/relay/pkg/event"
)

// Identity headers mirrored from the server's API package. Kept as literals
// here because a real deployment fronts these with its own auth proxy.
const (
	headerTenant  = "X-Relay-Tenant"
	headerUser    = "X-Relay-User"
	headerAdmin   = "X-Relay-Admin"
	headerSession = "X-Relay-Session"
)

type streamSession struct {
	cancel    context.CancelFunc
	frames    chan event.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	// liveness bounds the gap between frames. Heartbeats arrive well inside
	// it on a healthy connection; a half-open connection never delivers them,
	// so the watchdog cancels the request and forces a redial.
	liveness time.Duration
	lastRead atomic.Int64 // unix nanos of the last line read
}

// dialStream opens the streaming endpoint and starts a frame-parsing
// goroutine. The returned session's Frames channel closes on any read error.
func dialStream(ctx context.Context, cfg Config) (session, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.ServerURL+"/events/stream", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set(headerTenant, strconv.FormatInt(cfg.Identity.TenantID, 10))
	req.Header.Set(headerUser, strconv.FormatInt(cfg.Identity.UserID, 10))
	if cfg.Identity.Admin {
		req.Header.Set(headerAdmin, "true")
	}
	if cfg.SessionID != "" {
		req.Header.Set(headerSession, cfg.SessionID)
	}

	// No client timeout: the response body is an unbounded stream.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dialing stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream rejected: status %d", resp.StatusCode)
	}

	s := &streamSession{
		cancel:   cancel,
		frames:   make(chan event.Envelope, 32),
		closed:   make(chan struct{}),
		liveness: cfg.Liveness,
	}
	s.lastRead.Store(time.Now().UnixNano())
	go s.readLoop(resp)
	go s.watchdog()
	return s, nil
}

// watchdog cancels the request when no frame has arrived within the liveness
// window. Scanner reads on a half-open TCP connection block forever without
// this; cancellation surfaces as a read error and the manager redials.
func (s *streamSession) watchdog() {
	tick := time.NewTicker(s.liveness / 4)
	defer tick.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-tick.C:
			if time.Since(time.Unix(0, s.lastRead.Load())) > s.liveness {
				s.cancel()
				return
			}
		}
	}
}

func (s *streamSession) readLoop(resp *http.Response) {
	defer close(s.frames)
	defer func() { _ = resp.Body.Close() }()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 16*1024), 256*1024)

	var name, data string
	for sc.Scan() {
		s.lastRead.Store(time.Now().UnixNano())
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if name == "" {
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				// Malformed frame: skip it, keep the connection.
				name, data = "", ""
				continue
			}
			if env.Event == "" {
				env.Event = name
			}
			select {
			case s.frames <- env:
			case <-s.closed:
				return
			}
			name, data = "", ""
		}
	}
	// Scanner error or EOF: frames closes, the manager redials.
}

func (s *streamSession) Frames() <-chan event.Envelope {
	return s.frames
}

func (s *streamSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}
