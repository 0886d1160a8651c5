package api

// The streaming fallback endpoint: one long-lived HTTP response per client,
// carrying "event: <name>\ndata: <json>\n\n" frames. Each connection runs in
// its own handler goroutine with its own heartbeat timer, registered in the
// hub for the channel derived from the caller's authenticated identity. The
// channel is never taken from the request, which closes off channel spoofing.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/event"
)

func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	who, _, err := s.identity(r)
	if err != nil {
		s.denySubscription(w)
		return
	}

	ch := who.Channel()
	if err := channel.Authorize(who, ch); err != nil {
		s.denySubscription(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming unsupported", "response writer cannot flush")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	heartbeatInterval, idleTimeout := s.tunables()

	subID, events := s.hub.Subscribe(ch)
	// Cleanup must run on every exit path or the registry leaks dead
	// connections.
	defer s.hub.Unsubscribe(ch, subID)

	s.logger.Debugf("stream open: %s (sub %d)", ch, subID)
	defer s.logger.Debugf("stream closed: %s (sub %d)", ch, subID)

	if err := writeFrame(w, flusher, event.New(event.Connected, nil)); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if err := writeFrame(w, flusher, event.New(event.Heartbeat, nil)); err != nil {
				return
			}

		case env, open := <-events:
			if !open {
				return
			}
			if err := writeFrame(w, flusher, env); err != nil {
				return
			}
			if env.Event == event.Reconnect {
				// Server-initiated recycle: close after the frame so the
				// client redials.
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

		case <-idle.C:
			// No events for the whole idle window: recycle the connection
			// gracefully rather than trusting intermediaries to keep it.
			_ = writeFrame(w, flusher, event.New(event.Reconnect, nil))
			return
		}
	}
}

// writeFrame writes one envelope as a text/event-stream frame and flushes.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
