package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/inbox"
	"github.com/nexushq/relay/pkg/publisher"
	"github.com/nexushq/relay/pkg/realtime"
	"github.com/nexushq/relay/pkg/transport"
)

type testEnv struct {
	ts  *httptest.Server
	hub *realtime.Hub
	pub *publisher.Publisher
	srv *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()

	hub := realtime.NewHub(32)
	tr, err := transport.Select(cfg, hub)
	if err != nil {
		t.Fatalf("select transport: %v", err)
	}
	store, err := inbox.Open(filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatalf("open inbox: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pub := publisher.New(tr, publisher.WithInbox(store))
	srv := NewServer(cfg, hub, pub, tr, store)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, hub: hub, pub: pub, srv: srv}
}

// frame is one parsed text/event-stream frame.
type frame struct {
	name string
	env  event.Envelope
}

// openStream dials the streaming endpoint as (tenant, user) and returns a
// channel of parsed frames plus a cancel func that drops the connection.
func openStream(t *testing.T, ts *httptest.Server, tenant, user int64) (<-chan frame, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(HeaderTenant, strconv.FormatInt(tenant, 10))
	req.Header.Set(HeaderUser, strconv.FormatInt(user, 10))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("dial stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("stream status = %d", resp.StatusCode)
	}

	frames := make(chan frame, 32)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		var name, data string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				var env event.Envelope
				if err := json.Unmarshal([]byte(data), &env); err == nil {
					frames <- frame{name: name, env: env}
				}
				name, data = "", ""
			}
		}
	}()

	t.Cleanup(cancel)
	return frames, cancel
}

func waitFrame(t *testing.T, frames <-chan frame, want string) frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed while waiting for %q", want)
			}
			if f.name == want {
				return f
			}
			// Skip heartbeats and other interleaved frames.
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", want)
		}
	}
}

func TestStreamRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/events/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "subscription denied" {
		t.Errorf("rejection leaked detail: %q", body.Message)
	}
}

func TestStreamConnectedFrameFirst(t *testing.T) {
	env := newTestEnv(t)
	frames, _ := openStream(t, env.ts, 7, 42)

	select {
	case f := <-frames:
		if f.name != event.Connected {
			t.Fatalf("first frame = %q, want %q", f.name, event.Connected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected frame")
	}
}

func TestEmitReachesSubscribedClient(t *testing.T) {
	env := newTestEnv(t)
	frames, _ := openStream(t, env.ts, 7, 42)
	waitFrame(t, frames, event.Connected)

	env.pub.Emit(context.Background(), 7, 42, event.NewMessage,
		map[string]any{"sender_name": "Alice", "preview": "Hi"})

	f := waitFrame(t, frames, event.NewMessage)
	if f.env.Payload["sender_name"] != "Alice" {
		t.Errorf("payload = %v", f.env.Payload)
	}
}

func TestTwoTabsBothReceive(t *testing.T) {
	env := newTestEnv(t)

	// Same user, two browser tabs.
	a, _ := openStream(t, env.ts, 7, 42)
	b, _ := openStream(t, env.ts, 7, 42)
	waitFrame(t, a, event.Connected)
	waitFrame(t, b, event.Connected)

	env.pub.Emit(context.Background(), 7, 42, event.Transaction,
		map[string]any{"sender_name": "Bob", "amount": "2 hours"})

	fa := waitFrame(t, a, event.Transaction)
	fb := waitFrame(t, b, event.Transaction)
	if fa.env.Payload["amount"] != "2 hours" || fb.env.Payload["amount"] != "2 hours" {
		t.Error("both tabs should receive the full payload")
	}
}

func TestStreamDoesNotCrossUsers(t *testing.T) {
	env := newTestEnv(t)
	mine, _ := openStream(t, env.ts, 7, 42)
	other, _ := openStream(t, env.ts, 7, 43)
	waitFrame(t, mine, event.Connected)
	waitFrame(t, other, event.Connected)

	env.pub.Emit(context.Background(), 7, 42, event.Activity, map[string]any{"message": "private"})

	waitFrame(t, mine, event.Activity)
	select {
	case f := <-other:
		if f.name == event.Activity {
			t.Fatal("event leaked to another user's stream")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisconnectCleansRegistry(t *testing.T) {
	env := newTestEnv(t)
	ch := channel.ForUser(7, 42)

	var cancels []context.CancelFunc
	for i := 0; i < 3; i++ {
		frames, cancel := openStream(t, env.ts, 7, 42)
		waitFrame(t, frames, event.Connected)
		cancels = append(cancels, cancel)
	}
	if got := env.hub.Subscribers(ch); got != 3 {
		t.Fatalf("subscribers = %d, want 3", got)
	}

	// Drop one of the three tabs.
	cancels[0]()
	deadline := time.Now().Add(3 * time.Second)
	for env.hub.Subscribers(ch) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("registry leak: %d subscribers after disconnect", env.hub.Subscribers(ch))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A publish now reaches exactly the two survivors.
	if n := env.hub.Publish(ch, event.New(event.Activity, nil)); n != 2 {
		t.Fatalf("delivered to %d connections, want 2", n)
	}
}

func TestHeartbeatFrames(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetTunables(30*time.Millisecond, time.Minute)

	frames, _ := openStream(t, env.ts, 7, 42)
	waitFrame(t, frames, event.Connected)
	waitFrame(t, frames, event.Heartbeat)
	waitFrame(t, frames, event.Heartbeat)
}

func TestIdleTimeoutSendsReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetTunables(time.Minute, 60*time.Millisecond)

	frames, _ := openStream(t, env.ts, 7, 42)
	waitFrame(t, frames, event.Connected)
	waitFrame(t, frames, event.Reconnect)

	// Stream must close after the reconnect frame.
	select {
	case _, open := <-frames:
		if open {
			t.Fatal("frame after reconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after reconnect frame")
	}
}

func TestServerInitiatedReconnectClosesStream(t *testing.T) {
	env := newTestEnv(t)
	frames, _ := openStream(t, env.ts, 7, 42)
	waitFrame(t, frames, event.Connected)

	env.pub.Emit(context.Background(), 7, 42, event.Reconnect, nil)
	waitFrame(t, frames, event.Reconnect)

	select {
	case _, open := <-frames:
		if open {
			t.Fatal("frame after server-initiated reconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}
