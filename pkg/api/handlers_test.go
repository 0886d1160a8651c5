package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/nexushq/relay/pkg/event"
)

func postJSON(t *testing.T, url string, headers map[string]string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func identityHeaders(tenant, user int64) map[string]string {
	return map[string]string{
		HeaderTenant:  strconv.FormatInt(tenant, 10),
		HeaderUser:    strconv.FormatInt(user, 10),
		HeaderSession: "sess-test",
	}
}

func TestEmitEndpointAccepts(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/api/emit", nil, EmitRequest{
		TenantID: 7,
		UserID:   42,
		Event:    event.NewMessage,
		Payload:  map[string]any{"sender_name": "Alice"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestEmitEndpointAcceptsUnknownKind(t *testing.T) {
	// Fire-and-forget: an unknown event kind is logged server-side, never
	// surfaced to the emitting domain service.
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/api/emit", nil, EmitRequest{
		TenantID: 7, UserID: 42, Event: "federation.not-real",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestEmitEndpointRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/api/emit", nil, EmitRequest{Event: event.NewMessage})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPushAuthUnavailableOnStreamTransport(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/realtime/auth", identityHeaders(7, 42),
		PushAuthRequest{Channel: "federation-7-42"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestInboxRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	// Emit persists an inbox row via the publisher.
	resp := postJSON(t, env.ts.URL+"/api/emit", nil, EmitRequest{
		TenantID: 7, UserID: 42, Event: event.NewMessage,
		Payload: map[string]any{"sender_name": "Alice", "subject": "Hi"},
	})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/inbox", nil)
	for k, v := range identityHeaders(7, 42) {
		req.Header.Set(k, v)
	}

	var inboxResp InboxResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get inbox: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&inboxResp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if inboxResp.Count == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if inboxResp.Count != 1 || inboxResp.Unread != 1 {
		t.Fatalf("inbox = %+v", inboxResp)
	}
	n := inboxResp.Notifications[0]
	if n.Kind != event.NewMessage || n.Link != "/messages" {
		t.Errorf("notification = %+v", n)
	}

	// Mark it read.
	resp = postJSON(t, env.ts.URL+"/api/inbox/read", identityHeaders(7, 42), InboxReadRequest{ID: n.ID})
	resp.Body.Close()

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get inbox: %v", err)
	}
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&inboxResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inboxResp.Unread != 0 {
		t.Errorf("unread = %d after mark read", inboxResp.Unread)
	}
}

func TestInboxRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/api/inbox")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Transport != "stream" {
		t.Errorf("health = %+v", health)
	}
}
