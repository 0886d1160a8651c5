package push

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/event"
)

const testServiceKey = "service-key"

// startSecuredBroker starts an embedded broker with token enforcement.
func startSecuredBroker(t *testing.T, signer *TokenSigner) string {
	t.Helper()
	opts := &natsserver.Options{
		Host:                       "127.0.0.1",
		Port:                       -1,
		CustomClientAuthentication: NewAuthenticator(signer, testServiceKey),
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded broker: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded broker not ready")
	}
	return srv.ClientURL()
}

func mintToken(t *testing.T, signer *TokenSigner, tenant, user int64) *SubscriptionToken {
	t.Helper()
	who := channel.Identity{TenantID: tenant, UserID: user}
	tok, err := signer.Authorize(who, who.Channel(), "sess-auth-test")
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return tok
}

func TestBrokerRejectsTokenlessClient(t *testing.T) {
	signer := NewTokenSigner("broker-secret")
	url := startSecuredBroker(t, signer)

	if nc, err := nats.Connect(url); err == nil {
		nc.Close()
		t.Fatal("unauthenticated connection accepted")
	}
}

func TestBrokerRejectsTamperedToken(t *testing.T) {
	signer := NewTokenSigner("broker-secret")
	url := startSecuredBroker(t, signer)

	tok := mintToken(t, signer, 7, 42)
	tok.Channel = string(channel.ForUser(7, 99)) // re-point at someone else's channel

	if nc, err := nats.Connect(url, nats.Token(tok.Encode())); err == nil {
		nc.Close()
		t.Fatal("tampered token accepted")
	}
}

func TestBrokerConfinesSubscriberToTokenChannel(t *testing.T) {
	signer := NewTokenSigner("broker-secret")
	url := startSecuredBroker(t, signer)

	victim := channel.ForUser(7, 42)
	victimTok := mintToken(t, signer, 7, 42)
	attackerTok := mintToken(t, signer, 7, 99)

	victimConn, err := nats.Connect(url, nats.Token(victimTok.Encode()))
	if err != nil {
		t.Fatalf("victim connect: %v", err)
	}
	defer victimConn.Close()
	victimMsgs := make(chan []byte, 1)
	if _, err := victimConn.Subscribe(Subject(victim), func(m *nats.Msg) {
		victimMsgs <- m.Data
	}); err != nil {
		t.Fatalf("victim subscribe: %v", err)
	}
	if err := victimConn.Flush(); err != nil {
		t.Fatalf("victim flush: %v", err)
	}

	// The attacker authenticates with its own valid token but subscribes to
	// the victim's subject. The broker must not deliver anything.
	attackerConn, err := nats.Connect(url, nats.Token(attackerTok.Encode()))
	if err != nil {
		t.Fatalf("attacker connect: %v", err)
	}
	defer attackerConn.Close()
	attackerMsgs := make(chan []byte, 1)
	if _, err := attackerConn.Subscribe(Subject(victim), func(m *nats.Msg) {
		attackerMsgs <- m.Data
	}); err != nil {
		t.Fatalf("attacker subscribe: %v", err)
	}
	if err := attackerConn.Flush(); err != nil {
		t.Fatalf("attacker flush: %v", err)
	}

	bridge, err := NewBridge(url, testServiceKey, "broker-secret")
	if err != nil {
		t.Fatalf("creating bridge: %v", err)
	}
	defer func() { _ = bridge.Close() }()

	env := event.New(event.NewMessage, map[string]any{"sender_name": "Alice", "preview": "secret"})
	if err := bridge.Relay(context.Background(), victim, env); err != nil {
		t.Fatalf("relaying: %v", err)
	}
	if err := bridge.Flush(); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	select {
	case data := <-victimMsgs:
		var got event.Envelope
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decoding delivered envelope: %v", err)
		}
		if got.Event != event.NewMessage {
			t.Errorf("event = %q, want %q", got.Event, event.NewMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("victim never received the envelope")
	}

	select {
	case <-attackerMsgs:
		t.Fatal("broker delivered a foreign channel's event to the attacker")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTokenEncodeRoundTrip(t *testing.T) {
	signer := NewTokenSigner("broker-secret")
	tok := mintToken(t, signer, 7, 42)

	decoded, err := DecodeToken(tok.Encode())
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if *decoded != *tok {
		t.Errorf("decoded %+v, want %+v", decoded, tok)
	}
	if err := signer.Verify(decoded); err != nil {
		t.Errorf("verify after round trip: %v", err)
	}

	if _, err := DecodeToken("not-a-token!"); err == nil {
		t.Error("malformed input accepted")
	}
}
