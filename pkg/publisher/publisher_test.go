package publisher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/inbox"
	"github.com/nexushq/relay/pkg/realtime"
	"github.com/nexushq/relay/pkg/transport"
)

// fakeTransport records publishes and can be made slow or failing.
type fakeTransport struct {
	published chan event.Envelope
	delay     time.Duration
	err       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(chan event.Envelope, 16)}
}

func (f *fakeTransport) Kind() transport.Kind { return transport.KindStream }

func (f *fakeTransport) Publish(ctx context.Context, ch channel.ID, env event.Envelope) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.published <- env
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func TestEmitPublishesCanonicalEnvelope(t *testing.T) {
	ft := newFakeTransport()
	pub := New(ft)

	pub.Emit(context.Background(), 7, 42, "member.joined", map[string]any{"user_name": "Bob"})

	select {
	case env := <-ft.published:
		if env.Event != event.MemberJoined {
			t.Errorf("event = %q, want canonical %q", env.Event, event.MemberJoined)
		}
		if env.EmittedAt.IsZero() {
			t.Error("emitted_at not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("nothing published")
	}
}

func TestEmitSwallowsInvalidKind(t *testing.T) {
	ft := newFakeTransport()
	pub := New(ft)

	// Must not panic, error, or publish.
	pub.Emit(context.Background(), 7, 42, "federation.not-a-thing", nil)
	if len(ft.published) != 0 {
		t.Fatal("invalid kind was published")
	}
}

func TestEmitSwallowsTransportError(t *testing.T) {
	ft := newFakeTransport()
	ft.err = errors.New("broker down")
	pub := New(ft)

	pub.Emit(context.Background(), 7, 42, event.NewMessage, nil) // must not panic
}

func TestEmitBoundedBySlowTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.delay = 2 * time.Second
	pub := New(ft, WithTimeout(50*time.Millisecond))

	start := time.Now()
	pub.Emit(context.Background(), 7, 42, event.Transaction, nil)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Emit blocked %v despite 50ms timeout", elapsed)
	}
}

func TestEmitZeroSubscribersViaRealTransport(t *testing.T) {
	hub := realtime.NewHub(8)
	tr, err := transport.Select(config.DefaultConfig(), hub)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	pub := New(tr)

	done := make(chan struct{})
	go func() {
		pub.Emit(context.Background(), 1, 1, event.Activity, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked with zero subscribers")
	}
}

func TestEmitRecordsInbox(t *testing.T) {
	store, err := inbox.Open(filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatalf("open inbox: %v", err)
	}
	defer func() { _ = store.Close() }()

	pub := New(newFakeTransport(), WithInbox(store))
	pub.Emit(context.Background(), 7, 42, event.NewMessage, map[string]any{"sender_name": "Alice"})
	pub.Emit(context.Background(), 7, 42, event.Heartbeat, nil) // lifecycle, not recorded

	got, err := store.Recent(context.Background(), 7, 42, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("inbox rows = %d, want 1", len(got))
	}
}

func TestEmitBroadcastUsesTenantChannel(t *testing.T) {
	hub := realtime.NewHub(8)
	tr, _ := transport.Select(config.DefaultConfig(), hub)
	pub := New(tr)

	_, sub := hub.Subscribe(channel.ForTenant(7))
	pub.EmitBroadcast(context.Background(), 7, event.PartnershipUpdate, map[string]any{"partner_name": "North TB", "status": "active"})

	select {
	case env := <-sub:
		if env.Event != event.PartnershipUpdate {
			t.Errorf("event = %q", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast did not reach tenant channel")
	}
}
