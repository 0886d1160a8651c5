package toast

// Package toast is the client-side presentation queue: a bounded, in-memory
// list of dismissible notifications rendered from delivered events. At
// capacity the oldest entry is evicted; every entry also expires on its own
// TTL unless dismissed first.

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/relay/pkg/event"
)

const (
	DefaultMax = 5
	DefaultTTL = 8 * time.Second
)

// Toast is one visible notification.
type Toast struct {
	ID        string
	Kind      string
	Title     string
	Body      string
	Link      string
	CreatedAt time.Time
}

// Queue holds at most max toasts, oldest first.
type Queue struct {
	mu     sync.Mutex
	max    int
	ttl    time.Duration
	items  []Toast
	timers map[string]*time.Timer
}

func NewQueue(max int, ttl time.Duration) *Queue {
	if max <= 0 {
		max = DefaultMax
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{
		max:    max,
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
	}
}

// Push appends a toast, evicting the oldest entry first when the queue is at
// capacity. A missing id is filled in. Returns the stored toast.
func (q *Queue) Push(t Toast) Toast {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	q.mu.Lock()
	if len(q.items) >= q.max {
		oldest := q.items[0]
		q.removeLocked(oldest.ID)
	}
	q.items = append(q.items, t)
	id := t.ID
	q.timers[id] = time.AfterFunc(q.ttl, func() {
		// The toast may have been evicted or dismissed while this timer was
		// pending; Dismiss checks presence and is a no-op then.
		q.Dismiss(id)
	})
	q.mu.Unlock()
	return t
}

// Dismiss removes a toast by id. Dismissing an absent id is a no-op.
func (q *Queue) Dismiss(id string) {
	q.mu.Lock()
	q.removeLocked(id)
	q.mu.Unlock()
}

// removeLocked removes the entry and stops its expiry timer. Callers hold mu.
func (q *Queue) removeLocked(id string) {
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return
		}
	}
}

// Items returns a snapshot of the visible toasts, oldest first.
func (q *Queue) Items() []Toast {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Toast, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the current number of visible toasts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close dismisses everything and stops all pending expiry timers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.items = nil
}

// FromEnvelope maps a delivered envelope to a toast. Lifecycle frames
// (connected, heartbeat, reconnect) and unknown kinds produce no toast.
func FromEnvelope(env event.Envelope) (Toast, bool) {
	kind, ok := event.Canonical(env.Event)
	if !ok || !event.Notifiable(kind) {
		return Toast{}, false
	}

	t := Toast{Kind: kind, CreatedAt: env.EmittedAt}
	switch kind {
	case event.NewMessage:
		t.Title = env.String("sender_name", "New message")
		t.Body = env.String("subject", env.String("preview", "sent you a message"))
		t.Link = "/messages"
	case event.Transaction:
		t.Title = env.String("sender_name", "New transaction")
		t.Body = env.String("amount", "posted a transaction")
		t.Link = "/transactions"
	case event.PartnershipUpdate:
		t.Title = env.String("partner_name", "Partnership update")
		t.Body = env.String("status", "updated")
		t.Link = "/federation/hub"
	case event.MemberJoined:
		t.Title = env.String("user_name", "New member")
		t.Body = "joined the federation"
		t.Link = "/federation/activity"
	default: // event.Activity
		t.Title = "Federation activity"
		t.Body = env.String("message", env.String("event_type", ""))
		t.Link = "/federation/activity"
	}
	return t, true
}
