package inbox

// Package inbox persists an in-app notification for every user-visible event
// the publisher emits, mirroring realtime delivery. Clients that were offline
// catch up from here on the next page load. This is not a replay log for the
// realtime stream: undelivered envelopes stay unpersisted; the inbox is a
// parallel record.

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nexushq/relay/pkg/event"
)

// Notification is one stored in-app notification.
type Notification struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a sqlite-backed notification store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	link TEXT NOT NULL DEFAULT '',
	is_read INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient
	ON notifications (tenant_id, user_id, created_at DESC);
`

// Open creates (or opens) the notification database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating inbox directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening inbox database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing inbox schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores a notification derived from an envelope. Non-notifiable
// kinds (connected, heartbeat, reconnect) are ignored.
func (s *Store) Record(ctx context.Context, tenantID, userID int64, env event.Envelope) error {
	kind, ok := event.Canonical(env.Event)
	if !ok || !event.Notifiable(kind) {
		return nil
	}
	message, link := Render(kind, env)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (tenant_id, user_id, kind, message, link, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, userID, kind, message, link, env.EmittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// Recent returns up to limit notifications for a user, newest first.
func (s *Store) Recent(ctx context.Context, tenantID, userID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, kind, message, link, is_read, created_at
		 FROM notifications
		 WHERE tenant_id = ? AND user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var read int
		var created string
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Kind, &n.Message, &n.Link, &read, &created); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Read = read != 0
		n.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", created, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags a notification as read. Unknown ids are a no-op.
func (s *Store) MarkRead(ctx context.Context, tenantID, userID, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND tenant_id = ? AND user_id = ?`,
		id, tenantID, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return nil
}

// Unread returns the number of unread notifications for a user.
func (s *Store) Unread(ctx context.Context, tenantID, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE tenant_id = ? AND user_id = ? AND is_read = 0`,
		tenantID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Render derives the human-readable message and destination link for a
// notification kind. The link destinations mirror the pages the toast layer
// sends users to.
func Render(kind string, env event.Envelope) (message, link string) {
	switch kind {
	case event.NewMessage:
		sender := env.String("sender_name", "A federation member")
		subject := env.String("subject", env.String("preview", ""))
		message = fmt.Sprintf("New federated message from %s", sender)
		if subject != "" {
			message += ": " + subject
		}
		link = "/messages"
	case event.Transaction:
		sender := env.String("sender_name", "A federation member")
		amount := env.String("amount", "")
		message = fmt.Sprintf("New transaction from %s", sender)
		if amount != "" {
			message += " (" + amount + ")"
		}
		link = "/transactions"
	case event.PartnershipUpdate:
		partner := env.String("partner_name", "A partner timebank")
		status := env.String("status", "updated")
		message = fmt.Sprintf("Partnership with %s is now %s", partner, status)
		link = "/federation/hub"
	case event.MemberJoined:
		message = fmt.Sprintf("%s joined the federation", env.String("user_name", "A new member"))
		link = "/federation/activity"
	default:
		message = env.String("message", "Federation activity")
		link = "/federation/activity"
	}
	return message, link
}
