package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milksync/milksync/pkg/events"
)

// Notification is the client-local materialization of a notification push.
// Its lifecycle (read state, dismissal) is fully owned by the client; the
// server never persists it.
type Notification struct {
	ID        string
	Kind      string
	Title     string
	Message   string
	Data      json.RawMessage
	CreatedAt time.Time
	IsRead    bool
}

// NotificationCenter collects notifications arriving over the live channel.
type NotificationCenter struct {
	mu    sync.Mutex
	items []Notification // newest first
	off   func()
}

func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{}
}

// Attach subscribes the center to notification envelopes on a multiplexer.
// Re-attach after a reconnect, since disconnects clear listeners.
func (n *NotificationCenter) Attach(mux *Mux) {
	if n.off != nil {
		n.off()
	}
	n.off = mux.On(events.EvNotification, func(env events.Envelope) {
		decoded, err := env.Decode()
		if err != nil {
			return
		}
		payload, ok := decoded.(*events.NotificationPayload)
		if !ok {
			return
		}
		n.Add(*payload, env.EmittedAt)
	})
}

// Add constructs a notification from an incoming payload.
func (n *NotificationCenter) Add(p events.NotificationPayload, emittedAt time.Time) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if emittedAt.IsZero() {
		emittedAt = time.Now().UTC()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append([]Notification{{
		ID:        id,
		Kind:      p.Kind,
		Title:     p.Title,
		Message:   p.Message,
		Data:      p.Data,
		CreatedAt: emittedAt,
	}}, n.items...)
}

// List returns all notifications, newest first.
func (n *NotificationCenter) List() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.items))
	copy(out, n.items)
	return out
}

// MarkRead flags one notification as read.
func (n *NotificationCenter) MarkRead(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.items {
		if n.items[i].ID == id {
			n.items[i].IsRead = true
			return true
		}
	}
	return false
}

// UnreadCount reports how many notifications are still unread.
func (n *NotificationCenter) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, item := range n.items {
		if !item.IsRead {
			count++
		}
	}
	return count
}

// Clear drops everything, e.g. on sign-out.
func (n *NotificationCenter) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = nil
}
