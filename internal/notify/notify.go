// Package notify delivers fire-and-forget user notifications over NATS.
// Notifications are best effort: delivery failures are logged and dropped,
// never surfaced to the triggering workflow.
package notify

import (
	"encoding/json"
	"log"
	"time"

	"github.com/pairline/call-app/internal/messaging"
)

// Event is one notification addressed to a user. Any relay server holding a
// live connection for that user forwards it.
type Event struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"` // warning | ban_applied | report_received
	Body   string `json:"body"`
	Ts     int64  `json:"ts"`
}

// Notifier publishes user notifications.
type Notifier interface {
	Notify(userID, kind, body string)
}

// NATSNotifier publishes notifications to notify.<user_id>.
type NATSNotifier struct {
	nc *messaging.NATSClient
}

// NewNATSNotifier creates a notifier over the given NATS client.
func NewNATSNotifier(nc *messaging.NATSClient) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

// Notify publishes the event. Errors are logged and swallowed.
func (n *NATSNotifier) Notify(userID, kind, body string) {
	ev := Event{UserID: userID, Kind: kind, Body: body, Ts: time.Now().Unix()}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[notify] marshal %s for %s: %v", kind, userID, err)
		return
	}
	if err := n.nc.PublishNotify(userID, data); err != nil {
		log.Printf("[notify] publish %s for %s: %v", kind, userID, err)
	}
}

// NopNotifier discards every notification. Used in tests and in services
// that run without NATS.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string, string, string) {}
