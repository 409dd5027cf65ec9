// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the relay servers, the matchmaker, and the moderator. It handles
// connection lifecycle, subject-based subscriptions, and convenience methods
// for the match and relay channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the services.
const (
	SubjectMatchRequest = "match.request"
	SubjectMatchCancel  = "match.cancel"
	SubjectMatchEnd     = "match.end"
	SubjectMatchFound   = "match.found"  // + .<conn_id>
	SubjectMatchUpdate  = "match.update" // + .<conn_id> (searching stats, timeout)
	SubjectRelay        = "relay"        // + .<match_id> (chat/typing/signal/teardown)
	SubjectNotify       = "notify"       // + .<user_id> (fire-and-forget notifications)

	SubjectModeration       = "moderation.check"
	SubjectModerationResult = "moderation.result" // + .<conn_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "pairline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMatchRequest publishes data to the match.request subject.
func (c *NATSClient) PublishMatchRequest(data []byte) error {
	return c.Publish(SubjectMatchRequest, data)
}

// PublishMatchCancel publishes a match cancellation request.
func (c *NATSClient) PublishMatchCancel(data []byte) error {
	return c.Publish(SubjectMatchCancel, data)
}

// SubscribeMatchRequest subscribes to match requests from relay servers.
func (c *NATSClient) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMatchCancel subscribes to match cancellations from relay servers.
func (c *NATSClient) SubscribeMatchCancel(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchCancel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchEnd publishes a match teardown request to the matchmaker.
func (c *NATSClient) PublishMatchEnd(data []byte) error {
	return c.Publish(SubjectMatchEnd, data)
}

// SubscribeMatchEnd subscribes to match teardown requests from relay servers.
func (c *NATSClient) SubscribeMatchEnd(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchEnd, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchFound publishes a match result to a specific connection.
func (c *NATSClient) PublishMatchFound(connID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+connID, data)
}

// SubscribeMatchFound subscribes to match results for a specific connection.
func (c *NATSClient) SubscribeMatchFound(connID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + connID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchFound unsubscribes from match results for a connection.
func (c *NATSClient) UnsubscribeMatchFound(connID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + connID)
}

// PublishMatchUpdate publishes a queue status update (searching stats or
// timeout) to a specific connection.
func (c *NATSClient) PublishMatchUpdate(connID string, data []byte) error {
	return c.Publish(SubjectMatchUpdate+"."+connID, data)
}

// SubscribeMatchUpdate subscribes to queue status updates for a connection.
func (c *NATSClient) SubscribeMatchUpdate(connID string, handler func(data []byte)) error {
	subject := SubjectMatchUpdate + "." + connID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchUpdate unsubscribes from queue status updates.
func (c *NATSClient) UnsubscribeMatchUpdate(connID string) error {
	return c.unsubscribe(SubjectMatchUpdate + "." + connID)
}

// SubscribeToRelay subscribes to the relay.<matchID> subject for a specific
// connection. The subscription is keyed by connID so both participants of a
// match can subscribe on the same server without overwriting each other.
func (c *NATSClient) SubscribeToRelay(matchID, connID string, handler func(data []byte)) error {
	subject := SubjectRelay + "." + matchID
	key := "relaysub:" + connID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeFromRelay unsubscribes a connection's relay subscription.
func (c *NATSClient) UnsubscribeFromRelay(connID string) error {
	return c.unsubscribe("relaysub:" + connID)
}

// PublishRelayEvent publishes data to the relay.<matchID> subject.
func (c *NATSClient) PublishRelayEvent(matchID string, data []byte) error {
	return c.Publish(SubjectRelay+"."+matchID, data)
}

// PublishNotify emits a fire-and-forget notification for a user.
func (c *NATSClient) PublishNotify(userID string, data []byte) error {
	return c.Publish(SubjectNotify+"."+userID, data)
}

// SubscribeNotify subscribes to notifications addressed to a user.
func (c *NATSClient) SubscribeNotify(userID string, handler func(data []byte)) error {
	subject := SubjectNotify + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeNotify unsubscribes from a user's notifications.
func (c *NATSClient) UnsubscribeNotify(userID string) error {
	return c.unsubscribe(SubjectNotify + "." + userID)
}

// PublishModerationRequest publishes a moderation check request.
func (c *NATSClient) PublishModerationRequest(data []byte) error {
	return c.Publish(SubjectModeration, data)
}

// SubscribeModerationCheck subscribes to moderation check requests.
func (c *NATSClient) SubscribeModerationCheck(handler func(data []byte)) error {
	return c.Subscribe(SubjectModeration, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishModerationResult publishes a moderation result for a connection.
func (c *NATSClient) PublishModerationResult(connID string, data []byte) error {
	return c.Publish(SubjectModerationResult+"."+connID, data)
}

// SubscribeModerationResult subscribes to moderation results for a connection.
func (c *NATSClient) SubscribeModerationResult(connID string, handler func(data []byte)) error {
	subject := SubjectModerationResult + "." + connID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeModerationResult unsubscribes from moderation results.
func (c *NATSClient) UnsubscribeModerationResult(connID string) error {
	return c.unsubscribe(SubjectModerationResult + "." + connID)
}

// Request sends a request on the given subject and waits for a reply.
func (c *NATSClient) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific tracked subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
