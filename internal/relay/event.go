package relay

import "encoding/json"

// Event types published on relay.<match_id> subjects.
const (
	EventChat     = "chat"
	EventTyping   = "typing"
	EventSignal   = "signal"
	EventTeardown = "teardown"
)

// Event is the payload published to relay.<match_id> subjects for real-time
// forwarding between the two sides of a match, which may be connected to
// different relay servers.
type Event struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`                // sender's user ID; empty for service-originated events
	Text     string          `json:"text,omitempty"`      // for chat events
	IsTyping bool            `json:"is_typing,omitempty"` // for typing events
	Payload  json.RawMessage `json:"payload,omitempty"`   // for signal events
	Reason   string          `json:"reason,omitempty"`    // for teardown events
	Ts       int64           `json:"ts,omitempty"`        // unix timestamp for chat events
}
