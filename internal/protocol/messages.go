// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify       = "identify"
	TypeSetFingerprint = "set_fingerprint"
	TypeJoinQueue      = "join_queue"
	TypeCancelQueue    = "cancel_queue"
	TypeChatMessage    = "chat_message"
	TypeTyping         = "typing"
	TypeWebRTCSignal   = "webrtc_signal"
	TypeSkip           = "skip"
	TypeEndCall        = "end_call"
	TypeReport         = "report"
	TypeGetICE         = "get_ice"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeSearching      = "searching"
	TypeMatchFound     = "match_found"
	TypeMatchEnded     = "match_ended"
	TypeCallEnded      = "call_ended"
	TypePartnerSkipped = "partner_skipped"
	TypeICEConfig      = "ice_config"
	TypeRateLimited    = "rate_limited"
	TypeBanned         = "banned"
	TypeError          = "error"
	TypePong           = "pong"
)

// Reason codes for match_ended and call_ended events.
const (
	ReasonPartnerLeft    = "partner_left"
	ReasonYouLeft        = "you_left"
	ReasonPartnerSkipped = "partner_skipped"
	ReasonReport         = "report"
	ReasonTimeout        = "timeout"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg binds an authenticated user ID to the current connection.
// Connections that never identify are treated as anonymous free-tier users.
type IdentifyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SetFingerprintMsg associates a browser fingerprint hash with the current
// connection for ban enforcement.
type SetFingerprintMsg struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
}

// JoinQueueMsg is sent by the client to enter the matching queue with its
// preferences for the next partner.
type JoinQueueMsg struct {
	Type            string   `json:"type"`
	Gender          string   `json:"gender,omitempty"`
	PreferredGender string   `json:"preferred_gender,omitempty"`
	Interests       []string `json:"interests,omitempty"`
	Region          string   `json:"region,omitempty"`
	AutoRequeue     bool     `json:"auto_requeue,omitempty"`
}

// CancelQueueMsg is sent by the client to leave the matching queue.
type CancelQueueMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client within a match.
type ChatMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Text    string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	MatchID  string `json:"match_id"`
	IsTyping bool   `json:"is_typing"`
}

// SignalMsg carries an opaque WebRTC signaling payload (SDP offer/answer or
// ICE candidate). The relay forwards the payload without inspecting it.
type SignalMsg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id"`
	Payload json.RawMessage `json:"payload"`
}

// SkipMsg ends the sender's side of the match and moves on. The partner is
// told they were skipped, which is distinct from a disconnect.
type SkipMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// EndCallMsg is sent by the client to end an active call.
type EndCallMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// ReportMsg is sent by the client to report the current partner.
type ReportMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"`
}

// GetICEMsg requests the ICE server configuration for establishing the
// peer connection.
type GetICEMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is established.
type SessionCreatedMsg struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

// QueueStats is a snapshot of the waiting pool included in searching updates.
type QueueStats struct {
	Waiting int `json:"waiting"`
	Shards  int `json:"shards"`
}

// SearchingMsg confirms the client has entered the matching queue.
type SearchingMsg struct {
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	QueueStats QueueStats `json:"queue_stats"`
}

// PartnerInfo is the subset of the partner's profile shared on match.
type PartnerInfo struct {
	UserID    string   `json:"user_id"`
	Interests []string `json:"interests,omitempty"`
	Region    string   `json:"region,omitempty"`
}

// MatchFoundMsg is sent by the server when a compatible partner has been found.
// IsInitiator tells the client whether it should create the WebRTC offer.
type MatchFoundMsg struct {
	Type        string      `json:"type"`
	MatchID     string      `json:"match_id"`
	Partner     PartnerInfo `json:"partner"`
	IsInitiator bool        `json:"is_initiator"`
	MatchScore  float64     `json:"match_score"`
}

// MatchEndedMsg is sent by the server when the match is over, with a reason
// code from the Reason* constants.
type MatchEndedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ServerChatMsg is a text message relayed from the partner by the server.
// The text has already passed the moderation gate.
type ServerChatMsg struct {
	Type string `json:"type"`
	From string `json:"from"` // "partner"
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ServerTypingMsg relays the partner's typing indicator to the client.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// ServerSignalMsg relays the partner's WebRTC signaling payload.
type ServerSignalMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CallEndedMsg is sent by the server when an active call ends.
type CallEndedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PartnerSkippedMsg tells the client the partner skipped them. It is distinct
// from CallEndedMsg so the UI can differentiate a skip from a disconnect.
type PartnerSkippedMsg struct {
	Type string `json:"type"`
}

// ICEServer describes a single STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfigMsg carries the ICE server list for the peer connection.
type ICEConfigMsg struct {
	Type       string      `json:"type"`
	ICEServers []ICEServer `json:"ice_servers"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent by the server when the client has been banned.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetFingerprint:
		var m SetFingerprintMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelQueue:
		var m CancelQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCSignal:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndCall:
		var m EndCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetICE:
		var m GetICEMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
