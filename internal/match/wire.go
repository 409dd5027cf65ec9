package match

// NATS payload types exchanged between the relay servers and the matchmaker.

// Request is published to match.request when a client joins the queue.
type Request struct {
	ConnID          string   `json:"conn_id"`
	UserID          string   `json:"user_id"`
	Gender          string   `json:"gender,omitempty"`
	PreferredGender string   `json:"preferred_gender,omitempty"`
	Interests       []string `json:"interests,omitempty"`
	Region          string   `json:"region,omitempty"`
	Blocked         []string `json:"blocked,omitempty"` // session blocks merged by the relay
}

// Cancel is published to match.cancel when a client leaves the queue.
type Cancel struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// EndRequest is published to match.end when a client tears down its match.
type EndRequest struct {
	ConnID  string `json:"conn_id"`
	UserID  string `json:"user_id"`
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"`
}

// Result is published to match.found.<conn_id> for each participant of a
// fresh pairing.
type Result struct {
	ConnID           string   `json:"conn_id"`
	MatchID          string   `json:"match_id"`
	PartnerID        string   `json:"partner_id"`
	PartnerConnID    string   `json:"partner_conn_id"`
	PartnerInterests []string `json:"partner_interests,omitempty"`
	PartnerRegion    string   `json:"partner_region,omitempty"`
	IsInitiator      bool     `json:"is_initiator"`
	Score            float64  `json:"score"`
}

// Update is published to match.update.<conn_id> while a client waits:
// searching snapshots, queue eviction, or a gate denial.
type Update struct {
	ConnID  string `json:"conn_id"`
	Waiting int    `json:"waiting,omitempty"`
	Shards  int    `json:"shards,omitempty"`
	Evicted bool   `json:"evicted,omitempty"` // queue wait exceeded, entry reaped
	Denied  bool   `json:"denied,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
