package moderation

// CheckRequest is published to moderation.check by a relay server when a
// message needs async content review.
type CheckRequest struct {
	ConnID  string `json:"conn_id"`
	UserID  string `json:"user_id"`
	MatchID string `json:"match_id"`
	Text    string `json:"text"`
	Ts      int64  `json:"ts"`
}

// CheckResult is published back to the relay server with the review outcome.
type CheckResult struct {
	ConnID  string `json:"conn_id"`
	MatchID string `json:"match_id"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
	Term    string `json:"term"`
}
