// Package relay is the application layer of the relay server. It owns the
// per-connection lifecycle (idle -> searching -> paired -> idle), forwards
// chat, typing, and WebRTC signaling events between matched peers over NATS,
// and enforces the abuse controls (bans, rate limits, moderation, reports)
// on the way through.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pairline/call-app/internal/ban"
	"github.com/pairline/call-app/internal/match"
	"github.com/pairline/call-app/internal/metrics"
	"github.com/pairline/call-app/internal/moderation"
	"github.com/pairline/call-app/internal/notify"
	"github.com/pairline/call-app/internal/profile"
	"github.com/pairline/call-app/internal/protocol"
	"github.com/pairline/call-app/internal/ratelimit"
	"github.com/pairline/call-app/internal/report"
	"github.com/pairline/call-app/internal/session"
	"github.com/pairline/call-app/internal/turn"
	"github.com/pairline/call-app/internal/ws"
)

// opTimeout bounds the Redis and Postgres calls made from message handlers.
const opTimeout = 3 * time.Second

// connState is the relay's in-memory view of one connection. Session state in
// Redis is authoritative across servers; this cache carries what the handlers
// need on the hot path.
type connState struct {
	prefs       protocol.JoinQueueMsg // last submitted queue preferences
	autoRequeue bool
	fingerprint string
	matchID     string
	partnerID   string
	modSub      bool // subscribed to moderation results
}

// Bus is the slice of the messaging client the relay drives: match workflow
// publishes, per-connection result subscriptions, the per-match relay subject,
// and the moderation and notify channels. *messaging.NATSClient implements it.
type Bus interface {
	PublishMatchRequest(data []byte) error
	PublishMatchCancel(data []byte) error
	PublishMatchEnd(data []byte) error
	PublishRelayEvent(matchID string, data []byte) error
	PublishModerationRequest(data []byte) error
	SubscribeMatchFound(connID string, handler func(data []byte)) error
	UnsubscribeMatchFound(connID string) error
	SubscribeMatchUpdate(connID string, handler func(data []byte)) error
	UnsubscribeMatchUpdate(connID string) error
	SubscribeToRelay(matchID, connID string, handler func(data []byte)) error
	UnsubscribeFromRelay(connID string) error
	SubscribeModerationResult(connID string, handler func(data []byte)) error
	UnsubscribeModerationResult(connID string) error
	SubscribeNotify(userID string, handler func(data []byte)) error
	UnsubscribeNotify(userID string) error
}

// SessionStore is the session state the relay maintains per connection.
// *session.Store implements it.
type SessionStore interface {
	Get(ctx context.Context, connID string) (*session.Session, error)
	Identify(ctx context.Context, connID, userID string) error
	UpdateStatus(ctx context.Context, connID string, status string) error
	SetMatchID(ctx context.Context, connID string, matchID string) error
	ClearMatchID(ctx context.Context, connID string) error
	SetFingerprint(ctx context.Context, connID string, fingerprint string) error
}

// BlockList is the per-user block set consulted on queue joins and written on
// reports. *ban.BlockStore implements it.
type BlockList interface {
	Block(ctx context.Context, userID, targetID string) error
	Blocked(ctx context.Context, userID string) ([]string, error)
}

// Deps bundles the relay's collaborators. Reports may be nil when the server
// runs without Postgres; everything else is required.
type Deps struct {
	NATS     Bus
	Sessions SessionStore
	Bans     *ban.Store
	Blocks   BlockList
	Limiter  *ratelimit.Limiter
	Filter   *moderation.Filter
	Analyzer moderation.Analyzer
	Reports  *report.Store
	ICE      *turn.Provider
	Notifier notify.Notifier
}

// ConnServer is the connection-facing surface of the WebSocket server: lookup,
// delivery, and forced removal. *ws.Server implements it.
type ConnServer interface {
	SendMessage(connID string, data []byte) error
	Connections() *ws.ConnectionManager
	RemoveConnection(c *ws.Connection)
}

// Relay wires the WebSocket dispatcher to the matchmaker and to the peer
// relay channel.
type Relay struct {
	server ConnServer
	deps   Deps
	buffer *MessageBuffer

	mu    sync.Mutex
	state map[string]*connState // connID -> state
	users map[string]string     // authenticated userID -> connID
}

// New creates a Relay from its dependencies. SetServer must be called before
// any handler runs.
func New(deps Deps) *Relay {
	if deps.Analyzer == nil {
		deps.Analyzer = moderation.NewFilterAnalyzer(deps.Filter)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NopNotifier{}
	}
	return &Relay{
		deps:   deps,
		buffer: NewMessageBuffer(),
		state:  make(map[string]*connState),
		users:  make(map[string]string),
	}
}

// SetServer binds the WebSocket server. Separate from New because the server
// needs the dispatcher callback, which needs the relay.
func (r *Relay) SetServer(s ConnServer) {
	r.server = s
}

// RegisterHandlers registers every client message type on the dispatcher.
func (r *Relay) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeIdentify, r.handleIdentify)
	d.Register(protocol.TypeSetFingerprint, r.handleSetFingerprint)
	d.Register(protocol.TypeJoinQueue, r.handleJoinQueue)
	d.Register(protocol.TypeCancelQueue, r.handleCancelQueue)
	d.Register(protocol.TypeChatMessage, r.handleChatMessage)
	d.Register(protocol.TypeTyping, r.handleTyping)
	d.Register(protocol.TypeWebRTCSignal, r.handleSignal)
	d.Register(protocol.TypeSkip, r.handleSkip)
	d.Register(protocol.TypeEndCall, r.handleEndCall)
	d.Register(protocol.TypeReport, r.handleReport)
	d.Register(protocol.TypeGetICE, r.handleGetICE)
}

// stateFor returns the connection's state, creating it on first use.
func (r *Relay) stateFor(connID string) *connState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[connID]
	if !ok {
		st = &connState{}
		r.state[connID] = st
	}
	return st
}

// dropState removes the connection's state.
func (r *Relay) dropState(connID string) {
	r.mu.Lock()
	delete(r.state, connID)
	r.mu.Unlock()
}

// send marshals and delivers a server message, logging failures.
func (r *Relay) send(connID, msgType string, msg interface{}) {
	data, err := protocol.NewServerMessage(msgType, msg)
	if err != nil {
		log.Printf("[relay] build %s for conn=%s: %v", msgType, connID, err)
		return
	}
	if err := r.server.SendMessage(connID, data); err != nil {
		log.Printf("[relay] send %s to conn=%s: %v", msgType, connID, err)
	}
}

func (r *Relay) sendError(connID, code, message string) {
	r.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// -----------------------------------------------------------------------
// identify — bind an account identity to the connection
// -----------------------------------------------------------------------

func (r *Relay) handleIdentify(conn *ws.Connection, msg interface{}) {
	idMsg, ok := msg.(protocol.IdentifyMsg)
	if !ok || idMsg.UserID == "" {
		r.sendError(conn.ID, "invalid_identify", "user_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if banned, remaining, reason, err := r.deps.Bans.IsBanned(ctx, idMsg.UserID); err == nil && banned {
		r.send(conn.ID, protocol.TypeBanned, protocol.BannedMsg{Duration: remaining, Reason: reason})
		return
	}

	// One live connection per account: an identify from a second tab or
	// device replaces the earlier one.
	if prev := r.ConnForUser(idMsg.UserID); prev != nil && prev.ID != conn.ID {
		r.sendError(prev.ID, "session_replaced", "account connected from another session")
		r.server.RemoveConnection(prev)
	}

	prevUser := conn.UserID()
	conn.BindUser(idMsg.UserID)
	r.mu.Lock()
	delete(r.users, prevUser)
	r.users[idMsg.UserID] = conn.ID
	r.mu.Unlock()

	if err := r.deps.Sessions.Identify(ctx, conn.ID, idMsg.UserID); err != nil {
		log.Printf("[relay] identify session conn=%s: %v", conn.ID, err)
	}

	// Move the notification subscription to the new identity.
	_ = r.deps.NATS.UnsubscribeNotify(prevUser)
	r.subscribeNotify(conn.ID, idMsg.UserID)

	log.Printf("[relay] conn=%s identified as %s", conn.ID, idMsg.UserID)
}

// ConnForUser resolves a user ID to its live connection via the identity
// index. Anonymous IDs encode their connection ID directly. The scan over all
// connections is a safety net for an index miss, never the primary path.
func (r *Relay) ConnForUser(userID string) *ws.Connection {
	if profile.IsAnonymous(userID) {
		return r.server.Connections().Get(userID[5:])
	}

	r.mu.Lock()
	connID := r.users[userID]
	r.mu.Unlock()
	if connID != "" {
		if conn := r.server.Connections().Get(connID); conn != nil {
			return conn
		}
	}

	for _, c := range r.server.Connections().All() {
		if c.UserID() == userID {
			return c
		}
	}
	return nil
}

// subscribeNotify forwards user notifications to the connection.
func (r *Relay) subscribeNotify(connID, userID string) {
	err := r.deps.NATS.SubscribeNotify(userID, func(data []byte) {
		var ev notify.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		switch ev.Kind {
		case "ban_applied":
			r.send(connID, protocol.TypeBanned, protocol.BannedMsg{Reason: ev.Body})
		default:
			r.sendError(connID, ev.Kind, ev.Body)
		}
	})
	if err != nil {
		log.Printf("[relay] subscribe notify for %s: %v", userID, err)
	}
}

// -----------------------------------------------------------------------
// set_fingerprint — associate a browser fingerprint for ban enforcement
// -----------------------------------------------------------------------

func (r *Relay) handleSetFingerprint(conn *ws.Connection, msg interface{}) {
	fpMsg, ok := msg.(protocol.SetFingerprintMsg)
	if !ok || fpMsg.Fingerprint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	st := r.stateFor(conn.ID)
	r.mu.Lock()
	st.fingerprint = fpMsg.Fingerprint
	r.mu.Unlock()

	if err := r.deps.Sessions.SetFingerprint(ctx, conn.ID, fpMsg.Fingerprint); err != nil {
		log.Printf("[relay] set fingerprint conn=%s: %v", conn.ID, err)
	}

	if banned, remaining, reason, err := r.deps.Bans.IsBanned(ctx, fpMsg.Fingerprint); err == nil && banned {
		r.send(conn.ID, protocol.TypeBanned, protocol.BannedMsg{Duration: remaining, Reason: reason})
	}
}

// banSubject returns the identifier bans are checked and recorded against:
// the fingerprint when known, otherwise the user ID.
func (r *Relay) banSubject(conn *ws.Connection, st *connState) string {
	r.mu.Lock()
	fp := st.fingerprint
	r.mu.Unlock()
	if fp != "" {
		return fp
	}
	return conn.UserID()
}

// -----------------------------------------------------------------------
// join_queue — enter the matching queue
// -----------------------------------------------------------------------

func (r *Relay) handleJoinQueue(conn *ws.Connection, msg interface{}) {
	joinMsg, ok := msg.(protocol.JoinQueueMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	allowed, _ := r.deps.Limiter.Allow(ctx, conn.ID, ratelimit.RuleMatch)
	if !allowed {
		r.send(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleMatch.Window.Seconds()),
		})
		return
	}

	st := r.stateFor(conn.ID)
	if banned, remaining, reason, err := r.deps.Bans.IsBanned(ctx, r.banSubject(conn, st)); err == nil && banned {
		r.send(conn.ID, protocol.TypeBanned, protocol.BannedMsg{Duration: remaining, Reason: reason})
		return
	}

	// Blocked terms never enter the pool as interests.
	if r.deps.Filter != nil {
		joinMsg.Interests = r.deps.Filter.CheckInterests(joinMsg.Interests)
	}

	r.mu.Lock()
	st.prefs = joinMsg
	st.autoRequeue = joinMsg.AutoRequeue
	r.mu.Unlock()

	r.publishJoin(conn, joinMsg)
}

// publishJoin subscribes the connection to matchmaker results and publishes
// the match request. It is shared by join_queue and the auto-requeue path.
func (r *Relay) publishJoin(conn *ws.Connection, prefs protocol.JoinQueueMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	connID := conn.ID
	userID := conn.UserID()

	if err := r.deps.Sessions.UpdateStatus(ctx, connID, session.StatusSearching); err != nil {
		log.Printf("[relay] set searching conn=%s: %v", connID, err)
	}

	// Session blocks ride along so the matcher can honor them for anonymous
	// users with no account blocklist. Redis errors degrade to no blocks.
	blocked, err := r.deps.Blocks.Blocked(ctx, userID)
	if err != nil {
		log.Printf("[relay] load blocks for %s: %v (ignoring)", userID, err)
		blocked = nil
	}

	_ = r.deps.NATS.UnsubscribeMatchUpdate(connID)
	if err := r.deps.NATS.SubscribeMatchUpdate(connID, func(data []byte) {
		r.handleMatchUpdate(connID, data)
	}); err != nil {
		log.Printf("[relay] subscribe match updates conn=%s: %v", connID, err)
	}

	_ = r.deps.NATS.UnsubscribeMatchFound(connID)
	if err := r.deps.NATS.SubscribeMatchFound(connID, func(data []byte) {
		r.handleMatchResult(connID, data)
	}); err != nil {
		log.Printf("[relay] subscribe match results conn=%s: %v", connID, err)
	}

	req := match.Request{
		ConnID:          connID,
		UserID:          userID,
		Gender:          prefs.Gender,
		PreferredGender: prefs.PreferredGender,
		Interests:       prefs.Interests,
		Region:          prefs.Region,
		Blocked:         blocked,
	}
	data, _ := json.Marshal(req)
	if err := r.deps.NATS.PublishMatchRequest(data); err != nil {
		log.Printf("[relay] publish match request conn=%s: %v", connID, err)
		r.sendError(connID, "match_unavailable", "matching is temporarily unavailable")
		return
	}

	r.send(connID, protocol.TypeSearching, protocol.SearchingMsg{
		Message: "searching for a partner",
	})
	log.Printf("[relay] join_queue conn=%s user=%s interests=%v", connID, userID, prefs.Interests)
}

// handleMatchUpdate processes searching snapshots, denials, and queue
// evictions from the matchmaker.
func (r *Relay) handleMatchUpdate(connID string, data []byte) {
	var up match.Update
	if err := json.Unmarshal(data, &up); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch {
	case up.Denied:
		r.sendError(connID, "match_denied", up.Reason)
		_ = r.deps.NATS.UnsubscribeMatchFound(connID)
		_ = r.deps.NATS.UnsubscribeMatchUpdate(connID)
		_ = r.deps.Sessions.UpdateStatus(ctx, connID, session.StatusIdle)

	case up.Evicted:
		r.send(connID, protocol.TypeMatchEnded, protocol.MatchEndedMsg{Reason: protocol.ReasonTimeout})
		_ = r.deps.NATS.UnsubscribeMatchFound(connID)
		_ = r.deps.NATS.UnsubscribeMatchUpdate(connID)
		_ = r.deps.Sessions.UpdateStatus(ctx, connID, session.StatusIdle)

	default:
		r.send(connID, protocol.TypeSearching, protocol.SearchingMsg{
			Message: "searching for a partner",
			QueueStats: protocol.QueueStats{
				Waiting: up.Waiting,
				Shards:  up.Shards,
			},
		})
	}
}

// handleMatchResult activates a fresh pairing on this side.
func (r *Relay) handleMatchResult(connID string, data []byte) {
	var res match.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_ = r.deps.NATS.UnsubscribeMatchFound(connID)
	_ = r.deps.NATS.UnsubscribeMatchUpdate(connID)

	st := r.stateFor(connID)
	r.mu.Lock()
	st.matchID = res.MatchID
	st.partnerID = res.PartnerID
	r.mu.Unlock()

	if err := r.deps.Sessions.SetMatchID(ctx, connID, res.MatchID); err != nil {
		log.Printf("[relay] set match conn=%s: %v", connID, err)
	}

	conn := r.server.Connections().Get(connID)
	if conn == nil {
		// Client vanished between pairing and activation. Tear the match
		// down so the partner isn't stuck talking to nobody.
		r.teardownByIDs(connID, r.userForConn(connID), res.MatchID, protocol.ReasonPartnerLeft)
		return
	}

	selfID := conn.UserID()
	if err := r.deps.NATS.SubscribeToRelay(res.MatchID, connID, func(data []byte) {
		r.handleRelayEvent(connID, selfID, data)
	}); err != nil {
		log.Printf("[relay] subscribe relay conn=%s match=%s: %v", connID, res.MatchID, err)
	}

	r.send(connID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		MatchID: res.MatchID,
		Partner: protocol.PartnerInfo{
			UserID:    res.PartnerID,
			Interests: res.PartnerInterests,
			Region:    res.PartnerRegion,
		},
		IsInitiator: res.IsInitiator,
		MatchScore:  res.Score,
	})
	log.Printf("[relay] match_found conn=%s match=%s partner=%s initiator=%v",
		connID, res.MatchID, res.PartnerID, res.IsInitiator)
}

// userForConn returns the bound user ID for a live connection, or the
// anonymous fallback when the connection is already gone.
func (r *Relay) userForConn(connID string) string {
	if conn := r.server.Connections().Get(connID); conn != nil {
		return conn.UserID()
	}
	return profile.Anonymous(connID).ID
}

// -----------------------------------------------------------------------
// cancel_queue — leave the matching queue
// -----------------------------------------------------------------------

func (r *Relay) handleCancelQueue(conn *ws.Connection, msg interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	req := match.Cancel{ConnID: conn.ID, UserID: conn.UserID()}
	data, _ := json.Marshal(req)
	if err := r.deps.NATS.PublishMatchCancel(data); err != nil {
		log.Printf("[relay] publish cancel conn=%s: %v", conn.ID, err)
	}

	_ = r.deps.NATS.UnsubscribeMatchFound(conn.ID)
	_ = r.deps.NATS.UnsubscribeMatchUpdate(conn.ID)
	_ = r.deps.Sessions.UpdateStatus(ctx, conn.ID, session.StatusIdle)

	st := r.stateFor(conn.ID)
	r.mu.Lock()
	st.autoRequeue = false
	r.mu.Unlock()

	log.Printf("[relay] cancel_queue conn=%s", conn.ID)
}

// activeMatch returns the connection's current match and partner, or "" if
// the claimed match ID does not line up with the relay's state.
func (r *Relay) activeMatch(st *connState, claimed string) (matchID, partnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.matchID == "" || (claimed != "" && claimed != st.matchID) {
		return "", ""
	}
	return st.matchID, st.partnerID
}

// -----------------------------------------------------------------------
// chat_message — moderated text relay
// -----------------------------------------------------------------------

func (r *Relay) handleChatMessage(conn *ws.Connection, msg interface{}) {
	chatMsg, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}

	st := r.stateFor(conn.ID)
	matchID, _ := r.activeMatch(st, chatMsg.MatchID)
	if matchID == "" {
		r.sendError(conn.ID, "invalid_match", "not in an active match")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	allowed, _ := r.deps.Limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage)
	if !allowed {
		r.send(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
		})
		return
	}

	if err := ValidateMessage(chatMsg.Text); err != nil {
		r.sendError(conn.ID, "invalid_message", err.Error())
		return
	}

	userID := conn.UserID()
	text := chatMsg.Text

	// Moderation fails open: an analyzer outage must not kill the chat.
	verdict, err := r.deps.Analyzer.Analyze(ctx, userID, text)
	if err != nil {
		log.Printf("[relay] moderation conn=%s: %v (allowing)", conn.ID, err)
		verdict = moderation.Verdict{Action: moderation.ActionAllow}
	}
	switch verdict.Action {
	case moderation.ActionBlock:
		metrics.BlockedMessages.WithLabelValues(verdict.Category).Inc()
		r.sendError(conn.ID, "message_blocked", "message violates content rules")
		r.escalateViolation(conn, st, verdict)
		return
	case moderation.ActionWarn:
		metrics.BlockedMessages.WithLabelValues(verdict.Category).Inc()
		text = verdict.SanitizedText
		r.escalateViolation(conn, st, verdict)
	}

	now := time.Now().Unix()
	r.buffer.Add(matchID, BufferedMessage{From: userID, Text: text, Ts: now})

	event := Event{Type: EventChat, From: userID, Text: text, Ts: now}
	r.publishEvent(matchID, event)
	metrics.RelayedEvents.WithLabelValues(EventChat).Inc()
}

// escalateViolation reports a content violation to the moderator service for
// offense tracking and escalating bans. The first violation also subscribes
// the connection to moderation results so follow-up warnings reach the client.
func (r *Relay) escalateViolation(conn *ws.Connection, st *connState, verdict moderation.Verdict) {
	connID := conn.ID
	r.mu.Lock()
	matchID := st.matchID
	needSub := !st.modSub
	st.modSub = true
	r.mu.Unlock()

	if needSub {
		err := r.deps.NATS.SubscribeModerationResult(connID, func(data []byte) {
			var res moderation.CheckResult
			if err := json.Unmarshal(data, &res); err != nil {
				return
			}
			if res.Blocked {
				r.sendError(connID, "moderation_warning", "repeated violations lead to a temporary ban")
			}
		})
		if err != nil {
			log.Printf("[relay] subscribe moderation results conn=%s: %v", connID, err)
		}
	}

	req := moderation.CheckRequest{
		ConnID:  conn.ID,
		UserID:  conn.UserID(),
		MatchID: matchID,
		Text:    verdict.Term,
		Ts:      time.Now().Unix(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := r.deps.NATS.PublishModerationRequest(data); err != nil {
		log.Printf("[relay] publish moderation request conn=%s: %v", conn.ID, err)
	}
}

// -----------------------------------------------------------------------
// typing — relay typing indicator
// -----------------------------------------------------------------------

func (r *Relay) handleTyping(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}

	st := r.stateFor(conn.ID)
	matchID, _ := r.activeMatch(st, typingMsg.MatchID)
	if matchID == "" {
		return
	}

	r.publishEvent(matchID, Event{
		Type:     EventTyping,
		From:     conn.UserID(),
		IsTyping: typingMsg.IsTyping,
	})
	metrics.RelayedEvents.WithLabelValues(EventTyping).Inc()
}

// -----------------------------------------------------------------------
// webrtc_signal — opaque signaling relay
// -----------------------------------------------------------------------

func (r *Relay) handleSignal(conn *ws.Connection, msg interface{}) {
	sigMsg, ok := msg.(protocol.SignalMsg)
	if !ok {
		return
	}

	st := r.stateFor(conn.ID)
	matchID, _ := r.activeMatch(st, sigMsg.MatchID)
	if matchID == "" {
		r.sendError(conn.ID, "invalid_match", "not in an active match")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	allowed, _ := r.deps.Limiter.Allow(ctx, conn.ID, ratelimit.RuleSignal)
	if !allowed {
		r.send(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleSignal.Window.Seconds()),
		})
		return
	}

	r.publishEvent(matchID, Event{
		Type:    EventSignal,
		From:    conn.UserID(),
		Payload: sigMsg.Payload,
	})
	metrics.RelayedEvents.WithLabelValues(EventSignal).Inc()
}

// -----------------------------------------------------------------------
// skip / end_call — reason-coded teardown by the client
// -----------------------------------------------------------------------

func (r *Relay) handleSkip(conn *ws.Connection, msg interface{}) {
	skipMsg, ok := msg.(protocol.SkipMsg)
	if !ok {
		return
	}

	st := r.stateFor(conn.ID)
	matchID, _ := r.activeMatch(st, skipMsg.MatchID)
	if matchID == "" {
		return
	}

	r.teardown(conn, st, matchID, protocol.ReasonPartnerSkipped)
	r.send(conn.ID, protocol.TypeMatchEnded, protocol.MatchEndedMsg{Reason: protocol.ReasonYouLeft})
	log.Printf("[relay] skip conn=%s match=%s", conn.ID, matchID)

	r.maybeRequeue(conn, st)
}

func (r *Relay) handleEndCall(conn *ws.Connection, msg interface{}) {
	endMsg, ok := msg.(protocol.EndCallMsg)
	if !ok {
		return
	}

	st := r.stateFor(conn.ID)
	matchID, _ := r.activeMatch(st, endMsg.MatchID)
	if matchID == "" {
		return
	}

	r.teardown(conn, st, matchID, protocol.ReasonPartnerLeft)
	r.send(conn.ID, protocol.TypeCallEnded, protocol.CallEndedMsg{Reason: protocol.ReasonYouLeft})
	log.Printf("[relay] end_call conn=%s match=%s", conn.ID, matchID)

	r.maybeRequeue(conn, st)
}

// teardown ends this side's match: it notifies the partner over the relay
// subject with the given reason, tells the matchmaker to end the registry
// record, and resets local state. It is idempotent per connection.
func (r *Relay) teardown(conn *ws.Connection, st *connState, matchID, partnerReason string) {
	r.teardownByIDs(conn.ID, conn.UserID(), matchID, partnerReason)
	r.mu.Lock()
	st.matchID = ""
	st.partnerID = ""
	r.mu.Unlock()
}

func (r *Relay) teardownByIDs(connID, userID, matchID, partnerReason string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r.publishEvent(matchID, Event{Type: EventTeardown, From: userID, Reason: partnerReason})

	end := match.EndRequest{ConnID: connID, UserID: userID, MatchID: matchID, Reason: partnerReason}
	data, _ := json.Marshal(end)
	if err := r.deps.NATS.PublishMatchEnd(data); err != nil {
		log.Printf("[relay] publish match end conn=%s: %v", connID, err)
	}

	_ = r.deps.NATS.UnsubscribeFromRelay(connID)
	r.buffer.Remove(matchID)
	_ = r.deps.Sessions.ClearMatchID(ctx, connID)
}

// maybeRequeue re-enters the queue when the client asked for continuous
// matching.
func (r *Relay) maybeRequeue(conn *ws.Connection, st *connState) {
	r.mu.Lock()
	requeue := st.autoRequeue
	prefs := st.prefs
	r.mu.Unlock()
	if !requeue {
		return
	}
	log.Printf("[relay] auto requeue conn=%s", conn.ID)
	r.publishJoin(conn, prefs)
}

// -----------------------------------------------------------------------
// report — abuse report with conversation snapshot
// -----------------------------------------------------------------------

func (r *Relay) handleReport(conn *ws.Connection, msg interface{}) {
	repMsg, ok := msg.(protocol.ReportMsg)
	if !ok {
		return
	}

	st := r.stateFor(conn.ID)
	matchID, partnerID := r.activeMatch(st, repMsg.MatchID)
	if matchID == "" {
		r.sendError(conn.ID, "invalid_match", "not in an active match")
		return
	}
	if !report.ValidReason(repMsg.Reason) {
		r.sendError(conn.ID, "invalid_reason", "unknown report reason")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	allowed, _ := r.deps.Limiter.Allow(ctx, conn.ID, ratelimit.RuleReport)
	if !allowed {
		r.send(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleReport.Window.Seconds()),
		})
		return
	}

	reporterID := conn.UserID()

	// Persist the report with the conversation snapshot before tearing the
	// match down (teardown clears the buffer).
	if r.deps.Reports != nil {
		snapshot := r.buffer.Get(matchID)
		entries := make([]report.MessageEntry, 0, len(snapshot))
		for _, m := range snapshot {
			from := "reported"
			if m.From == reporterID {
				from = "reporter"
			}
			entries = append(entries, report.MessageEntry{From: from, Text: m.Text, Ts: m.Ts})
		}
		err := r.deps.Reports.Create(ctx, &report.Report{
			ReporterID: reporterID,
			ReportedID: partnerID,
			MatchID:    matchID,
			Reason:     repMsg.Reason,
			Messages:   entries,
		})
		if err != nil {
			log.Printf("[relay] store report conn=%s: %v", conn.ID, err)
		}
	}

	// The reporter never wants to see this partner again; the matcher honors
	// the block on future pairings.
	if err := r.deps.Blocks.Block(ctx, reporterID, partnerID); err != nil {
		log.Printf("[relay] block %s -> %s: %v", reporterID, partnerID, err)
	}

	// Count the report toward the partner's auto-ban threshold.
	banned, duration, err := r.deps.Bans.ReportAndCheck(ctx, partnerID, repMsg.Reason)
	if err != nil {
		log.Printf("[relay] report-and-check %s: %v", partnerID, err)
	} else if banned {
		log.Printf("[relay] auto-banned %s for %s after reports", partnerID, duration)
		r.deps.Notifier.Notify(partnerID, "ban_applied", "temporarily banned after multiple reports")
	}

	// The reported user sees an ordinary disconnect, not the report.
	r.teardown(conn, st, matchID, protocol.ReasonPartnerLeft)
	r.send(conn.ID, protocol.TypeMatchEnded, protocol.MatchEndedMsg{Reason: protocol.ReasonReport})
	log.Printf("[relay] report conn=%s match=%s reason=%s", conn.ID, matchID, repMsg.Reason)
}

// -----------------------------------------------------------------------
// get_ice — ICE server configuration
// -----------------------------------------------------------------------

func (r *Relay) handleGetICE(conn *ws.Connection, msg interface{}) {
	userID := conn.UserID()
	servers := r.deps.ICE.Servers(userID, !profile.IsAnonymous(userID))
	r.send(conn.ID, protocol.TypeICEConfig, protocol.ICEConfigMsg{ICEServers: servers})
}

// -----------------------------------------------------------------------
// relay subject — events from the partner (possibly on another server)
// -----------------------------------------------------------------------

// handleRelayEvent forwards a partner event to the local client. Events
// originated by this side are dropped.
func (r *Relay) handleRelayEvent(connID, selfUserID string, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("[relay] bad relay event for conn=%s: %v", connID, err)
		return
	}
	if event.From == selfUserID {
		return // don't echo to sender
	}

	switch event.Type {
	case EventChat:
		r.send(connID, protocol.TypeChatMessage, protocol.ServerChatMsg{
			From: "partner",
			Text: event.Text,
			Ts:   event.Ts,
		})

	case EventTyping:
		r.send(connID, protocol.TypeTyping, protocol.ServerTypingMsg{
			IsTyping: event.IsTyping,
		})

	case EventSignal:
		r.send(connID, protocol.TypeWebRTCSignal, protocol.ServerSignalMsg{
			Payload: event.Payload,
		})

	case EventTeardown:
		r.handlePartnerTeardown(connID, event.Reason)
	}
}

// handlePartnerTeardown cleans up this side after the partner (or the
// reaper) ended the match, and notifies the client with the proper reason.
func (r *Relay) handlePartnerTeardown(connID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	st := r.stateFor(connID)
	r.mu.Lock()
	matchID := st.matchID
	st.matchID = ""
	st.partnerID = ""
	r.mu.Unlock()
	if matchID == "" {
		return // already torn down locally
	}

	_ = r.deps.NATS.UnsubscribeFromRelay(connID)
	r.buffer.Remove(matchID)
	_ = r.deps.Sessions.ClearMatchID(ctx, connID)

	switch reason {
	case protocol.ReasonPartnerSkipped:
		r.send(connID, protocol.TypePartnerSkipped, protocol.PartnerSkippedMsg{})
		r.send(connID, protocol.TypeMatchEnded, protocol.MatchEndedMsg{Reason: protocol.ReasonPartnerSkipped})
	case protocol.ReasonTimeout:
		r.send(connID, protocol.TypeMatchEnded, protocol.MatchEndedMsg{Reason: protocol.ReasonTimeout})
	default:
		r.send(connID, protocol.TypeMatchEnded, protocol.MatchEndedMsg{Reason: protocol.ReasonPartnerLeft})
	}
	log.Printf("[relay] match %s ended for conn=%s (reason=%s)", matchID, connID, reason)

	if conn := r.server.Connections().Get(connID); conn != nil {
		r.maybeRequeue(conn, st)
	}
}

// publishEvent publishes a relay event to the match's subject.
func (r *Relay) publishEvent(matchID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[relay] marshal %s event for match=%s: %v", event.Type, matchID, err)
		return
	}
	if err := r.deps.NATS.PublishRelayEvent(matchID, data); err != nil {
		log.Printf("[relay] publish %s event for match=%s: %v", event.Type, matchID, err)
	}
}

// -----------------------------------------------------------------------
// disconnect — abrupt connection loss
// -----------------------------------------------------------------------

// HandleDisconnect cleans up whatever phase the connection was in when it
// dropped: cancel a pending search, or end an active match with partner_left.
func (r *Relay) HandleDisconnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	connID := conn.ID
	userID := conn.UserID()

	st := r.stateFor(connID)
	r.mu.Lock()
	matchID := st.matchID
	r.mu.Unlock()

	sess, err := r.deps.Sessions.Get(ctx, connID)
	if err == nil && sess != nil && sess.Status == session.StatusSearching {
		req := match.Cancel{ConnID: connID, UserID: userID}
		data, _ := json.Marshal(req)
		_ = r.deps.NATS.PublishMatchCancel(data)
	}

	if matchID != "" {
		r.teardownByIDs(connID, userID, matchID, protocol.ReasonPartnerLeft)
	}

	_ = r.deps.NATS.UnsubscribeMatchFound(connID)
	_ = r.deps.NATS.UnsubscribeMatchUpdate(connID)
	_ = r.deps.NATS.UnsubscribeModerationResult(connID)

	// A connection replaced by a fresh identify no longer owns the user's
	// notify subscription; tearing it down would cut off the new connection.
	r.mu.Lock()
	owns := r.users[userID] == connID
	if owns {
		delete(r.users, userID)
	}
	r.mu.Unlock()
	if owns || profile.IsAnonymous(userID) {
		_ = r.deps.NATS.UnsubscribeNotify(userID)
	}
	r.dropState(connID)

	log.Printf("[relay] disconnect cleanup conn=%s user=%s", connID, userID)
}
