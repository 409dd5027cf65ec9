package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pairline/call-app/internal/match"
	"github.com/pairline/call-app/internal/protocol"
	"github.com/pairline/call-app/internal/session"
	"github.com/pairline/call-app/internal/ws"
)

// ---------------------------------------------------------------------------
// In-memory fakes for the relay's injected collaborators. The concrete Redis
// and NATS implementations are exercised by their own package tests; here we
// drive the relay's state machine directly.
// ---------------------------------------------------------------------------

type publishedEvent struct {
	matchID string
	event   Event
}

// fakeBus records every publish the relay makes, decoded into the wire types
// the matchmaker would see.
type fakeBus struct {
	mu            sync.Mutex
	matchRequests []match.Request
	matchCancels  []match.Cancel
	matchEnds     []match.EndRequest
	relayEvents   []publishedEvent
	modRequests   int
	relayUnsubs   []string
}

func (b *fakeBus) PublishMatchRequest(data []byte) error {
	var req match.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	b.mu.Lock()
	b.matchRequests = append(b.matchRequests, req)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) PublishMatchCancel(data []byte) error {
	var c match.Cancel
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	b.mu.Lock()
	b.matchCancels = append(b.matchCancels, c)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) PublishMatchEnd(data []byte) error {
	var end match.EndRequest
	if err := json.Unmarshal(data, &end); err != nil {
		return err
	}
	b.mu.Lock()
	b.matchEnds = append(b.matchEnds, end)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) PublishRelayEvent(matchID string, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	b.relayEvents = append(b.relayEvents, publishedEvent{matchID: matchID, event: ev})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) PublishModerationRequest(data []byte) error {
	b.mu.Lock()
	b.modRequests++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) SubscribeMatchFound(connID string, handler func(data []byte)) error  { return nil }
func (b *fakeBus) UnsubscribeMatchFound(connID string) error                           { return nil }
func (b *fakeBus) SubscribeMatchUpdate(connID string, handler func(data []byte)) error { return nil }
func (b *fakeBus) UnsubscribeMatchUpdate(connID string) error                          { return nil }
func (b *fakeBus) SubscribeToRelay(matchID, connID string, handler func(data []byte)) error {
	return nil
}

func (b *fakeBus) UnsubscribeFromRelay(connID string) error {
	b.mu.Lock()
	b.relayUnsubs = append(b.relayUnsubs, connID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) SubscribeModerationResult(connID string, handler func(data []byte)) error {
	return nil
}
func (b *fakeBus) UnsubscribeModerationResult(connID string) error                { return nil }
func (b *fakeBus) SubscribeNotify(userID string, handler func(data []byte)) error { return nil }
func (b *fakeBus) UnsubscribeNotify(userID string) error                          { return nil }

// fakeSessions keeps session fields in maps. Get serves only what tests seed,
// mirroring the store's nil-on-miss contract.
type fakeSessions struct {
	mu       sync.Mutex
	statuses map[string]string
	matches  map[string]string
	seeded   map[string]*session.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		statuses: make(map[string]string),
		matches:  make(map[string]string),
		seeded:   make(map[string]*session.Session),
	}
}

func (f *fakeSessions) Get(ctx context.Context, connID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeded[connID], nil
}

func (f *fakeSessions) Identify(ctx context.Context, connID, userID string) error { return nil }

func (f *fakeSessions) UpdateStatus(ctx context.Context, connID string, status string) error {
	f.mu.Lock()
	f.statuses[connID] = status
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) SetMatchID(ctx context.Context, connID string, matchID string) error {
	f.mu.Lock()
	f.matches[connID] = matchID
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) ClearMatchID(ctx context.Context, connID string) error {
	f.mu.Lock()
	delete(f.matches, connID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) SetFingerprint(ctx context.Context, connID string, fp string) error {
	return nil
}

func (f *fakeSessions) status(connID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[connID]
}

type fakeBlocks struct{}

func (fakeBlocks) Block(ctx context.Context, userID, targetID string) error { return nil }
func (fakeBlocks) Blocked(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

// fakeServer captures outbound messages per connection over a real
// ConnectionManager.
type fakeServer struct {
	conns   *ws.ConnectionManager
	mu      sync.Mutex
	sent    map[string][][]byte
	removed []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		conns: ws.NewConnectionManager(),
		sent:  make(map[string][][]byte),
	}
}

func (s *fakeServer) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	s.sent[connID] = append(s.sent[connID], data)
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) Connections() *ws.ConnectionManager { return s.conns }

func (s *fakeServer) RemoveConnection(c *ws.Connection) {
	s.mu.Lock()
	s.removed = append(s.removed, c.ID)
	s.mu.Unlock()
}

// sentMsg is the slice of a server message the teardown tests care about.
type sentMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (s *fakeServer) sentTo(t *testing.T, connID string) []sentMsg {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMsg, 0, len(s.sent[connID]))
	for _, raw := range s.sent[connID] {
		var m sentMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("undecodable message to %s: %v", connID, err)
		}
		out = append(out, m)
	}
	return out
}

func newTestRelay() (*Relay, *fakeBus, *fakeSessions, *fakeServer) {
	bus := &fakeBus{}
	sessions := newFakeSessions()
	srv := newFakeServer()
	r := New(Deps{NATS: bus, Sessions: sessions, Blocks: fakeBlocks{}})
	r.SetServer(srv)
	return r, bus, sessions, srv
}

// pairedConn registers a live connection that is mid-call in the given match.
var nextFd int

func pairedConn(r *Relay, srv *fakeServer, connID, userID, matchID, partnerID string) *ws.Connection {
	nextFd++
	conn := &ws.Connection{ID: connID, Fd: nextFd}
	conn.BindUser(userID)
	srv.conns.Add(conn)
	st := r.stateFor(connID)
	r.mu.Lock()
	st.matchID = matchID
	st.partnerID = partnerID
	r.mu.Unlock()
	return conn
}

// ---------------------------------------------------------------------------
// Partner-side teardown: reason mapping and idempotence
// ---------------------------------------------------------------------------

func TestPartnerTeardownReasonMapping(t *testing.T) {
	tests := []struct {
		name       string
		reason     string
		wantTypes  []string
		wantReason string
	}{
		{
			name:       "partner skipped",
			reason:     protocol.ReasonPartnerSkipped,
			wantTypes:  []string{protocol.TypePartnerSkipped, protocol.TypeMatchEnded},
			wantReason: protocol.ReasonPartnerSkipped,
		},
		{
			name:       "reaper timeout",
			reason:     protocol.ReasonTimeout,
			wantTypes:  []string{protocol.TypeMatchEnded},
			wantReason: protocol.ReasonTimeout,
		},
		{
			name:       "partner left",
			reason:     protocol.ReasonPartnerLeft,
			wantTypes:  []string{protocol.TypeMatchEnded},
			wantReason: protocol.ReasonPartnerLeft,
		},
		{
			name:       "unknown reason falls back to partner_left",
			reason:     "connection_reset",
			wantTypes:  []string{protocol.TypeMatchEnded},
			wantReason: protocol.ReasonPartnerLeft,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, bus, sessions, srv := newTestRelay()
			sessions.matches["c1"] = "m1"
			pairedConn(r, srv, "c1", "user-a", "m1", "user-b")

			r.handlePartnerTeardown("c1", tt.reason)

			got := srv.sentTo(t, "c1")
			if len(got) != len(tt.wantTypes) {
				t.Fatalf("sent %d messages, want %d: %+v", len(got), len(tt.wantTypes), got)
			}
			for i, want := range tt.wantTypes {
				if got[i].Type != want {
					t.Errorf("message %d type = %q, want %q", i, got[i].Type, want)
				}
			}
			if last := got[len(got)-1]; last.Reason != tt.wantReason {
				t.Errorf("match_ended reason = %q, want %q", last.Reason, tt.wantReason)
			}

			st := r.stateFor("c1")
			r.mu.Lock()
			matchID := st.matchID
			r.mu.Unlock()
			if matchID != "" {
				t.Errorf("match ID still set after teardown: %q", matchID)
			}
			if _, ok := sessions.matches["c1"]; ok {
				t.Error("session match ID not cleared")
			}
			if len(bus.relayUnsubs) != 1 || bus.relayUnsubs[0] != "c1" {
				t.Errorf("relay unsubscribes = %v, want [c1]", bus.relayUnsubs)
			}
		})
	}
}

func TestPartnerTeardownIdempotent(t *testing.T) {
	r, bus, _, srv := newTestRelay()
	pairedConn(r, srv, "c1", "user-a", "m1", "user-b")

	r.handlePartnerTeardown("c1", protocol.ReasonPartnerLeft)
	r.handlePartnerTeardown("c1", protocol.ReasonPartnerLeft)

	got := srv.sentTo(t, "c1")
	if len(got) != 1 {
		t.Fatalf("sent %d messages after double teardown, want 1: %+v", len(got), got)
	}
	if len(bus.relayUnsubs) != 1 {
		t.Errorf("unsubscribed %d times, want 1", len(bus.relayUnsubs))
	}
}

func TestPartnerTeardownAutoRequeue(t *testing.T) {
	r, bus, sessions, srv := newTestRelay()
	pairedConn(r, srv, "c1", "user-a", "m1", "user-b")
	st := r.stateFor("c1")
	r.mu.Lock()
	st.autoRequeue = true
	st.prefs = protocol.JoinQueueMsg{Interests: []string{"music"}, AutoRequeue: true}
	r.mu.Unlock()

	r.handlePartnerTeardown("c1", protocol.ReasonPartnerSkipped)

	bus.mu.Lock()
	requests := append([]match.Request(nil), bus.matchRequests...)
	bus.mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("published %d match requests, want 1", len(requests))
	}
	if requests[0].ConnID != "c1" || requests[0].UserID != "user-a" {
		t.Errorf("request = %+v, want conn c1 user user-a", requests[0])
	}
	if len(requests[0].Interests) != 1 || requests[0].Interests[0] != "music" {
		t.Errorf("request interests = %v, want [music]", requests[0].Interests)
	}
	if got := sessions.status("c1"); got != session.StatusSearching {
		t.Errorf("session status = %q, want %q", got, session.StatusSearching)
	}

	got := srv.sentTo(t, "c1")
	if last := got[len(got)-1]; last.Type != protocol.TypeSearching {
		t.Errorf("last message type = %q, want %q", last.Type, protocol.TypeSearching)
	}
}

// ---------------------------------------------------------------------------
// Initiator-side teardown: skip and end_call
// ---------------------------------------------------------------------------

func TestSkipNotifiesPartnerAndEndsMatch(t *testing.T) {
	r, bus, _, srv := newTestRelay()
	conn := pairedConn(r, srv, "c1", "user-a", "m1", "user-b")
	pairedConn(r, srv, "c2", "user-b", "m1", "user-a")

	r.handleSkip(conn, protocol.SkipMsg{MatchID: "m1"})

	bus.mu.Lock()
	events := append([]publishedEvent(nil), bus.relayEvents...)
	ends := append([]match.EndRequest(nil), bus.matchEnds...)
	requests := len(bus.matchRequests)
	bus.mu.Unlock()

	if len(events) != 1 {
		t.Fatalf("published %d relay events, want 1", len(events))
	}
	ev := events[0]
	if ev.matchID != "m1" || ev.event.Type != EventTeardown {
		t.Fatalf("relay event = %+v, want teardown on m1", ev)
	}
	if ev.event.From != "user-a" || ev.event.Reason != protocol.ReasonPartnerSkipped {
		t.Errorf("teardown from=%q reason=%q, want user-a/partner_skipped", ev.event.From, ev.event.Reason)
	}

	if len(ends) != 1 || ends[0].MatchID != "m1" || ends[0].Reason != protocol.ReasonPartnerSkipped {
		t.Errorf("match end = %+v, want m1/partner_skipped", ends)
	}
	if requests != 0 {
		t.Errorf("published %d match requests without auto_requeue, want 0", requests)
	}

	self := srv.sentTo(t, "c1")
	if len(self) != 1 || self[0].Type != protocol.TypeMatchEnded || self[0].Reason != protocol.ReasonYouLeft {
		t.Fatalf("skipper got %+v, want match_ended/you_left", self)
	}

	// Deliver the published teardown the way the partner's relay subject
	// handler would, and check the partner-facing sequence.
	data, err := json.Marshal(ev.event)
	if err != nil {
		t.Fatal(err)
	}
	r.handleRelayEvent("c2", "user-b", data)

	partner := srv.sentTo(t, "c2")
	if len(partner) != 2 {
		t.Fatalf("partner got %d messages, want 2: %+v", len(partner), partner)
	}
	if partner[0].Type != protocol.TypePartnerSkipped {
		t.Errorf("partner message 0 = %q, want %q", partner[0].Type, protocol.TypePartnerSkipped)
	}
	if partner[1].Type != protocol.TypeMatchEnded || partner[1].Reason != protocol.ReasonPartnerSkipped {
		t.Errorf("partner message 1 = %+v, want match_ended/partner_skipped", partner[1])
	}
}

func TestEndCallNotifiesPartnerAsLeft(t *testing.T) {
	r, bus, _, srv := newTestRelay()
	conn := pairedConn(r, srv, "c1", "user-a", "m1", "user-b")

	r.handleEndCall(conn, protocol.EndCallMsg{MatchID: "m1"})

	bus.mu.Lock()
	events := append([]publishedEvent(nil), bus.relayEvents...)
	bus.mu.Unlock()
	if len(events) != 1 || events[0].event.Reason != protocol.ReasonPartnerLeft {
		t.Fatalf("relay events = %+v, want one teardown with partner_left", events)
	}

	self := srv.sentTo(t, "c1")
	if len(self) != 1 || self[0].Type != protocol.TypeCallEnded || self[0].Reason != protocol.ReasonYouLeft {
		t.Fatalf("caller got %+v, want call_ended/you_left", self)
	}
}

func TestSkipWithStaleMatchIDIgnored(t *testing.T) {
	r, bus, _, srv := newTestRelay()
	conn := pairedConn(r, srv, "c1", "user-a", "m1", "user-b")

	r.handleSkip(conn, protocol.SkipMsg{MatchID: "m-stale"})

	bus.mu.Lock()
	events := len(bus.relayEvents)
	ends := len(bus.matchEnds)
	bus.mu.Unlock()
	if events != 0 || ends != 0 {
		t.Fatalf("stale skip published events=%d ends=%d, want none", events, ends)
	}
	if got := srv.sentTo(t, "c1"); len(got) != 0 {
		t.Fatalf("stale skip sent %+v, want nothing", got)
	}

	st := r.stateFor("c1")
	r.mu.Lock()
	matchID := st.matchID
	r.mu.Unlock()
	if matchID != "m1" {
		t.Errorf("match ID = %q after stale skip, want m1", matchID)
	}
}

func TestSkipAutoRequeue(t *testing.T) {
	r, bus, sessions, srv := newTestRelay()
	conn := pairedConn(r, srv, "c1", "user-a", "m1", "user-b")
	st := r.stateFor("c1")
	r.mu.Lock()
	st.autoRequeue = true
	st.prefs = protocol.JoinQueueMsg{Region: "eu", AutoRequeue: true}
	r.mu.Unlock()

	r.handleSkip(conn, protocol.SkipMsg{MatchID: "m1"})

	bus.mu.Lock()
	requests := append([]match.Request(nil), bus.matchRequests...)
	bus.mu.Unlock()
	if len(requests) != 1 || requests[0].Region != "eu" {
		t.Fatalf("match requests = %+v, want one for region eu", requests)
	}
	if got := sessions.status("c1"); got != session.StatusSearching {
		t.Errorf("session status = %q, want %q", got, session.StatusSearching)
	}
}

// ---------------------------------------------------------------------------
// Disconnect: connection loss behaves like end_call
// ---------------------------------------------------------------------------

func TestDisconnectEndsMatchAsPartnerLeft(t *testing.T) {
	r, bus, _, srv := newTestRelay()
	conn := pairedConn(r, srv, "c1", "user-a", "m1", "user-b")

	r.HandleDisconnect(conn)

	bus.mu.Lock()
	events := append([]publishedEvent(nil), bus.relayEvents...)
	ends := len(bus.matchEnds)
	cancels := len(bus.matchCancels)
	bus.mu.Unlock()

	if len(events) != 1 || events[0].event.Reason != protocol.ReasonPartnerLeft {
		t.Fatalf("relay events = %+v, want one teardown with partner_left", events)
	}
	if ends != 1 {
		t.Errorf("published %d match ends, want 1", ends)
	}
	if cancels != 0 {
		t.Errorf("published %d cancels for a paired connection, want 0", cancels)
	}

	// A second disconnect for the same connection must not replay teardown.
	r.HandleDisconnect(conn)
	bus.mu.Lock()
	events2 := len(bus.relayEvents)
	ends2 := len(bus.matchEnds)
	bus.mu.Unlock()
	if events2 != 1 || ends2 != 1 {
		t.Fatalf("double disconnect published events=%d ends=%d, want 1/1", events2, ends2)
	}
}

func TestDisconnectCancelsPendingSearch(t *testing.T) {
	r, bus, sessions, srv := newTestRelay()
	nextFd++
	conn := &ws.Connection{ID: "c1", Fd: nextFd}
	conn.BindUser("user-a")
	srv.conns.Add(conn)
	sessions.seeded["c1"] = &session.Session{ID: "c1", Status: session.StatusSearching}

	r.HandleDisconnect(conn)

	bus.mu.Lock()
	cancels := append([]match.Cancel(nil), bus.matchCancels...)
	events := len(bus.relayEvents)
	bus.mu.Unlock()

	if len(cancels) != 1 || cancels[0].ConnID != "c1" {
		t.Fatalf("cancels = %+v, want one for c1", cancels)
	}
	if events != 0 {
		t.Errorf("published %d relay events for an unmatched connection, want 0", events)
	}
}
