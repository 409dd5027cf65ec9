package match

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/pairline/call-app/internal/messaging"
	"github.com/pairline/call-app/internal/metrics"
)

// statsInterval is how often the service refreshes the queue gauges.
const statsInterval = 15 * time.Second

// Service is the NATS-facing side of the matchmaker. It consumes join,
// cancel, and end requests from the relay servers, drives the coordinator,
// and publishes results back to the requesting connections.
type Service struct {
	coord *Coordinator
	nc    *messaging.NATSClient
	stop  chan struct{}
}

// NewService creates a matchmaker service over the given coordinator and
// NATS client.
func NewService(coord *Coordinator, nc *messaging.NATSClient) *Service {
	return &Service{coord: coord, nc: nc, stop: make(chan struct{})}
}

// Start subscribes to the match subjects and starts the stats loop.
func (s *Service) Start() error {
	if err := s.nc.SubscribeMatchRequest(s.handleRequest); err != nil {
		return err
	}
	if err := s.nc.SubscribeMatchCancel(s.handleCancel); err != nil {
		return err
	}
	if err := s.nc.SubscribeMatchEnd(s.handleEnd); err != nil {
		return err
	}
	go s.statsLoop()
	log.Printf("[matchmaker] service started")
	return nil
}

// Stop halts the stats loop. NATS subscriptions are drained by the client's
// Close.
func (s *Service) Stop() {
	close(s.stop)
}

// handleRequest runs the join-queue workflow for one request and publishes
// the outcome: a Result to both participants on pairing, or an Update with
// queue stats when the requester is enqueued.
func (s *Service) handleRequest(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchmaker] bad match request: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefs := JoinPrefs{
		Gender:          req.Gender,
		PreferredGender: req.PreferredGender,
		Interests:       req.Interests,
		Region:          req.Region,
		Blocked:         req.Blocked,
	}
	rec, err := s.coord.JoinQueue(ctx, req.UserID, req.ConnID, prefs)
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			s.publishUpdate(Update{ConnID: req.ConnID, Denied: true, Reason: denied.Reason})
			return
		}
		log.Printf("[matchmaker] join %s: %v", req.UserID, err)
		s.publishUpdate(Update{ConnID: req.ConnID, Denied: true, Reason: "internal error"})
		return
	}

	if rec == nil {
		// Enqueued. Tell the client it is searching.
		waiting, shards := s.coord.QueueStats(ctx)
		s.publishUpdate(Update{ConnID: req.ConnID, Waiting: waiting, Shards: shards})
		return
	}

	metrics.MatchScore.Observe(rec.Score)
	metrics.MatchWait.Observe(rec.CreatedAt.Sub(rec.User2.JoinedAt).Seconds())
	metrics.ActiveMatches.Inc()

	// The requester initiates the WebRTC offer; the claimed partner answers.
	s.publishResult(Result{
		ConnID:           rec.User1.ConnID,
		MatchID:          rec.ID,
		PartnerID:        rec.User2.UserID,
		PartnerConnID:    rec.User2.ConnID,
		PartnerInterests: rec.User2.Profile.Interests,
		PartnerRegion:    rec.User2.Profile.Region,
		IsInitiator:      true,
		Score:            rec.Score,
	})
	s.publishResult(Result{
		ConnID:           rec.User2.ConnID,
		MatchID:          rec.ID,
		PartnerID:        rec.User1.UserID,
		PartnerConnID:    rec.User1.ConnID,
		PartnerInterests: rec.User1.Profile.Interests,
		PartnerRegion:    rec.User1.Profile.Region,
		IsInitiator:      false,
		Score:            rec.Score,
	})

	log.Printf("[matchmaker] paired %s and %s (match=%s score=%.2f)",
		rec.User1.UserID, rec.User2.UserID, rec.ID, rec.Score)
}

// handleCancel removes the user's waiting entry.
func (s *Service) handleCancel(data []byte) {
	var req Cancel
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchmaker] bad cancel request: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.coord.RemoveFromQueue(ctx, req.UserID); err != nil {
		log.Printf("[matchmaker] cancel %s: %v", req.UserID, err)
		return
	}
	log.Printf("[matchmaker] cancelled %s", req.UserID)
}

// handleEnd ends the user's active match. The relay handles partner
// notification itself over the relay subject, so nothing is published here.
func (s *Service) handleEnd(data []byte) {
	var req EndRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchmaker] bad end request: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	partner, err := s.coord.RemoveFromMatch(ctx, req.UserID)
	if err != nil {
		log.Printf("[matchmaker] end match %s for %s: %v", req.MatchID, req.UserID, err)
		return
	}
	if partner != "" {
		metrics.ActiveMatches.Dec()
		log.Printf("[matchmaker] ended match %s (%s left, reason=%s)", req.MatchID, req.UserID, req.Reason)
	}
}

// statsLoop refreshes the queue gauges until Stop is called.
func (s *Service) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			waiting, _ := s.coord.QueueStats(ctx)
			metrics.QueueSize.Set(float64(waiting))
			for shard := 0; shard < s.coord.store.ShardCount(); shard++ {
				entries, err := s.coord.store.Shard(ctx, shard)
				if err != nil {
					continue
				}
				metrics.ShardSize.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(entries)))
			}
			cancel()
		}
	}
}

// publishResult publishes a pairing result to its connection's subject.
func (s *Service) publishResult(res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("[matchmaker] marshal result for %s: %v", res.ConnID, err)
		return
	}
	if err := s.nc.PublishMatchFound(res.ConnID, data); err != nil {
		log.Printf("[matchmaker] publish result for %s: %v", res.ConnID, err)
	}
}

// publishUpdate publishes a queue status update to its connection's subject.
func (s *Service) publishUpdate(up Update) {
	data, err := json.Marshal(up)
	if err != nil {
		log.Printf("[matchmaker] marshal update for %s: %v", up.ConnID, err)
		return
	}
	if err := s.nc.PublishMatchUpdate(up.ConnID, data); err != nil {
		log.Printf("[matchmaker] publish update for %s: %v", up.ConnID, err)
	}
}
