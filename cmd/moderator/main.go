package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairline/call-app/internal/ban"
	"github.com/pairline/call-app/internal/messaging"
	"github.com/pairline/call-app/internal/moderation"
	"github.com/pairline/call-app/internal/notify"
)

func main() {
	log.Println("Starting Pairline moderation service...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "pairline-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	filter := moderation.NewFilter()
	bans := ban.NewStore(rdb)
	notifier := notify.NewNATSNotifier(natsClient)

	// The relay already blocked or masked the message before publishing the
	// check request; this service owns offense accounting and escalation.
	err = natsClient.SubscribeModerationCheck(func(data []byte) {
		var req moderation.CheckRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[moderator] failed to unmarshal request: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result := filter.Check(req.Text)
		if !result.Blocked {
			log.Printf("[moderator] CLEAN conn=%s match=%s", req.ConnID, req.MatchID)
			return
		}

		log.Printf("[moderator] FLAGGED conn=%s user=%s match=%s reason=%s term=%q",
			req.ConnID, req.UserID, req.MatchID, result.Reason, result.Term)

		// Each flagged message counts as an offense toward the same 24h
		// counter abuse reports use. Three offenses trigger an escalating ban.
		banned, duration, err := bans.ReportAndCheck(ctx, req.UserID, result.Reason)
		if err != nil {
			log.Printf("[moderator] offense accounting for %s: %v", req.UserID, err)
		} else if banned {
			log.Printf("[moderator] banned %s for %s after repeated violations", req.UserID, duration)
			notifier.Notify(req.UserID, "ban_applied", "temporarily banned for repeated content violations")
		}

		resp := moderation.CheckResult{
			ConnID:  req.ConnID,
			MatchID: req.MatchID,
			Blocked: true,
			Reason:  result.Reason,
			Term:    result.Term,
		}
		respData, err := json.Marshal(resp)
		if err != nil {
			log.Printf("[moderator] failed to marshal result: %v", err)
			return
		}
		if err := natsClient.PublishModerationResult(req.ConnID, respData); err != nil {
			log.Printf("[moderator] failed to publish result: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to moderation checks: %v", err)
	}

	log.Printf("Pairline moderation service running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
}
