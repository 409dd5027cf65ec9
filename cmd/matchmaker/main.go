package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pairline/call-app/internal/access"
	"github.com/pairline/call-app/internal/match"
	"github.com/pairline/call-app/internal/messaging"
	"github.com/pairline/call-app/internal/metrics"
	"github.com/pairline/call-app/internal/profile"
	"github.com/pairline/call-app/internal/protocol"
	"github.com/pairline/call-app/internal/queue"
	"github.com/pairline/call-app/internal/relay"
	"github.com/pairline/call-app/internal/session"
)

func main() {
	log.Println("Starting Pairline matchmaker...")

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
	natsConfig.Name = "pairline-matchmaker"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Profile directory. Without Postgres all traffic is treated as anonymous.
	var directory profile.Directory = profile.NewStaticDirectory()
	var db *sql.DB
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to ping Postgres: %v", err)
		}

		migrationsURL := "file://migrations"
		if v := os.Getenv("MIGRATIONS_URL"); v != "" {
			migrationsURL = v
		}
		if err := profile.Migrate(db, migrationsURL); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}

		directory = profile.NewCachedDirectory(profile.NewPGDirectory(db), rdb)
	} else {
		log.Printf("DATABASE_URL not set, running with anonymous profiles only")
	}

	// Subscription gate. A zero limit means unlimited matching for everyone.
	var gate access.Gate = access.AllowAll{}
	if v := os.Getenv("MATCH_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			gate = access.NewRedisGate(rdb, map[string]int{access.ActionMatch: n})
		}
	}

	store := queue.NewRedisStore(rdb, queue.DefaultShardCount)
	registry := match.NewRedisRegistry(rdb)
	history := match.NewRedisHistory(rdb, 30*time.Minute)
	coord := match.NewCoordinator(store, registry, history, directory, gate,
		match.DefaultCoordinatorConfig())

	svc := match.NewService(coord, natsClient)
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start matchmaker service: %v", err)
	}

	// The reaper's liveness probe and eviction notices go through the session
	// store and NATS, so both are wired here as closures.
	sessions := session.NewStoreWithClient(rdb, "matchmaker")

	reaperConfig := match.DefaultReaperConfig()
	if v := os.Getenv("REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			reaperConfig.Interval = d
		}
	}
	if v := os.Getenv("QUEUE_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			reaperConfig.MaxWait = d
		}
	}
	if v := os.Getenv("MATCH_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			reaperConfig.MatchTTL = d
		}
	}

	reaper := match.NewReaper(store, registry, reaperConfig,
		func(ctx context.Context, e *queue.Entry) bool {
			ok, err := sessions.Exists(ctx, e.ConnID)
			if err != nil {
				return true // probe outage never evicts
			}
			return ok
		},
		func(e *queue.Entry, reason string) {
			metrics.ReapedEntries.WithLabelValues(reason).Inc()
			up := match.Update{ConnID: e.ConnID, Evicted: true, Reason: reason}
			data, _ := json.Marshal(up)
			if err := natsClient.PublishMatchUpdate(e.ConnID, data); err != nil {
				log.Printf("[matchmaker] publish eviction for %s: %v", e.ConnID, err)
			}
		},
		func(rec *match.Record) {
			metrics.ReapedEntries.WithLabelValues("match_ttl").Inc()
			metrics.ActiveMatches.Dec()
			event := relay.Event{Type: relay.EventTeardown, Reason: protocol.ReasonTimeout}
			data, _ := json.Marshal(event)
			if err := natsClient.PublishRelayEvent(rec.ID, data); err != nil {
				log.Printf("[matchmaker] publish timeout for match %s: %v", rec.ID, err)
			}
		},
	)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go reaper.Run(reaperCtx)

	// Metrics endpoint.
	metricsAddr := ":9091"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("[matchmaker] metrics server: %v", err)
		}
	}()

	log.Printf("Pairline matchmaker running")
	log.Printf("  redis_addr:   %s", redisAddr)
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  metrics_addr: %s", metricsAddr)
	log.Printf("  shards:       %d", store.ShardCount())
	log.Printf("  reaper:       interval=%s max_wait=%s match_ttl=%s",
		reaperConfig.Interval, reaperConfig.MaxWait, reaperConfig.MatchTTL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stopReaper()
	svc.Stop()
	natsClient.Close()
	rdb.Close()
	if db != nil {
		db.Close()
	}
}
