package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/pairline/call-app/internal/ban"
	"github.com/pairline/call-app/internal/messaging"
	"github.com/pairline/call-app/internal/moderation"
	"github.com/pairline/call-app/internal/notify"
	"github.com/pairline/call-app/internal/ratelimit"
	"github.com/pairline/call-app/internal/relay"
	"github.com/pairline/call-app/internal/report"
	"github.com/pairline/call-app/internal/session"
	"github.com/pairline/call-app/internal/turn"
	"github.com/pairline/call-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "pairline-relay"
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	rdb := sessionStore.Client()

	// --- Postgres (optional, for abuse report persistence) ---
	var reportStore *report.Store
	var db *sql.DB
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to ping Postgres: %v", err)
		}
		reportStore = report.NewStore(db)
	} else {
		log.Printf("DATABASE_URL not set, abuse reports will not be persisted")
	}

	// --- ICE servers ---
	turnConfig := turn.Config{
		STUNURLs:   []string{"stun:stun.l.google.com:19302"},
		TURNSecret: os.Getenv("TURN_SECRET"),
	}
	if v := os.Getenv("STUN_URLS"); v != "" {
		turnConfig.STUNURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("TURN_URLS"); v != "" {
		turnConfig.TURNURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("TURN_CREDENTIAL_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			turnConfig.CredentialTTL = d
		}
	}

	log.Printf("Pairline relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	limiter := ratelimit.NewLimiter(rdb)
	filter := moderation.NewFilter()

	svc := relay.New(relay.Deps{
		NATS:     natsClient,
		Sessions: sessionStore,
		Bans:     ban.NewStore(rdb),
		Blocks:   ban.NewBlockStore(rdb),
		Limiter:  limiter,
		Filter:   filter,
		Analyzer: moderation.NewFilterAnalyzer(filter),
		Reports:  reportStore,
		ICE:      turn.NewProvider(turnConfig),
		Notifier: notify.NewNATSNotifier(natsClient),
	})

	dispatcher := ws.NewMessageDispatcher(nil)
	svc.RegisterHandlers(dispatcher)

	server := ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	svc.SetServer(server)

	// Per-IP connection throttling happens before the upgrade.
	server.SetConnGate(func(remoteIP string) bool {
		ctx, cancel := newOpContext()
		defer cancel()
		allowed, err := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
		if err != nil {
			return true
		}
		return allowed
	})

	server.SetOnDisconnect(svc.HandleDisconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func newOpContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}
