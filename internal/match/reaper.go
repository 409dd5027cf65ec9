package match

import (
	"context"
	"log"
	"time"

	"github.com/pairline/call-app/internal/queue"
)

// ReaperConfig holds the sweep tunables.
type ReaperConfig struct {
	Interval time.Duration // how often to sweep (default 60s)
	MaxWait  time.Duration // evict queue entries older than this (default 30m)
	MatchTTL time.Duration // end matches older than this (default 2h)
}

// DefaultReaperConfig returns the production sweep parameters.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: 60 * time.Second,
		MaxWait:  30 * time.Minute,
		MatchTTL: 2 * time.Hour,
	}
}

// Reaper is the background sweep that evicts stale waiting entries and ends
// expired matches. Evictions go through the store's Claim primitive, the same
// one the pairing transaction uses, so the reaper can never evict an entry
// that a concurrent pairing is committing.
type Reaper struct {
	store    queue.Store
	registry Registry
	cfg      ReaperConfig

	// alive reports whether the entry's backing connection still exists.
	// A nil callback (or one that errs on the side of true) only delays
	// eviction until the time threshold; it never blocks it.
	alive func(ctx context.Context, e *queue.Entry) bool

	// onEvict is called for each evicted waiting entry, after removal, with
	// the eviction reason ("max_wait" or "dead_connection").
	onEvict func(e *queue.Entry, reason string)

	// onExpire is called for each match the sweep ended.
	onExpire func(rec *Record)
}

// NewReaper creates a reaper over the given store and registry. The callbacks
// may be nil.
func NewReaper(store queue.Store, registry Registry, cfg ReaperConfig,
	alive func(ctx context.Context, e *queue.Entry) bool,
	onEvict func(e *queue.Entry, reason string),
	onExpire func(rec *Record)) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Minute
	}
	if cfg.MatchTTL <= 0 {
		cfg.MatchTTL = 2 * time.Hour
	}
	return &Reaper{
		store:    store,
		registry: registry,
		cfg:      cfg,
		alive:    alive,
		onEvict:  onEvict,
		onExpire: onExpire,
	}
}

// Run sweeps on the configured interval until the context is cancelled. It
// never returns an error: per-shard failures are logged and the sweep moves
// on to the next shard.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every shard and the match registry.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	evicted := 0

	for shard := 0; shard < r.store.ShardCount(); shard++ {
		entries, err := r.store.Shard(ctx, shard)
		if err != nil {
			log.Printf("[reaper] shard %d scan: %v", shard, err)
			continue
		}

		for i := range entries {
			e := &entries[i]
			stale := e.WaitTime(now) > r.cfg.MaxWait
			dead := r.alive != nil && !r.alive(ctx, e)
			if !stale && !dead {
				continue
			}

			// Claim fails if a pairing transaction consumed the entry
			// between the scan and now; that user found a partner and
			// needs no eviction.
			claimed, err := r.store.Claim(ctx, e)
			if err != nil {
				log.Printf("[reaper] evict %s: %v", e.UserID, err)
				continue
			}
			if !claimed {
				continue
			}

			evicted++
			reason := "max_wait"
			if dead {
				reason = "dead_connection"
			}
			log.Printf("[reaper] evicted %s from shard %d (%s, waited %s)",
				e.UserID, shard, reason, e.WaitTime(now).Round(time.Second))
			if r.onEvict != nil {
				r.onEvict(e, reason)
			}
		}
	}

	expired, err := r.registry.ExpireBefore(ctx, now.Add(-r.cfg.MatchTTL))
	if err != nil {
		log.Printf("[reaper] match expiry: %v", err)
	}
	for i := range expired {
		rec := &expired[i]
		log.Printf("[reaper] expired match %s (age %s)", rec.ID, now.Sub(rec.CreatedAt).Round(time.Second))
		if r.onExpire != nil {
			r.onExpire(rec)
		}
	}

	if evicted > 0 || len(expired) > 0 {
		log.Printf("[reaper] sweep done: %d entries evicted, %d matches expired", evicted, len(expired))
	}
}
