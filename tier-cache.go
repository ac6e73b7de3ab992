// Package tiercache is an HTTP response cache middleware.
//
// It memoizes responses keyed by method, path, query, body and caller
// identity across a fixed-priority list of store tiers (in-memory, sqlite,
// redis), serves repeats from cache, coalesces concurrent identical
// requests behind one downstream invocation, serves stale entries while
// refreshing them in the background, and invalidates entries when write
// requests come through.
package tiercache

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tier-cache/tier-cache/invalidation"
	cachekey "github.com/tier-cache/tier-cache/pkg/cache-key"
	payloadhash "github.com/tier-cache/tier-cache/pkg/payload-hash"
	"github.com/tier-cache/tier-cache/store"
)

// TierCache is the caching middleware. Create instances with New; each
// instance owns its tiers, stats and coalescing registry.
type TierCache struct {
	cfg     Config
	stores  []store.Store
	keyer   cachekey.Keyer
	engine  *invalidation.Engine
	pending *pendingRequests
	log     zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a TierCache from the given configuration.
func New(cfg Config) *TierCache {
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "tier-cache").Logger()

	stores := cfg.buildStores(logger)

	return &TierCache{
		cfg:    cfg,
		stores: stores,
		keyer: cachekey.Keyer{
			GetUserID:    cfg.GetUserID,
			QueryKeyFunc: cfg.QueryKeyFunc,
		},
		engine:  invalidation.New(cfg.Invalidation, stores, logger),
		pending: newPendingRequests(),
		log:     logger,
	}
}

// Middleware wraps the next handler with the caching pipeline.
func (c *TierCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.serve(w, r, next)
	})
}

// serve runs the per-request decision pipeline: write detection, bypass
// check, tiered read, then hit / stale / coalesced-fetch handling.
func (c *TierCache) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if c.isWrite(r) {
		c.invalidate(r)
		w.Header().Set("Cache-Status", bypassStatus("method"))
		next.ServeHTTP(w, r)
		return
	}

	if reason := c.shouldBypass(r); reason != "" {
		c.log.Debug().Str("path", r.URL.Path).Str("reason", reason).Msg("Bypassing cache")
		w.Header().Set("Cache-Status", bypassStatus(reason))
		next.ServeHTTP(w, r)
		return
	}

	key := c.keyer.Key(r)
	ttl := c.resolveTTL(r)

	if entry, tier, ok := c.read(r.Context(), key); ok {
		res, err := decodeResponse(entry.Value)
		if err != nil {
			// corrupted entry: drop it everywhere and fetch fresh
			c.log.Error().Err(err).Str("key", key).Str("tier", tier).Msg("Could not decode cached entry")
			c.deleteEverywhere(r.Context(), key)
		} else if entry.Fresh(time.Now()) {
			c.hits.Add(1)
			c.logRequest(r, key, "hit", tier)
			res.send(w, hitStatus(false))
			return
		} else if !c.cfg.DisableStaleWhileRevalidate {
			c.hits.Add(1)
			c.logRequest(r, key, "stale", tier)
			res.send(w, hitStatus(true))
			c.refresh(r, key, ttl, next)
			return
		}
		// expired with stale serving off: treat as a miss
	}

	c.misses.Add(1)
	c.logRequest(r, key, "miss", "")
	c.fetch(w, r, key, ttl, next)
}

// fetch runs the coalesced downstream invocation for a cache miss.
// The first request for a key becomes the leader and invokes the handler;
// everyone else waits for the leader's settled result.
func (c *TierCache) fetch(w http.ResponseWriter, r *http.Request, key string, ttl time.Duration, next http.Handler) {
	call, leader := c.pending.acquire(key)
	if !leader {
		select {
		case <-call.done:
		case <-r.Context().Done():
			return
		}
		if call.err != nil || call.response == nil {
			c.log.Debug().Str("key", key).Err(call.err).Msg("Coalesced fetch failed")
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}
		call.response.send(w, missStatus(true))
		return
	}

	w.Header().Set("Cache-Status", missStatus(false))
	saver := NewResponseSaver(w)

	defer func() {
		if p := recover(); p != nil {
			// settle so waiters get their error, then let the panic
			// continue to the server's own recovery
			c.pending.settle(key, call, nil, errDownstreamPanic)
			panic(p)
		}
	}()

	next.ServeHTTP(saver, r)

	res := saver.Captured()
	c.storeResponse(r.Context(), key, ttl, res)
	c.pending.settle(key, call, res, nil)
}

// storeResponse writes a captured response to every tier in parallel,
// unless its status or size make it uncacheable.
func (c *TierCache) storeResponse(ctx context.Context, key string, ttl time.Duration, res *capturedResponse) {
	if !res.cacheable() {
		return
	}
	if size := payloadhash.Size(res.Body); size == payloadhash.SizeUnknown || int64(size) > c.cfg.MaxPayloadSize {
		c.log.Debug().Str("key", key).Int("size", size).Msg("Payload too large to cache")
		return
	}
	value, err := res.encode()
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not encode response")
		return
	}

	entry := store.Entry{Value: value, CreatedAt: time.Now(), TTL: ttl}
	storeTTL := ttl
	if !c.cfg.DisableStaleWhileRevalidate {
		// keep expired entries around so they stay servable as stale
		storeTTL = ttl + c.cfg.StaleTTL
	}

	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, s := range c.stores {
		s := s
		g.Go(func() error {
			if err := s.Set(ctx, key, entry, storeTTL); err != nil {
				c.log.Warn().Err(err).Str("store", s.Name()).Str("key", key).Msg("Could not write to tier")
			}
			return nil
		})
	}
	g.Wait()
	c.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cache write")
}

// read consults the tiers in priority order; the first hit wins.
func (c *TierCache) read(ctx context.Context, key string) (store.Entry, string, bool) {
	for _, s := range c.stores {
		entry, ok, err := s.Get(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Str("store", s.Name()).Str("key", key).Msg("Could not read from tier")
			continue
		}
		if ok {
			return entry, s.Name(), true
		}
	}
	return store.Entry{}, "", false
}

// invalidate runs the invalidation pass for a write request. It never
// fails the request.
func (c *TierCache) invalidate(r *http.Request) {
	if c.cfg.DisableInvalidation {
		return
	}
	var extra []string
	if c.cfg.InvalidationPatterns != nil {
		extra = c.cfg.InvalidationPatterns(r)
	}
	c.engine.Run(r.Context(), r, c.keyer.Key(r), c.keyer.CallerID(r), extra)
}

// isWrite reports whether the request mutates state: PUT, PATCH, DELETE,
// or a POST not marked idempotent-cacheable.
func (c *TierCache) isWrite(r *http.Request) bool {
	switch r.Method {
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	case http.MethodPost:
		return c.cfg.CachePOST == nil || !c.cfg.CachePOST(r)
	}
	return false
}

// shouldBypass returns a non-empty forward reason if the request must
// skip the cache entirely.
func (c *TierCache) shouldBypass(r *http.Request) string {
	if !containsFold(c.cfg.Methods, r.Method) {
		return "method"
	}
	for _, prefix := range c.cfg.ExcludePaths {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return "bypass"
		}
	}
	if c.cfg.DisableAuthCaching && c.keyer.CallerID(r) != cachekey.AnonymousCaller {
		return "auth"
	}
	if c.cfg.SkipCache != nil && c.cfg.SkipCache(r) {
		return "bypass"
	}
	return ""
}

func (c *TierCache) resolveTTL(r *http.Request) time.Duration {
	if c.cfg.RouteTTL != nil {
		if ttl := c.cfg.RouteTTL(r); ttl > 0 {
			return ttl
		}
	}
	return c.cfg.TTL
}

func (c *TierCache) deleteEverywhere(ctx context.Context, key string) {
	for _, s := range c.stores {
		if err := s.Delete(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("store", s.Name()).Str("key", key).Msg("Could not delete key")
		}
	}
}

func (c *TierCache) logRequest(r *http.Request, key, outcome, tier string) {
	c.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("key", key).
		Str("outcome", outcome).
		Str("tier", tier).
		Msg("Cache decision")
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
