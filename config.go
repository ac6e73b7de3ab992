package tiercache

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tier-cache/tier-cache/invalidation"
	"github.com/tier-cache/tier-cache/store"
)

const (
	defaultTTL            = 60 * time.Second
	defaultStaleTTL       = 5 * time.Minute
	defaultMaxPayloadSize = 1 << 20 // 1 MiB
	defaultRefreshTimeout = 30 * time.Second
)

// Config configures a TierCache. The zero value is usable: an in-memory
// tier, 60 second TTL, GET and POST cacheable, write invalidation and
// stale-while-revalidate enabled.
type Config struct {
	// TTL is the default freshness window. Default 60s.
	TTL time.Duration

	// Methods are the cacheable HTTP methods. Default GET and POST.
	// Note that POST requests are still treated as writes unless CachePOST
	// marks them idempotent-cacheable.
	Methods []string

	// DisableMemory turns off the in-process fast tier.
	DisableMemory bool

	// RedisURL enables the redis slow tier ("redis://host:port/db").
	RedisURL string
	// RedisClient enables the redis slow tier with an existing client.
	// Takes precedence over RedisURL. The caller owns the client.
	RedisClient redis.UniversalClient

	// UseSQLite enables a persistent local tier between memory and redis.
	// SQLitePath is the database file; empty means an in-memory database.
	UseSQLite  bool
	SQLitePath string

	// Stores are additional custom tiers, consulted after the built-in
	// ones in the order given.
	Stores []store.Store

	// DisableInvalidation turns off write-triggered invalidation.
	DisableInvalidation bool

	// Invalidation configures the rule engine (see package invalidation).
	Invalidation invalidation.Config

	// DisableStaleWhileRevalidate turns off stale serving with background
	// refresh; expired entries are then treated as plain misses.
	DisableStaleWhileRevalidate bool

	// StaleTTL is how long past its TTL an entry stays servable as stale.
	// Default 5m. Only meaningful while stale-while-revalidate is on.
	StaleTTL time.Duration

	// RefreshTimeout bounds one background refresh; when it fires the
	// pending slot is cleared even if the downstream handler never
	// responded. Default 30s.
	RefreshTimeout time.Duration

	// ExcludePaths are path prefixes that are never cached.
	ExcludePaths []string

	// MaxPayloadSize is the byte ceiling for caching a response body.
	// Default 1 MiB. Larger responses are served but never stored.
	MaxPayloadSize int64

	// DisableAuthCaching skips caching whenever a caller identity is
	// present.
	DisableAuthCaching bool

	// GetUserID extracts the caller identity used for key scoping and
	// invalidation. Absent or empty means anonymous.
	GetUserID func(*http.Request) string

	// RouteTTL returns a per-route TTL override; zero means the default.
	RouteTTL func(*http.Request) time.Duration

	// CachePOST marks a POST request as idempotent-cacheable; such
	// requests go through the cache path instead of invalidation.
	CachePOST func(*http.Request) bool

	// SkipCache short-circuits any request to the bypass path.
	SkipCache func(*http.Request) bool

	// InvalidationPatterns supplies request-specific key patterns to
	// invalidate in addition to the configured rules.
	InvalidationPatterns func(*http.Request) []string

	// QueryKeyFunc replaces key derivation for query-language requests
	// (see cachekey.Keyer).
	QueryKeyFunc func(*http.Request) string

	// Logger is the structured log sink. Default is a no-op logger.
	Logger *zerolog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodGet, http.MethodPost}
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = defaultStaleTTL
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = defaultMaxPayloadSize
	}
	return cfg
}

// buildStores assembles the tier list in fixed read-priority order:
// memory, sqlite, redis, then any custom stores. A tier that fails to
// initialize is skipped with an error log; the cache stays available on
// the remaining tiers.
func (cfg Config) buildStores(logger zerolog.Logger) []store.Store {
	var stores []store.Store
	if !cfg.DisableMemory {
		stores = append(stores, store.NewMemory())
	}
	if cfg.UseSQLite || cfg.SQLitePath != "" {
		if s, err := store.NewSQLite(cfg.SQLitePath); err != nil {
			logger.Error().Err(err).Str("path", cfg.SQLitePath).Msg("Could not open sqlite tier")
		} else {
			stores = append(stores, s)
		}
	}
	switch {
	case cfg.RedisClient != nil:
		stores = append(stores, store.NewRedis(cfg.RedisClient, logger))
	case cfg.RedisURL != "":
		if s, err := store.NewRedisURL(cfg.RedisURL, logger); err != nil {
			logger.Error().Err(err).Str("url", cfg.RedisURL).Msg("Could not open redis tier")
		} else {
			stores = append(stores, s)
		}
	}
	return append(stores, cfg.Stores...)
}
