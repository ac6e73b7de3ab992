package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is the networked slow tier.
//
// Every operation fails soft: on connectivity or protocol errors Get
// reports absent, Set and Delete are no-ops and Keys returns an empty
// list. The middleware then falls back to the other tiers or to a miss,
// so an unreachable redis never takes requests down with it.
type Redis struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		log:    logger.With().Str("store", "redis").Logger(),
	}
}

// NewRedisURL connects to the redis instance at the given URL
// (e.g. "redis://localhost:6379/0").
func NewRedisURL(url string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opts), logger), nil
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	bytes, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Get failed, treating as miss")
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(bytes, &entry); err != nil {
		// corrupted entry, drop it
		r.log.Warn().Err(err).Str("key", key).Msg("Corrupt entry, purging")
		r.client.Del(ctx, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	bytes, err := json.Marshal(entry)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Could not encode entry")
		return nil
	}
	if err := r.client.Set(ctx, key, bytes, ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Set failed")
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Delete failed")
	}
	return nil
}

// Keys enumerates matching keys with a cursor-based SCAN.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisPattern(pattern), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.log.Warn().Err(err).Str("pattern", pattern).Msg("Scan failed")
		return nil, nil
	}
	return keys, nil
}

// Count reports CountUnknown: exact counting over the wire is not worth it.
func (r *Redis) Count(context.Context) (int, error) {
	return CountUnknown, nil
}

func (r *Redis) Name() string {
	return "redis"
}

// redisPattern converts a key pattern to redis MATCH glob syntax.
// Placeholders widen to "*"; callers re-filter the returned keys, so a
// superset match is fine. Glob metacharacters in literal key text are
// escaped.
func redisPattern(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteByte('*')
		case '{':
			if end := strings.IndexByte(pattern[i:], '}'); end != -1 {
				b.WriteByte('*')
				i += end
				continue
			}
			b.WriteByte('{')
		case '?', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(pattern[i])
		default:
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}
