// Package store provides the tiered storage backends for cached responses.
//
// A Store is one backing key-value medium with TTL support. The middleware
// reads tiers in a fixed priority order and fans writes out to all of them.
package store

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// CountUnknown is reported by stores that cannot count keys cheaply.
const CountUnknown = -1

// Entry is one cached response.
// Entries are immutable once written and replaced wholesale on rewrite.
// CreatedAt plus TTL is the sole freshness boundary; the backing store may
// keep an entry around longer so that stale values stay servable.
type Entry struct {
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// Age returns how old the entry is at the given instant.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Fresh reports whether the entry is still within its TTL.
// An entry aged exactly TTL is expired, not fresh.
func (e Entry) Fresh(now time.Time) bool {
	return e.Age(now) < e.TTL
}

// Store is the uniform contract implemented by every tier.
//
// Implementations must be safe for concurrent use. Implementations backed
// by a network service must fail soft: on connectivity or protocol errors
// Get reports absent, Set and Delete are no-ops, and Keys returns an empty
// list, so that the cache layer degrades to misses instead of failures.
type Store interface {
	// Get returns the entry for the key, if present and not yet evicted.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set stores the entry under the key, to be retained for at least ttl.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Delete removes the entry for the key, if any.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys matching the wildcard pattern ("*" matches any
	// run of characters).
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Count returns the number of live keys, or CountUnknown if counting
	// is prohibitively expensive for this backend.
	Count(ctx context.Context) (int, error)
	// Name identifies the tier in logs and errors.
	Name() string
}

// PatternRegexp translates a key pattern into an anchored regular
// expression: "*" matches any run of characters, "{token}" placeholders
// match a run without the key-field separator, and every other regexp
// metacharacter is escaped.
func PatternRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteString("(?s).*")
		case '{':
			if end := strings.IndexByte(pattern[i:], '}'); end != -1 {
				b.WriteString("[^:]*")
				i += end
				continue
			}
			b.WriteString(regexp.QuoteMeta("{"))
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
