package invalidation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/tier-cache/tier-cache/pkg/cache-key"
	"github.com/tier-cache/tier-cache/store"
)

const (
	defaultMaxDepth = 3
	defaultTimeout  = 5 * time.Second
)

var errDepthExceeded = errors.New("pattern expansion depth exceeded")

// Config configures the rule engine.
type Config struct {
	// Rules are the explicitly configured invalidation rules.
	Rules []Rule
	// AutoREST enables rules auto-generated per request from its path
	// shape (collection, item, and parent-resource patterns).
	AutoREST bool
	// MaxDepth bounds placeholder expansion passes per pattern.
	// Default 3. Exceeding it aborts the remaining rule work for the
	// request without failing it.
	MaxDepth int
	// Timeout bounds one whole invalidation pass. Default 5s. Timing out
	// logs and aborts, it never fails the triggering write request.
	Timeout time.Duration
}

// Engine executes invalidation passes against the store tiers.
type Engine struct {
	stores []store.Store
	cfg    Config
	log    zerolog.Logger
}

// New creates an engine over the given stores.
func New(cfg Config, stores []store.Store, logger zerolog.Logger) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Engine{
		stores: stores,
		cfg:    cfg,
		log:    logger.With().Str("component", "invalidation").Logger(),
	}
}

// Run executes one invalidation pass for a write request.
//
// key is the request's own derived cache key, callerID the resolved caller
// identity, and extra any request-specific patterns supplied by the
// configured callback. Failures are logged and swallowed: invalidation
// must never block or fail the write itself.
func (e *Engine) Run(ctx context.Context, r *http.Request, key, callerID string, extra []string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	path := cachekey.NormalizePath(r.URL)
	seen := make(map[string]struct{})

	// the simple path always runs: the request's own key, method wildcards
	// for the same path, and any caller-supplied patterns
	e.deleteKey(ctx, key)
	simple := append([]string{
		http.MethodGet + ":" + path + ":*",
		http.MethodPost + ":" + path + ":*",
	}, extra...)
	for _, pattern := range simple {
		if err := e.checkDeadline(ctx, r); err != nil {
			return
		}
		e.deleteMatching(ctx, pattern, seen, nil, "")
	}

	rules := e.cfg.Rules
	if e.cfg.AutoREST {
		rules = append(autoRules(r, path), rules...)
	}

	for _, rule := range rules {
		if err := e.checkDeadline(ctx, r); err != nil {
			return
		}
		if !rule.Matches(r, path) {
			continue
		}
		if err := e.applyRule(ctx, rule, r, path, callerID, seen); err != nil {
			e.log.Warn().Err(err).Str("rule", rule.Name).Str("path", path).
				Msg("Aborting remaining invalidation work")
			return
		}
	}
}

func (e *Engine) applyRule(ctx context.Context, rule Rule, r *http.Request, path, callerID string, seen map[string]struct{}) error {
	scoped := !rule.DisableUserScope && identityPresent(callerID)
	params := requestParams(r)

	var scopeCaller string
	userToken := "*"
	if scoped {
		scopeCaller = callerID
		userToken = callerID
	}

	for _, pattern := range rule.InvalidatePatterns {
		if err := e.checkDeadline(ctx, r); err != nil {
			return nil
		}
		expanded, err := e.expand(pattern, params, userToken, path)
		if err != nil {
			return err
		}
		e.deleteMatching(ctx, expanded, seen, rule.targetMethods(), scopeCaller)
	}
	return nil
}

// expand substitutes {name} placeholders from request parameters, then the
// residual {userId} and {path} tokens. Substituted values may themselves
// contain placeholders, so expansion repeats until stable, bounded by
// MaxDepth.
func (e *Engine) expand(pattern string, params map[string]string, userToken, path string) (string, error) {
	replace := func(s, name, value string) string {
		return strings.ReplaceAll(s, "{"+name+"}", value)
	}
	for depth := 0; ; depth++ {
		next := pattern
		changed := false
		for name, value := range params {
			if strings.Contains(next, "{"+name+"}") {
				next = replace(next, name, value)
				changed = true
			}
		}
		if strings.Contains(next, "{userId}") {
			next = replace(next, "userId", userToken)
			changed = true
		}
		if strings.Contains(next, "{path}") {
			next = replace(next, "path", path)
			changed = true
		}
		if !changed {
			return pattern, nil
		}
		if depth >= e.cfg.MaxDepth {
			return "", errDepthExceeded
		}
		pattern = next
	}
}

// deleteMatching deletes every key matching the pattern from every store,
// optionally filtered by the encoded method and caller identity fields.
func (e *Engine) deleteMatching(ctx context.Context, pattern string, seen map[string]struct{}, methods []string, scopeCaller string) {
	if _, done := seen[pattern]; done {
		return
	}
	seen[pattern] = struct{}{}

	re, err := store.PatternRegexp(pattern)
	if err != nil {
		e.log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid pattern")
		return
	}

	matched := make(map[string]struct{})
	for _, s := range e.stores {
		keys, err := s.Keys(ctx, pattern)
		if err != nil {
			e.log.Warn().Err(err).Str("store", s.Name()).Str("pattern", pattern).
				Msg("Could not enumerate keys")
			continue
		}
		for _, key := range keys {
			if !re.MatchString(key) {
				continue
			}
			if methods != nil && !containsFold(methods, cachekey.Method(key)) {
				continue
			}
			if scopeCaller != "" && cachekey.Caller(key) != scopeCaller {
				continue
			}
			matched[key] = struct{}{}
		}
	}

	for key := range matched {
		e.deleteKey(ctx, key)
	}
	if len(matched) > 0 {
		e.log.Debug().Str("pattern", pattern).Int("keys", len(matched)).Msg("Invalidated")
	}
}

// deleteKey removes a key from all stores.
func (e *Engine) deleteKey(ctx context.Context, key string) {
	for _, s := range e.stores {
		if err := s.Delete(ctx, key); err != nil {
			e.log.Warn().Err(err).Str("store", s.Name()).Str("key", key).
				Msg("Could not delete key")
		}
	}
}

func (e *Engine) checkDeadline(ctx context.Context, r *http.Request) error {
	if err := ctx.Err(); err != nil {
		e.log.Warn().Err(err).Str("path", r.URL.Path).
			Msg("Invalidation timed out, aborting remaining work")
		return err
	}
	return nil
}

func identityPresent(callerID string) bool {
	return callerID != "" && callerID != cachekey.AnonymousCaller
}
