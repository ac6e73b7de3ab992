// Package invalidation translates write requests into cache-key deletions
// across the configured store tiers.
//
// Two rule sources are merged per request: auto-generated REST rules
// derived from the request path, and explicitly configured rules. Matched
// rules expand their key patterns (with {placeholder} substitution) and
// every matching key is deleted from every store.
package invalidation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Rule maps a class of write requests to a set of cache-key patterns to
// delete. Rules are immutable configuration.
type Rule struct {
	// Name identifies the rule in logs.
	Name string
	// Description is free-form documentation, not interpreted.
	Description string
	// Methods are the write methods the rule reacts to. Empty matches all.
	Methods []string
	// PathPattern matches the request path: literal text with "*" wildcards
	// and "{param}" segments. Ignored if PathRegex is set.
	PathPattern string
	// PathRegex matches the request path as a regular expression.
	PathRegex *regexp.Regexp
	// Condition, when set, must also hold for the rule to fire.
	Condition func(*http.Request) bool
	// InvalidatePatterns are the key patterns to expand and delete.
	// They may contain {name} placeholders resolved from route and query
	// parameters, plus the residual {userId} and {path} tokens.
	InvalidatePatterns []string
	// InvalidateMethods are the methods whose cached entries are targeted.
	// Defaults to GET.
	InvalidateMethods []string
	// DisableUserScope widens the rule to every caller's entries instead
	// of only the current caller's.
	DisableUserScope bool
}

// Matches reports whether the rule applies to the request.
func (rule Rule) Matches(r *http.Request, path string) bool {
	if len(rule.Methods) > 0 && !containsFold(rule.Methods, r.Method) {
		return false
	}
	switch {
	case rule.PathRegex != nil:
		if !rule.PathRegex.MatchString(path) {
			return false
		}
	case rule.PathPattern != "":
		re, err := pathRegexp(rule.PathPattern)
		if err != nil || !re.MatchString(path) {
			return false
		}
	}
	if rule.Condition != nil && !rule.Condition(r) {
		return false
	}
	return true
}

// targetMethods returns the methods whose entries the rule deletes.
func (rule Rule) targetMethods() []string {
	if len(rule.InvalidateMethods) == 0 {
		return []string{http.MethodGet}
	}
	return rule.InvalidateMethods
}

var (
	uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexRe  = regexp.MustCompile(`^[0-9a-fA-F]{24,}$`)
	numRe  = regexp.MustCompile(`^[0-9]+$`)
)

// idLike reports whether a path segment looks like a resource identifier:
// numeric, a UUID, or a long hex string (Mongo-style object id).
func idLike(segment string) bool {
	return numRe.MatchString(segment) || uuidRe.MatchString(segment) || hexRe.MatchString(segment)
}

// autoRules derives REST-aware rules from the request's own path shape.
// For a write to /users/123 it invalidates the item, the /users
// collection, and inferred parent resources.
func autoRules(r *http.Request, path string) []Rule {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil
	}

	targets := []string{path}
	collection := path
	if idLike(segments[len(segments)-1]) {
		collection = "/" + strings.Join(segments[:len(segments)-1], "/")
		targets = append(targets, collection)
	}
	// parent resources: /a/1/b/2 also touches /a/1 and /a
	parents := splitPath(collection)
	for i := len(parents) - 1; i > 0; i-- {
		targets = append(targets, "/"+strings.Join(parents[:i], "/"))
	}

	var patterns []string
	for _, target := range targets {
		// the exact path and its sub-segments; a shared name prefix
		// alone must not match
		patterns = append(patterns, "GET:"+target+":*", "GET:"+target+"/*")
	}

	return []Rule{{
		Name:               "auto-rest",
		Methods:            []string{r.Method},
		InvalidatePatterns: patterns,
	}}
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// requestParams collects the placeholder substitution values available on
// a request: chi route parameters first, then query parameters.
func requestParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key != "*" {
				params[key] = rctx.URLParams.Values[i]
			}
		}
	}
	return params
}

// pathRegexp translates a path pattern into an anchored regexp:
// "*" matches any run, "{param}" matches one path segment.
func pathRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteString(".*")
		case '{':
			if end := strings.IndexByte(pattern[i:], '}'); end != -1 {
				b.WriteString("[^/]+")
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

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
