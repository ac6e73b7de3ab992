// Package cachekey derives deterministic cache keys from HTTP requests.
//
// A key is five colon-joined fields:
//
//	{METHOD}:{path}:{sortedQuery}:{bodyDigest}:{callerId}
//
// Two requests with the same method, path, query parameter set (order
// independent), body content (key-order independent for JSON objects) and
// caller identity always map to the same key.
package cachekey

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	payloadhash "github.com/tier-cache/tier-cache/pkg/payload-hash"
)

const (
	// Separator joins the key fields.
	Separator = ":"
	// AnonymousCaller is the caller id used when no identity is available.
	AnonymousCaller = "anon"
)

// Keyer builds cache keys for requests.
type Keyer struct {
	// GetUserID extracts the caller identity from a request.
	// If nil or it returns an empty string, AnonymousCaller is used.
	GetUserID func(*http.Request) string
	// QueryKeyFunc, when set, replaces the whole key scheme for requests
	// recognized as query-language operations (e.g. GraphQL).
	QueryKeyFunc func(*http.Request) string
}

// Key returns the cache key for a request.
func (k Keyer) Key(r *http.Request) string {
	if k.QueryKeyFunc != nil && IsQueryLanguage(r) {
		if key := k.QueryKeyFunc(r); key != "" {
			return key
		}
	}
	fields := []string{
		r.Method,
		NormalizePath(r.URL),
		SortedQuery(r.URL),
		k.bodyDigest(r),
		k.CallerID(r),
	}
	return strings.Join(fields, Separator)
}

// CallerID returns the caller identity for a request, falling back to
// AnonymousCaller when no extractor is configured or it yields nothing.
// The identity is encoded as the final key field, so Separator
// occurrences in it are escaped to keep it a single field.
func (k Keyer) CallerID(r *http.Request) string {
	if k.GetUserID != nil {
		if id := k.GetUserID(r); id != "" {
			return strings.ReplaceAll(id, Separator, "%3A")
		}
	}
	return AnonymousCaller
}

// bodyDigest digests the request body for non-GET methods.
// GET requests always use an empty digest field.
func (k Keyer) bodyDigest(r *http.Request) string {
	if r.Method == http.MethodGet || r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	body, err := readAndRestoreBody(r)
	if err != nil {
		return payloadhash.Unhashable
	}
	if len(body) == 0 {
		return ""
	}
	return payloadhash.Digest(body)
}

// NormalizePath returns the canonical path of a URL, without the query
// string. A nil URL yields "/".
func NormalizePath(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path != "" {
		return u.Path
	}
	// fall back to a naive split for opaque or malformed URLs
	raw := u.String()
	if i := strings.Index(raw, "?"); i != -1 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	return raw
}

// SortedQuery re-serializes the query string with parameters sorted
// lexicographically by key. An absent or unparseable query yields "".
func SortedQuery(u *url.URL) string {
	if u == nil || u.RawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return ""
	}
	// url.Values.Encode sorts by key
	return values.Encode()
}

// IsQueryLanguage reports whether a request looks like a query-language
// operation: either the GraphQL content type, or a JSON body whose
// top-level "query" field starts with an operation keyword.
func IsQueryLanguage(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "application/graphql" {
		return true
	}
	if r.Method == http.MethodGet || r.Body == nil || r.Body == http.NoBody {
		return false
	}
	body, err := readAndRestoreBody(r)
	if err != nil {
		return false
	}
	var probe struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	q := strings.TrimSpace(probe.Query)
	return strings.HasPrefix(q, "query") ||
		strings.HasPrefix(q, "mutation") ||
		strings.HasPrefix(q, "subscription") ||
		strings.HasPrefix(q, "{")
}

// Method returns the method field encoded in a key.
func Method(key string) string {
	method, _, _ := strings.Cut(key, Separator)
	return method
}

// Caller returns the caller identity field encoded in a key.
func Caller(key string) string {
	if i := strings.LastIndex(key, Separator); i != -1 {
		return key[i+1:]
	}
	return ""
}

// readAndRestoreBody reads the whole request body and rewinds it so the
// downstream handler can read it again.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
