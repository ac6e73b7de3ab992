package tiercache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tier-cache/tier-cache/invalidation"
)

func invalidationRuleConfig() invalidation.Config {
	return invalidation.Config{Rules: []invalidation.Rule{{
		Name:               "profile-writes",
		Methods:            []string{"PUT", "PATCH"},
		PathPattern:        "/profile/*",
		InvalidatePatterns: []string{"GET:/profile:*:{userId}"},
	}}}
}

func invalidationAutoConfig() invalidation.Config {
	return invalidation.Config{AutoREST: true}
}

func TestMiddlewareReturnsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	New(Config{}).Middleware(handler).ServeHTTP(rr, req)

	if body, err := io.ReadAll(rr.Result().Body); err != nil || string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestSecondRequestFromCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("Hello world"))
	})
	mw := New(Config{}).Middleware(handler)
	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	mw.ServeHTTP(httptest.NewRecorder(), req)
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if handleCount != 1 {
		t.Fatalf("Next handler called %d times", handleCount)
	}
	if body := rr.Body.String(); body != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "tier-cache; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestCachedHeadersPreserved(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "text/test")
		w.Write([]byte("Hello world"))
	})
	mw := New(Config{}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if ct := rr.Result().Header.Get("content-type"); ct != "text/test" {
		t.Fatalf("Content-Type header is %s", ct)
	}
}

func TestWriteInvalidatesCache(t *testing.T) {
	list := []int{1}
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			list = append(list, 2)
			w.Write([]byte("done"))
			return
		}
		w.Write([]byte(fmt.Sprintf("%v", list)))
	})
	mw := New(Config{TTL: 30 * time.Second}).Middleware(mux)

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/list", nil))
	if body := rr.Body.String(); body != "[1]" {
		t.Fatalf("body is %s", body)
	}

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/list", strings.NewReader(`{"value":2}`)))

	rr = httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/list", nil))
	if body := rr.Body.String(); body != "[1 2]" {
		t.Fatalf("body after write is %s, want fresh data", body)
	}
}

func TestFreshnessExpiry(t *testing.T) {
	var handleCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&handleCount, 1)
		w.Write([]byte(fmt.Sprintf(`{"count":%d}`, n)))
	})
	mw := New(Config{
		TTL:                         50 * time.Millisecond,
		DisableStaleWhileRevalidate: true,
	}).Middleware(handler)
	get := func() string {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", "/users", nil))
		return rr.Body.String()
	}

	if body := get(); body != `{"count":1}` {
		t.Fatalf("first body is %s", body)
	}
	if body := get(); body != `{"count":1}` {
		t.Fatalf("cached body is %s", body)
	}
	time.Sleep(80 * time.Millisecond)
	if body := get(); body != `{"count":2}` {
		t.Fatalf("body after expiry is %s", body)
	}
}

func TestCoalescingSingleInvocation(t *testing.T) {
	var handleCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&handleCount, 1)
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("shared"))
	})
	mw := New(Config{}).Middleware(handler)

	const n = 10
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			mw.ServeHTTP(rr, httptest.NewRequest("GET", "/slow", nil))
			bodies[i] = rr.Body.String()
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&handleCount); got != 1 {
		t.Fatalf("handler invoked %d times for %d concurrent requests", got, n)
	}
	for i, body := range bodies {
		if body != "shared" {
			t.Fatalf("request %d got body %q", i, body)
		}
	}
}

func TestCoalescingHandlerWithoutWrite(t *testing.T) {
	var handleCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&handleCount, 1)
		time.Sleep(100 * time.Millisecond)
		// return without writing: net/http sends an implicit empty 200
	})
	mw := New(Config{}).Middleware(handler)

	const n = 5
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			mw.ServeHTTP(rr, httptest.NewRequest("GET", "/quiet", nil))
			statuses[i] = rr.Code
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&handleCount); got != 1 {
		t.Fatalf("handler invoked %d times for %d concurrent requests", got, n)
	}
	for i, status := range statuses {
		if status != http.StatusOK {
			t.Fatalf("request %d got status %d, every waiter must share the empty 200", i, status)
		}
	}
}

func TestRefreshTimeoutFreesPendingSlot(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	var handleCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&handleCount, 1)
		if n == 2 {
			// the first refresh hangs well past the timeout
			<-block
			return
		}
		w.Write([]byte(fmt.Sprintf("v%d", n)))
	})
	mw := New(Config{
		TTL:            30 * time.Millisecond,
		RefreshTimeout: 40 * time.Millisecond,
	}).Middleware(handler)
	get := func() string {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", "/feed", nil))
		return rr.Body.String()
	}

	if body := get(); body != "v1" {
		t.Fatalf("first body is %s", body)
	}
	time.Sleep(60 * time.Millisecond)

	// stale read starts the hanging refresh; a second one cannot get the
	// lead while it is pending
	get()
	get()
	if got := atomic.LoadInt32(&handleCount); got != 2 {
		t.Fatalf("handler invoked %d times, only one refresh may be in flight", got)
	}

	// once the safety timer clears the slot, a later stale read must be
	// able to start a fresh refresh
	time.Sleep(100 * time.Millisecond)
	get()
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&handleCount); got != 3 {
		t.Fatalf("handler invoked %d times, the timed-out refresh still holds the slot", got)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	var handleCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&handleCount, 1)
		w.Write([]byte(fmt.Sprintf("v%d", n)))
	})
	mw := New(Config{TTL: 100 * time.Millisecond}).Middleware(handler)
	get := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", "/feed", nil))
		return rr
	}

	if body := get().Body.String(); body != "v1" {
		t.Fatalf("first body is %s", body)
	}
	time.Sleep(150 * time.Millisecond)

	// stale read burst: served the old payload immediately, one refresh
	rr := get()
	if body := rr.Body.String(); body != "v1" {
		t.Fatalf("stale body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "tier-cache; hit; stale" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	get()
	get()

	time.Sleep(30 * time.Millisecond) // let the refresh land
	if got := atomic.LoadInt32(&handleCount); got != 2 {
		t.Fatalf("handler invoked %d times, want initial call plus one refresh", got)
	}
	rr = get()
	if body := rr.Body.String(); body != "v2" {
		t.Fatalf("refreshed body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "tier-cache; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestPayloadTooLargeNotStored(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(strings.Repeat("x", 100)))
	})
	mw := New(Config{MaxPayloadSize: 10}).Middleware(handler)

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/big", nil))
	if rr.Body.Len() != 100 {
		t.Fatalf("oversized response served %d bytes", rr.Body.Len())
	}
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/big", nil))

	if handleCount != 2 {
		t.Fatalf("handler called %d times, oversized payload must not be cached", handleCount)
	}
}

func TestNonSuccessNotStored(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		if handleCount == 1 {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("nope"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("queued"))
	})
	mw := New(Config{}).Middleware(handler)
	req := func() { mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/job", nil)) }

	req() // 404, not cached
	req() // 202, cached
	req() // served from cache

	if handleCount != 2 {
		t.Fatalf("handler called %d times", handleCount)
	}
}

func TestUserScopedCachingAndInvalidation(t *testing.T) {
	var handleCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&handleCount, 1)
		w.Write([]byte("profile for " + r.Header.Get("X-User")))
	})
	mw := New(Config{
		GetUserID:    func(r *http.Request) string { return r.Header.Get("X-User") },
		Invalidation: invalidationRuleConfig(),
	}).Middleware(handler)

	get := func(user string) string {
		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("X-User", user)
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		return rr.Body.String()
	}

	get("alice")
	get("bob")
	if got := atomic.LoadInt32(&handleCount); got != 2 {
		t.Fatalf("distinct callers must have distinct keys, handler called %d times", got)
	}
	get("alice")
	get("bob")
	if got := atomic.LoadInt32(&handleCount); got != 2 {
		t.Fatalf("repeat reads should hit, handler called %d times", got)
	}

	// a write by alice must only evict alice's entries
	write := httptest.NewRequest("PUT", "/profile/settings", strings.NewReader(`{"theme":"dark"}`))
	write.Header.Set("X-User", "alice")
	mw.ServeHTTP(httptest.NewRecorder(), write)

	get("bob")
	if got := atomic.LoadInt32(&handleCount); got != 2 {
		t.Fatalf("bob's entry was evicted by alice's write")
	}
	get("alice")
	if got := atomic.LoadInt32(&handleCount); got != 3 {
		t.Fatalf("alice's entry should have been evicted, handler called %d times", got)
	}
}

func TestExcludePaths(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := New(Config{ExcludePaths: []string{"/health"}}).Middleware(handler)

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/health/live", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health/live", nil))

	if handleCount != 2 {
		t.Fatalf("excluded path was cached, handler called %d times", handleCount)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "tier-cache; fwd=bypass" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestDisableAuthCaching(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := New(Config{
		DisableAuthCaching: true,
		GetUserID:          func(r *http.Request) string { return r.Header.Get("X-User") },
	}).Middleware(handler)

	authed := func() *http.Request {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User", "alice")
		return req
	}
	mw.ServeHTTP(httptest.NewRecorder(), authed())
	mw.ServeHTTP(httptest.NewRecorder(), authed())
	if handleCount != 2 {
		t.Fatalf("authenticated request was cached, handler called %d times", handleCount)
	}

	// anonymous requests still cache
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if handleCount != 3 {
		t.Fatalf("anonymous request was not cached, handler called %d times", handleCount)
	}
}

func TestCachePOSTPredicate(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("result"))
	})
	mw := New(Config{
		CachePOST: func(r *http.Request) bool { return r.URL.Path == "/search" },
	}).Middleware(handler)

	post := func(path string) {
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", path, strings.NewReader(`{"q":"go"}`)))
	}
	post("/search")
	post("/search")
	if handleCount != 1 {
		t.Fatalf("idempotent POST not cached, handler called %d times", handleCount)
	}
	post("/orders")
	post("/orders")
	if handleCount != 3 {
		t.Fatalf("mutating POST was cached, handler called %d times", handleCount)
	}
}

func TestPerRouteTTL(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := New(Config{
		TTL:                         time.Hour,
		DisableStaleWhileRevalidate: true,
		RouteTTL: func(r *http.Request) time.Duration {
			if r.URL.Path == "/volatile" {
				return 30 * time.Millisecond
			}
			return 0
		},
	}).Middleware(handler)
	get := func(path string) {
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	get("/volatile")
	time.Sleep(60 * time.Millisecond)
	get("/volatile")
	if handleCount != 2 {
		t.Fatalf("route ttl override not honored, handler called %d times", handleCount)
	}

	get("/stable")
	time.Sleep(60 * time.Millisecond)
	get("/stable")
	if handleCount != 3 {
		t.Fatalf("default ttl not honored, handler called %d times", handleCount)
	}
}

func TestStatsAndClear(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	c := New(Config{})
	mw := c.Middleware(handler)
	ctx := context.Background()

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a", nil)) // miss
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/a", nil)) // hit
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/b", nil)) // miss

	stats := c.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Fatalf("stats are %+v", stats)
	}
	if stats.Keys != 2 || stats.Approximate {
		t.Fatalf("key count is %+v", stats)
	}

	if err := c.Clear(ctx, "*"); err != nil {
		t.Fatal(err)
	}
	if stats := c.Stats(ctx); stats.Keys != 0 {
		t.Fatalf("keys after clear: %d", stats.Keys)
	}
}

func TestChiRouterWithAutoREST(t *testing.T) {
	items := map[string]string{"1": "first"}
	var listCount int32
	r := chi.NewRouter()
	r.Get("/items", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&listCount, 1)
		w.Write([]byte(fmt.Sprintf("%d items", len(items))))
	})
	r.Get("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(items[chi.URLParam(req, "id")]))
	})
	r.Put("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		items[chi.URLParam(req, "id")] = "updated"
		w.Write([]byte("saved"))
	})

	mw := New(Config{Invalidation: invalidationAutoConfig()}).Middleware(r)

	get := func(path string) string {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		return rr.Body.String()
	}

	if body := get("/items/1"); body != "first" {
		t.Fatalf("item body is %s", body)
	}
	get("/items")

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("PUT", "/items/1", strings.NewReader(`{}`)))

	if body := get("/items/1"); body != "updated" {
		t.Fatalf("item after write is %s", body)
	}
	get("/items")
	if got := atomic.LoadInt32(&listCount); got != 2 {
		t.Fatalf("collection should have been invalidated too, list handler called %d times", got)
	}
}

// End-to-end scenario from the middleware contract: short ttl, counter
// handler, hit within the window, fresh value after it.
func TestEndToEndCounter(t *testing.T) {
	var count int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		w.Write([]byte(fmt.Sprintf(`{"count":%d}`, n)))
	})
	mw := New(Config{
		TTL:                         100 * time.Millisecond,
		Methods:                     []string{"GET", "POST"},
		DisableStaleWhileRevalidate: true,
	}).Middleware(handler)
	get := func() string {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", "/users", nil))
		return rr.Body.String()
	}

	if body := get(); body != `{"count":1}` {
		t.Fatalf("first body is %s", body)
	}
	if body := get(); body != `{"count":1}` {
		t.Fatalf("second body is %s, counter must be untouched", body)
	}
	time.Sleep(150 * time.Millisecond)
	if body := get(); body != `{"count":2}` {
		t.Fatalf("body after ttl is %s", body)
	}
}
