package tiercache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

var (
	errDownstreamPanic = errors.New("downstream handler panicked")
	errRefreshTimeout  = errors.New("background refresh timed out")
)

// refresh re-fetches a stale entry out-of-band. The caller has already
// been served the stale payload; the refresh never blocks it. At most one
// refresh or foreground fetch runs per key, enforced by the shared
// pending registry.
func (c *TierCache) refresh(r *http.Request, key string, ttl time.Duration, next http.Handler) {
	call, leader := c.pending.acquire(key)
	if !leader {
		// a fetch or refresh for this key is already in flight
		return
	}

	req := detachRequest(r)

	go func() {
		saver := NewResponseSaver(nil)
		done := make(chan struct{})

		go func() {
			defer close(done)
			defer func() {
				if p := recover(); p != nil {
					c.log.Error().Interface("panic", p).Str("key", key).Msg("Refresh handler panicked")
				}
			}()
			next.ServeHTTP(saver, req)
		}()

		// the safety timer guarantees the pending slot is cleared even if
		// the handler hangs; the handler itself is not aborted
		timer := time.NewTimer(c.cfg.RefreshTimeout)
		defer timer.Stop()

		select {
		case <-done:
			res := saver.Captured()
			c.storeResponse(req.Context(), key, ttl, res)
			c.pending.settle(key, call, res, nil)
			c.log.Debug().Str("key", key).Msg("Background refresh complete")
		case <-timer.C:
			c.pending.settle(key, call, nil, errRefreshTimeout)
			c.log.Warn().Str("key", key).Dur("timeout", c.cfg.RefreshTimeout).Msg("Background refresh timed out")
		}
	}()
}

// detachRequest clones a request for out-of-band processing: detached
// from the client's context and with its own copy of the body.
func detachRequest(r *http.Request) *http.Request {
	req := r.Clone(context.WithoutCancel(r.Context()))
	if r.Body != nil && r.Body != http.NoBody {
		if body, err := io.ReadAll(r.Body); err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
	}
	return req
}
