package tiercache

import "sync"

// pendingCall is one in-flight downstream fetch. Followers block on done
// and then read the settled result; fields are written exactly once,
// before done is closed.
type pendingCall struct {
	done     chan struct{}
	response *capturedResponse
	err      error
}

// pendingRequests is the per-instance coalescing registry: at most one
// pending call per cache key. It is shared between foreground fetches and
// background refreshes so the two can never run concurrently for the same
// key.
type pendingRequests struct {
	mutex sync.Mutex
	calls map[string]*pendingCall
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{calls: make(map[string]*pendingCall)}
}

// acquire returns the pending call for the key and whether the caller is
// the leader. The leader must settle the call; everyone else waits on it.
func (p *pendingRequests) acquire(key string) (*pendingCall, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if call, ok := p.calls[key]; ok {
		return call, false
	}
	call := &pendingCall{done: make(chan struct{})}
	p.calls[key] = call
	return call, true
}

// settle records the outcome and removes the registry entry, success or
// failure, so a later request always re-evaluates from the stores.
func (p *pendingRequests) settle(key string, call *pendingCall, response *capturedResponse, err error) {
	p.mutex.Lock()
	if p.calls[key] == call {
		delete(p.calls, key)
	}
	p.mutex.Unlock()
	call.response = response
	call.err = err
	close(call.done)
}
