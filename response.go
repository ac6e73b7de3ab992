package tiercache

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Cache-Status marker values, in the spirit of RFC 9211.
const cacheName = "tier-cache"

func hitStatus(stale bool) string {
	if stale {
		return cacheName + "; hit; stale"
	}
	return cacheName + "; hit"
}

func missStatus(collapsed bool) string {
	if collapsed {
		return cacheName + "; fwd=miss; collapsed"
	}
	return cacheName + "; fwd=miss"
}

func bypassStatus(reason string) string {
	return cacheName + "; fwd=" + reason
}

// capturedResponse is the stored form of one downstream response.
type capturedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// cacheable reports whether the response may be stored: any 2xx status.
func (res *capturedResponse) cacheable() bool {
	return res != nil && res.Status >= 200 && res.Status < 300
}

func (res *capturedResponse) encode() ([]byte, error) {
	return json.Marshal(res)
}

func decodeResponse(b []byte) (*capturedResponse, error) {
	var res capturedResponse
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// send writes the response to the client with the given Cache-Status
// marker.
func (res *capturedResponse) send(w http.ResponseWriter, cacheStatus string) {
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cacheStatus)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}
