package tiercache

import (
	"bytes"
	"net/http"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the
// response to a buffer. It optionally writes the response through to the
// underlying http.ResponseWriter; a nil writer records only, which is how
// background refreshes capture a response without a client attached.
type ResponseSaver struct {
	rw           http.ResponseWriter
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response is tee'd to it in addition to the buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:     w,
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		t.rw.Write(b)
	}
	return t.body.Write(b)
}

// StatusCode returns the status code of the response, or zero if the
// downstream handler never wrote one.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Captured returns the recorded response. A handler that returned
// without writing anything is recorded as the implicit empty 200 that
// net/http sends in that case.
func (t *ResponseSaver) Captured() *capturedResponse {
	status := t.status
	if !t.wroteHeaders {
		status = http.StatusOK
	}
	return &capturedResponse{
		Status: status,
		Header: t.header.Clone(),
		Body:   t.body.Bytes(),
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
