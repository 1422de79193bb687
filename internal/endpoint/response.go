package endpoint

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// Response wraps an http.ResponseWriter and remembers whether anything was
// sent, so the envelope writer can stay out of the way of handlers that took
// control of the response.
type Response struct {
	http.ResponseWriter
	status  int
	written bool
}

// NewResponse wraps w.
func NewResponse(w http.ResponseWriter) *Response {
	return &Response{ResponseWriter: w, status: http.StatusOK}
}

// SetStatus records the status used by the next write. It has no effect once
// the header was sent.
func (r *Response) SetStatus(code int) {
	if r.written || code < 100 || code > 999 {
		return
	}
	r.status = code
}

// Status returns the pending or sent status code.
func (r *Response) Status() int { return r.status }

// Written reports whether a header or body has been sent.
func (r *Response) Written() bool { return r.written }

func (r *Response) WriteHeader(code int) {
	if r.written {
		return
	}
	r.status = code
	r.written = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *Response) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(r.status)
	}
	return r.ResponseWriter.Write(b)
}

func (r *Response) Flush() {
	if !r.written {
		r.WriteHeader(r.status)
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		r.written = true
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *Response) Unwrap() http.ResponseWriter { return r.ResponseWriter }
