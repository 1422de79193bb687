// Package endpoint holds the dispatcher-agnostic description of a plugin route.
package endpoint

import (
	"fmt"
	"net/http"
	"strings"
)

// Method is an HTTP verb a plugin may bind.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodDelete Method = http.MethodDelete
	MethodPatch  Method = http.MethodPatch
)

// Methods lists the supported verbs in canonical order.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch}

// DefaultMethods are bound when a handler declares no verb.
var DefaultMethods = []Method{MethodGet, MethodPost}

// ParseMethod normalizes a verb token. Matching is case-insensitive.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unsupported method %q", s)
}

// Param documents one request parameter. Never validated.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc is the call contract of every plugin handler. A handler either
// returns a value for the success envelope, returns an error, or writes to w
// directly and takes over the response.
type HandlerFunc func(w *Response, r *http.Request) (any, error)

// Record is one registered route.
type Record struct {
	Method      Method      `json:"method"`
	Path        string      `json:"path"`
	Handler     HandlerFunc `json:"-"`
	Source      string      `json:"file"`
	Plugin      string      `json:"plugin"`
	Params      []Param     `json:"params"`
	Description string      `json:"description,omitempty"`
}

// Key identifies the dispatcher slot of the record.
func (r Record) Key() string { return string(r.Method) + " " + r.Path }

// StatusError carries an HTTP status for the error envelope.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }
