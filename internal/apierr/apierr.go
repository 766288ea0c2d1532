// Package apierr defines the gateway's error taxonomy and renders errors in
// the same JSON shape the upstream Messages API uses, so SDK clients can
// parse gateway-originated failures the same way as upstream ones.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamTimeout means the hard wall-clock ceiling on an upstream call fired.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnreachable means no connection to the upstream could be made.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamProtocol means the upstream answered with something we could not
	// interpret: unparseable JSON or a stream that never reached message_stop.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)

// ClientError is a problem with the incoming request. It is never retried.
type ClientError struct {
	Status  int
	Type    string
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// InvalidRequest builds a 400 ClientError.
func InvalidRequest(format string, args ...any) *ClientError {
	return &ClientError{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Message: fmt.Sprintf(format, args...),
	}
}

// Unauthenticated builds a 401 ClientError.
func Unauthenticated(msg string) *ClientError {
	return &ClientError{
		Status:  http.StatusUnauthorized,
		Type:    "authentication_error",
		Message: msg,
	}
}

// Body is the wire shape of an error response.
type Body struct {
	Type  string `json:"type"`
	Error Detail `json:"error"`
}

// Detail is the inner error object.
type Detail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Classify maps err to an HTTP status and error type. Unknown errors are 500s.
func Classify(err error) (int, string) {
	var ce *ClientError
	switch {
	case errors.As(err, &ce):
		return ce.Status, ce.Type
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusServiceUnavailable, "overloaded_error"
	case errors.Is(err, ErrUpstreamProtocol):
		return http.StatusBadGateway, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// Write renders err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	status, typ := Classify(err)

	msg := err.Error()
	var ce *ClientError
	if errors.As(err, &ce) {
		msg = ce.Message
	}

	WriteStatus(w, status, typ, msg)
}

// WriteStatus renders an error body with an explicit status and type.
func WriteStatus(w http.ResponseWriter, status int, typ, msg string) {
	body, _ := json.Marshal(Body{
		Type:  "error",
		Error: Detail{Type: typ, Message: msg},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
