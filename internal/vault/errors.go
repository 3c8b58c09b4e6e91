package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoData indicates the server has no activity for the requested window.
	ErrNoData = errors.New("vault: no activity data for this window")
	// ErrUnauthorized indicates a missing or expired token.
	ErrUnauthorized = errors.New("vault: unauthorized (token missing or expired)")
	// ErrPermissionDenied indicates the token's policies do not allow the request.
	ErrPermissionDenied = errors.New("vault: permission denied")
	// ErrRateLimited indicates the server rejected the request with 429.
	ErrRateLimited = errors.New("vault: rate limited")
	// ErrBreakerOpen indicates recent failures tripped the client's circuit breaker.
	ErrBreakerOpen = errors.New("vault: circuit breaker open")
)

// APIError is a non-2xx response with the server's error messages.
type APIError struct {
	Endpoint   Endpoint
	StatusCode int
	Errors     []string
	sentinel   error
}

func (e *APIError) Error() string {
	msg := strings.Join(e.Errors, "; ")
	if msg == "" {
		msg = "no error message"
	}
	return fmt.Sprintf("vault: %s: status %d: %s", e.Endpoint, e.StatusCode, msg)
}

// Unwrap returns the sentinel the status maps to, if any.
func (e *APIError) Unwrap() error { return e.sentinel }

// ControlGroupError is returned when a request is held by a control group.
// The wrapped response can be retrieved with the WrapInfo once approved.
type ControlGroupError struct {
	Endpoint Endpoint
	WrapInfo WrapInfo
}

func (e *ControlGroupError) Error() string {
	return fmt.Sprintf("vault: %s: request requires control group authorization (accessor %s)",
		e.Endpoint, e.WrapInfo.Accessor)
}

// parseErrorMessages reads the "errors" array of an error envelope. Bodies
// that are not JSON are returned as a single trimmed message.
func parseErrorMessages(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		if s := strings.TrimSpace(string(body)); s != "" {
			return []string{s}
		}
		return nil
	}
	var msgs []string
	for _, r := range gjson.GetBytes(body, "errors").Array() {
		if s := strings.TrimSpace(r.String()); s != "" {
			msgs = append(msgs, s)
		}
	}
	return msgs
}

// isNoDataMessage matches the server's wording for windows without data.
func isNoDataMessage(msgs []string) bool {
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m), "no data") {
			return true
		}
	}
	return false
}
