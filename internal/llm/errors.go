package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Class buckets a remote-call failure for retry decisions.
type Class int

const (
	// ClassNetwork covers transport failures and anything unclassified.
	ClassNetwork Class = iota
	ClassRateLimited
	ClassServer
	ClassAuth
	ClassBadRequest
	// ClassSchema marks a response that decoded but violated the expected
	// JSON shape. Never retried; the model will keep returning it.
	ClassSchema
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassServer:
		return "server"
	case ClassAuth:
		return "auth"
	case ClassBadRequest:
		return "bad_request"
	case ClassSchema:
		return "schema"
	default:
		return "network"
	}
}

// APIError is a classified remote-call failure.
type APIError struct {
	Class  Class
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s (status %d): %s", e.Class, e.Status, e.Msg)
	}
	return fmt.Sprintf("llm %s: %s", e.Class, e.Msg)
}

func statusError(status int, msg string) *APIError {
	return &APIError{Class: classifyStatus(status), Status: status, Msg: msg}
}

func schemaError(format string, args ...any) *APIError {
	return &APIError{Class: ClassSchema, Msg: fmt.Sprintf(format, args...)}
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassServer
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status >= 400:
		return ClassBadRequest
	default:
		return ClassNetwork
	}
}

// classOf extracts the Class from an error chain. Plain errors (transport
// failures, timeouts) count as network.
func classOf(err error) Class {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ClassNetwork
}
