// Package bridge provides the HTTP/JSON client for the WhatsApp gateway
// daemon, with retry, pacing and liveness probing.
package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a bridge failure.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindHTTP4xx    ErrorKind = "http_4xx"
	KindHTTP5xx    ErrorKind = "http_5xx"
	KindValidation ErrorKind = "validation"
	KindProtocol   ErrorKind = "protocol"
)

// Error is a structured bridge failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bridge %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("bridge %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a retry could plausibly succeed.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindHTTP5xx:
		return true
	default:
		return false
	}
}

// IsUnavailable reports whether err means the bridge process itself is
// unreachable (as opposed to reachable but unhappy).
func IsUnavailable(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == KindNetwork || be.Kind == KindTimeout
}
