// Package errors defines the error taxonomy shared by the ingestion manager:
// sentinel errors for permanent conditions and a ServiceInterruption type for
// remote-side outages that callers should reschedule around.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectorAbsent names the condition of a connector pool yielding no
	// handle, meaning the connector binary is not installed. The coordinator
	// reports that condition through ConnectorAbsent, not with this value.
	ErrConnectorAbsent = errors.New("connector not installed")
	// ErrRecordNotFound is returned by lookups that require an existing row.
	ErrRecordNotFound = errors.New("ingest record not found")
	// ErrInvalidInput marks caller mistakes (mismatched array lengths etc.).
	ErrInvalidInput = errors.New("invalid input")
)

// ServiceInterruption signals that a downstream index or transformation
// service is temporarily unavailable. The caller is expected to reschedule
// the document rather than fail it permanently.
type ServiceInterruption struct {
	Message    string
	RetryAfter time.Duration
}

func (e *ServiceInterruption) Error() string {
	return fmt.Sprintf("service interruption: %s (retry after %v)", e.Message, e.RetryAfter)
}

// NewServiceInterruption builds a ServiceInterruption with a retry hint.
// A zero retryAfter means "retry immediately".
func NewServiceInterruption(message string, retryAfter time.Duration) *ServiceInterruption {
	return &ServiceInterruption{Message: message, RetryAfter: retryAfter}
}

// ConnectorAbsent builds the zero-backoff interruption, naming the connector
// kind, that a missing connector receives everywhere in the coordinator. The
// result does not wrap ErrConnectorAbsent, so errors.Is does not match it.
func ConnectorAbsent(kind string) *ServiceInterruption {
	return &ServiceInterruption{Message: kind + " connector not installed", RetryAfter: 0}
}

// IsServiceInterruption reports whether err is (or wraps) a ServiceInterruption.
func IsServiceInterruption(err error) bool {
	var si *ServiceInterruption
	return errors.As(err, &si)
}

// RetryAfter extracts the retry hint from a ServiceInterruption chain, or 0.
func RetryAfter(err error) time.Duration {
	var si *ServiceInterruption
	if errors.As(err, &si) {
		return si.RetryAfter
	}
	return 0
}
