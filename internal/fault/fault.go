// Package fault defines the error taxonomy shared across the control plane.
// Every failure that crosses a component boundary is one of these types so
// callers can branch with errors.As and every error stays attributable to a
// correlation id or plan/step id.
package fault

import (
	"errors"
	"fmt"
)

// AuthenticationError reports a rejected handshake (bad, expired or revoked
// certificate, or clock skew beyond tolerance). It is terminal: the transport
// never retries an authentication failure automatically.
type AuthenticationError struct {
	ClientID string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("authentication failed for %s: %s", e.ClientID, e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// UnknownClientError reports a routing target that is not in the registry.
type UnknownClientError struct {
	ClientID string
}

func (e *UnknownClientError) Error() string {
	return fmt.Sprintf("unknown client: %s", e.ClientID)
}

// ClientOfflineError reports a routing target that is known but not
// currently authenticated.
type ClientOfflineError struct {
	ClientID string
}

func (e *ClientOfflineError) Error() string {
	return fmt.Sprintf("client offline: %s", e.ClientID)
}

// TimeoutError reports a command whose deadline expired before a response
// arrived. CorrelationID ties the failure back to the originating envelope.
type TimeoutError struct {
	CorrelationID string
	Command       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out (correlation %s)", e.Command, e.CorrelationID)
}

// InvalidInputError reports a malformed subject identifier or payload.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a persistence failure in the CA or event stores. It is
// fatal to the affected operation but never crashes the process.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PlanExecutionError reports a critical step failure that fails the whole
// plan and triggers best-effort cancellation of its siblings.
type PlanExecutionError struct {
	PlanID string
	StepID string
	Err    error
}

func (e *PlanExecutionError) Error() string {
	return fmt.Sprintf("plan %s failed at step %s: %v", e.PlanID, e.StepID, e.Err)
}

func (e *PlanExecutionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsOffline reports whether err is (or wraps) a ClientOfflineError.
func IsOffline(err error) bool {
	var o *ClientOfflineError
	return errors.As(err, &o)
}

// IsAuthentication reports whether err is (or wraps) an AuthenticationError.
func IsAuthentication(err error) bool {
	var a *AuthenticationError
	return errors.As(err, &a)
}

// Retryable reports whether a failed command may be attempted again by a
// retry policy. Only deadline expiry and offline targets qualify; routing
// and authentication failures never do.
func Retryable(err error) bool {
	return IsTimeout(err) || IsOffline(err)
}
