package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// Outcome labels shared by metrics, the event stream, and the audit
// trail.
const (
	OutcomeAllowed       = "ALLOWED"
	OutcomeAuthFailed    = "AUTH_FAILED"
	OutcomeRevoked       = "REVOKED"
	OutcomeForbidden     = "FORBIDDEN"
	OutcomeRateLimited   = "RATE_LIMITED"
	OutcomeCircuitOpen   = "CIRCUIT_OPEN"
	OutcomeUpstreamError = "UPSTREAM_ERROR"
)

// AuthenticationError wraps a token verification failure. Its message
// is the verifier's own wording, which is contract and safe to return.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string { return e.Err.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// RevocationError means the credential was explicitly invalidated, or
// the revocation check could not answer and the gateway failed secure.
// The two cases are indistinguishable to the caller.
type RevocationError struct {
	UserID string
}

func (e *RevocationError) Error() string { return "Token has been revoked" }

// AuthorizationError carries the server the caller asked for. An
// unknown server name yields the same error as a role mismatch, so
// callers cannot probe the registry.
type AuthorizationError struct {
	Server string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("Access denied to server %q", e.Server)
}

// RateLimitError reports the rejecting tier's verdict.
type RateLimitError struct {
	Tier       string
	Message    string
	RetryAfter int
	Limit      int
	Remaining  int
}

func (e *RateLimitError) Error() string { return e.Message }

// CircuitOpenError means the server's breaker rejected the call
// without attempting it.
type CircuitOpenError struct {
	Server string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("Service %q is temporarily unavailable", e.Server)
}

// UpstreamError means the single downstream attempt failed or timed
// out. Err keeps the transport detail for server-side logs; Error()
// stays generic.
type UpstreamError struct {
	Server string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Upstream service %q failed", e.Server)
}
func (e *UpstreamError) Unwrap() error { return e.Err }

// Outcome classifies err into the outcome vocabulary; nil is ALLOWED.
func Outcome(err error) string {
	if err == nil {
		return OutcomeAllowed
	}
	var (
		authErr  *AuthenticationError
		revErr   *RevocationError
		authzErr *AuthorizationError
		rateErr  *RateLimitError
		openErr  *CircuitOpenError
	)
	switch {
	case errors.As(err, &authErr):
		return OutcomeAuthFailed
	case errors.As(err, &revErr):
		return OutcomeRevoked
	case errors.As(err, &authzErr):
		return OutcomeForbidden
	case errors.As(err, &rateErr):
		return OutcomeRateLimited
	case errors.As(err, &openErr):
		return OutcomeCircuitOpen
	default:
		return OutcomeUpstreamError
	}
}

// HTTPStatus maps err to the response code the gateway returns.
func HTTPStatus(err error) int {
	switch Outcome(err) {
	case OutcomeAllowed:
		return http.StatusOK
	case OutcomeAuthFailed, OutcomeRevoked:
		return http.StatusUnauthorized
	case OutcomeForbidden:
		return http.StatusForbidden
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	case OutcomeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
