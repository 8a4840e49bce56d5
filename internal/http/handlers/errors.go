// Package handlers provides the HTTP endpoints. This file centralizes the
// symbolic error code constants mapped to HTTP responses via fail().
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror common HTTP status semantics.
//   - Routing codes (unknown_repo, ambiguous_repo, no_target, session_busy)
//     come straight from the routing error taxonomy so chat-facing clients
//     and API clients branch on the same strings.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
