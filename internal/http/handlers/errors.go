// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, forbidden, not_found) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., sync_failed, cache_unavailable) are reserved for
//     engine errors that cannot be conveyed by status alone.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "too_many_groups",
//	  "message": "a transaction can be shared with at most 5 groups"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/group-sync/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeInvalidRange        = "invalid_range"
	ErrCodeInvalidTransaction  = "invalid_transaction"
	ErrCodeTooManyGroups       = "too_many_groups"
	ErrCodeUnknownGroup        = "unknown_group"
	ErrCodeInvalidSubscription = "invalid_subscription"
	ErrCodeSyncFailed          = "sync_failed"
	ErrCodeCacheUnavailable    = "cache_unavailable"
	ErrCodeUnavailable         = "unavailable"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)

// failService maps a service error onto the response envelope. Unknown
// errors become 500s.
func failService(c *gin.Context, err error) {
	var cce *services.CacheCorruptionError
	switch {
	case errors.Is(err, services.ErrInvalidRange):
		fail(c, http.StatusBadRequest, ErrCodeInvalidRange, err.Error())
	case errors.Is(err, services.ErrInvalidTransaction):
		fail(c, http.StatusBadRequest, ErrCodeInvalidTransaction, err.Error())
	case errors.Is(err, services.ErrTooManyGroups):
		fail(c, http.StatusBadRequest, ErrCodeTooManyGroups, err.Error())
	case errors.Is(err, services.ErrInvalidSubscription):
		fail(c, http.StatusBadRequest, ErrCodeInvalidSubscription, err.Error())
	case errors.Is(err, services.ErrUnknownGroup):
		fail(c, http.StatusBadRequest, ErrCodeUnknownGroup, err.Error())
	case errors.Is(err, services.ErrNotGroupMember):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrGroupNotFound),
		errors.Is(err, services.ErrTransactionNotFound),
		errors.Is(err, services.ErrSubscriptionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrSyncFailed):
		fail(c, http.StatusBadGateway, ErrCodeSyncFailed, err.Error())
	case errors.As(err, &cce):
		fail(c, http.StatusServiceUnavailable, ErrCodeCacheUnavailable, "local cache unavailable")
	case errors.Is(err, services.ErrHandlerStopped):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "shutting down")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
