// Package handlers provides the HTTP endpoints: the Telegram webhook, the
// deploy webhook, the sessions admin listing, and health.
//
// This file defines the standard response utilities used across all
// endpoints. Error responses always carry the envelope
// {request_id, code, message} with a stable machine-readable code, and
// fail() centralizes 5xx logging with request context.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avoran/go-ticketbot-backend/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// RequestID correlates server logs and client errors.
	RequestID string `json:"request_id,omitempty"`
	// Code is the stable machine-readable code (see errors.go constants).
	Code string `json:"code"`
	// Message is a human-readable description, safe to show to users.
	Message string `json:"message"`
}

// fail aborts the request with a structured error and logs server-side
// errors with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{RequestID: reqID, Code: code, Message: msg}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), used by router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
