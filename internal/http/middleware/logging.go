// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, the structured access logger
// and panic recovery. Compose them as RequestID → Identity → Logger →
// Recovery so that every log line and error body carries the correlation ID.
//
// Logger attaches a request-scoped zerolog.Logger both to the Gin context
// (LoggerFrom) and to the request's context.Context, so services log through
// zerolog.Ctx(ctx) with the request fields already set. Query strings and
// headers are scrubbed of obvious PII before they are written.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID reuses an incoming X-Request-ID or generates a UUIDv4, echoes it
// on the response and stores it in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// HeaderReplayed marks a response served from a stored idempotent result.
const HeaderReplayed = "Idempotent-Replayed"

// AccessLogOptions configures Logger.
type AccessLogOptions struct {
	Redact RedactOptions
	// Quiet lists route patterns whose successful requests log at debug,
	// typically health checks such as /health and /metrics.
	Quiet []string
}

// Logger writes one structured access log per request. The level follows the
// outcome: error for 5xx or recorded Gin errors, warn for 4xx, info otherwise.
// Group routes add group_id; idempotent replays add replayed=true.
func Logger(opts AccessLogOptions) gin.HandlerFunc {
	red := newRedactor(opts.Redact)
	quiet := make(map[string]struct{}, len(opts.Quiet))
	for _, p := range opts.Quiet {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		lc := log.With().
			Str("request_id", c.GetString(requestIDKey)).
			Str("user_id", c.GetString(userIDKey)).
			Str("method", c.Request.Method).
			Str("path", path)
		if gid := c.Param("id"); gid != "" && strings.Contains(path, "/groups/") {
			lc = lc.Str("group_id", gid)
		}
		l := lc.Logger()

		c.Set("logger", &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		_, isQuiet := quiet[path]
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		case isQuiet:
			ev = l.Debug()
		default:
			ev = l.Info()
		}
		if !ev.Enabled() {
			return
		}
		if c.Writer.Header().Get(HeaderReplayed) == "true" {
			ev = ev.Bool("replayed", true)
		}
		ev.Str("remote_ip", c.ClientIP()).
			Str("query", red.scrub(truncate(c.Request.URL.RawQuery, maxQueryLogLength))).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Interface("headers", red.headers(c.Request.Header)).
			Msg("request")
	}
}

// Recovery logs a panic with its stack and, if nothing was written yet,
// responds 500 with the standard error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := c.GetString(requestIDKey)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// Logger() is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// truncate cuts s to max bytes and appends an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
