// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Metrics records request counts, latency, in-flight requests and response
// sizes into the collectors in internal/observability. Labels are method,
// route path (raw URL path only when no route matched) and status code.
// Long-lived SSE streams are excluded from the latency histogram and counted
// by the stream gauge instead.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/group-sync/internal/observability"
)

// Metrics returns the Prometheus instrumentation middleware.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		stream := strings.HasSuffix(c.FullPath(), "/stream")
		if stream {
			observability.SnapshotStreams.Inc()
			defer observability.SnapshotStreams.Dec()
		} else {
			observability.HTTPInflight.Inc()
			defer observability.HTTPInflight.Dec()
		}

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		observability.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		if stream {
			return
		}
		observability.HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// Size is -1 when nothing was written.
		if size := c.Writer.Size(); size >= 0 {
			observability.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
