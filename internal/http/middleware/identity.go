package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// userIDKey is the Gin context key holding the caller's user id.
	userIDKey = "userID"
	// UserIDHeader carries the caller identity. Authentication is handled
	// upstream (gateway); this service trusts the header.
	UserIDHeader = "X-User-ID"
	// anonymousUser is used when no identity was supplied.
	anonymousUser = "demo-user"
)

// Identity stores the caller's user id in the Gin context. An id already set
// by earlier middleware wins over the header.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(userIDKey); !ok {
			if h := strings.TrimSpace(c.GetHeader(UserIDHeader)); h != "" {
				c.Set(userIDKey, h)
			}
		}
		c.Next()
	}
}

// UserID returns the caller's user id, or "demo-user" when none was set.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return anonymousUser
}
