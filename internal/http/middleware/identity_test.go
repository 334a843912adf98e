package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIdentity_HeaderAndFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var got []string
	r := gin.New()
	r.Use(Identity())
	r.GET("/me", func(c *gin.Context) {
		got = append(got, UserID(c))
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(UserIDHeader, "  alice ")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/me", nil))

	if len(got) != 2 || got[0] != "alice" || got[1] != "demo-user" {
		t.Fatalf("user ids = %v", got)
	}
}

func TestIdentity_UpstreamValueWins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(userIDKey, "from-auth"); c.Next() })
	r.Use(Identity())
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(UserIDHeader, "spoofed")
	r.ServeHTTP(w, req)
	if w.Body.String() != "from-auth" {
		t.Fatalf("user id = %q", w.Body.String())
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(userIDKey, 42)
	if UserID(c) != "demo-user" {
		t.Fatalf("non-string id should fall back")
	}
}
