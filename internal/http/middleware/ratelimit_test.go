package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/group-sync/internal/observability"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	key := KeyByUserOrIP()
	if got := key(c); got != "ip:203.0.113.9" {
		t.Fatalf("anonymous key = %q", got)
	}
	c.Set(userIDKey, "u123")
	if got := key(c); got != "user:u123" {
		t.Fatalf("user key = %q", got)
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	for _, tc := range []struct {
		set  any
		want bool
	}{{nil, false}, {true, true}, {"yes", false}} {
		if tc.set != nil {
			c.Set(ctxKeyRateBypass, tc.set)
		}
		if got := IsRateBypass(c); got != tc.want {
			t.Fatalf("IsRateBypass with %v = %v", tc.set, got)
		}
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// One token every 3s per caller.
	rl := NewRateLimiter(1.0/3, 1, KeyByUserOrIP())
	r := gin.New()
	r.Use(RequestID(), Identity(), func(c *gin.Context) {
		if c.GetHeader("X-Test-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}, rl.Handler())
	r.POST("/groups/:id/sync", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(user string, replay bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/groups/g1/sync", nil)
		req.Header.Set(UserIDHeader, user)
		if replay {
			req.Header.Set("X-Test-Replay", "1")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(observability.HTTPRateLimited.WithLabelValues("/groups/:id/sync"))

	if w := send("alice", false); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := send("alice", false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After = %q; want 3", got)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] == "" || body["request_id"] != w.Header().Get(requestIDHeader) {
		t.Fatalf("body = %v", body)
	}
	if got := testutil.ToFloat64(observability.HTTPRateLimited.WithLabelValues("/groups/:id/sync")); got != before+1 {
		t.Fatalf("rate limited counter = %v; want %v", got, before+1)
	}

	if w := send("bob", false); w.Code != http.StatusOK {
		t.Fatalf("bob should have a separate bucket: %d", w.Code)
	}
	if w := send("alice", true); w.Code != http.StatusOK {
		t.Fatalf("replay must bypass: %d", w.Code)
	}
}

func TestRateLimiter_ZeroRateOmitsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(0, 1, KeyByUserOrIP())
	r := gin.New()
	r.Use(RequestID(), Identity(), rl.Handler())
	r.GET("/groups/:id/transactions", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/groups/g1/transactions", nil)
		req.Header.Set(UserIDHeader, "carol")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusOK {
		t.Fatalf("burst request = %d", w.Code)
	}
	for i := 0; i < 2; i++ {
		w := send()
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d = %d; want 429", i+2, w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != "" {
			t.Fatalf("Retry-After = %q for a bucket that never refills", got)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	for d, want := range map[time.Duration]string{
		0:                       "1",
		200 * time.Millisecond:  "1",
		time.Second:             "1",
		1500 * time.Millisecond: "2",
		90 * time.Second:        "90",
	} {
		if got := retryAfter(d); got != want {
			t.Errorf("retryAfter(%v) = %q; want %q", d, got, want)
		}
	}
}
