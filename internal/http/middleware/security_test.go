package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		opt    SecurityOptions
		pre    map[string]string // headers set before the middleware runs
		tls    bool
		proto  string
		expect map[string]string // "" asserts absence
	}{
		{
			name: "baseline only",
			expect: map[string]string{
				"X-Content-Type-Options":    "nosniff",
				"X-Frame-Options":           "DENY",
				"Referrer-Policy":           "no-referrer",
				"Permissions-Policy":        "",
				"Cache-Control":             "",
				"Strict-Transport-Security": "",
				exposeHeadersHeader:         "",
			},
		},
		{
			name: "policy and no-store",
			opt:  SecurityOptions{EnablePolicy: true, NoStore: true},
			expect: map[string]string{
				"X-Permitted-Cross-Domain-Policies": "none",
				"Cache-Control":                     "no-store",
				"Pragma":                            "no-cache",
				"Expires":                           "0",
			},
		},
		{
			name:   "hsts over tls",
			opt:    SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour},
			tls:    true,
			expect: map[string]string{"Strict-Transport-Security": "max-age=86400; includeSubDomains; preload"},
		},
		{
			name:   "hsts behind proxy with default age",
			opt:    SecurityOptions{EnableHSTS: true},
			proto:  "HTTPS",
			expect: map[string]string{"Strict-Transport-Security": "max-age=15552000; includeSubDomains; preload"},
		},
		{
			name:   "hsts skipped on plain http",
			opt:    SecurityOptions{EnableHSTS: true},
			expect: map[string]string{"Strict-Transport-Security": ""},
		},
		{
			name:   "request id exposed",
			pre:    map[string]string{requestIDHeader: "rid-1"},
			expect: map[string]string{exposeHeadersHeader: "X-Request-ID"},
		},
		{
			name:   "snapshot validators exposed once",
			opt:    SecurityOptions{ExposeHeaders: []string{"ETag", "etag", "Idempotent-Replayed"}},
			pre:    map[string]string{requestIDHeader: "rid-2", exposeHeadersHeader: "X-Request-ID-Extra"},
			expect: map[string]string{exposeHeadersHeader: "X-Request-ID-Extra, X-Request-ID, ETag, Idempotent-Replayed"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(func(c *gin.Context) {
				for k, v := range tc.pre {
					c.Header(k, v)
				}
				c.Next()
			})
			r.Use(SecurityHeaders(tc.opt))
			r.GET("/api/v1/groups/g1/transactions", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/api/v1/groups/g1/transactions", nil)
			if tc.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			for k, want := range tc.expect {
				if got := w.Header().Get(k); got != want {
					t.Errorf("%s = %q; want %q", k, got, want)
				}
			}
			if n := len(w.Header().Values("X-Frame-Options")); n != 1 {
				t.Errorf("X-Frame-Options set %d times", n)
			}
		})
	}
}
