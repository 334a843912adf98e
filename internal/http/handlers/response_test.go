package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// loggedRouter installs a request id and a buffer-backed request logger.
func loggedRouter(rid string, buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	logger := zerolog.New(buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Set("logger", &logger)
		c.Next()
	})
	return r
}

func Test_fail_LogLevelsByStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
		level  string // "" means nothing logged
	}{
		{http.StatusBadGateway, ErrCodeSyncFailed, "error"},
		{http.StatusForbidden, ErrCodeForbidden, "warn"},
		{http.StatusNotFound, ErrCodeNotFound, ""},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		r := loggedRouter("rid-1", &buf)
		r.GET("/x", func(c *gin.Context) { fail(c, tc.status, tc.code, "boom") })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != tc.status {
			t.Fatalf("status=%d want %d", w.Code, tc.status)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("json: %v", err)
		}
		if resp.RequestID != "rid-1" || resp.Code != tc.code || resp.Message != "boom" {
			t.Fatalf("unexpected body: %+v", resp)
		}

		logged := buf.String()
		if tc.level == "" {
			if logged != "" {
				t.Fatalf("%d: expected no log, got %s", tc.status, logged)
			}
			continue
		}
		if !strings.Contains(logged, `"level":"`+tc.level+`"`) {
			t.Fatalf("%d: expected %s log, got %s", tc.status, tc.level, logged)
		}
	}
}

func Test_Fail_AbortsChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	reached := false
	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope")
	}, func(c *gin.Context) { reached = true })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound || reached {
		t.Fatalf("status=%d reached=%v", w.Code, reached)
	}
}

func Test_SuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/tx", func(c *gin.Context) { created(c, "/tx/1", gin.H{"id": "1"}) })
	r.POST("/tx-again", func(c *gin.Context) { replayed(c, gin.H{"id": "1"}) })
	r.DELETE("/tx/1", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tx", nil))
	if w.Code != http.StatusCreated || w.Header().Get("Location") != "/tx/1" {
		t.Fatalf("created: %d %q", w.Code, w.Header().Get("Location"))
	}
	if w.Header().Get(HeaderReplayed) != "" {
		t.Fatal("fresh create must not be marked replayed")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tx-again", nil))
	if w.Code != http.StatusOK || w.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("replayed: %d %q", w.Code, w.Header().Get(HeaderReplayed))
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["id"] != "1" {
		t.Fatalf("replayed body: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/tx/1", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d len=%d", w.Code, w.Body.Len())
	}
}

func Test_conditional(t *testing.T) {
	const etag = `W/"txs:g1:2:9:0:0"`
	cases := []struct {
		name    string
		etag    string
		inm     string
		want304 bool
	}{
		{"no header", etag, "", false},
		{"exact", etag, etag, true},
		{"strong form matches weakly", etag, `"txs:g1:2:9:0:0"`, true},
		{"in list", etag, `W/"other", ` + etag, true},
		{"wildcard", etag, "*", true},
		{"mismatch", etag, `W/"txs:g1:3:9:0:0"`, false},
		{"disabled", "", "*", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			r := gin.New()
			r.GET("/s", func(c *gin.Context) {
				if conditional(c, tc.etag) {
					return
				}
				ok(c, http.StatusOK, gin.H{"data": []int{}})
			})
			req := httptest.NewRequest(http.MethodGet, "/s", nil)
			if tc.inm != "" {
				req.Header.Set("If-None-Match", tc.inm)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if tc.want304 != (w.Code == http.StatusNotModified) {
				t.Fatalf("status=%d want304=%v", w.Code, tc.want304)
			}
			if got := w.Header().Get("ETag"); got != tc.etag {
				t.Fatalf("ETag=%q want %q", got, tc.etag)
			}
			if tc.etag == "" && w.Header().Get("Cache-Control") != "" {
				t.Fatal("Cache-Control set without a validator")
			}
		})
	}
}
