// Package config loads the server configuration from environment variables.
// Every setting has a default; malformed values and out-of-range settings
// are reported together so a bad deployment fails with one complete message.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig lists the browser origins allowed to call the API. Empty means
// any origin.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls response hardening headers.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig controls trace export.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT, host:port of the collector
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG
}

// SyncConfig bounds the fan-out query, the sync loop and the cache tiers.
type SyncConfig struct {
	MaxRecords        int64         // MAX_RECORDS, persistent cache bound
	EvictionBatch     int           // EVICTION_BATCH, rows dropped per pass
	PageLimit         int           // PAGE_LIMIT_PER_MEMBER
	MemberTimeout     time.Duration // MEMBER_QUERY_TIMEOUT
	StaleAfter        time.Duration // STALE_AFTER, background revalidation threshold
	MemoryCacheTTL    time.Duration // MEMORY_CACHE_TTL
	RevalidateTimeout time.Duration // REVALIDATE_TIMEOUT, detached sync deadline
	ClientWorkers     int           // PUSH_SYNC_WORKERS
	ClientQueue       int           // PUSH_SYNC_QUEUE
}

// PushConfig holds Web Push delivery settings.
type PushConfig struct {
	VAPIDPublicKey  string        // VAPID_PUBLIC_KEY
	VAPIDPrivateKey string        // VAPID_PRIVATE_KEY
	Subscriber      string        // VAPID_SUBSCRIBER (mailto: or https URL)
	TTL             int           // PUSH_TTL seconds
	NotifyWindow    time.Duration // NOTIFY_WINDOW, per group+actor
	MaxIdle         time.Duration // SUBSCRIPTION_MAX_IDLE
	PublicBaseURL   string        // PUBLIC_BASE_URL prefixed to notification links
	Icon            string        // PUSH_ICON
	Locale          string        // NOTIFY_LOCALE (BCP 47)
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

// Config is the full server configuration.
type Config struct {
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	DBPath      string // source-of-truth SQLite file
	CacheDBPath string // client cache SQLite file

	Sync SyncConfig
	Push PushConfig

	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration
	PurgeInterval  time.Duration // idle subscription and expired key sweeps

	OTEL OTELConfig
}

// MustLoad is Load for main: it panics on any error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment, applies defaults and validates the result.
// The returned error joins every malformed variable and every failed check.
func Load() (Config, error) {
	var r reader
	cfg := Config{
		Port:              r.str("PORT", "8080"),
		ReadTimeout:       r.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: r.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      r.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       r.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    r.int("MAX_HEADER_BYTES", 1<<20),
		GinMode:           ginMode(r.str("GIN_MODE", "release")),

		LogLevel:       logLevel(r.str("LOG_LEVEL", "info")),
		LogPretty:      r.bool("LOG_PRETTY", false),
		SwaggerEnabled: r.bool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(r.str("API_BASE_PATH", "/api/v1")),

		DBPath:      r.str("DB_PATH", "app.db"),
		CacheDBPath: r.str("CACHE_DB_PATH", "cache.db"),

		Sync: r.sync(),
		Push: r.push(),

		RateRPS:   r.float("RATE_RPS", 5),
		RateBurst: r.int("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: splitCSV(r.str("CORS_ALLOWED_ORIGINS", ""))},
		Security: SecurityConfig{
			EnableHSTS: r.bool("ENABLE_HSTS", false),
			HSTSMaxAge: r.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: r.dur("IDEMPOTENCY_TTL", 24*time.Hour),
		PurgeInterval:  r.dur("PURGE_INTERVAL", time.Hour),

		OTEL: OTELConfig{
			Enabled:     r.bool("OTEL_ENABLED", false),
			Endpoint:    r.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    r.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: r.str("OTEL_SERVICE_NAME", "group-sync"),
			SampleRatio: r.float("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
	return cfg, errors.Join(append(r.errs, cfg.Validate())...)
}

func (r *reader) sync() SyncConfig {
	return SyncConfig{
		MaxRecords:        int64(r.int("MAX_RECORDS", 50000)),
		EvictionBatch:     r.int("EVICTION_BATCH", 5000),
		PageLimit:         r.int("PAGE_LIMIT_PER_MEMBER", 500),
		MemberTimeout:     r.dur("MEMBER_QUERY_TIMEOUT", 10*time.Second),
		StaleAfter:        r.dur("STALE_AFTER", 30*time.Second),
		MemoryCacheTTL:    r.dur("MEMORY_CACHE_TTL", 15*time.Second),
		RevalidateTimeout: r.dur("REVALIDATE_TIMEOUT", time.Minute),
		ClientWorkers:     r.int("PUSH_SYNC_WORKERS", 2),
		ClientQueue:       r.int("PUSH_SYNC_QUEUE", 64),
	}
}

func (r *reader) push() PushConfig {
	return PushConfig{
		VAPIDPublicKey:  r.str("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: r.str("VAPID_PRIVATE_KEY", ""),
		Subscriber:      r.str("VAPID_SUBSCRIBER", "mailto:ops@example.com"),
		TTL:             r.int("PUSH_TTL", 86400),
		NotifyWindow:    r.dur("NOTIFY_WINDOW", time.Minute),
		MaxIdle:         r.dur("SUBSCRIPTION_MAX_IDLE", 60*24*time.Hour),
		PublicBaseURL:   strings.TrimRight(r.str("PUBLIC_BASE_URL", ""), "/"),
		Icon:            r.str("PUSH_ICON", "/icons/icon-192.png"),
		Locale:          r.str("NOTIFY_LOCALE", "en"),
	}
}

// Validate checks ranges and cross-field rules.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel))
	}
	check(strings.TrimSpace(c.Port) != "", "PORT must not be empty")
	check(c.ReadTimeout > 0 && c.ReadHeaderTimeout > 0 && c.WriteTimeout > 0 && c.IdleTimeout > 0,
		"server timeouts must be positive")
	check(c.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")
	check(strings.TrimSpace(c.DBPath) != "", "DB_PATH must not be empty")
	check(strings.TrimSpace(c.CacheDBPath) != "", "CACHE_DB_PATH must not be empty")
	check(c.DBPath != c.CacheDBPath, "DB_PATH and CACHE_DB_PATH must differ")

	s := c.Sync
	check(s.MaxRecords >= 1, "MAX_RECORDS must be >= 1")
	check(s.EvictionBatch >= 1, "EVICTION_BATCH must be >= 1")
	check(s.PageLimit >= 1, "PAGE_LIMIT_PER_MEMBER must be >= 1")
	check(s.MemberTimeout > 0, "MEMBER_QUERY_TIMEOUT must be > 0")
	check(s.RevalidateTimeout > 0, "REVALIDATE_TIMEOUT must be > 0")
	check(s.StaleAfter >= 0, "STALE_AFTER must be >= 0")
	check(s.MemoryCacheTTL >= 0, "MEMORY_CACHE_TTL must be >= 0")
	check(s.ClientWorkers >= 1 && s.ClientQueue >= 1, "PUSH_SYNC_WORKERS and PUSH_SYNC_QUEUE must be >= 1")

	p := c.Push
	check((p.VAPIDPublicKey == "") == (p.VAPIDPrivateKey == ""), "VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	check(p.TTL >= 0, "PUSH_TTL must be >= 0")
	check(p.NotifyWindow > 0, "NOTIFY_WINDOW must be > 0")
	check(p.MaxIdle > 0, "SUBSCRIPTION_MAX_IDLE must be > 0")

	check(c.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(c.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	check(c.PurgeInterval > 0, "PURGE_INTERVAL must be > 0")
	check(c.OTEL.SampleRatio >= 0 && c.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")

	return errors.Join(errs...)
}

// reader looks up variables and records the ones it could not parse.
// Unset and empty variables take the default.
type reader struct {
	errs []error
}

func (r *reader) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) bad(k, v, kind string) {
	r.errs = append(r.errs, fmt.Errorf("%s: %q is not a valid %s", k, v, kind))
}

func (r *reader) str(k, def string) string {
	if v, ok := r.lookup(k); ok {
		return v
	}
	return def
}

func (r *reader) int(k string, def int) int {
	v, ok := r.lookup(k)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.bad(k, v, "integer")
		return def
	}
	return i
}

func (r *reader) float(k string, def float64) float64 {
	v, ok := r.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.bad(k, v, "number")
		return def
	}
	return f
}

func (r *reader) bool(k string, def bool) bool {
	v, ok := r.lookup(k)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	r.bad(k, v, "boolean")
	return def
}

func (r *reader) dur(k string, def time.Duration) time.Duration {
	v, ok := r.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.bad(k, v, "duration")
		return def
	}
	return d
}

func logLevel(s string) string {
	s = strings.ToLower(s)
	if s == "warning" {
		return "warn"
	}
	return s
}

// ginMode falls back to release for anything gin would not accept.
func ginMode(s string) string {
	switch s = strings.ToLower(s); s {
	case "debug", "release", "test":
		return s
	}
	return "release"
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath returns p with one leading slash and no trailing slash;
// empty becomes "/".
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
