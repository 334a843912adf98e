// Package repo is the GORM persistence layer. It owns two SQLite schemas:
// the source of truth (groups, member transactions, push subscriptions,
// idempotency keys) and the client-local cache (cache entries, sync
// metadata, member watermarks).
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/group-sync/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = gorm.ErrRecordNotFound

// Every pooled connection gets these through the DSN.
var sqlitePragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

type openOptions struct {
	maxOpen   int
	slowQuery time.Duration
}

// Option tunes OpenSQLite.
type Option func(*openOptions)

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) Option {
	return func(o *openOptions) {
		if n > 0 {
			o.maxOpen = n
		}
	}
}

// WithSlowQuery sets the duration above which a statement is logged at warn.
func WithSlowQuery(d time.Duration) Option {
	return func(o *openOptions) { o.slowQuery = d }
}

// OpenSQLite opens or creates the database at path with the pragmas above,
// SQL logging through zerolog and the OpenTelemetry tracing plugin.
func OpenSQLite(path string, opts ...Option) (*gorm.DB, error) {
	o := openOptions{maxOpen: 10, slowQuery: 200 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}

	// The driver reports a missing directory as "out of memory".
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		Logger: logger.New(zerologWriter{}, logger.Config{
			SlowThreshold:             o.slowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(o.maxOpen)
	sqlDB.SetMaxIdleConns(o.maxOpen)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// zerologWriter adapts gorm's logger output to the global zerolog logger.
type zerologWriter struct{}

func (zerologWriter) Printf(format string, args ...interface{}) {
	log.Warn().Str("component", "gorm").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// isUniqueViolation recognises UNIQUE failures, which glebarez/sqlite often
// reports as plain text rather than gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") || strings.Contains(low, "constraint failed: unique")
}

// AutoMigrateSource migrates the source-of-truth schema.
func AutoMigrateSource(db *gorm.DB) error {
	return migrate(db,
		&domain.SharedGroup{},
		&domain.GroupMember{},
		&domain.Transaction{},
		&domain.TransactionTag{},
		&domain.PushSubscription{},
		&domain.Idempotency{},
	)
}

// AutoMigrateCache migrates the client-local cache schema.
func AutoMigrateCache(db *gorm.DB) error {
	return migrate(db,
		&domain.CacheEntry{},
		&domain.SyncMetadata{},
		&domain.MemberWatermark{},
	)
}

func migrate(db *gorm.DB, models ...any) error {
	if db == nil {
		return errors.New("nil db")
	}
	return db.AutoMigrate(models...)
}
