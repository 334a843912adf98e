// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the cache
// used for conditional responses (weak ETags) and sync status in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
)

// CacheStats returns aggregate metadata for a group's cached rows: the total
// number of rows and the greatest cached_at among them.
//
// It executes two lightweight queries against cache_entries scoped to
// groupID. When the group has no rows, both values are 0.
//
// Return values:
//   - count:  cached rows for groupID
//   - newest: greatest cached_at (unix nanoseconds), or 0 if no rows
//   - err:    database error, if any
func CacheStats(ctx context.Context, db *gorm.DB, groupID string) (count int64, newest int64, err error) {
	scope := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.CacheEntry{}).Where("group_id = ?", groupID)
	}

	// Count
	if err = scope().Count(&count).Error; err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}

	// Latest cached_at via ORDER BY; the index covers it.
	var row struct {
		CachedAt int64
	}
	if err = scope().Select("cached_at").Order("cached_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, 0, err
	}
	return count, row.CachedAt, nil
}
