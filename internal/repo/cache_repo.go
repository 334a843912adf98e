// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// client-local transaction cache (cache_entries).
//
// The cache is keyed by (group_id, owner_id, transaction_id). Writes are
// upserts, so replaying the same entries is a no-op apart from refreshing
// cached_at, which is the eviction order key.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/group-sync/internal/domain"
)

// cacheUpsertBatch bounds the number of rows per INSERT statement.
const cacheUpsertBatch = 200

// UpsertCacheEntries inserts or replaces entries on their composite key.
func UpsertCacheEntries(ctx context.Context, db *gorm.DB, entries []domain.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "owner_id"}, {Name: "transaction_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"date", "cached_at", "payload"}),
		}).
		CreateInBatches(&entries, cacheUpsertBatch).Error
}

// ListCacheEntries returns a group's entries with Date in [from, to] (unix
// nanos; 0 leaves a side open), newest first with ties by owner then id.
func ListCacheEntries(ctx context.Context, db *gorm.DB, groupID string, from, to int64) ([]domain.CacheEntry, error) {
	q := db.WithContext(ctx).Where("group_id = ?", groupID)
	if from != 0 {
		q = q.Where("date >= ?", from)
	}
	if to != 0 {
		q = q.Where("date <= ?", to)
	}
	var out []domain.CacheEntry
	err := q.Order("date DESC").Order("owner_id ASC").Order("transaction_id ASC").Find(&out).Error
	return out, err
}

// ListOwnerCacheIDs returns the transaction ids cached for one owner within a group.
func ListOwnerCacheIDs(ctx context.Context, db *gorm.DB, groupID, ownerID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Where("group_id = ? AND owner_id = ?", groupID, ownerID).
		Pluck("transaction_id", &ids).Error
	return ids, err
}

// CountCacheEntries returns the total number of cached rows across all groups.
func CountCacheEntries(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.CacheEntry{}).Count(&n).Error
	return n, err
}

// CacheOwner identifies one member's rows within one group's cache.
type CacheOwner struct {
	GroupID string
	OwnerID string
}

// DeleteOldestCacheEntries removes the n rows with the smallest cached_at,
// regardless of group. It returns how many rows were deleted and the
// distinct (group, owner) pairs that lost rows.
func DeleteOldestCacheEntries(ctx context.Context, db *gorm.DB, n int) (int64, []CacheOwner, error) {
	if n <= 0 {
		return 0, nil, nil
	}
	var rows []CacheOwner
	err := db.WithContext(ctx).Raw(
		`DELETE FROM cache_entries WHERE rowid IN (
			SELECT rowid FROM cache_entries ORDER BY cached_at ASC, rowid ASC LIMIT ?
		) RETURNING group_id, owner_id`, n).Scan(&rows).Error
	if err != nil {
		return 0, nil, err
	}
	seen := make(map[CacheOwner]struct{}, len(rows))
	var owners []CacheOwner
	for _, r := range rows {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		owners = append(owners, r)
	}
	return int64(len(rows)), owners, nil
}

// DeleteCacheEntries removes the given transaction ids of one owner within a group.
func DeleteCacheEntries(ctx context.Context, db *gorm.DB, groupID, ownerID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Where("group_id = ? AND owner_id = ? AND transaction_id IN ?", groupID, ownerID, ids).
		Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}

// DeleteOwnerCacheEntries removes every entry of ownerID within a group.
func DeleteOwnerCacheEntries(ctx context.Context, db *gorm.DB, groupID, ownerID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("group_id = ? AND owner_id = ?", groupID, ownerID).
		Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}
