// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for per-group sync
// bookkeeping: the last sync time and the per-member watermarks.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/group-sync/internal/domain"
)

// GetSyncMetadata returns the metadata of a group with its watermarks, or
// ErrNotFound when the group has never been synced.
func GetSyncMetadata(ctx context.Context, db *gorm.DB, groupID string) (*domain.SyncMetadata, error) {
	var m domain.SyncMetadata
	err := db.WithContext(ctx).
		Preload("Watermarks").
		Where("group_id = ?", groupID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AdvanceWatermark stores the watermark of one member and stamps the
// group's last sync time, creating the metadata row on first use.
func AdvanceWatermark(ctx context.Context, db *gorm.DB, groupID, memberID string, watermark, syncedAt int64) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertLastSync(tx, groupID, syncedAt); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "member_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"watermark"}),
		}).Create(&domain.MemberWatermark{GroupID: groupID, MemberID: memberID, Watermark: watermark}).Error
	})
}

// TouchLastSync stamps the group's last sync time without moving watermarks.
func TouchLastSync(ctx context.Context, db *gorm.DB, groupID string, syncedAt int64) error {
	return upsertLastSync(db.WithContext(ctx), groupID, syncedAt)
}

// DeleteWatermark drops the watermark of one member.
func DeleteWatermark(ctx context.Context, db *gorm.DB, groupID, memberID string) error {
	return db.WithContext(ctx).
		Where("group_id = ? AND member_id = ?", groupID, memberID).
		Delete(&domain.MemberWatermark{}).Error
}

// DeleteSyncMetadata removes a group's metadata and, by cascade, its watermarks.
func DeleteSyncMetadata(ctx context.Context, db *gorm.DB, groupID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Delete(&domain.MemberWatermark{}).Error; err != nil {
			return err
		}
		return tx.Where("group_id = ?", groupID).Delete(&domain.SyncMetadata{}).Error
	})
}

func upsertLastSync(tx *gorm.DB, groupID string, syncedAt int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_at"}),
	}).Create(&domain.SyncMetadata{GroupID: groupID, LastSyncAt: syncedAt}).Error
}
