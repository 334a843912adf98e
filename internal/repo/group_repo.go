// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for shared groups
// and their members, including the per-member change timestamps that drive
// delta sync.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
)

// ErrGroupFull is returned when adding a member would exceed MaxGroupMembers.
var ErrGroupFull = errors.New("group is full")

// CreateGroup inserts a group together with its members. An empty ID is
// replaced with a random UUID.
func CreateGroup(ctx context.Context, db *gorm.DB, g *domain.SharedGroup) error {
	if len(g.Members) > domain.MaxGroupMembers {
		return ErrGroupFull
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(g).Error
}

// GetGroup fetches a group with its members ordered by user id, or
// ErrNotFound.
func GetGroup(ctx context.Context, db *gorm.DB, id string) (*domain.SharedGroup, error) {
	var g domain.SharedGroup
	err := db.WithContext(ctx).
		Preload("Members", func(tx *gorm.DB) *gorm.DB { return tx.Order("user_id ASC") }).
		Where("id = ?", id).
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListUserGroups returns the ids of all groups userID belongs to.
func ListUserGroups(ctx context.Context, db *gorm.DB, userID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.GroupMember{}).
		Where("user_id = ?", userID).
		Order("group_id ASC").
		Pluck("group_id", &ids).Error
	return ids, err
}

// AddGroupMember adds userID to the group. Adding an existing member is a
// no-op.
func AddGroupMember(ctx context.Context, db *gorm.DB, groupID, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&domain.GroupMember{}).Where("group_id = ?", groupID).Count(&n).Error; err != nil {
			return err
		}
		var exists int64
		if err := tx.Model(&domain.GroupMember{}).Where("group_id = ? AND user_id = ?", groupID, userID).Count(&exists).Error; err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		if n >= domain.MaxGroupMembers {
			return ErrGroupFull
		}
		return tx.Create(&domain.GroupMember{GroupID: groupID, UserID: userID, JoinedAt: time.Now().UTC()}).Error
	})
}

// RemoveGroupMember removes userID from the group.
func RemoveGroupMember(ctx context.Context, db *gorm.DB, groupID, userID string) error {
	res := db.WithContext(ctx).Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&domain.GroupMember{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchMemberChange raises the member's LastChangeAt to at (unix nanos) in
// each of groupIDs. Timestamps never move backwards.
func TouchMemberChange(ctx context.Context, db *gorm.DB, userID string, groupIDs []string, at int64) error {
	if len(groupIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.GroupMember{}).
		Where("user_id = ? AND group_id IN ?", userID, groupIDs).
		Update("last_change_at", gorm.Expr("MAX(last_change_at, ?)", at)).Error
}
