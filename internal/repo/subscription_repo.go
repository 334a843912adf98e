// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for Web Push
// subscriptions.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
)

// UpsertSubscription registers endpoint for userID. An endpoint already
// registered (by anyone) is updated in place and moved to userID, so one
// endpoint always maps to one user. It returns the stored row and whether
// the endpoint changed owner.
func UpsertSubscription(ctx context.Context, db *gorm.DB, userID, endpoint, p256dh, auth string, now time.Time) (*domain.PushSubscription, bool, error) {
	now = now.UTC()
	var (
		out   domain.PushSubscription
		moved bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("endpoint = ?", endpoint).First(&out).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = domain.PushSubscription{
				ID:         uuid.NewString(),
				UserID:     userID,
				Endpoint:   endpoint,
				P256dh:     p256dh,
				Auth:       auth,
				CreatedAt:  now,
				LastUsedAt: now,
			}
			return tx.Create(&out).Error
		case err != nil:
			return err
		}

		moved = out.UserID != userID
		out.UserID = userID
		out.P256dh = p256dh
		out.Auth = auth
		out.LastUsedAt = now
		return tx.Model(&domain.PushSubscription{}).
			Where("id = ?", out.ID).
			Updates(map[string]any{"user_id": userID, "p256dh": p256dh, "auth": auth, "last_used_at": now}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &out, moved, nil
}

// ListSubscriptionsForUsers returns the subscriptions owned by any of
// userIDs that were used at or after activeSince. A zero activeSince
// returns them all.
func ListSubscriptionsForUsers(ctx context.Context, db *gorm.DB, userIDs []string, activeSince time.Time) ([]domain.PushSubscription, error) {
	if len(userIDs) == 0 {
		return []domain.PushSubscription{}, nil
	}
	q := db.WithContext(ctx).Where("user_id IN ?", userIDs)
	if !activeSince.IsZero() {
		q = q.Where("last_used_at >= ?", activeSince.UTC())
	}
	var out []domain.PushSubscription
	err := q.Order("user_id ASC").Order("created_at ASC").Find(&out).Error
	return out, err
}

// DeleteSubscriptionByEndpoint removes the subscription for endpoint. When
// userID is non-empty only that user's row is removed.
func DeleteSubscriptionByEndpoint(ctx context.Context, db *gorm.DB, userID, endpoint string) error {
	q := db.WithContext(ctx).Where("endpoint = ?", endpoint)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	res := q.Delete(&domain.PushSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSubscription records a successful delivery.
func TouchSubscription(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.PushSubscription{}).
		Where("id = ?", id).
		Update("last_used_at", now.UTC()).Error
}

// PurgeIdleSubscriptions deletes subscriptions not used since cutoff.
func PurgeIdleSubscriptions(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("last_used_at < ?", cutoff.UTC()).
		Delete(&domain.PushSubscription{})
	return res.RowsAffected, res.Error
}
