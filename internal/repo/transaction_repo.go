// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for member
// transactions and their group tags.
//
// Every write that affects a group (create, edit, tag, untag, delete) stamps
// the affected tag rows and raises the owner's GroupMember.LastChangeAt in
// those groups inside the same database transaction, so delta readers never
// observe a member timestamp that is ahead of the data it describes. The
// stamp is taken after the transaction holds the write lock and is strictly
// greater than any stamp already recorded for the owner, so commit order and
// stamp order agree even when the wall clock does not.
//
// Error semantics:
//   - Missing rows return ErrNotFound (gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/group-sync/internal/domain"
)

// CreateTransaction inserts t and tags it with each of its SharedGroupIDs.
func CreateTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction, at time.Time) error {
	at = at.UTC()
	t.Date = t.Date.UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = at
	}
	t.UpdatedAt = at

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		if len(t.SharedGroupIDs) == 0 {
			return nil
		}
		nanos, err := nextChangeStamp(tx, t.OwnerID, at.UnixNano())
		if err != nil {
			return err
		}
		if err := upsertTags(tx, t.ID, t.OwnerID, t.SharedGroupIDs, nanos); err != nil {
			return err
		}
		return TouchMemberChange(ctx, tx, t.OwnerID, t.SharedGroupIDs, nanos)
	})
}

// GetTransaction fetches a live (not soft-deleted) transaction owned by
// ownerID, or ErrNotFound.
func GetTransaction(ctx context.Context, db *gorm.DB, ownerID, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND deleted_at IS NULL", id, ownerID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTransaction persists t and reconciles its group tags: groups still
// present are re-stamped, new groups are tagged, and dropped groups get an
// untag tombstone.
func UpdateTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction, at time.Time) error {
	at = at.UTC()
	t.Date = t.Date.UTC()
	t.UpdatedAt = at

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Transaction{}).
			Where("id = ? AND owner_id = ? AND deleted_at IS NULL", t.ID, t.OwnerID).
			Select("date", "merchant", "total", "currency", "items", "shared_group_ids", "updated_at").
			Updates(t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		nanos, err := nextChangeStamp(tx, t.OwnerID, at.UnixNano())
		if err != nil {
			return err
		}

		var active []string
		if err := tx.Model(&domain.TransactionTag{}).
			Where("transaction_id = ? AND removed_at IS NULL", t.ID).
			Pluck("group_id", &active).Error; err != nil {
			return err
		}

		keep := make(map[string]struct{}, len(t.SharedGroupIDs))
		for _, g := range t.SharedGroupIDs {
			keep[g] = struct{}{}
		}
		var dropped []string
		for _, g := range active {
			if _, ok := keep[g]; !ok {
				dropped = append(dropped, g)
			}
		}

		if err := upsertTags(tx, t.ID, t.OwnerID, t.SharedGroupIDs, nanos); err != nil {
			return err
		}
		if len(dropped) > 0 {
			if err := tx.Model(&domain.TransactionTag{}).
				Where("transaction_id = ? AND group_id IN ?", t.ID, dropped).
				Updates(map[string]any{"changed_at": nanos, "removed_at": nanos}).Error; err != nil {
				return err
			}
		}
		return TouchMemberChange(ctx, tx, t.OwnerID, append(dropped, t.SharedGroupIDs...), nanos)
	})
}

// SoftDeleteTransaction marks a transaction deleted and re-stamps its live
// tags so group readers receive it as a tombstone.
func SoftDeleteTransaction(ctx context.Context, db *gorm.DB, ownerID, id string, at time.Time) error {
	at = at.UTC()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Transaction{}).
			Where("id = ? AND owner_id = ? AND deleted_at IS NULL", id, ownerID).
			Updates(map[string]any{"deleted_at": at, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var groups []string
		if err := tx.Model(&domain.TransactionTag{}).
			Where("transaction_id = ? AND removed_at IS NULL", id).
			Pluck("group_id", &groups).Error; err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}
		nanos, err := nextChangeStamp(tx, ownerID, at.UnixNano())
		if err != nil {
			return err
		}
		if err := tx.Model(&domain.TransactionTag{}).
			Where("transaction_id = ? AND removed_at IS NULL", id).
			Update("changed_at", nanos).Error; err != nil {
			return err
		}
		return TouchMemberChange(ctx, tx, ownerID, groups, nanos)
	})
}

// QueryMemberTransactions reads one member's partition: transactions owned
// by ownerID tagged with q.GroupID, newest first (ties by id).
//
// With q.Since set only tags changed after it are returned. With
// q.IncludeTombstones untagged and deleted transactions are returned as
// well, flagged as tombstones.
func QueryMemberTransactions(ctx context.Context, db *gorm.DB, ownerID string, q domain.SourceQuery) ([]domain.SourceRecord, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Select("transactions.*").
		Joins("JOIN transaction_tags ON transaction_tags.transaction_id = transactions.id AND transaction_tags.group_id = ?", q.GroupID).
		Where("transactions.owner_id = ?", ownerID)

	if q.Since != nil {
		stmt = stmt.Where("transaction_tags.changed_at > ?", *q.Since)
	}
	if !q.IncludeTombstones {
		stmt = stmt.Where("transaction_tags.removed_at IS NULL AND transactions.deleted_at IS NULL")
	}
	if !q.Range.From.IsZero() {
		stmt = stmt.Where("transactions.date >= ?", q.Range.From.UTC())
	}
	if !q.Range.To.IsZero() {
		stmt = stmt.Where("transactions.date <= ?", q.Range.To.UTC())
	}
	stmt = stmt.Order("transactions.date DESC").Order("transactions.id ASC")
	if q.Offset > 0 {
		stmt = stmt.Offset(q.Offset)
	}
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit)
	}

	var txs []domain.Transaction
	if err := stmt.Find(&txs).Error; err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return []domain.SourceRecord{}, nil
	}

	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	var tags []domain.TransactionTag
	if err := db.WithContext(ctx).
		Where("group_id = ? AND transaction_id IN ?", q.GroupID, ids).
		Find(&tags).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]domain.TransactionTag, len(tags))
	for _, tg := range tags {
		byID[tg.TransactionID] = tg
	}

	out := make([]domain.SourceRecord, 0, len(txs))
	for _, t := range txs {
		tg := byID[t.ID]
		out = append(out, domain.SourceRecord{
			OwnerID:     ownerID,
			Transaction: t,
			ChangedAt:   tg.ChangedAt,
			Tombstone:   tg.RemovedAt != nil || t.DeletedAt != nil,
		})
	}
	return out, nil
}

// nextChangeStamp returns at, raised past every change stamp already
// recorded for ownerID. Call it only after the transaction has written, so
// the write lock is held.
func nextChangeStamp(tx *gorm.DB, ownerID string, at int64) (int64, error) {
	var member, tag int64
	if err := tx.Model(&domain.GroupMember{}).
		Where("user_id = ?", ownerID).
		Select("COALESCE(MAX(last_change_at), 0)").
		Scan(&member).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&domain.TransactionTag{}).
		Where("owner_id = ?", ownerID).
		Select("COALESCE(MAX(changed_at), 0)").
		Scan(&tag).Error; err != nil {
		return 0, err
	}
	if last := max(member, tag); at <= last {
		at = last + 1
	}
	return at, nil
}

// upsertTags (re)activates the tag rows for groupIDs with changedAt.
func upsertTags(tx *gorm.DB, txID, ownerID string, groupIDs []string, changedAt int64) error {
	if len(groupIDs) == 0 {
		return nil
	}
	tags := make([]domain.TransactionTag, 0, len(groupIDs))
	for _, g := range groupIDs {
		tags = append(tags, domain.TransactionTag{TransactionID: txID, GroupID: g, OwnerID: ownerID, ChangedAt: changedAt})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}, {Name: "group_id"}},
		DoUpdates: clause.Assignments(map[string]any{"changed_at": changedAt, "removed_at": nil, "owner_id": ownerID}),
	}).Create(&tags).Error
}
