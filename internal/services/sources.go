package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/repo"
)

// TransactionSource reads one member's transaction partition.
type TransactionSource interface {
	QueryMemberTransactions(ctx context.Context, ownerID string, q domain.SourceQuery) ([]domain.SourceRecord, error)
}

// GroupDirectory resolves a group with its members and memberUpdates.
// Implementations return ErrGroupNotFound for unknown groups and wrap
// ErrOffline when the directory is unreachable.
type GroupDirectory interface {
	GetGroup(ctx context.Context, groupID string) (*domain.SharedGroup, error)
}

// MetadataStore persists per-group sync bookkeeping. Get returns (nil, nil)
// when the group has never been synced.
type MetadataStore interface {
	Get(ctx context.Context, groupID string) (*domain.SyncMetadata, error)
	Advance(ctx context.Context, groupID, memberID string, watermark, syncedAt int64) error
	DeleteWatermark(ctx context.Context, groupID, memberID string) error
	TouchLastSync(ctx context.Context, groupID string, syncedAt int64) error
}

// SubscriptionStore reads and maintains push subscriptions.
type SubscriptionStore interface {
	ListForUsers(ctx context.Context, userIDs []string) ([]domain.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// GormSource adapts repo.QueryMemberTransactions to TransactionSource.
type GormSource struct{ DB *gorm.DB }

// QueryMemberTransactions proxies repo.QueryMemberTransactions.
func (s GormSource) QueryMemberTransactions(ctx context.Context, ownerID string, q domain.SourceQuery) ([]domain.SourceRecord, error) {
	return repo.QueryMemberTransactions(ctx, s.DB, ownerID, q)
}

// GormGroups adapts repo.GetGroup to GroupDirectory.
type GormGroups struct{ DB *gorm.DB }

// GetGroup proxies repo.GetGroup, mapping not-found to ErrGroupNotFound.
func (g GormGroups) GetGroup(ctx context.Context, groupID string) (*domain.SharedGroup, error) {
	grp, err := repo.GetGroup(ctx, g.DB, groupID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	return grp, err
}

// GormMetadata adapts the sync metadata repo to MetadataStore.
type GormMetadata struct{ DB *gorm.DB }

// Get proxies repo.GetSyncMetadata; a missing row is (nil, nil).
func (m GormMetadata) Get(ctx context.Context, groupID string) (*domain.SyncMetadata, error) {
	meta, err := repo.GetSyncMetadata(ctx, m.DB, groupID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return meta, err
}

// Advance proxies repo.AdvanceWatermark.
func (m GormMetadata) Advance(ctx context.Context, groupID, memberID string, watermark, syncedAt int64) error {
	return repo.AdvanceWatermark(ctx, m.DB, groupID, memberID, watermark, syncedAt)
}

// DeleteWatermark proxies repo.DeleteWatermark.
func (m GormMetadata) DeleteWatermark(ctx context.Context, groupID, memberID string) error {
	return repo.DeleteWatermark(ctx, m.DB, groupID, memberID)
}

// TouchLastSync proxies repo.TouchLastSync.
func (m GormMetadata) TouchLastSync(ctx context.Context, groupID string, syncedAt int64) error {
	return repo.TouchLastSync(ctx, m.DB, groupID, syncedAt)
}

// GormSubscriptions adapts the subscription repo to SubscriptionStore.
// With MaxIdle set, subscriptions unused for longer are not listed.
type GormSubscriptions struct {
	DB      *gorm.DB
	MaxIdle time.Duration
	Now     func() time.Time
}

// ListForUsers returns the users' active subscriptions.
func (s GormSubscriptions) ListForUsers(ctx context.Context, userIDs []string) ([]domain.PushSubscription, error) {
	var since time.Time
	if s.MaxIdle > 0 {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		since = now().Add(-s.MaxIdle)
	}
	return repo.ListSubscriptionsForUsers(ctx, s.DB, userIDs, since)
}

// DeleteByEndpoint proxies repo.DeleteSubscriptionByEndpoint for any owner.
func (s GormSubscriptions) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	err := repo.DeleteSubscriptionByEndpoint(ctx, s.DB, "", endpoint)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// Touch proxies repo.TouchSubscription.
func (s GormSubscriptions) Touch(ctx context.Context, id string, at time.Time) error {
	return repo.TouchSubscription(ctx, s.DB, id, at)
}
