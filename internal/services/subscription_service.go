package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/repo"
)

// DefaultSubscriptionMaxIdle is how long an unused subscription is kept.
const DefaultSubscriptionMaxIdle = 60 * 24 * time.Hour

// SubscriptionService registers and maintains Web Push subscriptions.
type SubscriptionService struct {
	DB      *gorm.DB
	MaxIdle time.Duration
	Now     func() time.Time
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(db *gorm.DB, maxIdle time.Duration) *SubscriptionService {
	if maxIdle <= 0 {
		maxIdle = DefaultSubscriptionMaxIdle
	}
	return &SubscriptionService{DB: db, MaxIdle: maxIdle, Now: time.Now}
}

func (s *SubscriptionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Register stores the subscription for userID. An endpoint already held by
// another user is moved to userID (moved=true).
func (s *SubscriptionService) Register(ctx context.Context, userID, endpoint, p256dh, auth string) (*domain.PushSubscription, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	p256dh = strings.TrimSpace(p256dh)
	auth = strings.TrimSpace(auth)
	if endpoint == "" || p256dh == "" || auth == "" {
		return nil, false, ErrInvalidSubscription
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
		return nil, false, ErrInvalidSubscription
	}
	return repo.UpsertSubscription(ctx, s.DB, userID, endpoint, p256dh, auth, s.now())
}

// Unregister removes userID's subscription for endpoint.
func (s *SubscriptionService) Unregister(ctx context.Context, userID, endpoint string) error {
	err := repo.DeleteSubscriptionByEndpoint(ctx, s.DB, userID, strings.TrimSpace(endpoint))
	if errors.Is(err, repo.ErrNotFound) {
		return ErrSubscriptionNotFound
	}
	return err
}

// PurgeIdle deletes subscriptions unused for longer than MaxIdle.
func (s *SubscriptionService) PurgeIdle(ctx context.Context) (int64, error) {
	return repo.PurgeIdleSubscriptions(ctx, s.DB, s.now().Add(-s.MaxIdle))
}
