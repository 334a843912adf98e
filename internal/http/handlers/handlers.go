// Package handlers exposes the sync engine over REST.
//
// Endpoints (relative to the API base path):
//   - GET    /groups/{id}/transactions          (cache-first snapshot, weak ETag)
//   - GET    /groups/{id}/transactions/stream   (server-sent snapshots)
//   - POST   /groups/{id}/sync                  (coalesced sync)
//   - GET    /groups/{id}/sync                  (sync state)
//   - GET    /transactions/{id}
//   - POST   /transactions                      (Idempotency-Key aware)
//   - PUT    /transactions/{id}
//   - DELETE /transactions/{id}
//   - GET    /push/vapid-key
//   - POST   /push/subscriptions
//   - DELETE /push/subscriptions
//   - POST   /push/events
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/http/middleware"
	"github.com/tbourn/group-sync/internal/services"
)

//
// Service contracts (context-aware)
//

// GroupService serves a group's shared transactions to one of its members.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type GroupService interface {
	// Snapshot returns the group's transactions within r, cache-first.
	Snapshot(ctx context.Context, userID, groupID string, r domain.DateRange) (services.Snapshot, error)
	// Watch opens a live stream of snapshots.
	Watch(ctx context.Context, userID, groupID string, r domain.DateRange) (services.Stream, error)
	// SyncNow runs or joins a sync of the group.
	SyncNow(ctx context.Context, userID, groupID string) (*services.SyncReport, error)
	// Status reports sync state and cache occupancy.
	Status(ctx context.Context, userID, groupID string) (services.GroupStatus, error)
}

// TransactionService manages the caller's own transactions.
type TransactionService interface {
	Get(ctx context.Context, userID, id string) (*domain.Transaction, error)
	// Create inserts a transaction; replayed is true when idemKey was seen before.
	Create(ctx context.Context, userID, idemKey string, in services.TransactionInput) (*domain.Transaction, bool, error)
	Update(ctx context.Context, userID, id string, in services.TransactionInput) (*domain.Transaction, error)
	Delete(ctx context.Context, userID, id string) error
}

// SubscriptionService registers Web Push endpoints.
type SubscriptionService interface {
	Register(ctx context.Context, userID, endpoint, p256dh, auth string) (*domain.PushSubscription, bool, error)
	Unregister(ctx context.Context, userID, endpoint string) error
}

// PushEventHandler reacts to push events reported by clients.
type PushEventHandler interface {
	Handle(ctx context.Context, ev services.PushEvent) (*services.NavigationIntent, error)
}

//
// Handler wiring
//

// DefaultKeepAlive is the interval between SSE keep-alive events.
const DefaultKeepAlive = 15 * time.Second

// Handlers groups HTTP endpoints for groups, transactions and push.
type Handlers struct {
	groups GroupService
	txs    TransactionService
	subs   SubscriptionService
	events PushEventHandler

	// KeepAlive paces "ping" events on idle streams.
	KeepAlive time.Duration
	// VAPIDPublicKey is handed to clients that want to subscribe; empty
	// means push is disabled.
	VAPIDPublicKey string
}

// New constructs and returns a Handlers instance bound to the given services.
func New(groups GroupService, txs TransactionService, subs SubscriptionService, events PushEventHandler) *Handlers {
	return &Handlers{groups: groups, txs: txs, subs: subs, events: events, KeepAlive: DefaultKeepAlive}
}

func userID(c *gin.Context) string { return middleware.UserID(c) }

// parseRange reads the optional from/to query parameters. Both accept
// RFC 3339 timestamps or plain dates; a plain "to" date covers the whole day.
func parseRange(c *gin.Context) (domain.DateRange, bool) {
	var r domain.DateRange
	if s := strings.TrimSpace(c.Query("from")); s != "" {
		t, _, err := parseInstant(s)
		if err != nil {
			return r, false
		}
		r.From = t
	}
	if s := strings.TrimSpace(c.Query("to")); s != "" {
		t, dateOnly, err := parseInstant(s)
		if err != nil {
			return r, false
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		r.To = t
	}
	return r, true
}

func parseInstant(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t.UTC(), false, err
}
