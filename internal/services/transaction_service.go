// Package services – TransactionService
//
// TransactionService is the write side of a member's partition. It validates
// transaction input, checks that the owner belongs to every group the
// transaction is shared with, persists through the repo (which stamps tag
// rows and member change timestamps atomically) and hands each write to the
// notification trigger in the background.
//
// Creates honour an optional idempotency key: a replayed key returns the
// transaction recorded for it instead of inserting a second one.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/repo"
)

const (
	// IdempotencyScope namespaces transaction-create keys.
	IdempotencyScope = "transactions"
	// DefaultIdempotencyTTL is how long a create key can be replayed.
	DefaultIdempotencyTTL = 24 * time.Hour

	merchantMaxLen = 255
	notifyTimeout  = 30 * time.Second
)

// TransactionInput is the mutable part of a transaction.
type TransactionInput struct {
	Date           time.Time       `json:"date"`
	Merchant       string          `json:"merchant"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency,omitempty"`
	Items          []domain.Item   `json:"items,omitempty"`
	SharedGroupIDs []string        `json:"shared_group_ids"`
}

// WriteListener is notified after a transaction write commits.
type WriteListener interface {
	OnTransactionWritten(ctx context.Context, actorID string, before, after *domain.Transaction) ([]NotificationReport, error)
}

// TransactionService creates, edits and deletes member transactions.
type TransactionService struct {
	DB             *gorm.DB
	Notifier       WriteListener
	IdempotencyTTL time.Duration
	Now            func() time.Time

	wg sync.WaitGroup
}

// NewTransactionService constructs a TransactionService.
func NewTransactionService(db *gorm.DB, notifier WriteListener) *TransactionService {
	return &TransactionService{DB: db, Notifier: notifier, IdempotencyTTL: DefaultIdempotencyTTL, Now: time.Now}
}

func (s *TransactionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Wait blocks until in-flight notifications have been dispatched.
func (s *TransactionService) Wait() { s.wg.Wait() }

// Get returns a live transaction owned by userID.
func (s *TransactionService) Get(ctx context.Context, userID, id string) (*domain.Transaction, error) {
	t, err := repo.GetTransaction(ctx, s.DB, userID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// Create inserts a transaction for userID. With a non-empty idemKey a
// previous create under the same key is returned with replayed=true.
func (s *TransactionService) Create(ctx context.Context, userID, idemKey string, in TransactionInput) (t *domain.Transaction, replayed bool, err error) {
	tr := otel.Tracer("services/TransactionService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("groups", len(in.SharedGroupIDs)),
		),
	)
	defer span.End()

	now := s.now()
	if idemKey != "" {
		if rec, err := repo.GetIdempotency(ctx, s.DB, userID, IdempotencyScope, idemKey, now); err == nil {
			if prev, err := repo.GetTransaction(ctx, s.DB, userID, rec.TransactionID); err == nil {
				return prev, true, nil
			}
		}
	}

	in, err = s.validate(ctx, userID, in, now)
	if err != nil {
		return nil, false, err
	}

	t = &domain.Transaction{
		ID:             uuid.NewString(),
		OwnerID:        userID,
		Date:           in.Date,
		Merchant:       in.Merchant,
		Total:          in.Total,
		Currency:       in.Currency,
		Items:          in.Items,
		SharedGroupIDs: in.SharedGroupIDs,
	}
	if err := repo.CreateTransaction(ctx, s.DB, t, now); err != nil {
		return nil, false, err
	}

	if idemKey != "" {
		ttl := s.IdempotencyTTL
		if ttl <= 0 {
			ttl = DefaultIdempotencyTTL
		}
		if _, err := repo.CreateIdempotency(ctx, s.DB, userID, IdempotencyScope, idemKey, t.ID, http.StatusCreated, ttl); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("transaction_id", t.ID).Msg("store idempotency key")
		}
	}

	s.notify(ctx, userID, nil, t)
	return t, false, nil
}

// Update replaces the mutable fields of a transaction owned by userID.
func (s *TransactionService) Update(ctx context.Context, userID, id string, in TransactionInput) (*domain.Transaction, error) {
	tr := otel.Tracer("services/TransactionService")
	ctx, span := tr.Start(ctx, "Update",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("transaction.id", id),
		),
	)
	defer span.End()

	before, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	in, err = s.validate(ctx, userID, in, now)
	if err != nil {
		return nil, err
	}

	after := *before
	after.Date = in.Date
	after.Merchant = in.Merchant
	after.Total = in.Total
	after.Currency = in.Currency
	after.Items = in.Items
	after.SharedGroupIDs = in.SharedGroupIDs
	if err := repo.UpdateTransaction(ctx, s.DB, &after, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	s.notify(ctx, userID, before, &after)
	return &after, nil
}

// Delete soft-deletes a transaction owned by userID. Groups see it as a
// tombstone on their next delta sync; no notification is sent.
func (s *TransactionService) Delete(ctx context.Context, userID, id string) error {
	err := repo.SoftDeleteTransaction(ctx, s.DB, userID, id, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTransactionNotFound
	}
	return err
}

// PurgeIdempotency removes expired idempotency keys.
func (s *TransactionService) PurgeIdempotency(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredIdempotency(ctx, s.DB, s.now())
}

// validate normalizes in and checks group membership.
func (s *TransactionService) validate(ctx context.Context, userID string, in TransactionInput, now time.Time) (TransactionInput, error) {
	in.Merchant = strings.TrimSpace(in.Merchant)
	if in.Merchant == "" {
		return in, fmt.Errorf("%w: merchant is required", ErrInvalidTransaction)
	}
	if utf8.RuneCountInString(in.Merchant) > merchantMaxLen {
		return in, fmt.Errorf("%w: merchant longer than %d characters", ErrInvalidTransaction, merchantMaxLen)
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency != "" && len(in.Currency) != 3 {
		return in, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidTransaction)
	}
	if in.Date.IsZero() {
		in.Date = now
	}
	in.Date = in.Date.UTC()

	groups := make([]string, 0, len(in.SharedGroupIDs))
	seen := make(map[string]struct{}, len(in.SharedGroupIDs))
	for _, g := range in.SharedGroupIDs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}
	if len(groups) > domain.MaxSharedGroups {
		return in, ErrTooManyGroups
	}
	in.SharedGroupIDs = groups

	for _, g := range groups {
		grp, err := repo.GetGroup(ctx, s.DB, g)
		if errors.Is(err, repo.ErrNotFound) {
			return in, fmt.Errorf("%w: %s", ErrGroupNotFound, g)
		}
		if err != nil {
			return in, err
		}
		if !grp.HasMember(userID) {
			return in, fmt.Errorf("%w: %s", ErrNotGroupMember, g)
		}
	}
	return in, nil
}

// notify runs the write listener on a detached context.
func (s *TransactionService) notify(ctx context.Context, actorID string, before, after *domain.Transaction) {
	if s.Notifier == nil || len(AddedGroups(before, after)) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if _, err := s.Notifier.OnTransactionWritten(nctx, actorID, before, after); err != nil {
			zerolog.Ctx(nctx).Warn().Err(err).Str("transaction_id", after.ID).Msg("notification trigger")
		}
	}()
}
