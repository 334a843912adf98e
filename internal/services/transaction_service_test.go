package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/repo"
)

type written struct {
	actor         string
	before, after *domain.Transaction
}

type recordingListener struct {
	mu    sync.Mutex
	calls []written
}

func (l *recordingListener) OnTransactionWritten(ctx context.Context, actorID string, before, after *domain.Transaction) ([]NotificationReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, written{actorID, before, after})
	return nil, nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func newTxService(t *testing.T) (*TransactionService, *recordingListener) {
	t.Helper()
	db := newServiceDB(t)
	seedGroup(t, db, "g1", "alice", "bob")
	seedGroup(t, db, "g2", "alice", "carol")
	seedGroup(t, db, "g3", "carol")
	l := &recordingListener{}
	s := NewTransactionService(db, l)
	t.Cleanup(s.Wait)
	return s, l
}

func input(merchant string, groups ...string) TransactionInput {
	return TransactionInput{
		Date:           day(4),
		Merchant:       merchant,
		Total:          decimal.RequireFromString("19.99"),
		Currency:       "eur",
		SharedGroupIDs: groups,
	}
}

func TestTransactionService_CreateNormalizesAndNotifies(t *testing.T) {
	s, l := newTxService(t)
	ctx := context.Background()

	in := input("  Market  ", "g1", " g1 ", "", "g2")
	in.Date = time.Date(2024, 3, 4, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	tx, replayed, err := s.Create(ctx, "alice", "", in)
	if err != nil || replayed {
		t.Fatalf("create: replayed=%v err=%v", replayed, err)
	}
	if tx.Merchant != "Market" || tx.Currency != "EUR" || tx.Date.Location() != time.UTC {
		t.Fatalf("not normalized: %+v", tx)
	}
	if strings.Join(tx.SharedGroupIDs, ",") != "g1,g2" {
		t.Fatalf("groups = %v", tx.SharedGroupIDs)
	}

	s.Wait()
	if l.count() != 1 || l.calls[0].actor != "alice" || l.calls[0].before != nil {
		t.Fatalf("listener calls = %+v", l.calls)
	}

	got, err := s.Get(ctx, "alice", tx.ID)
	if err != nil || !got.Total.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("get: %+v err=%v", got, err)
	}
}

func TestTransactionService_PrivateTransactionSkipsNotification(t *testing.T) {
	s, l := newTxService(t)

	if _, _, err := s.Create(context.Background(), "alice", "", input("Solo")); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Wait()
	if l.count() != 0 {
		t.Fatalf("private transaction should not notify, calls=%d", l.count())
	}
}

func TestTransactionService_Validation(t *testing.T) {
	s, _ := newTxService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   TransactionInput
		want error
	}{
		{"empty merchant", input("   ", "g1"), ErrInvalidTransaction},
		{"long merchant", input(strings.Repeat("x", 256), "g1"), ErrInvalidTransaction},
		{"bad currency", func() TransactionInput { in := input("m"); in.Currency = "EURO"; return in }(), ErrInvalidTransaction},
		{"too many groups", input("m", "a", "b", "c", "d", "e", "f"), ErrTooManyGroups},
		{"unknown group", input("m", "nope"), ErrGroupNotFound},
		{"not a member", input("m", "g3"), ErrNotGroupMember},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := s.Create(ctx, "alice", "", tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestTransactionService_IdempotentCreate(t *testing.T) {
	s, l := newTxService(t)
	ctx := context.Background()

	first, replayed, err := s.Create(ctx, "alice", "key-1", input("Cafe", "g1"))
	if err != nil || replayed {
		t.Fatalf("first: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := s.Create(ctx, "alice", "key-1", input("Cafe", "g1"))
	if err != nil || !replayed || second.ID != first.ID {
		t.Fatalf("replay: id=%s replayed=%v err=%v", second.ID, replayed, err)
	}

	// Keys are per user.
	other, replayed, err := s.Create(ctx, "bob", "key-1", input("Cafe", "g1"))
	if err != nil || replayed || other.ID == first.ID {
		t.Fatalf("other user: replayed=%v err=%v", replayed, err)
	}

	s.Wait()
	if l.count() != 2 {
		t.Fatalf("replay must not notify again, calls=%d", l.count())
	}

	var n int64
	s.DB.Model(&domain.Transaction{}).Where("owner_id = ?", "alice").Count(&n)
	if n != 1 {
		t.Fatalf("alice transactions = %d, want 1", n)
	}
}

func TestTransactionService_UpdateNotifiesNewGroups(t *testing.T) {
	s, l := newTxService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, "alice", "", input("Fuel", "g1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Wait()

	// Same groups: no dispatch.
	if _, err := s.Update(ctx, "alice", tx.ID, input("Fuel station", "g1")); err != nil {
		t.Fatalf("update: %v", err)
	}
	s.Wait()
	if l.count() != 1 {
		t.Fatalf("edit without new groups notified, calls=%d", l.count())
	}

	updated, err := s.Update(ctx, "alice", tx.ID, input("Fuel station", "g1", "g2"))
	if err != nil {
		t.Fatalf("update groups: %v", err)
	}
	s.Wait()
	if l.count() != 2 {
		t.Fatalf("calls = %d, want 2", l.count())
	}
	last := l.calls[1]
	if last.before == nil || len(last.before.SharedGroupIDs) != 1 || len(last.after.SharedGroupIDs) != 2 {
		t.Fatalf("before/after not passed: %+v", last)
	}
	if updated.Merchant != "Fuel station" {
		t.Fatalf("merchant = %q", updated.Merchant)
	}

	if _, err := s.Update(ctx, "bob", tx.ID, input("x", "g1")); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("other owner: want ErrTransactionNotFound, got %v", err)
	}
}

func TestTransactionService_DeleteAndPurge(t *testing.T) {
	s, _ := newTxService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, "alice", "k", input("Books", "g1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, "alice", tx.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "alice", tx.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("second delete: want ErrTransactionNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "alice", tx.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("deleted get: %v", err)
	}

	s.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := s.PurgeIdempotency(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge n=%d err=%v", n, err)
	}
	if _, err := repo.GetIdempotency(ctx, s.DB, "alice", IdempotencyScope, "k", time.Now()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("key should be purged: %v", err)
	}
}
