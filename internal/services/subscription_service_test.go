package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubscriptionService_RegisterValidates(t *testing.T) {
	s := NewSubscriptionService(newServiceDB(t), 0)
	ctx := context.Background()

	bad := [][3]string{
		{"", "k", "a"},
		{"https://push.example/1", " ", "a"},
		{"https://push.example/1", "k", ""},
		{"ftp://push.example/1", "k", "a"},
		{"https:///nohost", "k", "a"},
		{"::not a url", "k", "a"},
	}
	for _, b := range bad {
		if _, _, err := s.Register(ctx, "alice", b[0], b[1], b[2]); !errors.Is(err, ErrInvalidSubscription) {
			t.Fatalf("Register(%q,%q,%q): want ErrInvalidSubscription, got %v", b[0], b[1], b[2], err)
		}
	}
}

func TestSubscriptionService_EndpointMovesBetweenUsers(t *testing.T) {
	s := NewSubscriptionService(newServiceDB(t), 0)
	ctx := context.Background()

	first, moved, err := s.Register(ctx, "alice", "https://push.example/dev", "k1", "a1")
	if err != nil || moved {
		t.Fatalf("register: moved=%v err=%v", moved, err)
	}
	again, moved, err := s.Register(ctx, "alice", "https://push.example/dev", "k2", "a2")
	if err != nil || moved || again.ID != first.ID || again.P256dh != "k2" {
		t.Fatalf("re-register: %+v moved=%v err=%v", again, moved, err)
	}
	taken, moved, err := s.Register(ctx, "bob", "https://push.example/dev", "k3", "a3")
	if err != nil || !moved || taken.ID != first.ID || taken.UserID != "bob" {
		t.Fatalf("move: %+v moved=%v err=%v", taken, moved, err)
	}

	if err := s.Unregister(ctx, "alice", "https://push.example/dev"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("previous owner cannot unregister: %v", err)
	}
	if err := s.Unregister(ctx, "bob", "https://push.example/dev"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := s.Unregister(ctx, "bob", "https://push.example/dev"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("second unregister: %v", err)
	}
}

func TestSubscriptionService_PurgeIdle(t *testing.T) {
	s := NewSubscriptionService(newServiceDB(t), 24*time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	s.Now = func() time.Time { return base }
	if _, _, err := s.Register(ctx, "alice", "https://push.example/old", "k", "a"); err != nil {
		t.Fatalf("register old: %v", err)
	}
	s.Now = func() time.Time { return base.Add(36 * time.Hour) }
	if _, _, err := s.Register(ctx, "alice", "https://push.example/new", "k", "a"); err != nil {
		t.Fatalf("register new: %v", err)
	}

	n, err := s.PurgeIdle(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge n=%d err=%v", n, err)
	}
	subs, _ := GormSubscriptions{DB: s.DB}.ListForUsers(ctx, []string{"alice"})
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/new" {
		t.Fatalf("left = %+v", subs)
	}
}

func TestGormSubscriptions_ListsOnlyActive(t *testing.T) {
	s := NewSubscriptionService(newServiceDB(t), 24*time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	s.Now = func() time.Time { return base }
	if _, _, err := s.Register(ctx, "alice", "https://push.example/stale", "k", "a"); err != nil {
		t.Fatalf("register stale: %v", err)
	}
	s.Now = func() time.Time { return base.Add(36 * time.Hour) }
	if _, _, err := s.Register(ctx, "alice", "https://push.example/live", "k", "a"); err != nil {
		t.Fatalf("register live: %v", err)
	}

	store := GormSubscriptions{DB: s.DB, MaxIdle: 24 * time.Hour, Now: func() time.Time { return base.Add(40 * time.Hour) }}
	subs, err := store.ListForUsers(ctx, []string{"alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/live" {
		t.Fatalf("active = %+v", subs)
	}

	// Without a bound every subscription is listed, as before the purge.
	all, _ := GormSubscriptions{DB: s.DB}.ListForUsers(ctx, []string{"alice"})
	if len(all) != 2 {
		t.Fatalf("unbounded list = %d; want 2", len(all))
	}
}
