package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/group-sync/internal/domain"
)

func newTestFeed(t *testing.T) (*GroupFeed, *engine) {
	t.Helper()
	e := newEngine(t)
	seedScenario(t, e)
	return NewGroupFeed(newTestQueryCache(t, e), GormGroups{DB: e.src}), e
}

func TestGroupFeed_EnforcesMembership(t *testing.T) {
	f, _ := newTestFeed(t)
	ctx := context.Background()

	if _, err := f.Snapshot(ctx, "mallory", "g1", domain.DateRange{}); !errors.Is(err, ErrNotGroupMember) {
		t.Fatalf("want ErrNotGroupMember, got %v", err)
	}
	if _, err := f.Watch(ctx, "bob", "nope", domain.DateRange{}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("want ErrGroupNotFound, got %v", err)
	}
	if _, err := f.SyncNow(ctx, "mallory", "g1"); !errors.Is(err, ErrNotGroupMember) {
		t.Fatalf("sync: want ErrNotGroupMember, got %v", err)
	}

	f.EnforceMembership = false
	snap, err := f.Snapshot(ctx, "mallory", "g1", domain.DateRange{})
	if err != nil || len(snap.Data) != 15 {
		t.Fatalf("unenforced read: n=%d err=%v", len(snap.Data), err)
	}
}

func TestGroupFeed_StatusAfterSync(t *testing.T) {
	f, _ := newTestFeed(t)
	ctx := context.Background()

	st, err := f.Status(ctx, "alice", "g1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != SyncIdle || st.LastSyncAt != nil || st.Cache.Count != 0 {
		t.Fatalf("before sync: %+v", st)
	}

	if _, err := f.SyncNow(ctx, "alice", "g1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st, err = f.Status(ctx, "alice", "g1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LastSyncAt == nil || st.Cache.Count != 15 || st.Cache.NewestCachedAt == 0 || st.Degraded {
		t.Fatalf("after sync: %+v", st)
	}
}

func TestGroupFeed_StatusDegradedWhenCacheFails(t *testing.T) {
	f, e := newTestFeed(t)
	closeDB(t, e.cache)

	st, err := f.Status(context.Background(), "alice", "g1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Degraded {
		t.Fatalf("closed cache should report degraded: %+v", st)
	}
}

func TestSnapshotETag(t *testing.T) {
	snap := Snapshot{
		GroupID: "g1",
		Source:  "persistent",
		Data:    []domain.CacheEntry{{CachedAt: 5}, {CachedAt: 9}, {CachedAt: 7}},
	}
	r := domain.DateRange{From: time.Unix(0, 100)}

	tag := SnapshotETag(snap, r)
	if tag != `W/"txs:g1:3:9:100:0"` {
		t.Fatalf("etag = %s", tag)
	}
	if SnapshotETag(snap, domain.DateRange{}) == tag {
		t.Fatalf("range must be part of the validator")
	}

	snap.Data[0].CachedAt = 10
	if SnapshotETag(snap, r) == tag {
		t.Fatalf("newer entry must change the validator")
	}

	snap.Source = "network"
	if SnapshotETag(snap, r) != "" {
		t.Fatalf("network snapshot should have no validator")
	}
	if !strings.HasPrefix(SnapshotETag(Snapshot{GroupID: "g2", Source: "memory"}, domain.DateRange{}), `W/"txs:g2:0:0`) {
		t.Fatalf("empty snapshot validator malformed")
	}
}
