// Package services – GroupFeed
//
// GroupFeed is the per-user entry point to a group's shared view. It checks
// membership (when enforced) and then delegates to the QueryCache for
// snapshots, live streams and on-demand syncs, and to the SyncCoordinator and
// CacheStore for status.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/group-sync/internal/domain"
)

// Stream is a live sequence of snapshots. *Subscription implements it.
type Stream interface {
	C() <-chan Snapshot
	Close()
}

// GroupStatus combines sync state with cache occupancy for one group.
type GroupStatus struct {
	SyncStatus
	Cache    CacheStats `json:"cache"`
	Degraded bool       `json:"degraded"`
}

// GroupFeed serves a group's transactions to its members.
type GroupFeed struct {
	Cache  *QueryCache
	Groups GroupDirectory
	// EnforceMembership rejects callers that are not members of the group.
	EnforceMembership bool
}

// NewGroupFeed returns a feed that enforces membership.
func NewGroupFeed(cache *QueryCache, groups GroupDirectory) *GroupFeed {
	return &GroupFeed{Cache: cache, Groups: groups, EnforceMembership: true}
}

func (f *GroupFeed) authorize(ctx context.Context, userID, groupID string) error {
	if !f.EnforceMembership {
		return nil
	}
	g, err := f.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.HasMember(userID) {
		return ErrNotGroupMember
	}
	return nil
}

// Snapshot returns the group's transactions within r.
func (f *GroupFeed) Snapshot(ctx context.Context, userID, groupID string, r domain.DateRange) (Snapshot, error) {
	if err := f.authorize(ctx, userID, groupID); err != nil {
		return Snapshot{}, err
	}
	return f.Cache.Get(ctx, groupID, r)
}

// Watch subscribes to the group's snapshots within r.
func (f *GroupFeed) Watch(ctx context.Context, userID, groupID string, r domain.DateRange) (Stream, error) {
	if err := f.authorize(ctx, userID, groupID); err != nil {
		return nil, err
	}
	s, err := f.Cache.SubscribeToGroupTransactions(ctx, groupID, r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SyncNow runs or joins a sync of the group.
func (f *GroupFeed) SyncNow(ctx context.Context, userID, groupID string) (*SyncReport, error) {
	if err := f.authorize(ctx, userID, groupID); err != nil {
		return nil, err
	}
	return f.Cache.SyncNow(ctx, groupID)
}

// Status reports the group's sync state and cache occupancy. Cache stats are
// left empty in network-only mode.
func (f *GroupFeed) Status(ctx context.Context, userID, groupID string) (GroupStatus, error) {
	if err := f.authorize(ctx, userID, groupID); err != nil {
		return GroupStatus{}, err
	}
	st := GroupStatus{Degraded: f.Cache.Degraded()}
	sync, err := f.Cache.Sync.Status(ctx, groupID)
	st.SyncStatus = sync
	if err != nil || st.Degraded {
		var cce *CacheCorruptionError
		if err != nil && !errors.As(err, &cce) {
			return st, err
		}
		st.Degraded = true
		return st, nil
	}
	stats, err := f.Cache.Store.Stats(ctx, groupID)
	if err != nil {
		st.Degraded = true
		return st, nil
	}
	st.Cache = stats
	return st, nil
}

// SnapshotETag derives a weak validator from the entries a snapshot carries:
// their count and newest CachedAt, qualified by group and range. Network
// snapshots have no stable validator and yield "".
func SnapshotETag(s Snapshot, r domain.DateRange) string {
	if s.Source == "network" || s.Error != "" {
		return ""
	}
	var newest int64
	for _, e := range s.Data {
		if e.CachedAt > newest {
			newest = e.CachedAt
		}
	}
	var from, to int64
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}
	if !r.To.IsZero() {
		to = r.To.UnixNano()
	}
	return fmt.Sprintf(`W/"txs:%s:%d:%d:%d:%d"`, s.GroupID, len(s.Data), newest, from, to)
}
