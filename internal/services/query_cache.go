// Package services – QueryCache
//
// QueryCache is the read path used by the UI. It serves a group's
// transactions cache-first from a short-lived in-memory tier, then the
// persistent CacheStore, and revalidates in the background through the
// SyncCoordinator unless the group was synced within StaleAfter. Concurrent
// syncs of the same group are coalesced. When the persistent cache fails the
// layer degrades to network-only reads and says so once.
//
// Subscribers receive snapshots on a channel; revalidation results are only
// published to groups that still have subscribers.
package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/observability"
)

const (
	// DefaultStaleAfter skips revalidation for groups synced more recently.
	DefaultStaleAfter = 30 * time.Second
	// DefaultMemoryTTL is the lifetime of the in-memory tier.
	DefaultMemoryTTL = 15 * time.Second
	// DefaultRevalidateTimeout bounds a background sync.
	DefaultRevalidateTimeout = time.Minute

	degradedWarning = "local cache unavailable; showing live data only"
)

// Snapshot is one view of a group's transactions.
type Snapshot struct {
	GroupID       string              `json:"group_id"`
	Data          []domain.CacheEntry `json:"data"`
	IsLoading     bool                `json:"is_loading"`
	PartialErrors map[string]string   `json:"partial_errors,omitempty"`
	Warning       string              `json:"warning,omitempty"`
	Error         string              `json:"error,omitempty"`
	// Source is the tier that served Data: memory, persistent or network.
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueryCache implements the cache-first read path and the subscription hook.
type QueryCache struct {
	Store  *CacheStore
	Sync   *SyncCoordinator
	Query  *MultiMemberQueryService
	Groups GroupDirectory

	StaleAfter        time.Duration
	RevalidateTimeout time.Duration
	Now               func() time.Time

	mem      *gocache.Cache
	flight   singleflight.Group
	degraded atomic.Bool
	bg       sync.WaitGroup

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewQueryCache wires the read path. memoryTTL <= 0 uses DefaultMemoryTTL.
func NewQueryCache(store *CacheStore, syncer *SyncCoordinator, q *MultiMemberQueryService, groups GroupDirectory, memoryTTL time.Duration) *QueryCache {
	if memoryTTL <= 0 {
		memoryTTL = DefaultMemoryTTL
	}
	return &QueryCache{
		Store:             store,
		Sync:              syncer,
		Query:             q,
		Groups:            groups,
		StaleAfter:        DefaultStaleAfter,
		RevalidateTimeout: DefaultRevalidateTimeout,
		Now:               time.Now,
		mem:               gocache.New(memoryTTL, 2*memoryTTL),
		subs:              make(map[string]map[*Subscription]struct{}),
	}
}

func (c *QueryCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Degraded reports whether the layer has fallen back to network-only reads.
func (c *QueryCache) Degraded() bool { return c.degraded.Load() }

// Wait blocks until background revalidations have finished.
func (c *QueryCache) Wait() { c.bg.Wait() }

func memKey(groupID string, r domain.DateRange) string {
	var from, to int64
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}
	if !r.To.IsZero() {
		to = r.To.UnixNano()
	}
	return groupID + "|" + strconv.FormatInt(from, 10) + "|" + strconv.FormatInt(to, 10)
}

// Get returns a snapshot of groupID within r. A group that has never been
// synced is synced before the first read; otherwise cached data is returned
// immediately and IsLoading reports whether a background revalidation was
// started.
func (c *QueryCache) Get(ctx context.Context, groupID string, r domain.DateRange) (Snapshot, error) {
	if !r.Valid() {
		return Snapshot{}, ErrInvalidRange
	}
	if c.degraded.Load() {
		return c.networkRead(ctx, groupID, r, "")
	}

	if v, ok := c.mem.Get(memKey(groupID, r)); ok {
		observability.CacheReads.WithLabelValues("memory").Inc()
		snap := v.(Snapshot)
		snap.Source = "memory"
		snap.IsLoading = c.maybeRevalidate(ctx, groupID)
		return snap, nil
	}

	last, err := c.Sync.LastSyncedAt(ctx, groupID)
	if err != nil {
		return c.degrade(ctx, groupID, r, err)
	}
	var partial map[string]string
	if last.IsZero() {
		rep, err := c.SyncNow(ctx, groupID)
		if snap, done, err := c.coldStartResult(ctx, groupID, r, rep, err); done {
			return snap, err
		}
		if rep != nil {
			partial = rep.PartialErrors
		}
	}

	data, err := c.Store.Read(ctx, groupID, r)
	if err != nil {
		return c.degrade(ctx, groupID, r, err)
	}
	observability.CacheReads.WithLabelValues("persistent").Inc()
	snap := Snapshot{GroupID: groupID, Data: data, PartialErrors: partial, Source: "persistent", UpdatedAt: c.now()}
	c.mem.SetDefault(memKey(groupID, r), snap)
	if last.IsZero() {
		return snap, nil
	}
	snap.IsLoading = c.maybeRevalidate(ctx, groupID)
	return snap, nil
}

// coldStartResult decides whether a failed first sync ends the read.
func (c *QueryCache) coldStartResult(ctx context.Context, groupID string, r domain.DateRange, rep *SyncReport, err error) (Snapshot, bool, error) {
	var cce *CacheCorruptionError
	var pfe *PartialFetchError
	switch {
	case err == nil, errors.As(err, &pfe):
		return Snapshot{}, false, nil
	case errors.As(err, &cce):
		snap, err := c.degrade(ctx, groupID, r, err)
		return snap, true, err
	case errors.Is(err, ErrSyncFailed):
		snap := Snapshot{GroupID: groupID, Data: []domain.CacheEntry{}, Error: err.Error(), Source: "persistent", UpdatedAt: c.now()}
		if rep != nil {
			snap.PartialErrors = rep.PartialErrors
		}
		return snap, true, nil
	default:
		return Snapshot{}, true, err
	}
}

// degrade switches to network-only mode on cache corruption. Other errors
// are returned unchanged.
func (c *QueryCache) degrade(ctx context.Context, groupID string, r domain.DateRange, cause error) (Snapshot, error) {
	var cce *CacheCorruptionError
	if !errors.As(cause, &cce) {
		return Snapshot{}, cause
	}
	warning := ""
	if !c.degraded.Swap(true) {
		warning = degradedWarning
		zerolog.Ctx(ctx).Error().Err(cause).Msg("persistent cache failed; switching to network-only reads")
	}
	return c.networkRead(ctx, groupID, r, warning)
}

// networkRead fetches the group directly from the member partitions.
func (c *QueryCache) networkRead(ctx context.Context, groupID string, r domain.DateRange, warning string) (Snapshot, error) {
	grp, err := c.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return Snapshot{}, err
	}
	observability.CacheReads.WithLabelValues("network").Inc()
	res := c.Query.FetchGroupTransactions(ctx, groupID, grp.MemberIDs(), FetchOptions{Range: r})

	data := make([]domain.CacheEntry, 0, len(res.Records))
	for _, rec := range res.Records {
		t := rec.Transaction
		t.OwnerID = rec.OwnerID
		data = append(data, domain.CacheEntry{
			GroupID:       groupID,
			OwnerID:       rec.OwnerID,
			TransactionID: t.ID,
			Date:          t.Date.UTC().UnixNano(),
			Payload:       t,
		})
	}
	snap := Snapshot{GroupID: groupID, Data: data, Warning: warning, Source: "network", UpdatedAt: c.now()}
	var pfe *PartialFetchError
	if err := res.Err(); errors.As(err, &pfe) {
		snap.PartialErrors = pfe.Messages()
	}
	return snap, nil
}

// maybeRevalidate starts a background sync unless the group is fresh.
func (c *QueryCache) maybeRevalidate(ctx context.Context, groupID string) bool {
	last, err := c.Sync.LastSyncedAt(ctx, groupID)
	if err == nil && !last.IsZero() && c.now().Sub(last) < c.StaleAfter {
		return false
	}
	c.Revalidate(ctx, groupID)
	return true
}

// Revalidate schedules a coalesced background sync of groupID. The sync is
// detached from ctx's cancellation and bounded by RevalidateTimeout.
func (c *QueryCache) Revalidate(ctx context.Context, groupID string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, _ = c.SyncNow(context.WithoutCancel(ctx), groupID)
	}()
}

// SyncNow runs (or joins) a sync of groupID, refreshes the in-memory tier
// and publishes the result to subscribers.
func (c *QueryCache) SyncNow(ctx context.Context, groupID string) (*SyncReport, error) {
	type outcome struct {
		rep *SyncReport
		err error
	}
	v, _, _ := c.flight.Do(groupID, func() (any, error) {
		timeout := c.RevalidateTimeout
		if timeout <= 0 {
			timeout = DefaultRevalidateTimeout
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		rep, err := c.Sync.Sync(sctx, groupID)
		c.invalidate(groupID)

		var cce *CacheCorruptionError
		if errors.As(err, &cce) && !c.degraded.Swap(true) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("persistent cache failed during sync; switching to network-only reads")
		}
		c.publish(sctx, groupID, rep, err)
		return outcome{rep, err}, nil
	})
	o := v.(outcome)
	return o.rep, o.err
}

func (c *QueryCache) invalidate(groupID string) {
	prefix := groupID + "|"
	for k := range c.mem.Items() {
		if strings.HasPrefix(k, prefix) {
			c.mem.Delete(k)
		}
	}
}

// publish pushes fresh snapshots to the group's subscribers, if any.
func (c *QueryCache) publish(ctx context.Context, groupID string, rep *SyncReport, syncErr error) {
	subs := c.subscribers(groupID)
	if len(subs) == 0 {
		return
	}
	for _, s := range subs {
		snap, err := c.read(ctx, groupID, s.Range)
		if err != nil {
			snap = Snapshot{GroupID: groupID, Error: err.Error(), UpdatedAt: c.now()}
		}
		if rep != nil && len(rep.PartialErrors) > 0 {
			snap.PartialErrors = rep.PartialErrors
		}
		if errors.Is(syncErr, ErrSyncFailed) {
			snap.Error = syncErr.Error()
		}
		s.deliver(snap)
	}
}

// read serves from the persistent tier, or the network when degraded.
func (c *QueryCache) read(ctx context.Context, groupID string, r domain.DateRange) (Snapshot, error) {
	if c.degraded.Load() {
		return c.networkRead(ctx, groupID, r, "")
	}
	data, err := c.Store.Read(ctx, groupID, r)
	if err != nil {
		return c.degrade(ctx, groupID, r, err)
	}
	observability.CacheReads.WithLabelValues("persistent").Inc()
	return Snapshot{GroupID: groupID, Data: data, Source: "persistent", UpdatedAt: c.now()}, nil
}

func (c *QueryCache) subscribers(groupID string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subs[groupID]))
	for s := range c.subs[groupID] {
		out = append(out, s)
	}
	return out
}

// HasSubscribers reports whether groupID has an active subscription.
func (c *QueryCache) HasSubscribers(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[groupID]) > 0
}

// SubscribeToGroupTransactions registers a live view of groupID within r.
// The first snapshot is delivered as soon as the cache answers; later ones
// follow each revalidation. Close the subscription to stop delivery.
func (c *QueryCache) SubscribeToGroupTransactions(ctx context.Context, groupID string, r domain.DateRange) (*Subscription, error) {
	if !r.Valid() {
		return nil, ErrInvalidRange
	}
	s := &Subscription{GroupID: groupID, Range: r, ch: make(chan Snapshot, 1), owner: c}

	c.mu.Lock()
	if c.subs[groupID] == nil {
		c.subs[groupID] = make(map[*Subscription]struct{})
	}
	c.subs[groupID][s] = struct{}{}
	c.mu.Unlock()

	s.deliver(Snapshot{GroupID: groupID, Data: []domain.CacheEntry{}, IsLoading: true, UpdatedAt: c.now()})

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		snap, err := c.Get(context.WithoutCancel(ctx), groupID, r)
		if err != nil {
			snap = Snapshot{GroupID: groupID, Error: err.Error(), UpdatedAt: c.now()}
		}
		s.deliver(snap)
	}()
	return s, nil
}

func (c *QueryCache) unsubscribe(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.subs[s.GroupID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(c.subs, s.GroupID)
		}
	}
}

// Subscription is a live view of one group. Delivery is latest-wins: a slow
// reader only ever sees the most recent snapshot.
type Subscription struct {
	GroupID string
	Range   domain.DateRange

	owner  *QueryCache
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan Snapshot { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.owner.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}
