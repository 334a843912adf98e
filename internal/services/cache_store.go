// Package services – CacheStore
//
// CacheStore is the bounded persistent tier of the transaction cache. Writes
// are idempotent upserts keyed by (group, owner, transaction) and stamp every
// row with the write time; after each write the global row count is checked
// and the least recently cached rows are evicted in batches until the store
// is back under MaxRecords. Eviction also drops the watermark of every member
// that lost rows, so the next sync refetches that member in full; a group
// left with no rows loses its sync metadata and cold-starts. Storage failures
// are reported as *CacheCorruptionError so readers can fall back to the
// network.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/observability"
	"github.com/tbourn/group-sync/internal/repo"
)

const (
	// DefaultMaxRecords bounds the number of cached rows across all groups.
	DefaultMaxRecords = 50000
	// DefaultEvictionBatch is how many rows one eviction round removes.
	DefaultEvictionBatch = 5000
)

// CacheStats summarizes one group's cached rows.
type CacheStats struct {
	Count int64 `json:"count"`
	// NewestCachedAt is the greatest CachedAt (unix nanos), 0 when empty.
	NewestCachedAt int64 `json:"newest_cached_at"`
}

// CacheStore persists cached transactions in the local cache database.
type CacheStore struct {
	DB            *gorm.DB
	MaxRecords    int64
	EvictionBatch int
	Now           func() time.Time

	// mu serializes write+evict so the bound holds after every Write returns.
	mu sync.Mutex
	// gen counts eviction batches; evicted records the batch that last
	// removed rows of each (group, owner).
	gen     uint64
	evicted map[repo.CacheOwner]uint64
}

// NewCacheStore constructs a CacheStore, applying defaults for non-positive limits.
func NewCacheStore(db *gorm.DB, maxRecords int64, evictionBatch int) *CacheStore {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if evictionBatch <= 0 {
		evictionBatch = DefaultEvictionBatch
	}
	return &CacheStore{DB: db, MaxRecords: maxRecords, EvictionBatch: evictionBatch, Now: time.Now}
}

func (s *CacheStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Write upserts txs under groupID, keyed by each transaction's owner, then
// evicts if the store grew past MaxRecords.
func (s *CacheStore) Write(ctx context.Context, groupID string, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	tr := otel.Tracer("services/CacheStore")
	ctx, span := tr.Start(ctx, "Write",
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.Int("entries", len(txs)),
		),
	)
	defer span.End()

	cachedAt := s.now().UnixNano()
	entries := make([]domain.CacheEntry, 0, len(txs))
	for _, t := range txs {
		entries = append(entries, domain.CacheEntry{
			GroupID:       groupID,
			OwnerID:       t.OwnerID,
			TransactionID: t.ID,
			Date:          t.Date.UTC().UnixNano(),
			CachedAt:      cachedAt,
			Payload:       t,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := repo.UpsertCacheEntries(ctx, s.DB, entries); err != nil {
		return &CacheCorruptionError{Op: "write", Err: err}
	}
	_, err := s.evictLocked(ctx)
	return err
}

// Read returns a group's entries within r, newest first.
func (s *CacheStore) Read(ctx context.Context, groupID string, r domain.DateRange) ([]domain.CacheEntry, error) {
	var from, to int64
	if !r.From.IsZero() {
		from = r.From.UTC().UnixNano()
	}
	if !r.To.IsZero() {
		to = r.To.UTC().UnixNano()
	}
	out, err := repo.ListCacheEntries(ctx, s.DB, groupID, from, to)
	if err != nil {
		return nil, &CacheCorruptionError{Op: "read", Err: err}
	}
	return out, nil
}

// Evict removes the oldest rows by CachedAt, EvictionBatch at a time and
// regardless of group, until the store holds at most MaxRecords rows. It
// returns how many rows were removed.
func (s *CacheStore) Evict(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx)
}

func (s *CacheStore) evictLocked(ctx context.Context) (int64, error) {
	var evicted int64
	for {
		n, err := repo.CountCacheEntries(ctx, s.DB)
		if err != nil {
			return evicted, &CacheCorruptionError{Op: "count", Err: err}
		}
		if n <= s.MaxRecords {
			observability.CacheEntries.Set(float64(n))
			if evicted > 0 {
				zerolog.Ctx(ctx).Info().
					Int64("evicted", evicted).
					Int64("remaining", n).
					Msg("cache eviction")
			}
			return evicted, nil
		}
		deleted, owners, err := s.evictBatch(ctx)
		if err != nil {
			return evicted, &CacheCorruptionError{Op: "evict", Err: err}
		}
		if deleted == 0 {
			return evicted, nil
		}
		s.gen++
		if s.evicted == nil {
			s.evicted = make(map[repo.CacheOwner]uint64)
		}
		for _, o := range owners {
			s.evicted[o] = s.gen
		}
		evicted += deleted
		observability.CacheEvictions.Add(float64(deleted))
	}
}

// evictBatch deletes one batch and forgets the sync position of the owners
// it touched, in one database transaction.
func (s *CacheStore) evictBatch(ctx context.Context) (int64, []repo.CacheOwner, error) {
	var (
		deleted int64
		owners  []repo.CacheOwner
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, owners, err = repo.DeleteOldestCacheEntries(ctx, tx, s.EvictionBatch)
		if err != nil {
			return err
		}
		var groups []string
		seen := map[string]bool{}
		for _, o := range owners {
			if err := repo.DeleteWatermark(ctx, tx, o.GroupID, o.OwnerID); err != nil {
				return err
			}
			if !seen[o.GroupID] {
				seen[o.GroupID] = true
				groups = append(groups, o.GroupID)
			}
		}
		for _, g := range groups {
			left, _, err := repo.CacheStats(ctx, tx, g)
			if err != nil {
				return err
			}
			if left == 0 {
				if err := repo.DeleteSyncMetadata(ctx, tx, g); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return deleted, owners, nil
}

// Generation returns the number of eviction batches run so far.
func (s *CacheStore) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// UnlessEvicted runs fn with evictions held off, unless rows of ownerID in
// groupID were evicted after generation gen. It reports whether fn ran.
func (s *CacheStore) UnlessEvicted(groupID, ownerID string, gen uint64, fn func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted[repo.CacheOwner{GroupID: groupID, OwnerID: ownerID}] > gen {
		return false, nil
	}
	return true, fn()
}

// Remove deletes specific transactions of one owner from a group's cache.
func (s *CacheStore) Remove(ctx context.Context, groupID, ownerID string, ids []string) (int64, error) {
	n, err := repo.DeleteCacheEntries(ctx, s.DB, groupID, ownerID, ids)
	if err != nil {
		return 0, &CacheCorruptionError{Op: "remove", Err: err}
	}
	return n, nil
}

// RemoveOwner deletes every entry of ownerID within a group.
func (s *CacheStore) RemoveOwner(ctx context.Context, groupID, ownerID string) (int64, error) {
	n, err := repo.DeleteOwnerCacheEntries(ctx, s.DB, groupID, ownerID)
	if err != nil {
		return 0, &CacheCorruptionError{Op: "remove owner", Err: err}
	}
	return n, nil
}

// PruneOwner deletes the owner's entries in a group whose ids are not in keep.
func (s *CacheStore) PruneOwner(ctx context.Context, groupID, ownerID string, keep map[string]struct{}) (int64, error) {
	ids, err := repo.ListOwnerCacheIDs(ctx, s.DB, groupID, ownerID)
	if err != nil {
		return 0, &CacheCorruptionError{Op: "prune", Err: err}
	}
	var stale []string
	for _, id := range ids {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	return s.Remove(ctx, groupID, ownerID, stale)
}

// Stats returns the group's row count and newest CachedAt.
func (s *CacheStore) Stats(ctx context.Context, groupID string) (CacheStats, error) {
	n, newest, err := repo.CacheStats(ctx, s.DB, groupID)
	if err != nil {
		return CacheStats{}, &CacheCorruptionError{Op: "stats", Err: err}
	}
	return CacheStats{Count: n, NewestCachedAt: newest}, nil
}

// Count returns the total number of cached rows.
func (s *CacheStore) Count(ctx context.Context) (int64, error) {
	n, err := repo.CountCacheEntries(ctx, s.DB)
	if err != nil {
		return 0, &CacheCorruptionError{Op: "count", Err: err}
	}
	return n, nil
}
