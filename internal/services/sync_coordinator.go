// Package services – SyncCoordinator
//
// SyncCoordinator brings a group's local cache up to date with the member
// partitions. It compares the group's memberUpdates with the locally stored
// per-member watermarks, fetches only the members that changed (delta since
// the watermark, or a full fetch when the watermark is unknown), merges the
// result into the CacheStore and only then advances each member's watermark
// to the value observed at the start of the run. A crash between the cache
// write and the watermark advance therefore replays the same delta, which the
// idempotent cache upsert absorbs.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/observability"
)

// DefaultPageLimit is the per-member page size used by sync.
const DefaultPageLimit = 500

// SyncState is the per-group lifecycle state: idle, syncing, then idle
// again, passing through error when a run fails.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
)

// SyncReport describes one sync run.
type SyncReport struct {
	GroupID       string            `json:"group_id"`
	ColdStart     bool              `json:"cold_start"`
	Offline       bool              `json:"offline"`
	NoOp          bool              `json:"no_op"`
	DirtyMembers  []string          `json:"dirty_members"`
	StaleMembers  []string          `json:"stale_members,omitempty"`
	// Evicted lists members whose rows were evicted mid-run; their
	// watermarks stay unset so the next sync refetches them.
	Evicted       []string          `json:"evicted_members,omitempty"`
	Fetched       int               `json:"fetched"`
	Removed       int64             `json:"removed"`
	PartialErrors map[string]string `json:"partial_errors,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
}

// SyncStatus is the observable state of a group's sync.
type SyncStatus struct {
	GroupID    string     `json:"group_id"`
	State      SyncState  `json:"state"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type groupSync struct {
	mu      sync.Mutex // held for the whole run
	state   SyncState
	lastErr string
}

// SyncCoordinator runs delta syncs per group. Runs for the same group are
// serialized; different groups sync concurrently.
type SyncCoordinator struct {
	Groups    GroupDirectory
	Query     *MultiMemberQueryService
	Cache     *CacheStore
	Meta      MetadataStore
	PageLimit int
	Now       func() time.Time

	mu     sync.Mutex
	groups map[string]*groupSync
}

// NewSyncCoordinator wires a coordinator with default paging.
func NewSyncCoordinator(groups GroupDirectory, q *MultiMemberQueryService, cache *CacheStore, meta MetadataStore) *SyncCoordinator {
	return &SyncCoordinator{
		Groups:    groups,
		Query:     q,
		Cache:     cache,
		Meta:      meta,
		PageLimit: DefaultPageLimit,
		Now:       time.Now,
	}
}

func (c *SyncCoordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *SyncCoordinator) group(groupID string) *groupSync {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups == nil {
		c.groups = make(map[string]*groupSync)
	}
	g, ok := c.groups[groupID]
	if !ok {
		g = &groupSync{state: SyncIdle}
		c.groups[groupID] = g
	}
	return g
}

func (c *SyncCoordinator) setState(g *groupSync, s SyncState, errMsg string) {
	c.mu.Lock()
	g.state, g.lastErr = s, errMsg
	c.mu.Unlock()
}

// State returns the group's current sync state.
func (c *SyncCoordinator) State(groupID string) SyncState {
	g := c.group(groupID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return g.state
}

// Status returns the group's state together with its last successful sync time.
func (c *SyncCoordinator) Status(ctx context.Context, groupID string) (SyncStatus, error) {
	g := c.group(groupID)
	c.mu.Lock()
	st := SyncStatus{GroupID: groupID, State: g.state, LastError: g.lastErr}
	c.mu.Unlock()

	last, err := c.LastSyncedAt(ctx, groupID)
	if err != nil {
		return st, err
	}
	if !last.IsZero() {
		st.LastSyncAt = &last
	}
	return st, nil
}

// LastSyncedAt returns when the group last completed a sync; zero if never.
func (c *SyncCoordinator) LastSyncedAt(ctx context.Context, groupID string) (time.Time, error) {
	meta, err := c.Meta.Get(ctx, groupID)
	if err != nil {
		return time.Time{}, &CacheCorruptionError{Op: "metadata", Err: err}
	}
	if meta == nil || meta.LastSyncAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, meta.LastSyncAt).UTC(), nil
}

// Sync performs one delta sync of groupID.
//
// Returned errors:
//   - nil with report.Offline set when the sources are unreachable.
//   - *PartialFetchError when some dirty members failed; their watermarks
//     are left untouched and the report is still valid.
//   - ErrSyncFailed (wrapping the per-member failures) when every dirty
//     member failed.
//   - ErrGroupNotFound or *CacheCorruptionError otherwise.
func (c *SyncCoordinator) Sync(ctx context.Context, groupID string) (*SyncReport, error) {
	g := c.group(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	tr := otel.Tracer("services/SyncCoordinator")
	ctx, span := tr.Start(ctx, "Sync", trace.WithAttributes(attribute.String("group.id", groupID)))
	defer span.End()

	c.setState(g, SyncSyncing, "")
	rep, outcome, err := c.run(ctx, groupID)
	rep.FinishedAt = c.now()
	observability.SyncRuns.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))

	lg := zerolog.Ctx(ctx)
	switch outcome {
	case "failed", "error":
		// error is transient: the group settles back to idle and keeps
		// the message for Status until the next attempt.
		c.setState(g, SyncError, err.Error())
		lg.Error().Err(err).Str("group_id", groupID).Msg("sync failed")
		c.setState(g, SyncIdle, err.Error())
	default:
		c.setState(g, SyncIdle, "")
		ev := lg.Debug()
		if outcome == "partial" {
			ev = lg.Warn().Err(err)
		}
		ev.Str("group_id", groupID).
			Str("outcome", outcome).
			Int("dirty", len(rep.DirtyMembers)).
			Int("fetched", rep.Fetched).
			Int64("removed", rep.Removed).
			Strs("evicted", rep.Evicted).
			Msg("sync finished")
	}
	return rep, err
}

func (c *SyncCoordinator) run(ctx context.Context, groupID string) (*SyncReport, string, error) {
	rep := &SyncReport{GroupID: groupID, StartedAt: c.now()}
	gen := c.Cache.Generation()

	grp, err := c.Groups.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, ErrOffline) {
			rep.Offline, rep.NoOp = true, true
			return rep, "offline", nil
		}
		return rep, "error", err
	}
	remote := grp.MemberUpdates()

	meta, err := c.Meta.Get(ctx, groupID)
	if err != nil {
		return rep, "error", &CacheCorruptionError{Op: "metadata", Err: err}
	}
	local := map[string]int64{}
	if meta == nil {
		rep.ColdStart = true
	} else {
		local = meta.PerMember()
	}

	if stale := staleMembers(local, remote); len(stale) > 0 {
		if err := c.dropStale(ctx, groupID, stale); err != nil {
			return rep, "error", err
		}
		rep.StaleMembers = stale
		rep.ColdStart = true
		local = map[string]int64{}
	}

	since := map[string]int64{}
	for _, m := range grp.MemberIDs() {
		wm, known := local[m]
		switch {
		case !known:
			rep.DirtyMembers = append(rep.DirtyMembers, m)
		case remote[m] > wm:
			rep.DirtyMembers = append(rep.DirtyMembers, m)
			since[m] = wm
		}
	}
	observability.SyncDirtyMembers.Observe(float64(len(rep.DirtyMembers)))

	if len(rep.DirtyMembers) == 0 {
		rep.NoOp = true
		if err := c.Meta.TouchLastSync(ctx, groupID, c.now().UnixNano()); err != nil {
			return rep, "error", &CacheCorruptionError{Op: "metadata", Err: err}
		}
		return rep, "noop", nil
	}

	fetched, failed := c.fetchDirty(ctx, groupID, rep.DirtyMembers, since)
	if len(failed) == len(rep.DirtyMembers) && allOffline(failed) {
		rep.Offline, rep.NoOp = true, true
		return rep, "offline", nil
	}

	for _, m := range rep.DirtyMembers {
		recs, ok := fetched[m]
		if !ok {
			continue
		}
		_, delta := since[m]
		removed, err := c.merge(ctx, groupID, m, recs, !delta)
		if err != nil {
			return rep, "error", err
		}
		rep.Removed += removed
		for _, r := range recs {
			if !r.Tombstone {
				rep.Fetched++
			}
		}
		advanced, err := c.Cache.UnlessEvicted(groupID, m, gen, func() error {
			return c.Meta.Advance(ctx, groupID, m, remote[m], c.now().UnixNano())
		})
		if err != nil {
			return rep, "error", &CacheCorruptionError{Op: "metadata", Err: err}
		}
		if !advanced {
			rep.Evicted = append(rep.Evicted, m)
		}
	}

	if len(failed) == 0 {
		return rep, "ok", nil
	}
	pf := &PartialFetchError{Failed: failed}
	rep.PartialErrors = pf.Messages()
	if len(failed) == len(rep.DirtyMembers) {
		return rep, "failed", fmt.Errorf("%w: %w", ErrSyncFailed, pf)
	}
	return rep, "partial", pf
}

// fetchDirty pages through the dirty members until each is exhausted or has
// failed. Members drop out of later pages as soon as they finish.
func (c *SyncCoordinator) fetchDirty(ctx context.Context, groupID string, dirty []string, since map[string]int64) (map[string][]domain.SourceRecord, map[string]error) {
	limit := c.PageLimit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	fetched := make(map[string][]domain.SourceRecord, len(dirty))
	failed := make(map[string]error)

	active := dirty
	for offset := 0; len(active) > 0; offset += limit {
		res := c.Query.FetchGroupTransactions(ctx, groupID, active, FetchOptions{
			PageLimit:         limit,
			Offset:            offset,
			Since:             since,
			IncludeTombstones: true,
		})
		for _, r := range res.Records {
			fetched[r.OwnerID] = append(fetched[r.OwnerID], r)
		}
		var next []string
		for _, m := range active {
			mr := res.Members[m]
			switch {
			case mr.Err != nil:
				failed[m] = mr.Err
				delete(fetched, m)
			case !mr.Exhausted(limit):
				next = append(next, m)
			default:
				if _, ok := fetched[m]; !ok {
					fetched[m] = nil
				}
			}
		}
		active = next
	}
	return fetched, failed
}

// merge applies one member's records to the cache. A full fetch also prunes
// cached rows of that member the source no longer returns.
func (c *SyncCoordinator) merge(ctx context.Context, groupID, member string, recs []domain.SourceRecord, full bool) (int64, error) {
	live := make([]domain.Transaction, 0, len(recs))
	keep := make(map[string]struct{}, len(recs))
	var gone []string
	for _, r := range recs {
		if r.Tombstone {
			gone = append(gone, r.Transaction.ID)
			continue
		}
		t := r.Transaction
		t.OwnerID = member
		live = append(live, t)
		keep[t.ID] = struct{}{}
	}

	if err := c.Cache.Write(ctx, groupID, live); err != nil {
		return 0, err
	}
	removed, err := c.Cache.Remove(ctx, groupID, member, gone)
	if err != nil {
		return 0, err
	}
	if full {
		n, err := c.Cache.PruneOwner(ctx, groupID, member, keep)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (c *SyncCoordinator) dropStale(ctx context.Context, groupID string, stale []string) error {
	zerolog.Ctx(ctx).Warn().
		Err(&StaleWatermarkError{GroupID: groupID, Members: stale}).
		Msg("dropping watermarks of departed members")
	for _, m := range stale {
		if err := c.Meta.DeleteWatermark(ctx, groupID, m); err != nil {
			return &CacheCorruptionError{Op: "metadata", Err: err}
		}
		if _, err := c.Cache.RemoveOwner(ctx, groupID, m); err != nil {
			return err
		}
	}
	return nil
}

func staleMembers(local, remote map[string]int64) []string {
	var out []string
	for m := range local {
		if _, ok := remote[m]; !ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func allOffline(failed map[string]error) bool {
	for _, err := range failed {
		if !errors.Is(err, ErrOffline) {
			return false
		}
	}
	return len(failed) > 0
}
