// Package services – MultiMemberQueryService
//
// This file implements the fan-out reader that assembles a group's view from
// per-member partitions. Each member is queried concurrently with its own
// timeout; results are merged only after every member has settled. A failing
// or slow member never fails the call: its error is reported per member and
// the remaining data is returned.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/observability"
)

// DefaultMemberTimeout bounds a single member query when none is configured.
const DefaultMemberTimeout = 10 * time.Second

// FetchOptions shapes one fan-out.
type FetchOptions struct {
	Range     domain.DateRange
	PageLimit int
	Offset    int
	// Since holds per-member delta watermarks; members without an entry get
	// a full query.
	Since map[string]int64
	// IncludeTombstones returns untagged/deleted records on delta queries.
	IncludeTombstones bool
}

// MemberResult is the outcome of one member's query.
type MemberResult struct {
	Count    int           `json:"count"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Exhausted reports whether the member returned fewer rows than a page.
func (r MemberResult) Exhausted(pageLimit int) bool {
	return pageLimit <= 0 || r.Count < pageLimit
}

// FetchResult is the merged view plus the per-member outcomes.
type FetchResult struct {
	Records []domain.SourceRecord
	Members map[string]MemberResult
}

// Failed returns the members whose query failed.
func (r *FetchResult) Failed() map[string]error {
	out := make(map[string]error)
	for id, m := range r.Members {
		if m.Err != nil {
			out[id] = m.Err
		}
	}
	return out
}

// Err returns nil when every member succeeded and a *PartialFetchError otherwise.
func (r *FetchResult) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &PartialFetchError{Failed: failed}
}

// AllFailed reports whether at least one member was queried and none succeeded.
func (r *FetchResult) AllFailed() bool {
	return len(r.Members) > 0 && len(r.Failed()) == len(r.Members)
}

// Offline reports whether every member failed with ErrOffline.
func (r *FetchResult) Offline() bool {
	if !r.AllFailed() {
		return false
	}
	for _, m := range r.Members {
		if !errors.Is(m.Err, ErrOffline) {
			return false
		}
	}
	return true
}

// MultiMemberQueryService fans a group query out to every member partition.
type MultiMemberQueryService struct {
	Source TransactionSource
	// MemberTimeout bounds each member query; DefaultMemberTimeout when zero.
	MemberTimeout time.Duration
}

// NewMultiMemberQueryService constructs the service.
func NewMultiMemberQueryService(src TransactionSource, timeout time.Duration) *MultiMemberQueryService {
	return &MultiMemberQueryService{Source: src, MemberTimeout: timeout}
}

type memberFetch struct {
	member   string
	records  []domain.SourceRecord
	err      error
	duration time.Duration
}

// FetchGroupTransactions queries members concurrently and merges the results
// sorted by date descending (ties: owner, then id). Each record is tagged
// with its owning member. Duplicate (owner, id) pairs are logged as an
// integrity error and the first sighting wins.
func (s *MultiMemberQueryService) FetchGroupTransactions(ctx context.Context, groupID string, members []string, opts FetchOptions) *FetchResult {
	tr := otel.Tracer("services/MultiMemberQueryService")
	ctx, span := tr.Start(ctx, "FetchGroupTransactions",
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.Int("members", len(members)),
			attribute.Int("page_limit", opts.PageLimit),
			attribute.Int("offset", opts.Offset),
		),
	)
	defer span.End()

	fetched := make([]memberFetch, len(members))
	var g errgroup.Group
	for i, member := range members {
		q := domain.SourceQuery{
			GroupID: groupID,
			Range:   opts.Range,
			Offset:  opts.Offset,
			Limit:   opts.PageLimit,
		}
		if since, ok := opts.Since[member]; ok {
			q.Since = &since
			q.IncludeTombstones = opts.IncludeTombstones
		}
		g.Go(func() error {
			fetched[i] = s.fetchMember(ctx, member, q)
			return nil
		})
	}
	_ = g.Wait()

	return s.merge(ctx, fetched)
}

// fetchMember runs one query under the member timeout. A source that ignores
// cancellation is abandoned once the deadline passes.
func (s *MultiMemberQueryService) fetchMember(ctx context.Context, member string, q domain.SourceQuery) memberFetch {
	timeout := s.MemberTimeout
	if timeout <= 0 {
		timeout = DefaultMemberTimeout
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		recs []domain.SourceRecord
		err  error
	}
	start := time.Now()
	done := make(chan answer, 1)
	go func() {
		recs, err := s.Source.QueryMemberTransactions(mctx, member, q)
		done <- answer{recs, err}
	}()

	out := memberFetch{member: member}
	select {
	case a := <-done:
		out.records, out.err = a.recs, a.err
	case <-mctx.Done():
		out.err = mctx.Err()
	}
	out.duration = time.Since(start)

	result := "ok"
	switch {
	case errors.Is(out.err, context.DeadlineExceeded):
		result = "timeout"
		out.err = fmt.Errorf("member %s: query timed out after %s: %w", member, timeout, out.err)
	case out.err != nil:
		result = "error"
		out.err = fmt.Errorf("member %s: %w", member, out.err)
	}
	if out.err != nil {
		out.records = nil
	}
	observability.MemberQueryDuration.WithLabelValues(result).Observe(out.duration.Seconds())
	return out
}

func (s *MultiMemberQueryService) merge(ctx context.Context, fetched []memberFetch) *FetchResult {
	lg := zerolog.Ctx(ctx)
	res := &FetchResult{Members: make(map[string]MemberResult, len(fetched))}

	type key struct{ owner, id string }
	seen := make(map[key]struct{})
	for _, f := range fetched {
		res.Members[f.member] = MemberResult{Count: len(f.records), Err: f.err, Duration: f.duration}
		for _, rec := range f.records {
			rec.OwnerID = f.member
			k := key{f.member, rec.Transaction.ID}
			if _, dup := seen[k]; dup {
				lg.Error().
					Str("owner_id", f.member).
					Str("transaction_id", rec.Transaction.ID).
					Msg("duplicate transaction in member partition")
				continue
			}
			seen[k] = struct{}{}
			res.Records = append(res.Records, rec)
		}
	}

	sortRecords(res.Records)
	return res
}

// sortRecords orders by date descending, then owner, then id.
func sortRecords(recs []domain.SourceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.Transaction.Date.Equal(b.Transaction.Date) {
			return a.Transaction.Date.After(b.Transaction.Date)
		}
		if a.OwnerID != b.OwnerID {
			return a.OwnerID < b.OwnerID
		}
		return a.Transaction.ID < b.Transaction.ID
	})
}
