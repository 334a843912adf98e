package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/group-sync/internal/domain"
)

func TestFetchGroupTransactions_MergesAllMembersNewestFirst(t *testing.T) {
	src := newStaticSource()
	members := []string{"alice", "bob", "carol"}
	for mi, m := range members {
		for i := 0; i < 5; i++ {
			// Interleave dates across members: day = 1 + i*3 + mi.
			src.add(m, fmt.Sprintf("%s-%d", m, i), day(1+i*3+mi), 1)
		}
	}

	svc := NewMultiMemberQueryService(src, time.Second)
	res := svc.FetchGroupTransactions(context.Background(), "g1", members, FetchOptions{})

	if err := res.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Records) != 15 {
		t.Fatalf("want 15 records, got %d", len(res.Records))
	}
	for i := 1; i < len(res.Records); i++ {
		if res.Records[i].Transaction.Date.After(res.Records[i-1].Transaction.Date) {
			t.Fatalf("records not sorted newest first at %d", i)
		}
	}
	if res.Records[0].Transaction.ID != "carol-4" || res.Records[14].Transaction.ID != "alice-0" {
		t.Fatalf("unexpected ends: first=%s last=%s", res.Records[0].Transaction.ID, res.Records[14].Transaction.ID)
	}
	for _, m := range members {
		if got := res.Members[m].Count; got != 5 {
			t.Fatalf("member %s count = %d, want 5", m, got)
		}
	}
	for _, r := range res.Records {
		if r.OwnerID != r.Transaction.OwnerID {
			t.Fatalf("record %s tagged with owner %s", r.Transaction.ID, r.OwnerID)
		}
	}
}

func TestFetchGroupTransactions_TieBreakByOwnerThenID(t *testing.T) {
	src := newStaticSource()
	src.add("bob", "b", day(5), 1)
	src.add("alice", "z", day(5), 1)
	src.add("alice", "a", day(5), 1)

	res := NewMultiMemberQueryService(src, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"bob", "alice"}, FetchOptions{})

	got := []string{}
	for _, r := range res.Records {
		got = append(got, r.OwnerID+"/"+r.Transaction.ID)
	}
	want := []string{"alice/a", "alice/z", "bob/b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFetchGroupTransactions_SlowMemberTimesOutOthersReturned(t *testing.T) {
	static := newStaticSource()
	for _, m := range []string{"a", "b", "c"} {
		static.add(m, m+"-1", day(1), 1)
	}
	src := newCountingSource(static)
	gate := make(chan struct{})
	defer close(gate)
	src.setBlock("b", gate)

	svc := NewMultiMemberQueryService(src, 50*time.Millisecond)
	start := time.Now()
	res := svc.FetchGroupTransactions(context.Background(), "g1", []string{"a", "b", "c"}, FetchOptions{})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fan-out not bounded by member timeout: %s", elapsed)
	}

	if len(res.Records) != 2 {
		t.Fatalf("want records from a and c, got %d", len(res.Records))
	}
	if !errors.Is(res.Members["b"].Err, context.DeadlineExceeded) {
		t.Fatalf("member b error = %v, want deadline exceeded", res.Members["b"].Err)
	}
	var pfe *PartialFetchError
	if !errors.As(res.Err(), &pfe) || len(pfe.Failed) != 1 || pfe.Failed["b"] == nil {
		t.Fatalf("want partial error for b, got %v", res.Err())
	}
	if res.AllFailed() {
		t.Fatalf("AllFailed should be false")
	}
}

func TestFetchGroupTransactions_FailingMemberDoesNotFailCall(t *testing.T) {
	static := newStaticSource()
	static.add("a", "a-1", day(1), 1)
	static.errs["b"] = errors.New("boom")

	res := NewMultiMemberQueryService(static, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"a", "b"}, FetchOptions{})

	if len(res.Records) != 1 || res.Records[0].Transaction.ID != "a-1" {
		t.Fatalf("unexpected records: %+v", res.Records)
	}
	if res.Members["b"].Err == nil || res.Members["a"].Err != nil {
		t.Fatalf("unexpected member results: %+v", res.Members)
	}
}

func TestFetchGroupTransactions_DuplicateFirstWins(t *testing.T) {
	static := newStaticSource()
	static.add("a", "dup", day(2), 1)
	static.add("a", "dup", day(1), 2)

	res := NewMultiMemberQueryService(static, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"a"}, FetchOptions{})

	if len(res.Records) != 1 {
		t.Fatalf("duplicate should be dropped, got %d records", len(res.Records))
	}
	if !res.Records[0].Transaction.Date.Equal(day(2)) {
		t.Fatalf("first sighting should win")
	}
}

func TestFetchGroupTransactions_SinceAppliesPerMember(t *testing.T) {
	static := newStaticSource()
	static.add("a", "a-old", day(1), 10)
	static.add("a", "a-new", day(2), 20)
	static.add("b", "b-old", day(1), 10)

	res := NewMultiMemberQueryService(static, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"a", "b"}, FetchOptions{
			Since:             map[string]int64{"a": 15},
			IncludeTombstones: true,
		})

	if len(res.Records) != 2 {
		t.Fatalf("want a-new and b-old, got %d", len(res.Records))
	}
	qa := static.queries["a"][0]
	qb := static.queries["b"][0]
	if qa.Since == nil || *qa.Since != 15 || !qa.IncludeTombstones {
		t.Fatalf("member a should get a delta query, got %+v", qa)
	}
	if qb.Since != nil || qb.IncludeTombstones {
		t.Fatalf("member b should get a full query, got %+v", qb)
	}
}

func TestFetchGroupTransactions_PagingAndRangeForwarded(t *testing.T) {
	static := newStaticSource()
	for i := 1; i <= 5; i++ {
		static.add("a", fmt.Sprintf("t%d", i), day(i), 1)
	}
	r := domain.DateRange{From: day(2), To: day(4)}

	res := NewMultiMemberQueryService(static, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"a"}, FetchOptions{Range: r, PageLimit: 2, Offset: 1})

	if len(res.Records) != 2 {
		t.Fatalf("want 2 records, got %d", len(res.Records))
	}
	if res.Records[0].Transaction.ID != "t3" || res.Records[1].Transaction.ID != "t2" {
		t.Fatalf("unexpected page: %s, %s", res.Records[0].Transaction.ID, res.Records[1].Transaction.ID)
	}
	if res.Members["a"].Exhausted(2) {
		t.Fatalf("a full page should not be exhausted")
	}
}

func TestFetchResult_Offline(t *testing.T) {
	static := newStaticSource()
	static.errs["a"] = fmt.Errorf("dial: %w", ErrOffline)
	static.errs["b"] = ErrOffline

	res := NewMultiMemberQueryService(static, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"a", "b"}, FetchOptions{})

	if !res.AllFailed() || !res.Offline() {
		t.Fatalf("want offline result, got %+v", res.Members)
	}

	static.errs["b"] = errors.New("other")
	res = NewMultiMemberQueryService(static, time.Second).
		FetchGroupTransactions(context.Background(), "g1", []string{"a", "b"}, FetchOptions{})
	if res.Offline() {
		t.Fatalf("mixed failures are not offline")
	}
}

func TestFetchGroupTransactions_NoMembers(t *testing.T) {
	res := NewMultiMemberQueryService(newStaticSource(), 0).
		FetchGroupTransactions(context.Background(), "g1", nil, FetchOptions{})
	if len(res.Records) != 0 || res.Err() != nil || res.AllFailed() {
		t.Fatalf("empty fan-out should be an empty success: %+v", res)
	}
}
