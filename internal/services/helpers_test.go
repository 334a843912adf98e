package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/repo"
)

// ----- Databases -----

// newServiceDB opens a temp-file SQLite database with both schemas migrated.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), fmt.Sprintf("svc_%d.db", time.Now().UnixNano())))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrateSource(db); err != nil {
		t.Fatalf("migrate source: %v", err)
	}
	if err := repo.AutoMigrateCache(db); err != nil {
		t.Fatalf("migrate cache: %v", err)
	}
	return db
}

// closeDB closes the pool so later queries fail.
func closeDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	_ = sqlDB.Close()
}

func seedGroup(t *testing.T, db *gorm.DB, id string, members ...string) *domain.SharedGroup {
	t.Helper()
	g := &domain.SharedGroup{ID: id, OwnerID: members[0], Name: "group " + id}
	for _, m := range members {
		g.Members = append(g.Members, domain.GroupMember{UserID: m})
	}
	if err := repo.CreateGroup(context.Background(), db, g); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	return g
}

// seedTx writes a transaction through the repo so tags and member
// timestamps are stamped like a real write.
func seedTx(t *testing.T, db *gorm.DB, id, owner string, date time.Time, groups ...string) *domain.Transaction {
	t.Helper()
	tx := &domain.Transaction{
		ID:             id,
		OwnerID:        owner,
		Date:           date,
		Merchant:       "shop " + id,
		Total:          decimal.RequireFromString("12.50"),
		Currency:       "EUR",
		SharedGroupIDs: groups,
	}
	if err := repo.CreateTransaction(context.Background(), db, tx, time.Now()); err != nil {
		t.Fatalf("seed tx %s: %v", id, err)
	}
	return tx
}

// day returns midnight UTC of 2024-03-n.
func day(n int) time.Time {
	return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC)
}

// ----- Fake sources -----

// staticSource serves fixed records per owner and honours paging and Since.
type staticSource struct {
	mu      sync.Mutex
	records map[string][]domain.SourceRecord
	errs    map[string]error
	queries map[string][]domain.SourceQuery
}

func newStaticSource() *staticSource {
	return &staticSource{
		records: map[string][]domain.SourceRecord{},
		errs:    map[string]error{},
		queries: map[string][]domain.SourceQuery{},
	}
}

func (s *staticSource) add(owner, id string, date time.Time, changedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[owner] = append(s.records[owner], domain.SourceRecord{
		OwnerID:   owner,
		ChangedAt: changedAt,
		Transaction: domain.Transaction{
			ID:       id,
			OwnerID:  owner,
			Date:     date,
			Merchant: "m-" + id,
			Total:    decimal.NewFromInt(1),
		},
	})
}

func (s *staticSource) QueryMemberTransactions(ctx context.Context, owner string, q domain.SourceQuery) ([]domain.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[owner] = append(s.queries[owner], q)
	if err := s.errs[owner]; err != nil {
		return nil, err
	}
	var out []domain.SourceRecord
	for _, r := range s.records[owner] {
		if q.Since != nil && r.ChangedAt <= *q.Since {
			continue
		}
		if r.Tombstone && !q.IncludeTombstones {
			continue
		}
		if !q.Range.Contains(r.Transaction.Date) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Transaction.Date.After(out[j].Transaction.Date)
	})
	if q.Offset >= len(out) {
		return []domain.SourceRecord{}, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *staticSource) calls(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries[owner])
}

// countingSource wraps a source, counting calls and injecting failures or
// blocking per owner.
type countingSource struct {
	inner TransactionSource

	mu    sync.Mutex
	count map[string]int
	fail  map[string]error
	// block holds a channel per owner; queries for that owner wait on it
	// without watching ctx.
	block map[string]chan struct{}
	// entered is signalled on every call when set.
	entered chan string
}

func newCountingSource(inner TransactionSource) *countingSource {
	return &countingSource{
		inner: inner,
		count: map[string]int{},
		fail:  map[string]error{},
		block: map[string]chan struct{}{},
	}
}

func (c *countingSource) QueryMemberTransactions(ctx context.Context, owner string, q domain.SourceQuery) ([]domain.SourceRecord, error) {
	c.mu.Lock()
	c.count[owner]++
	err := c.fail[owner]
	gate := c.block[owner]
	entered := c.entered
	c.mu.Unlock()

	if entered != nil {
		select {
		case entered <- owner:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return c.inner.QueryMemberTransactions(ctx, owner, q)
}

func (c *countingSource) calls(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[owner]
}

func (c *countingSource) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.count {
		n += v
	}
	return n
}

func (c *countingSource) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = map[string]int{}
}

func (c *countingSource) setFail(owner string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, owner)
		return
	}
	c.fail[owner] = err
}

func (c *countingSource) setBlock(owner string, gate chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gate == nil {
		delete(c.block, owner)
		return
	}
	c.block[owner] = gate
}

// ----- Fake group directory -----

type fakeGroups struct {
	mu     sync.Mutex
	groups map[string]*domain.SharedGroup
	err    error
}

func newFakeGroups(groups ...*domain.SharedGroup) *fakeGroups {
	f := &fakeGroups{groups: map[string]*domain.SharedGroup{}}
	for _, g := range groups {
		f.groups[g.ID] = g
	}
	return f
}

func (f *fakeGroups) GetGroup(ctx context.Context, id string) (*domain.SharedGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	cp := *g
	cp.Members = append([]domain.GroupMember(nil), g.Members...)
	return &cp, nil
}

func group(id string, members ...string) *domain.SharedGroup {
	g := &domain.SharedGroup{ID: id, OwnerID: members[0], Name: "group " + id}
	for _, m := range members {
		g.Members = append(g.Members, domain.GroupMember{GroupID: id, UserID: m})
	}
	return g
}

// ----- Engine -----

// engine wires the sync stack over a source database and a separate cache
// database, mirroring the production layout.
type engine struct {
	src    *gorm.DB
	cache  *gorm.DB
	source *countingSource
	query  *MultiMemberQueryService
	store  *CacheStore
	meta   GormMetadata
	sync   *SyncCoordinator
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{src: newServiceDB(t), cache: newServiceDB(t)}
	e.source = newCountingSource(GormSource{DB: e.src})
	e.query = NewMultiMemberQueryService(e.source, 200*time.Millisecond)
	e.store = NewCacheStore(e.cache, 0, 0)
	e.meta = GormMetadata{DB: e.cache}
	e.sync = NewSyncCoordinator(GormGroups{DB: e.src}, e.query, e.store, e.meta)
	return e
}

func (e *engine) cached(t *testing.T, groupID string) []domain.CacheEntry {
	t.Helper()
	out, err := e.store.Read(context.Background(), groupID, domain.DateRange{})
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	return out
}

func ids(entries []domain.CacheEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TransactionID
	}
	return out
}
