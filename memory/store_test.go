package memory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/stm/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory database with the full schema applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Each pooled connection to :memory: gets its own database; pin to one.
	db.SetMaxOpenConns(1)
	if err := migrations.Run(db, zerolog.Nop()); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t), zerolog.Nop())
}

func testRecord(id, tenant, content string, now time.Time) *MemoryRecord {
	return &MemoryRecord{
		ID:           id,
		TenantID:     tenant,
		AppName:      "test",
		Content:      content,
		Origin:       OriginLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		SyncStatus:   SyncPending,
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	session := "sess-1"
	rec := testRecord("m1", "tenant-a", "likes black coffee", now)
	rec.SessionID = &session
	rec.Metadata = map[string]interface{}{"importance": 0.8}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.GetRecord(ctx, "tenant-a", "m1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Content != "likes black coffee" {
		t.Errorf("content = %q, want %q", got.Content, "likes black coffee")
	}
	if got.SessionID == nil || *got.SessionID != session {
		t.Errorf("session = %v, want %q", got.SessionID, session)
	}
	if got.Metadata["importance"] != 0.8 {
		t.Errorf("metadata importance = %v, want 0.8", got.Metadata["importance"])
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("sync status = %q, want %q", got.SyncStatus, SyncPending)
	}
}

func TestStore_PutRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord("m1", "tenant-a", "", time.Now())
	if err := store.Put(context.Background(), rec); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestStore_TenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Put(ctx, testRecord("m1", "tenant-a", "a's memory", now)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Another tenant cannot read, touch or delete the record.
	if _, err := store.GetRecord(ctx, "tenant-b", "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant GetRecord err = %v, want ErrNotFound", err)
	}
	if _, err := store.Touch(ctx, "tenant-b", "m1", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant Touch err = %v, want ErrNotFound", err)
	}
	if err := store.DeleteRecord(ctx, "tenant-b", "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant DeleteRecord err = %v, want ErrNotFound", err)
	}

	if _, err := store.GetRecord(ctx, "tenant-a", "m1"); err != nil {
		t.Errorf("owner GetRecord: %v", err)
	}

	records, err := store.QueryByTenant(ctx, "tenant-b", 10)
	if err != nil {
		t.Fatalf("QueryByTenant: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("tenant-b sees %d records, want 0", len(records))
	}
}

func TestStore_TouchBumpsAccessTracking(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)

	if err := store.Put(ctx, testRecord("m1", "tenant-a", "touch me", created)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	later := time.Now()
	got, err := store.Touch(ctx, "tenant-a", "m1", later)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", got.AccessCount)
	}
	if got.LastAccessed.Before(later.Add(-time.Second)) {
		t.Errorf("last accessed = %v, not updated to %v", got.LastAccessed, later)
	}
	if got.PriorityScore <= 0 {
		t.Errorf("priority score = %v, want > 0", got.PriorityScore)
	}
}

func TestStore_ExpiredRecordsExcludedFromQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	fresh := testRecord("fresh", "tenant-a", "still valid", now)
	expiry := now.Add(time.Hour)
	fresh.ExpiresAt = &expiry

	stale := testRecord("stale", "tenant-a", "long gone", now.Add(-2*time.Hour))
	past := now.Add(-time.Hour)
	stale.ExpiresAt = &past

	for _, rec := range []*MemoryRecord{fresh, stale} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s: %v", rec.ID, err)
		}
	}

	records, err := store.QueryByTenant(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("QueryByTenant: %v", err)
	}
	if len(records) != 1 || records[0].ID != "fresh" {
		t.Fatalf("live records = %v, want just fresh", ids(records))
	}

	// The expired row still exists until cleanup hard-deletes it.
	expired, err := store.QueryExpired(ctx, "tenant-a", now)
	if err != nil {
		t.Fatalf("QueryExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("expired records = %v, want just stale", ids(expired))
	}
}

func TestStore_CleanupDeletesExpiredThenEvicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := testRecord("stale", "tenant-a", "expired", now.Add(-2*time.Hour))
	past := now.Add(-time.Hour)
	stale.ExpiresAt = &past
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		rec := testRecord(id, "tenant-a", "live "+id, now)
		rec.PriorityScore = ComputePriority(rec, now)
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	result, err := store.Cleanup(ctx, "tenant-a", now, 2)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	// One expired record plus one evicted to meet the cap of 2.
	if result.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", result.Deleted)
	}
	if result.Errors != 0 {
		t.Errorf("errors = %d, want 0", result.Errors)
	}

	count, err := store.CountByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("CountByTenant: %v", err)
	}
	if count != 2 {
		t.Errorf("count after cleanup = %d, want 2", count)
	}
}

func TestStore_EvictionPrefersLeastRecentlyAccessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Three records at cap 2. B is accessed after creation, so A and C are
	// the least recently used and A (older access) goes first.
	for i, id := range []string{"a", "b", "c"} {
		created := base.Add(time.Duration(i) * time.Minute)
		rec := testRecord(id, "tenant-a", "record "+id, created)
		rec.PriorityScore = ComputePriority(rec, created)
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if _, err := store.Touch(ctx, "tenant-a", "b", time.Now()); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	freed, err := store.EvictForSpace(ctx, "tenant-a", 1)
	if err != nil {
		t.Fatalf("EvictForSpace: %v", err)
	}
	if freed != 1 {
		t.Fatalf("freed = %d, want 1", freed)
	}

	if _, err := store.GetRecord(ctx, "tenant-a", "b"); err != nil {
		t.Errorf("touched record b evicted: %v", err)
	}
	if _, err := store.GetRecord(ctx, "tenant-a", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected a evicted, got err = %v", err)
	}
}

func TestStore_EvictionSparesProtectedLocalOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	precious := testRecord("precious", "tenant-a", "pinned note", now)
	precious.LocalOnly = true
	precious.PriorityScore = ProtectedPriority + 0.1
	if err := store.Put(ctx, precious); err != nil {
		t.Fatalf("Put: %v", err)
	}

	plain := testRecord("plain", "tenant-a", "ordinary note", now)
	plain.PriorityScore = 0.9
	if err := store.Put(ctx, plain); err != nil {
		t.Fatalf("Put: %v", err)
	}

	freed, err := store.EvictForSpace(ctx, "tenant-a", 2)
	if err != nil {
		t.Fatalf("EvictForSpace: %v", err)
	}
	if freed != 1 {
		t.Errorf("freed = %d, want 1 (protected record spared)", freed)
	}
	if _, err := store.GetRecord(ctx, "tenant-a", "precious"); err != nil {
		t.Errorf("protected record evicted: %v", err)
	}
}

func TestStore_SyncStateTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Put(ctx, testRecord("m1", "tenant-a", "to sync", now)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.SetSyncState(ctx, "tenant-a", "m1", SyncSynced, "v42", 0); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}
	got, err := store.GetRecord(ctx, "tenant-a", "m1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.SyncStatus != SyncSynced || got.ServerVersion != "v42" {
		t.Errorf("state = %q/%q, want synced/v42", got.SyncStatus, got.ServerVersion)
	}

	pending, err := store.QueryBySyncStatus(ctx, "tenant-a", SyncPending, SyncFailed)
	if err != nil {
		t.Fatalf("QueryBySyncStatus: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sync = %d, want 0", len(pending))
	}
}

func TestStore_ResetStaleSyncingRequeues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Put(ctx, testRecord("stuck", "tenant-a", "interrupted mid-push", now)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, testRecord("other-tenant", "tenant-b", "also mid-push", now)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, tc := range []struct{ tenant, id string }{{"tenant-a", "stuck"}, {"tenant-b", "other-tenant"}} {
		if err := store.SetSyncState(ctx, tc.tenant, tc.id, SyncSyncing, "", 0); err != nil {
			t.Fatalf("SetSyncState %s: %v", tc.id, err)
		}
	}

	n, err := store.ResetStaleSyncing(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ResetStaleSyncing: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	got, err := store.GetRecord(ctx, "tenant-a", "stuck")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("status = %q, want %q", got.SyncStatus, SyncPending)
	}

	// The other tenant's record is untouched.
	other, err := store.GetRecord(ctx, "tenant-b", "other-tenant")
	if err != nil {
		t.Fatalf("GetRecord tenant-b: %v", err)
	}
	if other.SyncStatus != SyncSyncing {
		t.Errorf("tenant-b status = %q, want %q", other.SyncStatus, SyncSyncing)
	}
}

func TestStore_GetRecordReportsCorruptMetadata(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	rec := testRecord("m1", "tenant-a", "row with mangled metadata", time.Now())
	rec.Metadata = map[string]interface{}{"ok": true}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE memory_records SET metadata = '{not json' WHERE id = ? AND tenant_id = ?`,
		"m1", "tenant-a"); err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}

	if _, err := store.GetRecord(ctx, "tenant-a", "m1"); err == nil {
		t.Fatal("expected error for corrupt metadata, got nil")
	}
}

func TestStore_TombstoneLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := &Tombstone{
		MemoryID:   "m1",
		TenantID:   "tenant-a",
		DeletedAt:  time.Now(),
		SyncStatus: SyncPending,
	}
	if err := store.PutTombstone(ctx, ts); err != nil {
		t.Fatalf("PutTombstone: %v", err)
	}

	pending, err := store.PendingTombstones(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("PendingTombstones: %v", err)
	}
	if len(pending) != 1 || pending[0].MemoryID != "m1" {
		t.Fatalf("pending tombstones = %d, want 1 for m1", len(pending))
	}

	if err := store.DeleteTombstone(ctx, "tenant-a", "m1"); err != nil {
		t.Fatalf("DeleteTombstone: %v", err)
	}
	pending, err = store.PendingTombstones(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("PendingTombstones: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after delete = %d, want 0", len(pending))
	}
}

func TestStore_MetaRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetMeta(ctx, "tenant-a", MetaSyncCursor)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got != "" {
		t.Errorf("unset meta = %q, want empty", got)
	}

	if err := store.SetMeta(ctx, "tenant-a", MetaSyncCursor, "cursor-9"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := store.SetMeta(ctx, "tenant-a", MetaSyncCursor, "cursor-10"); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}
	got, err = store.GetMeta(ctx, "tenant-a", MetaSyncCursor)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got != "cursor-10" {
		t.Errorf("meta = %q, want cursor-10", got)
	}

	// Meta is tenant-scoped too.
	got, err = store.GetMeta(ctx, "tenant-b", MetaSyncCursor)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got != "" {
		t.Errorf("tenant-b meta = %q, want empty", got)
	}
}

func TestComputePriority_OrdersByImportanceAndRecency(t *testing.T) {
	now := time.Now()

	recent := testRecord("r", "t", "x", now)
	old := testRecord("o", "t", "x", now.Add(-30*24*time.Hour))
	if ComputePriority(recent, now) <= ComputePriority(old, now) {
		t.Error("recent record should outrank month-old record")
	}

	important := testRecord("i", "t", "x", now)
	important.Metadata = map[string]interface{}{"importance": 1.0}
	trivial := testRecord("v", "t", "x", now)
	trivial.Metadata = map[string]interface{}{"importance": 0.0}
	if ComputePriority(important, now) <= ComputePriority(trivial, now) {
		t.Error("important record should outrank trivial record")
	}
}

func ids(records []*MemoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
