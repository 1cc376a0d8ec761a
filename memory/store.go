package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a record does not exist or belongs to a
// different tenant. Tenant isolation is enforced here, not only by callers.
var ErrNotFound = errors.New("memory record not found")

// Store is the tenant-isolated, indexed persistence layer for memory
// records, tombstones, conflicts and sync metadata. It never mutates record
// content on its own; the orchestrator and sync engine own sync_status.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a Store on top of an already-migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "memory_store").Logger()
	return &Store{db: db, logger: logger}
}

// ComputePriority derives a record's eviction-ranking score from recency,
// importance metadata and access frequency. Recomputed on every access so
// untouched records decay toward the front of the eviction queue.
func ComputePriority(rec *MemoryRecord, now time.Time) float64 {
	ageHours := now.Sub(rec.LastAccessed).Hours()
	recency := math.Exp(-ageHours / 168) // one-week half life, roughly

	importance := 0.5
	if rec.Metadata != nil {
		if v, ok := rec.Metadata["importance"].(float64); ok {
			importance = v
		}
	}

	frequency := math.Log1p(float64(rec.AccessCount)) / 10
	return recency*0.5 + importance*0.4 + frequency*0.1
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, rec *MemoryRecord) error {
	if strings.TrimSpace(rec.Content) == "" {
		s.logger.Warn().Str("method", "Put").Str("id", rec.ID).Msg("Attempted to store empty content")
		return errors.New("content is empty")
	}
	if rec.TenantID == "" {
		return errors.New("tenant id is required")
	}

	var metaJSON []byte
	var err error
	if rec.Metadata != nil {
		metaJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	var sessionVal interface{}
	if rec.SessionID != nil {
		sessionVal = *rec.SessionID
	}
	var expiresVal interface{}
	if rec.ExpiresAt != nil {
		expiresVal = rec.ExpiresAt.Unix()
	}

	query := StatementBuilder().
		Insert("memory_records").
		Columns(SelectRecordColumns()...).
		Values(rec.ID, rec.TenantID, rec.AppName, sessionVal, rec.Content,
			EncodeEmbedding(rec.Embedding), metaJSON, string(rec.Origin),
			rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(), rec.LastAccessed.Unix(),
			expiresVal, rec.PriorityScore, rec.AccessCount,
			string(rec.SyncStatus), rec.ServerVersion, rec.RetryCount, boolToInt(rec.LocalOnly))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	// SQLite puts the conflict clause after INSERT, so rewrite the verb.
	queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR REPLACE INTO", 1)

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().Str("method", "Put").Str("id", rec.ID).Err(err).Msg("Failed to insert memory record")
		return fmt.Errorf("insert memory record: %w", err)
	}

	s.logger.Debug().
		Str("method", "Put").
		Str("id", rec.ID).
		Str("tenant", rec.TenantID).
		Str("sync_status", string(rec.SyncStatus)).
		Msg("Memory record stored")
	return nil
}

// GetRecord loads one record by id. Returns ErrNotFound when the record is
// absent or owned by a different tenant.
func (s *Store) GetRecord(ctx context.Context, tenantID, id string) (*MemoryRecord, error) {
	query := StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.Eq{"id": id, "tenant_id": tenantID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select memory record: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRecord(rows)
}

// Touch records an access: bumps access_count, refreshes last_accessed and
// recomputes the priority score. Returns the refreshed record.
func (s *Store) Touch(ctx context.Context, tenantID, id string, now time.Time) (*MemoryRecord, error) {
	rec, err := s.GetRecord(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	rec.AccessCount++
	rec.LastAccessed = now
	rec.PriorityScore = ComputePriority(rec, now)

	query := StatementBuilder().
		Update("memory_records").
		Set("access_count", rec.AccessCount).
		Set("last_accessed", now.Unix()).
		Set("priority_score", rec.PriorityScore).
		Where(sq.Eq{"id": id, "tenant_id": tenantID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build touch query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("touch memory record: %w", err)
	}
	return rec, nil
}

// DeleteRecord removes a record. Returns ErrNotFound when nothing matched.
func (s *Store) DeleteRecord(ctx context.Context, tenantID, id string) error {
	query := StatementBuilder().
		Delete("memory_records").
		Where(sq.Eq{"id": id, "tenant_id": tenantID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug().Str("method", "DeleteRecord").Str("id", id).Str("tenant", tenantID).Msg("Memory record deleted")
	return nil
}

// SetEmbedding stores a vector for a record without touching anything else.
// Used by the background re-embed pass.
func (s *Store) SetEmbedding(ctx context.Context, tenantID, id string, vec []float32) error {
	query := StatementBuilder().
		Update("memory_records").
		Set("embedding", EncodeEmbedding(vec)).
		Where(sq.Eq{"id": id, "tenant_id": tenantID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build embedding update: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

// SetSyncState updates a record's sync bookkeeping. The orchestrator and
// sync engine are the only callers.
func (s *Store) SetSyncState(ctx context.Context, tenantID, id string, status SyncStatus, serverVersion string, retryCount int) error {
	query := StatementBuilder().
		Update("memory_records").
		Set("sync_status", string(status)).
		Set("retry_count", retryCount).
		Where(sq.Eq{"id": id, "tenant_id": tenantID})
	if serverVersion != "" {
		query = query.Set("server_version", serverVersion)
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build sync state update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStaleSyncing requeues records a previous process left mid-push.
// Returns how many were moved back to pending.
func (s *Store) ResetStaleSyncing(ctx context.Context, tenantID string) (int64, error) {
	queryStr, args, err := StatementBuilder().
		Update("memory_records").
		Set("sync_status", string(SyncPending)).
		Where(sq.Eq{"tenant_id": tenantID, "sync_status": string(SyncSyncing)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build stale syncing reset: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stale syncing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// QueryByTenant returns the tenant's non-expired records, newest first.
func (s *Store) QueryByTenant(ctx context.Context, tenantID string, limit int) ([]*MemoryRecord, error) {
	query := s.liveRecords(tenantID, time.Now()).OrderBy("created_at DESC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	return s.queryRecords(ctx, query)
}

// QueryBySession returns the tenant's non-expired records for one session.
func (s *Store) QueryBySession(ctx context.Context, tenantID, sessionID string) ([]*MemoryRecord, error) {
	query := s.liveRecords(tenantID, time.Now()).
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC")
	return s.queryRecords(ctx, query)
}

// QueryBySyncStatus returns the tenant's records in any of the given states.
func (s *Store) QueryBySyncStatus(ctx context.Context, tenantID string, statuses ...SyncStatus) ([]*MemoryRecord, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	query := StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID, "sync_status": vals}).
		OrderBy("updated_at ASC")
	return s.queryRecords(ctx, query)
}

// QueryExpired returns the tenant's records whose TTL passed before now.
func (s *Store) QueryExpired(ctx context.Context, tenantID string, now time.Time) ([]*MemoryRecord, error) {
	query := StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.And{
			sq.Eq{"tenant_id": tenantID},
			sq.NotEq{"expires_at": nil},
			sq.Lt{"expires_at": now.Unix()},
		})
	return s.queryRecords(ctx, query)
}

// CountByTenant returns the tenant's total record count.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	queryStr, args, err := StatementBuilder().
		Select("COUNT(*)").
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// CountByOrigin returns how many tenant records have the given origin.
func (s *Store) CountByOrigin(ctx context.Context, tenantID string, origin Origin) (int64, error) {
	queryStr, args, err := StatementBuilder().
		Select("COUNT(*)").
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID, "origin": string(origin)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build origin count query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records by origin: %w", err)
	}
	return n, nil
}

// QueryMissingEmbedding returns tenant records stored without a vector,
// oldest first. The background re-embed pass drains this set once an
// embedder becomes ready.
func (s *Store) QueryMissingEmbedding(ctx context.Context, tenantID string, limit int) ([]*MemoryRecord, error) {
	query := StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID, "embedding": nil}).
		OrderBy("created_at ASC")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	return s.queryRecords(ctx, query)
}

// Stats aggregates the tenant's record count, estimated byte size and
// creation-time bounds.
func (s *Store) Stats(ctx context.Context, tenantID string) (StoreStats, error) {
	queryStr, args, err := StatementBuilder().
		Select(
			"COUNT(*)",
			"COALESCE(SUM(LENGTH(content) + COALESCE(LENGTH(embedding), 0) + COALESCE(LENGTH(metadata), 0)), 0)",
			"COALESCE(MIN(created_at), 0)",
			"COALESCE(MAX(created_at), 0)",
		).
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return StoreStats{}, fmt.Errorf("build stats query: %w", err)
	}

	var stats StoreStats
	var oldest, newest int64
	if err := s.db.QueryRowContext(ctx, queryStr, args...).
		Scan(&stats.Count, &stats.EstimatedBytes, &oldest, &newest); err != nil {
		return StoreStats{}, fmt.Errorf("stats query: %w", err)
	}
	if oldest > 0 {
		stats.OldestCreated = time.Unix(oldest, 0)
	}
	if newest > 0 {
		stats.NewestCreated = time.Unix(newest, 0)
	}
	return stats, nil
}

// liveRecords is the base SELECT for tenant-visible records: owned by the
// tenant and not past their expiry.
func (s *Store) liveRecords(tenantID string, now time.Time) sq.SelectBuilder {
	return StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.Or{
			sq.Eq{"expires_at": nil},
			sq.GtOrEq{"expires_at": now.Unix()},
		})
}

func (s *Store) queryRecords(ctx context.Context, query sq.SelectBuilder) ([]*MemoryRecord, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var records []*MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (*MemoryRecord, error) {
	var (
		rec          MemoryRecord
		sessionID    sql.NullString
		embBlob      []byte
		metaJSON     sql.NullString
		origin       string
		createdAt    int64
		updatedAt    int64
		lastAccessed int64
		expiresAt    sql.NullInt64
		syncStatus   string
		localOnly    int
	)
	if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.AppName, &sessionID, &rec.Content,
		&embBlob, &metaJSON, &origin, &createdAt, &updatedAt,
		&lastAccessed, &expiresAt, &rec.PriorityScore, &rec.AccessCount,
		&syncStatus, &rec.ServerVersion, &rec.RetryCount, &localOnly); err != nil {
		return nil, err
	}

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}
	rec.Embedding = vec

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", rec.ID, err)
		}
	}
	if sessionID.Valid {
		v := sessionID.String
		rec.SessionID = &v
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		rec.ExpiresAt = &t
	}

	rec.Origin = Origin(origin)
	rec.SyncStatus = SyncStatus(syncStatus)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	rec.LastAccessed = time.Unix(lastAccessed, 0)
	rec.LocalOnly = localOnly != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
