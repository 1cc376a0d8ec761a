package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// PutTombstone records a local deletion for later propagation to the
// remote service.
func (s *Store) PutTombstone(ctx context.Context, ts *Tombstone) error {
	queryStr, args, err := StatementBuilder().
		Insert("tombstones").
		Columns("memory_id", "tenant_id", "deleted_at", "sync_status", "retry_count").
		Values(ts.MemoryID, ts.TenantID, ts.DeletedAt.Unix(), string(ts.SyncStatus), ts.RetryCount).
		ToSql()
	if err != nil {
		return fmt.Errorf("build tombstone insert: %w", err)
	}
	queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR REPLACE INTO", 1)
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert tombstone: %w", err)
	}
	s.logger.Debug().Str("method", "PutTombstone").Str("memory_id", ts.MemoryID).Msg("Tombstone recorded")
	return nil
}

// PendingTombstones returns the tenant's deletions still awaiting a remote
// acknowledgement.
func (s *Store) PendingTombstones(ctx context.Context, tenantID string) ([]*Tombstone, error) {
	queryStr, args, err := StatementBuilder().
		Select("memory_id", "tenant_id", "deleted_at", "sync_status", "retry_count").
		From("tombstones").
		Where(sq.Eq{
			"tenant_id":   tenantID,
			"sync_status": []string{string(SyncPending), string(SyncFailed)},
		}).
		OrderBy("deleted_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tombstone select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var tombstones []*Tombstone
	for rows.Next() {
		var (
			ts        Tombstone
			deletedAt int64
			status    string
		)
		if err := rows.Scan(&ts.MemoryID, &ts.TenantID, &deletedAt, &status, &ts.RetryCount); err != nil {
			return nil, err
		}
		ts.DeletedAt = time.Unix(deletedAt, 0)
		ts.SyncStatus = SyncStatus(status)
		tombstones = append(tombstones, &ts)
	}
	return tombstones, rows.Err()
}

// SetTombstoneState updates a tombstone's sync bookkeeping.
func (s *Store) SetTombstoneState(ctx context.Context, tenantID, memoryID string, status SyncStatus, retryCount int) error {
	queryStr, args, err := StatementBuilder().
		Update("tombstones").
		Set("sync_status", string(status)).
		Set("retry_count", retryCount).
		Where(sq.Eq{"memory_id": memoryID, "tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build tombstone update: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

// DeleteTombstone removes a tombstone once the remote delete is acknowledged.
func (s *Store) DeleteTombstone(ctx context.Context, tenantID, memoryID string) error {
	queryStr, args, err := StatementBuilder().
		Delete("tombstones").
		Where(sq.Eq{"memory_id": memoryID, "tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build tombstone delete: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}
