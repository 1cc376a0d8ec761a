package memory

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ProtectedPriority is the score at or above which a local_only record is
// never an eviction candidate. Such records exist nowhere else, so evicting
// them loses data permanently.
const ProtectedPriority = 0.8

// Cleanup runs the two-phase maintenance pass for a tenant: hard-delete
// every record whose expiry has passed, then evict lowest-priority records
// until the tenant is at or under maxRecords (0 disables the cap). Per-record
// failures are counted, not fatal.
func (s *Store) Cleanup(ctx context.Context, tenantID string, now time.Time, maxRecords int64) (CleanupResult, error) {
	var result CleanupResult

	expired, err := s.QueryExpired(ctx, tenantID, now)
	if err != nil {
		return result, fmt.Errorf("query expired: %w", err)
	}
	for _, rec := range expired {
		if err := s.DeleteRecord(ctx, tenantID, rec.ID); err != nil {
			s.logger.Warn().Str("method", "Cleanup").Str("id", rec.ID).Err(err).Msg("Failed to delete expired record")
			result.Errors++
			continue
		}
		result.Deleted++
	}

	if maxRecords <= 0 {
		return result, nil
	}

	count, err := s.CountByTenant(ctx, tenantID)
	if err != nil {
		return result, fmt.Errorf("count after expiry: %w", err)
	}
	if count <= maxRecords {
		return result, nil
	}

	evicted, errors, err := s.evict(ctx, tenantID, count-maxRecords)
	result.Deleted += evicted
	result.Errors += errors
	if err != nil {
		return result, err
	}

	s.logger.Info().
		Str("method", "Cleanup").
		Str("tenant", tenantID).
		Int("deleted", result.Deleted).
		Int("errors", result.Errors).
		Msg("Cleanup pass completed")
	return result, nil
}

// EvictForSpace frees room for n new records ahead of a write. Returns how
// many records were actually evicted; callers reject the write when that is
// less than needed.
func (s *Store) EvictForSpace(ctx context.Context, tenantID string, n int64) (int64, error) {
	evicted, _, err := s.evict(ctx, tenantID, n)
	return int64(evicted), err
}

// evict removes up to n eviction candidates, lowest priority and least
// recently accessed first. High-priority local_only records are excluded.
func (s *Store) evict(ctx context.Context, tenantID string, n int64) (int, int, error) {
	if n <= 0 {
		return 0, 0, nil
	}

	query := StatementBuilder().
		Select("id").
		From("memory_records").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.Or{
			sq.Eq{"local_only": 0},
			sq.Lt{"priority_score": ProtectedPriority},
		}).
		OrderBy("priority_score ASC", "last_accessed ASC").
		Limit(uint64(n))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, 0, fmt.Errorf("build eviction query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("query eviction candidates: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	evicted, errCount := 0, 0
	for _, id := range ids {
		if err := s.DeleteRecord(ctx, tenantID, id); err != nil {
			s.logger.Warn().Str("method", "evict").Str("id", id).Err(err).Msg("Failed to evict record")
			errCount++
			continue
		}
		evicted++
	}

	if evicted > 0 {
		s.logger.Info().
			Str("tenant", tenantID).
			Int("evicted", evicted).
			Int64("requested", n).
			Msg("Evicted records to respect capacity cap")
	}
	return evicted, errCount, nil
}
